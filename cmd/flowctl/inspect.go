package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/persistence"
	"github.com/BaSui01/flowengine/resilience/dlq"
)

// =============================================================================
// 🔍 检查点与死信查看
// =============================================================================

// withStores 按配置打开存储，执行 fn 后关闭
func withStores(configPath string, fn func(ctx context.Context, stores *persistence.Stores) error) error {
	_, cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, _ := initLogger(cfg.Log)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stores, err := persistence.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("close stores", zap.Error(err))
		}
	}()
	return fn(ctx, stores)
}

func runCheckpoints(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: flowctl checkpoints list|show|delete [options]")
	}
	fs := newFlagSet("checkpoints "+args[0], stderr)
	configPath := fs.String("config", "", "Path to config file")
	workflowName := fs.String("workflow", "", "Only list checkpoints of this workflow")
	positional, err := parseArgs(fs, args[1:])
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		return withStores(*configPath, func(ctx context.Context, stores *persistence.Stores) error {
			cps, err := stores.Checkpoints.List(ctx, *workflowName)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tRUN\tSTEP\tCOMPLETED\tTIMESTAMP")
			for _, cp := range cps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					cp.ID, cp.WorkflowName, cp.WorkflowID, cp.Step, len(cp.CompletedNodes),
					cp.Timestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	case "show":
		if len(positional) != 1 {
			return fmt.Errorf("usage: flowctl checkpoints show <id>")
		}
		return withStores(*configPath, func(ctx context.Context, stores *persistence.Stores) error {
			cp, err := stores.Checkpoints.Load(ctx, positional[0])
			if err != nil {
				return err
			}
			return writeJSON(stdout, cp)
		})
	case "delete":
		if len(positional) != 1 {
			return fmt.Errorf("usage: flowctl checkpoints delete <id>")
		}
		return withStores(*configPath, func(ctx context.Context, stores *persistence.Stores) error {
			if err := stores.Checkpoints.Delete(ctx, positional[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "deleted checkpoint %s\n", positional[0])
			return nil
		})
	default:
		return fmt.Errorf("unknown checkpoints command %q", args[0])
	}
}

// dlqFilterFlags 死信列表过滤参数
type dlqFilterFlags struct {
	workflow string
	node     string
	since    time.Duration
	offset   int
	limit    int
}

func (f *dlqFilterFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.workflow, "workflow", "", "Filter by workflow name")
	fs.StringVar(&f.node, "node", "", "Filter by node")
	fs.DurationVar(&f.since, "since", 0, "Only entries that failed within this window, e.g. 24h")
	fs.IntVar(&f.offset, "offset", 0, "Skip this many entries")
	fs.IntVar(&f.limit, "limit", 50, "Maximum entries to list, 0 for all")
}

func (f *dlqFilterFlags) filter(now time.Time) dlq.Filter {
	out := dlq.Filter{Workflow: f.workflow, Node: f.node, Offset: f.offset, Limit: f.limit}
	if f.since > 0 {
		out.Since = now.Add(-f.since)
	}
	return out
}

func runDLQ(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: flowctl dlq list|show|remove [options]")
	}
	fs := newFlagSet("dlq "+args[0], stderr)
	configPath := fs.String("config", "", "Path to config file")
	var filter dlqFilterFlags
	filter.register(fs)
	positional, err := parseArgs(fs, args[1:])
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		return withStores(*configPath, func(ctx context.Context, stores *persistence.Stores) error {
			entries, err := stores.DeadLetters.List(ctx, filter.filter(time.Now()))
			if err != nil {
				return err
			}
			total, err := stores.DeadLetters.Len(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tNODE\tATTEMPTS\tLAST FAILED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.Source.Workflow, e.Source.Node, e.Attempts,
					e.LastFailedAt.Format(time.RFC3339), truncate(e.Error, 60))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%d of %d entries\n", len(entries), total)
			return nil
		})
	case "show":
		if len(positional) != 1 {
			return fmt.Errorf("usage: flowctl dlq show <id>")
		}
		return withStores(*configPath, func(ctx context.Context, stores *persistence.Stores) error {
			e, err := stores.DeadLetters.Get(ctx, positional[0])
			if err != nil {
				return err
			}
			return writeJSON(stdout, e)
		})
	case "remove":
		if len(positional) != 1 {
			return fmt.Errorf("usage: flowctl dlq remove <id>")
		}
		return withStores(*configPath, func(ctx context.Context, stores *persistence.Stores) error {
			if err := stores.DeadLetters.Remove(ctx, positional[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "removed dead letter %s\n", positional[0])
			return nil
		})
	default:
		return fmt.Errorf("unknown dlq command %q", args[0])
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
