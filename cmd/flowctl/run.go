package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/workflow"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// =============================================================================
// ▶️ run / resume / validate
// =============================================================================

// inputFlags 收集可重复的 --input k=v
type inputFlags map[string]any

func (f inputFlags) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (f inputFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("input must be key=value, got %q", s)
	}
	f[k] = parseValue(v)
	return nil
}

// parseValue 能按 JSON 解析的值按 JSON 解析，整数还原为 int；否则作为字符串
func parseValue(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return normalizeNumber(v)
}

func normalizeNumber(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumber(e)
		}
	case []any:
		for i, e := range x {
			x[i] = normalizeNumber(e)
		}
	}
	return v
}

// readInputFile 读取 JSON 对象作为初始输入
func readInputFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var in map[string]any
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("parse input file %s: %w", path, err)
	}
	normalizeNumber(in)
	return in, nil
}

// parseArgs 允许标志出现在位置参数之后
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// runOptions run 与 resume 共用的参数
type runOptions struct {
	configPath string
	input      inputFlags
	inputFile  string
	checkpoint bool
	workflowID string
}

func (o *runOptions) register(fs *flag.FlagSet, withID bool) {
	o.input = inputFlags{}
	fs.StringVar(&o.configPath, "config", "", "Path to config file")
	fs.Var(o.input, "input", "Initial input key=value (repeatable)")
	fs.StringVar(&o.inputFile, "input-file", "", "JSON file with the initial input")
	fs.BoolVar(&o.checkpoint, "checkpoint", false, "Save a checkpoint after every node")
	if withID {
		fs.StringVar(&o.workflowID, "workflow-id", "", "Run id (generated when empty)")
	}
}

func (o *runOptions) initialInput() (map[string]any, error) {
	in := map[string]any{}
	if o.inputFile != "" {
		fromFile, err := readInputFile(o.inputFile)
		if err != nil {
			return nil, err
		}
		in = fromFile
	}
	// --input 覆盖文件中的同名键
	for k, v := range o.input {
		in[k] = v
	}
	return in, nil
}

func runWorkflow(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("run", stderr)
	var opts runOptions
	opts.register(fs, true)
	positional, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("usage: flowctl run <definition.yaml> [options]")
	}
	input, err := opts.initialInput()
	if err != nil {
		return err
	}
	return executeDefinition(positional[0], "", input, &opts, stdout)
}

func runResume(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("resume", stderr)
	var opts runOptions
	opts.register(fs, false)
	positional, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 2 {
		return fmt.Errorf("usage: flowctl resume <definition.yaml> <checkpoint-id> [options]")
	}
	return executeDefinition(positional[0], positional[1], nil, &opts, stdout)
}

// executeDefinition 装配组件、运行工作流并输出结果
func executeDefinition(path, checkpointID string, input map[string]any, opts *runOptions, stdout io.Writer) error {
	_, cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, _ := initLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.close(sctx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	wf, err := a.parser.ParseFile(path)
	if err != nil {
		return err
	}

	res, err := a.execute(ctx, wf, input, checkpointID, opts.workflowID, opts.checkpoint)
	if res == nil {
		return err
	}
	if werr := writeJSON(stdout, summarize(res)); werr != nil {
		return werr
	}
	if err != nil {
		return errRunFailed
	}
	return nil
}

func runValidate(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("validate", stderr)
	positional, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(positional) == 0 {
		return fmt.Errorf("usage: flowctl validate <definition.yaml>...")
	}

	parser := dsl.NewParser(zap.NewNop())
	var failed bool
	for _, path := range positional {
		wf, err := parser.ParseFile(path)
		if err != nil {
			failed = true
			fmt.Fprintf(stdout, "FAIL %s\n", path)
			for _, problem := range problems(err) {
				fmt.Fprintf(stdout, "  - %s\n", problem)
			}
			continue
		}
		fmt.Fprintf(stdout, "OK   %s (%s, %d nodes, %d edges)\n", path, wf.Name(), len(wf.Nodes()), len(wf.Edges()))
	}
	if failed {
		return errRunFailed
	}
	return nil
}

// problems 展开校验错误中的逐条问题
func problems(err error) []string {
	var gve *workflow.GraphValidationError
	if errors.As(err, &gve) && len(gve.Problems) > 0 {
		return gve.Problems
	}
	return []string{err.Error()}
}

// =============================================================================
// 📤 结果输出
// =============================================================================

type nodeSummary struct {
	Output   any    `json:"output,omitempty"`
	Duration string `json:"duration"`
	Visits   int    `json:"visits"`
}

type compensationSummary struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

type runSummary struct {
	WorkflowID   string                 `json:"workflow_id"`
	Workflow     string                 `json:"workflow"`
	Status       string                 `json:"status"`
	CheckpointID string                 `json:"checkpoint_id,omitempty"`
	Duration     string                 `json:"duration"`
	FailedNode   string                 `json:"failed_node,omitempty"`
	Error        string                 `json:"error,omitempty"`
	State        workflow.State         `json:"state"`
	Nodes        map[string]nodeSummary `json:"nodes"`
	Compensation *compensationSummary   `json:"compensation,omitempty"`
}

func summarize(res *runResult) runSummary {
	s := runSummary{
		WorkflowID:   res.WorkflowID,
		Workflow:     res.WorkflowName,
		Status:       "succeeded",
		CheckpointID: res.CheckpointID,
		Duration:     res.TotalDuration.String(),
		State:        res.FinalState,
		Nodes:        make(map[string]nodeSummary, len(res.NodeResults)),
	}
	for name, o := range res.NodeResults {
		s.Nodes[name] = nodeSummary{Output: o.Output, Duration: o.Duration.String(), Visits: o.Visits}
	}
	if res.Error != nil {
		s.Status = "failed"
		s.Error = res.Error.Error()
		if node, ok := workflow.FailedNode(res.Error); ok {
			s.FailedNode = node
		}
	}
	if rep := res.Compensation; rep != nil {
		cs := &compensationSummary{Succeeded: rep.Succeeded}
		if len(rep.Failed) > 0 {
			cs.Failed = make(map[string]string, len(rep.Failed))
			for _, f := range rep.Failed {
				cs.Failed[f.Step] = f.Err.Error()
			}
		}
		s.Compensation = cs
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
