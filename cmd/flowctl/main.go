// =============================================================================
// flowctl 主入口
// =============================================================================
// 工作流引擎命令行：运行与恢复工作流、查看检查点和死信、数据库迁移、
// 以及带健康检查与 Prometheus 指标的管理端服务
//
// 使用方法:
//
//	flowctl run orders.yaml --input amount=60   # 运行工作流
//	flowctl resume orders.yaml <checkpoint-id>  # 从检查点恢复
//	flowctl validate orders.yaml                # 校验定义
//	flowctl checkpoints list --workflow orders  # 查看检查点
//	flowctl dlq list                            # 查看死信
//	flowctl migrate up                          # 运行数据库迁移
//	flowctl serve --config config.yaml          # 启动管理端
//
// =============================================================================

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/flowengine/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errRunFailed 工作流执行失败；结果已输出，只需非零退出码
var errRunFailed = errors.New("workflow run failed")

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

// dispatch 分派子命令并返回进程退出码
func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "run":
		err = runWorkflow(args[1:], stdout, stderr)
	case "resume":
		err = runResume(args[1:], stdout, stderr)
	case "validate":
		err = runValidate(args[1:], stdout, stderr)
	case "checkpoints":
		err = runCheckpoints(args[1:], stdout, stderr)
	case "dlq":
		err = runDLQ(args[1:], stdout, stderr)
	case "migrate":
		err = runMigrate(args[1:], stdout, stderr)
	case "serve":
		err = runServe(args[1:], stderr)
	case "health":
		err = runHealthCheck(args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errRunFailed):
		return 1
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "flowctl %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `flowctl - workflow orchestration engine

Usage:
  flowctl <command> [options]

Commands:
  run <file>                  Execute a workflow definition
  resume <file> <checkpoint>  Resume a run from a checkpoint
  validate <file>             Parse and validate a workflow definition
  checkpoints list|show|delete
  dlq list|show|remove
  migrate   Database migration commands
  serve     Start the admin server (health, metrics, inspection API)
  health    Check admin server health
  version   Show version information
  help      Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)

Options for 'run' and 'resume':
  --input k=v       Initial input value, repeatable; values are parsed as JSON when possible
  --input-file <f>  JSON object used as the initial input
  --checkpoint      Save a checkpoint after every node
  --workflow-id <s> Fix the run id (run only)

Examples:
  flowctl run orders.yaml --input amount=60 --checkpoint
  flowctl resume orders.yaml 3f1c9a2e-...
  flowctl checkpoints list --workflow orders
  flowctl dlq list --workflow orders --node charge
  flowctl migrate up --config /etc/flowengine/config.yaml
  flowctl health --addr http://localhost:9464`)
}

// =============================================================================
// 🔧 配置与日志
// =============================================================================

// loadConfig 加载配置；path 为空时只使用默认值与环境变量
func loadConfig(path string) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return loader, cfg, nil
}

// parseLevel 解析日志级别，无法识别时为 info
func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// initLogger 按配置构建 logger；返回的 AtomicLevel 供配置热更新调整级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger, level
}
