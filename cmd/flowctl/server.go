package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/ctxkeys"
	"github.com/BaSui01/flowengine/internal/server"
	"github.com/BaSui01/flowengine/internal/tlsutil"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	configPath := fs.String("config", "", "Path to config file")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	loader, cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, level := initLogger(cfg.Log)
	logger.Info("Starting flowctl admin server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
		defer cancel()
		if err := a.close(sctx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	// 配置文件变更时只调整日志级别，其余配置需要重启生效
	if *configPath != "" {
		watcher, err := config.NewWatcher(loader, cfg, config.WithWatcherLogger(logger))
		if err != nil {
			return err
		}
		watcher.OnReload(func(_, updated *config.Config) {
			level.SetLevel(parseLevel(updated.Log.Level))
			logger.Info("log level updated", zap.String("level", level.String()))
		})
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if a.stores.Pool != nil {
		go a.reportPoolStats(ctx, 15*time.Second)
	}

	mgr := server.NewManager(a.adminHandler(), server.ConfigFromAdmin(cfg.Admin), logger)
	if err := mgr.Run(ctx); err != nil {
		return err
	}
	logger.Info("flowctl admin server stopped")
	return nil
}

// reportPoolStats 定期把 SQL 连接池统计写入指标
func (a *app) reportPoolStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	name := a.cfg.Database.Driver
	for {
		a.collector.RecordDBPool(name, a.stores.Pool.GetStats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// adminHandler 组装管理端路由与中间件
func (a *app) adminHandler() http.Handler {
	api := &adminAPI{app: a}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", api.health)
	if a.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	}
	mux.HandleFunc("GET /version", api.version)

	mux.HandleFunc("GET /v1/checkpoints", api.listCheckpoints)
	mux.HandleFunc("GET /v1/checkpoints/{id}", api.getCheckpoint)
	mux.HandleFunc("DELETE /v1/checkpoints/{id}", api.deleteCheckpoint)

	mux.HandleFunc("GET /v1/dlq", api.listDeadLetters)
	mux.HandleFunc("GET /v1/dlq/{id}", api.getDeadLetter)
	mux.HandleFunc("DELETE /v1/dlq/{id}", api.removeDeadLetter)

	mux.HandleFunc("GET /v1/breakers", api.listBreakers)

	return Chain(mux,
		Recovery(a.logger),
		RequestID(),
		RequestLogger(a.logger),
		SecurityHeaders(),
		OTelTracing(),
		a.collector.Middleware,
	)
}

// =============================================================================
// 📦 管理端 API
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type adminAPI struct {
	app *app
}

func (api *adminAPI) writeSuccess(w http.ResponseWriter, r *http.Request, data any) {
	writeResponse(w, r, http.StatusOK, Response{Success: true, Data: data})
}

// writeError 把存储错误映射为 HTTP 状态码
func (api *adminAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	te := types.NewError(types.ErrInternalError, err.Error()).WithCause(err)
	switch {
	case errors.Is(err, workflow.ErrCheckpointNotFound), errors.Is(err, dlq.ErrNotFound):
		status = http.StatusNotFound
		te.Code = types.ErrStoreNotFound
	default:
		if known, ok := types.AsError(err); ok {
			te = known
		}
		api.app.logger.Error("admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", string(te.Code)),
			zap.Error(err))
	}
	writeResponse(w, r, status, Response{
		Error: &ErrorInfo{Code: string(te.Code), Message: te.Message, Retryable: te.Retryable},
	})
}

func (api *adminAPI) writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeResponse(w, r, http.StatusBadRequest, Response{
		Error: &ErrorInfo{Code: string(types.ErrInvalidRequest), Message: msg},
	})
}

func writeResponse(w http.ResponseWriter, r *http.Request, status int, resp Response) {
	resp.Timestamp = time.Now()
	if id, ok := ctxkeys.RequestID(r.Context()); ok {
		resp.RequestID = id
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (api *adminAPI) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := api.app.stores.Ping(ctx); err != nil {
		writeResponse(w, r, http.StatusServiceUnavailable, Response{
			Error: &ErrorInfo{Code: string(types.ErrServiceUnavailable), Message: err.Error(), Retryable: true},
		})
		return
	}
	api.writeSuccess(w, r, map[string]string{"status": "ok", "store": api.app.stores.Backend})
}

func (api *adminAPI) version(w http.ResponseWriter, r *http.Request) {
	api.writeSuccess(w, r, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// checkpointInfo 列表中的检查点摘要
type checkpointInfo struct {
	ID             string    `json:"id"`
	WorkflowID     string    `json:"workflow_id"`
	WorkflowName   string    `json:"workflow_name"`
	Version        int       `json:"version"`
	Step           int       `json:"step"`
	CompletedNodes []string  `json:"completed_nodes"`
	Timestamp      time.Time `json:"timestamp"`
}

func (api *adminAPI) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := api.app.stores.Checkpoints.List(r.Context(), r.URL.Query().Get("workflow"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	out := make([]checkpointInfo, len(cps))
	for i, cp := range cps {
		out[i] = checkpointInfo{
			ID:             cp.ID,
			WorkflowID:     cp.WorkflowID,
			WorkflowName:   cp.WorkflowName,
			Version:        cp.Version,
			Step:           cp.Step,
			CompletedNodes: cp.CompletedNodes,
			Timestamp:      cp.Timestamp,
		}
	}
	api.writeSuccess(w, r, out)
}

func (api *adminAPI) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := api.app.stores.Checkpoints.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeSuccess(w, r, cp)
}

func (api *adminAPI) deleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := api.app.stores.Checkpoints.Delete(r.Context(), r.PathValue("id")); err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeSuccess(w, r, map[string]string{"deleted": r.PathValue("id")})
}

// parseDLQFilter 解析 workflow、node、since、until（RFC3339）、offset、limit
func parseDLQFilter(r *http.Request) (dlq.Filter, error) {
	q := r.URL.Query()
	f := dlq.Filter{Workflow: q.Get("workflow"), Node: q.Get("node")}
	for _, tf := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := q.Get(tf.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("invalid %s: %q", tf.key, v)
			}
			*tf.dst = t
		}
	}
	for _, nf := range []struct {
		key string
		dst *int
	}{{"offset", &f.Offset}, {"limit", &f.Limit}} {
		if v := q.Get(nf.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("invalid %s: %q", nf.key, v)
			}
			*nf.dst = n
		}
	}
	return f, nil
}

func (api *adminAPI) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter, err := parseDLQFilter(r)
	if err != nil {
		api.writeBadRequest(w, r, err.Error())
		return
	}
	entries, err := api.app.stores.DeadLetters.List(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	total, err := api.app.stores.DeadLetters.Len(r.Context())
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeSuccess(w, r, map[string]any{"entries": entries, "total": total})
}

func (api *adminAPI) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	e, err := api.app.stores.DeadLetters.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeSuccess(w, r, e)
}

func (api *adminAPI) removeDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := api.app.stores.DeadLetters.Remove(r.Context(), r.PathValue("id")); err != nil {
		api.writeError(w, r, err)
		return
	}
	api.writeSuccess(w, r, map[string]string{"removed": r.PathValue("id")})
}

// breakerInfo 熔断器快照
type breakerInfo struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	NextRetryTime       time.Time `json:"next_retry_time,omitempty"`
}

func (api *adminAPI) listBreakers(w http.ResponseWriter, r *http.Request) {
	names := api.app.breakers.Names()
	out := make([]breakerInfo, 0, len(names))
	for _, name := range names {
		s := api.app.breakers.Get(name).Stats()
		out = append(out, breakerInfo{
			Name:                s.Name,
			State:               s.State.String(),
			ConsecutiveFailures: s.ConsecutiveFailures,
			LastFailureTime:     s.LastFailureTime,
			NextRetryTime:       s.NextRetryTime,
		})
	}
	api.writeSuccess(w, r, out)
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("health", stderr)
	addr := fs.String("addr", "http://localhost:9464", "Admin server address")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	client := tlsutil.HTTPClient(*timeout)
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Fprintln(stdout, "OK")
	return nil
}
