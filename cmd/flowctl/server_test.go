package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/testutil/fixtures"
	"github.com/BaSui01/flowengine/workflow"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Type = config.StoreMemory
	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close(context.Background()) })
	return a
}

type apiResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *ErrorInfo      `json:"error"`
	RequestID string          `json:"request_id"`
}

func doRequest(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	var resp apiResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestAdmin_Health(t *testing.T) {
	a := newTestApp(t)
	w, resp := doRequest(t, a.adminHandler(), http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"status":"ok","store":"memory"}`, string(resp.Data))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestAdmin_Checkpoints(t *testing.T) {
	a := newTestApp(t)
	h := a.adminHandler()
	ctx := context.Background()
	for i, name := range []string{"orders", "billing"} {
		cp := fixtures.SampleCheckpoint("cp-"+name, name, time.Duration(i)*time.Minute)
		require.NoError(t, a.stores.Checkpoints.Save(ctx, cp))
	}

	w, resp := doRequest(t, h, http.MethodGet, "/v1/checkpoints?workflow=orders")
	require.Equal(t, http.StatusOK, w.Code)
	var list []checkpointInfo
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "cp-orders", list[0].ID)
	assert.Equal(t, "run-cp-orders", list[0].WorkflowID)

	w, resp = doRequest(t, h, http.MethodGet, "/v1/checkpoints")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Len(t, list, 2)

	w, resp = doRequest(t, h, http.MethodGet, "/v1/checkpoints/cp-billing")
	require.Equal(t, http.StatusOK, w.Code)
	var cp workflow.Checkpoint
	require.NoError(t, json.Unmarshal(resp.Data, &cp))
	assert.Equal(t, "billing", cp.WorkflowName)
	assert.Equal(t, 2, cp.Step)

	w, _ = doRequest(t, h, http.MethodDelete, "/v1/checkpoints/cp-billing")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = doRequest(t, h, http.MethodGet, "/v1/checkpoints/cp-billing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "STORE_NOT_FOUND", resp.Error.Code)

	w, _ = doRequest(t, h, http.MethodDelete, "/v1/checkpoints/cp-billing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_DeadLetters(t *testing.T) {
	a := newTestApp(t)
	h := a.adminHandler()
	ctx := context.Background()
	for _, e := range fixtures.SampleDeadLetters() {
		require.NoError(t, a.deadLetters.Enqueue(ctx, e))
	}

	type listing struct {
		Entries []*dlq.Entry `json:"entries"`
		Total   int          `json:"total"`
	}
	ids := func(target string) []string {
		w, resp := doRequest(t, h, http.MethodGet, target)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var l listing
		require.NoError(t, json.Unmarshal(resp.Data, &l))
		assert.Equal(t, 3, l.Total)
		out := make([]string, len(l.Entries))
		for i, e := range l.Entries {
			out[i] = e.ID
		}
		return out
	}

	assert.Equal(t, []string{"e1", "e2", "e3"}, ids("/v1/dlq"))
	assert.Equal(t, []string{"e1", "e2"}, ids("/v1/dlq?workflow=orders"))
	assert.Equal(t, []string{"e1", "e3"}, ids("/v1/dlq?node=charge"))
	assert.Equal(t, []string{"e2", "e3"}, ids("/v1/dlq?since=2026-03-01T12:01:00Z"))
	assert.Equal(t, []string{"e2"}, ids("/v1/dlq?offset=1&limit=1"))

	w, resp := doRequest(t, h, http.MethodGet, "/v1/dlq?limit=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
	w, _ = doRequest(t, h, http.MethodGet, "/v1/dlq?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = doRequest(t, h, http.MethodGet, "/v1/dlq/e3")
	require.Equal(t, http.StatusOK, w.Code)
	var e dlq.Entry
	require.NoError(t, json.Unmarshal(resp.Data, &e))
	assert.Equal(t, "boom", e.Error)
	assert.Equal(t, 1, e.Attempts)

	w, _ = doRequest(t, h, http.MethodDelete, "/v1/dlq/e3")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = doRequest(t, h, http.MethodGet, "/v1/dlq/e3")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Breakers(t *testing.T) {
	a := newTestApp(t)
	h := a.adminHandler()
	a.breakers.Get("payments")

	w, resp := doRequest(t, h, http.MethodGet, "/v1/breakers")
	require.Equal(t, http.StatusOK, w.Code)
	var list []breakerInfo
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "payments", list[0].Name)
	assert.Equal(t, "Closed", list[0].State)
}

func TestAdmin_MetricsAndVersion(t *testing.T) {
	a := newTestApp(t)
	h := a.adminHandler()

	w, resp := doRequest(t, h, http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), `"version":"dev"`)

	w, _ = doRequest(t, h, http.MethodGet, "/v1/dlq/none")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doRequest(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "flowengine_http_requests_total")
	assert.Contains(t, body, `path="GET /v1/dlq/{id}"`)
	assert.Contains(t, body, "go_goroutines")
}

func TestAdmin_MetricsDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.close(context.Background())

	w := httptest.NewRecorder()
	a.adminHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApp_ExecuteRecordsRunMetrics(t *testing.T) {
	a := newTestApp(t)
	wf, err := a.parser.Parse([]byte(fixtures.OrderDefinition))
	require.NoError(t, err)

	res, err := a.execute(context.Background(), wf, map[string]any{"amount": 4}, "", "", true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.WorkflowID, "wf_"))
	assert.Equal(t, 8, res.FinalState["total"])
	require.NotEmpty(t, res.CheckpointID)

	// 从最终检查点恢复：所有节点已完成，状态保持不变
	resumed, err := a.execute(context.Background(), wf, nil, res.CheckpointID, "", false)
	require.NoError(t, err)
	assert.Equal(t, res.WorkflowID, resumed.WorkflowID)
	assert.Equal(t, 8, resumed.FinalState["total"])

	w, _ := doRequest(t, a.adminHandler(), http.MethodGet, "/metrics")
	assert.Contains(t, w.Body.String(), `flowengine_workflow_runs_total{status="success",workflow="orders"} 2`)
}

func TestApp_CompensationPolicy(t *testing.T) {
	a := newTestApp(t)
	a.cfg.Retry = config.RetryConfig{MaxRetries: 2, Backoff: "linear", Factor: 3}

	p := a.compensationPolicy()
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 3.0, p.Factor)
	assert.False(t, p.Jitter)
	assert.Equal(t, 100*time.Millisecond, p.BaseDelay, "unset fields keep defaults")
}
