package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/audit/repository"
	auditservice "github.com/smallbiznis/meterflow/internal/audit/service"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) (*gin.Engine, auditdomain.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.Open(t, &auditdomain.PipelineRunAudit{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC))

	audit := auditservice.NewService(auditservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Billing: config.NewStaticBillingConfig(config.DefaultBillingConfig()),
		Repo:    repository.Provide(),
	})
	s := NewServer(Params{DB: db, Log: zap.NewNop(), Clock: clk, Audit: audit})
	return NewEngine(s), audit
}

func TestHealthz(t *testing.T) {
	engine, _ := newTestEngine(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "up", body["database"])
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestRequestIDPropagates(t *testing.T) {
	engine, _ := newTestEngine(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	engine.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(HeaderRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	engine, _ := newTestEngine(t)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestListRuns(t *testing.T) {
	engine, audit := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, audit.Record(ctx, auditdomain.RecordRequest{
		RunID: "daily_2024-01-15", DagID: "daily", StageID: "merge", ExecutionDate: day,
		Status: auditdomain.RunStatusSuccess, Detail: map[string]any{"inserted": 4},
	}))
	require.NoError(t, audit.Record(ctx, auditdomain.RecordRequest{
		RunID: "daily_2024-01-15", DagID: "daily", StageID: "aggregate", ExecutionDate: day,
		Status: auditdomain.RunStatusFailed, Reason: "transient",
	}))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs?status=FAILED", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data  []runView `json:"data"`
		Count int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "aggregate", body.Data[0].StageID)
	assert.Equal(t, "2024-01-15", body.Data[0].ExecutionDate)
	assert.Equal(t, "transient", body.Data[0].Reason)
}

func TestListRunsRejectsBadInput(t *testing.T) {
	engine, _ := newTestEngine(t)

	for _, target := range []string{"/runs?status=DONE", "/runs?limit=abc", "/runs?since=yesterday"} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, target)

		var body errorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "validation_error", body.Error.Type)
	}
}
