package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
	"opsdeck/internal/core/services"
	"opsdeck/internal/infrastructure/middleware"
	"opsdeck/internal/infrastructure/repositories/memory"
)

type stubCommands struct {
	reloaded domain.PolicyTable
	err      error
}

func (s *stubCommands) Submit(ctx context.Context, req domain.CommandRequest, level domain.PermissionLevel) error {
	return nil
}

func (s *stubCommands) ReloadPolicy(table domain.PolicyTable) error {
	if s.err != nil {
		return s.err
	}
	s.reloaded = table
	return nil
}

type stubSessions struct{ n int }

func (s stubSessions) Len() int         { return s.n }
func (s stubSessions) AtCapacity() bool { return false }

type handlerFixture struct {
	router   *gin.Engine
	history  ports.HistoryRepository
	commands *stubCommands
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	history := memory.NewMemoryHistoryRepository(100)
	alerts := services.NewAlertService(services.AlertConfig{
		SuppressionWindow: time.Minute,
		RetainedEvents:    100,
		Rules: []domain.ThresholdRule{{
			Channel:    domain.ChannelSystem,
			Field:      "cpu_percent",
			Comparator: domain.CompareGT,
			Value:      90,
			Level:      domain.AlertCritical,
			Message:    "CPU critical",
		}},
	}, logger)
	commands := &stubCommands{}

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger.Sugar()))

	handler := NewDashboardHandler(history, alerts, commands, stubSessions{n: 2})
	public := router.Group("/api/v1")
	admin := router.Group("/api/v1")
	handler.SetupRoutes(public, admin)

	// Seed some records and one alert.
	for i := 1; i <= 3; i++ {
		rec := domain.NewMetricRecord(domain.ChannelAgent,
			map[string]interface{}{"seq": float64(i)}, time.Now())
		require.NoError(t, history.Append(context.Background(), rec))
	}
	hot := domain.NewMetricRecord(domain.ChannelSystem,
		map[string]interface{}{"cpu_percent": 95.0}, time.Now())
	require.NoError(t, history.Append(context.Background(), hot))
	alerts.Evaluate(hot)

	return &handlerFixture{router: router, history: history, commands: commands}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestGetStatus(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status   string                 `json:"status"`
		Sessions int                    `json:"sessions"`
		Channels map[string]interface{} `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "critical", resp.Status)
	assert.Equal(t, 2, resp.Sessions)
	assert.Contains(t, resp.Channels, "agent")
	assert.Contains(t, resp.Channels, "system")
}

func TestChannelViews(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var agents struct {
		Channel string                 `json:"channel"`
		Present bool                   `json:"present"`
		Record  map[string]interface{} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	assert.Equal(t, "agent", agents.Channel)
	assert.True(t, agents.Present)
	assert.NotNil(t, agents.Record)

	// Nothing was published on the security channel.
	w = f.do(t, http.MethodGet, "/api/v1/security", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var security struct {
		Present bool `json:"present"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &security))
	assert.False(t, security.Present)
}

func TestGetLatest(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/metrics/agent", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Record domain.MetricRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp.Record.Payload["seq"])
}

func TestGetLatestEmptyChannel(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/metrics/security", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetLatestUnknownChannel(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/metrics/nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetHistory(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/history/agent", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Channel string                `json:"channel"`
		Records []domain.MetricRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "agent", resp.Channel)
	assert.Len(t, resp.Records, 3)
}

func TestGetHistorySinceFiltersOld(t *testing.T) {
	f := newHandlerFixture(t)

	future := time.Now().Add(time.Hour).UnixMilli()
	w := f.do(t, http.MethodGet, "/api/v1/history/agent?since_ms="+
		jsonNumber(future), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Records []domain.MetricRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Records)
}

func TestGetHistoryBadSince(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/history/agent?since_ms=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAlerts(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Alerts []domain.AlertEvent `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, domain.AlertCritical, resp.Alerts[0].Level)
}

func TestGetAlertsBadLimit(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/alerts?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReloadPolicy(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/commands/policy", map[string]interface{}{
		"ping": map[string]interface{}{"required_level": "user"},
		"restart_agent": map[string]interface{}{
			"required_level": "admin",
			"params": []map[string]interface{}{
				{"name": "agent_id", "type": "string", "required": true},
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.commands.reloaded, 2)
	assert.Equal(t, domain.LevelAdmin, f.commands.reloaded["restart_agent"].RequiredLevel)
}

func TestReloadPolicyRejectsBadLevel(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/commands/policy", map[string]interface{}{
		"ping": map[string]interface{}{"required_level": "root"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, f.commands.reloaded)
}

func jsonNumber(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}
