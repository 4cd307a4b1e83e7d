package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
)

// captureBroadcaster records everything the gateway pushes back out.
type captureBroadcaster struct {
	mu        sync.Mutex
	results   []domain.CommandResult
	published []domain.MetricRecord
	rejectAll bool
}

func (b *captureBroadcaster) Publish(ctx context.Context, rec domain.MetricRecord) {
	b.mu.Lock()
	b.published = append(b.published, rec)
	b.mu.Unlock()
}

func (b *captureBroadcaster) PublishAlert(ctx context.Context, event domain.AlertEvent) {}

func (b *captureBroadcaster) PublishResult(ctx context.Context, id domain.SessionID, result domain.CommandResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejectAll {
		return domain.ErrUnknownSession
	}
	b.results = append(b.results, result)
	return nil
}

func (b *captureBroadcaster) allResults() []domain.CommandResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.CommandResult, len(b.results))
	copy(out, b.results)
	return out
}

func (b *captureBroadcaster) publishedRecords() []domain.MetricRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.MetricRecord, len(b.published))
	copy(out, b.published)
	return out
}

func newTestGateway(t *testing.T, timeout time.Duration, handlers map[string]CommandHandler, table domain.PolicyTable) (*CommandGateway, *captureBroadcaster) {
	t.Helper()
	sink := &captureBroadcaster{}
	gw, err := NewCommandGateway(CommandConfig{
		Timeout:   timeout,
		Workers:   2,
		QueueSize: 16,
	}, table, handlers, sink, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(gw.Shutdown)
	return gw, sink
}

func builtinTestGateway(t *testing.T) (*CommandGateway, *captureBroadcaster) {
	t.Helper()
	sink := &captureBroadcaster{}
	handlers := map[string]CommandHandler{
		"ping": func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "pong", nil
		},
		"restart_agent": func(ctx context.Context, params map[string]interface{}) (string, error) {
			sink.Publish(ctx, domain.NewMetricRecord(domain.ChannelAgent,
				map[string]interface{}{"event": "restart_requested"}, time.Now()))
			return "ok", nil
		},
	}
	gw, err := NewCommandGateway(CommandConfig{
		Timeout:   time.Second,
		Workers:   2,
		QueueSize: 16,
	}, BuiltinPolicyTable(), handlers, sink, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(gw.Shutdown)
	return gw, sink
}

func waitForResults(t *testing.T, sink *captureBroadcaster, n int) []domain.CommandResult {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sink.allResults()) >= n
	}, time.Second, 2*time.Millisecond)
	return sink.allResults()
}

func TestSubmit_UnknownCommandCheckedFirst(t *testing.T) {
	gw, sink := builtinTestGateway(t)

	// Unknown command with garbage params from an unprivileged caller:
	// the unknown-command error wins.
	err := gw.Submit(context.Background(), domain.CommandRequest{
		RequestID:  "r1",
		Command:    "rm_rf",
		Parameters: map[string]interface{}{"bogus": 1},
		Origin:     "s1",
	}, domain.LevelUser)
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)
	assert.Empty(t, sink.allResults())
}

func TestSubmit_PermissionCheckedBeforeParams(t *testing.T) {
	gw, sink := builtinTestGateway(t)

	// restart_agent requires admin; the params are also invalid, but the
	// permission failure must mask that.
	err := gw.Submit(context.Background(), domain.CommandRequest{
		RequestID:  "r1",
		Command:    "restart_agent",
		Parameters: map[string]interface{}{"wrong_param": true},
		Origin:     "s1",
	}, domain.LevelUser)
	assert.ErrorIs(t, err, domain.ErrInsufficientPermission)

	// Rejected commands must have no side effects.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.publishedRecords())
	assert.Empty(t, sink.allResults())
}

func TestSubmit_InvalidParameters(t *testing.T) {
	gw, _ := builtinTestGateway(t)

	cases := []struct {
		name   string
		params map[string]interface{}
	}{
		{"missing required", map[string]interface{}{}},
		{"wrong type", map[string]interface{}{"agent_id": 42}},
		{"unexpected extra", map[string]interface{}{"agent_id": "a1", "force": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := gw.Submit(context.Background(), domain.CommandRequest{
				RequestID:  "r1",
				Command:    "restart_agent",
				Parameters: tc.params,
				Origin:     "s1",
			}, domain.LevelAdmin)
			assert.ErrorIs(t, err, domain.ErrInvalidParameters)
		})
	}
}

func TestSubmit_AdminCommandExecutesForAdmin(t *testing.T) {
	gw, sink := builtinTestGateway(t)

	err := gw.Submit(context.Background(), domain.CommandRequest{
		RequestID:  "r1",
		Command:    "restart_agent",
		Parameters: map[string]interface{}{"agent_id": "agent-7"},
		Origin:     "s1",
	}, domain.LevelAdmin)
	require.NoError(t, err)

	results := waitForResults(t, sink, 1)
	assert.True(t, results[0].Success)
	assert.NotEmpty(t, sink.publishedRecords())
}

func TestExecute_ExactlyOneSuccessResult(t *testing.T) {
	gw, sink := builtinTestGateway(t)

	err := gw.Submit(context.Background(), domain.CommandRequest{
		RequestID: "r1", Command: "ping", Origin: "s1",
	}, domain.LevelUser)
	require.NoError(t, err)

	results := waitForResults(t, sink, 1)
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].RequestID)
	assert.True(t, results[0].Success)
	assert.Equal(t, "pong", results[0].Output)

	// No second result ever arrives for the same request.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sink.allResults(), 1)
}

func TestExecute_HandlerErrorBecomesFailureResult(t *testing.T) {
	gw, sink := newTestGateway(t, time.Second, map[string]CommandHandler{
		"broken": func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "", errors.New("disk on fire")
		},
	}, domain.PolicyTable{"broken": {RequiredLevel: domain.LevelUser}})

	require.NoError(t, gw.Submit(context.Background(), domain.CommandRequest{
		RequestID: "r1", Command: "broken", Origin: "s1",
	}, domain.LevelUser))

	results := waitForResults(t, sink, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, domain.ErrorKindExecutionFailed, results[0].ErrorKind)
	assert.Contains(t, results[0].Output, "disk on fire")
}

func TestExecute_TimeoutAbandonsHandler(t *testing.T) {
	release := make(chan struct{})
	gw, sink := newTestGateway(t, 20*time.Millisecond, map[string]CommandHandler{
		"stuck": func(ctx context.Context, params map[string]interface{}) (string, error) {
			<-release
			return "too late", nil
		},
	}, domain.PolicyTable{"stuck": {RequiredLevel: domain.LevelUser}})
	defer close(release)

	require.NoError(t, gw.Submit(context.Background(), domain.CommandRequest{
		RequestID: "r1", Command: "stuck", Origin: "s1",
	}, domain.LevelUser))

	results := waitForResults(t, sink, 1)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, domain.ErrorKindTimeout, results[0].ErrorKind)
}

func TestExecute_ResultForGoneSessionIsDropped(t *testing.T) {
	gw, sink := builtinTestGateway(t)
	sink.rejectAll = true

	require.NoError(t, gw.Submit(context.Background(), domain.CommandRequest{
		RequestID: "r1", Command: "ping", Origin: "gone",
	}, domain.LevelUser))

	// Nothing to assert beyond "no panic, no retry loop".
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sink.allResults())
}

func TestReloadPolicy_SwapsWhitelist(t *testing.T) {
	gw, _ := newTestGateway(t, time.Second, map[string]CommandHandler{
		"ping": func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "pong", nil
		},
	}, domain.PolicyTable{"ping": {RequiredLevel: domain.LevelUser}})

	require.NoError(t, gw.ReloadPolicy(domain.PolicyTable{
		"ping": {RequiredLevel: domain.LevelAdmin},
	}))

	err := gw.Submit(context.Background(), domain.CommandRequest{
		RequestID: "r1", Command: "ping", Origin: "s1",
	}, domain.LevelUser)
	assert.ErrorIs(t, err, domain.ErrInsufficientPermission)

	assert.Error(t, gw.ReloadPolicy(domain.PolicyTable{
		"": {RequiredLevel: domain.LevelUser},
	}))
}

func TestSubmit_QueueFullRejects(t *testing.T) {
	release := make(chan struct{})
	sink := &captureBroadcaster{}
	gw, err := NewCommandGateway(CommandConfig{
		Timeout:   time.Second,
		Workers:   1,
		QueueSize: 1,
	}, domain.PolicyTable{"block": {RequiredLevel: domain.LevelUser}},
		map[string]CommandHandler{
			"block": func(ctx context.Context, params map[string]interface{}) (string, error) {
				<-release
				return "", nil
			},
		}, sink, nil, zap.NewNop())
	require.NoError(t, err)
	defer gw.Shutdown()
	defer close(release)

	ctx := context.Background()
	req := func(id string) domain.CommandRequest {
		return domain.CommandRequest{RequestID: id, Command: "block", Origin: "s1"}
	}

	// First fills the worker, second fills the queue.
	require.NoError(t, gw.Submit(ctx, req("r1"), domain.LevelUser))
	require.Eventually(t, func() bool {
		return gw.Submit(ctx, req("r2"), domain.LevelUser) == nil
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, gw.Submit(ctx, req("r3"), domain.LevelUser), domain.ErrCapacityExceeded)
}
