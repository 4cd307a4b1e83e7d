package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestChecker() *HealthChecker {
	return NewHealthChecker(zap.NewNop().Sugar())
}

func TestCheckAllHealthyWhenEveryProbePasses(t *testing.T) {
	h := newTestChecker()
	h.AddCheck("a", func(ctx context.Context) error { return nil }, time.Minute, time.Second)
	h.AddCheck("b", func(ctx context.Context) error { return nil }, time.Minute, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["a"])
	assert.Equal(t, "healthy", status.Checks["b"])
}

func TestCheckAllUnhealthyWhenOneProbeFails(t *testing.T) {
	h := newTestChecker()
	h.AddCheck("ok", func(ctx context.Context) error { return nil }, time.Minute, time.Second)
	h.AddCheck("down", func(ctx context.Context) error {
		return errors.New("backend unreachable")
	}, time.Minute, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["ok"])
	assert.Equal(t, "backend unreachable", status.Checks["down"])
}

func TestCheckAllEnforcesProbeTimeout(t *testing.T) {
	h := newTestChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, time.Minute, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
}

func TestBackgroundChecksRecordLatestVerdict(t *testing.T) {
	h := newTestChecker()
	var healthy atomic.Bool
	h.AddCheck("flappy", func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("still warming up")
	}, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	require.Eventually(t, func() bool {
		return h.LastResults()["flappy"] == "still warming up"
	}, time.Second, 2*time.Millisecond)

	healthy.Store(true)
	require.Eventually(t, func() bool {
		return h.LastResults()["flappy"] == "healthy"
	}, time.Second, 2*time.Millisecond)
}

func TestBackgroundChecksStopOnCancel(t *testing.T) {
	h := newTestChecker()
	var runs atomic.Int64
	h.AddCheck("counted", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	h.StartBackgroundChecks(ctx)

	require.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 2*time.Millisecond)
	cancel()

	time.Sleep(20 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())
}
