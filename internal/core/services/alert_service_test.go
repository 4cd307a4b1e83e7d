package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestAlerts(rules []domain.ThresholdRule) (*alertService, *testClock) {
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewAlertService(AlertConfig{
		SuppressionWindow: 60 * time.Second,
		RetainedEvents:    5,
		Rules:             rules,
	}, zap.NewNop()).(*alertService)
	svc.now = clock.Now
	return svc, clock
}

func cpuRecord(percent float64, ts time.Time) domain.MetricRecord {
	return domain.NewMetricRecord(domain.ChannelSystem,
		map[string]interface{}{"cpu_percent": percent}, ts)
}

func cpuRule(threshold float64, level domain.AlertLevel) domain.ThresholdRule {
	return domain.ThresholdRule{
		Channel:    domain.ChannelSystem,
		Field:      "cpu_percent",
		Comparator: domain.CompareGT,
		Value:      threshold,
		Level:      level,
		Message:    "cpu high",
	}
}

func TestEvaluate_FiresOnThresholdBreach(t *testing.T) {
	svc, clock := newTestAlerts([]domain.ThresholdRule{cpuRule(90, domain.AlertCritical)})

	events := svc.Evaluate(cpuRecord(95, clock.Now()))
	require.Len(t, events, 1)
	assert.Equal(t, domain.AlertCritical, events[0].Level)
	assert.Equal(t, domain.ChannelSystem, events[0].SourceChannel)
	assert.Contains(t, events[0].Message, "cpu high")
	assert.Contains(t, events[0].Message, "95")

	assert.Empty(t, svc.Evaluate(cpuRecord(50, clock.Now())))
}

func TestEvaluate_SuppressesRepeatsWithinWindow(t *testing.T) {
	svc, clock := newTestAlerts([]domain.ThresholdRule{cpuRule(90, domain.AlertCritical)})

	require.Len(t, svc.Evaluate(cpuRecord(95, clock.Now())), 1)

	// Same condition, different observed value: still suppressed.
	clock.Advance(30 * time.Second)
	assert.Empty(t, svc.Evaluate(cpuRecord(97, clock.Now())))

	// Past the window it fires again.
	clock.Advance(31 * time.Second)
	assert.Len(t, svc.Evaluate(cpuRecord(96, clock.Now())), 1)
}

func TestEvaluate_DistinctRulesDedupeIndependently(t *testing.T) {
	svc, clock := newTestAlerts([]domain.ThresholdRule{
		cpuRule(90, domain.AlertCritical),
		cpuRule(70, domain.AlertWarning),
	})

	// 95 breaches both thresholds: two distinct events.
	events := svc.Evaluate(cpuRecord(95, clock.Now()))
	assert.Len(t, events, 2)

	// 75 breaches only the warning rule, which is still suppressed.
	clock.Advance(10 * time.Second)
	assert.Empty(t, svc.Evaluate(cpuRecord(75, clock.Now())))
}

func TestRecent_NewestFirstAndBounded(t *testing.T) {
	svc, clock := newTestAlerts([]domain.ThresholdRule{cpuRule(90, domain.AlertCritical)})

	for i := 0; i < 8; i++ {
		events := svc.Evaluate(cpuRecord(95, clock.Now()))
		require.Len(t, events, 1)
		clock.Advance(61 * time.Second)
	}

	// Retention cap is 5.
	all := svc.Recent(0)
	assert.Len(t, all, 5)

	two := svc.Recent(2)
	require.Len(t, two, 2)
	assert.True(t, two[0].Timestamp.After(two[1].Timestamp) || two[0].Timestamp.Equal(two[1].Timestamp))
}
