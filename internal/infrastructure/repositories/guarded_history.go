package repositories

import (
	"context"
	"time"

	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
	"opsdeck/pkg/circuitbreaker"
)

// GuardedHistoryRepository wraps a network-backed history repository with a
// circuit breaker. When the backend stays down the breaker opens and calls
// fail fast instead of queuing behind connection timeouts; the hub already
// treats history errors as non-fatal, so the feed keeps flowing.
type GuardedHistoryRepository struct {
	inner   ports.HistoryRepository
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuardedHistoryRepository(inner ports.HistoryRepository, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedHistoryRepository {
	breaker := circuitbreaker.New(cfg)
	breaker.OnTransition(func(from, to circuitbreaker.State) {
		logger.Warnw("history backend circuit transition",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return &GuardedHistoryRepository{inner: inner, breaker: breaker}
}

func (g *GuardedHistoryRepository) Append(ctx context.Context, rec domain.MetricRecord) error {
	return g.breaker.Execute(ctx, func() error {
		return g.inner.Append(ctx, rec)
	})
}

func (g *GuardedHistoryRepository) Since(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.MetricRecord, error) {
	var records []domain.MetricRecord
	err := g.breaker.Execute(ctx, func() error {
		var err error
		records, err = g.inner.Since(ctx, channel, since)
		return err
	})
	return records, err
}

func (g *GuardedHistoryRepository) Latest(ctx context.Context, channel domain.Channel) (domain.MetricRecord, bool, error) {
	var (
		rec domain.MetricRecord
		ok  bool
	)
	err := g.breaker.Execute(ctx, func() error {
		var err error
		rec, ok, err = g.inner.Latest(ctx, channel)
		return err
	})
	return rec, ok, err
}

func (g *GuardedHistoryRepository) Snapshot(ctx context.Context) (map[domain.Channel]domain.MetricRecord, error) {
	var snapshot map[domain.Channel]domain.MetricRecord
	err := g.breaker.Execute(ctx, func() error {
		var err error
		snapshot, err = g.inner.Snapshot(ctx)
		return err
	})
	return snapshot, err
}

// BreakerState exposes the breaker state for health reporting.
func (g *GuardedHistoryRepository) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}
