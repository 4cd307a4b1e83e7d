package ports

import (
	"context"
	"time"

	"opsdeck/internal/core/domain"
)

// HistoryRepository is the pluggable append/query capability behind the
// per-channel history rings. Implementations bound retention; callers must
// tolerate gaps beyond the configured capacity.
type HistoryRepository interface {
	Append(ctx context.Context, rec domain.MetricRecord) error
	Since(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.MetricRecord, error)
	Latest(ctx context.Context, channel domain.Channel) (domain.MetricRecord, bool, error)
	Snapshot(ctx context.Context) (map[domain.Channel]domain.MetricRecord, error)
}

// ResultBuffer holds command results for sessions that are between
// transports. Entries expire with the resume grace period.
type ResultBuffer interface {
	Put(ctx context.Context, id domain.SessionID, result domain.CommandResult, ttl time.Duration) error
	Drain(ctx context.Context, id domain.SessionID) ([]domain.CommandResult, error)
	Discard(ctx context.Context, id domain.SessionID) error
}
