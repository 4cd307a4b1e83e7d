package memory

import (
	"context"
	"sync"
	"time"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
)

type bufferedResult struct {
	result  domain.CommandResult
	expires time.Time
}

// MemoryResultBuffer holds command results for detached sessions until they
// resume or their grace period runs out. Expired entries are dropped lazily
// on access.
type MemoryResultBuffer struct {
	entries map[domain.SessionID][]bufferedResult
	mu      sync.Mutex
	now     func() time.Time
}

func NewMemoryResultBuffer() ports.ResultBuffer {
	return &MemoryResultBuffer{
		entries: make(map[domain.SessionID][]bufferedResult),
		now:     time.Now,
	}
}

func (b *MemoryResultBuffer) Put(ctx context.Context, id domain.SessionID, result domain.CommandResult, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[id] = append(b.entries[id], bufferedResult{
		result:  result,
		expires: b.now().Add(ttl),
	})
	return nil
}

func (b *MemoryResultBuffer) Drain(ctx context.Context, id domain.SessionID) ([]domain.CommandResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := b.entries[id]
	delete(b.entries, id)

	now := b.now()
	var out []domain.CommandResult
	for _, e := range stored {
		if now.Before(e.expires) {
			out = append(out, e.result)
		}
	}
	return out, nil
}

func (b *MemoryResultBuffer) Discard(ctx context.Context, id domain.SessionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
	return nil
}
