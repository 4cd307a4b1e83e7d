package memory

import (
	"context"
	"sync"
	"time"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
)

// ring is a fixed-capacity circular buffer of metric records. Overwrites
// start once capacity is reached, oldest first.
type ring struct {
	buf  []domain.MetricRecord
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]domain.MetricRecord, capacity)}
}

func (r *ring) append(rec domain.MetricRecord) {
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// ordered returns records oldest to newest.
func (r *ring) ordered() []domain.MetricRecord {
	out := make([]domain.MetricRecord, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) latest() (domain.MetricRecord, bool) {
	if r.size == 0 {
		return domain.MetricRecord{}, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx += len(r.buf)
	}
	return r.buf[idx], true
}

type MemoryHistoryRepository struct {
	rings    map[domain.Channel]*ring
	capacity int
	mu       sync.RWMutex
}

func NewMemoryHistoryRepository(capacity int) ports.HistoryRepository {
	rings := make(map[domain.Channel]*ring, len(domain.Channels()))
	for _, ch := range domain.Channels() {
		rings[ch] = newRing(capacity)
	}
	return &MemoryHistoryRepository{
		rings:    rings,
		capacity: capacity,
	}
}

func (r *MemoryHistoryRepository) Append(ctx context.Context, rec domain.MetricRecord) error {
	ring, ok := r.rings[rec.Channel]
	if !ok {
		return domain.ErrUnknownChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ring.append(rec)
	return nil
}

func (r *MemoryHistoryRepository) Since(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.MetricRecord, error) {
	ring, ok := r.rings[channel]
	if !ok {
		return nil, domain.ErrUnknownChannel
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.MetricRecord
	for _, rec := range ring.ordered() {
		if rec.Timestamp.After(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *MemoryHistoryRepository) Latest(ctx context.Context, channel domain.Channel) (domain.MetricRecord, bool, error) {
	ring, ok := r.rings[channel]
	if !ok {
		return domain.MetricRecord{}, false, domain.ErrUnknownChannel
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := ring.latest()
	return rec, ok, nil
}

func (r *MemoryHistoryRepository) Snapshot(ctx context.Context) (map[domain.Channel]domain.MetricRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[domain.Channel]domain.MetricRecord)
	for ch, ring := range r.rings {
		if rec, ok := ring.latest(); ok {
			out[ch] = rec
		}
	}
	return out, nil
}
