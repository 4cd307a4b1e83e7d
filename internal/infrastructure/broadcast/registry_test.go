package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	fail   bool
	closed bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("transport closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestRegistry(maxSessions int, clock *fakeClock) *Registry {
	r := NewRegistry(RegistryConfig{
		MaxSessions:       maxSessions,
		SessionQueueLimit: 200,
		DefaultIdle:       60 * time.Second,
		ResumeGrace:       300 * time.Second,
	}, zap.NewNop())
	r.now = clock.Now
	return r
}

func TestRegistry_RegisterEnforcesSessionCap(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(2, clock)

	_, err := r.Register(&fakeTransport{}, domain.Identity{UserID: "a"})
	require.NoError(t, err)
	_, err = r.Register(&fakeTransport{}, domain.Identity{UserID: "b"})
	require.NoError(t, err)

	_, err = r.Register(&fakeTransport{}, domain.Identity{UserID: "c"})
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestRegistry_ResumeKeepsIdentityAndSubscriptions(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(10, clock)

	s, err := r.Register(&fakeTransport{}, domain.Identity{UserID: "alice", Level: domain.LevelAdmin})
	require.NoError(t, err)
	s.subscribe([]domain.Channel{domain.ChannelSystem, domain.ChannelAgent}, domain.TierRealtime, clock.Now())

	require.True(t, r.Detach(s.ID))
	assert.True(t, r.IsDetached(s.ID))

	clock.Advance(200 * time.Second) // still inside the 300s grace
	resumed, err := r.Resume(s.ID, &fakeTransport{})
	require.NoError(t, err)

	assert.Equal(t, s.ID, resumed.ID)
	assert.Equal(t, "alice", resumed.Identity.UserID)
	assert.Equal(t, domain.LevelAdmin, resumed.Identity.Level)
	assert.True(t, resumed.subscribedTo(domain.ChannelSystem))
	assert.True(t, resumed.subscribedTo(domain.ChannelAgent))
	assert.False(t, resumed.subscribedTo(domain.ChannelSecurity))
	assert.False(t, r.IsDetached(s.ID))
}

func TestRegistry_ResumeAfterGraceFails(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(10, clock)

	s, err := r.Register(&fakeTransport{}, domain.Identity{UserID: "bob"})
	require.NoError(t, err)
	r.Detach(s.ID)

	clock.Advance(301 * time.Second)
	_, err = r.Resume(s.ID, &fakeTransport{})
	assert.ErrorIs(t, err, domain.ErrUnknownSession)
}

func TestRegistry_SweepEvictsIdleSessions(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(10, clock)

	fast, err := r.Register(&fakeTransport{}, domain.Identity{UserID: "fast"})
	require.NoError(t, err)
	fast.subscribe([]domain.Channel{domain.ChannelSystem}, domain.TierRealtime, clock.Now())

	slow, err := r.Register(&fakeTransport{}, domain.Identity{UserID: "slow"})
	require.NoError(t, err)
	slow.subscribe([]domain.Channel{domain.ChannelSystem}, domain.TierStandard, clock.Now())

	// 300ms exceeds 2x the realtime interval but not 2x standard.
	clock.Advance(300 * time.Millisecond)
	evicted, expired := r.Sweep(clock.Now())
	assert.Equal(t, []domain.SessionID{fast.ID}, evicted)
	assert.Empty(t, expired)

	_, err = r.Get(fast.ID)
	assert.ErrorIs(t, err, domain.ErrUnknownSession)
	_, err = r.Get(slow.ID)
	assert.NoError(t, err)

	// A heartbeat resets the deadline.
	require.NoError(t, r.Touch(slow.ID))
	clock.Advance(9 * time.Second)
	evicted, _ = r.Sweep(clock.Now())
	assert.Empty(t, evicted)

	clock.Advance(2 * time.Second)
	evicted, _ = r.Sweep(clock.Now())
	assert.Equal(t, []domain.SessionID{slow.ID}, evicted)
}

func TestRegistry_SweepExpiresDetachedSessions(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(10, clock)

	s, err := r.Register(&fakeTransport{}, domain.Identity{UserID: "gone"})
	require.NoError(t, err)
	r.Detach(s.ID)

	clock.Advance(299 * time.Second)
	_, expired := r.Sweep(clock.Now())
	assert.Empty(t, expired)

	clock.Advance(2 * time.Second)
	_, expired = r.Sweep(clock.Now())
	assert.Equal(t, []domain.SessionID{s.ID}, expired)

	_, err = r.Resume(s.ID, &fakeTransport{})
	assert.ErrorIs(t, err, domain.ErrUnknownSession)
}

func TestRegistry_UnsubscribedSessionUsesDefaultIdle(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(10, clock)

	s, err := r.Register(&fakeTransport{}, domain.Identity{UserID: "quiet"})
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	evicted, _ := r.Sweep(clock.Now())
	assert.Empty(t, evicted)

	clock.Advance(2 * time.Second)
	evicted, _ = r.Sweep(clock.Now())
	assert.Equal(t, []domain.SessionID{s.ID}, evicted)
}
