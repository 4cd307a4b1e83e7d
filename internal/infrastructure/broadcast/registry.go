package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
	"opsdeck/pkg/utils"
)

// RegistryConfig bounds the session population and its lifecycles.
type RegistryConfig struct {
	MaxSessions       int
	SessionQueueLimit int
	DefaultIdle       time.Duration
	ResumeGrace       time.Duration
}

// detached keeps a closed session's state alive so a reconnecting client can
// resume it with its token before the grace deadline passes.
type detached struct {
	session  *Session
	deadline time.Time
}

// Registry tracks live and recently-detached sessions. It owns lifecycle
// only; channel fan-out indexes live in the Hub.
type Registry struct {
	cfg RegistryConfig
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	live     map[domain.SessionID]*Session
	detached map[domain.SessionID]*detached
}

func NewRegistry(cfg RegistryConfig, log *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		live:     make(map[domain.SessionID]*Session),
		detached: make(map[domain.SessionID]*detached),
	}
}

// Register creates a session for a freshly connected transport. The hard cap
// on session count is enforced here so the handshake can be rejected before
// any per-session state is allocated.
func (r *Registry) Register(transport Transport, identity domain.Identity) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.live) >= r.cfg.MaxSessions {
		return nil, domain.ErrCapacityExceeded
	}

	id := domain.SessionID(utils.NewID())
	s := newSession(id, identity, transport, r.cfg.SessionQueueLimit, r.now())
	r.live[id] = s

	r.log.Debug("session registered",
		zap.String("session_id", string(id)),
		zap.String("user_id", identity.UserID))
	return s, nil
}

// Get returns the live session or ErrUnknownSession.
func (r *Registry) Get(id domain.SessionID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[id]
	if !ok {
		return nil, domain.ErrUnknownSession
	}
	return s, nil
}

// Touch records a client heartbeat.
func (r *Registry) Touch(id domain.SessionID) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.touch(r.now())
	return nil
}

// Detach closes the session's transport but preserves its state for the
// resume grace period. Used when the transport dies or closes cleanly.
// Returns false when the session was not live.
func (r *Registry) Detach(id domain.SessionID) bool {
	r.mu.Lock()
	s, ok := r.live[id]
	if ok {
		delete(r.live, id)
		r.detached[id] = &detached{
			session:  s,
			deadline: r.now().Add(r.cfg.ResumeGrace),
		}
	}
	r.mu.Unlock()

	if ok {
		s.close()
		r.log.Debug("session detached", zap.String("session_id", string(id)))
	}
	return ok
}

// Evict removes the session entirely. Targeted publishes afterwards fail
// with ErrUnknownSession. Returns false when the session was not live.
func (r *Registry) Evict(id domain.SessionID) bool {
	r.mu.Lock()
	s, ok := r.live[id]
	delete(r.live, id)
	delete(r.detached, id)
	r.mu.Unlock()

	if ok {
		s.close()
		r.log.Debug("session evicted", zap.String("session_id", string(id)))
	}
	return ok
}

// Resume reattaches a detached session to a new transport, keeping its id,
// identity, subscriptions and rate tier. Fails with ErrUnknownSession once
// the grace deadline has passed or the id was never detached.
func (r *Registry) Resume(id domain.SessionID, transport Transport) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.detached[id]
	if !ok || r.now().After(d.deadline) {
		delete(r.detached, id)
		return nil, domain.ErrUnknownSession
	}
	if len(r.live) >= r.cfg.MaxSessions {
		return nil, domain.ErrCapacityExceeded
	}
	delete(r.detached, id)

	old := d.session
	s := newSession(id, old.Identity, transport, r.cfg.SessionQueueLimit, r.now())
	old.mu.Lock()
	s.tier = old.tier
	s.subscribed = old.subscribed
	for ch := range old.channels {
		s.channels[ch] = struct{}{}
	}
	old.mu.Unlock()

	r.live[id] = s
	r.log.Debug("session resumed", zap.String("session_id", string(id)))
	return s, nil
}

// IsDetached reports whether a session is waiting out its resume grace.
func (r *Registry) IsDetached(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.detached[id]
	return ok && !r.now().After(d.deadline)
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		out = append(out, s)
	}
	return out
}

// AtCapacity reports whether new registrations would be rejected. Used to
// refuse handshakes before the websocket upgrade.
func (r *Registry) AtCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live) >= r.cfg.MaxSessions
}

// Len returns the live session count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Sweep evicts live sessions whose heartbeat deadline has passed and drops
// detached entries past their resume grace. Evicted and expired ids are
// returned separately because detached sessions were already unindexed.
func (r *Registry) Sweep(now time.Time) (evicted, expired []domain.SessionID) {
	r.mu.Lock()
	var dead []*Session
	for id, s := range r.live {
		if now.After(s.idleDeadline(r.cfg.DefaultIdle)) {
			delete(r.live, id)
			dead = append(dead, s)
			evicted = append(evicted, id)
		}
	}
	for id, d := range r.detached {
		if now.After(d.deadline) {
			delete(r.detached, id)
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, s := range dead {
		s.close()
		r.log.Info("session evicted after missed heartbeats",
			zap.String("session_id", string(s.ID)))
	}
	return evicted, expired
}
