package broadcast

import (
	"sync"
	"time"

	"opsdeck/internal/core/domain"
)

// Session holds the server-side state of one connected dashboard client.
// The transport is owned exclusively by the session's writer goroutine;
// everything else is guarded by mu.
type Session struct {
	ID       domain.SessionID
	Identity domain.Identity

	mu            sync.Mutex
	tier          domain.RateTier
	subscribed    bool
	channels      map[domain.Channel]struct{}
	pending       map[domain.Channel]*domain.MetricRecord
	lastAck       map[domain.Channel]time.Time
	lastHeartbeat time.Time

	out       *outbox
	transport Transport
	done      chan struct{}
	closeOnce sync.Once

	// reportedDrops is the drop count already surfaced to metrics; only the
	// hub's tick goroutine reads or writes it.
	reportedDrops uint64

	// onDead is invoked once from the writer goroutine when the transport
	// fails; the hub uses it to detach the session.
	onDead func(s *Session)
}

func newSession(id domain.SessionID, identity domain.Identity, transport Transport, queueLimit int, now time.Time) *Session {
	return &Session{
		ID:            id,
		Identity:      identity,
		tier:          domain.TierStandard,
		channels:      make(map[domain.Channel]struct{}),
		pending:       make(map[domain.Channel]*domain.MetricRecord),
		lastAck:       make(map[domain.Channel]time.Time),
		lastHeartbeat: now,
		out:           newOutbox(queueLimit),
		transport:     transport,
		done:          make(chan struct{}),
	}
}

// writePump drains the outbox onto the transport. It is the only goroutine
// allowed to touch the transport. A send failure reports the session as dead
// and exits; the producer side never sees the error.
func (s *Session) writePump() {
	defer s.transport.Close()
	for {
		for {
			f, ok := s.out.pop()
			if !ok {
				break
			}
			if err := s.transport.Send(f.Data); err != nil {
				if s.onDead != nil {
					s.onDead(s)
				}
				return
			}
		}
		select {
		case <-s.out.wake:
		case <-s.done:
			return
		}
	}
}

// subscribe replaces the session's channel set and rate tier.
func (s *Session) subscribe(channels []domain.Channel, tier domain.RateTier, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[domain.Channel]struct{}, len(channels))
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	s.tier = tier
	s.subscribed = true
	s.lastHeartbeat = now
}

func (s *Session) subscribedTo(ch domain.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[ch]
	return ok
}

func (s *Session) channelSet() []domain.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Channel, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

// idleDeadline is the instant after which the session counts as dead.
// Subscribed sessions must heartbeat within twice their tier interval;
// sessions that never subscribed get the configured grace instead.
func (s *Session) idleDeadline(defaultIdle time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return s.lastHeartbeat.Add(2 * s.tier.Interval())
	}
	return s.lastHeartbeat.Add(defaultIdle)
}

// stage records the latest value for a channel. An unsent previous value is
// overwritten: between delivery ticks only the newest record survives.
func (s *Session) stage(rec domain.MetricRecord) {
	s.mu.Lock()
	s.pending[rec.Channel] = &rec
	s.mu.Unlock()
}

// takeDue returns the staged records whose tier interval has elapsed since
// the last delivery on that channel, marking them as delivered. A channel
// that has never delivered is always due: the first staged record goes out
// on the next tick, and the interval only gates the gap between deliveries.
func (s *Session) takeDue(now time.Time) []*domain.MetricRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.MetricRecord
	for ch, rec := range s.pending {
		if rec == nil {
			continue
		}
		last, seen := s.lastAck[ch]
		if !seen || now.Sub(last) >= s.tier.Interval() {
			due = append(due, rec)
			s.lastAck[ch] = now
			delete(s.pending, ch)
		}
	}
	return due
}

func (s *Session) enqueue(f Frame) {
	s.out.push(f)
}

// DroppedFrames reports how many metric frames backpressure has discarded.
func (s *Session) DroppedFrames() uint64 {
	return s.out.droppedCount()
}

// Level returns the session's permission level.
func (s *Session) Level() domain.PermissionLevel {
	return s.Identity.Level
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.out.close()
	})
}
