package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
	"opsdeck/internal/infrastructure/monitoring"
)

// Encoder turns domain events into wire frames. The hub stays agnostic of
// the envelope format; the websocket layer supplies the JSON implementation.
type Encoder interface {
	EncodeMetric(rec domain.MetricRecord) ([]byte, error)
	EncodeAlert(event domain.AlertEvent) ([]byte, error)
	EncodeResult(result domain.CommandResult) ([]byte, error)
}

// HubConfig tunes the broadcast loop.
type HubConfig struct {
	Tick          time.Duration
	SweepInterval time.Duration
	ResultTTL     time.Duration
}

// channelState indexes the sessions subscribed to one channel. Each channel
// has its own lock so publishers on different channels never contend.
type channelState struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
}

// Hub fans metric records out to subscribed sessions. Producers call Publish
// and return immediately; a timer-driven loop delivers staged records when
// each session's rate tier comes due. Slow consumers lose stale metric
// frames, never alerts or command results.
type Hub struct {
	cfg      HubConfig
	log      *zap.Logger
	registry *Registry
	history  ports.HistoryRepository
	alerts   ports.AlertService
	results  ports.ResultBuffer
	enc      Encoder
	metrics  *monitoring.PrometheusCollector

	channels map[domain.Channel]*channelState

	now  func() time.Time
	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

func NewHub(
	cfg HubConfig,
	registry *Registry,
	history ports.HistoryRepository,
	alerts ports.AlertService,
	results ports.ResultBuffer,
	enc Encoder,
	metrics *monitoring.PrometheusCollector,
	log *zap.Logger,
) *Hub {
	channels := make(map[domain.Channel]*channelState, len(domain.Channels()))
	for _, ch := range domain.Channels() {
		channels[ch] = &channelState{sessions: make(map[domain.SessionID]*Session)}
	}
	return &Hub{
		cfg:      cfg,
		log:      log,
		registry: registry,
		history:  history,
		alerts:   alerts,
		results:  results,
		enc:      enc,
		metrics:  metrics,
		channels: channels,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the delivery tick and the idle sweep.
func (h *Hub) Start() {
	h.wg.Add(2)
	go h.tickLoop()
	go h.sweepLoop()
}

// Shutdown stops the loops and closes every live session.
func (h *Hub) Shutdown() {
	h.stop.Do(func() { close(h.done) })
	h.wg.Wait()
	for _, s := range h.registry.Sessions() {
		h.Evict(s.ID)
	}
}

// Connect registers a session for a new transport and starts its writer.
// Returns ErrCapacityExceeded when the session cap is reached, so the
// handshake can be rejected before the upgrade completes.
func (h *Hub) Connect(transport Transport, identity domain.Identity) (*Session, error) {
	s, err := h.registry.Register(transport, identity)
	if err != nil {
		return nil, err
	}
	s.onDead = func(dead *Session) { h.Detach(dead.ID) }
	go s.writePump()
	h.metrics.SessionOpened()
	return s, nil
}

// Resume reattaches a detached session to a fresh transport and flushes any
// command results buffered while the client was away.
func (h *Hub) Resume(ctx context.Context, id domain.SessionID, transport Transport) (*Session, error) {
	s, err := h.registry.Resume(id, transport)
	if err != nil {
		return nil, err
	}
	s.onDead = func(dead *Session) { h.Detach(dead.ID) }
	go s.writePump()
	h.metrics.SessionOpened()

	h.index(s)

	buffered, err := h.results.Drain(ctx, id)
	if err != nil {
		h.log.Warn("draining buffered results failed",
			zap.String("session_id", string(id)), zap.Error(err))
	}
	for _, res := range buffered {
		h.enqueueResult(s, res)
	}
	return s, nil
}

// Subscribe replaces the session's channel set and rate tier and updates
// the per-channel fan-out index.
func (h *Hub) Subscribe(id domain.SessionID, channels []domain.Channel, tier domain.RateTier) error {
	s, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	s.subscribe(channels, tier, h.now())
	h.deindex(id)
	h.index(s)
	return nil
}

// Touch records a heartbeat for the session.
func (h *Hub) Touch(id domain.SessionID) error {
	return h.registry.Touch(id)
}

// Detach removes the session from fan-out but keeps its state resumable
// for the grace period. Command results arriving meanwhile are buffered.
func (h *Hub) Detach(id domain.SessionID) {
	h.deindex(id)
	if h.registry.Detach(id) {
		h.metrics.SessionClosed()
	}
}

// Evict removes the session entirely and discards any buffered results.
func (h *Hub) Evict(id domain.SessionID) {
	h.deindex(id)
	if h.registry.Evict(id) {
		h.metrics.SessionClosed()
	}
	h.discardResults(id)
}

func (h *Hub) discardResults(id domain.SessionID) {
	if err := h.results.Discard(context.Background(), id); err != nil {
		h.log.Warn("discarding result buffer failed",
			zap.String("session_id", string(id)), zap.Error(err))
	}
}

// Registry exposes session lookup to the transport layer.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Publish appends the record to history, runs alert evaluation and stages
// the record for every subscriber of its channel. It never blocks on slow
// consumers: staging overwrites the previous unsent value.
func (h *Hub) Publish(ctx context.Context, rec domain.MetricRecord) {
	if err := h.history.Append(ctx, rec); err != nil {
		h.log.Warn("history append failed",
			zap.String("channel", string(rec.Channel)), zap.Error(err))
	}
	h.metrics.RecordPublished(string(rec.Channel))

	for _, event := range h.alerts.Evaluate(rec) {
		h.PublishAlert(ctx, event)
	}

	state, ok := h.channels[rec.Channel]
	if !ok {
		return
	}
	state.mu.RLock()
	for _, s := range state.sessions {
		s.stage(rec)
	}
	state.mu.RUnlock()
}

// PublishAlert delivers an alert to every live session immediately,
// bypassing rate tiers. Alert frames are exempt from backpressure drops.
func (h *Hub) PublishAlert(ctx context.Context, event domain.AlertEvent) {
	data, err := h.enc.EncodeAlert(event)
	if err != nil {
		h.log.Error("alert encode failed", zap.Error(err))
		return
	}
	h.metrics.AlertFired(string(event.Level))
	for _, s := range h.registry.Sessions() {
		s.enqueue(Frame{Kind: FrameAlert, Data: data})
	}
}

// PublishResult delivers a command result to its originating session. If the
// session is detached it is buffered until resume or grace expiry; if it is
// gone the caller gets ErrUnknownSession and must treat it as a no-op.
func (h *Hub) PublishResult(ctx context.Context, id domain.SessionID, result domain.CommandResult) error {
	if s, err := h.registry.Get(id); err == nil {
		h.enqueueResult(s, result)
		return nil
	}
	if h.registry.IsDetached(id) {
		return h.results.Put(ctx, id, result, h.cfg.ResultTTL)
	}
	return domain.ErrUnknownSession
}

// SendControl enqueues a pre-encoded control frame (welcome, error,
// history backfill) for the session. Control frames are exempt from
// backpressure drops.
func (h *Hub) SendControl(id domain.SessionID, data []byte) error {
	s, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	s.enqueue(Frame{Kind: FrameControl, Data: data})
	return nil
}

func (h *Hub) enqueueResult(s *Session, result domain.CommandResult) {
	data, err := h.enc.EncodeResult(result)
	if err != nil {
		h.log.Error("result encode failed",
			zap.String("request_id", result.RequestID), zap.Error(err))
		return
	}
	s.enqueue(Frame{Kind: FrameCommandResult, Data: data})
}

func (h *Hub) index(s *Session) {
	for _, ch := range s.channelSet() {
		state := h.channels[ch]
		state.mu.Lock()
		state.sessions[s.ID] = s
		state.mu.Unlock()
	}
}

func (h *Hub) deindex(id domain.SessionID) {
	for _, state := range h.channels {
		state.mu.Lock()
		delete(state.sessions, id)
		state.mu.Unlock()
	}
}

func (h *Hub) tickLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.deliverDue(h.now())
		case <-h.done:
			return
		}
	}
}

// deliverDue flushes staged records whose tier interval has elapsed.
func (h *Hub) deliverDue(now time.Time) {
	started := time.Now()
	for _, s := range h.registry.Sessions() {
		for _, rec := range s.takeDue(now) {
			data, err := h.enc.EncodeMetric(*rec)
			if err != nil {
				h.log.Error("metric encode failed",
					zap.String("channel", string(rec.Channel)), zap.Error(err))
				continue
			}
			s.enqueue(Frame{Kind: FrameMetric, Channel: rec.Channel, Data: data})
		}
		h.reportDrops(s)
	}
	h.metrics.ObserveBroadcastTick(time.Since(started))
}

// reportDrops publishes the backpressure counter delta since the last tick.
// Only the tick goroutine touches reportedDrops.
func (h *Hub) reportDrops(s *Session) {
	total := s.DroppedFrames()
	if delta := total - s.reportedDrops; delta > 0 {
		h.metrics.FramesDropped(delta)
		s.reportedDrops = total
	}
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			evicted, expired := h.registry.Sweep(h.now())
			for _, id := range evicted {
				h.deindex(id)
				h.metrics.SessionClosed()
				h.discardResults(id)
			}
			for _, id := range expired {
				h.discardResults(id)
			}
		case <-h.done:
			return
		}
	}
}
