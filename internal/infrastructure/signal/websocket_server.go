package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
	"opsdeck/internal/infrastructure/broadcast"
	"opsdeck/pkg/validation"
)

type WebSocketConfig struct {
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	RateLimitEnabled     bool
	ConnectionsPerMinute int
	MessagesPerSecond    float64
	Burst                int
	MaxMessageSize       int64
}

// connLimiter caps handshake attempts per client IP with one token bucket
// each, sized so a full minute's budget can be spent in a burst.
type connLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newConnLimiter(perMinute int) *connLimiter {
	return &connLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
}

func (l *connLimiter) allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WebSocketServer is the push transport in front of the hub. One goroutine
// per connection reads client messages; all writes to the socket go through
// the session's outbox so the hub's writer goroutine stays the only writer.
type WebSocketServer struct {
	hub      *broadcast.Hub
	auth     ports.AuthService
	commands ports.CommandService
	history  ports.HistoryRepository
	cfg      WebSocketConfig

	upgrader websocket.Upgrader
	conns    *connLimiter
	logger   *zap.SugaredLogger
}

func NewWebSocketServer(
	hub *broadcast.Hub,
	auth ports.AuthService,
	commands ports.CommandService,
	history ports.HistoryRepository,
	cfg WebSocketConfig,
	logger *zap.Logger,
) *WebSocketServer {
	s := &WebSocketServer{
		hub:      hub,
		auth:     auth,
		commands: commands,
		history:  history,
		cfg:      cfg,
		logger:   logger.Sugar(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if cfg.RateLimitEnabled && cfg.ConnectionsPerMinute > 0 {
		s.conns = newConnLimiter(cfg.ConnectionsPerMinute)
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// wsTransport adapts a gorilla connection to the hub's Transport. Only the
// session's writer goroutine calls Send.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) Send(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// HandleWebSocket runs the connect handshake and then the read loop.
//
// Handshake order matters: connection rate, capacity and credential are
// checked before the upgrade so a rejected client gets a plain HTTP status,
// not a half-open socket. A valid resume token reattaches the old session; a
// token for a session already past its grace falls back to a fresh session.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.conns != nil && !s.conns.allow(remoteIP(r)) {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.hub.Registry().AtCapacity() {
		http.Error(w, "session capacity exceeded", http.StatusServiceUnavailable)
		return
	}

	identity, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	transport := &wsTransport{conn: conn, writeTimeout: s.cfg.WriteTimeout}

	session, resumed, err := s.attach(r, transport, identity)
	if err != nil {
		// Registration lost the race for the last session slot.
		conn.Close()
		return
	}

	token, err := s.auth.IssueSessionToken(session.ID, session.Identity)
	if err != nil {
		s.logger.Errorw("session token issue failed", "error", err)
		s.hub.Evict(session.ID)
		return
	}
	if data, err := encodeWelcome(session.ID, token, resumed); err == nil {
		s.hub.SendControl(session.ID, data)
	}

	s.logger.Infow("session connected",
		"session_id", session.ID,
		"user_id", session.Identity.UserID,
		"resumed", resumed,
	)

	s.readLoop(conn, session.ID)
}

// attach resumes the session named by a valid resume token, or registers a
// fresh one.
func (s *WebSocketServer) attach(r *http.Request, transport broadcast.Transport, identity domain.Identity) (*broadcast.Session, bool, error) {
	if resumeToken := r.URL.Query().Get("resume"); resumeToken != "" {
		if id, tokenIdentity, err := s.auth.ValidateSessionToken(resumeToken); err == nil {
			session, err := s.hub.Resume(r.Context(), id, transport)
			if err == nil {
				return session, true, nil
			}
			if !errors.Is(err, domain.ErrUnknownSession) {
				return nil, false, err
			}
			// Grace expired: continue as a new session under the
			// identity the token was issued for.
			identity = tokenIdentity
			s.logger.Infow("resume grace expired, starting fresh session", "session_id", id)
		}
	}

	session, err := s.hub.Connect(transport, identity)
	return session, false, err
}

func (s *WebSocketServer) readLoop(conn *websocket.Conn, id domain.SessionID) {
	defer s.hub.Detach(id)

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	var limiter *rate.Limiter
	if s.cfg.RateLimitEnabled {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	for {
		var msg SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("session read failed", "session_id", id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		if limiter != nil && !limiter.Allow() {
			s.sendError(id, "RATE_LIMITED", "message rate limit exceeded")
			continue
		}

		if err := s.handleMessage(context.Background(), id, msg); err != nil {
			if errors.Is(err, domain.ErrUnknownSession) {
				// Evicted mid-read: nothing left to serve.
				return
			}
			s.sendError(id, "BAD_MESSAGE", err.Error())
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, id domain.SessionID, msg SignalMessage) error {
	switch msg.Type {
	case MessageTypeSubscribe:
		return s.handleSubscribe(ctx, id, msg)
	case MessageTypeHeartbeat:
		return s.hub.Touch(id)
	case MessageTypeCommand:
		return s.handleCommand(ctx, id, msg)
	default:
		return errors.New("unknown message type: " + msg.Type)
	}
}

func (s *WebSocketServer) handleSubscribe(ctx context.Context, id domain.SessionID, msg SignalMessage) error {
	var payload SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return errors.New("invalid subscribe payload")
	}
	if len(payload.Channels) == 0 {
		return errors.New("subscribe requires at least one channel")
	}

	channels := make([]domain.Channel, 0, len(payload.Channels))
	for _, raw := range payload.Channels {
		ch, err := domain.ParseChannel(raw)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}

	tier := domain.TierStandard
	if payload.RateTier != "" {
		parsed, err := domain.ParseRateTier(payload.RateTier)
		if err != nil {
			return err
		}
		tier = parsed
	}

	if err := s.hub.Subscribe(id, channels, tier); err != nil {
		return err
	}

	// Backfill after the subscription is live so the client never sees a
	// gap between history and the stream.
	since := unixMilli(payload.SinceMs)
	for _, ch := range channels {
		records, err := s.history.Since(ctx, ch, since)
		if err != nil {
			s.logger.Warnw("history backfill failed", "channel", ch, "error", err)
			continue
		}
		if data, err := encodeHistory(ch, records); err == nil {
			s.hub.SendControl(id, data)
		}
	}
	return nil
}

// handleCommand submits the command. Validation failures become an
// immediate failure result so the client always sees exactly one result
// per request id.
func (s *WebSocketServer) handleCommand(ctx context.Context, id domain.SessionID, msg SignalMessage) error {
	var payload CommandPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return errors.New("invalid command payload")
	}
	if payload.RequestID == "" {
		return errors.New("command requires request_id")
	}
	if err := validation.ValidateRequestID(payload.RequestID); err != nil {
		return err
	}

	session, err := s.hub.Registry().Get(id)
	if err != nil {
		return err
	}

	req := domain.CommandRequest{
		RequestID:  payload.RequestID,
		Command:    payload.Command,
		Parameters: payload.Parameters,
		Origin:     id,
	}
	if err := s.commands.Submit(ctx, req, session.Level()); err != nil {
		result := domain.CommandResult{
			RequestID: payload.RequestID,
			ErrorKind: errorKindFor(err),
		}
		if data, encErr := encodeResultNow(result); encErr == nil {
			s.hub.SendControl(id, data)
		}
	}
	return nil
}

func errorKindFor(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, domain.ErrUnknownCommand):
		return domain.ErrorKindUnknownCommand
	case errors.Is(err, domain.ErrInsufficientPermission):
		return domain.ErrorKindInsufficientPermission
	case errors.Is(err, domain.ErrInvalidParameters):
		return domain.ErrorKindInvalidParameters
	case errors.Is(err, domain.ErrTimeout):
		return domain.ErrorKindTimeout
	default:
		return domain.ErrorKindExecutionFailed
	}
}

func (s *WebSocketServer) sendError(id domain.SessionID, code, message string) {
	if data, err := encodeError(code, message); err == nil {
		s.hub.SendControl(id, data)
	}
}
