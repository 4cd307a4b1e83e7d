// Package client is a reconnecting websocket consumer for the dashboard
// feed. It owns the retry schedule and session resumption so callers only
// see a stream of records, alerts and command results.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"opsdeck/pkg/backoff"
	"opsdeck/pkg/validation"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

// ErrRejected means the server refused the handshake outright: a bad
// credential or a full session table. Retrying would only repeat the
// refusal, so the client fails immediately.
var ErrRejected = errors.New("connection rejected by server")

// ErrGaveUp means the retry budget ran out.
var ErrGaveUp = errors.New("reconnect attempts exhausted")

// Wire types mirror the server envelope. They are declared here rather than
// shared so the client package stays importable outside this module.

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type MetricRecord struct {
	Channel   string                 `json:"channel"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

type AlertEvent struct {
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	SourceChannel string    `json:"source_channel"`
	Timestamp     time.Time `json:"timestamp"`
}

type CommandResult struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type HistoryBatch struct {
	Channel string         `json:"channel"`
	Records []MetricRecord `json:"records"`
}

type welcomePayload struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
	Resumed      bool   `json:"resumed"`
}

type subscribePayload struct {
	Channels []string `json:"channels"`
	RateTier string   `json:"rate_tier,omitempty"`
	SinceMs  int64    `json:"since_ms,omitempty"`
}

type commandPayload struct {
	RequestID  string                 `json:"request_id"`
	Command    string                 `json:"command"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Config configures a dashboard client.
type Config struct {
	URL              string
	Credential       string
	Channels         []string
	RateTier         string
	Backoff          backoff.Config
	HandshakeTimeout time.Duration
}

// Handlers receive pushed frames. Nil handlers are skipped. They are called
// from the client's read goroutine and must not block.
type Handlers struct {
	OnMetric      func(MetricRecord)
	OnAlert       func(AlertEvent)
	OnResult      func(CommandResult)
	OnHistory     func(HistoryBatch)
	OnStateChange func(State)
}

type Client struct {
	cfg      Config
	handlers Handlers
	logger   *zap.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	sessionID   string
	resumeToken string
	lastSeenMs  int64
}

func New(cfg Config, handlers Handlers, logger *zap.Logger) *Client {
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = backoff.DefaultConfig()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger,
		state:    StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id, empty before the first
// welcome frame.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}

// Run connects and keeps the feed alive until the context is cancelled, the
// server rejects the credential, or the retry budget runs out. It blocks.
func (c *Client) Run(ctx context.Context) error {
	if err := validation.ValidateURL(c.cfg.URL); err != nil {
		return err
	}

	defer c.setState(StateDisconnected)

	attempt := 0
	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if first {
			c.setState(StateConnecting)
			first = false
		} else {
			c.setState(StateReconnecting)
		}

		err := c.runSession(ctx)
		switch {
		case err == nil:
			// Session lived and then dropped: start a fresh schedule.
			attempt = 0
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, ErrRejected):
			c.setState(StateFailed)
			return err
		}

		attempt++
		if attempt >= c.cfg.Backoff.MaxAttempts {
			c.logger.Warn("giving up after repeated connect failures",
				zap.Int("attempts", attempt), zap.Error(err))
			c.setState(StateFailed)
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}

		c.logger.Debug("connect failed, backing off",
			zap.Int("attempt", attempt), zap.Error(err))
		if err := c.cfg.Backoff.Wait(ctx, attempt-1); err != nil {
			return err
		}
	}
}

// runSession dials once and pumps frames until the connection drops. A nil
// return means the session was established and later lost; an error means
// the dial itself failed.
func (c *Client) runSession(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	// The welcome frame must arrive before anything else.
	welcome, err := c.awaitWelcome(conn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = welcome.SessionID
	c.resumeToken = welcome.SessionToken
	sinceMs := c.lastSeenMs
	c.mu.Unlock()

	if len(c.cfg.Channels) > 0 {
		if err := c.writeMessage(conn, "subscribe", subscribePayload{
			Channels: c.cfg.Channels,
			RateTier: c.cfg.RateTier,
			SinceMs:  sinceMs,
		}); err != nil {
			return err
		}
	}

	c.setState(StateConnected)
	c.logger.Info("connected",
		zap.String("session_id", welcome.SessionID),
		zap.Bool("resumed", welcome.Resumed))

	// Close the socket when the context dies so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("connection lost", zap.Error(err))
			return nil
		}
		c.dispatch(msg)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	q := u.Query()
	c.mu.Lock()
	if c.resumeToken != "" {
		q.Set("resume", c.resumeToken)
	}
	c.mu.Unlock()
	if c.cfg.Credential != "" {
		q.Set("token", c.cfg.Credential)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
			case http.StatusServiceUnavailable:
				// Capacity refusal is policy, not a transient outage.
				return nil, fmt.Errorf("%w: server at capacity", ErrRejected)
			}
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) awaitWelcome(conn *websocket.Conn) (welcomePayload, error) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return welcomePayload{}, fmt.Errorf("reading welcome: %w", err)
	}
	if msg.Type != "welcome" {
		return welcomePayload{}, fmt.Errorf("expected welcome frame, got %q", msg.Type)
	}

	var welcome welcomePayload
	if err := json.Unmarshal(msg.Payload, &welcome); err != nil {
		return welcomePayload{}, fmt.Errorf("decoding welcome: %w", err)
	}
	return welcome, nil
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case "metric":
		var rec MetricRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			return
		}
		c.noteSeen(rec.Timestamp)
		if c.handlers.OnMetric != nil {
			c.handlers.OnMetric(rec)
		}
	case "alert":
		var event AlertEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return
		}
		if c.handlers.OnAlert != nil {
			c.handlers.OnAlert(event)
		}
	case "command_result":
		var result CommandResult
		if err := json.Unmarshal(msg.Payload, &result); err != nil {
			return
		}
		if c.handlers.OnResult != nil {
			c.handlers.OnResult(result)
		}
	case "history":
		var batch HistoryBatch
		if err := json.Unmarshal(msg.Payload, &batch); err != nil {
			return
		}
		for _, rec := range batch.Records {
			c.noteSeen(rec.Timestamp)
		}
		if c.handlers.OnHistory != nil {
			c.handlers.OnHistory(batch)
		}
	}
}

// noteSeen advances the backfill watermark used on reconnect.
func (c *Client) noteSeen(ts time.Time) {
	ms := ts.UnixMilli()
	c.mu.Lock()
	if ms > c.lastSeenMs {
		c.lastSeenMs = ms
	}
	c.mu.Unlock()
}

// SendCommand submits a command over the live connection. The result arrives
// asynchronously through OnResult.
func (c *Client) SendCommand(requestID, command string, params map[string]interface{}) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		return fmt.Errorf("not connected")
	}
	return c.writeMessage(conn, "command", commandPayload{
		RequestID:  requestID,
		Command:    command,
		Parameters: params,
	})
}

// Heartbeat refreshes the server-side idle deadline.
func (c *Client) Heartbeat() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.writeMessage(conn, "heartbeat", struct{}{})
}

func (c *Client) writeMessage(conn *websocket.Conn, msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	// gorilla allows one concurrent writer; WriteJSON under the same lock
	// used for connection swaps keeps that invariant.
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteJSON(Message{Type: msgType, Payload: raw})
}
