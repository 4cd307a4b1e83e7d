package signal

import (
	"encoding/json"
	"time"

	"opsdeck/internal/core/domain"
)

// Client-to-server message types.
const (
	MessageTypeSubscribe = "subscribe"
	MessageTypeHeartbeat = "heartbeat"
	MessageTypeCommand   = "command"
)

// Server-to-client message types.
const (
	MessageTypeWelcome       = "welcome"
	MessageTypeMetric        = "metric"
	MessageTypeAlert         = "alert"
	MessageTypeCommandResult = "command_result"
	MessageTypeHistory       = "history"
	MessageTypeError         = "error"
)

// SignalMessage is the wire envelope for every websocket frame in either
// direction.
type SignalMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SubscribePayload struct {
	Channels []string `json:"channels"`
	RateTier string   `json:"rate_tier,omitempty"`
	// SinceMs requests a history backfill per subscribed channel, of
	// records newer than this unix-millisecond timestamp.
	SinceMs int64 `json:"since_ms,omitempty"`
}

type CommandPayload struct {
	RequestID  string                 `json:"request_id"`
	Command    string                 `json:"command"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// WelcomePayload is the first frame on every connection. SessionToken is the
// resume credential: presenting it on reconnect within the grace period
// reattaches the same session state.
type WelcomePayload struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
	Resumed      bool   `json:"resumed"`
}

type HistoryPayload struct {
	Channel string                `json:"channel"`
	Records []domain.MetricRecord `json:"records"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SignalMessage{Type: msgType, Payload: raw})
}

// JSONEncoder renders hub events into the websocket envelope. It is the
// production implementation of the hub's Encoder.
type JSONEncoder struct{}

func (JSONEncoder) EncodeMetric(rec domain.MetricRecord) ([]byte, error) {
	return marshalMessage(MessageTypeMetric, rec)
}

func (JSONEncoder) EncodeAlert(event domain.AlertEvent) ([]byte, error) {
	return marshalMessage(MessageTypeAlert, event)
}

func (JSONEncoder) EncodeResult(result domain.CommandResult) ([]byte, error) {
	return marshalMessage(MessageTypeCommandResult, result)
}

func encodeWelcome(id domain.SessionID, token string, resumed bool) ([]byte, error) {
	return marshalMessage(MessageTypeWelcome, WelcomePayload{
		SessionID:    string(id),
		SessionToken: token,
		Resumed:      resumed,
	})
}

func encodeHistory(channel domain.Channel, records []domain.MetricRecord) ([]byte, error) {
	if records == nil {
		records = []domain.MetricRecord{}
	}
	return marshalMessage(MessageTypeHistory, HistoryPayload{
		Channel: string(channel),
		Records: records,
	})
}

func encodeError(code, message string) ([]byte, error) {
	return marshalMessage(MessageTypeError, ErrorPayload{Code: code, Message: message})
}

func encodeResultNow(result domain.CommandResult) ([]byte, error) {
	return marshalMessage(MessageTypeCommandResult, result)
}

// unixMilli converts a client-supplied millisecond timestamp, zero meaning
// "from the beginning".
func unixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
