package domain

import (
	"fmt"
	"time"
)

type Channel string

const (
	ChannelSystem      Channel = "system"
	ChannelAgent       Channel = "agent"
	ChannelHook        Channel = "hook"
	ChannelMCP         Channel = "mcp"
	ChannelSecurity    Channel = "security"
	ChannelPerformance Channel = "performance"
)

// Channels returns every known channel in a stable order.
func Channels() []Channel {
	return []Channel{
		ChannelSystem,
		ChannelAgent,
		ChannelHook,
		ChannelMCP,
		ChannelSecurity,
		ChannelPerformance,
	}
}

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelSystem, ChannelAgent, ChannelHook, ChannelMCP, ChannelSecurity, ChannelPerformance:
		return Channel(s), nil
	default:
		return "", fmt.Errorf("unknown channel: %q", s)
	}
}

// MetricRecord is the normalized unit of pushable data. Producers create one
// per sample; it is never mutated after construction.
type MetricRecord struct {
	Channel   Channel                `json:"channel"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewMetricRecord copies the payload so later changes by the producer do not
// leak into the hub or history.
func NewMetricRecord(channel Channel, payload map[string]interface{}, ts time.Time) MetricRecord {
	copied := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	return MetricRecord{
		Channel:   channel,
		Payload:   copied,
		Timestamp: ts,
	}
}

// NumericField extracts a payload field as float64, coercing the numeric
// types that survive JSON decoding.
func (r MetricRecord) NumericField(name string) (float64, bool) {
	v, ok := r.Payload[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
