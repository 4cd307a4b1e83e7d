package domain

import (
	"fmt"
	"time"
)

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

func ParseAlertLevel(s string) (AlertLevel, error) {
	switch AlertLevel(s) {
	case AlertInfo, AlertWarning, AlertError, AlertCritical:
		return AlertLevel(s), nil
	default:
		return "", fmt.Errorf("unknown alert level: %q", s)
	}
}

// AlertEvent is a derived record emitted by the alert pipeline. DedupeKey
// identifies the underlying condition so repeats inside the suppression
// window collapse to a single delivered alert.
type AlertEvent struct {
	Level         AlertLevel `json:"level"`
	Message       string     `json:"message"`
	SourceChannel Channel    `json:"source_channel"`
	Timestamp     time.Time  `json:"timestamp"`
	DedupeKey     string     `json:"-"`
}

// NewAlertEvent derives the dedupe key from level, source channel and the
// message template, not the rendered message, so varying measured values do
// not defeat suppression.
func NewAlertEvent(level AlertLevel, channel Channel, template, message string, ts time.Time) AlertEvent {
	return AlertEvent{
		Level:         level,
		Message:       message,
		SourceChannel: channel,
		Timestamp:     ts,
		DedupeKey:     fmt.Sprintf("%s|%s|%s", level, channel, template),
	}
}

type Comparator string

const (
	CompareGT  Comparator = "gt"
	CompareGTE Comparator = "gte"
	CompareLT  Comparator = "lt"
	CompareLTE Comparator = "lte"
	CompareEQ  Comparator = "eq"
)

func ParseComparator(s string) (Comparator, error) {
	switch Comparator(s) {
	case CompareGT, CompareGTE, CompareLT, CompareLTE, CompareEQ:
		return Comparator(s), nil
	default:
		return "", fmt.Errorf("unknown comparator: %q", s)
	}
}

func (c Comparator) Apply(observed, threshold float64) bool {
	switch c {
	case CompareGT:
		return observed > threshold
	case CompareGTE:
		return observed >= threshold
	case CompareLT:
		return observed < threshold
	case CompareLTE:
		return observed <= threshold
	case CompareEQ:
		return observed == threshold
	default:
		return false
	}
}

// ThresholdRule is a declarative alert rule evaluated against every record
// published on its channel.
type ThresholdRule struct {
	Channel    Channel    `yaml:"channel" json:"channel"`
	Field      string     `yaml:"field" json:"field"`
	Comparator Comparator `yaml:"comparator" json:"comparator"`
	Value      float64    `yaml:"value" json:"value"`
	Level      AlertLevel `yaml:"level" json:"level"`
	Message    string     `yaml:"message" json:"message"`
}

func (r ThresholdRule) Validate() error {
	if _, err := ParseChannel(string(r.Channel)); err != nil {
		return err
	}
	if r.Field == "" {
		return fmt.Errorf("rule field must not be empty")
	}
	if _, err := ParseComparator(string(r.Comparator)); err != nil {
		return err
	}
	if _, err := ParseAlertLevel(string(r.Level)); err != nil {
		return err
	}
	return nil
}

// Matches reports whether the record breaches this rule, along with the
// observed value.
func (r ThresholdRule) Matches(rec MetricRecord) (float64, bool) {
	if rec.Channel != r.Channel {
		return 0, false
	}
	observed, ok := rec.NumericField(r.Field)
	if !ok {
		return 0, false
	}
	return observed, r.Comparator.Apply(observed, r.Value)
}

// Template is the stable identity of the rule used in dedupe keys.
func (r ThresholdRule) Template() string {
	return fmt.Sprintf("%s.%s %s %g", r.Channel, r.Field, r.Comparator, r.Value)
}
