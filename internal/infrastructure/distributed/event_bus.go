// Package distributed fans events out between dashboard instances sharing a
// Redis backend, so an alert raised on one instance reaches sessions
// connected to another.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
)

const eventsChannel = "opsdeck:events"

type EventKind string

const (
	EventAlertRaised EventKind = "alert.raised"
)

// Event is the envelope published on the shared Redis channel. InstanceID
// identifies the origin so instances skip their own events.
type Event struct {
	Kind       EventKind       `json:"kind"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus publishes and receives instance-coordination events over Redis
// pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Publish sends one event. Delivery is best-effort: pub/sub has no replay,
// and instances that are down simply miss the event.
func (eb *EventBus) Publish(ctx context.Context, kind EventKind, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	data, err := json.Marshal(Event{
		Kind:       kind,
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		Payload:    raw,
	})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if err := eb.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// PublishAlert broadcasts an alert event to the other instances.
func (eb *EventBus) PublishAlert(ctx context.Context, event domain.AlertEvent) error {
	return eb.Publish(ctx, EventAlertRaised, event)
}

// Subscribe blocks, delivering every event from other instances to handler,
// until the context is canceled. Events published by this instance are
// skipped.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eventsChannel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("dropping malformed bus event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("bus event handler failed",
					"kind", event.Kind,
					"error", err,
				)
			}
		}
	}
}

// Close tears down the subscription, unblocking Subscribe.
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

// AlertFanout decorates an AlertService so locally raised alerts are also
// published on the bus. Evaluation itself is untouched; the publish happens
// off the hot path.
type AlertFanout struct {
	inner  ports.AlertService
	bus    *EventBus
	logger *zap.SugaredLogger
}

func NewAlertFanout(inner ports.AlertService, bus *EventBus, logger *zap.SugaredLogger) *AlertFanout {
	return &AlertFanout{inner: inner, bus: bus, logger: logger}
}

func (f *AlertFanout) Evaluate(rec domain.MetricRecord) []domain.AlertEvent {
	events := f.inner.Evaluate(rec)
	for _, event := range events {
		go func(event domain.AlertEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := f.bus.PublishAlert(ctx, event); err != nil {
				f.logger.Warnw("alert fan-out publish failed", "error", err)
			}
		}(event)
	}
	return events
}

func (f *AlertFanout) Recent(limit int) []domain.AlertEvent {
	return f.inner.Recent(limit)
}

// DecodeAlert unpacks an alert.raised event payload.
func DecodeAlert(event *Event) (domain.AlertEvent, error) {
	var alert domain.AlertEvent
	if err := json.Unmarshal(event.Payload, &alert); err != nil {
		return domain.AlertEvent{}, fmt.Errorf("decoding alert event: %w", err)
	}
	return alert, nil
}
