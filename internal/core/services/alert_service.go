package services

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
)

type AlertConfig struct {
	SuppressionWindow time.Duration
	RetainedEvents    int
	Rules             []domain.ThresholdRule
}

// alertService evaluates metric records against declarative threshold rules.
// A condition that keeps firing emits one alert per suppression window, keyed
// on the rule identity rather than the rendered message.
type alertService struct {
	logger      *zap.Logger
	suppression time.Duration
	retained    int
	rules       []domain.ThresholdRule

	mu       sync.Mutex
	lastSent map[string]time.Time
	recent   []domain.AlertEvent

	now func() time.Time
}

func NewAlertService(cfg AlertConfig, logger *zap.Logger) ports.AlertService {
	return &alertService{
		logger:      logger,
		suppression: cfg.SuppressionWindow,
		retained:    cfg.RetainedEvents,
		rules:       cfg.Rules,
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
	}
}

// Evaluate returns the alert events the record triggers, after suppression.
func (s *alertService) Evaluate(rec domain.MetricRecord) []domain.AlertEvent {
	var events []domain.AlertEvent
	for _, rule := range s.rules {
		observed, hit := rule.Matches(rec)
		if !hit {
			continue
		}
		message := fmt.Sprintf("%s (observed %g)", rule.Message, observed)
		event := domain.NewAlertEvent(rule.Level, rule.Channel, rule.Template(), message, rec.Timestamp)
		if s.admit(event) {
			events = append(events, event)
		}
	}
	return events
}

// admit applies the dedupe window and records the event in the retained list.
func (s *alertService) admit(event domain.AlertEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.lastSent[event.DedupeKey]; ok && now.Sub(last) < s.suppression {
		return false
	}
	s.lastSent[event.DedupeKey] = now

	s.recent = append(s.recent, event)
	if len(s.recent) > s.retained {
		s.recent = s.recent[len(s.recent)-s.retained:]
	}

	s.logger.Info("alert fired",
		zap.String("level", string(event.Level)),
		zap.String("channel", string(event.SourceChannel)),
		zap.String("message", event.Message))
	return true
}

// Recent returns up to limit retained events, newest first.
func (s *alertService) Recent(limit int) []domain.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]domain.AlertEvent, 0, limit)
	for i := len(s.recent) - 1; i >= len(s.recent)-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}
