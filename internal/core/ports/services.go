package ports

import (
	"context"

	"opsdeck/internal/core/domain"
)

// Broadcaster is the hub surface producers and the command gateway depend
// on. Publish never blocks on slow consumers and never returns consumer
// failures to the caller.
type Broadcaster interface {
	Publish(ctx context.Context, rec domain.MetricRecord)
	PublishAlert(ctx context.Context, event domain.AlertEvent)
	PublishResult(ctx context.Context, id domain.SessionID, result domain.CommandResult) error
}

// AlertService evaluates metric records against the configured threshold
// rules.
type AlertService interface {
	Evaluate(rec domain.MetricRecord) []domain.AlertEvent
	Recent(limit int) []domain.AlertEvent
}

// CommandService validates and asynchronously executes client commands.
type CommandService interface {
	Submit(ctx context.Context, req domain.CommandRequest, level domain.PermissionLevel) error
	ReloadPolicy(table domain.PolicyTable) error
}

// AuthService turns an opaque credential into an identity and manages the
// resumable-session tokens handed to clients on connect.
type AuthService interface {
	Authenticate(credential string) (domain.Identity, error)
	IssueSessionToken(id domain.SessionID, identity domain.Identity) (string, error)
	ValidateSessionToken(token string) (domain.SessionID, domain.Identity, error)
}
