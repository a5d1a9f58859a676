package mykafka

import (
	"context"
	"time"

	"github.com/Skotchmaster/identity/internal/logging"
)

const (
	UserRegistered  = "user_registered"
	UserLoggedIn    = "user_logged_in"
	UserLoggedOut   = "user_logged_out"
	RoleAssigned    = "role_assigned"
	PasswordChanged = "password_changed"
	UserDeleted     = "user_deleted"
)

type UserEvent struct {
	Type       string            `json:"type"`
	UserID     string            `json:"user_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Events publishes user events keyed by user id, so one user's events keep
// their order within a partition.
type Events struct {
	Publisher Publisher
	Topic     string
}

// Emit publishes best effort: a failure is logged and never reaches the
// caller. The request context may be cancelled right after the response, so
// publishing runs on a detached context.
func (e *Events) Emit(ctx context.Context, eventType, userID string, attrs map[string]string) {
	if e == nil || e.Publisher == nil {
		return
	}
	ev := UserEvent{Type: eventType, UserID: userID, OccurredAt: time.Now().UTC(), Attrs: attrs}
	if err := e.Publisher.PublishEvent(context.WithoutCancel(ctx), e.Topic, userID, ev); err != nil {
		logging.FromContext(ctx).Warn("event_publish_failed", "event", eventType, "user_id", userID, "error", err)
	}
}
