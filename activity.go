package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventSignInSuccess     ActivityEventType = "auth.signin.success"
	ActivityEventSignInFailure     ActivityEventType = "auth.signin.failure"
	ActivityEventOAuthStarted      ActivityEventType = "auth.oauth.started"
	ActivityEventSignUp            ActivityEventType = "auth.signup"
	ActivityEventSignOut           ActivityEventType = "auth.signout"
	ActivityEventRateLimited       ActivityEventType = "auth.rate_limited"
	ActivityEventCallbackResolved  ActivityEventType = "auth.callback.resolved"
	ActivityEventUserProvisioned   ActivityEventType = "auth.user.provisioned"
	ActivityEventPasswordResetSent ActivityEventType = "auth.password.reset_requested"
)

// ActivityEvent captures diagnostics about an auth action.
type ActivityEvent struct {
	EventType  ActivityEventType
	UserID     string
	Method     string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events. Sinks run best-effort; errors are
// logged and never fail the originating operation.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}
