package auth

import (
	"context"
	"fmt"
)

// Logger is the structured logger used across the package. Args are
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// IdentityProvider is the external identity service reached over a
// request/response boundary.
type IdentityProvider interface {
	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)
	// SignInWithOAuth prepares a provider redirect. Control leaves the app
	// once the caller follows the returned URL.
	SignInWithOAuth(ctx context.Context, req OAuthRequest) (*OAuthRedirect, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password, redirectTo string) (*SignUpResponse, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	Resend(ctx context.Context, kind ResendType, email, redirectTo string) error
	// ExchangeRedirect consumes the credential carried by a redirect-back URL
	// (authorization code or implicit tokens). A successful exchange is
	// announced through OnAuthStateChange with EventSignedIn.
	ExchangeRedirect(ctx context.Context, params RedirectParams) error
	OnAuthStateChange(listener AuthEventListener) (unsubscribe func())
	SignOut(ctx context.Context) error
}

// SessionPeeker is implemented by providers that can report the persisted
// session without refreshing it. The callback resolver prefers it when
// checking for a live session.
type SessionPeeker interface {
	PeekSession(ctx context.Context) (*Session, error)
}

// UserBackend is the relational backend holding user records.
type UserBackend interface {
	// GetCompleteUserData is the aggregate query (user row joined with usage
	// and onboarding data). Returns ErrRecordNotFound when missing.
	GetCompleteUserData(ctx context.Context, sessionID string) (*UserRow, error)
	// GetUserRow reads the users table directly. Returns ErrRecordNotFound
	// when missing.
	GetUserRow(ctx context.Context, sessionID string) (*UserRow, error)
	// CreateUserRecord provisions a record. Duplicate rows are reported as a
	// *ConflictError.
	CreateUserRecord(ctx context.Context, record NewUserRecord) error
	UpdateUserProfile(ctx context.Context, sessionID string, data map[string]any) error
	GetTrialStatus(ctx context.Context, sessionID string) (*TrialStatus, error)
}

// Platform reports details of the host environment used to build redirect
// URLs.
type Platform interface {
	Origin() string
	// IsStandalone reports whether the app runs as an installed app rather
	// than a regular browser tab.
	IsStandalone() bool
}

// StaticPlatform is a Platform with fixed values.
type StaticPlatform struct {
	OriginURL  string
	Standalone bool
}

// Origin implements Platform.
func (p StaticPlatform) Origin() string { return p.OriginURL }

// IsStandalone implements Platform.
func (p StaticPlatform) IsStandalone() bool { return p.Standalone }

type defLogger struct{}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Print("[DBG] AUTH " + line(msg, args))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Print("[INF] AUTH " + line(msg, args))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Print("[WRN] AUTH " + line(msg, args))
}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Print("[ERR] AUTH " + line(msg, args))
}

func line(msg string, args []any) string {
	for i := 0; i+1 < len(args); i += 2 {
		msg += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	if len(args)%2 == 1 {
		msg += fmt.Sprintf(" %v", args[len(args)-1])
	}
	return newline(msg)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards everything.
func NopLogger() Logger { return nopLogger{} }
