package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes carried by the errors of this package.
const (
	TextCodeRecordNotFound    = "USER_RECORD_NOT_FOUND"
	TextCodeNoSession         = "NO_ACTIVE_SESSION"
	TextCodeNotAuthenticated  = "NOT_AUTHENTICATED"
	TextCodeUnknownProvider   = "UNKNOWN_OAUTH_PROVIDER"
	TextCodeInvalidInput      = "INVALID_INPUT"
	TextCodeSuperseded        = "SUPERSEDED_BY_SIGN_OUT"
	TextCodeInvalidTransition = "INVALID_STATE_TRANSITION"
	TextCodeProviderRejected  = "PROVIDER_REJECTED"
	TextCodeLoadFailed        = "USER_LOAD_FAILED"
	TextCodeRateLimited       = "RATE_LIMITED"
	TextCodeTimeout           = "OPERATION_TIMEOUT"
	TextCodeRecordConflict    = "USER_RECORD_CONFLICT"
	TextCodeUnexpected        = "UNEXPECTED_ERROR"
)

// ErrRecordNotFound is returned by backends when a user record is missing.
var ErrRecordNotFound = goerrors.New("user record not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeRecordNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrNoSession is returned when an operation needs a live provider session.
var ErrNoSession = goerrors.New("no active session", goerrors.CategoryAuth).
	WithTextCode(TextCodeNoSession).
	WithCode(goerrors.CodeUnauthorized)

// ErrNotAuthenticated is returned when an operation needs a signed-in user.
var ErrNotAuthenticated = goerrors.New("not authenticated", goerrors.CategoryAuth).
	WithTextCode(TextCodeNotAuthenticated).
	WithCode(goerrors.CodeUnauthorized)

// ErrUnknownProvider is returned for OAuth providers the store does not support.
var ErrUnknownProvider = goerrors.New("unknown oauth provider", goerrors.CategoryBadInput).
	WithTextCode(TextCodeUnknownProvider).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidInput wraps validation failures on user supplied values.
var ErrInvalidInput = goerrors.New("invalid input", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidInput).
	WithCode(goerrors.CodeBadRequest)

// ErrSuperseded is returned when a sign-out landed while the operation was
// in flight. The result was cached but not published.
var ErrSuperseded = goerrors.New("superseded by sign-out", goerrors.CategoryConflict).
	WithTextCode(TextCodeSuperseded).
	WithCode(goerrors.CodeConflict)

// Templates for RichError. Never returned directly.
var (
	errProviderRejected = goerrors.New("identity provider rejected the request", goerrors.CategoryAuth).
		WithTextCode(TextCodeProviderRejected).
		WithCode(goerrors.CodeUnauthorized)
	errLoadFailed = goerrors.New("user record could not be loaded", goerrors.CategoryInternal).
		WithTextCode(TextCodeLoadFailed).
		WithCode(goerrors.CodeInternal)
	errRateLimited = goerrors.New("too many attempts", goerrors.CategoryRateLimit).
		WithTextCode(TextCodeRateLimited).
		WithCode(http.StatusTooManyRequests)
	errTimedOut = goerrors.New("operation timed out", goerrors.CategoryOperation).
		WithTextCode(TextCodeTimeout).
		WithCode(http.StatusGatewayTimeout)
	errRecordConflict = goerrors.New("duplicate user record", goerrors.CategoryConflict).
		WithTextCode(TextCodeRecordConflict).
		WithCode(goerrors.CodeConflict)
)

// ProviderError captures a rejection from the identity provider.
type ProviderError struct {
	Provider  string
	Operation string
	Status    int
	Code      string
	Message   string
	Err       error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}

	scope := "provider"
	if e.Provider != "" && e.Operation != "" {
		scope = fmt.Sprintf("%s %s", e.Provider, e.Operation)
	} else if e.Provider != "" {
		scope = e.Provider
	} else if e.Operation != "" {
		scope = e.Operation
	}

	if e.Message != "" {
		return fmt.Sprintf("%s failed: %s", scope, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s failed: %s", scope, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", scope, e.Err)
	}
	return fmt.Sprintf("%s failed", scope)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ProviderError) Metadata() map[string]any {
	if e == nil {
		return nil
	}

	meta := map[string]any{}
	if e.Provider != "" {
		meta["provider"] = e.Provider
	}
	if e.Operation != "" {
		meta["operation"] = e.Operation
	}
	if e.Status != 0 {
		meta["status"] = e.Status
	}
	if e.Code != "" {
		meta["code"] = e.Code
	}
	if e.Message != "" {
		meta["description"] = e.Message
	}
	return meta
}

// Load stages reported by LoadError.
const (
	StageValidate  = "validate"
	StageFallback  = "fallback"
	StageProvision = "provision"
	StageReload    = "reload"
)

// LoadError is returned when a user record could not be fetched or created
// after every fallback.
type LoadError struct {
	SessionID string
	Stage     string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load user %s (%s): %v", e.SessionID, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// RateLimitError is a local throttling decision. It never reaches the network.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %s)", e.Action, e.RetryAfter.Round(time.Second))
}

// TimeoutError is returned when an operation exceeded its deadline.
type TimeoutError struct {
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.After)
}

// Is matches context.DeadlineExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// ConflictError reports a duplicate-record condition from the backend.
// Constraint names the column (or constraint) that collided.
type ConflictError struct {
	Table      string
	Constraint string
	Err        error
}

// IdentityConstraint is the column holding the session identifier.
const IdentityConstraint = "auth_user_id"

func (e *ConflictError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("conflict on %s.%s: %v", e.Table, e.Constraint, e.Err)
	}
	return fmt.Sprintf("conflict on %s: %v", e.Table, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsIdentityConflict reports whether the duplicate is the session identifier
// itself, meaning another caller already provisioned the same record. Any
// other collision (email, username, stale unique index) is a real failure.
func (e *ConflictError) IsIdentityConflict() bool {
	if e == nil {
		return false
	}
	c := strings.ToLower(e.Constraint)
	return c == IdentityConstraint || strings.HasSuffix(c, "_"+IdentityConstraint+"_key") ||
		strings.HasSuffix(c, "."+IdentityConstraint)
}

// Known provider error codes.
const (
	CodeOTPExpired             = "otp_expired"
	CodeAccessDenied           = "access_denied"
	CodeValidationFailed       = "validation_failed"
	CodeProviderDisabled       = "provider_disabled"
	CodeUnexpectedFailure      = "unexpected_failure"
	CodeInvalidRequest         = "invalid_request"
	CodeServerError            = "server_error"
	CodeInvalidCredentials     = "invalid_credentials"
	CodeEmailNotConfirmed      = "email_not_confirmed"
	CodeUserAlreadyExists      = "user_already_exists"
	CodeOverEmailSendRateLimit = "over_email_send_rate_limit"
	CodeWeakPassword           = "weak_password"
	CodeFlowStateExpired       = "flow_state_expired"
	CodeBadOAuthState          = "bad_oauth_state"
)

var providerMessages = map[string]string{
	CodeOTPExpired:             "Your confirmation link has expired. Please request a new one.",
	CodeAccessDenied:           "Sign-in was cancelled or access was denied. Please try again.",
	CodeValidationFailed:       "The sign-in request could not be validated. Please try again.",
	CodeProviderDisabled:       "This sign-in method is not available right now. Please choose another option.",
	CodeUnexpectedFailure:      "Something went wrong while signing you in. Please try again.",
	CodeInvalidRequest:         "The sign-in link is invalid. Please start again.",
	CodeServerError:            "The sign-in service is temporarily unavailable. Please try again later.",
	CodeInvalidCredentials:     "Invalid email or password.",
	CodeEmailNotConfirmed:      "Please confirm your email address before signing in. Check your inbox for the confirmation link.",
	CodeUserAlreadyExists:      "An account with this email already exists. Please sign in instead.",
	CodeOverEmailSendRateLimit: "Too many emails were sent. Please wait a few minutes and try again.",
	CodeWeakPassword:           "Please choose a stronger password (at least 8 characters).",
	CodeFlowStateExpired:       "Your sign-in session expired. Please try again.",
	CodeBadOAuthState:          "Your sign-in session expired. Please try again.",
}

// ProviderMessage maps a provider error code to a user facing message.
func ProviderMessage(code string) (string, bool) {
	msg, ok := providerMessages[strings.ToLower(strings.TrimSpace(code))]
	return msg, ok
}

const (
	msgGeneric      = "Something went wrong. Please try again."
	msgLoadFailed   = "We couldn't load your account. Please try again."
	msgTimeout      = "Sign-in is taking too long. Please try again."
	msgNotSignedIn  = "You need to be signed in to do that."
	msgInitFailed   = "Failed to initialize authentication. Please reload the page."
	msgUnknownOAuth = "This sign-in method is not supported."
)

// UserMessage turns any error produced by this package into plain language.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		minutes := int(math.Ceil(rl.RetryAfter.Minutes()))
		if minutes <= 1 {
			return "Too many attempts. Please wait a minute before trying again."
		}
		return fmt.Sprintf("Too many attempts. Please wait %d minutes before trying again.", minutes)
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return msgTimeout
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if msg, ok := ProviderMessage(pe.Code); ok {
			return msg
		}
		if pe.Message != "" {
			return pe.Message
		}
		return msgGeneric
	}

	var le *LoadError
	if errors.As(err, &le) {
		return msgLoadFailed
	}

	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrNoSession), errors.Is(err, ErrSuperseded):
		return msgNotSignedIn
	case errors.Is(err, ErrUnknownProvider):
		return msgUnknownOAuth
	}

	return msgGeneric
}

// ErrorCode returns the provider code carried by err, if any.
func ErrorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return "rate_limited"
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	return ""
}

// RichError maps err onto a go-errors value with a category and text code.
// Errors that already are one are returned unchanged; anything unrecognized
// becomes an internal error.
func RichError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return enrich(errRateLimited, err, map[string]any{
			"action":      rl.Action,
			"retry_after": rl.RetryAfter.String(),
		})
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return enrich(errTimedOut, err, map[string]any{
			"operation": te.Operation,
			"after":     te.After.String(),
		})
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return enrich(ErrInvalidInput, err, map[string]any{"field": ve.Field})
	}

	var ce *ConflictError
	if errors.As(err, &ce) {
		return enrich(errRecordConflict, err, map[string]any{
			"table":      ce.Table,
			"constraint": ce.Constraint,
		})
	}

	var tr *TransitionError
	if errors.As(err, &tr) {
		return enrich(ErrInvalidTransition, err, map[string]any{
			"machine": tr.Machine,
			"from":    tr.From,
			"to":      tr.To,
		})
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		rich := enrich(errProviderRejected, err, pe.Metadata())
		if pe.Code != "" {
			rich.TextCode = strings.ToUpper(pe.Code)
		}
		switch {
		case pe.Status == http.StatusTooManyRequests:
			rich.Category = goerrors.CategoryRateLimit
			rich.Code = pe.Status
		case pe.Status >= http.StatusInternalServerError:
			rich.Category = goerrors.CategoryOperation
			rich.Code = pe.Status
		case pe.Status != 0:
			rich.Code = pe.Status
		}
		return rich
	}

	// Sentinels are checked before LoadError so a missing session inside a
	// load keeps its own code.
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}

	var le *LoadError
	if errors.As(err, &le) {
		return enrich(errLoadFailed, err, map[string]any{
			"session_id": le.SessionID,
			"stage":      le.Stage,
		})
	}

	return goerrors.Wrap(err, goerrors.CategoryInternal, "unexpected error").
		WithTextCode(TextCodeUnexpected).
		WithCode(goerrors.CodeInternal)
}

func enrich(base *goerrors.Error, err error, meta map[string]any) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	clone.Source = err
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}
	return clone
}
