package auth

import (
	"net/url"
	"strings"
	"time"
)

// SessionUser is the principal attached to a provider session.
type SessionUser struct {
	ID          string         `json:"id"`
	Email       string         `json:"email,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
	Metadata    map[string]any `json:"user_metadata,omitempty"`
}

// Session is the identity provider's view of an authenticated principal.
type Session struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	TokenType    string      `json:"token_type,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at"`
	User         SessionUser `json:"user"`
}

// ID returns the session identifier (the principal key), or "" for nil.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// Expired reports whether the access token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// EventType enumerates provider session-change events.
type EventType string

const (
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventUserUpdated    EventType = "USER_UPDATED"
	EventPasswordReset  EventType = "PASSWORD_RECOVERY"
)

// AuthEvent is a session-change notification from the identity provider.
type AuthEvent struct {
	Type    EventType
	Session *Session
}

// AuthEventListener receives provider events. Listeners must not block.
type AuthEventListener func(AuthEvent)

// OAuthProvider names a supported OAuth provider.
type OAuthProvider string

const (
	OAuthGoogle  OAuthProvider = "google"
	OAuthDiscord OAuthProvider = "discord"
)

// OAuthRequest is a provider specific redirect request.
type OAuthRequest struct {
	Provider    OAuthProvider
	RedirectTo  string
	Scopes      []string
	QueryParams map[string]string
}

// OAuthRedirect is where the caller must navigate to continue an OAuth flow.
type OAuthRedirect struct {
	Provider OAuthProvider
	URL      string
}

// SignUpResponse is the provider response to a sign-up. Session is nil when
// email confirmation is required.
type SignUpResponse struct {
	User    SessionUser
	Session *Session
}

// ResendType selects which confirmation email to resend.
type ResendType string

const (
	ResendSignup      ResendType = "signup"
	ResendEmailChange ResendType = "email_change"
)

// RedirectParams are the OAuth parameters carried by a redirect-back URL,
// merged from the query string and the fragment.
type RedirectParams struct {
	Code             string
	State            string
	AccessToken      string
	RefreshToken     string
	ExpiresIn        string
	ExpiresAt        string
	TokenType        string
	Type             string
	Error            string
	ErrorCode        string
	ErrorDescription string
}

var redirectParamKeys = []string{
	"code", "state", "access_token", "refresh_token", "expires_in", "expires_at",
	"token_type", "type", "provider_token", "provider_refresh_token",
	"error", "error_code", "error_description",
}

// ParseRedirectParams reads OAuth parameters from u. Fragment values win over
// query values.
func ParseRedirectParams(u *url.URL) RedirectParams {
	if u == nil {
		return RedirectParams{}
	}

	values := u.Query()
	if u.Fragment != "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			for k, v := range frag {
				values[k] = v
			}
		}
	}

	return RedirectParams{
		Code:             values.Get("code"),
		State:            values.Get("state"),
		AccessToken:      values.Get("access_token"),
		RefreshToken:     values.Get("refresh_token"),
		ExpiresIn:        values.Get("expires_in"),
		ExpiresAt:        values.Get("expires_at"),
		TokenType:        values.Get("token_type"),
		Type:             values.Get("type"),
		Error:            values.Get("error"),
		ErrorCode:        values.Get("error_code"),
		ErrorDescription: values.Get("error_description"),
	}
}

// HasCredential reports whether the params carry a fresh credential.
func (p RedirectParams) HasCredential() bool {
	return p.Code != "" || p.AccessToken != ""
}

// HasError reports whether the provider reported an error.
func (p RedirectParams) HasError() bool {
	return p.Error != "" || p.ErrorCode != ""
}

// IsFresh reports whether the URL carries any OAuth redirect parameters.
func (p RedirectParams) IsFresh() bool {
	return p.HasCredential() || p.HasError()
}

// ErrorKey returns the most specific error code in the params.
func (p RedirectParams) ErrorKey() string {
	if p.ErrorCode != "" {
		return p.ErrorCode
	}
	return p.Error
}

// StripRedirectParams returns a copy of u without OAuth redirect parameters.
func StripRedirectParams(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clean := *u

	q := clean.Query()
	for _, k := range redirectParamKeys {
		q.Del(k)
	}
	clean.RawQuery = q.Encode()

	if clean.Fragment != "" {
		if frag, err := url.ParseQuery(clean.Fragment); err == nil {
			for _, k := range redirectParamKeys {
				frag.Del(k)
			}
			clean.Fragment = frag.Encode()
		} else if strings.Contains(clean.Fragment, "access_token=") {
			clean.Fragment = ""
		}
	}
	clean.RawFragment = ""

	return &clean
}
