package gotrue

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	auth "github.com/vanguardgg/go-auth-client"
)

type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

type userResponse struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at"`
	ConfirmedAt      *time.Time     `json:"confirmed_at"`
	AppMetadata      map[string]any `json:"app_metadata"`
	UserMetadata     map[string]any `json:"user_metadata"`
}

func (u *userResponse) sessionUser() auth.SessionUser {
	if u == nil {
		return auth.SessionUser{}
	}
	confirmed := u.EmailConfirmedAt
	if confirmed == nil {
		confirmed = u.ConfirmedAt
	}
	provider, _ := u.AppMetadata["provider"].(string)
	return auth.SessionUser{
		ID:          u.ID,
		Email:       u.Email,
		Provider:    provider,
		ConfirmedAt: confirmed,
		Metadata:    u.UserMetadata,
	}
}

// session builds a Session. Missing fields are filled from the access token
// claims; the signature is not verified here.
func (r tokenResponse) session(now time.Time) (*auth.Session, error) {
	if r.AccessToken == "" {
		return nil, providerError("session", 0, "missing_access_token", "missing access token", nil)
	}

	claims, err := accessClaims(r.AccessToken)
	if err != nil {
		claims = &tokenClaims{}
	}

	sess := &auth.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		ExpiresAt:    expiry(r.ExpiresAt, r.ExpiresIn, claims, now),
	}
	if r.User != nil {
		sess.User = r.User.sessionUser()
	} else {
		sess.User = claims.sessionUser()
	}
	if sess.User.ID == "" {
		sess.User.ID = claims.Subject
	}
	if sess.User.ID == "" {
		return nil, providerError("session", 0, "invalid_response", "session has no user", err)
	}
	return sess, nil
}

// tokenClaims are the claims carried by an access token.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (c *tokenClaims) sessionUser() auth.SessionUser {
	provider, _ := c.AppMetadata["provider"].(string)
	return auth.SessionUser{
		ID:       c.Subject,
		Email:    c.Email,
		Provider: provider,
		Metadata: c.UserMetadata,
	}
}

func accessClaims(token string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func expiry(expiresAt, expiresIn int64, claims *tokenClaims, now time.Time) time.Time {
	switch {
	case expiresAt > 0:
		return time.Unix(expiresAt, 0).UTC()
	case expiresIn > 0:
		return now.Add(time.Duration(expiresIn) * time.Second).UTC()
	case claims != nil && claims.ExpiresAt != nil:
		return claims.ExpiresAt.Time.UTC()
	}
	return time.Time{}
}

func sessionFromImplicit(p auth.RedirectParams, now time.Time) (*auth.Session, error) {
	claims, err := accessClaims(p.AccessToken)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("access token has no subject")
	}

	expiresAt, _ := strconv.ParseInt(p.ExpiresAt, 10, 64)
	expiresIn, _ := strconv.ParseInt(p.ExpiresIn, 10, 64)

	return &auth.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		ExpiresAt:    expiry(expiresAt, expiresIn, claims, now),
		User:         claims.sessionUser(),
	}, nil
}

type errorResponse struct {
	ErrorCode        string `json:"error_code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func parseError(body []byte) (string, string) {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		return "", string(body)
	}

	code := e.ErrorCode
	if code == "" {
		code = e.Error
	}
	// Older servers report bad passwords as invalid_grant.
	if code == "invalid_grant" {
		code = auth.CodeInvalidCredentials
	}

	msg := e.Msg
	if msg == "" {
		msg = e.ErrorDescription
	}
	if msg == "" {
		msg = e.Message
	}
	return code, msg
}

func providerError(op string, status int, code, message string, err error) *auth.ProviderError {
	return &auth.ProviderError{
		Provider:  providerName,
		Operation: op,
		Status:    status,
		Code:      code,
		Message:   message,
		Err:       err,
	}
}
