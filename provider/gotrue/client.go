// Package gotrue is an identity provider client for GoTrue compatible auth
// servers. Sessions are persisted in a storage.Store under provider-prefixed
// keys so that a store-wide prefix delete signs the client out.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	auth "github.com/vanguardgg/go-auth-client"
	"github.com/vanguardgg/go-auth-client/storage"
)

const providerName = "gotrue"

// maxResponseBytes caps every response body read from the API.
const maxResponseBytes = 1 << 20

var (
	_ auth.IdentityProvider = (*Client)(nil)
	_ auth.SessionPeeker    = (*Client)(nil)
)

// Config holds client configuration.
type Config struct {
	// URL is the auth API root, e.g. http://127.0.0.1:54321/auth/v1.
	URL        string
	AnonKey    string
	ProjectRef string
	// KeyPrefix prefixes every persisted key. Defaults to "sb-".
	KeyPrefix string

	HTTPClient *http.Client
	Storage    storage.Store
	Logger     auth.Logger
	Now        func() time.Time
	// RefreshMargin refreshes sessions that expire within the margin.
	RefreshMargin time.Duration
}

// Client implements auth.IdentityProvider over the GoTrue REST API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	store      storage.Store
	logger     auth.Logger
	now        func() time.Time

	mu        sync.Mutex
	listeners map[uint64]auth.AuthEventListener
	nextID    uint64
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "sb-"
	}
	if cfg.ProjectRef == "" {
		cfg.ProjectRef = "local"
	}
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = 30 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	st := cfg.Storage
	if st == nil {
		st = storage.NewMemory()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = auth.NopLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: client,
		store:      st,
		logger:     logger,
		now:        now,
		listeners:  make(map[uint64]auth.AuthEventListener),
	}
}

// SessionKey is the storage key holding the serialized session.
func (c *Client) SessionKey() string {
	return fmt.Sprintf("%s%s-auth-token", c.cfg.KeyPrefix, c.cfg.ProjectRef)
}

func (c *Client) verifierKey() string {
	return c.SessionKey() + "-code-verifier"
}

// GetSession returns the persisted session, refreshing it when it is about
// to expire. A rejected refresh signs the client out and returns nil.
func (c *Client) GetSession(ctx context.Context) (*auth.Session, error) {
	sess, err := c.loadSession(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	if sess.ExpiresAt.IsZero() || c.now().Add(c.cfg.RefreshMargin).Before(sess.ExpiresAt) {
		return sess, nil
	}
	if sess.RefreshToken == "" {
		if sess.Expired(c.now()) {
			return nil, nil
		}
		return sess, nil
	}

	refreshed, err := c.refresh(ctx, sess.RefreshToken)
	if err != nil {
		var pe *auth.ProviderError
		if errors.As(err, &pe) && pe.Status >= 400 && pe.Status < 500 {
			c.logger.Warn("refresh token rejected, signing out", "code", pe.Code)
			c.clearSession(ctx)
			c.emit(auth.AuthEvent{Type: auth.EventSignedOut})
			return nil, nil
		}
		return nil, err
	}

	c.emit(auth.AuthEvent{Type: auth.EventTokenRefreshed, Session: refreshed})
	return refreshed, nil
}

// PeekSession returns the persisted session without refreshing it. Expired
// sessions read as nil. No request is made and no event is emitted.
func (c *Client) PeekSession(ctx context.Context) (*auth.Session, error) {
	sess, err := c.loadSession(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Expired(c.now()) {
		return nil, nil
	}
	return sess, nil
}

// SignInWithOAuth builds the authorize URL and stores a PKCE verifier for
// the redirect exchange. No request is made.
func (c *Client) SignInWithOAuth(ctx context.Context, req auth.OAuthRequest) (*auth.OAuthRedirect, error) {
	if req.Provider == "" {
		return nil, fmt.Errorf("%w: empty provider", auth.ErrUnknownProvider)
	}

	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, c.verifierKey(), verifier); err != nil {
		return nil, fmt.Errorf("store code verifier: %w", err)
	}

	params := url.Values{
		"provider":              {string(req.Provider)},
		"code_challenge":        {computeCodeChallenge(verifier)},
		"code_challenge_method": {"s256"},
	}
	if req.RedirectTo != "" {
		params.Set("redirect_to", req.RedirectTo)
	}
	if len(req.Scopes) > 0 {
		params.Set("scopes", strings.Join(req.Scopes, " "))
	}
	for k, v := range req.QueryParams {
		params.Set(k, v)
	}

	return &auth.OAuthRedirect{
		Provider: req.Provider,
		URL:      c.baseURL + "/authorize?" + params.Encode(),
	}, nil
}

// SignInWithPassword signs in with email and password.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	var resp tokenResponse
	err := c.do(ctx, "sign_in", http.MethodPost, "/token", url.Values{"grant_type": {"password"}},
		map[string]string{"email": email, "password": password}, "", &resp)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, resp)
}

// SignUp creates an account. The response carries no session when email
// confirmation is required.
func (c *Client) SignUp(ctx context.Context, email, password, redirectTo string) (*auth.SignUpResponse, error) {
	var raw json.RawMessage
	err := c.do(ctx, "sign_up", http.MethodPost, "/signup", redirectQuery(redirectTo),
		map[string]string{"email": email, "password": password}, "", &raw)
	if err != nil {
		return nil, err
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err == nil && tok.AccessToken != "" {
		sess, err := c.establish(ctx, tok)
		if err != nil {
			return nil, err
		}
		return &auth.SignUpResponse{User: sess.User, Session: sess}, nil
	}

	var u userResponse
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, providerError("sign_up", http.StatusOK, "invalid_response", "failed to decode sign-up response", err)
	}
	return &auth.SignUpResponse{User: u.sessionUser()}, nil
}

// ResetPasswordForEmail sends a recovery email.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	return c.do(ctx, "recover", http.MethodPost, "/recover", redirectQuery(redirectTo),
		map[string]string{"email": email}, "", nil)
}

// Resend resends a confirmation email.
func (c *Client) Resend(ctx context.Context, kind auth.ResendType, email, redirectTo string) error {
	return c.do(ctx, "resend", http.MethodPost, "/resend", redirectQuery(redirectTo),
		map[string]string{"type": string(kind), "email": email}, "", nil)
}

// ExchangeRedirect consumes an authorization code (PKCE) or implicit tokens
// from a redirect-back URL and emits SIGNED_IN.
func (c *Client) ExchangeRedirect(ctx context.Context, params auth.RedirectParams) error {
	switch {
	case params.Code != "":
		verifier, ok, err := c.store.Get(ctx, c.verifierKey())
		if err != nil {
			return fmt.Errorf("read code verifier: %w", err)
		}
		if !ok {
			return providerError("exchange", 0, auth.CodeFlowStateExpired, "missing code verifier", nil)
		}

		var resp tokenResponse
		err = c.do(ctx, "exchange", http.MethodPost, "/token", url.Values{"grant_type": {"pkce"}},
			map[string]string{"auth_code": params.Code, "code_verifier": verifier}, "", &resp)
		if err != nil {
			return err
		}
		if err := c.store.Delete(ctx, c.verifierKey()); err != nil {
			c.logger.Warn("failed to delete code verifier", "error", err)
		}
		_, err = c.establish(ctx, resp)
		return err

	case params.AccessToken != "":
		sess, err := sessionFromImplicit(params, c.now())
		if err != nil {
			return providerError("exchange", 0, auth.CodeInvalidRequest, "invalid access token", err)
		}
		if err := c.saveSession(ctx, sess); err != nil {
			return err
		}
		c.emit(auth.AuthEvent{Type: auth.EventSignedIn, Session: sess})
		return nil
	}

	return providerError("exchange", 0, auth.CodeInvalidRequest, "redirect carries no credential", nil)
}

// OnAuthStateChange registers listener for session events.
func (c *Client) OnAuthStateChange(listener auth.AuthEventListener) func() {
	if listener == nil {
		return func() {}
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// SignOut revokes the session server side and removes it locally. The local
// session is removed even when the request fails.
func (c *Client) SignOut(ctx context.Context) error {
	sess, loadErr := c.loadSession(ctx)

	var err error
	if sess != nil && sess.AccessToken != "" {
		err = c.do(ctx, "sign_out", http.MethodPost, "/logout", nil, nil, sess.AccessToken, nil)
		var pe *auth.ProviderError
		if errors.As(err, &pe) && (pe.Status == http.StatusUnauthorized || pe.Status == http.StatusNotFound) {
			err = nil
		}
	}

	c.clearSession(ctx)
	c.emit(auth.AuthEvent{Type: auth.EventSignedOut})
	return errors.Join(loadErr, err)
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*auth.Session, error) {
	var resp tokenResponse
	err := c.do(ctx, "refresh", http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}},
		map[string]string{"refresh_token": refreshToken}, "", &resp)
	if err != nil {
		return nil, err
	}
	sess, err := resp.session(c.now())
	if err != nil {
		return nil, err
	}
	if err := c.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Client) establish(ctx context.Context, resp tokenResponse) (*auth.Session, error) {
	sess, err := resp.session(c.now())
	if err != nil {
		return nil, err
	}
	if err := c.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	c.emit(auth.AuthEvent{Type: auth.EventSignedIn, Session: sess})
	return sess, nil
}

func (c *Client) loadSession(ctx context.Context) (*auth.Session, error) {
	raw, ok, err := c.store.Get(ctx, c.SessionKey())
	if err != nil || !ok {
		return nil, err
	}
	var sess auth.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		c.logger.Warn("discarding unreadable session", "error", err)
		if err := c.store.Delete(ctx, c.SessionKey()); err != nil {
			c.logger.Warn("failed to delete unreadable session", "key", c.SessionKey(), "error", err)
		}
		return nil, nil
	}
	return &sess, nil
}

func (c *Client) saveSession(ctx context.Context, sess *auth.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, c.SessionKey(), string(raw)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (c *Client) clearSession(ctx context.Context) {
	for _, key := range []string{c.SessionKey(), c.verifierKey()} {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to delete session key", "key", key, "error", err)
		}
	}
}

func (c *Client) emit(ev auth.AuthEvent) {
	c.mu.Lock()
	listeners := make([]auth.AuthEventListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// do sends a JSON request and decodes a JSON response into out when set.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, bearer string, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AnonKey != "" {
		req.Header.Set("apikey", c.cfg.AnonKey)
	}
	if bearer == "" {
		bearer = c.cfg.AnonKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providerError(op, 0, "", "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return err
	}
	if len(data) > maxResponseBytes {
		return providerError(op, resp.StatusCode, "response_too_large", "response body exceeds limit", nil)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		code, msg := parseError(data)
		return providerError(op, resp.StatusCode, code, msg, nil)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return providerError(op, resp.StatusCode, "invalid_response", "failed to decode response", err)
	}
	return nil
}

func redirectQuery(redirectTo string) url.Values {
	if redirectTo == "" {
		return nil
	}
	return url.Values{"redirect_to": {redirectTo}}
}
