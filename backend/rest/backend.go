// Package rest reads and provisions user records through a PostgREST style
// HTTP API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	auth "github.com/vanguardgg/go-auth-client"
)

// Postgres unique_violation.
const uniqueViolation = "23505"

// TokenFunc returns the bearer token for a request, usually the signed-in
// user's access token.
type TokenFunc func(ctx context.Context) (string, error)

// Config holds backend configuration.
type Config struct {
	// URL is the REST root, e.g. http://127.0.0.1:54321/rest/v1.
	URL        string
	AnonKey    string
	Token      TokenFunc
	HTTPClient *http.Client
	Logger     auth.Logger
}

// Backend implements auth.UserBackend.
type Backend struct {
	baseURL    string
	anonKey    string
	token      TokenFunc
	httpClient *http.Client
	logger     auth.Logger
}

// New creates a Backend.
func New(cfg Config) *Backend {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = auth.NopLogger()
	}
	return &Backend{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		token:      cfg.Token,
		httpClient: client,
		logger:     logger,
	}
}

// SessionToken adapts an identity provider into a TokenFunc. Requests fall
// back to the anon key when there is no session.
func SessionToken(p auth.IdentityProvider) TokenFunc {
	return func(ctx context.Context) (string, error) {
		sess, err := p.GetSession(ctx)
		if err != nil || sess == nil {
			return "", err
		}
		return sess.AccessToken, nil
	}
}

// GetCompleteUserData calls the aggregate get_complete_user_data function.
func (b *Backend) GetCompleteUserData(ctx context.Context, sessionID string) (*auth.UserRow, error) {
	var raw json.RawMessage
	err := b.do(ctx, http.MethodPost, "/rpc/get_complete_user_data", nil,
		map[string]any{"p_auth_user_id": sessionID}, &raw)
	if err != nil {
		return nil, err
	}
	return firstRow(raw)
}

// GetUserRow reads the users table directly.
func (b *Backend) GetUserRow(ctx context.Context, sessionID string) (*auth.UserRow, error) {
	q := url.Values{
		"auth_user_id": {"eq." + sessionID},
		"select":       {"*"},
		"limit":        {"1"},
	}
	var raw json.RawMessage
	if err := b.do(ctx, http.MethodGet, "/users", q, nil, &raw); err != nil {
		return nil, err
	}
	return firstRow(raw)
}

// CreateUserRecord calls the create_user_record function. Unique violations
// are reported as *auth.ConflictError.
func (b *Backend) CreateUserRecord(ctx context.Context, record auth.NewUserRecord) error {
	return b.do(ctx, http.MethodPost, "/rpc/create_user_record", nil, map[string]any{
		"p_auth_user_id": record.AuthUserID,
		"p_email":        record.Email,
		"p_full_name":    record.FullName,
		"p_avatar_url":   record.AvatarURL,
		"p_provider":     record.Provider,
		"p_tier":         string(record.Tier),
	}, nil)
}

// UpdateUserProfile replaces the profile_data column.
func (b *Backend) UpdateUserProfile(ctx context.Context, sessionID string, data map[string]any) error {
	q := url.Values{"auth_user_id": {"eq." + sessionID}}
	var rows []json.RawMessage
	err := b.do(ctx, http.MethodPatch, "/users", q, map[string]any{
		"profile_data": data,
		"updated_at":   time.Now().UTC(),
	}, &rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return auth.ErrRecordNotFound
	}
	return nil
}

// GetTrialStatus calls the get_trial_status function.
func (b *Backend) GetTrialStatus(ctx context.Context, sessionID string) (*auth.TrialStatus, error) {
	var raw json.RawMessage
	err := b.do(ctx, http.MethodPost, "/rpc/get_trial_status", nil,
		map[string]any{"p_auth_user_id": sessionID}, &raw)
	if err != nil {
		return nil, err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var list []auth.TrialStatus
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode trial status: %w", err)
		}
		if len(list) == 0 {
			return &auth.TrialStatus{}, nil
		}
		return &list[0], nil
	}

	var ts auth.TrialStatus
	if len(raw) == 0 || string(raw) == "null" {
		return &ts, nil
	}
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("decode trial status: %w", err)
	}
	return &ts, nil
}

// firstRow decodes a single row from an object, array or null body.
func firstRow(raw json.RawMessage) (*auth.UserRow, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, auth.ErrRecordNotFound
	}

	if raw[0] == '[' {
		var rows []auth.UserRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode user rows: %w", err)
		}
		if len(rows) == 0 {
			return nil, auth.ErrRecordNotFound
		}
		return &rows[0], nil
	}

	var row auth.UserRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode user row: %w", err)
	}
	if row.AuthUserID == "" && row.ID == "" {
		return nil, auth.ErrRecordNotFound
	}
	return &row, nil
}

func (b *Backend) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := b.baseURL + path
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
	if method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}
	if b.anonKey != "" {
		req.Header.Set("apikey", b.anonKey)
	}

	bearer := b.anonKey
	if b.token != nil {
		token, err := b.token(ctx)
		if err != nil {
			return fmt.Errorf("resolve access token: %w", err)
		}
		if token != "" {
			bearer = token
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return b.apiError(path, resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

var (
	constraintPattern = regexp.MustCompile(`unique constraint "([^"]+)"`)
	keyPattern        = regexp.MustCompile(`Key \(([^)]+)\)=`)
)

// APIError is a non-conflict error returned by the REST API.
type APIError struct {
	Path    string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rest %s: %d %s %s", e.Path, e.Status, e.Code, e.Message)
}

func (b *Backend) apiError(path string, status int, data []byte) error {
	var body apiErrorBody
	_ = json.Unmarshal(data, &body)

	if body.Code == uniqueViolation || status == http.StatusConflict {
		return &auth.ConflictError{
			Table:      tableFor(path),
			Constraint: conflictConstraint(body),
			Err:        &APIError{Path: path, Status: status, Code: body.Code, Message: body.Message},
		}
	}

	if status == http.StatusNotFound && strings.HasPrefix(path, "/users") {
		return auth.ErrRecordNotFound
	}

	b.logger.Debug("rest api error", "path", path, "status", status, "code", body.Code)
	return &APIError{Path: path, Status: status, Code: body.Code, Message: body.Message}
}

// conflictConstraint prefers the column from the details ("Key (col)=...")
// and falls back to the constraint name in the message.
func conflictConstraint(body apiErrorBody) string {
	if m := keyPattern.FindStringSubmatch(body.Details); m != nil {
		return m[1]
	}
	if m := constraintPattern.FindStringSubmatch(body.Message); m != nil {
		return m[1]
	}
	return ""
}

func tableFor(path string) string {
	switch {
	case strings.HasPrefix(path, "/rpc/"):
		return "users"
	default:
		return strings.TrimPrefix(path, "/")
	}
}

var _ auth.UserBackend = (*Backend)(nil)
