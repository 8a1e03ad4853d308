package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auth "github.com/vanguardgg/go-auth-client"
	"github.com/vanguardgg/go-auth-client/storage"
)

func signedToken(t *testing.T, sub, email, provider string, exp time.Time) string {
	t.Helper()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email:       email,
		AppMetadata: map[string]any{"provider": provider},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

type recorder struct {
	mu     sync.Mutex
	events []auth.AuthEvent
}

func (r *recorder) listen(ev auth.AuthEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []auth.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, storage.Store) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	st := storage.NewMemory()
	return New(Config{
		URL:        server.URL + "/auth/v1",
		AnonKey:    "anon-key",
		ProjectRef: "test",
		Storage:    st,
	}), st
}

func TestSignInWithPasswordPersistsSession(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	var token string

	client, st := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "player@example.com", body["email"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  token,
			"refresh_token": "refresh-1",
			"token_type":    "bearer",
			"expires_at":    exp.Unix(),
			"user": map[string]any{
				"id":            "user-1",
				"email":         "player@example.com",
				"app_metadata":  map[string]any{"provider": "email"},
				"user_metadata": map[string]any{"full_name": "Player One"},
			},
		})
	})
	token = signedToken(t, "user-1", "player@example.com", "email", exp)

	events := &recorder{}
	client.OnAuthStateChange(events.listen)

	sess, err := client.SignInWithPassword(context.Background(), "player@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.ID())
	assert.Equal(t, "email", sess.User.Provider)
	assert.Equal(t, exp.Unix(), sess.ExpiresAt.Unix())

	raw, ok, err := st.Get(context.Background(), "sb-test-auth-token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, "refresh-1")
	assert.Equal(t, []auth.EventType{auth.EventSignedIn}, events.types())

	got, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.ID())
}

func TestSignInWithPasswordMapsErrors(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":400,"error_code":"invalid_credentials","msg":"Invalid login credentials"}`))
	})

	_, err := client.SignInWithPassword(context.Background(), "player@example.com", "wrong")
	require.Error(t, err)

	var pe *auth.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
	assert.Equal(t, auth.CodeInvalidCredentials, pe.Code)
	assert.Equal(t, "Invalid email or password.", auth.UserMessage(err))
}

func TestParseErrorLegacyShape(t *testing.T) {
	code, msg := parseError([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	assert.Equal(t, auth.CodeInvalidCredentials, code)
	assert.Equal(t, "Invalid login credentials", msg)

	code, msg = parseError([]byte(`not json`))
	assert.Empty(t, code)
	assert.Equal(t, "not json", msg)
}

func TestSignInWithOAuthBuildsPKCERedirect(t *testing.T) {
	client, st := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	})

	redirect, err := client.SignInWithOAuth(context.Background(), auth.OAuthRequest{
		Provider:    auth.OAuthGoogle,
		RedirectTo:  "http://localhost:5173/auth/callback",
		QueryParams: map[string]string{"access_type": "offline", "prompt": "consent"},
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "/auth/v1/authorize", u.Path)
	assert.Equal(t, "google", q.Get("provider"))
	assert.Equal(t, "http://localhost:5173/auth/callback", q.Get("redirect_to"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "s256", q.Get("code_challenge_method"))

	verifier, ok, err := st.Get(context.Background(), "sb-test-auth-token-code-verifier")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, computeCodeChallenge(verifier), q.Get("code_challenge"))
}

func TestExchangeRedirectWithCode(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	var token, verifier string

	client, st := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pkce", r.URL.Query().Get("grant_type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "auth-code", body["auth_code"])
		assert.Equal(t, verifier, body["code_verifier"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  token,
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	})
	token = signedToken(t, "user-2", "gamer@example.com", "discord", exp)

	_, err := client.SignInWithOAuth(context.Background(), auth.OAuthRequest{Provider: auth.OAuthDiscord})
	require.NoError(t, err)
	verifier, _, _ = st.Get(context.Background(), client.verifierKey())

	events := &recorder{}
	client.OnAuthStateChange(events.listen)

	err = client.ExchangeRedirect(context.Background(), auth.RedirectParams{Code: "auth-code"})
	require.NoError(t, err)
	assert.Equal(t, []auth.EventType{auth.EventSignedIn}, events.types())

	sess, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-2", sess.ID())
	assert.Equal(t, "discord", sess.User.Provider)

	_, ok, _ := st.Get(context.Background(), client.verifierKey())
	assert.False(t, ok)
}

func TestExchangeRedirectWithoutVerifier(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request")
	})

	err := client.ExchangeRedirect(context.Background(), auth.RedirectParams{Code: "auth-code"})
	var pe *auth.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, auth.CodeFlowStateExpired, pe.Code)
}

func TestExchangeRedirectImplicitTokens(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request")
	})
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, "user-3", "implicit@example.com", "google", exp)

	err := client.ExchangeRedirect(context.Background(), auth.RedirectParams{
		AccessToken:  token,
		RefreshToken: "refresh-3",
		TokenType:    "bearer",
	})
	require.NoError(t, err)

	sess, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-3", sess.ID())
	assert.Equal(t, "implicit@example.com", sess.User.Email)
	assert.True(t, exp.Equal(sess.ExpiresAt))
}

func TestGetSessionRefreshesExpiringToken(t *testing.T) {
	now := time.Now()
	fresh := now.Add(time.Hour)
	var refreshed string

	client, st := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  refreshed,
			"refresh_token": "refresh-next",
			"expires_at":    fresh.Unix(),
		})
	})
	refreshed = signedToken(t, "user-4", "", "email", fresh)

	stale, _ := json.Marshal(auth.Session{
		AccessToken:  "old",
		RefreshToken: "refresh-old",
		ExpiresAt:    now.Add(-time.Minute),
		User:         auth.SessionUser{ID: "user-4"},
	})
	require.NoError(t, st.Set(context.Background(), client.SessionKey(), string(stale)))

	events := &recorder{}
	client.OnAuthStateChange(events.listen)

	sess, err := client.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "refresh-next", sess.RefreshToken)
	assert.Equal(t, []auth.EventType{auth.EventTokenRefreshed}, events.types())
}

func TestGetSessionRejectedRefreshSignsOut(t *testing.T) {
	client, st := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"refresh_token_not_found","msg":"Invalid Refresh Token"}`))
	})

	stale, _ := json.Marshal(auth.Session{
		AccessToken:  "old",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         auth.SessionUser{ID: "user-5"},
	})
	require.NoError(t, st.Set(context.Background(), client.SessionKey(), string(stale)))

	events := &recorder{}
	client.OnAuthStateChange(events.listen)

	sess, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, []auth.EventType{auth.EventSignedOut}, events.types())

	_, ok, _ := st.Get(context.Background(), client.SessionKey())
	assert.False(t, ok)
}

func TestSignUpWithoutSession(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/signup", r.URL.Path)
		assert.Equal(t, "http://localhost:5173/auth/callback", r.URL.Query().Get("redirect_to"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "user-6",
			"email": "new@example.com",
		})
	})

	resp, err := client.SignUp(context.Background(), "new@example.com", "longenough", "http://localhost:5173/auth/callback")
	require.NoError(t, err)
	assert.Nil(t, resp.Session)
	assert.Equal(t, "user-6", resp.User.ID)
}

func TestSignOutClearsLocalSession(t *testing.T) {
	var calls int
	client, st := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/auth/v1/logout", r.URL.Path)
		assert.Equal(t, "Bearer access-7", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	})

	raw, _ := json.Marshal(auth.Session{
		AccessToken: "access-7",
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        auth.SessionUser{ID: "user-7"},
	})
	require.NoError(t, st.Set(context.Background(), client.SessionKey(), string(raw)))

	events := &recorder{}
	unsubscribe := client.OnAuthStateChange(events.listen)
	defer unsubscribe()

	require.NoError(t, client.SignOut(context.Background()))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []auth.EventType{auth.EventSignedOut}, events.types())

	keys, err := st.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	events := &recorder{}
	unsubscribe := client.OnAuthStateChange(events.listen)
	unsubscribe()

	require.NoError(t, client.SignOut(context.Background()))
	assert.Empty(t, events.types())
}

func TestPeekSessionDoesNotRefresh(t *testing.T) {
	client, st := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	})

	events := &recorder{}
	client.OnAuthStateChange(events.listen)

	expiring, _ := json.Marshal(auth.Session{
		AccessToken:  "current",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(10 * time.Second),
		User:         auth.SessionUser{ID: "user-6"},
	})
	require.NoError(t, st.Set(context.Background(), client.SessionKey(), string(expiring)))

	sess, err := client.PeekSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "current", sess.AccessToken)

	expired, _ := json.Marshal(auth.Session{
		AccessToken:  "old",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         auth.SessionUser{ID: "user-6"},
	})
	require.NoError(t, st.Set(context.Background(), client.SessionKey(), string(expired)))

	sess, err = client.PeekSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Empty(t, events.types())

	_, ok, _ := st.Get(context.Background(), client.SessionKey())
	assert.True(t, ok, "peeking leaves the persisted session in place")
}

func TestOversizedResponseIsRejected(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"`))
		_, _ = w.Write(bytes.Repeat([]byte("a"), maxResponseBytes))
		_, _ = w.Write([]byte(`"}`))
	})

	_, err := client.SignInWithPassword(context.Background(), "player@example.com", "hunter22")
	require.Error(t, err)

	var pe *auth.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "response_too_large", pe.Code)
}

type logCall struct {
	level   string
	message string
	args    []any
}

type captureLogger struct {
	mu    sync.Mutex
	calls []logCall
}

func (l *captureLogger) record(level, message string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, logCall{level: level, message: message, args: args})
}

func (l *captureLogger) Debug(message string, args ...any) { l.record("debug", message, args...) }
func (l *captureLogger) Info(message string, args ...any)  { l.record("info", message, args...) }
func (l *captureLogger) Warn(message string, args ...any)  { l.record("warn", message, args...) }
func (l *captureLogger) Error(message string, args ...any) { l.record("error", message, args...) }

// brokenDeletes fails every Delete.
type brokenDeletes struct {
	storage.Store
}

func (brokenDeletes) Delete(context.Context, string) error {
	return errors.New("read-only storage")
}

func TestUnreadableSessionDeleteFailureIsLogged(t *testing.T) {
	st := brokenDeletes{Store: storage.NewMemory()}
	logger := &captureLogger{}
	client := New(Config{
		URL:        "http://127.0.0.1:0/auth/v1",
		ProjectRef: "test",
		Storage:    st,
		Logger:     logger,
	})
	require.NoError(t, st.Set(context.Background(), client.SessionKey(), "{not json"))

	sess, err := client.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.calls, 2)
	assert.Equal(t, "discarding unreadable session", logger.calls[0].message)
	assert.Equal(t, "failed to delete unreadable session", logger.calls[1].message)
	assert.Equal(t, []any{"key", "sb-test-auth-token", "error", errors.New("read-only storage")}, logger.calls[1].args)
}
