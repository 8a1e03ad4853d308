package callback_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auth "github.com/vanguardgg/go-auth-client"
	"github.com/vanguardgg/go-auth-client/backend/sqlstore"
	"github.com/vanguardgg/go-auth-client/callback"
	"github.com/vanguardgg/go-auth-client/provider/memory"
	"github.com/vanguardgg/go-auth-client/storage"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	idp    *memory.Provider
	store  *auth.Store
	server *callback.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(ctx, db))

	idp := memory.New(memory.WithBcryptCost(bcrypt.MinCost))
	store := auth.NewStore(idp, sqlstore.New(db), auth.WithLogger(auth.NopLogger()))
	t.Cleanup(func() { _ = store.Close() })
	require.True(t, store.Initialize(ctx).Success)

	server := callback.New(store, callback.WithResolverOptions(
		auth.WithSettleDelay(0),
		auth.WithPollInterval(10*time.Millisecond),
		auth.WithCallbackTimeout(2*time.Second),
	))
	return &fixture{idp: idp, store: store, server: server}
}

func (f *fixture) get(t *testing.T, target string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Accept", "application/json")
	resp, err := f.server.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestCallbackCompletesOAuthSignIn(t *testing.T) {
	f := newFixture(t)
	f.idp.RegisterOAuthIdentity(auth.OAuthDiscord, "gamer@example.com")

	res := f.store.SignInWithDiscord(context.Background())
	require.True(t, res.Success)

	redirect, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, f.server.Path(), redirect.Path)

	status, body := f.get(t, redirect.RequestURI())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, auth.PathSignedIn, body["path"])
	assert.Equal(t, "gamer@example.com", body["email"])

	out, err := f.server.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auth.CallbackSuccess, out.Status)
	require.NotNil(t, f.store.GetCurrentUser())
	assert.Equal(t, "gamer@example.com", f.store.GetCurrentUser().Email)
	assert.Equal(t, auth.PhaseAuthenticated, f.store.Phase())
}

func TestCallbackProviderError(t *testing.T) {
	f := newFixture(t)

	status, body := f.get(t, "/auth/callback?error=access_denied&error_description=User+denied")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, auth.PathProviderError, body["path"])
	assert.Equal(t, "ACCESS_DENIED", body["text_code"])
	assert.NotEmpty(t, body["message"])
	assert.Nil(t, f.store.GetCurrentUser())
}

func TestCallbackRendersHTML(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?error=access_denied", nil)
	resp, err := f.server.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestCallbackWithLiveSessionKeepsIt(t *testing.T) {
	f := newFixture(t)
	_, err := f.idp.AddUser("player@example.com", "hunter22", "email")
	require.NoError(t, err)
	require.True(t, f.store.SignInWithEmail(context.Background(), "player@example.com", "hunter22").Success)

	status, body := f.get(t, "/auth/callback?code=stale-code")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, auth.PathSessionConflict, body["path"])
	assert.Equal(t, "http://example.com/auth/callback", body["location"])
}

func TestWaitHonorsContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.server.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
