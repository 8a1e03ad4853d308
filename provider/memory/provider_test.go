package memory

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auth "github.com/vanguardgg/go-auth-client"
	"golang.org/x/crypto/bcrypt"
)

func newProvider(opts ...Option) *Provider {
	return New(append([]Option{WithBcryptCost(bcrypt.MinCost), WithSigningKey([]byte("test-key"))}, opts...)...)
}

func TestPasswordSignIn(t *testing.T) {
	p := newProvider()
	user, err := p.AddUser("Player@Example.com", "hunter22", "email")
	require.NoError(t, err)

	want, err := hashid.NewUUID("player@example.com")
	require.NoError(t, err)
	assert.Equal(t, want.String(), user.ID)

	var events []auth.EventType
	p.OnAuthStateChange(func(ev auth.AuthEvent) { events = append(events, ev.Type) })

	sess, err := p.SignInWithPassword(context.Background(), "player@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, user.ID, sess.ID())
	assert.NotEmpty(t, sess.AccessToken)
	assert.Equal(t, []auth.EventType{auth.EventSignedIn}, events)

	current, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sess.AccessToken, current.AccessToken)
}

func TestPasswordSignInFailures(t *testing.T) {
	p := newProvider()
	_, err := p.AddUser("player@example.com", "hunter22", "email")
	require.NoError(t, err)

	_, err = p.SignInWithPassword(context.Background(), "player@example.com", "wrong")
	assert.Equal(t, auth.CodeInvalidCredentials, auth.ErrorCode(err))

	_, err = p.SignInWithPassword(context.Background(), "nobody@example.com", "hunter22")
	assert.Equal(t, auth.CodeInvalidCredentials, auth.ErrorCode(err))

	_, err = p.SignUp(context.Background(), "late@example.com", "longenough", "")
	require.NoError(t, err)
	_, err = p.SignInWithPassword(context.Background(), "late@example.com", "longenough")
	assert.Equal(t, auth.CodeEmailNotConfirmed, auth.ErrorCode(err))

	require.True(t, p.Confirm("late@example.com"))
	_, err = p.SignInWithPassword(context.Background(), "late@example.com", "longenough")
	assert.NoError(t, err)
}

func TestSignUpModes(t *testing.T) {
	t.Run("confirmation required", func(t *testing.T) {
		p := newProvider()
		resp, err := p.SignUp(context.Background(), "new@example.com", "longenough", "http://localhost/auth/callback")
		require.NoError(t, err)
		assert.Nil(t, resp.Session)
		require.Len(t, p.Outbox(), 1)
		assert.Equal(t, "signup", p.Outbox()[0].Kind)
	})

	t.Run("auto confirm", func(t *testing.T) {
		p := newProvider(WithAutoConfirm(true))
		resp, err := p.SignUp(context.Background(), "new@example.com", "longenough", "")
		require.NoError(t, err)
		require.NotNil(t, resp.Session)
		assert.Equal(t, resp.User.ID, resp.Session.ID())
	})

	t.Run("confirmation email failure", func(t *testing.T) {
		p := newProvider(WithConfirmationEmailFailure(true))
		_, err := p.SignUp(context.Background(), "new@example.com", "longenough", "")
		assert.Equal(t, auth.CodeUnexpectedFailure, auth.ErrorCode(err))

		_, err = p.SignInWithPassword(context.Background(), "new@example.com", "longenough")
		assert.NoError(t, err)
	})

	t.Run("duplicate", func(t *testing.T) {
		p := newProvider()
		_, err := p.AddUser("dup@example.com", "longenough", "email")
		require.NoError(t, err)
		_, err = p.SignUp(context.Background(), "dup@example.com", "longenough", "")
		assert.Equal(t, auth.CodeUserAlreadyExists, auth.ErrorCode(err))
	})
}

func TestOAuthCodeFlow(t *testing.T) {
	p := newProvider()
	p.RegisterOAuthIdentity(auth.OAuthDiscord, "gamer@example.com")

	redirect, err := p.SignInWithOAuth(context.Background(), auth.OAuthRequest{
		Provider:   auth.OAuthDiscord,
		RedirectTo: "http://localhost:5173/auth/callback",
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	params := auth.ParseRedirectParams(u)
	require.NotEmpty(t, params.Code)

	require.NoError(t, p.ExchangeRedirect(context.Background(), params))
	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gamer@example.com", sess.User.Email)
	assert.Equal(t, "discord", sess.User.Provider)

	err = p.ExchangeRedirect(context.Background(), params)
	assert.Equal(t, auth.CodeFlowStateExpired, auth.ErrorCode(err))
}

func TestOAuthDisabledProvider(t *testing.T) {
	p := newProvider()
	_, err := p.SignInWithOAuth(context.Background(), auth.OAuthRequest{Provider: auth.OAuthGoogle})
	assert.Equal(t, auth.CodeProviderDisabled, auth.ErrorCode(err))
}

func TestImplicitTokenAdoption(t *testing.T) {
	p := newProvider()
	_, err := p.AddUser("player@example.com", "hunter22", "email")
	require.NoError(t, err)
	sess, err := p.SignInWithPassword(context.Background(), "player@example.com", "hunter22")
	require.NoError(t, err)
	require.NoError(t, p.SignOut(context.Background()))

	require.NoError(t, p.ExchangeRedirect(context.Background(), auth.RedirectParams{AccessToken: sess.AccessToken}))
	current, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), current.ID())

	err = p.ExchangeRedirect(context.Background(), auth.RedirectParams{AccessToken: "not-a-token"})
	assert.Equal(t, auth.CodeInvalidRequest, auth.ErrorCode(err))
}

func TestSessionExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newProvider(WithClock(func() time.Time { return now }), WithTokenTTL(time.Minute))
	_, err := p.AddUser("player@example.com", "hunter22", "email")
	require.NoError(t, err)
	_, err = p.SignInWithPassword(context.Background(), "player@example.com", "hunter22")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	sess, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSignOutEmitsOnce(t *testing.T) {
	p := newProvider()
	_, err := p.AddUser("player@example.com", "hunter22", "email")
	require.NoError(t, err)
	_, err = p.SignInWithPassword(context.Background(), "player@example.com", "hunter22")
	require.NoError(t, err)

	var signedOut int
	unsubscribe := p.OnAuthStateChange(func(ev auth.AuthEvent) {
		if ev.Type == auth.EventSignedOut {
			signedOut++
		}
	})
	defer unsubscribe()

	require.NoError(t, p.SignOut(context.Background()))
	require.NoError(t, p.SignOut(context.Background()))
	assert.Equal(t, 1, signedOut)
}
