package auth_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	auth "github.com/vanguardgg/go-auth-client"
)

// MockProvider implements auth.IdentityProvider. Listener registration is
// real so tests can drive provider events with Emit.
type MockProvider struct {
	mock.Mock

	mu        sync.Mutex
	listeners map[int]auth.AuthEventListener
	next      int
}

func (m *MockProvider) GetSession(ctx context.Context) (*auth.Session, error) {
	args := m.Called(ctx)
	sess, _ := args.Get(0).(*auth.Session)
	return sess, args.Error(1)
}

func (m *MockProvider) SignInWithOAuth(ctx context.Context, req auth.OAuthRequest) (*auth.OAuthRedirect, error) {
	args := m.Called(ctx, req)
	redirect, _ := args.Get(0).(*auth.OAuthRedirect)
	return redirect, args.Error(1)
}

func (m *MockProvider) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	args := m.Called(ctx, email, password)
	sess, _ := args.Get(0).(*auth.Session)
	return sess, args.Error(1)
}

func (m *MockProvider) SignUp(ctx context.Context, email, password, redirectTo string) (*auth.SignUpResponse, error) {
	args := m.Called(ctx, email, password, redirectTo)
	resp, _ := args.Get(0).(*auth.SignUpResponse)
	return resp, args.Error(1)
}

func (m *MockProvider) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	return m.Called(ctx, email, redirectTo).Error(0)
}

func (m *MockProvider) Resend(ctx context.Context, kind auth.ResendType, email, redirectTo string) error {
	return m.Called(ctx, kind, email, redirectTo).Error(0)
}

func (m *MockProvider) ExchangeRedirect(ctx context.Context, params auth.RedirectParams) error {
	return m.Called(ctx, params).Error(0)
}

func (m *MockProvider) SignOut(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockProvider) OnAuthStateChange(listener auth.AuthEventListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners == nil {
		m.listeners = make(map[int]auth.AuthEventListener)
	}
	id := m.next
	m.next++
	m.listeners[id] = listener
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Emit delivers ev to every registered listener.
func (m *MockProvider) Emit(ev auth.AuthEvent) {
	m.mu.Lock()
	list := make([]auth.AuthEventListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		list = append(list, l)
	}
	m.mu.Unlock()
	for _, l := range list {
		l(ev)
	}
}

func (m *MockProvider) listenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// MockBackend implements auth.UserBackend.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) GetCompleteUserData(ctx context.Context, sessionID string) (*auth.UserRow, error) {
	args := m.Called(ctx, sessionID)
	row, _ := args.Get(0).(*auth.UserRow)
	return row, args.Error(1)
}

func (m *MockBackend) GetUserRow(ctx context.Context, sessionID string) (*auth.UserRow, error) {
	args := m.Called(ctx, sessionID)
	row, _ := args.Get(0).(*auth.UserRow)
	return row, args.Error(1)
}

func (m *MockBackend) CreateUserRecord(ctx context.Context, record auth.NewUserRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *MockBackend) UpdateUserProfile(ctx context.Context, sessionID string, data map[string]any) error {
	return m.Called(ctx, sessionID, data).Error(0)
}

func (m *MockBackend) GetTrialStatus(ctx context.Context, sessionID string) (*auth.TrialStatus, error) {
	args := m.Called(ctx, sessionID)
	ts, _ := args.Get(0).(*auth.TrialStatus)
	return ts, args.Error(1)
}

func testSession(id, email string) *auth.Session {
	return &auth.Session{
		AccessToken: "token-" + id,
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        auth.SessionUser{ID: id, Email: email, Provider: "email"},
	}
}

func testRow(id, email string) *auth.UserRow {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &auth.UserRow{
		ID:         "rec-" + id,
		AuthUserID: id,
		Email:      email,
		Tier:       "free",
		TextCount:  4,
		CreatedAt:  &created,
	}
}

// recorder collects published states.
type recorder struct {
	mu     sync.Mutex
	states []auth.AuthState
}

func (r *recorder) listen(st auth.AuthState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *recorder) last() auth.AuthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}
