// Package memory is an in-process identity provider for development and
// tests. Passwords are bcrypt hashed, sessions are HS256 tokens, and OAuth
// flows are simulated with one-time codes.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	auth "github.com/vanguardgg/go-auth-client"
	"golang.org/x/crypto/bcrypt"
)

const providerName = "memory"

// Email is a message the provider would have sent.
type Email struct {
	Kind       string
	To         string
	RedirectTo string
}

type account struct {
	user      auth.SessionUser
	hash      []byte
	confirmed bool
}

// Option customizes a Provider.
type Option func(*Provider)

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithTokenTTL sets the lifetime of minted access tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.tokenTTL = ttl
		}
	}
}

// WithSigningKey sets the HS256 key used for access tokens.
func WithSigningKey(key []byte) Option {
	return func(p *Provider) {
		if len(key) > 0 {
			p.signingKey = key
		}
	}
}

// WithBcryptCost sets the password hash cost.
func WithBcryptCost(cost int) Option {
	return func(p *Provider) {
		p.cost = cost
	}
}

// WithAutoConfirm makes sign-ups return a session right away.
func WithAutoConfirm(on bool) Option {
	return func(p *Provider) {
		p.autoConfirm = on
	}
}

// WithConfirmationEmailFailure makes sign-up create a usable account but
// report that the confirmation email could not be sent.
func WithConfirmationEmailFailure(on bool) Option {
	return func(p *Provider) {
		p.confirmationFails = on
	}
}

// Provider implements auth.IdentityProvider in memory.
type Provider struct {
	mu                sync.Mutex
	accounts          map[string]*account
	oauth             map[auth.OAuthProvider]string
	codes             map[string]string
	session           *auth.Session
	outbox            []Email
	listeners         map[uint64]auth.AuthEventListener
	nextID            uint64
	now               func() time.Time
	tokenTTL          time.Duration
	signingKey        []byte
	cost              int
	autoConfirm       bool
	confirmationFails bool
}

// New creates an empty Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		accounts:   make(map[string]*account),
		oauth:      make(map[auth.OAuthProvider]string),
		codes:      make(map[string]string),
		listeners:  make(map[uint64]auth.AuthEventListener),
		now:        time.Now,
		tokenTTL:   time.Hour,
		signingKey: []byte(uuid.NewString()),
		cost:       bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// AddUser seeds a confirmed account.
func (p *Provider) AddUser(email, password, provider string) (auth.SessionUser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, err := p.createLocked(email, password, provider, true)
	if err != nil {
		return auth.SessionUser{}, err
	}
	return acc.user, nil
}

// RegisterOAuthIdentity sets the account returned by the given OAuth
// provider. The account is created on first use.
func (p *Provider) RegisterOAuthIdentity(provider auth.OAuthProvider, email string) {
	p.mu.Lock()
	p.oauth[provider] = auth.NormalizeEmail(email)
	p.mu.Unlock()
}

// Confirm marks the account for email as confirmed.
func (p *Provider) Confirm(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[auth.NormalizeEmail(email)]
	if ok {
		acc.confirmed = true
		now := p.now().UTC()
		acc.user.ConfirmedAt = &now
	}
	return ok
}

// Outbox returns the emails sent so far.
func (p *Provider) Outbox() []Email {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Email(nil), p.outbox...)
}

// GetSession implements auth.IdentityProvider.
func (p *Provider) GetSession(context.Context) (*auth.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil || p.session.Expired(p.now()) {
		return nil, nil
	}
	cp := *p.session
	return &cp, nil
}

// SignInWithOAuth issues a one-time code and returns the redirect-back URL
// carrying it, as a real provider would after consent.
func (p *Provider) SignInWithOAuth(_ context.Context, req auth.OAuthRequest) (*auth.OAuthRedirect, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	email, ok := p.oauth[req.Provider]
	if !ok {
		return nil, providerError("oauth", http.StatusBadRequest, auth.CodeProviderDisabled,
			fmt.Sprintf("provider %s is not enabled", req.Provider))
	}

	code := uuid.NewString()
	p.codes[code] = email + "|" + string(req.Provider)

	target, err := url.Parse(req.RedirectTo)
	if err != nil {
		return nil, err
	}
	q := target.Query()
	q.Set("code", code)
	target.RawQuery = q.Encode()

	return &auth.OAuthRedirect{Provider: req.Provider, URL: target.String()}, nil
}

// SignInWithPassword implements auth.IdentityProvider.
func (p *Provider) SignInWithPassword(_ context.Context, email, password string) (*auth.Session, error) {
	p.mu.Lock()
	acc, ok := p.accounts[auth.NormalizeEmail(email)]
	if !ok || acc.hash == nil || bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
		p.mu.Unlock()
		return nil, providerError("sign_in", http.StatusBadRequest, auth.CodeInvalidCredentials, "Invalid login credentials")
	}
	if !acc.confirmed {
		p.mu.Unlock()
		return nil, providerError("sign_in", http.StatusBadRequest, auth.CodeEmailNotConfirmed, "Email not confirmed")
	}
	sess, err := p.startLocked(acc)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.emit(auth.AuthEvent{Type: auth.EventSignedIn, Session: sess})
	return sess, nil
}

// SignUp implements auth.IdentityProvider.
func (p *Provider) SignUp(_ context.Context, email, password, redirectTo string) (*auth.SignUpResponse, error) {
	p.mu.Lock()
	confirmed := p.autoConfirm || p.confirmationFails
	acc, err := p.createLocked(email, password, "email", confirmed)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	if p.confirmationFails {
		p.mu.Unlock()
		return nil, providerError("sign_up", http.StatusInternalServerError, auth.CodeUnexpectedFailure,
			"Error sending confirmation email")
	}

	if !p.autoConfirm {
		p.outbox = append(p.outbox, Email{Kind: "signup", To: acc.user.Email, RedirectTo: redirectTo})
		p.mu.Unlock()
		return &auth.SignUpResponse{User: acc.user}, nil
	}

	sess, err := p.startLocked(acc)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p.emit(auth.AuthEvent{Type: auth.EventSignedIn, Session: sess})
	return &auth.SignUpResponse{User: acc.user, Session: sess}, nil
}

// ResetPasswordForEmail implements auth.IdentityProvider. Unknown addresses
// succeed silently.
func (p *Provider) ResetPasswordForEmail(_ context.Context, email, redirectTo string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[auth.NormalizeEmail(email)]; ok {
		p.outbox = append(p.outbox, Email{Kind: "recovery", To: email, RedirectTo: redirectTo})
	}
	return nil
}

// Resend implements auth.IdentityProvider.
func (p *Provider) Resend(_ context.Context, kind auth.ResendType, email, redirectTo string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[auth.NormalizeEmail(email)]
	if !ok {
		return nil
	}
	if kind == auth.ResendSignup && acc.confirmed {
		return providerError("resend", http.StatusBadRequest, auth.CodeValidationFailed, "Email already confirmed")
	}
	p.outbox = append(p.outbox, Email{Kind: string(kind), To: acc.user.Email, RedirectTo: redirectTo})
	return nil
}

// ExchangeRedirect implements auth.IdentityProvider.
func (p *Provider) ExchangeRedirect(_ context.Context, params auth.RedirectParams) error {
	p.mu.Lock()
	var (
		sess *auth.Session
		err  error
	)
	switch {
	case params.Code != "":
		sess, err = p.redeemLocked(params.Code)
	case params.AccessToken != "":
		sess, err = p.adoptLocked(params.AccessToken, params.RefreshToken)
	default:
		err = providerError("exchange", http.StatusBadRequest, auth.CodeInvalidRequest, "redirect carries no credential")
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.emit(auth.AuthEvent{Type: auth.EventSignedIn, Session: sess})
	return nil
}

// OnAuthStateChange implements auth.IdentityProvider.
func (p *Provider) OnAuthStateChange(listener auth.AuthEventListener) func() {
	if listener == nil {
		return func() {}
	}
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = listener
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// SignOut implements auth.IdentityProvider.
func (p *Provider) SignOut(context.Context) error {
	p.mu.Lock()
	had := p.session != nil
	p.session = nil
	p.mu.Unlock()

	if had {
		p.emit(auth.AuthEvent{Type: auth.EventSignedOut})
	}
	return nil
}

// Emit delivers ev to listeners. Used to simulate provider side changes.
func (p *Provider) Emit(ev auth.AuthEvent) {
	p.emit(ev)
}

func (p *Provider) createLocked(email, password, provider string, confirmed bool) (*account, error) {
	email = auth.NormalizeEmail(email)
	if _, exists := p.accounts[email]; exists {
		return nil, providerError("sign_up", http.StatusUnprocessableEntity, auth.CodeUserAlreadyExists, "User already registered")
	}

	id, err := hashid.NewUUID(email)
	if err != nil {
		id = uuid.New()
	}

	acc := &account{
		user: auth.SessionUser{
			ID:       id.String(),
			Email:    email,
			Provider: provider,
			Metadata: map[string]any{"full_name": displayName(email)},
		},
		confirmed: confirmed,
	}
	if confirmed {
		now := p.now().UTC()
		acc.user.ConfirmedAt = &now
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
		if err != nil {
			return nil, err
		}
		acc.hash = hash
	}

	p.accounts[email] = acc
	return acc, nil
}

func (p *Provider) redeemLocked(code string) (*auth.Session, error) {
	grant, ok := p.codes[code]
	if !ok {
		return nil, providerError("exchange", http.StatusBadRequest, auth.CodeFlowStateExpired, "invalid flow state")
	}
	delete(p.codes, code)

	email, provider, _ := strings.Cut(grant, "|")
	acc, ok := p.accounts[email]
	if !ok {
		var err error
		acc, err = p.createLocked(email, "", provider, true)
		if err != nil {
			return nil, err
		}
	}
	return p.startLocked(acc)
}

func (p *Provider) adoptLocked(accessToken, refreshToken string) (*auth.Session, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		return p.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now))
	if err != nil {
		return nil, providerError("exchange", http.StatusUnauthorized, auth.CodeInvalidRequest, err.Error())
	}

	acc, ok := p.accounts[claims.Email]
	if !ok || acc.user.ID != claims.Subject {
		return nil, providerError("exchange", http.StatusUnauthorized, auth.CodeInvalidRequest, "unknown user")
	}

	sess := &auth.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    claims.ExpiresAt.Time,
		User:         acc.user,
	}
	p.session = sess
	cp := *sess
	return &cp, nil
}

// startLocked mints a session for acc and makes it current.
func (p *Provider) startLocked(acc *account) (*auth.Session, error) {
	now := p.now()
	exp := now.Add(p.tokenTTL)

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Email:       acc.user.Email,
		AppMetadata: map[string]any{"provider": acc.user.Provider},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey)
	if err != nil {
		return nil, err
	}

	p.session = &auth.Session{
		AccessToken:  token,
		RefreshToken: uuid.NewString(),
		TokenType:    "bearer",
		ExpiresAt:    exp.UTC().Truncate(time.Second),
		User:         acc.user,
	}
	cp := *p.session
	return &cp, nil
}

func (p *Provider) emit(ev auth.AuthEvent) {
	p.mu.Lock()
	listeners := make([]auth.AuthEventListener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Email       string         `json:"email"`
	AppMetadata map[string]any `json:"app_metadata"`
}

func displayName(email string) string {
	name, _, _ := strings.Cut(email, "@")
	return name
}

func providerError(op string, status int, code, message string) error {
	return &auth.ProviderError{
		Provider:  providerName,
		Operation: op,
		Status:    status,
		Code:      code,
		Message:   message,
	}
}

var _ auth.IdentityProvider = (*Provider)(nil)
