package auth

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-print"
	"github.com/vanguardgg/go-auth-client/cache"
	"github.com/vanguardgg/go-auth-client/ratelimit"
	"github.com/vanguardgg/go-auth-client/storage"
)

// AuthState is the published view of the current session.
type AuthState struct {
	User      *UserProfile
	IsLoading bool
	Error     string
}

func (s AuthState) clone() AuthState {
	s.User = s.User.Clone()
	return s
}

// Listener receives AuthState snapshots. Listeners run synchronously on the
// publishing goroutine and must not call Store commands.
type Listener func(AuthState)

// Result is returned by every public Store command.
type Result struct {
	Success bool
	// Error is a plain language message, never a raw provider code.
	Error string
	// Code is the provider or local error code behind Error, if any.
	Code string
	// RedirectURL is set by OAuth sign-in; the caller must navigate to it.
	RedirectURL string
	// Recovery names an action the UI should offer, e.g. "reload".
	Recovery             string
	ConfirmationRequired bool
	User                 *UserProfile
}

// RecoveryReload asks the UI to offer a page reload.
const RecoveryReload = "reload"

// Store holds the AuthState for one application instance and exposes the
// sign-in, sign-out and subscription API.
type Store struct {
	provider  IdentityProvider
	backend   UserBackend
	loader    *Loader
	limiter   *ratelimit.Limiter
	trials    *cache.TTL[*TrialStatus]
	redirects *RedirectResolver
	local     storage.Store
	session   storage.Store

	logger   Logger
	metrics  *Metrics
	activity ActivitySink
	now      func() time.Time

	providerKeyPrefix string
	userCacheTTL      time.Duration
	trialTTL          time.Duration
	settleDelay       time.Duration
	callbackTimeout   time.Duration
	pollInterval      time.Duration
	rateLimit         int
	rateWindow        time.Duration

	// notifyMu serializes publishes so listeners observe states in commit
	// order.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	state     AuthState
	epoch     uint64
	// teardowns counts SignOut calls in progress. Epoch-bound commits are
	// dropped while it is non-zero.
	teardowns int
	listeners map[uint64]Listener
	nextID    uint64
	phase     *machine[Phase]

	unsubscribe func()
	bg          sync.WaitGroup
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithActivitySink sets the activity sink.
func WithActivitySink(sink ActivitySink) StoreOption {
	return func(s *Store) {
		s.activity = normalizeActivitySink(sink)
	}
}

// WithClock injects a clock used by the caches and the rate limiter.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLocalStorage sets the persistent key-value store.
func WithLocalStorage(st storage.Store) StoreOption {
	return func(s *Store) {
		if st != nil {
			s.local = st
		}
	}
}

// WithSessionStorage sets the volatile store cleared on sign-out.
func WithSessionStorage(st storage.Store) StoreOption {
	return func(s *Store) {
		if st != nil {
			s.session = st
		}
	}
}

// WithLimiter replaces the default rate limiter.
func WithLimiter(l *ratelimit.Limiter) StoreOption {
	return func(s *Store) {
		s.limiter = l
	}
}

// WithRedirects sets the redirect URL resolver.
func WithRedirects(r *RedirectResolver) StoreOption {
	return func(s *Store) {
		s.redirects = r
	}
}

// WithProviderKeyPrefix sets the prefix of the provider's persisted keys.
func WithProviderKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.providerKeyPrefix = prefix
	}
}

// WithUserCacheTTL sets how long loaded profiles stay cached.
func WithUserCacheTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.userCacheTTL = ttl
	}
}

// WithTrialStatusTTL sets how long trial snapshots stay cached.
func WithTrialStatusTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.trialTTL = ttl
	}
}

// WithCallbackTiming sets the settle delay, timeout and poll interval used by
// callback resolvers created from this store.
func WithCallbackTiming(settle, timeout, poll time.Duration) StoreOption {
	return func(s *Store) {
		s.settleDelay = settle
		if timeout > 0 {
			s.callbackTimeout = timeout
		}
		if poll > 0 {
			s.pollInterval = poll
		}
	}
}

// WithConfig applies cfg. Options after it still win.
func WithConfig(cfg Config) StoreOption {
	return func(s *Store) {
		s.providerKeyPrefix = cfg.ProviderKeyPrefix
		s.userCacheTTL = cfg.UserCacheTTL
		s.trialTTL = cfg.TrialStatusTTL
		WithCallbackTiming(cfg.SettleDelay, cfg.CallbackTimeout, cfg.CallbackPollInterval)(s)
		s.rateLimit = cfg.RateLimitMax
		s.rateWindow = cfg.RateLimitWindow
		s.redirects = NewRedirectResolver(
			StaticPlatform{OriginURL: cfg.Origin, Standalone: cfg.Standalone},
			RedirectConfig{
				PublicOrigin:      cfg.PublicOrigin,
				BasePath:          cfg.BasePath,
				CallbackPath:      cfg.CallbackPath,
				ResetPasswordPath: cfg.ResetPasswordPath,
			},
		)
	}
}

// NewStore creates a Store. The initial state is loading until Initialize
// runs.
func NewStore(provider IdentityProvider, backend UserBackend, opts ...StoreOption) *Store {
	s := &Store{
		provider:          provider,
		backend:           backend,
		logger:            defLogger{},
		activity:          noopActivitySink{},
		now:               time.Now,
		providerKeyPrefix: "sb-",
		trialTTL:          30 * time.Second,
		settleDelay:       1500 * time.Millisecond,
		callbackTimeout:   10 * time.Second,
		pollInterval:      time.Second,
		state:             AuthState{IsLoading: true},
		listeners:         make(map[uint64]Listener),
		phase:             newMachine("store", PhaseUninitialized, phaseTransitions),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.local == nil {
		s.local = storage.NewMemory()
	}
	if s.session == nil {
		s.session = storage.NewMemory()
	}
	if s.redirects == nil {
		s.redirects = NewRedirectResolver(StaticPlatform{OriginURL: "http://localhost:5173"}, RedirectConfig{})
	}

	if s.limiter == nil {
		s.limiter = ratelimit.New(
			ratelimit.WithLimit(s.rateLimit),
			ratelimit.WithWindow(s.rateWindow),
			ratelimit.WithClock(s.now),
		)
	}
	s.trials = cache.New[*TrialStatus](cache.WithClock(s.now))
	s.loader = NewLoader(backend, provider,
		WithLoaderLogger(s.logger),
		WithLoaderMetrics(s.metrics),
		WithLoaderCacheTTL(s.userCacheTTL),
		WithLoaderClock(s.now),
		WithLoaderActivitySink(s.activity),
	)

	return s
}

// Loader returns the user record loader backing the store.
func (s *Store) Loader() *Loader {
	return s.loader
}

// Redirects returns the redirect URL resolver.
func (s *Store) Redirects() *RedirectResolver {
	return s.redirects
}

// Initialize reads the provider session, loads the matching user record and
// starts listening for provider events. Calling it again is a no-op.
func (s *Store) Initialize(ctx context.Context) Result {
	s.mu.Lock()
	if s.phase.State() != PhaseUninitialized {
		s.mu.Unlock()
		return s.currentResult()
	}
	if _, err := s.phase.Transition(PhaseInitializing); err != nil {
		s.mu.Unlock()
		return failure(err)
	}
	epoch := s.epoch
	s.mu.Unlock()

	unsubscribe := s.provider.OnAuthStateChange(s.onProviderEvent)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		s.logger.Error("failed to read provider session", "error", err)
		return s.initFailed(epoch, err)
	}

	if sess == nil || sess.Expired(s.now()) {
		s.commit(epoch, PhaseAnonymous, func(st *AuthState) {
			*st = AuthState{}
		})
		s.logger.Debug("initialized without session")
		return Result{Success: true}
	}

	user, err := s.commitLoad(ctx, sess.ID(), nil)
	if err != nil {
		if errors.Is(err, ErrSuperseded) {
			return failure(err)
		}
		s.logger.Error("failed to load user during initialization", "session_id", sess.ID(), "error", err)
		return s.initFailed(epoch, err)
	}

	s.logger.Debug("initialized", "state", print.MaybePrettyJSON(user))
	return Result{Success: true, User: user}
}

func (s *Store) initFailed(epoch uint64, err error) Result {
	s.commit(epoch, PhaseAnonymous, func(st *AuthState) {
		*st = AuthState{Error: msgInitFailed}
	})
	return Result{Error: msgInitFailed, Code: ErrorCode(err), Recovery: RecoveryReload}
}

// Close stops listening for provider events and waits for background reloads.
func (s *Store) Close() error {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.bg.Wait()
	return nil
}

// Subscribe registers listener. It is invoked immediately with the current
// state and then on every state change.
func (s *Store) Subscribe(listener Listener) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}

	s.notifyMu.Lock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	snapshot := s.state.clone()
	s.mu.Unlock()
	s.notify(listener, snapshot)
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// GetCurrentUser returns a copy of the signed-in profile, or nil.
func (s *Store) GetCurrentUser() *UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.User.Clone()
}

// GetAuthState returns a snapshot of the current state.
func (s *Store) GetAuthState() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Phase returns the lifecycle phase.
func (s *Store) Phase() Phase {
	return s.phase.State()
}

func (s *Store) currentResult() Result {
	st := s.GetAuthState()
	if st.Error != "" {
		return Result{Error: st.Error}
	}
	return Result{Success: true, User: st.User}
}

const anyEpoch = ^uint64(0)

// commit applies fn to a copy of the state and publishes it when it differs
// structurally. With an epoch other than anyEpoch the change is dropped if a
// sign-out happened since the epoch was read. phase, when set, is the
// lifecycle phase to move to.
func (s *Store) commit(epoch uint64, phase Phase, fn func(*AuthState)) bool {
	return s.publish(func() bool {
		return epoch == anyEpoch || (epoch == s.epoch && s.teardowns == 0)
	}, phase, fn)
}

// publishSignedOut bumps the epoch and publishes the empty state under the
// same lock, so no load that read an older epoch can publish after it.
func (s *Store) publishSignedOut(endTeardown bool) {
	s.publish(func() bool {
		s.epoch++
		if endTeardown && s.teardowns > 0 {
			s.teardowns--
		}
		return true
	}, PhaseAnonymous, func(st *AuthState) {
		*st = AuthState{}
	})
}

// publish runs admit under s.mu and applies fn only when it returns true.
func (s *Store) publish(admit func() bool, phase Phase, fn func(*AuthState)) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !admit() {
		s.mu.Unlock()
		return false
	}
	if phase != "" {
		s.advance(phase)
	}

	next := s.state.clone()
	fn(&next)
	if reflect.DeepEqual(next, s.state) {
		s.mu.Unlock()
		return true
	}
	s.state = next
	listeners := s.listenerList()
	s.mu.Unlock()

	for _, l := range listeners {
		s.notify(l, next.clone())
	}
	return true
}

// advance moves the lifecycle phase, passing through initializing when the
// store was never initialized. Callers hold s.mu.
func (s *Store) advance(target Phase) {
	if s.phase.State() == PhaseUninitialized && target != PhaseInitializing {
		_, _ = s.phase.Transition(PhaseInitializing)
	}
	if _, err := s.phase.Transition(target); err != nil {
		s.logger.Warn("unexpected lifecycle transition", "error", err)
	}
}

func (s *Store) listenerList() []Listener {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *Store) notify(l Listener, st AuthState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("auth state listener panicked", "panic", r)
		}
	}()
	l(st)
}

func (s *Store) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// commitLoad loads sessionID and publishes the profile. When the load fails
// and onErr is set, onErr is committed at the same epoch. Returns
// ErrSuperseded if a sign-out landed meanwhile.
func (s *Store) commitLoad(ctx context.Context, sessionID string, onErr func(*AuthState, error)) (*UserProfile, error) {
	epoch := s.currentEpoch()

	user, err := s.loader.Load(ctx, sessionID)
	if err != nil {
		if onErr != nil {
			if !s.commit(epoch, "", func(st *AuthState) { onErr(st, err) }) {
				return nil, ErrSuperseded
			}
		}
		return nil, err
	}

	if !s.commit(epoch, PhaseAuthenticated, func(st *AuthState) {
		*st = AuthState{User: user}
	}) {
		s.logger.Debug("discarding superseded user load", "session_id", sessionID)
		return nil, ErrSuperseded
	}
	return user, nil
}

func (s *Store) onProviderEvent(ev AuthEvent) {
	switch ev.Type {
	case EventSignedOut:
		s.logger.Info("provider signed out")
		s.mu.Lock()
		s.epoch++
		s.mu.Unlock()
		s.loader.Clear()
		s.trials.Clear()
		s.publishSignedOut(false)
	case EventUserUpdated, EventTokenRefreshed:
		if ev.Session == nil {
			return
		}
		// Reload on profile changes, and on a token refresh only when the
		// principal differs from the one on screen.
		current := s.GetCurrentUser()
		if current == nil {
			return
		}
		if ev.Type == EventTokenRefreshed && current.ID == ev.Session.ID() {
			return
		}
		s.loader.Invalidate(ev.Session.ID())
		s.bg.Add(1)
		go func(id string) {
			defer s.bg.Done()
			if _, err := s.commitLoad(context.Background(), id, nil); err != nil && !errors.Is(err, ErrSuperseded) {
				s.logger.Warn("background user reload failed", "session_id", id, "error", err)
			}
		}(ev.Session.ID())
	}
}

func (s *Store) record(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.activity.Record(ctx, event); err != nil {
		s.logger.Warn("activity sink failed", "event", event.EventType, "error", err)
	}
}

func (s *Store) getLocal(ctx context.Context, key string) string {
	v, ok, err := s.local.Get(ctx, key)
	if err != nil {
		s.logger.Warn("local storage read failed", "key", key, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (s *Store) setLocal(ctx context.Context, key, value string) {
	if err := s.local.Set(ctx, key, value); err != nil {
		s.logger.Warn("local storage write failed", "key", key, "error", err)
	}
}

func failure(err error) Result {
	return Result{Error: UserMessage(err), Code: ErrorCode(err)}
}
