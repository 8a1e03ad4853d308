package auth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"
)

// CallbackStatus is the terminal status of a callback resolution.
type CallbackStatus string

const (
	CallbackSuccess CallbackStatus = "success"
	CallbackError   CallbackStatus = "error"
)

// CallbackOutcome is the single result produced by a CallbackResolver.
type CallbackOutcome struct {
	Status  CallbackStatus
	Message string
	User    *UserProfile
	// CleanURL is set when redirect parameters were stripped from the URL
	// and the caller should replace the location with it.
	CleanURL *url.URL
	// Path names the rule that resolved the callback.
	Path string
	Err  error
}

// Resolution paths reported in CallbackOutcome.Path.
const (
	PathExistingSession = "existing_session"
	PathSessionConflict = "session_conflict"
	PathProviderError   = "provider_error"
	PathSignedIn        = "signed_in"
	PathSessionPoll     = "session_poll"
	PathSignedOut       = "signed_out"
	PathExchange        = "exchange"
	PathTimeout         = "timeout"
	PathCanceled        = "canceled"
)

const (
	msgCallbackSignedOut = "You were signed out while completing sign-in. Please try again."
	msgCallbackSuccess   = "Signed in successfully."
)

// CallbackOption customizes a CallbackResolver.
type CallbackOption func(*CallbackResolver)

// WithSettleDelay sets the wait between observing a session and loading the
// user record.
func WithSettleDelay(d time.Duration) CallbackOption {
	return func(r *CallbackResolver) {
		if d >= 0 {
			r.settle = d
		}
	}
}

// WithCallbackTimeout sets the overall deadline.
func WithCallbackTimeout(d time.Duration) CallbackOption {
	return func(r *CallbackResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPollInterval sets how often the provider session is polled.
func WithPollInterval(d time.Duration) CallbackOption {
	return func(r *CallbackResolver) {
		if d > 0 {
			r.poll = d
		}
	}
}

// CallbackResolver turns one visit to the redirect-back route into exactly
// one terminal outcome. Resolve runs its procedure at most once; later calls
// return the first outcome.
type CallbackResolver struct {
	store    *Store
	provider IdentityProvider
	logger   Logger
	settle   time.Duration
	timeout  time.Duration
	poll     time.Duration

	state   *machine[CallbackState]
	once    sync.Once
	finish  sync.Once
	done    chan struct{}
	outcome CallbackOutcome

	mu          sync.Mutex
	unsubscribe func()
}

// NewCallbackResolver creates a resolver bound to the store's provider and
// loader.
func (s *Store) NewCallbackResolver(opts ...CallbackOption) *CallbackResolver {
	r := &CallbackResolver{
		store:    s,
		provider: s.provider,
		logger:   s.logger,
		settle:   s.settleDelay,
		timeout:  s.callbackTimeout,
		poll:     s.pollInterval,
		state:    newMachine("callback", CallbackIdle, callbackTransitions),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// State returns the current resolver state.
func (r *CallbackResolver) State() CallbackState {
	return r.state.State()
}

// Done is closed once an outcome is available.
func (r *CallbackResolver) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the outcome if resolved.
func (r *CallbackResolver) Outcome() (CallbackOutcome, bool) {
	select {
	case <-r.done:
		return r.outcome, true
	default:
		return CallbackOutcome{}, false
	}
}

// Close releases the provider subscription. An unresolved resolver resolves
// with an error.
func (r *CallbackResolver) Close() {
	r.release()
	r.resolve(CallbackOutcome{
		Status:  CallbackError,
		Message: msgGeneric,
		Path:    PathCanceled,
		Err:     context.Canceled,
	})
}

// Resolve processes the redirect-back URL u and blocks until an outcome is
// available.
func (r *CallbackResolver) Resolve(ctx context.Context, u *url.URL) CallbackOutcome {
	r.once.Do(func() {
		r.run(ctx, u)
	})
	<-r.done
	return r.outcome
}

func (r *CallbackResolver) run(ctx context.Context, u *url.URL) {
	params := ParseRedirectParams(u)

	sess, err := r.liveSession(ctx)
	if err != nil {
		r.logger.Warn("callback session lookup failed", "error", err)
	}

	if sess != nil && !sess.Expired(r.store.now()) {
		out := CallbackOutcome{
			Status:  CallbackSuccess,
			Message: msgCallbackSuccess,
			User:    r.store.GetCurrentUser(),
			Path:    PathExistingSession,
		}
		if params.IsFresh() {
			out.CleanURL = StripRedirectParams(u)
			out.Path = PathSessionConflict
			r.logger.Info("callback with live session, keeping existing session")
		}
		r.resolve(out)
		return
	}

	if params.HasError() {
		r.resolve(CallbackOutcome{
			Status:  CallbackError,
			Message: callbackErrorMessage(params),
			Path:    PathProviderError,
			Err: &ProviderError{
				Operation: "oauth callback",
				Code:      params.ErrorKey(),
				Message:   params.ErrorDescription,
			},
		})
		return
	}

	r.await(ctx, params)
}

// liveSession reads the current session, without a token refresh when the
// provider supports it.
func (r *CallbackResolver) liveSession(ctx context.Context) (*Session, error) {
	if p, ok := r.provider.(SessionPeeker); ok {
		return p.PeekSession(ctx)
	}
	return r.provider.GetSession(ctx)
}

// await waits for the provider to report a session, by event or by polling,
// then settles and loads the user record.
func (r *CallbackResolver) await(parent context.Context, params RedirectParams) {
	if _, err := r.state.Transition(CallbackWaitingForEvent); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	type trigger struct {
		sess *Session
		path string
	}
	triggers := make(chan trigger, 1)
	send := func(t trigger) {
		select {
		case triggers <- t:
		default:
		}
	}

	unsubscribe := r.provider.OnAuthStateChange(func(ev AuthEvent) {
		switch ev.Type {
		case EventSignedIn:
			if ev.Session != nil {
				send(trigger{sess: ev.Session, path: PathSignedIn})
			}
		case EventSignedOut:
			r.resolve(CallbackOutcome{
				Status:  CallbackError,
				Message: msgCallbackSignedOut,
				Path:    PathSignedOut,
				Err:     ErrNoSession,
			})
		}
	})
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()
	defer r.release()

	if params.HasCredential() {
		go func() {
			if err := r.provider.ExchangeRedirect(ctx, params); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("redirect exchange failed", "code", ErrorCode(err), "error", err)
				r.resolve(CallbackOutcome{
					Status:  CallbackError,
					Message: UserMessage(err),
					Path:    PathExchange,
					Err:     err,
				})
			}
		}()
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			r.resolveContext(ctx)
			return
		case t := <-triggers:
			r.settleAndLoad(ctx, t.sess, t.path)
			return
		case <-ticker.C:
			sess, err := r.provider.GetSession(ctx)
			if err != nil {
				r.logger.Debug("callback session poll failed", "error", err)
				continue
			}
			if sess != nil && !sess.Expired(r.store.now()) {
				r.settleAndLoad(ctx, sess, PathSessionPoll)
				return
			}
		}
	}
}

func (r *CallbackResolver) settleAndLoad(ctx context.Context, sess *Session, path string) {
	if _, err := r.state.Transition(CallbackLoading); err != nil {
		return
	}

	if r.settle > 0 {
		timer := time.NewTimer(r.settle)
		select {
		case <-timer.C:
		case <-r.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			r.resolveContext(ctx)
			return
		}
	}

	user, err := r.store.establish(ctx, sess, oauthMethod(sess))
	if err != nil {
		if ctx.Err() != nil {
			r.resolveContext(ctx)
			return
		}
		r.resolve(CallbackOutcome{
			Status:  CallbackError,
			Message: UserMessage(err),
			Path:    path,
			Err:     err,
		})
		return
	}

	r.resolve(CallbackOutcome{
		Status:  CallbackSuccess,
		Message: msgCallbackSuccess,
		User:    user,
		Path:    path,
	})
}

func (r *CallbackResolver) resolveContext(ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err := &TimeoutError{Operation: "oauth callback", After: r.timeout}
		r.resolve(CallbackOutcome{
			Status:  CallbackError,
			Message: UserMessage(err),
			Path:    PathTimeout,
			Err:     err,
		})
		return
	}
	r.resolve(CallbackOutcome{
		Status:  CallbackError,
		Message: msgGeneric,
		Path:    PathCanceled,
		Err:     ctx.Err(),
	})
}

// resolve records the first outcome; later calls are ignored.
func (r *CallbackResolver) resolve(out CallbackOutcome) {
	r.finish.Do(func() {
		if _, err := r.state.Transition(CallbackResolved); err != nil {
			r.logger.Warn("callback state", "error", err)
		}
		r.outcome = out
		r.release()

		r.store.metrics.callback(string(out.Status), out.Path)
		userID := ""
		if out.User != nil {
			userID = out.User.ID
		}
		r.store.record(context.Background(), ActivityEvent{
			EventType: ActivityEventCallbackResolved,
			UserID:    userID,
			Metadata:  map[string]any{"status": string(out.Status), "path": out.Path},
		})
		r.logger.Info("oauth callback resolved", "status", out.Status, "path", out.Path)
		close(r.done)
	})
}

func (r *CallbackResolver) release() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func callbackErrorMessage(p RedirectParams) string {
	if msg, ok := ProviderMessage(p.ErrorKey()); ok {
		return msg
	}
	if msg, ok := ProviderMessage(p.Error); ok {
		return msg
	}
	if p.ErrorDescription != "" {
		return p.ErrorDescription
	}
	return msgGeneric
}

func oauthMethod(sess *Session) string {
	switch sess.User.Provider {
	case string(OAuthGoogle):
		return MethodGoogle
	case string(OAuthDiscord):
		return MethodDiscord
	case "", MethodEmail:
		return MethodEmail
	default:
		return sess.User.Provider
	}
}
