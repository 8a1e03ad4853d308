package auth

import (
	"context"
	"errors"
	"time"

	"github.com/vanguardgg/go-auth-client/cache"
	"golang.org/x/sync/singleflight"
)

// Loader resolves a session identifier to a UserProfile. Reads are cache
// first and concurrent loads for the same identifier share one fetch.
type Loader struct {
	backend  UserBackend
	provider IdentityProvider
	cache    *cache.TTL[*UserProfile]
	ttl      time.Duration
	inflight singleflight.Group
	logger   Logger
	metrics  *Metrics
	activity ActivitySink
	now      func() time.Time
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the loader logger.
func WithLoaderLogger(logger Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoaderMetrics sets the metrics sink.
func WithLoaderMetrics(m *Metrics) LoaderOption {
	return func(l *Loader) {
		l.metrics = m
	}
}

// WithLoaderCacheTTL sets how long loaded profiles stay cached. Zero keeps
// them until invalidated.
func WithLoaderCacheTTL(ttl time.Duration) LoaderOption {
	return func(l *Loader) {
		l.ttl = ttl
	}
}

// WithLoaderClock injects a clock for the profile cache.
func WithLoaderClock(clock func() time.Time) LoaderOption {
	return func(l *Loader) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithLoaderActivitySink sets the sink notified when a record is provisioned.
func WithLoaderActivitySink(sink ActivitySink) LoaderOption {
	return func(l *Loader) {
		l.activity = normalizeActivitySink(sink)
	}
}

// NewLoader creates a Loader reading from backend. provider supplies the
// session payload used to provision missing records.
func NewLoader(backend UserBackend, provider IdentityProvider, opts ...LoaderOption) *Loader {
	l := &Loader{
		backend:  backend,
		provider: provider,
		logger:   defLogger{},
		activity: noopActivitySink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.cache = cache.New[*UserProfile](cache.WithClock(l.now))
	return l
}

// Load returns the profile for sessionID. Errors are *LoadError.
//
// A load that has started runs to completion even if ctx is canceled, so
// every caller waiting on it sees the same result.
func (l *Loader) Load(ctx context.Context, sessionID string) (*UserProfile, error) {
	if sessionID == "" {
		return nil, &LoadError{Stage: StageValidate, Err: ErrNoSession}
	}

	if p, ok := l.cache.Get(userCacheKey(sessionID)); ok {
		l.metrics.cacheLookup(true)
		return p.Clone(), nil
	}
	l.metrics.cacheLookup(false)

	detached := context.WithoutCancel(ctx)
	ch := l.inflight.DoChan(sessionID, func() (any, error) {
		if p, ok := l.cache.Get(userCacheKey(sessionID)); ok {
			return p, nil
		}
		return l.fetch(detached, sessionID, true)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			l.logger.Debug("user load shared in-flight fetch", "session_id", sessionID)
		}
		return res.Val.(*UserProfile).Clone(), nil
	case <-ctx.Done():
		return nil, &LoadError{SessionID: sessionID, Stage: StageFallback, Err: ctx.Err()}
	}
}

// Cached returns the cached profile without touching the backend.
func (l *Loader) Cached(sessionID string) (*UserProfile, bool) {
	p, ok := l.cache.Get(userCacheKey(sessionID))
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Invalidate drops the cached profile for sessionID.
func (l *Loader) Invalidate(sessionID string) {
	l.cache.Delete(userCacheKey(sessionID))
}

// Clear drops every cached profile.
func (l *Loader) Clear() {
	l.cache.Clear()
}

func (l *Loader) fetch(ctx context.Context, sessionID string, allowProvision bool) (*UserProfile, error) {
	row, err := l.backend.GetCompleteUserData(ctx, sessionID)
	if err != nil {
		l.metrics.load("aggregate", outcomeOf(err))
		l.logger.Warn("aggregate user query failed, trying users table",
			"session_id", sessionID, "error", err)

		row, err = l.backend.GetUserRow(ctx, sessionID)
		l.metrics.load("table", outcomeOf(err))
	} else {
		l.metrics.load("aggregate", "ok")
	}

	switch {
	case errors.Is(err, ErrRecordNotFound):
		if !allowProvision {
			return nil, &LoadError{SessionID: sessionID, Stage: StageReload, Err: err}
		}
		if err := l.provision(ctx, sessionID); err != nil {
			return nil, err
		}
		return l.fetch(ctx, sessionID, false)
	case err != nil:
		return nil, &LoadError{SessionID: sessionID, Stage: StageFallback, Err: err}
	case row == nil:
		return nil, &LoadError{SessionID: sessionID, Stage: StageFallback, Err: ErrRecordNotFound}
	}

	profile := NewUserProfile(row)
	l.cache.Set(userCacheKey(sessionID), profile, l.ttl)
	return profile, nil
}

// provision creates the record from the current provider session. A
// duplicate on the identity key means another caller got there first.
func (l *Loader) provision(ctx context.Context, sessionID string) error {
	sess, err := l.provider.GetSession(ctx)
	if err != nil {
		return &LoadError{SessionID: sessionID, Stage: StageProvision, Err: err}
	}
	if sess == nil || sess.ID() != sessionID {
		return &LoadError{SessionID: sessionID, Stage: StageProvision, Err: ErrNoSession}
	}

	record := NewUserRecordFromSession(sess)
	if err := l.backend.CreateUserRecord(ctx, record); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) && conflict.IsIdentityConflict() {
			l.logger.Info("user record already provisioned", "session_id", sessionID,
				"constraint", conflict.Constraint)
			return nil
		}
		return &LoadError{SessionID: sessionID, Stage: StageProvision, Err: err}
	}

	l.logger.Info("provisioned user record", "session_id", sessionID, "provider", record.Provider)
	if err := l.activity.Record(ctx, ActivityEvent{
		EventType:  ActivityEventUserProvisioned,
		UserID:     sessionID,
		Method:     record.Provider,
		OccurredAt: l.now(),
	}); err != nil {
		l.logger.Warn("activity sink failed", "event", ActivityEventUserProvisioned, "error", err)
	}
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRecordNotFound):
		return "not_found"
	default:
		return "error"
	}
}
