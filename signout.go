package auth

import (
	"context"

	"github.com/vanguardgg/go-auth-client/storage"
)

// SignOut ends the session and clears every persisted artifact. It always
// succeeds: teardown errors are logged and the store still ends up signed
// out. The signed-out state is published last: loads that were in flight
// when SignOut started, or that start before it returns, never overwrite it.
func (s *Store) SignOut(ctx context.Context) (res Result) {
	s.mu.Lock()
	s.epoch++
	s.teardowns++
	prev := s.state.User
	s.mu.Unlock()

	prevID := ""
	if prev != nil {
		prevID = prev.ID
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sign-out teardown panicked", "panic", r)
		}
		s.loader.Clear()
		s.trials.Clear()
		s.publishSignedOut(true)
		res = Result{Success: true}
	}()

	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Warn("provider sign-out failed", "error", err)
	}

	s.loader.Invalidate(prevID)
	s.clearPersisted(ctx)

	s.record(ctx, ActivityEvent{EventType: ActivityEventSignOut, UserID: prevID})
	s.logger.Info("signed out", "session_id", prevID)
	return res
}

func (s *Store) clearPersisted(ctx context.Context) {
	prefixes := []string{AppKeyPrefix}
	if s.providerKeyPrefix != "" {
		prefixes = append(prefixes, s.providerKeyPrefix)
	}

	n, err := storage.DeletePrefix(ctx, s.local, prefixes...)
	if err != nil {
		s.logger.Warn("failed to clear local storage", "error", err)
	}
	s.logger.Debug("cleared local storage", "keys", n)

	if err := s.session.Clear(ctx); err != nil {
		s.logger.Warn("failed to clear session storage", "error", err)
	}
}
