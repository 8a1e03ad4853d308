package auth

import (
	"context"
	"errors"
)

// UpdateUserProfile writes profileData for sessionID and reloads the record
// when it belongs to the signed-in user.
func (s *Store) UpdateUserProfile(ctx context.Context, sessionID string, profileData map[string]any) Result {
	if sessionID == "" {
		return failure(ErrNotAuthenticated)
	}

	data, err := normalizeProfileData(profileData)
	if err != nil {
		return failure(err)
	}

	if err := s.backend.UpdateUserProfile(ctx, sessionID, data); err != nil {
		s.logger.Error("profile update failed", "session_id", sessionID, "error", err)
		return failure(err)
	}
	s.loader.Invalidate(sessionID)

	current := s.GetCurrentUser()
	if current == nil || current.ID != sessionID {
		return Result{Success: true}
	}

	user, err := s.commitLoad(ctx, sessionID, nil)
	if err != nil {
		s.logger.Warn("reload after profile update failed", "session_id", sessionID, "error", err)
		return failure(err)
	}
	return Result{Success: true, User: user}
}

// CheckEmailProvider reports which sign-in method owns email. Lookups are not
// supported by the identity provider yet, so it only validates the address.
func (s *Store) CheckEmailProvider(_ context.Context, email string) Result {
	if err := validateEmail(email); err != nil {
		return failure(err)
	}
	return Result{Success: true}
}

// RefreshUser drops the cached record for the signed-in user and reloads it.
// The loading flag is not published, so a reload that yields the same record
// does not notify listeners.
func (s *Store) RefreshUser(ctx context.Context) Result {
	current := s.GetCurrentUser()
	if current == nil {
		return failure(ErrNotAuthenticated)
	}

	s.mu.Lock()
	s.advance(PhaseInitializing)
	s.mu.Unlock()

	s.loader.Invalidate(current.ID)
	s.trials.Delete(trialCacheKey(current.ID))

	user, err := s.commitLoad(ctx, current.ID, func(st *AuthState, err error) {
		st.IsLoading = false
		st.Error = UserMessage(err)
	})
	if err != nil {
		if !errors.Is(err, ErrSuperseded) {
			s.mu.Lock()
			s.advance(PhaseAuthenticated)
			s.mu.Unlock()
		}
		s.logger.Warn("user refresh failed", "session_id", current.ID, "error", err)
		return failure(err)
	}

	s.logger.Debug("user refreshed", "session_id", user.ID)
	return Result{Success: true, User: user}
}
