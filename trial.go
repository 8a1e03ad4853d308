package auth

import "context"

// TrialStatus returns the signed-in user's trial snapshot. Snapshots are
// cached briefly and dropped on refresh and sign-out.
func (s *Store) TrialStatus(ctx context.Context) (*TrialStatus, error) {
	user := s.GetCurrentUser()
	if user == nil {
		return nil, ErrNotAuthenticated
	}

	key := trialCacheKey(user.ID)
	if ts, ok := s.trials.Get(key); ok {
		return copyTrial(ts), nil
	}

	ts, err := s.backend.GetTrialStatus(ctx, user.ID)
	if err != nil {
		s.logger.Warn("trial status lookup failed", "session_id", user.ID, "error", err)
		return nil, err
	}
	if ts == nil {
		ts = &TrialStatus{}
	}

	s.trials.Set(key, copyTrial(ts), s.trialTTL)
	return copyTrial(ts), nil
}

func copyTrial(ts *TrialStatus) *TrialStatus {
	out := *ts
	if ts.ExpiresAt != nil {
		t := *ts.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
