package auth

import "context"

var userCtxKey = &contextKey{"user"}

type contextKey struct {
	name string
}

// WithContext stores the profile in ctx.
func WithContext(ctx context.Context, user *UserProfile) context.Context {
	return context.WithValue(ctx, userCtxKey, user)
}

// FromContext returns the profile stored by WithContext.
func FromContext(ctx context.Context) (*UserProfile, bool) {
	raw, ok := ctx.Value(userCtxKey).(*UserProfile)
	return raw, ok && raw != nil
}
