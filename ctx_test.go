package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	auth "github.com/vanguardgg/go-auth-client"
)

func TestUserContext(t *testing.T) {
	_, ok := auth.FromContext(context.Background())
	assert.False(t, ok)

	user := &auth.UserProfile{ID: "u-1"}
	got, ok := auth.FromContext(auth.WithContext(context.Background(), user))
	assert.True(t, ok)
	assert.Same(t, user, got)

	_, ok = auth.FromContext(auth.WithContext(context.Background(), nil))
	assert.False(t, ok)
}
