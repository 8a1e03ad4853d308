package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	auth "github.com/vanguardgg/go-auth-client"
)

type logCall struct {
	level   string
	message string
	args    []any
}

type captureLogger struct {
	mu    sync.Mutex
	calls []logCall
}

func (l *captureLogger) record(level, message string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, logCall{level: level, message: message, args: args})
}

func (l *captureLogger) Debug(message string, args ...any) { l.record("debug", message, args...) }
func (l *captureLogger) Info(message string, args ...any)  { l.record("info", message, args...) }
func (l *captureLogger) Warn(message string, args ...any)  { l.record("warn", message, args...) }
func (l *captureLogger) Error(message string, args ...any) { l.record("error", message, args...) }

func (l *captureLogger) find(message string) (logCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.calls {
		if c.message == message {
			return c, true
		}
	}
	return logCall{}, false
}

func TestNewLoggerChildren(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			base := auth.NewLogger(format, "error")
			require.NotNil(t, base)

			var logger auth.Logger = base.GetLogger("auth")
			require.NotNil(t, logger)
			assert.NotPanics(t, func() {
				logger.Debug("hidden", "session_id", "u-1")
				logger.Error("sign-in failed", "error", auth.RichError(&auth.RateLimitError{Action: "email_signin"}))
			})
		})
	}
}

func TestStoreLogsKeyValuePairs(t *testing.T) {
	logger := &captureLogger{}
	f := newStoreFixture(t, auth.WithLogger(logger))
	f.provider.On("SignInWithOAuth", mock.Anything, mock.Anything).
		Return(&auth.OAuthRedirect{URL: "https://x"}, nil)

	for range 10 {
		require.True(t, f.store.SignInWithDiscord(context.Background()).Success)
	}
	require.False(t, f.store.SignInWithDiscord(context.Background()).Success)

	call, ok := logger.find("rate limited")
	require.True(t, ok)
	assert.Equal(t, "warn", call.level)
	require.Len(t, call.args, 4)
	assert.Equal(t, "action", call.args[0])
	assert.Equal(t, "retry_after", call.args[2])
	assert.IsType(t, time.Duration(0), call.args[3])
}
