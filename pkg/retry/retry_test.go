package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
}

func TestConfig_Delay(t *testing.T) {
	cfg := &Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 800*time.Millisecond, cfg.Delay(3))
	assert.Equal(t, time.Second, cfg.Delay(10))
}

func TestDo(t *testing.T) {
	t.Run("success first try", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("success after retries", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(), func() error {
			calls++
			if calls < 3 {
				return errors.New("boom")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		want := errors.New("still failing")
		err := Do(context.Background(), fastConfig(), func() error {
			calls++
			return want
		})
		assert.ErrorIs(t, err, want)
		assert.Equal(t, 4, calls)
	})

	t.Run("context cancelled during wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := &Config{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}
		calls := 0
		err := Do(ctx, cfg, func() error {
			calls++
			cancel()
			return errors.New("fail")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

type flaggedError struct{ retry bool }

func (e flaggedError) Error() string     { return "flagged" }
func (e flaggedError) IsRetryable() bool { return e.retry }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"http 503", errors.New("fetch https://api.example.com: HTTP 503"), true},
		{"sqlite busy", errors.New("database is locked"), true},
		{"syntax error", errors.New(`syntax error at or near "FROM"`), false},
		{"not found", errors.New("HTTP 404"), false},
		{"explicit retryable", flaggedError{retry: true}, true},
		{"explicit permanent", flaggedError{retry: false}, false},
		{"wrapped explicit", fmt.Errorf("fetch: %w", flaggedError{retry: true}), true},
		{"permanent overrides message", Permanent(errors.New("timeout talking to host")), false},
		{"cancelled", fmt.Errorf("fetch: %w", context.Canceled), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestDoIfRetryable(t *testing.T) {
	t.Run("retries transient", func(t *testing.T) {
		calls := 0
		err := DoIfRetryable(context.Background(), fastConfig(), func() error {
			calls++
			if calls < 3 {
				return errors.New("HTTP 503")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent returns immediately", func(t *testing.T) {
		calls := 0
		want := errors.New("authentication failed")
		err := DoIfRetryable(context.Background(), fastConfig(), func() error {
			calls++
			return want
		})
		assert.Equal(t, want, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("same error type escalates", func(t *testing.T) {
		cfg := fastConfig()
		cfg.MaxRetries = 10
		cfg.MaxSameErrorType = 3
		calls := 0
		err := DoIfRetryable(context.Background(), cfg, func() error {
			calls++
			return errors.New("i/o timeout")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "repeated error")
		assert.Equal(t, 3, calls)
	})
}
