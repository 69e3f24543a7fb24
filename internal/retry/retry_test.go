package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flaggedError struct{ retryable bool }

func (e flaggedError) Error() string     { return "flagged" }
func (e flaggedError) IsRetryable() bool { return e.retryable }

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2,
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"flagged retryable", flaggedError{true}, true},
		{"flagged permanent", flaggedError{false}, false},
		{"rate limit text", errors.New("Max rate limit reached"), true},
		{"io timeout", errors.New("read tcp: i/o timeout"), true},
		{"http 429", errors.New("429 Too Many Requests"), true},
		{"plain", errors.New("invalid argument"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableError(tt.err))
		})
	}
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	r := NewRetrier(fastConfig(3), logrus.New())

	calls := 0
	err := r.Execute(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_StopsOnPermanentError(t *testing.T) {
	r := NewRetrier(fastConfig(5), logrus.New())

	calls := 0
	err := r.Execute(context.Background(), "test", func() error {
		calls++
		return errors.New("invalid argument")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	r := NewRetrier(fastConfig(2), logrus.New())

	calls := 0
	err := r.Execute(context.Background(), "test", func() error {
		calls++
		return flaggedError{true}
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorAs(t, err, new(flaggedError))
}

func TestExecute_ContextCancelled(t *testing.T) {
	r := NewRetrier(fastConfig(5), logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Execute(ctx, "test", func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_ReturnsValue(t *testing.T) {
	r := NewRetrier(fastConfig(3), logrus.New())

	calls := 0
	v, err := Do(context.Background(), r, "test", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("service unavailable")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCalculateDelay_Capped(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		MaxAttempts:     10,
		InitialInterval: time.Second,
		MaxInterval:     3 * time.Second,
		BackoffFactor:   2,
	}, logrus.New())

	assert.Equal(t, time.Second, r.calculateDelay(1))
	assert.Equal(t, 2*time.Second, r.calculateDelay(2))
	assert.Equal(t, 3*time.Second, r.calculateDelay(5))
}

func TestWithMaxAttempts(t *testing.T) {
	cfg := NetworkRetryConfig.WithMaxAttempts(7)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 3, NetworkRetryConfig.MaxAttempts)
	assert.Equal(t, 3, NetworkRetryConfig.WithMaxAttempts(0).MaxAttempts)
}
