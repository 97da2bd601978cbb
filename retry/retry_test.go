package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ErrMock = errors.New("mock error")

func TestExecutor_Do_succeedsFirstAttempt(t *testing.T) {
	attempts := 0
	e := NewExecutor(3, time.Millisecond, nil)

	err := e.Do(context.Background(), "op", func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecutor_Do_succeedsAfterRetries(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	notify := func(_ string, _ error, delay time.Duration) {
		delays = append(delays, delay)
	}
	e := NewExecutor(3, 10*time.Millisecond, notify)

	err := e.Do(context.Background(), "op", func() error {
		attempts++
		if attempts < 3 {
			return ErrMock
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// exponential without jitter: base, then double
	require.Len(t, delays, 2)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
}

func TestExecutor_newPolicy_keepsDoublingBeyondOneMinute(t *testing.T) {
	e := NewExecutor(4, time.Minute, nil)

	policy := e.newPolicy()
	policy.Reset()

	// 2^i * baseDelay with no interval cap
	assert.Equal(t, 1*time.Minute, policy.NextBackOff())
	assert.Equal(t, 2*time.Minute, policy.NextBackOff())
	assert.Equal(t, 4*time.Minute, policy.NextBackOff())
}

func TestExecutor_Do_exhaustsAttemptsAndReturnsLastError(t *testing.T) {
	attempts := 0
	e := NewExecutor(3, time.Millisecond, nil)

	err := e.Do(context.Background(), "op", func() error {
		attempts++
		return errors.Wrap(ErrMock, "calling collaborator")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrMock)
}

func TestExecutor_Do_permanentErrorStopsImmediately(t *testing.T) {
	attempts := 0
	e := NewExecutor(5, time.Millisecond, nil)

	err := e.Do(context.Background(), "op", func() error {
		attempts++
		return Permanent(ErrMock)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	// the original error surfaces, not the permanent wrapper
	assert.Equal(t, ErrMock, err)
}

func TestExecutor_Do_canceledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	e := NewExecutor(5, time.Minute, nil)

	err := e.Do(ctx, "op", func() error {
		attempts++
		return ErrMock
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecutor_Do_notifyReceivesLabelAndError(t *testing.T) {
	var labels []string
	var errs []error
	notify := func(label string, err error, _ time.Duration) {
		labels = append(labels, label)
		errs = append(errs, err)
	}
	e := NewExecutor(2, time.Millisecond, notify)

	_ = e.Do(context.Background(), "query logs", func() error {
		return ErrMock
	})

	require.Len(t, labels, 1)
	assert.Equal(t, "query logs", labels[0])
	assert.ErrorIs(t, errs[0], ErrMock)
}
