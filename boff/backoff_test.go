package boff

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	n, err := Retry(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	}, "flaky", fast)

	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsAfterMaxTries(t *testing.T) {
	calls := 0
	err := RetryNoReturn(context.Background(), func() error {
		calls++
		return errors.New("down")
	}, "down", fast)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, 3, calls)
}

func TestRetryPermanent(t *testing.T) {
	calls := 0
	cause := errors.New("invalid")
	err := RetryNoReturn(context.Background(), func() error {
		calls++
		return Permanent(cause)
	}, "invalid", fast)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryNoReturn(ctx, func() error {
		calls++
		cancel()
		return errors.New("unreachable")
	}, "cancelled", Policy{InitialInterval: time.Second})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
