package zkretry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.RandomizationFactor = 0
	b.Multiplier = 1
	b.MaxInterval = time.Millisecond
	b.Reset()
	return b
}

func newFastExecutor(budget time.Duration, isClosed func() bool) *Executor {
	return NewExecutor(budget, isClosed, WithBackoff(fastBackoff))
}

func TestIsConnectionLoss(t *testing.T) {
	t.Parallel()

	assert.True(t, IsConnectionLoss(zk.ErrConnectionClosed))
	assert.True(t, IsConnectionLoss(zk.ErrClosing))
	assert.True(t, IsConnectionLoss(zk.ErrNoServer))
	assert.True(t, IsConnectionLoss(fmt.Errorf("op failed: %w", zk.ErrNoServer)))

	assert.False(t, IsConnectionLoss(nil))
	assert.False(t, IsConnectionLoss(zk.ErrNoNode))
	assert.False(t, IsConnectionLoss(zk.ErrBadVersion))
	assert.False(t, IsConnectionLoss(zk.ErrNoAuth))
	assert.False(t, IsConnectionLoss(zk.ErrSessionExpired))
	assert.False(t, IsConnectionLoss(errors.New("some other failure")))
}

func TestRetrySuccessFirstTry(t *testing.T) {
	t.Parallel()
	e := newFastExecutor(time.Second, nil)

	calls := 0
	err := e.Retry(func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryNonTransportErrorPassesThrough(t *testing.T) {
	t.Parallel()
	e := newFastExecutor(time.Second, nil)

	calls := 0
	err := e.Retry(func() error {
		calls++
		return zk.ErrNoNode
	})
	assert.ErrorIs(t, err, zk.ErrNoNode)
	assert.Equal(t, 1, calls, "business failures are not retried")
}

func TestRetryConnectionLossUntilSuccess(t *testing.T) {
	t.Parallel()
	e := newFastExecutor(10*time.Second, nil)

	calls := 0
	err := e.Retry(func() error {
		calls++
		if calls < 3 {
			return zk.ErrConnectionClosed
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryBudgetExceeded(t *testing.T) {
	t.Parallel()
	e := newFastExecutor(10*time.Millisecond, nil)

	err := e.Retry(func() error {
		return zk.ErrNoServer
	})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.ErrorIs(t, err, zk.ErrNoServer, "the last failure stays inspectable")
}

func TestRetryAbortsWhenClosed(t *testing.T) {
	t.Parallel()

	calls := 0
	e := newFastExecutor(time.Hour, func() bool {
		return calls >= 2
	})

	err := e.Retry(func() error {
		calls++
		return zk.ErrConnectionClosed
	})
	assert.ErrorIs(t, err, zk.ErrConnectionClosed)
	assert.NotErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, 2, calls, "a closed client stops the loop without waiting out the budget")
}

func TestRetryValue(t *testing.T) {
	t.Parallel()
	e := newFastExecutor(10*time.Second, nil)

	calls := 0
	got, err := RetryValue(e, func() (string, error) {
		calls++
		if calls < 2 {
			return "", zk.ErrNoServer
		}
		return "payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestBudget(t *testing.T) {
	t.Parallel()
	e := NewExecutor(45*time.Second, nil)
	assert.Equal(t, 45*time.Second, e.Budget())
}
