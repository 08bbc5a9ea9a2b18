// Package zkretry wraps a single operation against the current session with a
// bounded retry loop. Only connection-loss failures are retried, every other
// failure propagates to the caller unmodified.
package zkretry

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrBudgetExceeded wraps the last observed connection-loss error once the
// retry budget is exhausted.
var ErrBudgetExceeded = errors.New("zkretry: retry budget exceeded")

// IsConnectionLoss reports whether err is a transient transport failure worth
// retrying. Business-logic failures (no node, bad version, no auth, ...) are
// never classified as connection loss.
func IsConnectionLoss(err error) bool {
	return errors.Is(err, zk.ErrConnectionClosed) ||
		errors.Is(err, zk.ErrClosing) ||
		errors.Is(err, zk.ErrNoServer)
}

// Executor retries operations over a time window at least as long as the
// session timeout, so that a transient outage shorter than the session's
// lifetime is invisible to callers.
type Executor struct {
	budget     time.Duration
	clock      clockwork.Clock
	isClosed   func() bool
	logger     *zap.SugaredLogger
	newBackoff func() *backoff.ExponentialBackOff
}

type Option func(e *Executor)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Executor) {
		e.clock = clock
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		e.logger = logger.Sugar().Named("zk-retry")
	}
}

// WithBackoff replaces the backoff construction. The executor caps the
// produced backoff's elapsed time with its budget.
func WithBackoff(factory func() *backoff.ExponentialBackOff) Option {
	return func(e *Executor) {
		e.newBackoff = factory
	}
}

// NewExecutor creates an executor with the given retry budget. The isClosed
// predicate aborts retries early: it must report true once the client is
// closed or the session is judged expired.
func NewExecutor(budget time.Duration, isClosed func() bool, opts ...Option) *Executor {
	e := &Executor{
		budget:     budget,
		clock:      clockwork.NewRealClock(),
		isClosed:   isClosed,
		logger:     zap.NewNop().Sugar(),
		newBackoff: defaultBackoff,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Budget returns the retry time window.
func (e *Executor) Budget() time.Duration {
	return e.budget
}

// Retry runs op, retrying connection-loss failures until success, the budget
// runs out, or the liveness predicate reports closed. A closed client aborts
// immediately with the original error. Any non-transport failure returns
// without retry.
func (e *Executor) Retry(op func() error) error {
	b := e.newBackoff()
	b.MaxElapsedTime = e.budget
	b.Clock = e.clock
	b.Reset()
	attempt := 0
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !IsConnectionLoss(err) {
			return err
		}
		if e.isClosed != nil && e.isClosed() {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%w (%s): %w", ErrBudgetExceeded, e.budget, err)
		}
		attempt++
		e.logger.Debugf("connection loss, retrying in %s (attempt %d): %s", delay, attempt, err)
		e.clock.Sleep(delay)
	}
}

// RetryValue is Retry for operations returning a value.
func RetryValue[T any](e *Executor, op func() (T, error)) (T, error) {
	var result T
	err := e.Retry(func() error {
		var opErr error
		result, opErr = op()
		return opErr
	})
	return result, err
}

func defaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.Reset()
	return b
}
