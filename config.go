package zkclient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gaeljw/zkclient/zkacl"
	"github.com/gaeljw/zkclient/zkconn"
)

const (
	DefaultSessionTimeout = 30 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	// DefaultBatchTimeout is the base wall-clock bound for MkDirs; the
	// effective deadline additionally scales with the work-list size.
	DefaultBatchTimeout        = 15 * time.Second
	DefaultBatchTimeoutPerNode = 10 * time.Millisecond
)

// Config carries the plain values of the client's configuration surface.
// Pluggable parts (strategy, providers, logger, clock) are supplied through
// Options.
type Config struct {
	Servers        []string      `validate:"required,min=1,dive,required"`
	SessionTimeout time.Duration `validate:"required"`
	ConnectTimeout time.Duration `validate:"required"`

	// RetryBudget is the time window during which connection-loss failures
	// are retried. Zero means the session timeout. It must not be shorter
	// than the session timeout: the session can survive an outage of that
	// length, so callers should too.
	RetryBudget time.Duration

	// AtomicUpdateMaxAttempts caps the CAS loop in AtomicUpdate.
	// Zero means unbounded.
	AtomicUpdateMaxAttempts int

	BatchTimeout        time.Duration `validate:"required"`
	BatchTimeoutPerNode time.Duration

	// Shared watch-callback pool dimensions.
	WatchWorkers   int
	WatchQueueSize int
}

func NewConfig(servers ...string) Config {
	return Config{
		Servers:             servers,
		SessionTimeout:      DefaultSessionTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
		BatchTimeout:        DefaultBatchTimeout,
		BatchTimeoutPerNode: DefaultBatchTimeoutPerNode,
	}
}

func (c *Config) Normalize() {
	servers := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	c.Servers = servers
	if c.RetryBudget == 0 {
		c.RetryBudget = c.SessionTimeout
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.RetryBudget < c.SessionTimeout {
		return errors.New("invalid configuration: retry budget must be at least the session timeout")
	}
	return nil
}

type options struct {
	logger        *zap.Logger
	clock         clockwork.Clock
	strategy      zkconn.Strategy
	aclProvider   zkacl.Provider
	credProvider  zkacl.CredentialsProvider
	isClosedFn    func() bool
	onReconnect   []func()
	atomicBackoff func() *backoff.ExponentialBackOff
	retryBackoff  func() *backoff.ExponentialBackOff
}

// Option configures the pluggable parts of the client.
type Option func(o *options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithStrategy replaces how sessions are established.
func WithStrategy(strategy zkconn.Strategy) Option {
	return func(o *options) {
		o.strategy = strategy
	}
}

// WithACLProvider sets the ACL list attached to nodes created by the client.
func WithACLProvider(p zkacl.Provider) Option {
	return func(o *options) {
		o.aclProvider = p
	}
}

// WithCredentialsProvider sets the credentials added to every session,
// including replacement sessions after expiry.
func WithCredentialsProvider(p zkacl.CredentialsProvider) Option {
	return func(o *options) {
		o.credProvider = p
	}
}

// WithIsClosed supplies a higher-level liveness predicate. When it reports
// true the client behaves as closed without Close having been called.
func WithIsClosed(fn func() bool) Option {
	return func(o *options) {
		o.isClosedFn = fn
	}
}

// WithOnReconnect registers a callback invoked after a replacement session
// is installed.
func WithOnReconnect(fn func()) Option {
	return func(o *options) {
		o.onReconnect = append(o.onReconnect, fn)
	}
}

// WithAtomicUpdateBackoff replaces the backoff between AtomicUpdate rounds.
func WithAtomicUpdateBackoff(factory func() *backoff.ExponentialBackOff) Option {
	return func(o *options) {
		o.atomicBackoff = factory
	}
}

// WithRetryBackoff replaces the backoff between connection-loss retries.
func WithRetryBackoff(factory func() *backoff.ExponentialBackOff) Option {
	return func(o *options) {
		o.retryBackoff = factory
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:        zap.NewNop(),
		clock:         clockwork.NewRealClock(),
		strategy:      zkconn.DefaultStrategy{},
		aclProvider:   zkacl.WorldProvider{},
		credProvider:  zkacl.NoCredentialsProvider{},
		atomicBackoff: defaultAtomicBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func defaultAtomicBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.5
	b.InitialInterval = 5 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0 // contention is resolved by retry, not by giving up
	b.Reset()
	return b
}
