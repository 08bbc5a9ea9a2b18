// Package zkclient is a resilient facade over a ZooKeeper-style coordination
// service. It owns the session life-cycle, retries operations transparently
// across transient connection loss, and dispatches watch callbacks off the
// service's own event goroutine.
package zkclient

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gaeljw/zkclient/zkacl"
	"github.com/gaeljw/zkclient/zkconn"
	"github.com/gaeljw/zkclient/zkretry"
	"github.com/gaeljw/zkclient/zkwatch"
)

// Client is the coordination-service facade. All methods are safe for
// concurrent use. Operations are synchronous: with retryOnConnLoss they block
// for up to the retry budget across transient outages.
type Client struct {
	cfg        Config
	logger     *zap.SugaredLogger
	clock      clockwork.Clock
	dispatcher *zkwatch.Dispatcher
	manager    *zkconn.Manager
	executor   *zkretry.Executor

	credProvider  zkacl.CredentialsProvider
	aclProvider   atomic.Pointer[aclProviderRef]
	isClosedFn    atomic.Pointer[livenessRef]
	atomicBackoff func() *backoff.ExponentialBackOff

	closed atomic.Bool
}

// Boxes keep the atomically swapped values at a fixed concrete type.
type aclProviderRef struct{ p zkacl.Provider }

type livenessRef struct{ fn func() bool }

// New connects to the service and blocks until the session is established or
// the connect timeout elapses.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	c := &Client{
		cfg:           cfg,
		logger:        o.logger.Sugar().Named("zk-client"),
		clock:         o.clock,
		credProvider:  o.credProvider,
		atomicBackoff: o.atomicBackoff,
	}
	c.aclProvider.Store(&aclProviderRef{p: o.aclProvider})
	if o.isClosedFn != nil {
		c.isClosedFn.Store(&livenessRef{fn: o.isClosedFn})
	}

	c.dispatcher = zkwatch.NewDispatcher(o.logger, zkwatch.Config{
		Workers:   cfg.WatchWorkers,
		QueueSize: cfg.WatchQueueSize,
	})

	settings := zkconn.Settings{
		Servers:        cfg.Servers,
		SessionTimeout: cfg.SessionTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         o.logger,
	}
	c.manager = zkconn.NewManager(settings, o.strategy, c.dispatcher,
		zkconn.WithLogger(o.logger),
		zkconn.WithClock(o.clock),
		zkconn.WithIsClosed(c.IsClosed),
		zkconn.WithSessionHook(c.addCredentials),
	)
	for _, fn := range o.onReconnect {
		c.manager.OnReconnect(fn)
	}

	retryOpts := []zkretry.Option{zkretry.WithClock(o.clock), zkretry.WithLogger(o.logger)}
	if o.retryBackoff != nil {
		retryOpts = append(retryOpts, zkretry.WithBackoff(o.retryBackoff))
	}
	c.executor = zkretry.NewExecutor(cfg.RetryBudget, func() bool {
		return c.IsClosed() || c.manager.IsLikelyExpired()
	}, retryOpts...)

	startTime := o.clock.Now()
	c.logger.Infof("connecting to zookeeper %v, sessionTimeout=%s, connectTimeout=%s",
		cfg.Servers, cfg.SessionTimeout, cfg.ConnectTimeout)
	if err := c.manager.Start(ctx); err != nil {
		c.dispatcher.Close()
		return nil, err
	}
	if err := c.manager.WaitForConnected(cfg.ConnectTimeout); err != nil {
		c.Close()
		return nil, err
	}
	c.logger.Infof("connected to zookeeper %v | %s", cfg.Servers, o.clock.Since(startTime))
	return c, nil
}

func (c *Client) addCredentials(sess zkconn.Session) error {
	for _, cred := range c.credProvider.Credentials() {
		if err := sess.AddAuth(cred.Scheme, cred.Auth); err != nil {
			return fmt.Errorf("cannot add %s credentials: %w", cred.Scheme, err)
		}
	}
	return nil
}

// run executes op either directly or through the retry executor.
func (c *Client) run(retryOnConnLoss bool, op func() error) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if retryOnConnLoss {
		return c.executor.Retry(op)
	}
	return op()
}

func (c *Client) checkOpen() error {
	if c.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (c *Client) session() zkconn.Session {
	return c.manager.Current()
}

// Exists returns whether the node exists and its stat. A non-nil watcher is
// left on the path and fires once on create, delete or data change.
func (c *Client) Exists(path string, watcher zkwatch.Watcher, retryOnConnLoss bool) (exists bool, stat *zk.Stat, err error) {
	err = c.run(retryOnConnLoss, func() error {
		sess := c.session()
		if watcher == nil {
			var opErr error
			exists, stat, opErr = sess.Exists(path)
			return opErr
		}
		var ch <-chan zk.Event
		var opErr error
		exists, stat, ch, opErr = sess.ExistsW(path)
		if opErr != nil {
			return opErr
		}
		c.dispatcher.Arm(path, watcher, ch)
		return nil
	})
	return exists, stat, err
}

// GetData returns the node's payload and stat. A non-nil watcher fires once
// on the next data change or delete.
func (c *Client) GetData(path string, watcher zkwatch.Watcher, retryOnConnLoss bool) (data []byte, stat *zk.Stat, err error) {
	err = c.run(retryOnConnLoss, func() error {
		sess := c.session()
		if watcher == nil {
			var opErr error
			data, stat, opErr = sess.Get(path)
			return opErr
		}
		var ch <-chan zk.Event
		var opErr error
		data, stat, ch, opErr = sess.GetW(path)
		if opErr != nil {
			return opErr
		}
		c.dispatcher.Arm(path, watcher, ch)
		return nil
	})
	return data, stat, err
}

// GetChildren returns the names of the node's children. A non-nil watcher
// fires once when the child set changes.
func (c *Client) GetChildren(path string, watcher zkwatch.Watcher, retryOnConnLoss bool) (children []string, err error) {
	err = c.run(retryOnConnLoss, func() error {
		sess := c.session()
		if watcher == nil {
			var opErr error
			children, _, opErr = sess.Children(path)
			return opErr
		}
		var ch <-chan zk.Event
		var opErr error
		children, _, ch, opErr = sess.ChildrenW(path)
		if opErr != nil {
			return opErr
		}
		c.dispatcher.Arm(path, watcher, ch)
		return nil
	})
	return children, err
}

// SetData writes the payload if the expected version matches the node's
// current version; -1 skips the version check. Returns zk.ErrBadVersion on a
// stale version.
func (c *Client) SetData(path string, data []byte, version int32, retryOnConnLoss bool) (stat *zk.Stat, err error) {
	err = c.run(retryOnConnLoss, func() error {
		var opErr error
		stat, opErr = c.session().Set(path, data, version)
		return opErr
	})
	return stat, err
}

// Create creates a node with the mode's flags and the ACL provider's current
// list, returning the created path (which differs from the requested one for
// sequential nodes).
func (c *Client) Create(path string, data []byte, flags int32, retryOnConnLoss bool) (created string, err error) {
	err = c.run(retryOnConnLoss, func() error {
		var opErr error
		created, opErr = c.session().Create(path, data, flags, c.ACLProvider().ACLsFor(path))
		return opErr
	})
	return created, err
}

// Delete removes the node if the expected version matches; -1 skips the
// version check.
func (c *Client) Delete(path string, version int32, retryOnConnLoss bool) error {
	return c.run(retryOnConnLoss, func() error {
		return c.session().Delete(path, version)
	})
}

// GetACL returns the node's ACL list and stat.
func (c *Client) GetACL(path string, retryOnConnLoss bool) (acls []zk.ACL, stat *zk.Stat, err error) {
	err = c.run(retryOnConnLoss, func() error {
		var opErr error
		acls, stat, opErr = c.session().GetACL(path)
		return opErr
	})
	return acls, stat, err
}

// SetACL replaces the node's ACL list.
func (c *Client) SetACL(path string, acls []zk.ACL, retryOnConnLoss bool) (stat *zk.Stat, err error) {
	err = c.run(retryOnConnLoss, func() error {
		var opErr error
		stat, opErr = c.session().SetACL(path, acls, -1)
		return opErr
	})
	return stat, err
}

// ACLProvider returns the current ACL provider.
func (c *Client) ACLProvider() zkacl.Provider {
	return c.aclProvider.Load().p
}

// SetACLProvider replaces the ACL provider. Last writer wins; operations
// already in flight keep the provider they resolved.
func (c *Client) SetACLProvider(p zkacl.Provider) {
	c.aclProvider.Store(&aclProviderRef{p: p})
}

// SetIsClosed installs a higher-level liveness predicate, letting an owning
// component force this client to report closed without calling Close.
func (c *Client) SetIsClosed(fn func() bool) {
	c.isClosedFn.Store(&livenessRef{fn: fn})
}

// OnReconnect registers a callback invoked after a replacement session is
// installed.
func (c *Client) OnReconnect(fn func()) {
	c.manager.OnReconnect(fn)
}

// IsConnected reports whether the session is currently connected.
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// IsClosed reports whether Close was called or the external liveness
// predicate reports closed.
func (c *Client) IsClosed() bool {
	if c.closed.Load() {
		return true
	}
	if ref := c.isClosedFn.Load(); ref != nil && ref.fn() {
		return true
	}
	return false
}

// Server returns the configured server address list as one string.
func (c *Client) Server() string {
	return strings.Join(c.cfg.Servers, ",")
}

// SessionTimeout returns the configured session timeout.
func (c *Client) SessionTimeout() time.Duration {
	return c.cfg.SessionTimeout
}

// Close releases the client: both watch-dispatch executors shut down
// immediately, discarding undelivered events, and the session is closed.
// Idempotent and never fails.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.logger.Infof("closing zookeeper client")
	c.dispatcher.Close()
	c.manager.Close()
}
