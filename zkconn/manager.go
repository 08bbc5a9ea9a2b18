package zkconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gaeljw/zkclient/zkwatch"
)

// ErrConnectTimeout is returned by WaitForConnected when the session does not
// reach the connected state within the given timeout.
var ErrConnectTimeout = errors.New("zkconn: not connected within timeout")

// ErrClosed is returned by WaitForConnected after the manager is closed.
var ErrClosed = errors.New("zkconn: connection manager is closed")

// Manager owns the session state machine. It processes session watch events
// on the dispatcher's dedicated serial executor, so state transitions are
// strictly ordered, and on terminal session expiry it opens a replacement
// session through the strategy.
type Manager struct {
	logger     *zap.SugaredLogger
	clock      clockwork.Clock
	strategy   Strategy
	settings   Settings
	dispatcher *zkwatch.Dispatcher
	isClosedFn func() bool
	onSession  func(Session) error

	closed   atomic.Bool
	closedCh chan struct{}
	ctx      context.Context

	mu             sync.Mutex
	session        Session
	state          State
	connectedCh    chan struct{}
	disconnectedAt time.Time
	onReconnect    []func()
}

// ManagerOption configures a Manager.
type ManagerOption func(m *Manager)

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.Sugar().Named("zk-conn")
	}
}

func WithClock(clock clockwork.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithIsClosed supplies the owning client's liveness predicate. A closed
// client stops the reconnect loop.
func WithIsClosed(fn func() bool) ManagerOption {
	return func(m *Manager) {
		m.isClosedFn = fn
	}
}

// WithSessionHook runs after every session the strategy establishes, before
// the session is installed. Used to add session credentials.
func WithSessionHook(fn func(Session) error) ManagerOption {
	return func(m *Manager) {
		m.onSession = fn
	}
}

func NewManager(settings Settings, strategy Strategy, dispatcher *zkwatch.Dispatcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:      zap.NewNop().Sugar(),
		clock:       clockwork.NewRealClock(),
		strategy:    strategy,
		settings:    settings,
		dispatcher:  dispatcher,
		state:       StateDisconnected,
		connectedCh: make(chan struct{}),
		closedCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start establishes the initial session. It does not wait for connectivity,
// use WaitForConnected.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx = ctx
	m.setState(StateConnecting)
	sess, events, err := m.strategy.Connect(ctx, m.settings)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("cannot connect to zookeeper: %w", err)
	}
	if err := m.runSessionHook(sess); err != nil {
		sess.Close()
		m.setState(StateDisconnected)
		return err
	}
	m.install(sess)
	go m.pump(sess, events)
	return nil
}

// pump forwards session events from the service's own delivery goroutine to
// the dedicated serial executor, tagged with the session they came from.
// It exits when the session closes.
func (m *Manager) pump(sess Session, events <-chan zk.Event) {
	wrapped := m.dispatcher.WrapSession(&sessionWatcher{m: m, sess: sess})
	for ev := range events {
		wrapped.Process(ev)
	}
}

// process runs on the dedicated serial executor, one event at a time, in
// arrival order.
func (m *Manager) process(sess Session, ev zk.Event) {
	if ev.Type != zk.EventSession || m.closed.Load() {
		return
	}
	if m.Current() != sess {
		// A superseded session keeps draining its channel while shutting
		// down; its events must not touch the state machine.
		return
	}
	switch ev.State {
	case zk.StateConnecting, zk.StateConnected:
		// The session is not confirmed until StateHasSession.
		m.setState(StateConnecting)
	case zk.StateHasSession:
		m.setState(StateConnected)
		m.logger.Infof("connected to zookeeper %v, session id %#x", m.settings.Servers, m.sessionID())
	case zk.StateDisconnected:
		m.logger.Warnf("disconnected from zookeeper %v", m.settings.Servers)
		m.setState(StateDisconnected)
	case zk.StateExpired:
		m.logger.Warnf("zookeeper session expired, opening a new session")
		m.setState(StateExpired)
		m.reconnect()
	case zk.StateAuthFailed:
		m.logger.Errorf("zookeeper authentication failed")
	}
}

// reconnect opens a replacement session. Expiry is terminal for the old
// session, it is never revived; a whole new session is negotiated instead.
func (m *Manager) reconnect() {
	b := newReconnectBackoff(m.clock)
	startTime := m.clock.Now()
	for {
		if m.stopRequested() {
			return
		}
		sess, events, err := m.strategy.Connect(m.ctx, m.settings)
		if err == nil {
			err = m.runSessionHook(sess)
			if err != nil {
				sess.Close()
			}
		}
		if err != nil {
			delay := b.NextBackOff()
			m.logger.Errorf("cannot re-create zookeeper session: %s, next attempt in %s", err, delay)
			select {
			case <-m.ctx.Done():
				return
			case <-m.clock.After(delay):
			}
			continue
		}
		m.install(sess)
		if m.closed.Load() {
			return
		}
		m.setState(StateConnecting)
		go m.pump(sess, events)
		m.logger.Infof("re-created zookeeper session | %s", m.clock.Since(startTime))
		m.fireOnReconnect()
		return
	}
}

// install makes sess the current session. The old session is closed only
// after the new one is in place; if the client closed meanwhile, the new
// session is closed instead of installed.
func (m *Manager) install(sess Session) {
	if m.closed.Load() {
		sess.Close()
		return
	}
	m.mu.Lock()
	old := m.session
	m.session = sess
	m.mu.Unlock()
	if old != nil && old != sess {
		old.Close()
	}
	if m.closed.Load() {
		// Closed between the check and the swap; Close may have missed the
		// freshly installed session.
		sess.Close()
	}
}

func (m *Manager) runSessionHook(sess Session) error {
	if m.onSession == nil {
		return nil
	}
	if err := m.onSession(sess); err != nil {
		return fmt.Errorf("session setup failed: %w", err)
	}
	return nil
}

func (m *Manager) stopRequested() bool {
	if m.closed.Load() {
		return true
	}
	if m.isClosedFn != nil && m.isClosedFn() {
		return true
	}
	return m.ctx.Err() != nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = s
	if s == StateConnected {
		m.disconnectedAt = time.Time{}
		if prev != StateConnected {
			close(m.connectedCh)
		}
	} else {
		if prev == StateConnected {
			m.connectedCh = make(chan struct{})
		}
		if (s == StateDisconnected || s == StateExpired) && m.disconnectedAt.IsZero() {
			m.disconnectedAt = m.clock.Now()
		}
	}
	m.mu.Unlock()
	if prev != s {
		m.logger.Debugf("connection state: %s -> %s", prev, s)
	}
}

// Current returns the current session handle. After a successful Start plus
// WaitForConnected it is never nil.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// IsLikelyExpired reports whether the session is expired or has been
// disconnected for longer than the negotiated session timeout, in which case
// the server has likely given up on it too.
func (m *Manager) IsLikelyExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateExpired, StateClosed:
		return true
	case StateConnected:
		return false
	default:
		return !m.disconnectedAt.IsZero() && m.clock.Since(m.disconnectedAt) > m.settings.SessionTimeout
	}
}

// WaitForConnected blocks until the session is connected or the timeout
// elapses.
func (m *Manager) WaitForConnected(timeout time.Duration) error {
	deadline := m.clock.Now().Add(timeout)
	for {
		m.mu.Lock()
		switch m.state {
		case StateConnected:
			m.mu.Unlock()
			return nil
		case StateClosed:
			m.mu.Unlock()
			return ErrClosed
		}
		ch := m.connectedCh
		m.mu.Unlock()

		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w (%s)", ErrConnectTimeout, timeout)
		}
		select {
		case <-ch:
		case <-m.closedCh:
			return ErrClosed
		case <-m.clock.After(remaining):
			return fmt.Errorf("%w (%s)", ErrConnectTimeout, timeout)
		}
	}
}

// OnReconnect registers a callback invoked after a replacement session is
// installed. Callbacks run off the state machine's executor.
func (m *Manager) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

func (m *Manager) fireOnReconnect() {
	m.mu.Lock()
	callbacks := make([]func(), len(m.onReconnect))
	copy(callbacks, m.onReconnect)
	m.mu.Unlock()
	if len(callbacks) == 0 {
		return
	}
	go func() {
		for _, fn := range callbacks {
			fn()
		}
	}()
}

func (m *Manager) sessionID() int64 {
	sess := m.Current()
	if sess == nil {
		return 0
	}
	return sess.SessionID()
}

// Close tears the current session down. Idempotent.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	m.state = StateClosed
	sess := m.session
	m.mu.Unlock()
	close(m.closedCh)
	if sess != nil {
		sess.Close()
	}
}

// sessionWatcher carries the originating session alongside pumped events so
// the state machine can tell current from superseded.
type sessionWatcher struct {
	m    *Manager
	sess Session
}

func (w *sessionWatcher) Process(ev zk.Event) {
	w.m.process(w.sess, ev)
}

func newReconnectBackoff(clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0 // never stop
	b.Clock = clock
	b.Reset()
	return b
}
