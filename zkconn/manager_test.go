package zkconn_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gaeljw/zkclient/zkconn"
	"github.com/gaeljw/zkclient/zktest"
	"github.com/gaeljw/zkclient/zkwatch"
)

const testSessionTimeout = time.Second

func testSettings() zkconn.Settings {
	return zkconn.Settings{
		Servers:        []string{"testhost:2181"},
		SessionTimeout: testSessionTimeout,
		ConnectTimeout: 5 * time.Second,
	}
}

func newTestManager(t *testing.T, opts ...zkconn.ManagerOption) (*zkconn.Manager, *zktest.Strategy) {
	t.Helper()
	cluster := zktest.NewCluster()
	strategy := zktest.NewStrategy(cluster)
	dispatcher := zkwatch.NewDispatcher(zap.NewNop(), zkwatch.Config{})
	t.Cleanup(dispatcher.Close)
	m := zkconn.NewManager(testSettings(), strategy, dispatcher, opts...)
	t.Cleanup(m.Close)
	return m, strategy
}

func waitState(t *testing.T, m *zkconn.Manager, want zkconn.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == want
	}, 5*time.Second, 10*time.Millisecond, "state never reached %s", want)
}

func TestStartAndWaitForConnected(t *testing.T) {
	t.Parallel()
	m, strategy := newTestManager(t)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitForConnected(5*time.Second))

	assert.True(t, m.IsConnected())
	assert.False(t, m.IsLikelyExpired())
	assert.Equal(t, 1, strategy.Connects())
	assert.Same(t, strategy.Last(), m.Current())
}

func TestStartConnectFailure(t *testing.T) {
	t.Parallel()
	m, strategy := newTestManager(t)
	strategy.FailConnects(1, nil)

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, zk.ErrNoServer)
	assert.Equal(t, zkconn.StateDisconnected, m.State())
}

func TestWaitForConnectedTimeout(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	err := m.WaitForConnected(20 * time.Millisecond)
	assert.ErrorIs(t, err, zkconn.ErrConnectTimeout)
}

func TestTransientDisconnectKeepsSession(t *testing.T) {
	t.Parallel()
	m, strategy := newTestManager(t)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitForConnected(5*time.Second))

	sess := strategy.Last()
	strategy.Disconnect(sess)
	waitState(t, m, zkconn.StateDisconnected)

	strategy.Reconnect(sess)
	waitState(t, m, zkconn.StateConnected)

	assert.Equal(t, 1, strategy.Connects(), "a transient disconnect must not replace the session")
	assert.False(t, sess.Closed())
}

func TestExpiryOpensReplacementSession(t *testing.T) {
	t.Parallel()
	m, strategy := newTestManager(t)

	reconnected := make(chan struct{})
	m.OnReconnect(func() { close(reconnected) })

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitForConnected(5*time.Second))

	first := strategy.Last()
	strategy.Expire(first)

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the reconnect callback")
	}
	require.NoError(t, m.WaitForConnected(5*time.Second))

	assert.Equal(t, 2, strategy.Connects())
	assert.Same(t, strategy.Last(), m.Current())
	assert.True(t, first.Closed(), "the expired session must be released")
	assert.False(t, m.IsLikelyExpired())
}

func TestReconnectRetriesFailedAttempts(t *testing.T) {
	t.Parallel()
	m, strategy := newTestManager(t)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitForConnected(5*time.Second))

	strategy.FailConnects(2, nil)
	strategy.Expire(strategy.Last())

	waitState(t, m, zkconn.StateConnected)
	assert.Equal(t, 2, strategy.Connects())
}

func TestSessionHookRunsOnEverySession(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sessions []zkconn.Session
	hook := func(sess zkconn.Session) error {
		mu.Lock()
		defer mu.Unlock()
		sessions = append(sessions, sess)
		return nil
	}
	m, strategy := newTestManager(t, zkconn.WithSessionHook(hook))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitForConnected(5*time.Second))

	strategy.Expire(strategy.Last())
	waitState(t, m, zkconn.StateConnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sessions) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIsLikelyExpiredAfterLongDisconnect(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Now())
	m, strategy := newTestManager(t, zkconn.WithClock(clk))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitForConnected(5*time.Second))

	strategy.Disconnect(strategy.Last())
	waitState(t, m, zkconn.StateDisconnected)
	assert.False(t, m.IsLikelyExpired(), "a fresh disconnect is not an expiry")

	clk.Advance(testSessionTimeout + time.Second)
	assert.True(t, m.IsLikelyExpired(), "outlasting the session timeout means the server gave up on us")
}

func TestStaleEventFromSupersededSessionIgnored(t *testing.T) {
	t.Parallel()
	m, strategy := newTestManager(t)
	strategy.HoldEvents()

	reconnected := make(chan struct{})
	m.OnReconnect(func() { close(reconnected) })

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitForConnected(5*time.Second))

	first := strategy.Last()
	strategy.Expire(first)
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the reconnect callback")
	}
	require.NoError(t, m.WaitForConnected(5*time.Second))
	require.True(t, m.IsConnected())

	// The superseded session announces its own shutdown only after the
	// replacement is already healthy.
	strategy.Disconnect(first)
	require.Never(t, func() bool {
		return !m.IsConnected()
	}, 300*time.Millisecond, 10*time.Millisecond,
		"an event from a superseded session must not change the state")
}

// closeOnConnect closes the manager from inside the n-th successful connect,
// between session establishment and installation.
type closeOnConnect struct {
	inner   *zktest.Strategy
	closeFn func()
	closeOn int32
	count   atomic.Int32
}

func (s *closeOnConnect) Connect(ctx context.Context, settings zkconn.Settings) (zkconn.Session, <-chan zk.Event, error) {
	sess, events, err := s.inner.Connect(ctx, settings)
	if err == nil && s.count.Add(1) == s.closeOn {
		s.closeFn()
	}
	return sess, events, err
}

func TestCloseDuringReconnectDiscardsReplacement(t *testing.T) {
	t.Parallel()
	cluster := zktest.NewCluster()
	inner := zktest.NewStrategy(cluster)
	dispatcher := zkwatch.NewDispatcher(zap.NewNop(), zkwatch.Config{})
	t.Cleanup(dispatcher.Close)

	strategy := &closeOnConnect{inner: inner, closeOn: 2}
	m := zkconn.NewManager(testSettings(), strategy, dispatcher)
	t.Cleanup(m.Close)
	strategy.closeFn = m.Close

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitForConnected(5*time.Second))

	inner.Expire(inner.Last())

	require.Eventually(t, func() bool {
		return inner.Connects() == 2 && inner.Session(1).Closed()
	}, 5*time.Second, 10*time.Millisecond, "the replacement session must be released")

	assert.Same(t, inner.Session(0), m.Current(), "the replacement is discarded, not installed")
	assert.Equal(t, zkconn.StateClosed, m.State())
}

func TestCloseWakesWaitForConnected(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	errCh := make(chan error, 1)
	go func() { errCh <- m.WaitForConnected(time.Minute) }()
	// Let the waiter block first.
	time.Sleep(50 * time.Millisecond)
	m.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, zkconn.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("WaitForConnected did not return after Close")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	m, strategy := newTestManager(t)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitForConnected(5*time.Second))

	sess := strategy.Last()
	m.Close()
	m.Close() // idempotent

	assert.True(t, sess.Closed())
	assert.Equal(t, zkconn.StateClosed, m.State())
	assert.ErrorIs(t, m.WaitForConnected(time.Second), zkconn.ErrClosed)
}
