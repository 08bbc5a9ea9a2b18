package zktest

import (
	"context"
	"sync"

	"github.com/go-zookeeper/zk"

	"github.com/gaeljw/zkclient/zkconn"
)

// Strategy hands out sessions against one Cluster and lets tests drive
// connectivity: failing connect attempts, dropping the connection, expiring
// the session.
type Strategy struct {
	cluster *Cluster

	mu           sync.Mutex
	sessions     []*Session
	failConnects int
	connectErr   error
	holdEvents   bool
}

var _ zkconn.Strategy = (*Strategy)(nil)

func NewStrategy(cluster *Cluster) *Strategy {
	return &Strategy{cluster: cluster, connectErr: zk.ErrNoServer}
}

// HoldEvents keeps each session's event channel open past Close, so tests
// can deliver the late events a real connection emits while shutting down.
// Must be called before the session is established.
func (s *Strategy) HoldEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdEvents = true
}

// FailConnects makes the next n Connect calls fail with err (zk.ErrNoServer
// when err is nil).
func (s *Strategy) FailConnects(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnects = n
	if err != nil {
		s.connectErr = err
	}
}

func (s *Strategy) Connect(ctx context.Context, settings zkconn.Settings) (zkconn.Session, <-chan zk.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	if s.failConnects > 0 {
		s.failConnects--
		err := s.connectErr
		s.mu.Unlock()
		return nil, nil, err
	}
	s.mu.Unlock()

	sess := s.cluster.newSession()
	s.mu.Lock()
	sess.holdEvents = s.holdEvents
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateConnecting}
	sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateConnected}
	sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateHasSession}
	return sess, sess.events, nil
}

// Connects returns how many sessions were established.
func (s *Strategy) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Session returns the i-th established session.
func (s *Strategy) Session(i int) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[i]
}

// Last returns the most recently established session.
func (s *Strategy) Last() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) == 0 {
		return nil
	}
	return s.sessions[len(s.sessions)-1]
}

// Expire marks the session expired and emits the terminal session event,
// the way the service reports an expiry after a long outage.
func (s *Strategy) Expire(sess *Session) {
	sess.expired.Store(true)
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	if !sess.closed.Load() {
		sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateExpired}
	}
}

// Disconnect emits a transient disconnect event for the session. With
// HoldEvents it also works on an already closed session, mimicking the
// shutdown events of a superseded connection.
func (s *Strategy) Disconnect(sess *Session) {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	if !sess.closed.Load() || sess.holdEvents {
		sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateDisconnected}
	}
}

// Reconnect emits the events of a recovered connection for the session.
func (s *Strategy) Reconnect(sess *Session) {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	if !sess.closed.Load() {
		sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateConnecting}
		sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateHasSession}
	}
}
