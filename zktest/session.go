package zktest

import (
	"fmt"
	"sync/atomic"

	"github.com/go-zookeeper/zk"

	"github.com/gaeljw/zkclient/zkacl"
	"github.com/gaeljw/zkclient/zkconn"
)

// Session is one handle to the cluster. It satisfies zkconn.Session.
// A closed or expired session rejects every operation, the tree itself
// lives in the Cluster and survives session replacement.
type Session struct {
	c          *Cluster
	id         int64
	closed     atomic.Bool
	expired    atomic.Bool
	holdEvents bool
	events     chan zk.Event
}

var _ zkconn.Session = (*Session)(nil)

func (s *Session) check() error {
	if s.closed.Load() {
		return zk.ErrConnectionClosed
	}
	if s.expired.Load() {
		return zk.ErrSessionExpired
	}
	return nil
}

func (s *Session) begin() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.c.takeErrLocked()
}

func (s *Session) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	if hang := s.c.hangFor(path); hang != nil {
		<-hang
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return "", err
	}
	return s.c.createLocked(path, data, flags, acl, s.id)
}

func (s *Session) Delete(path string, version int32) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	return s.c.deleteLocked(path, version)
}

func (s *Session) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	return s.c.setLocked(path, data, version)
}

func (s *Session) Exists(path string) (bool, *zk.Stat, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return false, nil, err
	}
	n, ok := s.c.nodes[path]
	if !ok {
		return false, nil, nil
	}
	return true, s.c.statLocked(path, n), nil
}

func (s *Session) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return false, nil, nil, err
	}
	ch := make(chan zk.Event, 1)
	s.c.existWatches[path] = append(s.c.existWatches[path], ch)
	n, ok := s.c.nodes[path]
	if !ok {
		return false, nil, ch, nil
	}
	return true, s.c.statLocked(path, n), ch, nil
}

func (s *Session) Get(path string) ([]byte, *zk.Stat, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, nil, err
	}
	n, ok := s.c.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return append([]byte(nil), n.data...), s.c.statLocked(path, n), nil
}

func (s *Session) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, nil, nil, err
	}
	n, ok := s.c.nodes[path]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 1)
	s.c.dataWatches[path] = append(s.c.dataWatches[path], ch)
	return append([]byte(nil), n.data...), s.c.statLocked(path, n), ch, nil
}

func (s *Session) Children(path string) ([]string, *zk.Stat, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, nil, err
	}
	n, ok := s.c.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return s.c.childrenLocked(path), s.c.statLocked(path, n), nil
}

func (s *Session) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, nil, nil, err
	}
	n, ok := s.c.nodes[path]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 1)
	s.c.childWatches[path] = append(s.c.childWatches[path], ch)
	return s.c.childrenLocked(path), s.c.statLocked(path, n), ch, nil
}

func (s *Session) GetACL(path string) ([]zk.ACL, *zk.Stat, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, nil, err
	}
	n, ok := s.c.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return append([]zk.ACL(nil), n.acl...), s.c.statLocked(path, n), nil
}

func (s *Session) SetACL(path string, acl []zk.ACL, version int32) (*zk.Stat, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	if err, ok := s.c.pathErrs[path]; ok {
		return nil, err
	}
	n, ok := s.c.nodes[path]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.aversion {
		return nil, zk.ErrBadVersion
	}
	n.acl = append([]zk.ACL(nil), acl...)
	n.aversion++
	return s.c.statLocked(path, n), nil
}

// Multi applies all operations atomically: they are staged against a copy of
// the tree and committed only if every one of them succeeds.
func (s *Session) Multi(ops ...any) ([]zk.MultiResponse, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}

	staged := &Cluster{
		nodes:        cloneNodes(s.c.nodes),
		dataWatches:  map[string][]chan zk.Event{},
		existWatches: map[string][]chan zk.Event{},
		childWatches: map[string][]chan zk.Event{},
		seq:          cloneSeq(s.c.seq),
		pathErrs:     s.c.pathErrs,
	}

	res := make([]zk.MultiResponse, len(ops))
	var firstErr error
	for i, op := range ops {
		var err error
		switch o := op.(type) {
		case *zk.CreateRequest:
			var created string
			created, err = staged.createLocked(o.Path, o.Data, o.Flags, o.Acl, s.id)
			res[i].String = created
		case *zk.SetDataRequest:
			res[i].Stat, err = staged.setLocked(o.Path, o.Data, o.Version)
		case *zk.DeleteRequest:
			err = staged.deleteLocked(o.Path, o.Version)
		case *zk.CheckVersionRequest:
			n, ok := staged.nodes[o.Path]
			switch {
			case !ok:
				err = zk.ErrNoNode
			case o.Version != -1 && o.Version != n.version:
				err = zk.ErrBadVersion
			}
		default:
			err = fmt.Errorf("zktest: unsupported multi op %T", op)
		}
		if err != nil {
			res[i].Error = err
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return res, firstErr
	}

	// Commit and fire watches for the applied mutations.
	s.c.nodes = staged.nodes
	s.c.seq = staged.seq
	for _, op := range ops {
		switch o := op.(type) {
		case *zk.CreateRequest:
			fireLocked(s.c.existWatches, o.Path, zk.EventNodeCreated)
			fireLocked(s.c.childWatches, parentPath(o.Path), zk.EventNodeChildrenChanged)
		case *zk.SetDataRequest:
			fireLocked(s.c.dataWatches, o.Path, zk.EventNodeDataChanged)
			fireLocked(s.c.existWatches, o.Path, zk.EventNodeDataChanged)
		case *zk.DeleteRequest:
			fireLocked(s.c.dataWatches, o.Path, zk.EventNodeDeleted)
			fireLocked(s.c.existWatches, o.Path, zk.EventNodeDeleted)
			fireLocked(s.c.childWatches, parentPath(o.Path), zk.EventNodeChildrenChanged)
		}
	}
	return res, nil
}

func (s *Session) AddAuth(scheme string, auth []byte) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	s.c.auths = append(s.c.auths, zkacl.Credential{Scheme: scheme, Auth: append([]byte(nil), auth...)})
	return nil
}

func (s *Session) SessionID() int64 {
	return s.id
}

// Close releases the session: its ephemeral nodes are removed and its event
// channel is closed, exactly what the service does when a session ends.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.c.mu.Lock()
	for path, n := range s.c.nodes {
		if n.flags&zk.FlagEphemeral != 0 && n.owner == s.id {
			delete(s.c.nodes, path)
			fireLocked(s.c.dataWatches, path, zk.EventNodeDeleted)
			fireLocked(s.c.existWatches, path, zk.EventNodeDeleted)
			fireLocked(s.c.childWatches, parentPath(path), zk.EventNodeChildrenChanged)
		}
	}
	if !s.holdEvents {
		close(s.events)
	}
	s.c.mu.Unlock()
}

// Expired reports whether the session was expired by the test.
func (s *Session) Expired() bool {
	return s.expired.Load()
}

// Closed reports whether the session was closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

func cloneNodes(nodes map[string]*node) map[string]*node {
	out := make(map[string]*node, len(nodes))
	for p, n := range nodes {
		copied := *n
		copied.data = append([]byte(nil), n.data...)
		copied.acl = append([]zk.ACL(nil), n.acl...)
		out[p] = &copied
	}
	return out
}

func cloneSeq(seq map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(seq))
	for p, v := range seq {
		out[p] = v
	}
	return out
}
