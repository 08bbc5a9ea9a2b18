// Package zktest provides an in-memory stand-in for the coordination service:
// a versioned node tree with one-shot watches, session events under test
// control, and fault injection for connection-loss scenarios.
package zktest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"

	"github.com/gaeljw/zkclient/zkacl"
)

type node struct {
	data     []byte
	version  int32
	aversion int32
	cversion int32
	acl      []zk.ACL
	flags    int32
	owner    int64 // session id for ephemeral nodes
}

// Cluster is the shared node tree behind every session it hands out.
// All methods are safe for concurrent use.
type Cluster struct {
	mu            sync.Mutex
	nodes         map[string]*node
	dataWatches   map[string][]chan zk.Event
	existWatches  map[string][]chan zk.Event
	childWatches  map[string][]chan zk.Event
	seq           map[string]int64
	failNext      []error
	pathErrs      map[string]error
	hangCreates   map[string]chan struct{}
	auths         []zkacl.Credential
	nextSessionID int64
}

func NewCluster() *Cluster {
	return &Cluster{
		nodes:        map[string]*node{"/": {}},
		dataWatches:  map[string][]chan zk.Event{},
		existWatches: map[string][]chan zk.Event{},
		childWatches: map[string][]chan zk.Event{},
		seq:          map[string]int64{},
		pathErrs:     map[string]error{},
		hangCreates:  map[string]chan struct{}{},
	}
}

// FailNext makes the next n operations on any session fail with err.
func (c *Cluster) FailNext(err error, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.failNext = append(c.failNext, err)
	}
}

// SetPathError forces every mutating operation on the given path to fail
// with err until cleared with a nil err.
func (c *Cluster) SetPathError(path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.pathErrs, path)
	} else {
		c.pathErrs[path] = err
	}
}

// HangCreates blocks every Create on the given path until the returned
// release function is called. The tree lock is not held while blocked, other
// operations proceed normally.
func (c *Cluster) HangCreates(path string) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.hangCreates[path] = ch
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.hangCreates, path)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Cluster) hangFor(path string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.hangCreates[path]; ok {
		return ch
	}
	return nil
}

// NodeData returns a copy of the node's payload.
func (c *Cluster) NodeData(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// NodeVersion returns the node's current data version.
func (c *Cluster) NodeVersion(path string) (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return 0, false
	}
	return n.version, true
}

// NodeACL returns the node's current ACL list.
func (c *Cluster) NodeACL(path string) ([]zk.ACL, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return nil, false
	}
	return append([]zk.ACL(nil), n.acl...), true
}

// Paths returns every node path, sorted.
func (c *Cluster) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make([]string, 0, len(c.nodes))
	for p := range c.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Auths returns the credentials added to sessions so far.
func (c *Cluster) Auths() []zkacl.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]zkacl.Credential(nil), c.auths...)
}

func (c *Cluster) newSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSessionID++
	return &Session{
		c:      c,
		id:     c.nextSessionID,
		events: make(chan zk.Event, 32),
	}
}

func (c *Cluster) takeErrLocked() error {
	if len(c.failNext) == 0 {
		return nil
	}
	err := c.failNext[0]
	c.failNext = c.failNext[1:]
	return err
}

func parentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func validatePath(path string) error {
	if path == "" || !strings.HasPrefix(path, "/") {
		return zk.ErrInvalidPath
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		return zk.ErrInvalidPath
	}
	return nil
}

func (c *Cluster) statLocked(path string, n *node) *zk.Stat {
	return &zk.Stat{
		Version:        n.version,
		Aversion:       n.aversion,
		Cversion:       n.cversion,
		DataLength:     int32(len(n.data)),
		NumChildren:    int32(len(c.childrenLocked(path))),
		EphemeralOwner: n.owner,
	}
}

func (c *Cluster) childrenLocked(path string) []string {
	var names []string
	for p := range c.nodes {
		if p != "/" && parentPath(p) == path {
			names = append(names, p[strings.LastIndex(p, "/")+1:])
		}
	}
	sort.Strings(names)
	return names
}

// fireLocked delivers an event to every one-shot watch in the list and clears
// the list. Channels are buffered, delivery never blocks the tree lock.
func fireLocked(watches map[string][]chan zk.Event, path string, typ zk.EventType) {
	for _, ch := range watches[path] {
		ch <- zk.Event{Type: typ, State: zk.StateConnected, Path: path}
	}
	delete(watches, path)
}

func (c *Cluster) createLocked(path string, data []byte, flags int32, acl []zk.ACL, owner int64) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	if err, ok := c.pathErrs[path]; ok {
		return "", err
	}
	parent := parentPath(path)
	if _, ok := c.nodes[parent]; !ok {
		return "", zk.ErrNoNode
	}
	if flags&zk.FlagSequence != 0 {
		c.seq[parent]++
		path = fmt.Sprintf("%s%010d", path, c.seq[parent])
	}
	if _, ok := c.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}
	n := &node{
		data:  append([]byte(nil), data...),
		acl:   append([]zk.ACL(nil), acl...),
		flags: flags,
	}
	if flags&zk.FlagEphemeral != 0 {
		n.owner = owner
	}
	c.nodes[path] = n
	c.nodes[parent].cversion++
	fireLocked(c.existWatches, path, zk.EventNodeCreated)
	fireLocked(c.childWatches, parent, zk.EventNodeChildrenChanged)
	return path, nil
}

func (c *Cluster) setLocked(path string, data []byte, version int32) (*zk.Stat, error) {
	if err, ok := c.pathErrs[path]; ok {
		return nil, err
	}
	n, ok := c.nodes[path]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	fireLocked(c.dataWatches, path, zk.EventNodeDataChanged)
	fireLocked(c.existWatches, path, zk.EventNodeDataChanged)
	return c.statLocked(path, n), nil
}

func (c *Cluster) deleteLocked(path string, version int32) error {
	if err, ok := c.pathErrs[path]; ok {
		return err
	}
	n, ok := c.nodes[path]
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	if len(c.childrenLocked(path)) > 0 {
		return zk.ErrNotEmpty
	}
	delete(c.nodes, path)
	parent := parentPath(path)
	if p, ok := c.nodes[parent]; ok {
		p.cversion++
	}
	fireLocked(c.dataWatches, path, zk.EventNodeDeleted)
	fireLocked(c.existWatches, path, zk.EventNodeDeleted)
	fireLocked(c.childWatches, parent, zk.EventNodeChildrenChanged)
	return nil
}
