// Package zkconn owns the session life-cycle of a ZooKeeper connection:
// the connectivity state machine, replacement of expired sessions through a
// pluggable connection strategy, and the current-session handle every other
// component reads.
package zkconn

import (
	"github.com/go-zookeeper/zk"
)

// Session is the operation surface of one live ZooKeeper session.
// *zk.Conn satisfies it; tests substitute an in-memory implementation.
type Session interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	GetACL(path string) ([]zk.ACL, *zk.Stat, error)
	SetACL(path string, acl []zk.ACL, version int32) (*zk.Stat, error)
	Multi(ops ...any) ([]zk.MultiResponse, error)
	AddAuth(scheme string, auth []byte) error
	SessionID() int64
	Close()
}

var _ Session = (*zk.Conn)(nil)
