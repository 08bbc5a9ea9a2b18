package zkclient

import (
	"errors"

	"github.com/go-zookeeper/zk"

	"github.com/gaeljw/zkclient/zkconn"
	"github.com/gaeljw/zkclient/zkretry"
)

// The failure taxonomy is the protocol library's sentinel set plus the
// client's own life-cycle errors. Only connection loss is ever retried
// transparently; everything else propagates unmodified so callers can react
// (CAS loops react to zk.ErrBadVersion, provisioning to zk.ErrNodeExists).
var (
	// ErrClosed is returned by every operation after Close, or while the
	// externally supplied liveness predicate reports closed.
	ErrClosed = errors.New("zkclient: client is closed")

	// ErrBatchTimeout is returned by MkDirs when the concurrently issued
	// creates do not all complete within the batch deadline.
	ErrBatchTimeout = errors.New("zkclient: timeout waiting for batch operations to complete")

	// ErrConnectTimeout is returned by New when the initial session does not
	// connect within the connect timeout.
	ErrConnectTimeout = zkconn.ErrConnectTimeout

	// ErrRetryBudgetExceeded wraps the last connection-loss error once the
	// retry budget is exhausted.
	ErrRetryBudgetExceeded = zkretry.ErrBudgetExceeded
)

// IsConnectionLoss reports whether err is a transient transport failure.
func IsConnectionLoss(err error) bool {
	return zkretry.IsConnectionLoss(err)
}

// IsSessionExpired reports whether err is a terminal session expiry.
func IsSessionExpired(err error) bool {
	return errors.Is(err, zk.ErrSessionExpired)
}
