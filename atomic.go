package zkclient

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
)

// ErrUpdateContention is returned by AtomicUpdate when the configured attempt
// cap is reached without a successful CAS round.
var ErrUpdateContention = errors.New("zkclient: too many contention retries in atomic update")

// UpdateFn computes the new payload from the node's current stat and data.
// For a missing node both arguments are nil. Returning changed=false skips
// the write.
type UpdateFn func(stat *zk.Stat, data []byte) (newData []byte, changed bool)

// AtomicUpdate performs an optimistic read-modify-write: read (stat, data),
// apply edit, then write back guarded by the read version (or create the node
// if it did not exist). A concurrent modification (stale version, or a create
// racing another create) restarts the whole round. Rounds are spaced by an
// exponential backoff with jitter; the loop is unbounded unless
// Config.AtomicUpdateMaxAttempts is set.
func (c *Client) AtomicUpdate(path string, edit UpdateFn) error {
	b := c.atomicBackoff()
	b.Clock = c.clock
	b.Reset()
	attempts := 0
	for {
		if err := c.checkOpen(); err != nil {
			return err
		}
		err := c.atomicUpdateRound(path, edit)
		if err == nil {
			return nil
		}
		if !errors.Is(err, zk.ErrBadVersion) && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
		attempts++
		if max := c.cfg.AtomicUpdateMaxAttempts; max > 0 && attempts >= max {
			return fmt.Errorf("%w: %q not updated after %d attempts", ErrUpdateContention, path, attempts)
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%w: %q", ErrUpdateContention, path)
		}
		c.logger.Debugf("atomic update of %q lost a race, next round in %s", path, delay)
		c.clock.Sleep(delay)
	}
}

func (c *Client) atomicUpdateRound(path string, edit UpdateFn) error {
	exists, _, err := c.Exists(path, nil, true)
	if err != nil {
		return err
	}
	if !exists {
		newData, changed := edit(nil, nil)
		if !changed {
			return nil
		}
		_, err = c.Create(path, newData, 0, true)
		return err
	}
	data, stat, err := c.GetData(path, nil, true)
	if errors.Is(err, zk.ErrNoNode) {
		// Deleted between the exists check and the read; treat the node as
		// missing in this round.
		newData, changed := edit(nil, nil)
		if !changed {
			return nil
		}
		_, err = c.Create(path, newData, 0, true)
		return err
	}
	if err != nil {
		return err
	}
	newData, changed := edit(stat, data)
	if !changed {
		return nil
	}
	_, err = c.SetData(path, newData, stat.Version, true)
	return err
}
