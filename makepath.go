package zkclient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"golang.org/x/sync/errgroup"

	"github.com/gaeljw/zkclient/zkwatch"
)

// MakePath creates the path segment by segment. Ancestors are created as
// persistent nodes with no payload and are always retried on connection loss:
// their creation is a prerequisite, not the caller's requested operation.
// Only the final segment carries the caller's data, flags, watcher and retry
// choice. Segments with index below skipSegments are assumed to exist and are
// not created.
//
// A permission failure on an ancestor is tolerated when the node turns out to
// exist already (ownership ambiguity is expected in shared trees); on the
// leaf it always propagates. An existing ancestor is fine; an existing leaf
// either fails (failOnExists) or has its data rewritten, ignoring the
// version, with the watcher re-armed.
func (c *Client) MakePath(path string, data []byte, flags int32, watcher zkwatch.Watcher, failOnExists, retryOnConnLoss bool, skipSegments int) error {
	c.logger.Debugf("makePath: %s", path)
	segments := splitPath(path)
	if len(segments) == 0 {
		return fmt.Errorf("%w: %q", zk.ErrInvalidPath, path)
	}

	current := ""
	for i, segment := range segments {
		current += "/" + segment
		if i < skipSegments {
			continue
		}
		leaf := i == len(segments)-1

		segmentData := []byte(nil)
		segmentFlags := int32(0)
		retry := true
		if leaf {
			segmentData = data
			segmentFlags = flags
			retry = retryOnConnLoss
		}

		_, err := c.Create(current, segmentData, segmentFlags, retry)
		switch {
		case err == nil:
			continue
		case errors.Is(err, zk.ErrNoAuth):
			if leaf {
				return err
			}
			exists, _, existsErr := c.Exists(current, nil, retryOnConnLoss)
			if existsErr != nil || !exists {
				return err
			}
		case errors.Is(err, zk.ErrNodeExists):
			if !leaf {
				continue
			}
			if failOnExists {
				return err
			}
			// Overwrite the leaf and re-arm the watch.
			if _, err := c.SetData(current, data, -1, retryOnConnLoss); err != nil {
				return err
			}
			if _, _, err := c.Exists(current, watcher, retryOnConnLoss); err != nil {
				return err
			}
			return nil
		default:
			return err
		}
	}
	if watcher != nil {
		if _, _, err := c.Exists(path, watcher, retryOnConnLoss); err != nil {
			return err
		}
	}
	return nil
}

// MakePersistentPath creates the path with persistent nodes, tolerating an
// existing leaf.
func (c *Client) MakePersistentPath(path string, data []byte, retryOnConnLoss bool) error {
	return c.MakePath(path, data, 0, nil, false, retryOnConnLoss, 0)
}

// MkDirs provisions every requested path plus all ancestors in one batch.
// The work list is deduplicated (each unique node is created at most once
// across the whole batch) and grouped by depth: each depth level is issued
// concurrently against the session, parents strictly before children. The
// whole batch shares a wall-clock deadline that scales with its size.
// A node that already exists counts as success unless explicit data was
// requested for it; any other failure aborts the call with the first
// offending path, after the in-flight level drains.
func (c *Client) MkDirs(data map[string][]byte, modes map[string]int32) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	var levels [][]string
	total := 0
	seen := map[string]bool{}
	for path := range data {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%w: %q must start with /", zk.ErrInvalidPath, path)
		}
		current := ""
		for depth, segment := range splitPath(path) {
			current += "/" + segment
			if seen[current] {
				continue
			}
			seen[current] = true
			for len(levels) <= depth {
				levels = append(levels, nil)
			}
			levels[depth] = append(levels[depth], current)
			total++
		}
	}
	if total == 0 {
		return nil
	}
	c.logger.Debugf("mkdirs: creating %d nodes", total)

	sess := c.session()
	provider := c.ACLProvider()
	deadline := c.cfg.BatchTimeout + time.Duration(total)*c.cfg.BatchTimeoutPerNode
	timeout := c.clock.After(deadline)

	for _, level := range levels {
		errs := make([]error, len(level))
		g := &errgroup.Group{}
		for i, path := range level {
			i, path := i, path
			g.Go(func() error {
				nodeData := data[path]
				flags := modes[path]
				_, err := sess.Create(path, nodeData, flags, provider.ACLsFor(path))
				if errors.Is(err, zk.ErrNodeExists) && nodeData == nil {
					// Implicit ancestor already present, fine.
					err = nil
				}
				errs[i] = err
				return nil
			})
		}

		barrier := make(chan struct{})
		go func() {
			_ = g.Wait()
			close(barrier)
		}()
		select {
		case <-barrier:
		case <-timeout:
			return fmt.Errorf("%w (%s, %d nodes)", ErrBatchTimeout, deadline, total)
		}
		for i, err := range errs {
			if err != nil {
				return fmt.Errorf("mkdirs: create %q: %w", level[i], err)
			}
		}
	}
	return nil
}

// MkDir is MkDirs for a single path.
func (c *Client) MkDir(path string, data []byte) error {
	return c.MkDirs(map[string][]byte{path: data}, nil)
}

func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
