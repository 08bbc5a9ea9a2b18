package zkclient

import (
	"errors"
	"sort"

	"github.com/go-zookeeper/zk"
)

// UpdateACLs applies the ACL provider's current list to every node under
// root, children before parents. A node deleted mid-traversal is skipped,
// trees change underneath maintenance sweeps.
func (c *Client) UpdateACLs(root string) error {
	return c.walkPostOrder(root, func(path string) error {
		_, err := c.SetACL(path, c.ACLProvider().ACLsFor(path), true)
		if errors.Is(err, zk.ErrNoNode) {
			return nil
		}
		if err == nil {
			c.logger.Debugf("updated ACL on %q", path)
		}
		return err
	})
}

// Clean deletes the subtree rooted at path, children first. The root node
// "/" itself is never deleted. Nodes deleted concurrently are skipped.
func (c *Client) Clean(path string) error {
	return c.CleanFiltered(path, nil)
}

// CleanFiltered deletes the subtree rooted at path, keeping every node for
// which keep returns true. Kept nodes still have their children visited; a
// node that cannot be removed because a kept descendant remains is left in
// place.
func (c *Client) CleanFiltered(path string, keep func(path string) bool) error {
	return c.walkPostOrder(path, func(p string) error {
		if p == "/" {
			return nil
		}
		if keep != nil && keep(p) {
			return nil
		}
		err := c.Delete(p, -1, true)
		switch {
		case errors.Is(err, zk.ErrNoNode):
			return nil
		case keep != nil && errors.Is(err, zk.ErrNotEmpty):
			// A kept descendant pins this node.
			return nil
		default:
			return err
		}
	})
}

// walkPostOrder visits every node under root, children (in lexical order)
// before their parent. A subtree that disappears mid-traversal is skipped.
func (c *Client) walkPostOrder(root string, visit func(path string) error) error {
	children, err := c.GetChildren(root, nil, true)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	sort.Strings(children)
	for _, child := range children {
		childPath := root + "/" + child
		if root == "/" {
			childPath = "/" + child
		}
		if err := c.walkPostOrder(childPath, visit); err != nil {
			return err
		}
	}
	return visit(root)
}
