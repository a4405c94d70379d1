package btree

import (
	"github.com/pkg/errors"

	"bptree/node"
	"bptree/pager"
)

/*
Check walks the whole tree and verifies its structural invariants:

  - the root lives at offset zero and is the only node flagged as root
  - every non-root node's parent pointer names the internal node that
    actually lists it as a child
  - keys and separators are strictly increasing, and every subtree's
    keys respect the separators above it
  - all leaves sit at the same depth
  - every non-root node holds between b and 2b entries; an internal
    root has at least two children
  - the free list never references a reachable page

It exists for tests and diagnostics; the engine never calls it.
*/
func (t *BTree) Check() error {
	c := &checker{tree: t, reachable: map[uint64]bool{}, leafDepth: -1}
	if err := c.node(pager.RootOffset, 0, 0, "", ""); err != nil {
		return err
	}
	for _, off := range t.pager.FreeOffsets() {
		if c.reachable[off] {
			return errors.Errorf("free list references reachable page %d", off)
		}
	}
	return nil
}

type checker struct {
	tree      *BTree
	reachable map[uint64]bool
	leafDepth int
}

// node verifies the subtree at off. lo and hi bound the keys the
// subtree may contain: lo inclusive, hi exclusive, "" meaning unbounded.
func (c *checker) node(off, parent uint64, depth int, lo, hi string) error {
	if c.reachable[off] {
		return errors.Errorf("page %d reachable twice", off)
	}
	c.reachable[off] = true

	n, err := c.tree.readNode(off)
	if err != nil {
		return err
	}
	if (off == pager.RootOffset) != n.IsRoot {
		return errors.Errorf("page %d: is_root=%v at offset %d", off, n.IsRoot, off)
	}
	if !n.IsRoot && n.Parent != parent {
		return errors.Errorf("page %d: parent pointer %d, expected %d", off, n.Parent, parent)
	}

	b := c.tree.branch
	switch n.Type {
	case node.Leaf:
		if c.leafDepth == -1 {
			c.leafDepth = depth
		} else if depth != c.leafDepth {
			return errors.Errorf("leaf %d at depth %d, expected %d", off, depth, c.leafDepth)
		}
		if !n.IsRoot && (len(n.Pairs) < b || len(n.Pairs) > 2*b) {
			return errors.Errorf("leaf %d holds %d pairs, want %d..%d", off, len(n.Pairs), b, 2*b)
		}
		for i, kv := range n.Pairs {
			if i > 0 && n.Pairs[i-1].Key >= kv.Key {
				return errors.Errorf("leaf %d keys not strictly increasing at %d", off, i)
			}
			if lo != "" && kv.Key < lo {
				return errors.Errorf("leaf %d key %q below bound %q", off, kv.Key, lo)
			}
			if hi != "" && kv.Key >= hi {
				return errors.Errorf("leaf %d key %q at or above bound %q", off, kv.Key, hi)
			}
		}
	case node.Internal:
		min := b
		if n.IsRoot {
			min = 2
		}
		if len(n.Children) < min || len(n.Children) > 2*b {
			return errors.Errorf("internal %d holds %d children, want %d..%d", off, len(n.Children), min, 2*b)
		}
		for i, k := range n.Keys {
			if i > 0 && n.Keys[i-1] >= k {
				return errors.Errorf("internal %d separators not strictly increasing at %d", off, i)
			}
			if lo != "" && k < lo {
				return errors.Errorf("internal %d separator %q below bound %q", off, k, lo)
			}
			if hi != "" && k >= hi {
				return errors.Errorf("internal %d separator %q at or above bound %q", off, k, hi)
			}
		}
		for i, child := range n.Children {
			childLo, childHi := lo, hi
			if i > 0 {
				childLo = n.Keys[i-1]
			}
			if i < len(n.Keys) {
				childHi = n.Keys[i]
			}
			if err := c.node(child, off, depth+1, childLo, childHi); err != nil {
				return err
			}
		}
	}
	return nil
}
