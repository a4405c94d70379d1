package btree

import (
	"slices"

	"github.com/pkg/errors"

	"bptree/node"
	"bptree/pager"
)

// Delete removes a key and its value, rebalancing the tree if the leaf
// underflows. Deleting an absent key fails with ErrKeyNotFound. A
// failure partway through undoes the operation's own staged writes.
func (t *BTree) Delete(key string) error {
	if err := node.CheckKeyValue(key, ""); err != nil {
		return err
	}
	snap := t.pager.Snapshot()
	if err := t.delete(key); err != nil {
		if rerr := t.pager.Restore(snap); rerr != nil {
			return rerr
		}
		return err
	}
	return nil
}

func (t *BTree) delete(key string) error {
	off := pager.RootOffset
	n, err := t.readNode(off)
	if err != nil {
		return err
	}
	for n.Type == node.Internal {
		off = n.Children[childIndex(n, key)]
		if n, err = t.readNode(off); err != nil {
			return err
		}
	}

	i, found := pairIndex(n, key)
	if !found {
		return errors.Wrapf(ErrKeyNotFound, "%q", key)
	}
	n.Pairs = slices.Delete(n.Pairs, i, i+1)
	if err := t.writeNode(off, n); err != nil {
		return err
	}
	if n.IsRoot || len(n.Pairs) >= t.branch {
		return nil
	}
	return t.rebalance(off, n)
}

// entryCount is the fan-out measure the balancing rules apply to:
// pairs for leaves, children for internal nodes.
func entryCount(n *node.Node) int {
	if n.Type == node.Leaf {
		return len(n.Pairs)
	}
	return len(n.Children)
}

/*
rebalance cures an underflowing non-root node. An adjacent sibling with
spare entries lends one (left sibling preferred, then right); otherwise
the node merges with a sibling, which shrinks the parent and may push
the underflow one level up. An internal root left with a single child
collapses into it, reducing the tree height by one.
*/
func (t *BTree) rebalance(off uint64, n *node.Node) error {
	parentOff := n.Parent
	parent, err := t.readNode(parentOff)
	if err != nil {
		return err
	}
	idx := slices.Index(parent.Children, off)
	if idx < 0 {
		return errors.Errorf("corrupt tree: node at %d missing from parent %d", off, parentOff)
	}

	if idx > 0 {
		leftOff := parent.Children[idx-1]
		left, err := t.readNode(leftOff)
		if err != nil {
			return err
		}
		if entryCount(left) > t.branch {
			return t.redistributeFromLeft(parent, parentOff, idx, left, leftOff, n, off)
		}
	}
	if idx < len(parent.Children)-1 {
		rightOff := parent.Children[idx+1]
		right, err := t.readNode(rightOff)
		if err != nil {
			return err
		}
		if entryCount(right) > t.branch {
			return t.redistributeFromRight(parent, parentOff, idx, n, off, right, rightOff)
		}
	}

	// No sibling can spare an entry; both are at exactly b. Merge with
	// the left sibling when there is one, else absorb the right one.
	if idx > 0 {
		return t.merge(parent, parentOff, idx-1, n, off)
	}
	return t.merge(parent, parentOff, idx, n, off)
}

// redistributeFromLeft moves the left sibling's greatest entry into n
// and refreshes the separator between them.
func (t *BTree) redistributeFromLeft(parent *node.Node, parentOff uint64, idx int, left *node.Node, leftOff uint64, n *node.Node, off uint64) error {
	if n.Type == node.Leaf {
		last := left.Pairs[len(left.Pairs)-1]
		left.Pairs = left.Pairs[:len(left.Pairs)-1]
		n.Pairs = slices.Insert(n.Pairs, 0, last)
		parent.Keys[idx-1] = n.Pairs[0].Key
	} else {
		// The separator rotates down into n; the left sibling's greatest
		// key rotates up to replace it.
		moved := left.Children[len(left.Children)-1]
		n.Keys = slices.Insert(n.Keys, 0, parent.Keys[idx-1])
		n.Children = slices.Insert(n.Children, 0, moved)
		parent.Keys[idx-1] = left.Keys[len(left.Keys)-1]
		left.Keys = left.Keys[:len(left.Keys)-1]
		left.Children = left.Children[:len(left.Children)-1]
		if err := t.reparent([]uint64{moved}, off); err != nil {
			return err
		}
	}
	if err := t.writeNode(leftOff, left); err != nil {
		return err
	}
	if err := t.writeNode(off, n); err != nil {
		return err
	}
	return t.writeNode(parentOff, parent)
}

// redistributeFromRight moves the right sibling's smallest entry into n
// and refreshes the separator between them.
func (t *BTree) redistributeFromRight(parent *node.Node, parentOff uint64, idx int, n *node.Node, off uint64, right *node.Node, rightOff uint64) error {
	if n.Type == node.Leaf {
		first := right.Pairs[0]
		right.Pairs = slices.Delete(right.Pairs, 0, 1)
		n.Pairs = append(n.Pairs, first)
		parent.Keys[idx] = right.Pairs[0].Key
	} else {
		moved := right.Children[0]
		n.Keys = append(n.Keys, parent.Keys[idx])
		n.Children = append(n.Children, moved)
		parent.Keys[idx] = right.Keys[0]
		right.Keys = slices.Delete(right.Keys, 0, 1)
		right.Children = slices.Delete(right.Children, 0, 1)
		if err := t.reparent([]uint64{moved}, off); err != nil {
			return err
		}
	}
	if err := t.writeNode(rightOff, right); err != nil {
		return err
	}
	if err := t.writeNode(off, n); err != nil {
		return err
	}
	return t.writeNode(parentOff, parent)
}

/*
merge concatenates parent.Children[li] and parent.Children[li+1] into
the left of the two, frees the right page and drops the separator at
parent.Keys[li]. For internal nodes the separator is pulled down into
the merged node, since it still partitions the two halves' subtrees.
n is the in-memory underflowing node at off, one of the two; it is used
as is rather than re-read, since an underflowing internal node at b=2
has a single child and its page does not decode.
*/
func (t *BTree) merge(parent *node.Node, parentOff uint64, li int, n *node.Node, off uint64) error {
	leftOff := parent.Children[li]
	rightOff := parent.Children[li+1]
	var err error
	left, right := n, n
	if leftOff != off {
		if left, err = t.readNode(leftOff); err != nil {
			return err
		}
	}
	if rightOff != off {
		if right, err = t.readNode(rightOff); err != nil {
			return err
		}
	}

	if left.Type == node.Leaf {
		left.Pairs = append(left.Pairs, right.Pairs...)
	} else {
		left.Keys = append(left.Keys, parent.Keys[li])
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
		if err := t.reparent(right.Children, leftOff); err != nil {
			return err
		}
	}
	if err := t.writeNode(leftOff, left); err != nil {
		return err
	}
	t.pager.FreePage(rightOff)

	parent.Keys = slices.Delete(parent.Keys, li, li+1)
	parent.Children = slices.Delete(parent.Children, li+1, li+2)

	if parent.IsRoot && parent.Type == node.Internal && len(parent.Children) == 1 {
		return t.collapseRoot(parent)
	}
	if err := t.writeNode(parentOff, parent); err != nil {
		return err
	}
	if !parent.IsRoot && len(parent.Children) < t.branch {
		return t.rebalance(parentOff, parent)
	}
	return nil
}

/*
collapseRoot handles an internal root reduced to a single child: the
child's contents move into offset zero, the child's page is freed and
its children (if any) are reparented to the root. The root's offset
never changes, only its contents.
*/
func (t *BTree) collapseRoot(root *node.Node) error {
	childOff := root.Children[0]
	child, err := t.readNode(childOff)
	if err != nil {
		return err
	}
	child.IsRoot = true
	child.Parent = 0
	if err := t.writeNode(pager.RootOffset, child); err != nil {
		return err
	}
	t.pager.FreePage(childOff)
	if child.Type == node.Internal {
		return t.reparent(child.Children, pager.RootOffset)
	}
	return nil
}
