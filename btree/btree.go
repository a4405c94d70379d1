package btree

import (
	"sort"

	"github.com/pkg/errors"

	"bptree/node"
	"bptree/pager"
)

// MaxBranch is the largest usable branching factor: a full leaf of 2b
// pairs must still fit in one page.
const MaxBranch = node.LeafCapacity / 2

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrBadBranch      = errors.New("branching factor out of range")
	ErrBranchMismatch = errors.New("branching factor does not match the tree file")
)

/*
BTree is an on-disk B+Tree: a single backing file of fixed-size pages,
the root pinned at offset zero, all key-value pairs living in the
leaves. Mutations stage page writes through the pager; nothing becomes
durable until Commit.

A BTree owns its backing file exclusively for its lifetime. Operations
are synchronous and run to completion; there is no internal concurrency.
*/
type BTree struct {
	pager  *pager.Pager
	branch int
}

// Open opens the tree at path, creating an empty one (a lone leaf root)
// if the file does not exist yet. branch is the minimum fan-out b: every
// non-root node holds between b and 2b entries. A tree that already has
// committed state must be reopened with the branching factor it was
// created with.
func Open(path string, branch int) (*BTree, error) {
	if branch < 2 || branch > MaxBranch {
		return nil, errors.Wrapf(ErrBadBranch, "b=%d, want 2..%d", branch, MaxBranch)
	}
	p, err := pager.Open(path)
	if err != nil {
		return nil, err
	}
	t := &BTree{pager: p, branch: branch}
	if p.Fresh() {
		p.SetBranch(uint64(branch))
		if err := t.writeNode(pager.RootOffset, node.NewLeaf(true, 0, nil)); err != nil {
			p.Close()
			return nil, err
		}
		if err := p.Commit(); err != nil {
			p.Close()
			return nil, err
		}
		return t, nil
	}
	if p.Branch() != uint64(branch) {
		p.Close()
		return nil, errors.Wrapf(ErrBranchMismatch, "file has b=%d, requested b=%d", p.Branch(), branch)
	}
	return t, nil
}

// Search returns the value stored under key, or ErrKeyNotFound.
func (t *BTree) Search(key string) (string, error) {
	if err := node.CheckKeyValue(key, ""); err != nil {
		return "", err
	}
	n, err := t.readNode(pager.RootOffset)
	if err != nil {
		return "", err
	}
	for n.Type == node.Internal {
		if n, err = t.readNode(n.Children[childIndex(n, key)]); err != nil {
			return "", err
		}
	}
	if i, ok := pairIndex(n, key); ok {
		return n.Pairs[i].Value, nil
	}
	return "", errors.Wrapf(ErrKeyNotFound, "%q", key)
}

// Commit makes every staged mutation durable.
func (t *BTree) Commit() error {
	return t.pager.Commit()
}

// Rollback discards every staged mutation since the last commit.
func (t *BTree) Rollback() error {
	return t.pager.Rollback()
}

// Close releases the backing file. Uncommitted mutations are dropped.
func (t *BTree) Close() error {
	return t.pager.Close()
}

// Walk visits every key-value pair in ascending key order. It observes
// staged mutations, not just committed state.
func (t *BTree) Walk(fn func(key, value string) error) error {
	return t.walk(pager.RootOffset, fn)
}

func (t *BTree) walk(off uint64, fn func(key, value string) error) error {
	n, err := t.readNode(off)
	if err != nil {
		return err
	}
	if n.Type == node.Leaf {
		for _, kv := range n.Pairs {
			if err := fn(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	}
	for _, child := range n.Children {
		if err := t.walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Len counts the key-value pairs currently in the tree.
func (t *BTree) Len() (int, error) {
	count := 0
	err := t.Walk(func(string, string) error {
		count++
		return nil
	})
	return count, err
}

// Height is the number of edges from the root down to the leaves.
func (t *BTree) Height() (int, error) {
	h := 0
	n, err := t.readNode(pager.RootOffset)
	if err != nil {
		return 0, err
	}
	for n.Type == node.Internal {
		if n, err = t.readNode(n.Children[0]); err != nil {
			return 0, err
		}
		h++
	}
	return h, nil
}

// readNode fetches and decodes the node stored at off. Decode failures
// mean the page is corrupt; the offset is attached for diagnosis.
func (t *BTree) readNode(off uint64) (*node.Node, error) {
	pg, err := t.pager.GetPage(off)
	if err != nil {
		return nil, err
	}
	n, err := node.Decode(pg[:])
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt node at offset %d", off)
	}
	return n, nil
}

func (t *BTree) writeNode(off uint64, n *node.Node) error {
	pg, err := n.Encode()
	if err != nil {
		return err
	}
	return t.pager.WritePage(off, pg)
}

// childIndex picks the child to descend into: the first separator
// strictly greater than key bounds the subtree holding it.
func childIndex(n *node.Node, key string) int {
	return sort.Search(len(n.Keys), func(i int) bool { return key < n.Keys[i] })
}

// pairIndex binary-searches a leaf. It returns the position of key, or
// the position it would occupy, with ok reporting an exact match.
func pairIndex(n *node.Node, key string) (int, bool) {
	i := sort.Search(len(n.Pairs), func(i int) bool { return n.Pairs[i].Key >= key })
	return i, i < len(n.Pairs) && n.Pairs[i].Key == key
}

// reparent rewrites the parent pointer of every listed child.
func (t *BTree) reparent(children []uint64, parent uint64) error {
	for _, off := range children {
		c, err := t.readNode(off)
		if err != nil {
			return err
		}
		c.Parent = parent
		if err := t.writeNode(off, c); err != nil {
			return err
		}
	}
	return nil
}
