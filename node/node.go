package node

// Type tags a page as holding an internal or a leaf node.
// The values are part of the on-disk format.
type Type byte

const (
	Internal Type = 0x01
	Leaf     Type = 0x02
)

// KeyValuePair is a single entry of a leaf node.
// key uniquely identifies the pair and is used for sorting.
type KeyValuePair struct {
	Key   string
	Value string
}

/*
Node is the logical content of a single page.

Internal nodes hold separator keys and child page offsets, with
len(Children) == len(Keys)+1. All keys below Children[i] sort strictly
before Keys[i]; all keys below Children[i+1] sort at or after Keys[i].
Leaf nodes hold the key-value pairs, sorted ascending by key.

Every node except the root records the page offset of its parent, so
splits and merges can walk upward without re-descending from the root.
*/
type Node struct {
	Type   Type
	IsRoot bool
	Parent uint64

	// Internal variant.
	Keys     []string
	Children []uint64

	// Leaf variant.
	Pairs []KeyValuePair
}

// NewLeaf returns a leaf node holding the given pairs.
func NewLeaf(isRoot bool, parent uint64, pairs []KeyValuePair) *Node {
	return &Node{Type: Leaf, IsRoot: isRoot, Parent: parent, Pairs: pairs}
}

// NewInternal returns an internal node with the given separators and children.
func NewInternal(isRoot bool, parent uint64, keys []string, children []uint64) *Node {
	return &Node{Type: Internal, IsRoot: isRoot, Parent: parent, Keys: keys, Children: children}
}
