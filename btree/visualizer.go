package btree

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"bptree/node"
	"bptree/pager"
)

// Visualizer renders the on-disk tree as an indented, depth-colored
// outline for the CLI's PRINT command.
type Visualizer struct {
	Tree *BTree
}

var depthColors = []*color.Color{
	color.New(color.FgCyan, color.Bold),
	color.New(color.FgGreen),
	color.New(color.FgYellow),
	color.New(color.FgMagenta),
	color.New(color.FgBlue),
}

// Visualize walks the tree from the root and returns one line per node.
func (v *Visualizer) Visualize() (string, error) {
	var b strings.Builder
	if err := v.visualize(&b, pager.RootOffset, 0, map[uint64]bool{}); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (v *Visualizer) visualize(b *strings.Builder, off uint64, depth int, seen map[uint64]bool) error {
	if seen[off] {
		fmt.Fprintf(b, "%s@%d (cycle)\n", strings.Repeat("  ", depth), off)
		return nil
	}
	seen[off] = true
	n, err := v.Tree.readNode(off)
	if err != nil {
		return err
	}

	c := depthColors[depth%len(depthColors)]
	indent := strings.Repeat("  ", depth)
	switch n.Type {
	case node.Leaf:
		parts := make([]string, 0, len(n.Pairs))
		for _, kv := range n.Pairs {
			parts = append(parts, fmt.Sprintf("%q:%q", kv.Key, kv.Value))
		}
		fmt.Fprintf(b, "%s%s\n", indent, c.Sprintf("@%d leaf {%s}", off, strings.Join(parts, " ")))
	case node.Internal:
		keys := make([]string, 0, len(n.Keys))
		for _, k := range n.Keys {
			keys = append(keys, fmt.Sprintf("%q", k))
		}
		fmt.Fprintf(b, "%s%s\n", indent, c.Sprintf("@%d internal [%s]", off, strings.Join(keys, " ")))
		for _, child := range n.Children {
			if err := v.visualize(b, child, depth+1, seen); err != nil {
				return err
			}
		}
	}
	return nil
}
