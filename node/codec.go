package node

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

/*
On-disk page layout. All multi-byte integers are big-endian.

Common header (10 bytes):

	| offset | size | field                                  |
	|      0 |    1 | is_root (0x00 / 0x01)                  |
	|      1 |    1 | node type (0x01 internal, 0x02 leaf)   |
	|      2 |    8 | parent page offset (zero for the root) |

Leaf payload: u64 pair count, then count records of exactly
MaxKeySize+MaxValueSize bytes, key and value each right-padded with 0x00.

Internal payload: u64 child count M, then M child offsets (8 bytes each),
then M-1 separator keys of MaxKeySize bytes, right-padded with 0x00.
*/
const (
	PageSize     = 4096
	MaxKeySize   = 10
	MaxValueSize = 10

	isRootOffset  = 0
	typeOffset    = 1
	parentOffset  = 2
	headerSize    = 10
	countSize     = 8
	payloadOffset = headerSize + countSize
	pairSize      = MaxKeySize + MaxValueSize
	childPtrSize  = 8

	// LeafCapacity is the number of key-value pairs a leaf page can hold.
	LeafCapacity = (PageSize - payloadOffset) / pairSize

	// InternalCapacity is the number of child offsets an internal page can
	// hold, accounting for the M-1 separator keys that follow them.
	InternalCapacity = (PageSize - payloadOffset + MaxKeySize) / (childPtrSize + MaxKeySize)
)

// Page is a fixed-size byte buffer passed between the pager and the codec.
type Page [PageSize]byte

var (
	ErrKeyTooLong      = errors.New("key exceeds maximum size")
	ErrValueTooLong    = errors.New("value exceeds maximum size")
	ErrUnknownNodeType = errors.New("unknown node type")
	ErrOverflow        = errors.New("declared entry count exceeds page capacity")
	ErrUnderflow       = errors.New("page ends before declared entries")
)

// CheckKeyValue validates key and value lengths against the per-tree caps.
func CheckKeyValue(key, value string) error {
	if len(key) > MaxKeySize {
		return errors.Wrapf(ErrKeyTooLong, "%d bytes", len(key))
	}
	if len(value) > MaxValueSize {
		return errors.Wrapf(ErrValueTooLong, "%d bytes", len(value))
	}
	return nil
}

// Encode serializes a node into a page. The unused tail of the page is
// zero-filled, so encoding is deterministic byte for byte.
func (n *Node) Encode() (Page, error) {
	var pg Page
	if n.IsRoot {
		pg[isRootOffset] = 0x01
	}
	pg[typeOffset] = byte(n.Type)
	binary.BigEndian.PutUint64(pg[parentOffset:], n.Parent)

	switch n.Type {
	case Leaf:
		if len(n.Pairs) > LeafCapacity {
			return pg, errors.Wrapf(ErrOverflow, "%d pairs", len(n.Pairs))
		}
		binary.BigEndian.PutUint64(pg[payloadOffset-countSize:], uint64(len(n.Pairs)))
		off := payloadOffset
		for _, kv := range n.Pairs {
			if err := CheckKeyValue(kv.Key, kv.Value); err != nil {
				return pg, err
			}
			copy(pg[off:off+MaxKeySize], kv.Key)
			copy(pg[off+MaxKeySize:off+pairSize], kv.Value)
			off += pairSize
		}
	case Internal:
		if len(n.Children) > InternalCapacity {
			return pg, errors.Wrapf(ErrOverflow, "%d children", len(n.Children))
		}
		if len(n.Keys) != len(n.Children)-1 {
			return pg, errors.Errorf("internal node with %d children must carry %d keys, has %d",
				len(n.Children), len(n.Children)-1, len(n.Keys))
		}
		binary.BigEndian.PutUint64(pg[payloadOffset-countSize:], uint64(len(n.Children)))
		off := payloadOffset
		for _, child := range n.Children {
			binary.BigEndian.PutUint64(pg[off:], child)
			off += childPtrSize
		}
		for _, key := range n.Keys {
			if len(key) > MaxKeySize {
				return pg, errors.Wrapf(ErrKeyTooLong, "%d bytes", len(key))
			}
			copy(pg[off:off+MaxKeySize], key)
			off += MaxKeySize
		}
	default:
		return pg, errors.Wrapf(ErrUnknownNodeType, "0x%02x", byte(n.Type))
	}
	return pg, nil
}

// Decode deserializes a page back into a node. It accepts a plain byte
// slice so torn buffers surface as ErrUnderflow rather than a panic.
func Decode(data []byte) (*Node, error) {
	if len(data) < payloadOffset {
		return nil, errors.Wrapf(ErrUnderflow, "%d bytes", len(data))
	}
	n := &Node{
		IsRoot: data[isRootOffset] == 0x01,
		Parent: binary.BigEndian.Uint64(data[parentOffset:]),
	}
	count := binary.BigEndian.Uint64(data[payloadOffset-countSize:])

	switch Type(data[typeOffset]) {
	case Leaf:
		n.Type = Leaf
		if count > LeafCapacity {
			return nil, errors.Wrapf(ErrOverflow, "%d pairs", count)
		}
		need := payloadOffset + int(count)*pairSize
		if need > len(data) {
			return nil, errors.Wrapf(ErrUnderflow, "%d pairs need %d bytes, have %d", count, need, len(data))
		}
		n.Pairs = make([]KeyValuePair, 0, count)
		off := payloadOffset
		for i := uint64(0); i < count; i++ {
			n.Pairs = append(n.Pairs, KeyValuePair{
				Key:   unpad(data[off : off+MaxKeySize]),
				Value: unpad(data[off+MaxKeySize : off+pairSize]),
			})
			off += pairSize
		}
	case Internal:
		n.Type = Internal
		if count > InternalCapacity {
			return nil, errors.Wrapf(ErrOverflow, "%d children", count)
		}
		if count < 2 {
			return nil, errors.Wrapf(ErrUnderflow, "internal node with %d children", count)
		}
		need := payloadOffset + int(count)*childPtrSize + (int(count)-1)*MaxKeySize
		if need > len(data) {
			return nil, errors.Wrapf(ErrUnderflow, "%d children need %d bytes, have %d", count, need, len(data))
		}
		n.Children = make([]uint64, 0, count)
		off := payloadOffset
		for i := uint64(0); i < count; i++ {
			n.Children = append(n.Children, binary.BigEndian.Uint64(data[off:]))
			off += childPtrSize
		}
		n.Keys = make([]string, 0, count-1)
		for i := uint64(0); i < count-1; i++ {
			n.Keys = append(n.Keys, unpad(data[off:off+MaxKeySize]))
			off += MaxKeySize
		}
	default:
		return nil, errors.Wrapf(ErrUnknownNodeType, "0x%02x", data[typeOffset])
	}
	return n, nil
}

// unpad strips the 0x00 right-padding applied by Encode. Trailing NUL
// bytes in a stored key are indistinguishable from padding; callers are
// expected to avoid them.
func unpad(raw []byte) string {
	return string(bytes.TrimRight(raw, "\x00"))
}
