package pager

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"bptree/node"
)

/*
The page at MetaOffset is reserved for tree metadata. It is staged and
committed through the ordinary write path, so the free list and the
branching factor are crash-atomic together with the node pages.

Layout (big-endian):

	| offset | size | field                         |
	|      0 |    8 | magic "BPTRMETA"              |
	|      8 |    8 | branching factor b            |
	|     16 |    8 | free list length              |
	|     24 |  ... | free page offsets, 8 B each   |
*/
const (
	metaMagic      = "BPTRMETA"
	metaHeaderSize = 24

	// freeListCap bounds the persistent free list to what the metadata
	// page can hold. Offsets freed past the cap are dropped: the pages
	// stay unreferenced in the file and are simply never reused.
	freeListCap = (node.PageSize - metaHeaderSize) / 8
)

var ErrBadMeta = errors.New("metadata page is malformed")

func encodeMeta(branch uint64, free []uint64) node.Page {
	var pg node.Page
	copy(pg[:8], metaMagic)
	binary.BigEndian.PutUint64(pg[8:], branch)
	binary.BigEndian.PutUint64(pg[16:], uint64(len(free)))
	off := metaHeaderSize
	for _, ptr := range free {
		binary.BigEndian.PutUint64(pg[off:], ptr)
		off += 8
	}
	return pg
}

func decodeMeta(data []byte) (branch uint64, free []uint64, err error) {
	if len(data) < metaHeaderSize || string(data[:8]) != metaMagic {
		return 0, nil, errors.Wrap(ErrBadMeta, "bad magic")
	}
	branch = binary.BigEndian.Uint64(data[8:])
	count := binary.BigEndian.Uint64(data[16:])
	if count > freeListCap {
		return 0, nil, errors.Wrapf(ErrBadMeta, "free list length %d exceeds capacity", count)
	}
	free = make([]uint64, 0, count)
	off := metaHeaderSize
	for i := uint64(0); i < count; i++ {
		free = append(free, binary.BigEndian.Uint64(data[off:]))
		off += 8
	}
	return branch, free, nil
}
