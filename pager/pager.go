package pager

import (
	"os"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"bptree/node"
)

const (
	// RootOffset is the fixed location of the tree root page.
	RootOffset uint64 = 0

	// MetaOffset is the fixed location of the metadata page holding the
	// branching factor and the free list.
	MetaOffset uint64 = node.PageSize

	// reservedPages are the pages every tree file starts with.
	reservedPages = 2
)

// Page cache sizing. The cache only ever holds committed page images, so
// an eviction or a missed admission just means an extra file read.
const (
	cacheNumCounters = 10_000
	cacheMaxCost     = 8 << 20
	cacheBufferItems = 64
)

var (
	ErrIO            = errors.New("i/o failure")
	ErrInvalidOffset = errors.New("offset is unaligned or out of range")
	ErrCorruptLog    = errors.New("shadow log is corrupt")
	ErrAlreadyOpen   = errors.New("backing file is locked by another process")
)

/*
Pager is the only component that touches the backing file.

Mutations never overwrite committed pages directly. WritePage stages the
page in an in-memory map and appends it to the shadow log; Commit seals
the log with a marker, copies the staged pages into the main file, syncs
it and truncates the log. A crash before the marker leaves the
pre-commit state, a crash after it is healed by replay on the next open.

Reads go staging map, then page cache, then file, the same ordering the
staged-update pagers in this family of stores use.
*/
type Pager struct {
	path string
	file *os.File
	wal  *shadowLog

	size    uint64 // committed file size in bytes, multiple of the page size
	nappend uint64 // pages logically appended past size, pending commit

	staged map[uint64][]byte
	cache  *ristretto.Cache[uint64, []byte]

	branch  uint64
	free    []uint64
	freeSet map[uint64]struct{}
}

// Snapshot captures the staging state of the pager so a single failed
// operation can be undone without touching earlier staged mutations.
type Snapshot struct {
	staged  map[uint64][]byte
	nappend uint64
	free    []uint64
}

// Open opens or creates the backing file and its sibling shadow log,
// replaying the log first if a previous process crashed mid-commit. The
// backing file is advisory-locked; a second opener gets ErrAlreadyOpen.
func Open(path string) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.Wrapf(ErrAlreadyOpen, "%s", path)
		}
		return nil, errors.Wrapf(ErrIO, "flock %s: %v", path, err)
	}

	wal, err := openShadowLog(path + ".wal")
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := wal.replay(f); err != nil {
		wal.close()
		f.Close()
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		wal.close()
		f.Close()
		return nil, errors.Wrapf(ErrIO, "stat %s: %v", path, err)
	}
	size := uint64(fi.Size())
	if size%node.PageSize != 0 {
		wal.close()
		f.Close()
		return nil, errors.Wrapf(ErrInvalidOffset, "file size %d is not page-aligned", size)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: cacheNumCounters,
		MaxCost:     cacheMaxCost,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		wal.close()
		f.Close()
		return nil, errors.Wrap(err, "page cache")
	}

	p := &Pager{
		path:    path,
		file:    f,
		wal:     wal,
		size:    size,
		staged:  make(map[uint64][]byte),
		cache:   cache,
		freeSet: make(map[uint64]struct{}),
	}
	if size == 0 {
		// Fresh tree: reserve the root and metadata pages. Their content
		// is staged by the caller and becomes durable on the first commit.
		p.nappend = reservedPages
		return p, nil
	}
	if size < reservedPages*node.PageSize {
		p.Close()
		return nil, errors.Wrapf(ErrBadMeta, "file too short for metadata page: %d bytes", size)
	}
	if err := p.loadMeta(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Fresh reports whether the backing file has no committed state yet.
func (p *Pager) Fresh() bool {
	return p.size == 0
}

// Branch returns the branching factor recorded in the metadata page, or
// zero for a fresh tree that has not been assigned one yet.
func (p *Pager) Branch() uint64 {
	return p.branch
}

// SetBranch records the branching factor to be persisted at commit.
func (p *Pager) SetBranch(b uint64) {
	p.branch = b
}

// logicalSize is the committed size plus pages allocated past the end.
func (p *Pager) logicalSize() uint64 {
	return p.size + p.nappend*node.PageSize
}

// GetPage reads the page at the given offset, consulting the staging map
// and the cache before the file.
func (p *Pager) GetPage(off uint64) (node.Page, error) {
	var pg node.Page
	if off%node.PageSize != 0 {
		return pg, errors.Wrapf(ErrInvalidOffset, "%d", off)
	}
	if off >= p.logicalSize() {
		return pg, errors.Wrapf(ErrInvalidOffset, "%d past end %d", off, p.logicalSize())
	}
	if data, ok := p.staged[off]; ok {
		copy(pg[:], data)
		return pg, nil
	}
	if data, ok := p.cache.Get(off); ok {
		copy(pg[:], data)
		return pg, nil
	}
	if off >= p.size {
		// Allocated this transaction but never written.
		return pg, errors.Wrapf(ErrInvalidOffset, "%d allocated but unwritten", off)
	}
	buf := make([]byte, node.PageSize)
	if _, err := p.file.ReadAt(buf, int64(off)); err != nil {
		return pg, errors.Wrapf(ErrIO, "read page at %d: %v", off, err)
	}
	p.cache.Set(off, buf, node.PageSize)
	copy(pg[:], buf)
	return pg, nil
}

// WritePage stages a page image and appends it to the shadow log. The
// main file is untouched until Commit.
func (p *Pager) WritePage(off uint64, pg node.Page) error {
	if off%node.PageSize != 0 || off >= p.logicalSize() {
		return errors.Wrapf(ErrInvalidOffset, "%d", off)
	}
	data := make([]byte, node.PageSize)
	copy(data, pg[:])
	if err := p.wal.appendRecord(off, data); err != nil {
		return err
	}
	p.staged[off] = data
	return nil
}

// AllocatePage hands out a reusable offset from the free list if one is
// available, otherwise extends the file logically by one page. The
// actual extension happens at commit.
func (p *Pager) AllocatePage() uint64 {
	if n := len(p.free); n > 0 {
		off := p.free[n-1]
		p.free = p.free[:n-1]
		delete(p.freeSet, off)
		return off
	}
	off := p.logicalSize()
	p.nappend++
	return off
}

// FreePage returns an offset to the free list. Reserved pages, unaligned
// offsets and duplicates are ignored, and offsets past the persistent
// capacity of the list are dropped rather than recycled.
func (p *Pager) FreePage(off uint64) {
	if off < reservedPages*node.PageSize || off%node.PageSize != 0 || off >= p.logicalSize() {
		return
	}
	if _, dup := p.freeSet[off]; dup {
		return
	}
	if len(p.free) >= freeListCap {
		return
	}
	p.free = append(p.free, off)
	p.freeSet[off] = struct{}{}
	p.cache.Del(off)
}

// FreeOffsets returns a copy of the current free list.
func (p *Pager) FreeOffsets() []uint64 {
	out := make([]uint64, len(p.free))
	copy(out, p.free)
	return out
}

// Snapshot copies the staging state so a failed mutation can be undone
// with Restore without disturbing earlier staged writes.
func (p *Pager) Snapshot() *Snapshot {
	staged := make(map[uint64][]byte, len(p.staged))
	for off, data := range p.staged {
		staged[off] = data
	}
	free := make([]uint64, len(p.free))
	copy(free, p.free)
	return &Snapshot{staged: staged, nappend: p.nappend, free: free}
}

// Restore rewinds the staging state to a snapshot and rewrites the
// shadow log to match, so a later commit cannot resurrect writes staged
// by the abandoned operation.
func (p *Pager) Restore(s *Snapshot) error {
	p.staged = s.staged
	p.nappend = s.nappend
	p.free = s.free
	p.freeSet = make(map[uint64]struct{}, len(s.free))
	for _, off := range s.free {
		p.freeSet[off] = struct{}{}
	}
	if err := p.wal.reset(); err != nil {
		return err
	}
	for off, data := range p.staged {
		if err := p.wal.appendRecord(off, data); err != nil {
			return err
		}
	}
	return nil
}

/*
Commit makes every staged write durable: the metadata page is staged
with the current free list, the shadow log is sealed with the commit
marker, the staged pages are copied into the main file, the file is
synced and the log is truncated. Atomicity hangs on the marker: before
it is durable a reopen discards the log, after it a reopen replays it.
*/
func (p *Pager) Commit() error {
	if err := p.WritePage(MetaOffset, encodeMeta(p.branch, p.free)); err != nil {
		return err
	}
	if err := p.wal.appendMarker(); err != nil {
		return err
	}

	for off, data := range p.staged {
		if _, err := p.file.WriteAt(data, int64(off)); err != nil {
			return errors.Wrapf(ErrIO, "write page at %d: %v", off, err)
		}
	}
	newSize := p.logicalSize()
	if newSize > p.size {
		if err := p.file.Truncate(int64(newSize)); err != nil {
			return errors.Wrapf(ErrIO, "extend to %d: %v", newSize, err)
		}
	}
	if err := p.file.Sync(); err != nil {
		return errors.Wrapf(ErrIO, "sync: %v", err)
	}

	for off, data := range p.staged {
		p.cache.Set(off, data, node.PageSize)
	}
	p.size = newSize
	p.nappend = 0
	p.staged = make(map[uint64][]byte)
	return p.wal.reset()
}

// Rollback discards all staged writes, truncates the shadow log and
// restores the free list and appended-page counter to the last
// committed state.
func (p *Pager) Rollback() error {
	p.staged = make(map[uint64][]byte)
	if err := p.wal.reset(); err != nil {
		return err
	}
	if p.size == 0 {
		p.nappend = reservedPages
		p.free = nil
		p.freeSet = make(map[uint64]struct{})
		return nil
	}
	p.nappend = 0
	return p.loadMeta()
}

// loadMeta rebuilds the branching factor and free list from the
// committed metadata page.
func (p *Pager) loadMeta() error {
	buf := make([]byte, node.PageSize)
	if _, err := p.file.ReadAt(buf, int64(MetaOffset)); err != nil {
		return errors.Wrapf(ErrIO, "read metadata page: %v", err)
	}
	branch, free, err := decodeMeta(buf)
	if err != nil {
		return err
	}
	p.branch = branch
	p.free = free
	p.freeSet = make(map[uint64]struct{}, len(free))
	for _, off := range free {
		p.freeSet[off] = struct{}{}
	}
	return nil
}

// Close releases the file handles and the page cache. Uncommitted
// staged writes are dropped, equivalent to a rollback.
func (p *Pager) Close() error {
	if p.file == nil {
		return nil
	}
	p.cache.Close()
	_ = p.wal.reset()
	_ = p.wal.close()
	err := p.file.Close()
	p.file = nil
	return err
}
