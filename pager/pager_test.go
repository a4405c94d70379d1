package pager

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bptree/node"
)

func setup(t *testing.T) (*Pager, string) {
	path := filepath.Join(t.TempDir(), "tree.db")
	p, err := Open(path)
	require.NoError(t, err, "Failed to open pager")
	t.Cleanup(func() { p.Close() })
	return p, path
}

func pageOf(fill byte) node.Page {
	var pg node.Page
	for i := range pg {
		pg[i] = fill
	}
	return pg
}

func TestStageAndReadBack(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)
	require.True(t, p.Fresh())

	want := pageOf(0x11)
	require.NoError(t, p.WritePage(RootOffset, want))

	got, err := p.GetPage(RootOffset)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestInvalidOffsets(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)

	_, err := p.GetPage(5)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	// Past the logical end (a fresh tree reserves two pages).
	_, err = p.GetPage(2 * node.PageSize)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	// Reserved but never written.
	_, err = p.GetPage(RootOffset)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	err = p.WritePage(3*node.PageSize, pageOf(0x22))
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestAllocateAndFree(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)

	first := p.AllocatePage()
	second := p.AllocatePage()
	assert.Equal(t, uint64(2*node.PageSize), first)
	assert.Equal(t, uint64(3*node.PageSize), second)

	p.FreePage(first)
	assert.Equal(t, []uint64{first}, p.FreeOffsets())

	// Duplicates are ignored.
	p.FreePage(first)
	assert.Equal(t, []uint64{first}, p.FreeOffsets())

	// Reserved pages are never recycled.
	p.FreePage(RootOffset)
	p.FreePage(MetaOffset)
	assert.Equal(t, []uint64{first}, p.FreeOffsets())

	// The freed page is handed out again before the file grows.
	assert.Equal(t, first, p.AllocatePage())
	assert.Empty(t, p.FreeOffsets())
}

func TestCommitDurability(t *testing.T) {
	t.Parallel()

	p, path := setup(t)
	want := pageOf(0x33)
	require.NoError(t, p.WritePage(RootOffset, want))
	require.NoError(t, p.Commit())
	require.NoError(t, p.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.False(t, reopened.Fresh())

	got, err := reopened.GetPage(RootOffset)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)
	committed := pageOf(0x44)
	require.NoError(t, p.WritePage(RootOffset, committed))
	require.NoError(t, p.Commit())

	require.NoError(t, p.WritePage(RootOffset, pageOf(0x55)))
	extra := p.AllocatePage()
	require.NoError(t, p.WritePage(extra, pageOf(0x66)))
	require.NoError(t, p.Rollback())

	got, err := p.GetPage(RootOffset)
	require.NoError(t, err)
	assert.Equal(t, committed, got)

	// The logical extension was rolled back too.
	_, err = p.GetPage(extra)
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestUncommittedWritesDroppedAcrossReopen(t *testing.T) {
	t.Parallel()

	p, path := setup(t)
	require.NoError(t, p.WritePage(RootOffset, pageOf(0x77)))
	require.NoError(t, p.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Fresh())
}

func TestFreeListSurvivesReopen(t *testing.T) {
	t.Parallel()

	p, path := setup(t)
	p.SetBranch(2)
	require.NoError(t, p.WritePage(RootOffset, pageOf(0x01)))
	extra := p.AllocatePage()
	require.NoError(t, p.WritePage(extra, pageOf(0x02)))
	require.NoError(t, p.Commit())

	p.FreePage(extra)
	require.NoError(t, p.Commit())
	require.NoError(t, p.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.Branch())
	assert.Equal(t, []uint64{extra}, reopened.FreeOffsets())
	assert.Equal(t, extra, reopened.AllocatePage())
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)
	require.NoError(t, p.WritePage(RootOffset, pageOf(0x88)))

	snap := p.Snapshot()
	extra := p.AllocatePage()
	require.NoError(t, p.WritePage(extra, pageOf(0x99)))
	require.NoError(t, p.WritePage(RootOffset, pageOf(0xAB)))
	require.NoError(t, p.Restore(snap))

	got, err := p.GetPage(RootOffset)
	require.NoError(t, err)
	assert.Equal(t, pageOf(0x88), got, "write before the snapshot must survive")

	_, err = p.GetPage(extra)
	assert.ErrorIs(t, err, ErrInvalidOffset, "allocation after the snapshot must be undone")
}

func TestAlreadyOpen(t *testing.T) {
	t.Parallel()

	p, path := setup(t)
	_ = p

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

// Crash simulations: the shadow log is fabricated by hand, standing in
// for a process that died at a precise point of the commit protocol.

func writeLogRecord(t *testing.T, f *os.File, off uint64, pg node.Page) {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], off)
	_, err := f.Write(hdr[:])
	require.NoError(t, err)
	_, err = f.Write(pg[:])
	require.NoError(t, err)
}

func writeLogMarker(t *testing.T, f *os.File) {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], commitMarker)
	_, err := f.Write(hdr[:])
	require.NoError(t, err)
}

func TestCrashBeforeMarkerYieldsPreCommitState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tree.db")
	log, err := os.Create(path + ".wal")
	require.NoError(t, err)
	writeLogRecord(t, log, RootOffset, pageOf(0xEE))
	require.NoError(t, log.Close())

	p, err := Open(path)
	require.NoError(t, err)
	defer p.Close()
	assert.True(t, p.Fresh(), "records without a marker must be discarded")
}

func TestCrashAfterMarkerYieldsPostCommitState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tree.db")
	log, err := os.Create(path + ".wal")
	require.NoError(t, err)
	writeLogRecord(t, log, RootOffset, pageOf(0xEF))
	writeLogRecord(t, log, MetaOffset, encodeMeta(2, nil))
	writeLogMarker(t, log)
	require.NoError(t, log.Close())

	p, err := Open(path)
	require.NoError(t, err)
	defer p.Close()
	require.False(t, p.Fresh())
	assert.Equal(t, uint64(2), p.Branch())

	got, err := p.GetPage(RootOffset)
	require.NoError(t, err)
	assert.Equal(t, pageOf(0xEF), got)
}
