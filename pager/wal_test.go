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

func tempFiles(t *testing.T) (main *os.File, logPath string) {
	dir := t.TempDir()
	f, err := os.OpenFile(filepath.Join(dir, "main.db"), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f, filepath.Join(dir, "main.db.wal")
}

func testPage(fill byte) []byte {
	page := make([]byte, node.PageSize)
	for i := range page {
		page[i] = fill
	}
	return page
}

func TestReplayAppliesMarkedBatch(t *testing.T) {
	t.Parallel()

	main, logPath := tempFiles(t)
	l, err := openShadowLog(logPath)
	require.NoError(t, err)

	require.NoError(t, l.appendRecord(0, testPage(0xAA)))
	require.NoError(t, l.appendRecord(node.PageSize, testPage(0xBB)))
	require.NoError(t, l.appendMarker())
	require.NoError(t, l.replay(main))

	buf := make([]byte, node.PageSize)
	_, err = main.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, testPage(0xAA), buf)
	_, err = main.ReadAt(buf, node.PageSize)
	require.NoError(t, err)
	assert.Equal(t, testPage(0xBB), buf)

	// The log is truncated once the batch has been applied.
	fi, err := l.file.Stat()
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
	require.NoError(t, l.close())
}

func TestReplayDiscardsUnmarkedTail(t *testing.T) {
	t.Parallel()

	main, logPath := tempFiles(t)
	l, err := openShadowLog(logPath)
	require.NoError(t, err)

	require.NoError(t, l.appendRecord(0, testPage(0xAA)))
	require.NoError(t, l.replay(main))

	fi, err := main.Stat()
	require.NoError(t, err)
	assert.Zero(t, fi.Size(), "unmarked records must not touch the main file")
	require.NoError(t, l.close())
}

func TestReplayDiscardsTornRecord(t *testing.T) {
	t.Parallel()

	main, logPath := tempFiles(t)

	// A record whose page bytes were cut short by a crash.
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], 0)
	raw := append(hdr[:], testPage(0xCC)[:100]...)
	require.NoError(t, os.WriteFile(logPath, raw, 0o644))

	l, err := openShadowLog(logPath)
	require.NoError(t, err)
	require.NoError(t, l.replay(main))

	fi, err := main.Stat()
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
	require.NoError(t, l.close())
}

func TestReplayRejectsCorruptRecord(t *testing.T) {
	t.Parallel()

	main, logPath := tempFiles(t)

	// An offset that is neither the commit marker nor page-aligned.
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], 12345)
	raw := append(hdr[:], testPage(0xDD)...)
	require.NoError(t, os.WriteFile(logPath, raw, 0o644))

	l, err := openShadowLog(logPath)
	require.NoError(t, err)
	err = l.replay(main)
	assert.ErrorIs(t, err, ErrCorruptLog)
	require.NoError(t, l.close())
}

func TestReplayAppliesLastMarkedBatchPerOffset(t *testing.T) {
	t.Parallel()

	main, logPath := tempFiles(t)
	l, err := openShadowLog(logPath)
	require.NoError(t, err)

	require.NoError(t, l.appendRecord(0, testPage(0x01)))
	require.NoError(t, l.appendMarker())
	require.NoError(t, l.appendRecord(0, testPage(0x02)))
	require.NoError(t, l.appendMarker())
	require.NoError(t, l.replay(main))

	buf := make([]byte, node.PageSize)
	_, err = main.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, testPage(0x02), buf)
	require.NoError(t, l.close())
}
