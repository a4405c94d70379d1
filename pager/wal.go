package pager

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"bptree/node"
)

// commitMarker terminates a batch of staged records in the shadow log.
// The sentinel is never page-aligned, so records and markers are
// self-distinguishing when the log is scanned.
const commitMarker = ^uint64(0)

/*
shadowLog is the sidecar file providing crash-atomic commit.

Every staged page write is appended as an 8-byte big-endian page offset
followed by the raw page bytes, and synced to stable storage immediately
so the log never lags the staging map. A commit appends the marker; on
the next open, replay applies every record preceding a marker to the
main file and discards any unmarked tail as a partial commit.
*/
type shadowLog struct {
	file *os.File
}

func openShadowLog(path string) (*shadowLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open shadow log %s: %v", path, err)
	}
	return &shadowLog{file: f}, nil
}

// writeAndSync writes to the log file and forces the contents to stable
// storage, so a record is durable once the call returns. A crash during
// the write can leave a torn record, which replay discards.
func (l *shadowLog) writeAndSync(p []byte) error {
	if _, err := l.file.Write(p); err != nil {
		return errors.Wrapf(ErrIO, "shadow log write: %v", err)
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrapf(ErrIO, "shadow log sync: %v", err)
	}
	return nil
}

func (l *shadowLog) appendRecord(off uint64, page []byte) error {
	buf := make([]byte, 8+node.PageSize)
	binary.BigEndian.PutUint64(buf, off)
	copy(buf[8:], page)
	return l.writeAndSync(buf)
}

func (l *shadowLog) appendMarker() error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], commitMarker)
	return l.writeAndSync(buf[:])
}

// reset truncates the log after a commit has been applied or a staging
// set has been discarded.
func (l *shadowLog) reset() error {
	if err := l.file.Truncate(0); err != nil {
		return errors.Wrapf(ErrIO, "shadow log truncate: %v", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(ErrIO, "shadow log seek: %v", err)
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrapf(ErrIO, "shadow log sync: %v", err)
	}
	return nil
}

/*
replay scans the log record by record and applies every batch that is
sealed by a commit marker to the main file. A torn record or a missing
trailing marker means the crash happened before the commit became
durable, so the tail is discarded. A structurally invalid record (an
offset that is neither the marker nor page-aligned) aborts the whole
replay with ErrCorruptLog.
*/
func (l *shadowLog) replay(dst *os.File) error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(ErrIO, "shadow log seek: %v", err)
	}
	r := bufio.NewReader(l.file)

	committed := make(map[uint64][]byte)
	pending := make(map[uint64][]byte)
scan:
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break scan
			}
			return errors.Wrapf(ErrIO, "shadow log read: %v", err)
		}
		off := binary.BigEndian.Uint64(hdr[:])
		if off == commitMarker {
			for k, v := range pending {
				committed[k] = v
			}
			pending = make(map[uint64][]byte)
			continue
		}
		if off%node.PageSize != 0 {
			return errors.Wrapf(ErrCorruptLog, "record offset %d not page-aligned", off)
		}
		page := make([]byte, node.PageSize)
		if _, err := io.ReadFull(r, page); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Torn record: the crash interrupted an append.
				break scan
			}
			return errors.Wrapf(ErrIO, "shadow log read: %v", err)
		}
		pending[off] = page
	}

	if len(committed) > 0 {
		for off, page := range committed {
			if _, err := dst.WriteAt(page, int64(off)); err != nil {
				return errors.Wrapf(ErrIO, "replay write at %d: %v", off, err)
			}
		}
		if err := dst.Sync(); err != nil {
			return errors.Wrapf(ErrIO, "replay sync: %v", err)
		}
	}
	return l.reset()
}

func (l *shadowLog) close() error {
	return l.file.Close()
}
