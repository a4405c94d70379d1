// Package export streams a tree's logical contents to a compressed
// sidecar file and loads such a file back into a tree. The record
// framing is uvarint key length, uvarint value length, then the raw
// bytes, with the whole stream snappy-framed.
package export

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"bptree/btree"
	"bptree/node"
)

// Dump writes every key-value pair of the tree to path in ascending key
// order. The file is synced before the function returns.
func Dump(t *btree.BTree, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create dump %s", path)
	}
	defer f.Close()

	w := snappy.NewBufferedWriter(f)
	scratch := make([]byte, 2*binary.MaxVarintLen64+node.MaxKeySize+node.MaxValueSize)
	err = t.Walk(func(key, value string) error {
		n := binary.PutUvarint(scratch, uint64(len(key)))
		n += binary.PutUvarint(scratch[n:], uint64(len(value)))
		n += copy(scratch[n:], key)
		n += copy(scratch[n:], value)
		_, werr := w.Write(scratch[:n])
		return werr
	})
	if err != nil {
		return errors.Wrap(err, "dump")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "flush dump")
	}
	return errors.Wrap(f.Sync(), "sync dump")
}

// Load reads a dump file and inserts every record into the tree,
// committing once at the end. Records overwrite existing keys.
func Load(t *btree.BTree, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open dump %s", path)
	}
	defer f.Close()

	r := bufio.NewReader(snappy.NewReader(f))
	loaded := 0
	for {
		keyLen, err := binary.ReadUvarint(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return loaded, errors.Wrap(err, "read dump record")
		}
		valueLen, err := binary.ReadUvarint(r)
		if err != nil {
			return loaded, errors.Wrap(err, "read dump record")
		}
		key, err := readField(r, keyLen)
		if err != nil {
			return loaded, errors.Wrap(err, "read dump record")
		}
		value, err := readField(r, valueLen)
		if err != nil {
			return loaded, errors.Wrap(err, "read dump record")
		}
		if err := t.Insert(key, value); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, t.Commit()
}

// readField reads the length raw bytes of one field. A short field is an
// error.
func readField(r *bufio.Reader, length uint64) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}
