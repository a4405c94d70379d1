package node

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeafRoundTrip(t *testing.T) {
	t.Parallel()

	leaf := NewLeaf(true, 0, []KeyValuePair{
		{Key: "ariana", Value: "grande"},
		{Key: "foo", Value: "bar"},
		{Key: "lebron", Value: "james"},
	})

	pg, err := leaf.Encode()
	require.NoError(t, err)
	assert.Len(t, pg, PageSize)

	decoded, err := Decode(pg[:])
	require.NoError(t, err)
	assert.Equal(t, leaf, decoded)
}

func TestInternalRoundTrip(t *testing.T) {
	t.Parallel()

	internal := NewInternal(false, PageSize,
		[]string{"ariana", "foo bar", "lebron"},
		[]uint64{2 * PageSize, 3 * PageSize, 4 * PageSize, 5 * PageSize},
	)

	pg, err := internal.Encode()
	require.NoError(t, err)

	decoded, err := Decode(pg[:])
	require.NoError(t, err)
	assert.Equal(t, internal, decoded)
}

func TestEmptyLeafRootRoundTrip(t *testing.T) {
	t.Parallel()

	leaf := NewLeaf(true, 0, nil)
	pg, err := leaf.Encode()
	require.NoError(t, err)

	decoded, err := Decode(pg[:])
	require.NoError(t, err)
	assert.True(t, decoded.IsRoot)
	assert.Equal(t, Leaf, decoded.Type)
	assert.Empty(t, decoded.Pairs)
}

func TestEncodeRejectsOversizedInput(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", MaxKeySize+1)

	leaf := NewLeaf(true, 0, []KeyValuePair{{Key: long, Value: "v"}})
	_, err := leaf.Encode()
	assert.ErrorIs(t, err, ErrKeyTooLong)

	leaf = NewLeaf(true, 0, []KeyValuePair{{Key: "k", Value: long}})
	_, err = leaf.Encode()
	assert.ErrorIs(t, err, ErrValueTooLong)

	internal := NewInternal(true, 0, []string{long}, []uint64{PageSize, 2 * PageSize})
	_, err = internal.Encode()
	assert.ErrorIs(t, err, ErrKeyTooLong)
}

func TestEncodeRejectsOverflowingCounts(t *testing.T) {
	t.Parallel()

	pairs := make([]KeyValuePair, LeafCapacity+1)
	for i := range pairs {
		pairs[i] = KeyValuePair{Key: "k", Value: "v"}
	}
	_, err := NewLeaf(true, 0, pairs).Encode()
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestDecodeRejectsUnknownNodeType(t *testing.T) {
	t.Parallel()

	var pg Page
	pg[typeOffset] = 0x07
	_, err := Decode(pg[:])
	assert.ErrorIs(t, err, ErrUnknownNodeType)
}

func TestDecodeRejectsOverflowingCounts(t *testing.T) {
	t.Parallel()

	var pg Page
	pg[typeOffset] = byte(Leaf)
	binary.BigEndian.PutUint64(pg[payloadOffset-countSize:], LeafCapacity+1)
	_, err := Decode(pg[:])
	assert.ErrorIs(t, err, ErrOverflow)

	pg = Page{}
	pg[typeOffset] = byte(Internal)
	binary.BigEndian.PutUint64(pg[payloadOffset-countSize:], InternalCapacity+1)
	_, err = Decode(pg[:])
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	t.Parallel()

	leaf := NewLeaf(true, 0, []KeyValuePair{{Key: "foo", Value: "bar"}})
	pg, err := leaf.Encode()
	require.NoError(t, err)

	_, err = Decode(pg[:payloadOffset+5])
	assert.ErrorIs(t, err, ErrUnderflow)

	_, err = Decode(pg[:4])
	assert.ErrorIs(t, err, ErrUnderflow)
}

func TestPaddingIsStripped(t *testing.T) {
	t.Parallel()

	leaf := NewLeaf(true, 0, []KeyValuePair{{Key: "a", Value: "shalom"}})
	pg, err := leaf.Encode()
	require.NoError(t, err)

	decoded, err := Decode(pg[:])
	require.NoError(t, err)
	assert.Equal(t, "a", decoded.Pairs[0].Key)
	assert.Equal(t, "shalom", decoded.Pairs[0].Value)
}
