package blockidx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockView(t *testing.T) {
	buf := make([]byte, 128)
	v := newBlockView(buf, 4)
	_, ok := v.leafState()
	require.False(t, ok)
	v.setLeaf(true)
	leaf, ok := v.leafState()
	require.True(t, ok)
	require.True(t, leaf)
	v.setLeaf(false)
	require.False(t, v.isLeaf())
	require.Equal(t, uint32(flagInner), v.flags())
	require.Equal(t, 8, v.capacity())

	v.setParent(0x1122)
	v.setNext(0x3344)
	require.Equal(t, uint64(0x1122), v.parent())
	require.Equal(t, uint64(0x3344), v.next())
	// header is big-endian
	require.Equal(t, byte(0x22), buf[parentOffset+7])

	for _, k := range []int32{10, 30, 40} {
		v.insertTuple(v.count(), uint64(k), intKey(k))
	}
	v.insertTuple(1, 20, intKey(20))
	require.Equal(t, 4, v.count())
	for i, k := range []int32{10, 20, 30, 40} {
		require.Equal(t, intKey(k), v.key(i))
		require.Equal(t, uint64(k), v.pointer(i))
	}
	require.Equal(t, intKey(40), v.lastKey())

	v.deleteTuple(0)
	require.Equal(t, 3, v.count())
	require.Equal(t, intKey(20), v.key(0))
	// the vacated slot is zeroed
	require.Equal(t, make([]byte, 12), buf[v.tupleOffset(3):v.tupleOffset(4)])

	other := newBlockView(make([]byte, 128), 4)
	other.copyTuples(0, v, 1, 2)
	other.setCount(2)
	require.Equal(t, intKey(30), other.key(0))
	require.Equal(t, uint64(40), other.pointer(1))

	v.truncate(1)
	require.Equal(t, 1, v.count())
	require.Equal(t, make([]byte, 24), buf[v.tupleOffset(1):v.tupleOffset(3)])

	v.setTuple(0, 99, []byte{1})
	require.Equal(t, []byte{1, 0, 0, 0}, v.key(0))
	v.reset()
	require.True(t, bytesIsZero(buf))
	require.Equal(t, "ff", blockIdString(255))
}
