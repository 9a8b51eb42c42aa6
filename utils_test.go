package blockidx

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestBytesEqual(t *testing.T) {
	b := make([]byte, 32)
	require.True(t, bytesIsZero(b))
	b[16] = 1
	require.False(t, bytesIsZero(b))
	require.Panics(t, func() {
		bytesIsZero(make([]byte, 33))
	})
}

func TestNormalizeKey(t *testing.T) {
	in := []byte{1, 2}
	out, err := normalizeKey(in, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 0, 0}, out)
	out[0] = 9
	require.Equal(t, byte(1), in[0])
	_, err = normalizeKey([]byte{1, 2, 3}, 2)
	require.True(t, errors.Is(err, ErrKeySize))
	require.Nil(t, cloneBytes(nil))
}

func TestStack(t *testing.T) {
	var s stack
	_, ok := s.pop()
	require.False(t, ok)
	s.push(stackElement{id: 1})
	s.push(stackElement{id: 2, depth: 2})
	require.Equal(t, 2, s.len())
	e, ok := s.pop()
	require.True(t, ok)
	require.Equal(t, uint64(2), e.id)
	require.Equal(t, 2, e.depth)
	require.Equal(t, 1, s.len())
}
