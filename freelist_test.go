package blockidx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestFreelist(t *testing.T) {
	f := newFreelist()
	require.Equal(t, nullBlockId, f.head())
	_, ok := f.pop()
	require.False(t, ok)
	for i := uint64(255); i >= 3; i-- {
		require.True(t, f.push(i))
	}
	require.False(t, f.push(7))
	require.True(t, f.has(7))
	require.Equal(t, uint64(3), f.head())
	for want := uint64(3); want <= 255; want++ {
		id, ok := f.pop()
		require.True(t, ok)
		require.Equal(t, want, id)
	}
	require.Equal(t, 0, f.len())
}

func TestFreelistChain(t *testing.T) {
	const blockSize = 64
	file, err := os.Create(filepath.Join(t.TempDir(), "chain.dat"))
	require.NoError(t, err)
	defer file.Close()
	require.NoError(t, file.Truncate(16*blockSize))

	f := newFreelist()
	for _, id := range []uint64{9, 2, 14, 5} {
		f.push(id)
	}
	require.NoError(t, f.writeChain(file, blockSize))

	loaded := newFreelist()
	require.NoError(t, loaded.loadChain(file, f.head(), blockSize, 16))
	require.Equal(t, 4, loaded.len())
	for _, want := range []uint64{2, 5, 9, 14} {
		id, _ := loaded.pop()
		require.Equal(t, want, id)
	}

	t.Run("OutOfRange", func(t *testing.T) {
		err := newFreelist().loadChain(file, 2, blockSize, 10)
		require.True(t, errors.Is(err, ErrCorrupted))
	})
	t.Run("Cycle", func(t *testing.T) {
		var link [ptrSize]byte
		bin.PutUint64(link[:], 2)
		_, err := file.WriteAt(link[:], 14*blockSize)
		require.NoError(t, err)
		err = newFreelist().loadChain(file, 2, blockSize, 16)
		require.True(t, errors.Is(err, ErrCorrupted))
	})
}
