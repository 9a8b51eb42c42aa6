package blockidx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func openTestFileStore(t *testing.T, path string, blockSize int) *FileStore {
	s, err := OpenFileStore(FileStoreConfig{Path: path, BlockSize: blockSize, MaxCachedBlocks: 16})
	require.NoError(t, err)
	return s
}

func TestMemStore(t *testing.T) {
	s, err := NewMemStore(256)
	require.NoError(t, err)
	require.Equal(t, 256, s.BlockSize())
	_, err = NewMemStore(100)
	require.True(t, errors.Is(err, ErrBadBlockSize))

	b1, err := s.AllocateBlock()
	require.NoError(t, err)
	b2, err := s.AllocateBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(1), b1.ID())
	require.Equal(t, uint64(2), b2.ID())
	require.Len(t, b1.Buffer(), 256)

	again, err := s.ReadBlock(1)
	require.NoError(t, err)
	require.Same(t, b1, again)
	require.Equal(t, 3, s.Leased())
	again.Free()

	// a freed id comes back once its last lease is gone
	b1.Deallocate()
	b1.Free()
	require.Equal(t, 1, s.Blocks())
	_, err = s.ReadBlock(1)
	require.True(t, errors.Is(err, ErrBlockFreed))
	b3, err := s.AllocateBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(1), b3.ID())

	_, err = s.ReadBlock(99)
	require.True(t, errors.Is(err, ErrCorrupted))
	require.Panics(t, func() {
		b := newBlock(s, 7, nil)
		b.Free()
	})
	require.NoError(t, s.Close())
	_, err = s.AllocateBlock()
	require.True(t, errors.Is(err, ErrStoreClosed))
}

func TestFileStore(t *testing.T) {
	t.Run("Reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reopen.db")
		s := openTestFileStore(t, path, 512)
		ids := make([]uint64, 0, 8)
		for i := 0; i < 8; i++ {
			b, err := s.AllocateBlock()
			require.NoError(t, err)
			require.NoError(t, b.lock(testConfig.LockTimeout))
			copy(b.Buffer(), []byte{byte(i), 0xca, 0xfe})
			b.MarkDirty()
			b.unlock()
			ids = append(ids, b.ID())
			b.Free()
		}
		require.Equal(t, uint64(1), ids[0])
		require.NoError(t, s.storeCatalog([]byte(`{"indexes":[]}`)))
		require.NoError(t, s.Close())
		require.True(t, errors.Is(s.Close(), ErrStoreClosed))

		fi, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, int64(9*512), fi.Size())

		s = openTestFileStore(t, path, 0)
		require.Equal(t, 512, s.BlockSize())
		require.Equal(t, uint64(9), s.BlockCount())
		for i, id := range ids {
			b, err := s.ReadBlock(id)
			require.NoError(t, err)
			require.Equal(t, []byte{byte(i), 0xca, 0xfe}, b.Buffer()[:3])
			b.Free()
		}
		raw, err := s.loadCatalog()
		require.NoError(t, err)
		require.Equal(t, `{"indexes":[]}`, string(raw))
		require.Equal(t, uint64(8), s.Stat().BlockCacheMiss)
		require.NoError(t, s.Close())
	})
	t.Run("BlockSizeMismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "size.db")
		s := openTestFileStore(t, path, 512)
		require.NoError(t, s.Close())
		_, err := OpenFileStore(FileStoreConfig{Path: path, BlockSize: 1024})
		require.True(t, errors.Is(err, ErrBadBlockSize))
		_, err = OpenFileStore(FileStoreConfig{Path: path, BlockSize: 100})
		require.True(t, errors.Is(err, ErrBadBlockSize))
	})
	t.Run("FreelistReuse", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "free.db")
		s := openTestFileStore(t, path, 256)
		var blocks []*Block
		for i := 0; i < 6; i++ {
			b, err := s.AllocateBlock()
			require.NoError(t, err)
			blocks = append(blocks, b)
		}
		for _, i := range []int{1, 3, 4} {
			blocks[i].Deallocate()
			blocks[i].Free()
		}
		_, err := s.ReadBlock(blocks[3].ID())
		require.True(t, errors.Is(err, ErrBlockFreed))
		for _, i := range []int{0, 2, 5} {
			blocks[i].Free()
		}
		require.NoError(t, s.Close())

		// the chain written on close is loaded back, lowest id first
		s = openTestFileStore(t, path, 256)
		for _, want := range []uint64{2, 4, 5, 7} {
			b, err := s.AllocateBlock()
			require.NoError(t, err)
			require.Equal(t, want, b.ID())
			require.True(t, bytesIsZero(b.Buffer()))
			b.Free()
		}
		require.NoError(t, s.Close())
	})
	t.Run("Corrupted", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.db")
		s := openTestFileStore(t, path, 256)
		require.NoError(t, s.Close())
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{0xff}, 100)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		_, err = OpenFileStore(FileStoreConfig{Path: path})
		require.True(t, errors.Is(err, ErrCorrupted))

		require.NoError(t, os.WriteFile(path, []byte("definitely not a block file, padded to thirty-two"), 0o644))
		_, err = OpenFileStore(FileStoreConfig{Path: path})
		require.True(t, errors.Is(err, ErrCorrupted))
	})
	t.Run("Tree", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		s := openTestFileStore(t, path, 256)
		tree, err := Create(s, 8, LongKeyCompare{}, testConfig)
		require.NoError(t, err)
		for i := int64(1); i <= 2000; i++ {
			require.NoError(t, tree.Insert(longKey(i), uint64(i)*3, false))
		}
		for i := int64(1); i <= 2000; i += 3 {
			require.NoError(t, tree.Remove(longKey(i)))
		}
		root := tree.RootID()
		require.NoError(t, s.Sync())
		require.Greater(t, s.Stat().BlocksWritten, uint64(0))
		require.NoError(t, tree.Close())
		require.NoError(t, s.Close())

		s = openTestFileStore(t, path, 256)
		tree, err = Open(s, root, 8, LongKeyCompare{}, testConfig)
		require.NoError(t, err)
		info, err := tree.Check()
		require.NoError(t, err)
		require.Equal(t, 2000-667, info.Keys)
		for i := int64(1); i <= 2000; i++ {
			v, err := tree.Lookup(longKey(i))
			require.NoError(t, err)
			if i%3 == 1 {
				require.Equal(t, uint64(0), v)
			} else {
				require.Equal(t, uint64(i)*3, v)
			}
		}
		require.NoError(t, tree.Close())
		require.NoError(t, s.Close())
	})
}
