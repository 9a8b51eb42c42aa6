package blockidx

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func BenchmarkBTree(b *testing.B) {
	const preload = 128 * 1024
	b.Run("PureRead", func(b *testing.B) {
		_, tree := newMemTree(b, DefaultBlockSize, KeyTypeLong, 8)
		for i := int64(0); i < preload; i++ {
			require.NoError(b, tree.Insert(longKey(i), uint64(i)+1, false))
		}
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				_, err := tree.Lookup(longKey(rand.Int64N(preload)))
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	})
	b.Run("PureWrite", func(b *testing.B) {
		_, tree := newMemTree(b, DefaultBlockSize, KeyTypeLong, 8)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			k := rand.Int64()
			require.NoError(b, tree.Insert(longKey(k), uint64(i)+1, true))
		}
	})
	b.Run("ReadWrite", func(b *testing.B) {
		_, tree := newMemTree(b, DefaultBlockSize, KeyTypeLong, 8)
		for i := int64(0); i < preload; i++ {
			require.NoError(b, tree.Insert(longKey(i), uint64(i)+1, false))
		}
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				k := rand.Int64N(2 * preload)
				var err error
				if k%4 == 0 {
					err = tree.Insert(longKey(k), uint64(k)+1, true)
				} else {
					_, err = tree.Lookup(longKey(k))
				}
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	})
	b.Run("FileWriteSync", func(b *testing.B) {
		store, err := OpenFileStore(FileStoreConfig{Path: filepath.Join(b.TempDir(), "bench.db")})
		require.NoError(b, err)
		defer store.Close()
		tree, err := Create(store, 8, LongKeyCompare{}, Config{})
		require.NoError(b, err)
		defer tree.Close()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			require.NoError(b, tree.Insert(longKey(rand.Int64()), uint64(i)+1, true))
			if i%1024 == 1023 {
				require.NoError(b, store.Sync())
			}
		}
	})
}

func BenchmarkIndexCache(b *testing.B) {
	_, tree := newMemTree(b, DefaultBlockSize, KeyTypeLong, 8)
	c, err := NewIndexCache(CacheConfig{Capacity: 1024})
	require.NoError(b, err)
	defer c.Close()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			k := rand.Int64N(1 << 16)
			if err := c.Insert(tree, longKey(k), uint64(k)+1, nil); err != nil {
				b.Fatal(err)
			}
		}
	})
}
