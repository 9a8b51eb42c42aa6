package blockidx

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursor(t *testing.T) {
	t.Run("Order", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		for _, i := range rand.Perm(500) {
			require.NoError(t, tree.Insert(intKey(int32(i+1)), uint64(i+1), false))
		}
		c := tree.NewCursor()
		ok, err := c.First()
		require.NoError(t, err)
		var want int32 = 1
		for ; ok; ok, err = c.Next() {
			require.Equal(t, intKey(want), c.Key())
			require.Equal(t, uint64(want), c.Value())
			want++
		}
		require.NoError(t, err)
		require.Equal(t, int32(501), want)
		require.False(t, c.Valid())
		require.NoError(t, c.Close())
		require.Equal(t, 1, store.Leased())
	})
	t.Run("Seek", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		for i := int32(2); i <= 1000; i += 2 {
			require.NoError(t, tree.Insert(intKey(i), uint64(i), false))
		}
		c := tree.NewCursor()
		ok, err := c.Seek(intKey(250))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, intKey(250), c.Key())
		ok, err = c.Seek(intKey(251))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, intKey(252), c.Key())
		// an open cursor holds one lease on its leaf
		require.Equal(t, 2, store.Leased())
		ok, err = c.Seek(intKey(1001))
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, 1, store.Leased())
		require.NoError(t, c.Close())
	})
	t.Run("EmptyTree", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		ok, err := tree.NewCursor().First()
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, 1, store.Leased())
	})
	t.Run("RemoveUnderCursor", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		for i := int32(1); i <= 800; i++ {
			require.NoError(t, tree.Insert(intKey(i), uint64(i), false))
		}
		c := tree.NewCursor()
		ok, err := c.Seek(intKey(10))
		require.NoError(t, err)
		require.True(t, ok)
		// merges and borrows move keys around the cursor leaf
		for i := int32(10); i <= 400; i++ {
			require.NoError(t, tree.Remove(intKey(i)))
		}
		ok, err = c.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, intKey(401), c.Key())
		require.NoError(t, c.Close())
		requireSound(t, store, tree, 800-391)
	})
	t.Run("RootSplitUnderCursor", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		for i := int32(1); i <= 4; i++ {
			require.NoError(t, tree.Insert(intKey(i*10), uint64(i), false))
		}
		c := tree.NewCursor()
		ok, err := c.First()
		require.NoError(t, err)
		require.True(t, ok)
		for i := int32(100); i <= 200; i++ {
			require.NoError(t, tree.Insert(intKey(i), uint64(i), false))
		}
		ok, err = c.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, intKey(20), c.Key())
		require.NoError(t, c.Close())
		requireSound(t, store, tree, 105)
	})
	t.Run("ScanStop", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		for i := int32(1); i <= 100; i++ {
			require.NoError(t, tree.Insert(intKey(i), uint64(i), false))
		}
		var got []uint64
		err := tree.Scan(intKey(50), func(key []byte, value uint64) bool {
			got = append(got, value)
			return len(got) < 5
		})
		require.NoError(t, err)
		require.Equal(t, []uint64{50, 51, 52, 53, 54}, got)
		require.Equal(t, 1, store.Leased())
	})
}
