package blockidx

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/zbh255/gocode/random"
	"golang.org/x/sync/errgroup"
)

var testConfig = Config{LockTimeout: 10 * time.Second}

func intKey(v int32) []byte {
	b, _ := Int32Codec{}.Marshal(&v)
	return b
}

func longKey(v int64) []byte {
	b, _ := Int64Codec{}.Marshal(&v)
	return b
}

func newMemTree(t testing.TB, blockSize int, kt KeyType, keySize int) (*MemStore, *BTree) {
	store, err := NewMemStore(blockSize)
	require.NoError(t, err)
	compare, err := NewKeyCompare(kt)
	require.NoError(t, err)
	tree, err := Create(store, keySize, compare, testConfig)
	require.NoError(t, err)
	return store, tree
}

// requireSound checks the structure, that no lease leaked and that every live block is
// part of the tree.
func requireSound(t *testing.T, store *MemStore, tree *BTree, keys int) TreeInfo {
	info, err := tree.Check()
	require.NoError(t, err)
	require.Equal(t, keys, info.Keys)
	require.Equal(t, 1, store.Leased())
	require.Equal(t, store.Blocks(), info.Blocks)
	return info
}

func TestBTree(t *testing.T) {
	t.Run("InsertLookup", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		require.Equal(t, 8, tree.Capacity())
		for _, i := range rand.Perm(1000) {
			require.NoError(t, tree.Insert(intKey(int32(i+1)), uint64(i+1)*10, false))
		}
		for i := 1; i <= 1000; i++ {
			v, err := tree.Lookup(intKey(int32(i)))
			require.NoError(t, err)
			require.Equal(t, uint64(i)*10, v)
		}
		v, err := tree.Lookup(intKey(1001))
		require.NoError(t, err)
		require.Equal(t, uint64(0), v)
		info := requireSound(t, store, tree, 1000)
		require.Greater(t, info.Height, 2)
		st := tree.Stat()
		require.Greater(t, st.Splits, uint64(0))
		require.Greater(t, st.RootSplits, uint64(0))
		require.NoError(t, tree.Close())
		require.Equal(t, 0, store.Leased())
	})
	t.Run("NegativeKeys", func(t *testing.T) {
		store, tree := newMemTree(t, 256, KeyTypeLong, 8)
		for i := int64(-200); i <= 200; i++ {
			require.NoError(t, tree.Insert(longKey(i), uint64(i+1000), false))
		}
		var prev *int64
		err := tree.Scan(nil, func(key []byte, value uint64) bool {
			k := int64(bin.Uint64(key))
			if prev != nil {
				require.Less(t, *prev, k)
			}
			prev = &k
			require.Equal(t, uint64(k+1000), value)
			return true
		})
		require.NoError(t, err)
		require.Equal(t, int64(200), *prev)
		requireSound(t, store, tree, 401)
	})
	t.Run("Duplicate", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		require.NoError(t, tree.Insert(intKey(5), 50, false))
		require.NoError(t, tree.Insert(intKey(5), 50, false))
		err := tree.Insert(intKey(5), 51, false)
		require.True(t, errors.Is(err, ErrDuplicateKey))
		v, err := tree.Lookup(intKey(5))
		require.NoError(t, err)
		require.Equal(t, uint64(50), v)
		require.NoError(t, tree.Insert(intKey(5), 52, true))
		v, err = tree.Lookup(intKey(5))
		require.NoError(t, err)
		require.Equal(t, uint64(52), v)
		requireSound(t, store, tree, 1)
	})
	t.Run("DuplicateInFullLeaf", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		for i := int32(1); i <= 8; i++ {
			require.NoError(t, tree.Insert(intKey(i), uint64(i), false))
		}
		// the root leaf is full, an overwrite must not split it
		require.NoError(t, tree.Insert(intKey(3), 33, true))
		info := requireSound(t, store, tree, 8)
		require.Equal(t, 1, info.Height)
		require.True(t, errors.Is(tree.Insert(intKey(4), 44, false), ErrDuplicateKey))
	})
	t.Run("InvalidInput", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		require.True(t, errors.Is(tree.Insert(intKey(1), 0, false), ErrInvalidValue))
		require.True(t, errors.Is(tree.Insert(make([]byte, 5), 1, false), ErrKeySize))
		_, err := tree.Lookup(make([]byte, 5))
		require.True(t, errors.Is(err, ErrKeySize))
		require.True(t, errors.Is(tree.Remove(make([]byte, 5)), ErrKeySize))
		requireSound(t, store, tree, 0)

		_, err = Create(store, 64, BinaryKeyCompare{}, testConfig)
		require.True(t, errors.Is(err, ErrKeyTooLarge))
		require.Equal(t, 1, store.Leased())
	})
	t.Run("Remove", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		for _, i := range rand.Perm(1000) {
			require.NoError(t, tree.Insert(intKey(int32(i+1)), uint64(i+1)*10, false))
		}
		for i := int32(500); i <= 600; i++ {
			require.NoError(t, tree.Remove(intKey(i)))
		}
		// missing keys are ignored
		require.NoError(t, tree.Remove(intKey(550)))
		require.NoError(t, tree.Remove(intKey(5000)))
		for i := int32(1); i <= 1000; i++ {
			v, err := tree.Lookup(intKey(i))
			require.NoError(t, err)
			if i >= 500 && i <= 600 {
				require.Equal(t, uint64(0), v)
			} else {
				require.Equal(t, uint64(i)*10, v)
			}
		}
		requireSound(t, store, tree, 899)

		for _, i := range rand.Perm(1000) {
			require.NoError(t, tree.Remove(intKey(int32(i+1))))
		}
		info := requireSound(t, store, tree, 0)
		require.Equal(t, 1, info.Height)
		st := tree.Stat()
		require.Greater(t, st.Merges, uint64(0))
		require.Greater(t, st.Collapses, uint64(0))
		require.Greater(t, store.Stat().BlocksRecycled, uint64(0))
	})
	t.Run("RemoveThenInsert", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeLong, 8)
		for round := 0; round < 3; round++ {
			for _, i := range rand.Perm(300) {
				require.NoError(t, tree.Insert(longKey(int64(i)), uint64(i)+1, false))
			}
			requireSound(t, store, tree, 300)
			for i := 0; i < 300; i += 2 {
				require.NoError(t, tree.Remove(longKey(int64(i))))
			}
			requireSound(t, store, tree, 150)
			for i := 1; i < 300; i += 2 {
				require.NoError(t, tree.Remove(longKey(int64(i))))
			}
			requireSound(t, store, tree, 0)
		}
	})
	t.Run("RandomInsertRemove", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeLong, 8)
		r := rand.New(rand.NewPCG(0, 0))
		want := make(map[int64]uint64)
		for op := 0; op < 20000; op++ {
			k := r.Int64N(500)
			if r.IntN(2) == 0 {
				v := uint64(op) + 1
				require.NoError(t, tree.Insert(longKey(k), v, true))
				want[k] = v
			} else {
				require.NoError(t, tree.Remove(longKey(k)), "op %d remove %d", op, k)
				delete(want, k)
			}
			_, err := tree.Check()
			require.NoError(t, err, "op %d key %d", op, k)
		}
		for k := int64(0); k < 500; k++ {
			v, err := tree.Lookup(longKey(k))
			require.NoError(t, err)
			require.Equal(t, want[k], v)
		}
		requireSound(t, store, tree, len(want))
	})
	t.Run("VarBinary", func(t *testing.T) {
		store, tree := newMemTree(t, 1024, KeyTypeVarBinary, 33)
		want := make(map[string]uint64)
		for i := 0; i < 500; i++ {
			s := random.GenStringOnAscii(uint32(1 + rand.IntN(32)))
			key, err := ParseKey(KeyTypeVarBinary, 33, s)
			require.NoError(t, err)
			if _, ok := want[s]; ok {
				continue
			}
			want[s] = uint64(i + 1)
			require.NoError(t, tree.Insert(key, uint64(i+1), false))
		}
		for s, value := range want {
			key, err := ParseKey(KeyTypeVarBinary, 33, s)
			require.NoError(t, err)
			v, err := tree.Lookup(key)
			require.NoError(t, err)
			require.Equal(t, value, v, s)
		}
		requireSound(t, store, tree, len(want))
	})
	t.Run("Closed", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		require.NoError(t, tree.Close())
		require.True(t, errors.Is(tree.Close(), ErrTreeClosed))
		require.True(t, errors.Is(tree.Insert(intKey(1), 1, false), ErrTreeClosed))
		_, err := tree.Lookup(intKey(1))
		require.True(t, errors.Is(err, ErrTreeClosed))
		require.Equal(t, 0, store.Leased())
	})
	t.Run("Reopen", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeInt, 4)
		for i := int32(1); i <= 100; i++ {
			require.NoError(t, tree.Insert(intKey(i), uint64(i), false))
		}
		root := tree.RootID()
		require.NoError(t, tree.Close())
		tree, err := Open(store, root, 4, IntKeyCompare{}, testConfig)
		require.NoError(t, err)
		v, err := tree.Lookup(intKey(42))
		require.NoError(t, err)
		require.Equal(t, uint64(42), v)
		requireSound(t, store, tree, 100)
	})
}

func TestBTreeConcurrent(t *testing.T) {
	const (
		workers = 8
		perKeys = 400
	)
	t.Run("DisjointInsert", func(t *testing.T) {
		store, tree := newMemTree(t, 256, KeyTypeLong, 8)
		var g errgroup.Group
		for w := 0; w < workers; w++ {
			g.Go(func() error {
				for _, i := range rand.Perm(perKeys) {
					k := int64(i*workers + w)
					if err := tree.Insert(longKey(k), uint64(k)+1, false); err != nil {
						return err
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		for k := int64(0); k < workers*perKeys; k++ {
			v, err := tree.Lookup(longKey(k))
			require.NoError(t, err)
			require.Equal(t, uint64(k)+1, v)
		}
		requireSound(t, store, tree, workers*perKeys)
	})
	t.Run("Mixed", func(t *testing.T) {
		store, tree := newMemTree(t, 256, KeyTypeLong, 8)
		for k := int64(0); k < workers*perKeys; k++ {
			require.NoError(t, tree.Insert(longKey(k), uint64(k)+1, false))
		}
		var g errgroup.Group
		for w := 0; w < workers; w++ {
			// removers drop the odd keys of their stripe, readers only look at even keys
			g.Go(func() error {
				for i := 0; i < perKeys; i++ {
					k := int64(i*workers + w)
					if k%2 == 0 {
						continue
					}
					if err := tree.Remove(longKey(k)); err != nil {
						return err
					}
				}
				return nil
			})
			g.Go(func() error {
				for i := 0; i < perKeys; i++ {
					k := int64(rand.IntN(workers*perKeys/2) * 2)
					v, err := tree.Lookup(longKey(k))
					if err != nil {
						return err
					}
					if v != uint64(k)+1 {
						return fmt.Errorf("key %d: got %d", k, v)
					}
				}
				return nil
			})
		}
		g.Go(func() error {
			return tree.Scan(nil, func(key []byte, value uint64) bool {
				return true
			})
		})
		require.NoError(t, g.Wait())
		requireSound(t, store, tree, workers*perKeys/2)
	})
	t.Run("Overlapping", func(t *testing.T) {
		store, tree := newMemTree(t, 128, KeyTypeLong, 8)
		var g errgroup.Group
		for w := 0; w < workers; w++ {
			g.Go(func() error {
				r := rand.New(rand.NewPCG(uint64(w), 0))
				for op := 0; op < 4000; op++ {
					k := r.Int64N(500)
					var err error
					if r.IntN(2) == 0 {
						err = tree.Insert(longKey(k), uint64(k)+1, true)
					} else {
						err = tree.Remove(longKey(k))
					}
					if err != nil {
						return errors.Wrapf(err, "worker %d op %d key %d", w, op, k)
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		keys := 0
		for k := int64(0); k < 500; k++ {
			v, err := tree.Lookup(longKey(k))
			require.NoError(t, err)
			if v != 0 {
				require.Equal(t, uint64(k)+1, v)
				keys++
			}
		}
		requireSound(t, store, tree, keys)
	})
}
