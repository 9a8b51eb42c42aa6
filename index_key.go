package blockidx

import (
	"sync"

	"github.com/google/uuid"
)

type cacheKey struct {
	tree uuid.UUID
	key  string
}

// IndexKey is the cached state of one key of one tree. There is at most one live IndexKey
// per key among the LRU and the pending set, a pending entry is adopted back into the LRU
// on its next use.
type IndexKey struct {
	mu   sync.Mutex
	tree *BTree
	ck   cacheKey
	key  []byte

	value uint64
	// valid: value is what the tree holds or will hold once the pending write lands
	valid bool
	// dirty: value has not been written to the tree yet
	dirty bool
	// stored: handed to the writer queue
	stored bool
	// evicted: dropped from the LRU
	evicted bool
	// writes counts finished write backs, guarded by pendMu and mu
	writes uint64
}

func newIndexKey(tree *BTree, ck cacheKey, key []byte) *IndexKey {
	return &IndexKey{
		tree: tree,
		ck:   ck,
		key:  key,
	}
}

// lost reports an entry nobody will write or find again, callers fetch a fresh one.
// Must be called with mu held.
func (k *IndexKey) lost() bool {
	return k.evicted && !k.stored
}

func (k *IndexKey) Tree() *BTree {
	return k.tree
}

func (k *IndexKey) Key() []byte {
	return k.key
}

// Value returns the cached value and whether it is known.
func (k *IndexKey) Value() (uint64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.value, k.valid
}
