package blockidx

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// BTree is a B+tree over fixed-size blocks mapping fixed-width keys to non-zero uint64
// values. The root block id never changes for the life of the tree. All methods are safe
// for concurrent use.
type BTree struct {
	store   BlockStore
	root    *Block
	keySize int
	// n is the tuple capacity of a block, minN the fill every non-root block keeps
	n       int
	minN    int
	compare KeyCompare
	id      uuid.UUID
	cfg     Config
	logger  *slog.Logger
	stat    iStat

	// closeMu is read held by every operation, Close takes it exclusively
	closeMu sync.RWMutex
	closed  bool
}

// Create allocates a fresh root leaf in store.
func Create(store BlockStore, keySize int, compare KeyCompare, cfg Config) (*BTree, error) {
	if err := checkTreeShape(store.BlockSize(), keySize); err != nil {
		return nil, err
	}
	root, err := store.AllocateBlock()
	if err != nil {
		return nil, errors.Wrap(err, "allocate root block")
	}
	v := root.view(keySize)
	v.setLeaf(true)
	root.MarkDirty()
	return newBTree(store, root, keySize, compare, cfg, uuid.New()), nil
}

// Open attaches to an existing root. A zeroed root block is initialized as an empty leaf.
func Open(store BlockStore, rootId uint64, keySize int, compare KeyCompare, cfg Config) (*BTree, error) {
	return openTree(store, rootId, keySize, compare, cfg, uuid.New())
}

func openTree(store BlockStore, rootId uint64, keySize int, compare KeyCompare, cfg Config, id uuid.UUID) (*BTree, error) {
	if err := checkTreeShape(store.BlockSize(), keySize); err != nil {
		return nil, err
	}
	root, err := store.ReadBlock(rootId)
	if err != nil {
		return nil, errors.Wrapf(err, "read root block %s", blockIdString(rootId))
	}
	v := root.view(keySize)
	if v.flags() == 0 && v.count() == 0 {
		v.setLeaf(true)
		root.MarkDirty()
	}
	t := newBTree(store, root, keySize, compare, cfg, id)
	if err = t.validate(root, v); err != nil {
		root.Free()
		return nil, err
	}
	return t, nil
}

func newBTree(store BlockStore, root *Block, keySize int, compare KeyCompare, cfg Config, id uuid.UUID) *BTree {
	cfg = cfg.withDefaults()
	n := tupleCapacity(store.BlockSize(), keySize)
	t := &BTree{
		store:   store,
		root:    root,
		keySize: keySize,
		n:       n,
		minN:    n / 2,
		compare: compare,
		id:      id,
		cfg:     cfg,
	}
	t.logger = cfg.Logger.With("tree", id.String(), "root", blockIdString(root.ID()))
	return t
}

// tupleCapacity rounds down to an even count so both halves of a split reach n/2.
func tupleCapacity(blockSize, keySize int) int {
	n := (blockSize - headerSize) / (ptrSize + keySize)
	return n &^ 1
}

func checkTreeShape(blockSize, keySize int) error {
	if keySize <= 0 {
		return errors.Wrapf(ErrKeySize, "key size %d", keySize)
	}
	if n := tupleCapacity(blockSize, keySize); n < minTuplesPerBlock {
		return errors.Wrapf(ErrKeyTooLarge, "%d byte keys fit %d per %d byte block, need %d",
			keySize, n, blockSize, minTuplesPerBlock)
	}
	return nil
}

func (t *BTree) RootID() uint64 {
	return t.root.ID()
}

func (t *BTree) KeySize() int {
	return t.keySize
}

func (t *BTree) ID() uuid.UUID {
	return t.id
}

// Capacity is the number of tuples a block holds.
func (t *BTree) Capacity() int {
	return t.n
}

func (t *BTree) Stat() ExportStat {
	return t.stat.export()
}

// Close releases the root lease. The store stays open.
func (t *BTree) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return ErrTreeClosed
	}
	t.closed = true
	t.root.Free()
	return nil
}

// enter guards one public operation against Close.
func (t *BTree) enter() error {
	t.closeMu.RLock()
	if t.closed {
		t.closeMu.RUnlock()
		return ErrTreeClosed
	}
	return nil
}

func (t *BTree) leave() {
	t.closeMu.RUnlock()
}

// FormatKey renders a normalized key the way the comparator reads it.
func (t *BTree) FormatKey(key []byte) string {
	return t.formatKey(key)
}

func (t *BTree) formatKey(key []byte) string {
	return t.compare.Format(key, 0, t.keySize)
}

// search finds the first tuple whose key is >= key.
func (t *BTree) search(v blockView, key []byte) (int, bool) {
	lo, hi := 0, v.count()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if t.compare.Compare(key, v.buf, v.keyOffset(mid), t.keySize) > 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	found := lo < v.count() && t.compare.Compare(key, v.buf, v.keyOffset(lo), t.keySize) == 0
	return lo, found
}

// childIndex picks the child of an internal block for key. An index equal to count()
// stands for the next pointer.
func (t *BTree) childIndex(v blockView, key []byte) int {
	i, _ := t.search(v, key)
	if i == v.count() && v.next() == nullBlockId && i > 0 {
		// past every key of a block without next: the last tuple is the upper bound
		i--
	}
	return i
}

func childAt(v blockView, i int) uint64 {
	if i == v.count() {
		return v.next()
	}
	return v.pointer(i)
}

func (t *BTree) lookupChild(b *Block, v blockView, key []byte) (int, uint64, error) {
	i := t.childIndex(v, key)
	id := childAt(v, i)
	if id == nullBlockId {
		return 0, 0, corruptf("block %s: null child at %d of %d", blockIdString(b.ID()), i, v.count())
	}
	return i, id, nil
}

// validate is the cheap check done on every visit.
func (t *BTree) validate(b *Block, v blockView) error {
	if _, ok := v.leafState(); !ok {
		return corruptf("block %s: bad flags %#x", blockIdString(b.ID()), v.flags())
	}
	if n := v.count(); n < 0 || n > t.n {
		return corruptf("block %s: %d tuples, capacity %d", blockIdString(b.ID()), n, t.n)
	}
	return nil
}

// validateStructure runs after a structural change.
func (t *BTree) validateStructure(b *Block, v blockView) error {
	if err := t.validate(b, v); err != nil {
		return err
	}
	if v.isLeaf() {
		return nil
	}
	for i := 0; i < v.count(); i++ {
		if v.pointer(i) == nullBlockId {
			return corruptf("block %s: null child at %d", blockIdString(b.ID()), i)
		}
	}
	return nil
}

func validateEqualLeaf(a, b *Block, av, bv blockView) error {
	if av.isLeaf() != bv.isLeaf() {
		return corruptf("blocks %s and %s disagree on leaf flag", blockIdString(a.ID()), blockIdString(b.ID()))
	}
	return nil
}

// Lookup returns the value stored for key, 0 when it is absent.
func (t *BTree) Lookup(key []byte) (uint64, error) {
	if err := t.enter(); err != nil {
		return 0, err
	}
	defer t.leave()
	k, err := normalizeKey(key, t.keySize)
	if err != nil {
		return 0, err
	}
	t.stat.lookups.Add(1)
	for i := 0; i <= t.cfg.MaxLookupRestarts; i++ {
		value, restart, err := t.lookupOptimistic(k)
		if err != nil || !restart {
			return value, err
		}
		t.stat.lookupRestarts.Add(1)
	}
	return t.lookupCoupled(k)
}

// lookupOptimistic holds one read lock at a time. The child is leased before the parent
// is unlocked and the parent version is compared once the child lock is held, a moved
// version means the child may no longer cover key.
func (t *BTree) lookupOptimistic(key []byte) (value uint64, restart bool, err error) {
	b := t.root
	b.Allocate()
	if err = b.rlock(t.cfg.LockTimeout); err != nil {
		b.Free()
		return 0, false, err
	}
	for {
		v := b.view(t.keySize)
		if err = t.validate(b, v); err != nil {
			break
		}
		if v.isLeaf() {
			if i, found := t.search(v, key); found {
				value = v.pointer(i)
			}
			break
		}
		var childId uint64
		if _, childId, err = t.lookupChild(b, v, key); err != nil {
			break
		}
		version := b.loadVersion()
		var child *Block
		child, err = t.store.ReadBlock(childId)
		b.runlock()
		if err != nil {
			b.Free()
			return 0, false, err
		}
		if err = child.rlock(t.cfg.LockTimeout); err != nil {
			child.Free()
			b.Free()
			return 0, false, err
		}
		moved := b.loadVersion() != version
		b.Free()
		b = child
		if moved {
			b.runlock()
			b.Free()
			return 0, true, nil
		}
	}
	b.runlock()
	b.Free()
	return value, false, err
}

// lookupCoupled keeps the parent read locked until the child lock is held.
func (t *BTree) lookupCoupled(key []byte) (uint64, error) {
	leaf, err := t.descendCoupled(t.routeKey(key))
	if err != nil {
		return 0, err
	}
	defer leaf.Free()
	defer leaf.runlock()
	v := leaf.view(t.keySize)
	if i, found := t.search(v, key); found {
		return v.pointer(i), nil
	}
	return 0, nil
}

// route picks the child of an internal block to descend into.
type route func(b *Block, v blockView) (uint64, error)

func (t *BTree) routeKey(key []byte) route {
	return func(b *Block, v blockView) (uint64, error) {
		_, id, err := t.lookupChild(b, v, key)
		return id, err
	}
}

func routeFirst(b *Block, v blockView) (uint64, error) {
	id := childAt(v, 0)
	if id == nullBlockId {
		return 0, corruptf("block %s: null first child", blockIdString(b.ID()))
	}
	return id, nil
}

// descendCoupled returns the leaf picked by next leased and read locked.
func (t *BTree) descendCoupled(next route) (*Block, error) {
	b := t.root
	b.Allocate()
	if err := b.rlock(t.cfg.LockTimeout); err != nil {
		b.Free()
		return nil, err
	}
	for {
		v := b.view(t.keySize)
		err := t.validate(b, v)
		if err == nil && v.isLeaf() {
			return b, nil
		}
		var child *Block
		if err == nil {
			var childId uint64
			if childId, err = next(b, v); err == nil {
				child, err = t.store.ReadBlock(childId)
			}
		}
		if err == nil {
			if err = child.rlock(t.cfg.LockTimeout); err != nil {
				child.Free()
			}
		}
		b.runlock()
		b.Free()
		if err != nil {
			return nil, err
		}
		b = child
	}
}

// reparent rewrites the parent link of moved children. Each child is write locked on its
// own, the caller holds the old and the new parent exclusively.
func (t *BTree) reparent(parentId uint64, children ...uint64) error {
	for _, id := range children {
		if id == nullBlockId {
			continue
		}
		child, err := t.store.ReadBlock(id)
		if err != nil {
			return errors.Wrapf(err, "reparent block %s", blockIdString(id))
		}
		if err = child.lock(t.cfg.LockTimeout); err != nil {
			child.Free()
			return err
		}
		child.view(t.keySize).setParent(parentId)
		child.MarkDirty()
		child.unlock()
		child.Free()
	}
	return nil
}

// childIds lists every child of an internal block, next included.
func childIds(v blockView) []uint64 {
	ids := make([]uint64, 0, v.count()+1)
	for i := 0; i < v.count(); i++ {
		ids = append(ids, v.pointer(i))
	}
	if next := v.next(); next != nullBlockId {
		ids = append(ids, next)
	}
	return ids
}
