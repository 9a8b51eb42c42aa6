package blockidx

import (
	"github.com/cockroachdb/errors"
)

// Insert stores value under key. With overwrite false an existing key holding a different
// value fails with ErrDuplicateKey and leaves the tree unchanged, the same value is a
// no-op.
func (t *BTree) Insert(key []byte, value uint64, overwrite bool) error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.leave()
	if value == 0 {
		return ErrInvalidValue
	}
	k, err := normalizeKey(key, t.keySize)
	if err != nil {
		return err
	}
	t.stat.inserts.Add(1)
	for i := 0; ; i++ {
		ok, err := t.insertBlock(t.root, k, value, overwrite)
		if err != nil || ok {
			return err
		}
		if i >= t.cfg.MaxSplitRetries {
			return errors.Wrapf(ErrRetryExhausted, "insert %s: root split %d times", t.formatKey(k), i)
		}
		if err = t.splitRoot(); err != nil {
			return err
		}
	}
}

// insertBlock tries the read locked descent first and escalates to the write lock of b.
// false means b is full and must be split by whoever holds its parent exclusively.
func (t *BTree) insertBlock(b *Block, key []byte, value uint64, overwrite bool) (bool, error) {
	ok, err := t.insertRead(b, key, value, overwrite)
	if err != nil || ok {
		return ok, err
	}
	return t.insertWrite(b, key, value, overwrite)
}

func (t *BTree) insertChild(id uint64, key []byte, value uint64, overwrite bool) (bool, error) {
	child, err := t.store.ReadBlock(id)
	if err != nil {
		return false, err
	}
	defer child.Free()
	return t.insertBlock(child, key, value, overwrite)
}

// insertRead returns false when b is a leaf, b is full, or the child below needs a split.
func (t *BTree) insertRead(b *Block, key []byte, value uint64, overwrite bool) (bool, error) {
	if err := b.rlock(t.cfg.LockTimeout); err != nil {
		return false, err
	}
	defer b.runlock()
	v := b.view(t.keySize)
	if err := t.validate(b, v); err != nil {
		return false, err
	}
	if v.isLeaf() || v.count() == t.n {
		return false, nil
	}
	_, childId, err := t.lookupChild(b, v, key)
	if err != nil {
		return false, err
	}
	return t.insertChild(childId, key, value, overwrite)
}

func (t *BTree) insertWrite(b *Block, key []byte, value uint64, overwrite bool) (bool, error) {
	if err := b.lock(t.cfg.LockTimeout); err != nil {
		return false, err
	}
	defer b.unlock()
	v := b.view(t.keySize)
	if err := t.validate(b, v); err != nil {
		return false, err
	}
	if v.isLeaf() {
		return t.insertValue(b, v, key, value, overwrite)
	}
	for i := 0; ; i++ {
		idx, childId, err := t.lookupChild(b, v, key)
		if err != nil {
			return false, err
		}
		ok, err := t.insertChild(childId, key, value, overwrite)
		if err != nil || ok {
			return ok, err
		}
		if v.count() == t.n {
			// no room for another separator, our parent splits us first
			return false, nil
		}
		if i >= t.cfg.MaxSplitRetries {
			return false, errors.Wrapf(ErrRetryExhausted, "insert %s: block %s split %d times",
				t.formatKey(key), blockIdString(childId), i)
		}
		if err = t.split(b, v, idx); err != nil {
			return false, err
		}
	}
}

// insertValue runs with the leaf write locked. A full leaf still accepts updates of
// existing keys.
func (t *BTree) insertValue(b *Block, v blockView, key []byte, value uint64, overwrite bool) (bool, error) {
	i, found := t.search(v, key)
	if found {
		old := v.pointer(i)
		if old == value {
			return true, nil
		}
		if !overwrite {
			return false, errors.Wrapf(ErrDuplicateKey, "key %s holds %d", t.formatKey(key), old)
		}
		v.setPointer(i, value)
		b.MarkDirty()
		return true, nil
	}
	if v.count() == t.n {
		return false, nil
	}
	v.insertTuple(i, value, key)
	b.MarkDirty()
	return true, nil
}

// split divides the full child at idx of parent p. The child keeps the lower half and its
// id, a new right sibling takes the upper half. p is write locked and has room for one
// more tuple.
func (t *BTree) split(p *Block, pv blockView, idx int) error {
	childId := childAt(pv, idx)
	child, err := t.store.ReadBlock(childId)
	if err != nil {
		return err
	}
	defer child.Free()
	if err = child.lock(t.cfg.LockTimeout); err != nil {
		return err
	}
	defer child.unlock()
	cv := child.view(t.keySize)
	if err = t.validate(child, cv); err != nil {
		return err
	}
	if cv.count() < t.n {
		return nil
	}
	sibling, err := t.store.AllocateBlock()
	if err != nil {
		return errors.Wrap(err, "allocate split block")
	}
	defer sibling.Free()
	sv := sibling.view(t.keySize)

	leaf := cv.isLeaf()
	total := cv.count()
	half := total / 2
	sv.setLeaf(leaf)
	sv.setParent(p.ID())
	sv.copyTuples(0, cv, half, total-half)
	sv.setCount(total - half)
	sv.setNext(cv.next())
	if leaf {
		cv.setNext(sibling.ID())
	} else {
		cv.setNext(nullBlockId)
	}
	cv.truncate(half)

	lowKey := cloneBytes(cv.lastKey())
	if idx < pv.count() {
		highKey := cloneBytes(pv.key(idx))
		pv.setTuple(idx, childId, lowKey)
		pv.insertTuple(idx+1, sibling.ID(), highKey)
	} else {
		// the child was the next pointer
		pv.insertTuple(pv.count(), childId, lowKey)
		pv.setNext(sibling.ID())
	}
	p.bumpVersion()
	child.bumpVersion()
	p.MarkDirty()
	child.MarkDirty()
	sibling.MarkDirty()
	t.stat.splits.Add(1)
	t.logger.Debug("split block", "block", blockIdString(childId), "sibling", blockIdString(sibling.ID()),
		"parent", blockIdString(p.ID()), "leaf", leaf)

	if err = t.validateStructure(p, pv); err != nil {
		return err
	}
	if err = t.validateStructure(child, cv); err != nil {
		return err
	}
	if err = t.validateStructure(sibling, sv); err != nil {
		return err
	}
	if !leaf {
		return t.reparent(sibling.ID(), childIds(sv)...)
	}
	return nil
}

// splitRoot moves the root tuples into two new children, the root keeps its id and becomes
// an internal block with one tuple and next.
func (t *BTree) splitRoot() error {
	root := t.root
	if err := root.lock(t.cfg.LockTimeout); err != nil {
		return err
	}
	defer root.unlock()
	rv := root.view(t.keySize)
	if err := t.validate(root, rv); err != nil {
		return err
	}
	if rv.count() < t.n {
		// another writer got here first
		return nil
	}
	left, err := t.store.AllocateBlock()
	if err != nil {
		return errors.Wrap(err, "allocate root split block")
	}
	defer left.Free()
	right, err := t.store.AllocateBlock()
	if err != nil {
		left.Deallocate()
		return errors.Wrap(err, "allocate root split block")
	}
	defer right.Free()
	lv, rtv := left.view(t.keySize), right.view(t.keySize)

	leaf := rv.isLeaf()
	total := rv.count()
	pivot := (total - 1) / 2
	for _, v := range []blockView{lv, rtv} {
		v.setLeaf(leaf)
		v.setParent(root.ID())
	}
	lv.copyTuples(0, rv, 0, pivot+1)
	lv.setCount(pivot + 1)
	rtv.copyTuples(0, rv, pivot+1, total-pivot-1)
	rtv.setCount(total - pivot - 1)
	if leaf {
		lv.setNext(right.ID())
		rtv.setNext(nullBlockId)
	} else {
		lv.setNext(nullBlockId)
		rtv.setNext(rv.next())
	}

	pivotKey := cloneBytes(rv.key(pivot))
	rv.truncate(0)
	rv.setLeaf(false)
	rv.insertTuple(0, left.ID(), pivotKey)
	rv.setNext(right.ID())

	root.bumpVersion()
	root.MarkDirty()
	left.MarkDirty()
	right.MarkDirty()
	t.stat.rootSplits.Add(1)
	t.logger.Debug("split root", "left", blockIdString(left.ID()), "right", blockIdString(right.ID()), "leaf", leaf)

	for _, pair := range []struct {
		b *Block
		v blockView
	}{{root, rv}, {left, lv}, {right, rtv}} {
		if err = t.validateStructure(pair.b, pair.v); err != nil {
			return err
		}
	}
	if !leaf {
		if err = t.reparent(left.ID(), childIds(lv)...); err != nil {
			return err
		}
		return t.reparent(right.ID(), childIds(rtv)...)
	}
	return nil
}
