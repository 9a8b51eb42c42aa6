package blockidx

// Remove deletes key, a missing key is not an error.
func (t *BTree) Remove(key []byte) error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.leave()
	k, err := normalizeKey(key, t.keySize)
	if err != nil {
		return err
	}
	t.stat.removes.Add(1)
	// the root has no fill requirement
	_, err = t.removeIn(t.root, k)
	return err
}

// removeIn removes key below b and reports whether b fell under minN.
func (t *BTree) removeIn(b *Block, key []byte) (bool, error) {
	ok, err := t.removeRead(b, key)
	if err != nil || ok {
		return false, err
	}
	return t.removeWrite(b, key)
}

// removeRead descends with read locks. It returns false when b must be write locked,
// either because b is a leaf or because the child below needs a join.
func (t *BTree) removeRead(b *Block, key []byte) (bool, error) {
	if err := b.rlock(t.cfg.LockTimeout); err != nil {
		return false, err
	}
	defer b.runlock()
	v := b.view(t.keySize)
	if err := t.validate(b, v); err != nil {
		return false, err
	}
	if v.isLeaf() {
		return false, nil
	}
	_, childId, err := t.lookupChild(b, v, key)
	if err != nil {
		return false, err
	}
	child, err := t.store.ReadBlock(childId)
	if err != nil {
		return false, err
	}
	defer child.Free()
	underflow, err := t.removeIn(child, key)
	if err != nil {
		return false, err
	}
	return !underflow, nil
}

func (t *BTree) removeWrite(b *Block, key []byte) (bool, error) {
	if err := b.lock(t.cfg.LockTimeout); err != nil {
		return false, err
	}
	defer b.unlock()
	v := b.view(t.keySize)
	if err := t.validate(b, v); err != nil {
		return false, err
	}
	if v.isLeaf() {
		if i, found := t.search(v, key); found {
			v.deleteTuple(i)
			b.MarkDirty()
		}
		return v.count() < t.minN, nil
	}
	idx, childId, err := t.lookupChild(b, v, key)
	if err != nil {
		return false, err
	}
	child, err := t.store.ReadBlock(childId)
	if err != nil {
		return false, err
	}
	defer child.Free()
	underflow, err := t.removeWrite(child, key)
	if err != nil {
		return false, err
	}
	if underflow {
		if err = t.join(b, v, idx, child); err != nil {
			return false, err
		}
	}
	return v.count() < t.minN, nil
}

type joinSide struct {
	b *Block
	v blockView
}

// join restores the fill of the child at idx of p, p is write locked. In order of
// preference: borrow from the left sibling, borrow from the right sibling, collapse into
// the root, merge into the left sibling, merge the right sibling in. Siblings and the child
// are locked left to right.
func (t *BTree) join(p *Block, pv blockView, idx int, child *Block) error {
	var left, right *Block
	if idx > 0 {
		id := pv.pointer(idx - 1)
		b, err := t.store.ReadBlock(id)
		if err != nil {
			return err
		}
		defer b.Free()
		left = b
	}
	if idx < pv.count() {
		id := nullBlockId
		if idx+1 < pv.count() {
			id = pv.pointer(idx + 1)
		} else {
			id = pv.next()
		}
		if id != nullBlockId {
			b, err := t.store.ReadBlock(id)
			if err != nil {
				return err
			}
			defer b.Free()
			right = b
		}
	}

	for _, b := range []*Block{left, child, right} {
		if b == nil {
			continue
		}
		if err := b.lock(t.cfg.LockTimeout); err != nil {
			return err
		}
		defer b.unlock()
	}

	c := joinSide{child, child.view(t.keySize)}
	if err := t.validate(child, c.v); err != nil {
		return err
	}
	if c.v.count() >= t.minN {
		return nil
	}
	var l, r joinSide
	if left != nil {
		l = joinSide{left, left.view(t.keySize)}
		if err := t.validate(left, l.v); err != nil {
			return err
		}
		if err := validateEqualLeaf(left, child, l.v, c.v); err != nil {
			return err
		}
	}
	if right != nil {
		r = joinSide{right, right.view(t.keySize)}
		if err := t.validate(right, r.v); err != nil {
			return err
		}
		if err := validateEqualLeaf(child, right, c.v, r.v); err != nil {
			return err
		}
	}

	var err error
	switch {
	case left != nil && l.v.count() > t.minN:
		err = t.moveFromLeft(p, pv, idx, l, c)
	case right != nil && r.v.count() > t.minN:
		err = t.moveFromRight(p, pv, idx, c, r)
	case p == t.root && pv.count() == 1:
		if left != nil {
			err = t.collapseRoot(l, c)
		} else if right != nil {
			err = t.collapseRoot(c, r)
		}
	case left != nil:
		err = t.mergeIntoLeft(p, pv, idx, l, c)
	case right != nil:
		err = t.mergeRight(p, pv, idx, c, r)
	default:
		return corruptf("block %s: child %s has no sibling to join", blockIdString(p.ID()), blockIdString(child.ID()))
	}
	if err != nil {
		return err
	}
	p.bumpVersion()
	p.MarkDirty()
	return t.validateStructure(p, pv)
}

// moveFromLeft shifts the last tuple of the left sibling to the front of the child.
func (t *BTree) moveFromLeft(p *Block, pv blockView, idx int, l, c joinSide) error {
	last := l.v.count() - 1
	ptr, key := l.v.pointer(last), cloneBytes(l.v.key(last))
	c.v.insertTuple(0, ptr, key)
	l.v.truncate(last)
	pv.setTuple(idx-1, l.b.ID(), l.v.lastKey())

	l.b.bumpVersion()
	c.b.bumpVersion()
	l.b.MarkDirty()
	c.b.MarkDirty()
	t.stat.borrows.Add(1)
	t.logger.Debug("borrow from left", "block", blockIdString(c.b.ID()), "left", blockIdString(l.b.ID()))
	if !c.v.isLeaf() {
		return t.reparent(c.b.ID(), ptr)
	}
	return nil
}

// moveFromRight shifts the first tuple of the right sibling to the end of the child.
func (t *BTree) moveFromRight(p *Block, pv blockView, idx int, c, r joinSide) error {
	ptr, key := r.v.pointer(0), cloneBytes(r.v.key(0))
	r.v.deleteTuple(0)
	c.v.insertTuple(c.v.count(), ptr, key)
	pv.setTuple(idx, c.b.ID(), key)

	r.b.bumpVersion()
	c.b.bumpVersion()
	r.b.MarkDirty()
	c.b.MarkDirty()
	t.stat.borrows.Add(1)
	t.logger.Debug("borrow from right", "block", blockIdString(c.b.ID()), "right", blockIdString(r.b.ID()))
	if !c.v.isLeaf() {
		return t.reparent(c.b.ID(), ptr)
	}
	return nil
}

// mergeIntoLeft appends the child to its left sibling, the left sibling keeps its id.
func (t *BTree) mergeIntoLeft(p *Block, pv blockView, idx int, l, c joinSide) error {
	moved := childIdsIfInner(c.v)
	if err := t.appendBlock(l, c); err != nil {
		return err
	}
	if idx < pv.count() {
		pv.setPointer(idx, l.b.ID())
	} else {
		pv.setNext(l.b.ID())
	}
	pv.deleteTuple(idx - 1)
	c.b.Deallocate()
	t.stat.merges.Add(1)
	t.logger.Debug("merge into left", "block", blockIdString(c.b.ID()), "left", blockIdString(l.b.ID()))
	if err := t.validateStructure(l.b, l.v); err != nil {
		return err
	}
	return t.reparent(l.b.ID(), moved...)
}

// mergeRight absorbs the right sibling into the child, the child keeps its id.
func (t *BTree) mergeRight(p *Block, pv blockView, idx int, c, r joinSide) error {
	moved := childIdsIfInner(r.v)
	if err := t.appendBlock(c, r); err != nil {
		return err
	}
	if idx+1 < pv.count() {
		pv.setPointer(idx+1, c.b.ID())
	} else {
		pv.setNext(c.b.ID())
	}
	pv.deleteTuple(idx)
	r.b.Deallocate()
	t.stat.merges.Add(1)
	t.logger.Debug("merge right", "block", blockIdString(c.b.ID()), "right", blockIdString(r.b.ID()))
	if err := t.validateStructure(c.b, c.v); err != nil {
		return err
	}
	return t.reparent(c.b.ID(), moved...)
}

// appendBlock moves every tuple of src behind dst and hands over src's next.
func (t *BTree) appendBlock(dst, src joinSide) error {
	dn, sn := dst.v.count(), src.v.count()
	if dn+sn > t.n {
		return corruptf("merge of %s (%d) and %s (%d) overflows capacity %d",
			blockIdString(dst.b.ID()), dn, blockIdString(src.b.ID()), sn, t.n)
	}
	dst.v.copyTuples(dn, src.v, 0, sn)
	dst.v.setCount(dn + sn)
	dst.v.setNext(src.v.next())
	src.v.truncate(0)
	src.v.setNext(nullBlockId)
	dst.b.bumpVersion()
	src.b.bumpVersion()
	dst.b.MarkDirty()
	src.b.MarkDirty()
	return nil
}

// collapseRoot pulls both children of a single-tuple root into the root, the tree loses a
// level.
func (t *BTree) collapseRoot(l, r joinSide) error {
	root := t.root
	rv := root.view(t.keySize)
	ln, rn := l.v.count(), r.v.count()
	if ln+rn > t.n {
		return corruptf("collapse of %s (%d) and %s (%d) overflows capacity %d",
			blockIdString(l.b.ID()), ln, blockIdString(r.b.ID()), rn, t.n)
	}
	leaf := l.v.isLeaf()
	moved := append(childIdsIfInner(l.v), childIdsIfInner(r.v)...)
	rv.truncate(0)
	rv.setLeaf(leaf)
	rv.copyTuples(0, l.v, 0, ln)
	rv.copyTuples(ln, r.v, 0, rn)
	rv.setCount(ln + rn)
	if leaf {
		rv.setNext(nullBlockId)
	} else {
		rv.setNext(r.v.next())
	}
	for _, side := range []joinSide{l, r} {
		side.v.truncate(0)
		side.v.setNext(nullBlockId)
		side.b.bumpVersion()
		side.b.MarkDirty()
		side.b.Deallocate()
	}
	t.stat.collapses.Add(1)
	t.logger.Debug("collapse root", "left", blockIdString(l.b.ID()), "right", blockIdString(r.b.ID()), "leaf", leaf)
	return t.reparent(root.ID(), moved...)
}

func childIdsIfInner(v blockView) []uint64 {
	if v.isLeaf() {
		return nil
	}
	return childIds(v)
}
