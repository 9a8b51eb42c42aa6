package blockidx

// Cursor walks the tree in key order along the leaf chain. Between calls it keeps a lease
// on the current leaf but no lock, so writers are never blocked by an idle cursor. When
// the current key is no longer in that leaf the cursor repositions from the root.
// A Cursor is not safe for concurrent use.
type Cursor struct {
	t     *BTree
	leaf  *Block
	key   []byte
	value uint64
	valid bool
}

func (t *BTree) NewCursor() *Cursor {
	return &Cursor{t: t}
}

// First moves to the smallest key.
func (c *Cursor) First() (bool, error) {
	if err := c.t.enter(); err != nil {
		return false, err
	}
	defer c.t.leave()
	c.release()
	return c.first()
}

func (c *Cursor) first() (bool, error) {
	leaf, err := c.t.descendCoupled(routeFirst)
	if err != nil {
		return false, err
	}
	return c.forward(leaf, 0, c.first)
}

// Seek moves to the first key >= key.
func (c *Cursor) Seek(key []byte) (bool, error) {
	if err := c.t.enter(); err != nil {
		return false, err
	}
	defer c.t.leave()
	k, err := normalizeKey(key, c.t.keySize)
	if err != nil {
		return false, err
	}
	c.release()
	return c.seek(k, false)
}

// Next moves to the key after the current one.
func (c *Cursor) Next() (bool, error) {
	if !c.valid {
		return false, nil
	}
	if err := c.t.enter(); err != nil {
		return false, err
	}
	defer c.t.leave()
	leaf := c.leaf
	c.leaf = nil
	if err := leaf.rlock(c.t.cfg.LockTimeout); err != nil {
		leaf.Free()
		c.valid = false
		return false, err
	}
	var (
		i     int
		found bool
	)
	// the root leaf turns internal when it splits
	if v := leaf.view(c.t.keySize); !leaf.isFreed() && v.isLeaf() {
		i, found = c.t.search(v, c.key)
	}
	if !found {
		// merged away or the key moved to a sibling since the last call
		leaf.runlock()
		leaf.Free()
		return c.seek(c.key, true)
	}
	return c.forward(leaf, i+1, func() (bool, error) {
		return c.seek(c.key, true)
	})
}

func (c *Cursor) Key() []byte {
	return c.key
}

func (c *Cursor) Value() uint64 {
	return c.value
}

func (c *Cursor) Valid() bool {
	return c.valid
}

func (c *Cursor) Close() error {
	c.release()
	return nil
}

func (c *Cursor) release() {
	if c.leaf != nil {
		c.leaf.Free()
		c.leaf = nil
	}
	c.valid = false
}

// seek positions on the first key >= key, or > key when strict.
func (c *Cursor) seek(key []byte, strict bool) (bool, error) {
	leaf, err := c.t.descendCoupled(c.t.routeKey(key))
	if err != nil {
		c.valid = false
		return false, err
	}
	i, found := c.t.search(leaf.view(c.t.keySize), key)
	if found && strict {
		i++
	}
	return c.forward(leaf, i, func() (bool, error) {
		return c.seek(key, strict)
	})
}

// forward takes over a leased, read locked leaf and settles on the tuple at i or the
// first tuple of a later leaf. restart repositions from the root when a leaf on the way
// was merged away.
func (c *Cursor) forward(leaf *Block, i int, restart func() (bool, error)) (bool, error) {
	for {
		v := leaf.view(c.t.keySize)
		if i < v.count() {
			c.key = cloneBytes(v.key(i))
			c.value = v.pointer(i)
			c.valid = true
			leaf.runlock()
			c.leaf = leaf
			return true, nil
		}
		nextId := v.next()
		if nextId == nullBlockId {
			leaf.runlock()
			leaf.Free()
			c.valid = false
			return false, nil
		}
		next, err := c.t.store.ReadBlock(nextId)
		leaf.runlock()
		leaf.Free()
		if err != nil {
			c.valid = false
			return false, err
		}
		if err = next.rlock(c.t.cfg.LockTimeout); err != nil {
			next.Free()
			c.valid = false
			return false, err
		}
		if next.isFreed() {
			next.runlock()
			next.Free()
			return restart()
		}
		leaf, i = next, 0
	}
}

// Scan calls fn for every key >= start in order until fn returns false. A nil start
// scans from the smallest key.
func (t *BTree) Scan(start []byte, fn func(key []byte, value uint64) bool) error {
	c := t.NewCursor()
	defer c.Close()
	var (
		ok  bool
		err error
	)
	if start == nil {
		ok, err = c.First()
	} else {
		ok, err = c.Seek(start)
	}
	for ; ok && err == nil; ok, err = c.Next() {
		if !fn(c.Key(), c.Value()) {
			return nil
		}
	}
	return err
}
