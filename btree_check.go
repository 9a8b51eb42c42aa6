package blockidx

// TreeInfo summarizes a checked tree.
type TreeInfo struct {
	Height int `json:"height"`
	Blocks int `json:"blocks"`
	Leaves int `json:"leaves"`
	Keys   int `json:"keys"`
}

type leafSummary struct {
	id    uint64
	next  uint64
	first []byte
	last  []byte
	keys  int
}

// Check walks the whole tree with the root write locked, so writers are held off for the
// duration. It verifies key order and bounds, block fill, uniform leaf depth, parent links,
// and that the leaf chain visits every leaf once from left to right.
func (t *BTree) Check() (TreeInfo, error) {
	var info TreeInfo
	if err := t.enter(); err != nil {
		return info, err
	}
	defer t.leave()
	if err := t.root.lock(t.cfg.LockTimeout); err != nil {
		return info, err
	}
	defer t.root.unlock()

	var (
		st      stack
		leaves  []leafSummary
		visited = make(map[uint64]struct{})
	)
	st.push(stackElement{id: t.root.ID(), depth: 1, rightmost: true})
	for st.len() > 0 {
		e, _ := st.pop()
		if _, ok := visited[e.id]; ok {
			return info, corruptf("block %s reached twice", blockIdString(e.id))
		}
		visited[e.id] = struct{}{}
		info.Blocks++
		leaf, err := t.checkBlock(e, &st)
		if err != nil {
			return info, err
		}
		if leaf == nil {
			continue
		}
		if info.Height == 0 {
			info.Height = e.depth
		} else if info.Height != e.depth {
			return info, corruptf("leaf %s at depth %d, expected %d", blockIdString(e.id), e.depth, info.Height)
		}
		info.Leaves++
		info.Keys += leaf.keys
		leaves = append(leaves, *leaf)
	}

	for i, leaf := range leaves {
		expect := nullBlockId
		if i+1 < len(leaves) {
			expect = leaves[i+1].id
		}
		if leaf.next != expect {
			return info, corruptf("leaf %s links %s, expected %s",
				blockIdString(leaf.id), blockIdString(leaf.next), blockIdString(expect))
		}
		if i > 0 && leaves[i-1].last != nil && leaf.first != nil &&
			t.compare.Compare(leaves[i-1].last, leaf.first, 0, t.keySize) >= 0 {
			return info, corruptf("leaf %s starts at %s, not above its left neighbour",
				blockIdString(leaf.id), t.formatKey(leaf.first))
		}
	}
	return info, nil
}

// checkBlock verifies one block and pushes its children. It returns a summary for leaves.
func (t *BTree) checkBlock(e stackElement, st *stack) (*leafSummary, error) {
	b := t.root
	isRoot := e.id == t.root.ID()
	if !isRoot {
		var err error
		if b, err = t.store.ReadBlock(e.id); err != nil {
			return nil, err
		}
		defer b.Free()
		if err = b.rlock(t.cfg.LockTimeout); err != nil {
			return nil, err
		}
		defer b.runlock()
	}
	v := b.view(t.keySize)
	id := blockIdString(e.id)
	if err := t.validateStructure(b, v); err != nil {
		return nil, err
	}
	if b.isFreed() {
		return nil, corruptf("block %s is reachable but freed", id)
	}
	if !isRoot && v.parent() != e.parent {
		return nil, corruptf("block %s names parent %s, reached from %s",
			id, blockIdString(v.parent()), blockIdString(e.parent))
	}
	count := v.count()
	if !isRoot && count < t.minN {
		return nil, corruptf("block %s holds %d tuples, minimum %d", id, count, t.minN)
	}
	for i := 0; i < count; i++ {
		k := v.key(i)
		if i > 0 && t.compare.Compare(v.key(i-1), k, 0, t.keySize) >= 0 {
			return nil, corruptf("block %s: key %d (%s) out of order", id, i, t.formatKey(k))
		}
		if e.low != nil && t.compare.Compare(k, e.low, 0, t.keySize) <= 0 {
			return nil, corruptf("block %s: key %s not above bound %s", id, t.formatKey(k), t.formatKey(e.low))
		}
		if e.high != nil && t.compare.Compare(k, e.high, 0, t.keySize) > 0 {
			return nil, corruptf("block %s: key %s above bound %s", id, t.formatKey(k), t.formatKey(e.high))
		}
	}

	if v.isLeaf() {
		leaf := &leafSummary{id: e.id, next: v.next(), keys: count}
		if count > 0 {
			leaf.first = cloneBytes(v.key(0))
			leaf.last = cloneBytes(v.lastKey())
		}
		return leaf, nil
	}

	next := v.next()
	if count == 0 {
		return nil, corruptf("internal block %s is empty", id)
	}
	if e.rightmost != (next != nullBlockId) {
		return nil, corruptf("internal block %s: rightmost %v but next %s", id, e.rightmost, blockIdString(next))
	}
	if !e.rightmost && e.high != nil && t.compare.Compare(v.lastKey(), e.high, 0, t.keySize) != 0 {
		return nil, corruptf("internal block %s ends at %s, parent bound is %s",
			id, t.formatKey(v.lastKey()), t.formatKey(e.high))
	}
	// push right to left so leaves come off the stack in key order
	if next != nullBlockId {
		st.push(stackElement{
			id:        next,
			parent:    e.id,
			depth:     e.depth + 1,
			low:       cloneBytes(v.lastKey()),
			high:      e.high,
			rightmost: e.rightmost,
		})
	}
	for i := count - 1; i >= 0; i-- {
		low := e.low
		if i > 0 {
			low = cloneBytes(v.key(i - 1))
		}
		st.push(stackElement{
			id:     v.pointer(i),
			parent: e.id,
			depth:  e.depth + 1,
			low:    low,
			high:   cloneBytes(v.key(i)),
		})
	}
	return nil, nil
}
