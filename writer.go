package blockidx

// run is the single writer goroutine. It wakes on every enqueue and drains the queue
// before it exits.
func (c *IndexCache) run() {
	defer close(c.done)
	for {
		select {
		case e := <-c.queue:
			c.apply(e)
		case <-c.stop:
			for {
				select {
				case e := <-c.queue:
					c.apply(e)
				default:
					return
				}
			}
		}
	}
}

// apply writes the entry value to its tree, again if it changed meanwhile, and then drops
// the entry from the pending set. A failed write is logged and recorded, the entry is
// invalidated so the next reader goes back to the tree.
func (c *IndexCache) apply(e *IndexKey) {
	for {
		e.mu.Lock()
		value := e.value
		e.dirty = false
		e.mu.Unlock()

		var err error
		if value == 0 {
			err = e.tree.Remove(e.key)
		} else {
			err = e.tree.Insert(e.key, value, true)
		}
		if err != nil {
			c.stat.writerErrors.Add(1)
			c.setErr(err)
			c.logger.Error("write back failed", "tree", e.ck.tree.String(),
				"key", e.tree.formatKey(e.key), "value", value, "err", err)
		} else {
			c.stat.writerApplied.Add(1)
		}

		c.pendMu.Lock()
		e.mu.Lock()
		if e.dirty {
			e.mu.Unlock()
			c.pendMu.Unlock()
			continue
		}
		if err != nil {
			e.valid = false
		}
		e.stored = false
		e.writes++
		if c.pending[e.ck] == e {
			delete(c.pending, e.ck)
		}
		c.written.Broadcast()
		e.mu.Unlock()
		c.pendMu.Unlock()
		return
	}
}
