package blockidx

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

// IndexCache is a write-back cache in front of any number of trees. Inserts and deletes
// land in the cache first, a single writer goroutine applies them to the trees when
// entries are evicted, deleted or flushed.
//
// Every entry whose value has not reached its tree is kept in pending until the writer is
// done with it, so a key evicted from the LRU is still found there and adopted back.
type IndexCache struct {
	cfg    CacheConfig
	logger *slog.Logger
	lru    *lru.Cache[cacheKey, *IndexKey]

	// pendMu is taken before any IndexKey.mu. Every LRU insertion happens under it, so
	// LRU membership is stable while it is held.
	pendMu  sync.Mutex
	pending map[cacheKey]*IndexKey
	written *sync.Cond
	queue   chan *IndexKey

	// evictions collected by the LRU callback, handled once pendMu is released
	evMu      sync.Mutex
	evictions []*IndexKey

	stop chan struct{}
	done chan struct{}

	errMu   sync.Mutex
	lastErr error

	closeMu sync.RWMutex
	closed  bool
	stat    iStat
}

func NewIndexCache(cfg CacheConfig) (*IndexCache, error) {
	cfg = cfg.withDefaults()
	c := &IndexCache{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "index_cache"),
		pending: make(map[cacheKey]*IndexKey),
		queue:   make(chan *IndexKey, cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.written = sync.NewCond(&c.pendMu)
	cache, err := lru.NewWithEvict[cacheKey, *IndexKey](cfg.Capacity, c.onEvict)
	if err != nil {
		return nil, errors.Wrapf(err, "index cache capacity %d", cfg.Capacity)
	}
	c.lru = cache
	go c.run()
	return c, nil
}

func (c *IndexCache) enter() error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrCacheClosed
	}
	return nil
}

func (c *IndexCache) leave() {
	c.closeMu.RUnlock()
}

// entry returns the one IndexKey for key, adopting a pending entry or creating an empty
// one. The entry is not locked.
func (c *IndexCache) entry(tree *BTree, key []byte) *IndexKey {
	ck := cacheKey{tree: tree.ID(), key: string(key)}
	if e, ok := c.lru.Get(ck); ok {
		return e
	}
	c.pendMu.Lock()
	e, ok := c.pending[ck]
	if ok {
		c.lru.Add(ck, e)
		e.mu.Lock()
		e.evicted = false
		e.mu.Unlock()
	} else {
		e = newIndexKey(tree, ck, key)
		if prev, found, _ := c.lru.PeekOrAdd(ck, e); found {
			e = prev
		}
	}
	c.pendMu.Unlock()
	c.handleEvictions()
	return e
}

// lockedEntry returns the entry locked, retrying when it was dropped under us.
func (c *IndexCache) lockedEntry(tree *BTree, key []byte) *IndexKey {
	for {
		e := c.entry(tree, key)
		e.mu.Lock()
		if !e.lost() {
			return e
		}
		e.mu.Unlock()
	}
}

// writableEntry returns the entry with pendMu and its own lock held. It is either in the
// LRU or pending, so a value written to it cannot be shadowed by a newer entry.
func (c *IndexCache) writableEntry(tree *BTree, key []byte) *IndexKey {
	for {
		e := c.entry(tree, key)
		c.pendMu.Lock()
		e.mu.Lock()
		if c.pending[e.ck] == e {
			return e
		}
		if cur, ok := c.lru.Peek(e.ck); ok && cur == e {
			return e
		}
		e.mu.Unlock()
		c.pendMu.Unlock()
	}
}

// fill loads the tree value into an entry that has none. e is locked on entry and on
// return.
func (c *IndexCache) fill(e *IndexKey) error {
	if e.valid {
		return nil
	}
	e.mu.Unlock()
	value, err := e.tree.Lookup(e.key)
	e.mu.Lock()
	if err != nil {
		return err
	}
	if !e.valid {
		e.value = value
		e.valid = true
	}
	return nil
}

// Lookup returns the value of key in tree, 0 when absent. tx is passed through untouched.
func (c *IndexCache) Lookup(tree *BTree, key []byte, tx any) (uint64, error) {
	if err := c.enter(); err != nil {
		return 0, err
	}
	defer c.leave()
	k, err := normalizeKey(key, tree.KeySize())
	if err != nil {
		return 0, err
	}
	e := c.lockedEntry(tree, k)
	defer e.mu.Unlock()
	if e.valid {
		c.stat.cacheHit.Add(1)
		return e.value, nil
	}
	c.stat.cacheMiss.Add(1)
	if err = c.fill(e); err != nil {
		return 0, err
	}
	return e.value, nil
}

// Insert caches key -> value for a later write. A key that already holds a different
// non-zero value fails with ErrDuplicateKey and the entry keeps that value.
func (c *IndexCache) Insert(tree *BTree, key []byte, value uint64, tx any) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	if value == 0 {
		return ErrInvalidValue
	}
	k, err := normalizeKey(key, tree.KeySize())
	if err != nil {
		return err
	}
	for {
		e := c.writableEntry(tree, k)
		if !e.valid {
			// the tree is read without pendMu
			c.pendMu.Unlock()
			err = c.fill(e)
			e.mu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		err = c.install(e, value)
		e.mu.Unlock()
		c.pendMu.Unlock()
		return err
	}
}

// install runs with pendMu and e locked, e valid.
func (c *IndexCache) install(e *IndexKey, value uint64) error {
	switch {
	case e.value == value:
		return nil
	case e.value != 0:
		return errors.Wrapf(ErrDuplicateKey, "key %s holds %d", e.tree.formatKey(e.key), e.value)
	}
	e.value = value
	e.dirty = true
	c.pending[e.ck] = e
	return nil
}

// Delete tombstones a cached or pending key and queues the removal, a key the cache knows
// nothing about is removed from the tree directly.
func (c *IndexCache) Delete(tree *BTree, key []byte, tx any) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	k, err := normalizeKey(key, tree.KeySize())
	if err != nil {
		return err
	}
	e := c.writableEntry(tree, k)
	if !e.valid {
		c.pendMu.Unlock()
		err = tree.Remove(k)
		if err == nil {
			e.value = 0
			e.valid = true
		}
		e.mu.Unlock()
		return err
	}
	e.value = 0
	e.dirty = true
	c.pending[e.ck] = e
	e.mu.Unlock()
	c.pendMu.Unlock()
	c.enqueue(e)
	return nil
}

// enqueue hands a dirty entry to the writer, a full queue blocks the caller.
func (c *IndexCache) enqueue(e *IndexKey) {
	c.pendMu.Lock()
	e.mu.Lock()
	push := e.dirty && !e.stored
	if push {
		e.stored = true
		c.pending[e.ck] = e
	}
	e.mu.Unlock()
	c.pendMu.Unlock()
	if !push {
		return
	}
	select {
	case c.queue <- e:
	default:
		c.stat.queueFull.Add(1)
		c.queue <- e
	}
}

// onEvict runs inside LRU insertions, which happen under pendMu, so it only records.
func (c *IndexCache) onEvict(_ cacheKey, e *IndexKey) {
	c.stat.cacheEvictions.Add(1)
	c.evMu.Lock()
	c.evictions = append(c.evictions, e)
	c.evMu.Unlock()
}

func (c *IndexCache) handleEvictions() {
	c.evMu.Lock()
	list := c.evictions
	c.evictions = nil
	c.evMu.Unlock()
	for _, e := range list {
		c.pendMu.Lock()
		e.mu.Lock()
		// adopted back in the meantime
		if cur, ok := c.lru.Peek(e.ck); !ok || cur != e {
			e.evicted = true
		}
		dirty := e.dirty
		e.mu.Unlock()
		c.pendMu.Unlock()
		if dirty {
			c.enqueue(e)
		}
	}
}

// Flush queues every entry that is unwritten when it is called and waits until the writer
// is done with each of them. Entries written meanwhile are left to a later flush. It
// returns the last writer error, if any.
func (c *IndexCache) Flush() error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	return c.flush()
}

type flushMark struct {
	e      *IndexKey
	writes uint64
}

func (c *IndexCache) flush() error {
	c.handleEvictions()
	c.pendMu.Lock()
	marks := make([]flushMark, 0, len(c.pending))
	for _, e := range c.pending {
		e.mu.Lock()
		marks = append(marks, flushMark{e: e, writes: e.writes})
		e.mu.Unlock()
	}
	c.pendMu.Unlock()
	for _, m := range marks {
		c.enqueue(m.e)
	}
	c.pendMu.Lock()
	for _, m := range marks {
		for !m.written() {
			c.written.Wait()
		}
	}
	c.pendMu.Unlock()
	return c.Err()
}

// written runs with pendMu held.
func (m flushMark) written() bool {
	m.e.mu.Lock()
	defer m.e.mu.Unlock()
	return m.e.writes > m.writes
}

// Pending is the number of entries whose value has not reached the tree.
func (c *IndexCache) Pending() int {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return len(c.pending)
}

func (c *IndexCache) Len() int {
	return c.lru.Len()
}

// Err returns the last error the writer ran into.
func (c *IndexCache) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *IndexCache) setErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

func (c *IndexCache) Stat() ExportStat {
	return c.stat.export()
}

// Close flushes and stops the writer. The trees stay open.
func (c *IndexCache) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return ErrCacheClosed
	}
	c.closed = true
	c.closeMu.Unlock()
	err := c.flush()
	close(c.stop)
	<-c.done
	return err
}
