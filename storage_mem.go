package blockidx

import (
	"sync"

	"github.com/cockroachdb/errors"
)

var _ BlockStore = (*MemStore)(nil)

// MemStore keeps every block in memory. Ids start at 1 and recycled ids are reused
// lowest first.
type MemStore struct {
	mu        sync.Mutex
	blockSize int
	blocks    map[uint64]*Block
	free      *freelist
	nextId    uint64
	catalog   []byte
	catalogMu sync.Mutex
	closed    bool
	stat      iStat
}

func NewMemStore(blockSize int) (*MemStore, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if err := checkBlockSize(blockSize); err != nil {
		return nil, errors.Wrapf(err, "block size %d", blockSize)
	}
	return &MemStore{
		blockSize: blockSize,
		blocks:    make(map[uint64]*Block),
		free:      newFreelist(),
		nextId:    1,
	}, nil
}

func (m *MemStore) BlockSize() int {
	return m.blockSize
}

func (m *MemStore) AllocateBlock() (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	id, ok := m.free.pop()
	if !ok {
		id = m.nextId
		m.nextId++
	}
	b := newBlock(m, id, make([]byte, m.blockSize))
	b.refs.Store(1)
	m.blocks[id] = b
	m.stat.blocksAllocated.Add(1)
	return b, nil
}

func (m *MemStore) ReadBlock(id uint64) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	b, ok := m.blocks[id]
	if !ok {
		if m.free.has(id) {
			return nil, errors.Wrapf(ErrBlockFreed, "read block %s", blockIdString(id))
		}
		return nil, corruptf("read unknown block %s", blockIdString(id))
	}
	b.Allocate()
	m.stat.blockCacheHit.Add(1)
	return b, nil
}

func (m *MemStore) markDirty(b *Block) {
	// nothing to write back
	b.dirty.Store(false)
}

func (m *MemStore) release(b *Block) {
	if !b.isFreed() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.refs.Load() != 0 || m.blocks[b.id] != b {
		return
	}
	delete(m.blocks, b.id)
	m.free.push(b.id)
	m.stat.blocksRecycled.Add(1)
}

// Leased counts the live leases over all blocks.
func (m *MemStore) Leased() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, b := range m.blocks {
		n += int(b.refs.Load())
	}
	return n
}

// Blocks is the number of blocks currently in use.
func (m *MemStore) Blocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

func (m *MemStore) catalogLock() sync.Locker {
	return &m.catalogMu
}

func (m *MemStore) loadCatalog() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneBytes(m.catalog), nil
}

func (m *MemStore) storeCatalog(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.catalog = cloneBytes(data)
	return nil
}

func (m *MemStore) Stat() ExportStat {
	return m.stat.export()
}

func (m *MemStore) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.closed = true
	return nil
}
