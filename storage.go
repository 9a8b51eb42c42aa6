package blockidx

import (
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/nyan233/blockidx/internal/sys"
)

// BlockStore hands out leased, fixed-size blocks. Block id 0 is never returned.
type BlockStore interface {
	BlockSize() int
	// AllocateBlock returns a zeroed block holding one lease
	AllocateBlock() (*Block, error)
	// ReadBlock returns the block holding one lease
	ReadBlock(id uint64) (*Block, error)
	Sync() error
	Close() error
}

// catalogStore is implemented by stores that can keep the index catalog.
type catalogStore interface {
	// catalogLock serializes read-modify-write cycles on the catalog
	catalogLock() sync.Locker
	loadCatalog() ([]byte, error)
	storeCatalog(data []byte) error
}

var (
	metaMagic = [4]byte{'c', 'a', 'f', 'e'}
)

// metadata block layout, block 0 of the file:
//
//	0:  magic "cafe"
//	4:  u32 crc32 of bytes [8, blockSize)
//	8:  u32 blockSize
//	12: u64 blockCount
//	20: u64 freelist head
//	28: u32 catalog length
//	32: catalog
const (
	metaSumOffset     = 4
	metaSizeOffset    = 8
	metaCountOffset   = 12
	metaFreeOffset    = 20
	metaCatalogLenOff = 28
	metaHeaderSize    = 32
)

var _ BlockStore = (*FileStore)(nil)

// FileStore keeps blocks in one file. Handles are buffered in memory, dirty blocks are
// written back on Sync and Close in ascending id order.
type FileStore struct {
	mu         sync.Mutex
	cfg        FileStoreConfig
	file       *os.File
	blockSize  int
	blockCount uint64
	cached     map[uint64]*Block
	dirty      *btree.BTreeG[uint64]
	free       *freelist
	catalog    []byte
	catalogMu  sync.Mutex
	closed     bool
	stat       iStat
	logger     *slog.Logger
}

func OpenFileStore(cfg FileStoreConfig) (*FileStore, error) {
	cfg = cfg.withDefaults()
	if cfg.BlockSize != 0 {
		if err := checkBlockSize(cfg.BlockSize); err != nil {
			return nil, errors.Wrapf(err, "block size %d", cfg.BlockSize)
		}
	}
	file, err := sys.OpenFile(cfg.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Path)
	}
	if err = sys.LockFile(file); err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "lock %s", cfg.Path)
	}
	s := &FileStore{
		cfg:    cfg,
		file:   file,
		cached: make(map[uint64]*Block),
		dirty:  btree.NewOrderedG[uint64](freelistDegree),
		free:   newFreelist(),
		logger: cfg.Logger.With("store", cfg.Path),
	}
	if err = s.init(); err != nil {
		_ = sys.UnlockFile(file)
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) init() error {
	var header [metaHeaderSize]byte
	n, err := s.file.ReadAt(header[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "read metadata header")
	}
	if n == 0 || bytesIsZero(header[:]) {
		return s.initFile()
	}
	if n < metaHeaderSize || [4]byte(header[:4]) != metaMagic {
		return corruptf("%s is not a block file", s.cfg.Path)
	}
	s.blockSize = int(bin.Uint32(header[metaSizeOffset:]))
	if err = checkBlockSize(s.blockSize); err != nil {
		return errors.Mark(errors.Wrapf(err, "stored block size %d", s.blockSize), ErrCorrupted)
	}
	if s.cfg.BlockSize != 0 && s.cfg.BlockSize != s.blockSize {
		return errors.Wrapf(ErrBadBlockSize, "file uses %d, asked for %d", s.blockSize, s.cfg.BlockSize)
	}
	meta := make([]byte, s.blockSize)
	if _, err = s.file.ReadAt(meta, 0); err != nil {
		return errors.Wrap(err, "read metadata block")
	}
	if sum := crc32.ChecksumIEEE(meta[metaSizeOffset:]); sum != bin.Uint32(meta[metaSumOffset:]) {
		return corruptf("metadata checksum mismatch: stored %x, computed %x", bin.Uint32(meta[metaSumOffset:]), sum)
	}
	s.blockCount = bin.Uint64(meta[metaCountOffset:])
	catalogLen := int(bin.Uint32(meta[metaCatalogLenOff:]))
	if catalogLen > s.blockSize-metaHeaderSize {
		return corruptf("catalog length %d overflows metadata block", catalogLen)
	}
	s.catalog = cloneBytes(meta[metaHeaderSize : metaHeaderSize+catalogLen])
	if err = s.free.loadChain(s.file, bin.Uint64(meta[metaFreeOffset:]), s.blockSize, s.blockCount); err != nil {
		return err
	}
	s.logger.Debug("block file opened", "blockSize", s.blockSize, "blocks", s.blockCount, "free", s.free.len())
	return nil
}

func (s *FileStore) initFile() error {
	s.blockSize = s.cfg.BlockSize
	if s.blockSize == 0 {
		s.blockSize = DefaultBlockSize
	}
	s.blockCount = 1
	if pageSize := sys.GetSysPageSize(); s.blockSize%pageSize != 0 && pageSize%s.blockSize != 0 {
		s.logger.Warn("block size does not align with the system page size", "blockSize", s.blockSize, "pageSize", pageSize)
	}
	if err := s.file.Truncate(int64(s.blockSize)); err != nil {
		return errors.Wrap(err, "truncate new block file")
	}
	if err := s.writeMeta(); err != nil {
		return err
	}
	s.logger.Debug("block file created", "blockSize", s.blockSize)
	return sys.DataSync(s.file)
}

// writeMeta must be called with mu held or before the store is shared.
func (s *FileStore) writeMeta() error {
	if len(s.catalog) > s.blockSize-metaHeaderSize {
		return errors.Newf("catalog is %d bytes, metadata block holds %d", len(s.catalog), s.blockSize-metaHeaderSize)
	}
	meta := make([]byte, s.blockSize)
	copy(meta, metaMagic[:])
	bin.PutUint32(meta[metaSizeOffset:], uint32(s.blockSize))
	bin.PutUint64(meta[metaCountOffset:], s.blockCount)
	bin.PutUint64(meta[metaFreeOffset:], s.free.head())
	bin.PutUint32(meta[metaCatalogLenOff:], uint32(len(s.catalog)))
	copy(meta[metaHeaderSize:], s.catalog)
	// the sum covers everything after itself and the magic
	bin.PutUint32(meta[metaSumOffset:], crc32.ChecksumIEEE(meta[metaSizeOffset:]))
	if _, err := s.file.WriteAt(meta, 0); err != nil {
		return errors.Wrap(err, "write metadata block")
	}
	return nil
}

func (s *FileStore) BlockSize() int {
	return s.blockSize
}

// BlockCount includes the metadata block.
func (s *FileStore) BlockCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockCount
}

func (s *FileStore) AllocateBlock() (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	id, ok := s.free.pop()
	if !ok {
		id = s.blockCount
		s.blockCount++
	}
	b := newBlock(s, id, make([]byte, s.blockSize))
	b.refs.Store(1)
	s.cached[id] = b
	// a fresh block must reach the file even if nobody writes to it
	b.dirty.Store(true)
	s.dirty.ReplaceOrInsert(id)
	s.stat.blocksAllocated.Add(1)
	return b, nil
}

func (s *FileStore) ReadBlock(id uint64) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if id == nullBlockId || id >= s.blockCount {
		return nil, corruptf("read block %s out of range [1, %d)", blockIdString(id), s.blockCount)
	}
	if b, ok := s.cached[id]; ok {
		b.Allocate()
		s.stat.blockCacheHit.Add(1)
		return b, nil
	}
	if s.free.has(id) {
		return nil, errors.Wrapf(ErrBlockFreed, "read block %s", blockIdString(id))
	}
	s.stat.blockCacheMiss.Add(1)
	buf := make([]byte, s.blockSize)
	n, err := s.file.ReadAt(buf, int64(id)*int64(s.blockSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "read block %s", blockIdString(id))
	}
	// blocks past the end of the file were allocated but never written
	clear(buf[n:])
	b := newBlock(s, id, buf)
	b.refs.Store(1)
	s.cached[id] = b
	return b, nil
}

func (s *FileStore) markDirty(b *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty.ReplaceOrInsert(b.id)
}

func (s *FileStore) release(b *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.refs.Load() != 0 || s.cached[b.id] != b {
		return
	}
	if b.isFreed() {
		delete(s.cached, b.id)
		s.dirty.Delete(b.id)
		s.free.push(b.id)
		s.stat.blocksRecycled.Add(1)
		return
	}
	if !b.dirty.Load() && len(s.cached) > s.cfg.MaxCachedBlocks {
		delete(s.cached, b.id)
	}
}

func (s *FileStore) catalogLock() sync.Locker {
	return &s.catalogMu
}

func (s *FileStore) loadCatalog() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return cloneBytes(s.catalog), nil
}

func (s *FileStore) storeCatalog(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if len(data) > s.blockSize-metaHeaderSize {
		return errors.Newf("catalog is %d bytes, metadata block holds %d", len(data), s.blockSize-metaHeaderSize)
	}
	s.catalog = cloneBytes(data)
	return s.writeMeta()
}

func (s *FileStore) Stat() ExportStat {
	return s.stat.export()
}

// Sync writes back every dirty block, the freelist chain and the metadata, then syncs
// the file. Blocks are read locked while they are copied out, writers are never held up
// by the store mutex.
func (s *FileStore) Sync() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	pending := make([]*Block, 0, s.dirty.Len())
	s.dirty.Ascend(func(id uint64) bool {
		if b, ok := s.cached[id]; ok && !b.isFreed() {
			b.Allocate()
			pending = append(pending, b)
		}
		return true
	})
	s.dirty.Clear(false)
	s.mu.Unlock()

	err := s.writeBack(pending)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// keep them queued for the next attempt
		for _, b := range pending {
			if b.dirty.Load() {
				s.dirty.ReplaceOrInsert(b.id)
			}
		}
		return err
	}
	if err = s.file.Truncate(int64(s.blockCount) * int64(s.blockSize)); err != nil {
		return errors.Wrap(err, "size block file")
	}
	if err = s.free.writeChain(s.file, s.blockSize); err != nil {
		return err
	}
	if err = s.writeMeta(); err != nil {
		return err
	}
	if err = sys.DataSync(s.file); err != nil {
		return errors.Wrap(err, "sync block file")
	}
	s.trimLocked()
	return nil
}

func (s *FileStore) writeBack(pending []*Block) (err error) {
	for i, b := range pending {
		if err == nil {
			err = s.writeBlock(b)
		}
		// the lease taken in Sync, release outside of mu
		pending[i].Free()
	}
	return err
}

func (s *FileStore) writeBlock(b *Block) error {
	if err := b.rlock(DefaultLockTimeout); err != nil {
		return err
	}
	defer b.runlock()
	if _, err := s.file.WriteAt(b.buf, int64(b.id)*int64(s.blockSize)); err != nil {
		return errors.Wrapf(err, "write block %s", blockIdString(b.id))
	}
	b.dirty.Store(false)
	s.stat.blocksWritten.Add(1)
	return nil
}

// trimLocked drops clean, unleased handles above the cache bound.
func (s *FileStore) trimLocked() {
	excess := len(s.cached) - s.cfg.MaxCachedBlocks
	for id, b := range s.cached {
		if excess <= 0 {
			return
		}
		if b.refs.Load() == 0 && !b.dirty.Load() {
			delete(s.cached, id)
			excess--
		}
	}
}

func (s *FileStore) Close() error {
	if err := s.Sync(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	s.cached = nil
	if err := sys.UnlockFile(s.file); err != nil {
		s.logger.Warn("unlock block file", "err", err)
	}
	return errors.Wrap(s.file.Close(), "close block file")
}
