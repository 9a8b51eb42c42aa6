package blockidx

import "sync/atomic"

// ExportStat is a point-in-time copy of the counters of a store, a tree or a cache.
// Fields a component does not track stay zero.
type ExportStat struct {
	BlockCacheHit   uint64 `json:"block_cache_hit"`
	BlockCacheMiss  uint64 `json:"block_cache_miss"`
	BlocksAllocated uint64 `json:"blocks_allocated"`
	BlocksRecycled  uint64 `json:"blocks_recycled"`
	BlocksWritten   uint64 `json:"blocks_written"`

	Lookups        uint64 `json:"lookups"`
	LookupRestarts uint64 `json:"lookup_restarts"`
	Inserts        uint64 `json:"inserts"`
	Removes        uint64 `json:"removes"`
	Splits         uint64 `json:"splits"`
	RootSplits     uint64 `json:"root_splits"`
	Borrows        uint64 `json:"borrows"`
	Merges         uint64 `json:"merges"`
	Collapses      uint64 `json:"collapses"`

	CacheHit       uint64 `json:"cache_hit"`
	CacheMiss      uint64 `json:"cache_miss"`
	CacheEvictions uint64 `json:"cache_evictions"`
	WriterApplied  uint64 `json:"writer_applied"`
	WriterErrors   uint64 `json:"writer_errors"`
	QueueFull      uint64 `json:"queue_full"`
}

type iStat struct {
	blockCacheHit   atomic.Uint64
	blockCacheMiss  atomic.Uint64
	blocksAllocated atomic.Uint64
	blocksRecycled  atomic.Uint64
	blocksWritten   atomic.Uint64

	lookups        atomic.Uint64
	lookupRestarts atomic.Uint64
	inserts        atomic.Uint64
	removes        atomic.Uint64
	splits         atomic.Uint64
	rootSplits     atomic.Uint64
	borrows        atomic.Uint64
	merges         atomic.Uint64
	collapses      atomic.Uint64

	cacheHit       atomic.Uint64
	cacheMiss      atomic.Uint64
	cacheEvictions atomic.Uint64
	writerApplied  atomic.Uint64
	writerErrors   atomic.Uint64
	queueFull      atomic.Uint64
}

func (s *iStat) export() ExportStat {
	return ExportStat{
		BlockCacheHit:   s.blockCacheHit.Load(),
		BlockCacheMiss:  s.blockCacheMiss.Load(),
		BlocksAllocated: s.blocksAllocated.Load(),
		BlocksRecycled:  s.blocksRecycled.Load(),
		BlocksWritten:   s.blocksWritten.Load(),
		Lookups:         s.lookups.Load(),
		LookupRestarts:  s.lookupRestarts.Load(),
		Inserts:         s.inserts.Load(),
		Removes:         s.removes.Load(),
		Splits:          s.splits.Load(),
		RootSplits:      s.rootSplits.Load(),
		Borrows:         s.borrows.Load(),
		Merges:          s.merges.Load(),
		Collapses:       s.collapses.Load(),
		CacheHit:        s.cacheHit.Load(),
		CacheMiss:       s.cacheMiss.Load(),
		CacheEvictions:  s.cacheEvictions.Load(),
		WriterApplied:   s.writerApplied.Load(),
		WriterErrors:    s.writerErrors.Load(),
		QueueFull:       s.queueFull.Load(),
	}
}
