package blockidx

import (
	"log/slog"
	"time"
)

const (
	DefaultLockTimeout       = 120 * time.Second
	DefaultMaxSplitRetries   = 16
	DefaultMaxLookupRestarts = 8
	DefaultCacheCapacity     = 4096
	DefaultQueueSize         = 1024
	DefaultMaxCachedBlocks   = 4096
)

// Config tunes one BTree.
type Config struct {
	// LockTimeout bounds every wait on a block lock
	LockTimeout time.Duration
	// MaxSplitRetries bounds the split loops of an insert
	MaxSplitRetries int
	// MaxLookupRestarts is how often an optimistic lookup restarts before it falls back to
	// lock coupling
	MaxLookupRestarts int
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.MaxSplitRetries <= 0 {
		c.MaxSplitRetries = DefaultMaxSplitRetries
	}
	if c.MaxLookupRestarts <= 0 {
		c.MaxLookupRestarts = DefaultMaxLookupRestarts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type CacheConfig struct {
	// Capacity is the number of keys kept in the LRU
	Capacity int
	// QueueSize bounds the pending write queue, a full queue blocks the evicting caller
	QueueSize int
	Logger    *slog.Logger
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCacheCapacity
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type FileStoreConfig struct {
	Path string
	// BlockSize is only used when the file is created, 0 accepts what the file says
	BlockSize int
	// MaxCachedBlocks is a soft bound on clean, unleased blocks kept in memory
	MaxCachedBlocks int
	Logger          *slog.Logger
}

func (c FileStoreConfig) withDefaults() FileStoreConfig {
	if c.MaxCachedBlocks <= 0 {
		c.MaxCachedBlocks = DefaultMaxCachedBlocks
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func checkBlockSize(size int) error {
	if size < minBlockSize || size%32 != 0 {
		return ErrBadBlockSize
	}
	return nil
}
