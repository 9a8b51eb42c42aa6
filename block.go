package blockidx

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

// writerWeight is taken whole by an exclusive holder, readers take 1.
const writerWeight = 1 << 30

// blockOwner is the store side of a Block handle.
type blockOwner interface {
	markDirty(b *Block)
	// release runs when the last lease is dropped.
	release(b *Block)
}

// Block is a leased handle on one fixed-size block. The buffer is only valid while a
// lease is held and may only be touched under the block lock.
type Block struct {
	id    uint64
	buf   []byte
	owner blockOwner

	sem     *semaphore.Weighted
	refs    atomic.Int32
	version atomic.Uint64
	dirty   atomic.Bool
	freed   atomic.Bool
}

func newBlock(owner blockOwner, id uint64, buf []byte) *Block {
	return &Block{
		id:    id,
		buf:   buf,
		owner: owner,
		sem:   semaphore.NewWeighted(writerWeight),
	}
}

func (b *Block) ID() uint64 {
	return b.id
}

func (b *Block) Buffer() []byte {
	return b.buf
}

// Allocate takes another lease on the block.
func (b *Block) Allocate() {
	b.refs.Add(1)
}

// Free releases one lease.
func (b *Block) Free() {
	n := b.refs.Add(-1)
	if n < 0 {
		panic(corruptf("block %s lease count went negative", blockIdString(b.id)))
	}
	if n == 0 {
		b.owner.release(b)
	}
}

// Deallocate schedules the block for reuse, the id is recycled once the last lease goes.
func (b *Block) Deallocate() {
	b.freed.Store(true)
}

func (b *Block) MarkDirty() {
	if !b.dirty.Swap(true) {
		b.owner.markDirty(b)
	}
}

func (b *Block) isFreed() bool {
	return b.freed.Load()
}

// structural version, bumped under the write lock whenever the child set moves
func (b *Block) loadVersion() uint64 {
	return b.version.Load()
}

func (b *Block) bumpVersion() {
	b.version.Add(1)
}

func (b *Block) acquire(weight int64, timeout time.Duration) error {
	if b.sem.TryAcquire(weight) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := b.sem.Acquire(ctx, weight); err != nil {
		return errors.Wrapf(ErrLockTimeout, "block %s after %s", blockIdString(b.id), timeout)
	}
	return nil
}

func (b *Block) rlock(timeout time.Duration) error {
	return b.acquire(1, timeout)
}

func (b *Block) runlock() {
	b.sem.Release(1)
}

func (b *Block) lock(timeout time.Duration) error {
	return b.acquire(writerWeight, timeout)
}

func (b *Block) unlock() {
	b.sem.Release(writerWeight)
}

func (b *Block) view(keySize int) blockView {
	return newBlockView(b.buf, keySize)
}
