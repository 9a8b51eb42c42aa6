package blockidx

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

const freelistDegree = 32

// freelist keeps recycled block ids ordered so the lowest one is reused first, which
// keeps files compact. On disk the free blocks form a chain through their first 8 bytes.
type freelist struct {
	ids *btree.BTreeG[uint64]
}

func newFreelist() *freelist {
	return &freelist{
		ids: btree.NewOrderedG[uint64](freelistDegree),
	}
}

func (f *freelist) push(id uint64) bool {
	_, replaced := f.ids.ReplaceOrInsert(id)
	return !replaced
}

func (f *freelist) pop() (uint64, bool) {
	return f.ids.DeleteMin()
}

func (f *freelist) has(id uint64) bool {
	return f.ids.Has(id)
}

func (f *freelist) len() int {
	return f.ids.Len()
}

func (f *freelist) head() uint64 {
	id, ok := f.ids.Min()
	if !ok {
		return nullBlockId
	}
	return id
}

// writeChain links every free block to the next higher free id, the last one holds 0.
func (f *freelist) writeChain(w io.WriterAt, blockSize int) error {
	var (
		link [ptrSize]byte
		prev = nullBlockId
		err  error
	)
	f.ids.Ascend(func(id uint64) bool {
		if prev != nullBlockId {
			bin.PutUint64(link[:], id)
			if _, err = w.WriteAt(link[:], int64(prev)*int64(blockSize)); err != nil {
				return false
			}
		}
		prev = id
		return true
	})
	if err != nil {
		return errors.Wrap(err, "write freelist chain")
	}
	if prev != nullBlockId {
		bin.PutUint64(link[:], nullBlockId)
		if _, err = w.WriteAt(link[:], int64(prev)*int64(blockSize)); err != nil {
			return errors.Wrap(err, "write freelist tail")
		}
	}
	return nil
}

// loadChain follows the chain from head. blockCount bounds the walk so a damaged chain
// cannot loop forever.
func (f *freelist) loadChain(r io.ReaderAt, head uint64, blockSize int, blockCount uint64) error {
	var link [ptrSize]byte
	for id := head; id != nullBlockId; {
		if id >= blockCount {
			return corruptf("freelist links block %s beyond block count %d", blockIdString(id), blockCount)
		}
		if !f.push(id) {
			return corruptf("freelist chain revisits block %s", blockIdString(id))
		}
		if _, err := r.ReadAt(link[:], int64(id)*int64(blockSize)); err != nil {
			return errors.Wrapf(err, "read freelist link of block %s", blockIdString(id))
		}
		id = bin.Uint64(link[:])
	}
	return nil
}
