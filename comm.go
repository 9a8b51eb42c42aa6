package blockidx

import (
	"encoding/binary"
	"strconv"
)

// Block layout, all integers big-endian:
//
//	offset 0:  u32 flags       (bit0=leaf, bit1=internal)
//	offset 4:  u32 tupleCount
//	offset 8:  u64 parentBlockId
//	offset 16: u64 nextBlockId
//	offset 24: tuple[tupleCount], tuple = u64 pointer + key[keySize]
//
// For an internal block a tuple's key bounds the keys reachable through its pointer, and
// next points at the child holding keys greater than every stored tuple.
const (
	ptrSize = 8

	flagsOffset  = 0
	lengthOffset = flagsOffset + 4
	parentOffset = lengthOffset + 4
	nextOffset   = parentOffset + ptrSize
	headerSize   = nextOffset + ptrSize

	leafMask  = 0x03
	flagLeaf  = 0x01
	flagInner = 0x02
)

const (
	DefaultBlockSize = 16 * 1024
	minBlockSize     = 128
	// a block that cannot hold this many tuples cannot split into two legal halves
	minTuplesPerBlock = 4
	maxVarKeyLen      = 255
)

// nullBlockId is never handed out by a store, a zero pointer means "no block".
const nullBlockId uint64 = 0

var bin = binary.BigEndian

type blockView struct {
	buf       []byte
	keySize   int
	tupleSize int
}

func newBlockView(buf []byte, keySize int) blockView {
	return blockView{
		buf:       buf,
		keySize:   keySize,
		tupleSize: keySize + ptrSize,
	}
}

func (v blockView) flags() uint32 {
	return bin.Uint32(v.buf[flagsOffset:])
}

func (v blockView) setFlags(flags uint32) {
	bin.PutUint32(v.buf[flagsOffset:], flags)
}

// leafState reports the leaf flag, ok is false when neither or both kind bits are set.
func (v blockView) leafState() (leaf bool, ok bool) {
	switch v.flags() & leafMask {
	case flagLeaf:
		return true, true
	case flagInner:
		return false, true
	default:
		return false, false
	}
}

func (v blockView) isLeaf() bool {
	return v.flags()&leafMask == flagLeaf
}

func (v blockView) setLeaf(leaf bool) {
	flags := v.flags() &^ leafMask
	if leaf {
		flags |= flagLeaf
	} else {
		flags |= flagInner
	}
	v.setFlags(flags)
}

func (v blockView) count() int {
	return int(bin.Uint32(v.buf[lengthOffset:]))
}

func (v blockView) setCount(n int) {
	bin.PutUint32(v.buf[lengthOffset:], uint32(n))
}

func (v blockView) parent() uint64 {
	return bin.Uint64(v.buf[parentOffset:])
}

func (v blockView) setParent(id uint64) {
	bin.PutUint64(v.buf[parentOffset:], id)
}

func (v blockView) next() uint64 {
	return bin.Uint64(v.buf[nextOffset:])
}

func (v blockView) setNext(id uint64) {
	bin.PutUint64(v.buf[nextOffset:], id)
}

// capacity is the raw number of tuples the buffer could physically hold.
func (v blockView) capacity() int {
	return (len(v.buf) - headerSize) / v.tupleSize
}

func (v blockView) tupleOffset(i int) int {
	return headerSize + i*v.tupleSize
}

func (v blockView) pointer(i int) uint64 {
	return bin.Uint64(v.buf[v.tupleOffset(i):])
}

func (v blockView) setPointer(i int, ptr uint64) {
	bin.PutUint64(v.buf[v.tupleOffset(i):], ptr)
}

func (v blockView) keyOffset(i int) int {
	return v.tupleOffset(i) + ptrSize
}

func (v blockView) key(i int) []byte {
	off := v.keyOffset(i)
	return v.buf[off : off+v.keySize]
}

func (v blockView) lastKey() []byte {
	return v.key(v.count() - 1)
}

func (v blockView) setTuple(i int, ptr uint64, key []byte) {
	v.setPointer(i, ptr)
	dst := v.key(i)
	n := copy(dst, key)
	clear(dst[n:])
}

// insertTuple shifts tuples [i, count) right by one and writes the new tuple at i.
func (v blockView) insertTuple(i int, ptr uint64, key []byte) {
	n := v.count()
	if i < n {
		copy(v.buf[v.tupleOffset(i+1):v.tupleOffset(n+1)], v.buf[v.tupleOffset(i):v.tupleOffset(n)])
	}
	v.setTuple(i, ptr, key)
	v.setCount(n + 1)
}

func (v blockView) deleteTuple(i int) {
	n := v.count()
	if i+1 < n {
		copy(v.buf[v.tupleOffset(i):], v.buf[v.tupleOffset(i+1):v.tupleOffset(n)])
	}
	clear(v.buf[v.tupleOffset(n-1):v.tupleOffset(n)])
	v.setCount(n - 1)
}

// copyTuples copies n tuples from src[srcIdx:] into v[dstIdx:], counts are left alone.
func (v blockView) copyTuples(dstIdx int, src blockView, srcIdx, n int) {
	copy(v.buf[v.tupleOffset(dstIdx):v.tupleOffset(dstIdx+n)], src.buf[src.tupleOffset(srcIdx):src.tupleOffset(srcIdx+n)])
}

// truncate drops every tuple from i on and zeroes the freed space.
func (v blockView) truncate(i int) {
	n := v.count()
	if i < n {
		clear(v.buf[v.tupleOffset(i):v.tupleOffset(n)])
	}
	v.setCount(i)
}

func (v blockView) reset() {
	clear(v.buf)
}

func blockIdString(id uint64) string {
	return strconv.FormatUint(id, 16)
}
