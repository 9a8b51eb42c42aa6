package blockidx

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// bytesIsZero reports whether every byte is 0, len(data) must be a multiple of 32.
func bytesIsZero(data []byte) bool {
	if len(data)%32 != 0 {
		panic("data is not a multiple of 32")
	}
	var v uint64
	for len(data) > 0 {
		v |= *(*uint64)(unsafe.Pointer(&data[0]))
		v |= *(*uint64)(unsafe.Pointer(&data[8]))
		v |= *(*uint64)(unsafe.Pointer(&data[16]))
		v |= *(*uint64)(unsafe.Pointer(&data[24]))
		data = data[32:]
	}
	return v == 0
}

// normalizeKey pads key with zeros to keySize. The result never aliases key.
func normalizeKey(key []byte, keySize int) ([]byte, error) {
	if len(key) > keySize {
		return nil, errors.Wrapf(ErrKeySize, "key is %d bytes, slot is %d", len(key), keySize)
	}
	out := make([]byte, keySize)
	copy(out, key)
	return out, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
