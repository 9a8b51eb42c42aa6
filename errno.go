package blockidx

import "github.com/cockroachdb/errors"

var (
	ErrDuplicateKey   = errors.New("index uniqueness violation")
	ErrNotFound       = errors.New("key not found")
	ErrLockTimeout    = errors.New("block lock timeout")
	ErrCorrupted      = errors.New("index corrupted")
	ErrKeyTooLarge    = errors.New("key too large for block")
	ErrKeySize        = errors.New("key size mismatch")
	ErrInvalidValue   = errors.New("value 0 is reserved")
	ErrTreeClosed     = errors.New("tree closed")
	ErrRetryExhausted = errors.New("split retries exhausted")
	ErrCacheClosed    = errors.New("index cache closed")
	ErrStoreClosed    = errors.New("block store closed")
	ErrBlockFreed     = errors.New("block already freed")
	ErrNoSuchIndex    = errors.New("no such index")
	ErrBadBlockSize   = errors.New("invalid block size")
)

// corruptf reports an invariant violation. These are never repaired, they point at a bug
// or at damaged blocks.
func corruptf(format string, args ...interface{}) error {
	return errors.Mark(errors.AssertionFailedf(format, args...), ErrCorrupted)
}
