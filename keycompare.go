package blockidx

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// KeyCompare defines one total order over the fixed-width keys of a tree. Compare
// returns -1, 0 or 1 comparing key against buf[offset:offset+length]. Format is for
// diagnostics only.
type KeyCompare interface {
	Compare(key []byte, buf []byte, offset, length int) int
	Format(buf []byte, offset, length int) string
}

var (
	_ KeyCompare = BinaryKeyCompare{}
	_ KeyCompare = IntKeyCompare{}
	_ KeyCompare = LongKeyCompare{}
	_ KeyCompare = VarBinaryKeyCompare{}
	_ KeyCompare = StringKeyCompare{}
)

// BinaryKeyCompare orders fixed-length keys by unsigned bytes.
type BinaryKeyCompare struct{}

func (BinaryKeyCompare) Compare(key []byte, buf []byte, offset, length int) int {
	return bytes.Compare(key[:length], buf[offset:offset+length])
}

func (BinaryKeyCompare) Format(buf []byte, offset, length int) string {
	return hex.EncodeToString(buf[offset : offset+length])
}

// IntKeyCompare orders signed 32-bit big-endian integers.
type IntKeyCompare struct{}

func (IntKeyCompare) Compare(key []byte, buf []byte, offset, length int) int {
	a := int32(bin.Uint32(key))
	b := int32(bin.Uint32(buf[offset:]))
	return compareOrdered(a, b)
}

func (IntKeyCompare) Format(buf []byte, offset, length int) string {
	return strconv.FormatInt(int64(int32(bin.Uint32(buf[offset:]))), 10)
}

// LongKeyCompare orders signed 64-bit big-endian integers.
type LongKeyCompare struct{}

func (LongKeyCompare) Compare(key []byte, buf []byte, offset, length int) int {
	a := int64(bin.Uint64(key))
	b := int64(bin.Uint64(buf[offset:]))
	return compareOrdered(a, b)
}

func (LongKeyCompare) Format(buf []byte, offset, length int) string {
	return strconv.FormatInt(int64(bin.Uint64(buf[offset:])), 10)
}

// VarBinaryKeyCompare orders keys stored as a 1-byte length followed by the content.
// When every compared byte matches the shorter key sorts first.
type VarBinaryKeyCompare struct{}

func (VarBinaryKeyCompare) Compare(key []byte, buf []byte, offset, length int) int {
	a := varContent(key, 0, length)
	b := varContent(buf, offset, length)
	return bytes.Compare(a, b)
}

func (VarBinaryKeyCompare) Format(buf []byte, offset, length int) string {
	return hex.EncodeToString(varContent(buf, offset, length))
}

// StringKeyCompare uses the var-binary order and decodes UTF-8 for display.
type StringKeyCompare struct {
	VarBinaryKeyCompare
}

func (StringKeyCompare) Format(buf []byte, offset, length int) string {
	content := varContent(buf, offset, length)
	if utf8.Valid(content) {
		return string(content)
	}
	// show what decodes and escape the rest
	var sb strings.Builder
	for len(content) > 0 {
		r, size := utf8.DecodeRune(content)
		if r == utf8.RuneError && size <= 1 {
			sb.WriteString(`\x`)
			sb.WriteString(hex.EncodeToString(content[:1]))
			size = 1
		} else {
			sb.WriteRune(r)
		}
		content = content[size:]
	}
	return sb.String()
}

// varContent clamps a corrupt length prefix to the slot width instead of reading past it.
func varContent(buf []byte, offset, length int) []byte {
	if length <= 0 {
		return nil
	}
	n := int(buf[offset])
	if n > length-1 {
		n = length - 1
	}
	return buf[offset+1 : offset+1+n]
}

func compareOrdered[T int32 | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// KeyType is the logical type of an indexed column, it selects the comparator.
type KeyType uint8

const (
	KeyTypeBinary KeyType = iota + 1
	KeyTypeInt
	KeyTypeLong
	KeyTypeVarBinary
	KeyTypeString
)

var keyTypeNames = map[KeyType]string{
	KeyTypeBinary:    "binary",
	KeyTypeInt:       "int",
	KeyTypeLong:      "long",
	KeyTypeVarBinary: "varbinary",
	KeyTypeString:    "string",
}

func (kt KeyType) String() string {
	if name, ok := keyTypeNames[kt]; ok {
		return name
	}
	return "keytype(" + strconv.Itoa(int(kt)) + ")"
}

func ParseKeyType(s string) (KeyType, error) {
	for kt, name := range keyTypeNames {
		if strings.EqualFold(name, s) {
			return kt, nil
		}
	}
	return 0, errors.Newf("unknown key type %q", s)
}

// DefaultKeySize is the slot width used when the caller does not pick one.
func (kt KeyType) DefaultKeySize() int {
	switch kt {
	case KeyTypeInt:
		return 4
	case KeyTypeLong:
		return 8
	case KeyTypeBinary:
		return 16
	default:
		return 1 + 63
	}
}

// checkKeySize rejects slot widths the comparator cannot read.
func (kt KeyType) checkKeySize(keySize int) error {
	switch kt {
	case KeyTypeInt:
		if keySize != 4 {
			return errors.Wrapf(ErrKeySize, "int keys are 4 bytes, got %d", keySize)
		}
	case KeyTypeLong:
		if keySize != 8 {
			return errors.Wrapf(ErrKeySize, "long keys are 8 bytes, got %d", keySize)
		}
	case KeyTypeVarBinary, KeyTypeString:
		if keySize < 2 || keySize > 1+maxVarKeyLen {
			return errors.Wrapf(ErrKeySize, "%s keys need 2..%d bytes, got %d", kt, 1+maxVarKeyLen, keySize)
		}
	case KeyTypeBinary:
		if keySize < 1 {
			return errors.Wrapf(ErrKeySize, "binary keys need at least 1 byte, got %d", keySize)
		}
	default:
		return errors.Newf("unknown key type %d", kt)
	}
	return nil
}

func NewKeyCompare(kt KeyType) (KeyCompare, error) {
	switch kt {
	case KeyTypeBinary:
		return BinaryKeyCompare{}, nil
	case KeyTypeInt:
		return IntKeyCompare{}, nil
	case KeyTypeLong:
		return LongKeyCompare{}, nil
	case KeyTypeVarBinary:
		return VarBinaryKeyCompare{}, nil
	case KeyTypeString:
		return StringKeyCompare{}, nil
	default:
		return nil, errors.Newf("unknown key type %d", kt)
	}
}
