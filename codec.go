package blockidx

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	_ Codec[int32]  = Int32Codec{}
	_ Codec[int64]  = Int64Codec{}
	_ Codec[uint64] = Uint64Codec{}
	_ Codec[[]byte] = BytesCodec{}
	_ Codec[[]byte] = VarBytesCodec{}
	_ Codec[string] = StringCodec{}
)

// Codec turns Go values into key bytes laid out for one KeyCompare, and back.
type Codec[T any] interface {
	Unmarshal(data []byte, v *T) error
	Marshal(v *T) ([]byte, error)
}

type Int32Codec struct{}

func (Int32Codec) Unmarshal(data []byte, v *int32) error {
	if len(data) < 4 {
		return errors.Wrapf(ErrKeySize, "int key needs 4 bytes, got %d", len(data))
	}
	*v = int32(bin.Uint32(data))
	return nil
}

func (Int32Codec) Marshal(v *int32) ([]byte, error) {
	return bin.AppendUint32(nil, uint32(*v)), nil
}

type Int64Codec struct{}

func (Int64Codec) Unmarshal(data []byte, v *int64) error {
	if len(data) < 8 {
		return errors.Wrapf(ErrKeySize, "long key needs 8 bytes, got %d", len(data))
	}
	*v = int64(bin.Uint64(data))
	return nil
}

func (Int64Codec) Marshal(v *int64) ([]byte, error) {
	return bin.AppendUint64(nil, uint64(*v)), nil
}

type Uint64Codec struct{}

func (Uint64Codec) Unmarshal(data []byte, v *uint64) error {
	if len(data) < 8 {
		return errors.Wrapf(ErrKeySize, "u64 needs 8 bytes, got %d", len(data))
	}
	*v = bin.Uint64(data)
	return nil
}

func (Uint64Codec) Marshal(v *uint64) ([]byte, error) {
	return bin.AppendUint64(nil, *v), nil
}

// BytesCodec pads to Size with zeros, Size 0 passes bytes through.
type BytesCodec struct {
	Size int
}

func (b BytesCodec) Unmarshal(data []byte, v *[]byte) error {
	*v = data
	return nil
}

func (b BytesCodec) Marshal(v *[]byte) ([]byte, error) {
	if b.Size == 0 {
		return *v, nil
	}
	if len(*v) > b.Size {
		return nil, errors.Wrapf(ErrKeySize, "binary key is %d bytes, slot is %d", len(*v), b.Size)
	}
	out := make([]byte, b.Size)
	copy(out, *v)
	return out, nil
}

// VarBytesCodec writes a 1-byte length prefix before the content.
type VarBytesCodec struct{}

func (VarBytesCodec) Unmarshal(data []byte, v *[]byte) error {
	if len(data) == 0 {
		*v = nil
		return nil
	}
	n := int(data[0])
	if n > len(data)-1 {
		return errors.Wrapf(ErrKeySize, "var key claims %d bytes, has %d", n, len(data)-1)
	}
	*v = data[1 : 1+n]
	return nil
}

func (VarBytesCodec) Marshal(v *[]byte) ([]byte, error) {
	if len(*v) > maxVarKeyLen {
		return nil, errors.Wrapf(ErrKeySize, "var key content is %d bytes, max %d", len(*v), maxVarKeyLen)
	}
	out := make([]byte, 0, 1+len(*v))
	out = append(out, byte(len(*v)))
	return append(out, *v...), nil
}

type StringCodec struct{}

func (StringCodec) Unmarshal(data []byte, v *string) error {
	var b []byte
	if err := (VarBytesCodec{}).Unmarshal(data, &b); err != nil {
		return err
	}
	*v = string(b)
	return nil
}

func (StringCodec) Marshal(v *string) ([]byte, error) {
	b := []byte(*v)
	return VarBytesCodec{}.Marshal(&b)
}

// ParseKey encodes the text form of a key for an index of type kt. Binary keys given with a
// 0x prefix are hex decoded.
func ParseKey(kt KeyType, keySize int, s string) ([]byte, error) {
	switch kt {
	case KeyTypeInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "int key %q", s)
		}
		v := int32(n)
		return Int32Codec{}.Marshal(&v)
	case KeyTypeLong:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "long key %q", s)
		}
		return Int64Codec{}.Marshal(&n)
	case KeyTypeBinary, KeyTypeVarBinary:
		b := []byte(s)
		if rest, ok := strings.CutPrefix(s, "0x"); ok {
			var err error
			if b, err = hex.DecodeString(rest); err != nil {
				return nil, errors.Wrapf(err, "hex key %q", s)
			}
		}
		if kt == KeyTypeBinary {
			return BytesCodec{Size: keySize}.Marshal(&b)
		}
		key, err := VarBytesCodec{}.Marshal(&b)
		return fitKey(key, err, keySize)
	case KeyTypeString:
		key, err := StringCodec{}.Marshal(&s)
		return fitKey(key, err, keySize)
	default:
		return nil, errors.Newf("unknown key type %d", kt)
	}
}

func fitKey(key []byte, err error, keySize int) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if len(key) > keySize {
		return nil, errors.Wrapf(ErrKeySize, "key needs %d bytes, slot is %d", len(key), keySize)
	}
	return key, nil
}
