package dtable

import "bytes"

// KeyType identifies which variant of Key a dtable is parameterized over.
// A dtable never mixes key types over its lifetime.
type KeyType uint8

const (
	KeyU32 KeyType = iota
	KeyF64
	KeyString
	KeyBlob
)

func (t KeyType) String() string {
	switch t {
	case KeyU32:
		return "u32"
	case KeyF64:
		return "f64"
	case KeyString:
		return "string"
	case KeyBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Key is a tagged union over {u32, f64, interned string, opaque blob}.
// Only the field matching Type is meaningful.
type Key struct {
	Type KeyType
	U32  uint32
	F64  float64
	Str  string
	Blob []byte
}

func U32Key(v uint32) Key  { return Key{Type: KeyU32, U32: v} }
func F64Key(v float64) Key { return Key{Type: KeyF64, F64: v} }
func StrKey(v string) Key  { return Key{Type: KeyString, Str: v} }
func BlobKey(v []byte) Key { return Key{Type: KeyBlob, Blob: v} }

// Compare orders two keys of the same Type. Ordering between different
// Types is undefined, matching the C original: dtables never mix key
// types so callers never need a cross-type order. When Type is KeyBlob
// and cmp is non-nil, cmp's order is used instead of lexicographic.
func Compare(a, b Key, cmp BlobComparator) int {
	switch a.Type {
	case KeyU32:
		switch {
		case a.U32 < b.U32:
			return -1
		case a.U32 > b.U32:
			return 1
		default:
			return 0
		}
	case KeyF64:
		switch {
		case a.F64 < b.F64:
			return -1
		case a.F64 > b.F64:
			return 1
		default:
			return 0
		}
	case KeyString:
		return bytes.Compare([]byte(a.Str), []byte(b.Str))
	case KeyBlob:
		if cmp != nil {
			return cmp.Compare(a.Blob, b.Blob)
		}
		return bytes.Compare(a.Blob, b.Blob)
	default:
		return 0
	}
}

// Equal reports whether a and b are the same key under cmp.
func Equal(a, b Key, cmp BlobComparator) bool { return Compare(a, b, cmp) == 0 }

// Test is the three-valued ordering predicate used by Iterator.SeekTest:
// test(k) > 0 means k sorts before the target, 0 means k is the target,
// < 0 means k sorts after the target. Iterator.SeekTest stops at the
// first key for which test(k) <= 0.
type Test func(k Key) int

// BlobComparator is a caller-supplied, named total order over blob keys.
// Two dtables are compatible iff their comparator Names match (or one
// has none set).
type BlobComparator interface {
	Name() string
	Compare(a, b []byte) int
}
