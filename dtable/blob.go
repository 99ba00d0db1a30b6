package dtable

import "bytes"

// Blob is an immutable byte string with an explicit existence flag.
// A non-existent Blob is the tombstone; an existent, zero-length Blob
// is a present empty value and is distinct from non-existent. Go's
// garbage collector takes the place of the original's manual reference
// counting: a Blob's Data is never mutated after construction, so
// sharing the backing slice across callers is safe without a refcount.
type Blob struct {
	exists bool
	data   []byte
}

// NewBlob wraps data as a present blob. The caller must not mutate data
// afterward; make a copy first if the source buffer will be reused.
func NewBlob(data []byte) Blob { return Blob{exists: true, data: data} }

// Tombstone is the canonical non-existent blob.
var Tombstone = Blob{exists: false}

// Exists reports whether this blob represents a present value.
func (b Blob) Exists() bool { return b.exists }

// Data returns the blob's bytes. Callers must not mutate the result.
func (b Blob) Data() []byte { return b.data }

// Size returns len(Data()); 0 for both tombstones and empty blobs.
func (b Blob) Size() int { return len(b.data) }

// Meta returns the cheap (exists, size) projection of this blob.
func (b Blob) Meta() Metablob { return Metablob{Exists: b.exists, Size: len(b.data)} }

// Compare orders blobs: existent > non-existent; among existent blobs,
// lexicographically by content unless cmp is supplied.
func (b Blob) Compare(other Blob, cmp BlobComparator) int {
	if b.exists != other.exists {
		if b.exists {
			return 1
		}
		return -1
	}
	if !b.exists {
		return 0
	}
	if cmp != nil {
		return cmp.Compare(b.data, other.data)
	}
	return bytes.Compare(b.data, other.data)
}

func (b Blob) Equal(other Blob, cmp BlobComparator) bool { return b.Compare(other, cmp) == 0 }

// Metablob carries only (exists, size), readable by an iterator without
// fetching the value bytes — used for cheap metadata scans.
type Metablob struct {
	Exists bool
	Size   int
}

var NoMeta = Metablob{}
