// Package dtable defines the uniform contract every storage layer in this
// engine honors: a sorted map from typed keys to byte-string values, with
// a bidirectional iterator protocol and a rejection back-channel used by
// value-constrained on-disk codecs.
package dtable

import (
	"github.com/dtablekv/dtablekv/internal/xerrors"
)

// DTable is the read path every layer implements: leaf on-disk formats,
// wrapper codecs, overlays, and the journal-backed mutable layer.
type DTable interface {
	// Lookup returns the blob stored for key, or a non-existent Blob and
	// found=false if key is absent from this dtable entirely. For a key
	// whose entry is a tombstone, implementations differ: the on-disk
	// leaf formats report found=true with a non-existent Blob, while
	// overlay, journal_dtable, exist and uniq report found=false. Present
	// tells the two cases apart in every implementation.
	Lookup(key Key) (blob Blob, found bool, err error)

	// Present reports whether key has any entry at all (found), and if
	// so whether that entry is a live value rather than a tombstone
	// (hasValue). contains(key) == Present(key) with found only checked.
	Present(key Key) (found bool, hasValue bool, err error)

	// Iterator returns a new iterator positioned before the first entry;
	// call First()/Last() or a seek before reading Key()/Value().
	Iterator() (Iterator, error)

	KeyType() KeyType
	BlobComparator() BlobComparator
	CmpName() string

	// SetBlobCmp installs cmp. Only legal when CmpName() is empty or
	// equals cmp.Name(); otherwise returns an EINVAL xerrors error.
	SetBlobCmp(cmp BlobComparator) error

	// Maintain performs any background housekeeping this dtable defines;
	// a no-op by default.
	Maintain() error

	// Writable reports whether this DTable also implements WritableDTable.
	Writable() bool
}

// IndexedDTable is implemented by dtables over a dense, orderable index
// space (array_dtable, linear_dtable, and wrappers over them).
type IndexedDTable interface {
	DTable
	Index(i int) (Blob, error)
	ContainsIndex(i int) bool
	Size() int
}

// WritableDTable is implemented by dtables that accept mutation
// (currently only journal_dtable and the managed_dtable overlay it
// backs).
type WritableDTable interface {
	DTable
	Insert(key Key, blob Blob, appendValue bool) error
	Remove(key Key) error
}

// Iterator is the bidirectional cursor protocol every DTable.Iterator()
// returns. An iterator points either at a valid entry or at a single
// after-the-end position (the only position, for an empty dtable).
type Iterator interface {
	// Valid reports whether the iterator currently points at an entry.
	Valid() bool

	// First/Last position at the first/last entry; they return false
	// only when the dtable is empty.
	First() (bool, error)
	Last() (bool, error)

	// Next/Prev return true iff the iterator ends at a valid entry.
	// Prev never moves past the first entry: calling it while already
	// there returns false and leaves the position unchanged.
	Next() (bool, error)
	Prev() (bool, error)

	// Seek positions at the first entry whose key is >= key, returning
	// true iff that entry's key equals key exactly.
	Seek(key Key) (bool, error)

	// SeekTest positions at the first entry for which test(k) <= 0.
	SeekTest(test Test) (bool, error)

	// SeekIndex/GetIndex are only meaningful when the source DTable
	// supports indexed access; otherwise they return an ENOSYS error /
	// -1 respectively.
	SeekIndex(i int) (bool, error)
	GetIndex() int

	Key() Key
	Meta() Metablob
	Value() (Blob, error)

	// Source is the dtable actually holding the current entry — for
	// plain leaves this is the leaf itself; for overlay iterators it is
	// whichever layer answered the current position.
	Source() DTable

	// Reject is the rejection back-channel: a disk-format create() that
	// cannot encode the iterator's current value calls Reject(replacement)
	// to ask whether replacement (a distinct, storable blob) may be
	// substituted. The default implementation on leaf iterators refuses
	// (returns false); wrapping iterators that maintain an exception
	// sibling accept and record the substitution.
	Reject(replacement Blob) bool
}

// ErrUnsupported reports an iterator operation a particular
// implementation intentionally does not provide (e.g. SeekIndex on a
// non-indexed source), matching the "explicit Unsupported errors" design
// note for operations the C original left as abort()s.
var ErrUnsupported = xerrors.New(xerrors.ENOSYS, "operation not supported by this dtable")

// ErrRejected is returned by Create() implementations when the source
// iterator's Reject() refused a substitution.
var ErrRejected = xerrors.New(xerrors.EINVAL, "source iterator rejected an unencodable value")
