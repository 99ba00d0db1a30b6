// Package exist implements exist_dtable: a presence-only leaf that
// stores keys and an existence bit, never value bytes (spec.md §2's
// overview names it among the immutable dtables; §4.6 leaves it
// undetailed — see SPEC_FULL.md's supplemented-features note). Used as
// a cheap `shadow` argument to Create when only tombstone-retention
// decisions are needed, and as the base a `cache` wrapper sits over
// when only `Present` matters.
//
// Grounded on the teacher's cuckoofilter.CuckooFilter
// (_examples/guycipher-k4/v2/cuckoofilter/cuckoofilter.go): same
// two-index, bucketed-slot insert/lookup scheme, adapted from the
// teacher's internal k4/murmur + gob persistence to
// github.com/spaolacci/murmur3 (the hash library this pack's rest of
// go.mod already carries) and an explicit little-endian on-disk header
// matching every other leaf format here, since gob framing wouldn't
// round-trip across the Go-version-pinned wire format this engine
// otherwise commits to. The filter only ever answers "maybe present";
// the sorted key table alongside it (same shape as fixed_dtable's key
// table with a zero-width value) is the authoritative source for
// Lookup/Present/Iterator, the same two-tier arrangement bloom_dtable
// uses over an arbitrary base.
package exist

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/keycodec"
	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/rofile"
	"github.com/dtablekv/dtablekv/rwfile"
	"github.com/dtablekv/dtablekv/stringtbl"
)

const (
	Magic   = 0x9C1E5F17
	Version = 1
)

// filter sizing, same defaults as the teacher's CuckooFilter.
const (
	initialFilterSize = 1000
	maxBucketSize     = 8
)

func init() {
	dtable.Register("exist", dtable.Factory{Create: create, Open: open})
}

func dataPath(dir, name string) string { return filepath.Join(dir, name+".exist") }

func rawKeyBytes(k dtable.Key) []byte {
	switch k.Type {
	case dtable.KeyU32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], k.U32)
		return b[:]
	case dtable.KeyF64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(k.F64))
		return b[:]
	case dtable.KeyString:
		return []byte(k.Str)
	default:
		return k.Blob
	}
}

// cuckooFilter is the in-memory form built during Create and rebuilt in
// full from the persisted bucket array on Open (buckets store the
// hashed key directly, same as the teacher's scheme, so no separate
// rehydration step is needed).
type cuckooFilter struct {
	buckets []uint64
}

func newCuckooFilter(sizeHint int) *cuckooFilter {
	n := initialFilterSize
	for n < sizeHint {
		n *= 2
	}
	return &cuckooFilter{buckets: make([]uint64, n*maxBucketSize)}
}

func (cf *cuckooFilter) hashIndices(h uint64) (int, int) {
	filterSize := len(cf.buckets) / maxBucketSize
	return int(h % uint64(filterSize)), int((h >> 32) % uint64(filterSize))
}

func (cf *cuckooFilter) insert(key []byte) {
	h := murmur3.Sum64(key)
	if cf.tryPlace(h) {
		return
	}
	cf.resize()
	cf.insert(key)
}

// tryPlace drops h into the first open slot of either of its two
// candidate buckets, reporting whether a slot was found.
func (cf *cuckooFilter) tryPlace(h uint64) bool {
	i1, i2 := cf.hashIndices(h)
	for _, idx := range [2]int{i1, i2} {
		for k := 0; k < maxBucketSize; k++ {
			if cf.buckets[idx*maxBucketSize+k] == 0 {
				cf.buckets[idx*maxBucketSize+k] = h
				return true
			}
		}
	}
	return false
}

// resize doubles the bucket array and rehashes every existing entry
// into it, doubling again (and retrying from scratch) if any entry
// still can't find a slot: mayContain's no-false-negatives guarantee
// depends on every inserted key always having a home, so a key can
// never be silently dropped here the way a single doubling pass could
// drop one under heavy bucket contention.
func (cf *cuckooFilter) resize() {
	old := cf.buckets
	size := len(old)
	for {
		size *= 2
		cf.buckets = make([]uint64, size)
		ok := true
		for _, h := range old {
			if h == 0 {
				continue
			}
			if !cf.tryPlace(h) {
				ok = false
				break
			}
		}
		if ok {
			return
		}
	}
}

func (cf *cuckooFilter) mayContain(key []byte) bool {
	h := murmur3.Sum64(key)
	i1, i2 := cf.hashIndices(h)
	for k := 0; k < maxBucketSize; k++ {
		if cf.buckets[i1*maxBucketSize+k] == h || cf.buckets[i2*maxBucketSize+k] == h {
			return true
		}
	}
	return false
}

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var keys []dtable.Key
	var exists []bool
	if err := dtable.IterateForCreate(source, shadow, func(e dtable.Entry) error {
		keys = append(keys, e.Key)
		exists = append(exists, e.Meta.Exists)
		return nil
	}); err != nil {
		return err
	}

	cf := newCuckooFilter(len(keys))
	for _, k := range keys {
		cf.insert(rawKeyBytes(k))
	}

	var strIdx map[string]int
	var strEncoded []byte
	if keyType == dtable.KeyString {
		b := stringtbl.NewBuilder()
		for _, k := range keys {
			b.Add(k.Str)
		}
		_, strEncoded, strIdx = b.Build()
	}

	keyTable := make([]byte, 0, len(keys)*5)
	for i, k := range keys {
		var idxFn keycodec.StrIndex
		if strIdx != nil {
			idxFn = func(s string) uint32 { return uint32(strIdx[s]) }
		}
		keyTable = keycodec.Encode(keyTable, k, keyType, idxFn)
		keyTable = append(keyTable, boolByte(exists[i]))
	}

	f, err := rwfile.Create(dataPath(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	wU32 := func(v uint32) error {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		_, err := f.Write(b[:])
		return err
	}
	if err := wU32(Magic); err != nil {
		return err
	}
	if err := wU32(Version); err != nil {
		return err
	}
	if err := wU32(uint32(len(keys))); err != nil {
		return err
	}
	if _, err := f.Write([]byte{byte(keyType)}); err != nil {
		return err
	}
	if err := wU32(uint32(len(strEncoded))); err != nil {
		return err
	}
	if len(strEncoded) > 0 {
		if _, err := f.Write(strEncoded); err != nil {
			return err
		}
	}
	if _, err := f.Write(keyTable); err != nil {
		return err
	}
	if err := wU32(uint32(len(cf.buckets))); err != nil {
		return err
	}
	if err := wU32(maxBucketSize); err != nil {
		return err
	}
	bucketBytes := make([]byte, len(cf.buckets)*8)
	for i, h := range cf.buckets {
		binary.LittleEndian.PutUint64(bucketBytes[i*8:], h)
	}
	_, err = f.Write(bucketBytes)
	return err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

type entryPos struct {
	key    dtable.Key
	exists bool
}

// Table is the read side of an exist_dtable.
type Table struct {
	rf      *rofile.File
	keyType dtable.KeyType
	cmp     dtable.BlobComparator
	cmpName string
	entries []entryPos
	filter  *cuckooFilter
}

func open(dir, name string, cfg dtable.Config, keyType dtable.KeyType) (dtable.DTable, error) {
	rf, err := rofile.Open(dataPath(dir, name), rofile.Options{UseMmap: cfg.Bool("mmap", false)})
	if err != nil {
		return nil, err
	}
	readU32 := func(off int64) (uint32, int64, error) {
		var b [4]byte
		if _, err := rf.ReadAt(b[:], off); err != nil {
			return 0, 0, err
		}
		return binary.LittleEndian.Uint32(b[:]), off + 4, nil
	}
	magic, pos, err := readU32(0)
	if err != nil {
		rf.Close()
		return nil, err
	}
	if magic != Magic {
		rf.Close()
		return nil, xerrors.Newf(xerrors.EINVAL, "exist: bad magic %#x", magic)
	}
	_, pos, err = readU32(pos) // version
	if err != nil {
		rf.Close()
		return nil, err
	}
	keyCount, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	var ktByte [1]byte
	if _, err := rf.ReadAt(ktByte[:], pos); err != nil {
		rf.Close()
		return nil, err
	}
	fileKeyType := dtable.KeyType(ktByte[0])
	pos++

	strtblLen, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	var strtbl *stringtbl.Table
	if strtblLen > 0 {
		buf := make([]byte, strtblLen)
		if _, err := rf.ReadAt(buf, pos); err != nil {
			rf.Close()
			return nil, err
		}
		strtbl, err = stringtbl.Open(buf)
		if err != nil {
			rf.Close()
			return nil, err
		}
	}
	pos += int64(strtblLen)

	var strLookup keycodec.StrLookup
	if strtbl != nil {
		strLookup = func(idx uint32) (string, error) { return strtbl.Get(int(idx)) }
	}

	entrySize := keycodec.Size(fileKeyType) + 1
	keyTable := make([]byte, int(keyCount)*entrySize)
	if len(keyTable) > 0 {
		if _, err := rf.ReadAt(keyTable, pos); err != nil {
			rf.Close()
			return nil, err
		}
	}
	pos += int64(len(keyTable))

	entries := make([]entryPos, 0, keyCount)
	p := 0
	for uint32(len(entries)) < keyCount {
		k, n, err := keycodec.Decode(keyTable[p:], fileKeyType, strLookup)
		if err != nil {
			rf.Close()
			return nil, err
		}
		p += n
		exists := keyTable[p] != 0
		p++
		entries = append(entries, entryPos{key: k, exists: exists})
	}

	numBuckets, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	if _, pos, err = readU32(pos); err != nil { // maxBucketSize, fixed at build time
		rf.Close()
		return nil, err
	}
	bucketBytes := make([]byte, int(numBuckets)*8)
	if len(bucketBytes) > 0 {
		if _, err := rf.ReadAt(bucketBytes, pos); err != nil {
			rf.Close()
			return nil, err
		}
	}
	buckets := make([]uint64, numBuckets)
	for i := range buckets {
		buckets[i] = binary.LittleEndian.Uint64(bucketBytes[i*8:])
	}

	return &Table{
		rf:      rf,
		keyType: fileKeyType,
		entries: entries,
		filter:  &cuckooFilter{buckets: buckets},
	}, nil
}

func (t *Table) find(key dtable.Key) int {
	return sort.Search(len(t.entries), func(i int) bool {
		return dtable.Compare(t.entries[i].key, key, t.cmp) >= 0
	})
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	found, hasValue, err := t.Present(key)
	if err != nil || !found || !hasValue {
		return dtable.Blob{}, found && hasValue, err
	}
	return dtable.NewBlob(nil), true, nil
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) {
	if !t.filter.mayContain(rawKeyBytes(key)) {
		return false, false, nil
	}
	i := t.find(key)
	if i >= len(t.entries) || dtable.Compare(t.entries[i].key, key, t.cmp) != 0 {
		return false, false, nil
	}
	return true, t.entries[i].exists, nil
}

func (t *Table) KeyType() dtable.KeyType               { return t.keyType }
func (t *Table) BlobComparator() dtable.BlobComparator { return t.cmp }
func (t *Table) CmpName() string                       { return t.cmpName }
func (t *Table) Maintain() error                       { return nil }
func (t *Table) Writable() bool                        { return false }
func (t *Table) Size() int                             { return len(t.entries) }
func (t *Table) ContainsIndex(i int) bool              { return i >= 0 && i < len(t.entries) }

func (t *Table) Index(i int) (dtable.Blob, error) {
	if !t.ContainsIndex(i) {
		return dtable.Blob{}, xerrors.Newf(xerrors.EINVAL, "exist: index %d out of range", i)
	}
	if !t.entries[i].exists {
		return dtable.Tombstone, nil
	}
	return dtable.NewBlob(nil), nil
}

func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error {
	if t.cmpName != "" && cmp != nil && cmp.Name() != t.cmpName {
		return xerrors.Newf(xerrors.EINVAL, "exist: comparator %q does not match stored %q", cmp.Name(), t.cmpName)
	}
	t.cmp = cmp
	if cmp != nil {
		t.cmpName = cmp.Name()
	}
	return nil
}

func (t *Table) Close() error { return t.rf.Close() }

func (t *Table) Iterator() (dtable.Iterator, error) { return &iter{t: t, pos: -1}, nil }

type iter struct {
	t   *Table
	pos int
}

func (it *iter) Valid() bool { return it.pos >= 0 && it.pos < len(it.t.entries) }
func (it *iter) First() (bool, error) {
	it.pos = 0
	return it.Valid(), nil
}
func (it *iter) Last() (bool, error) {
	it.pos = len(it.t.entries) - 1
	return it.Valid(), nil
}
func (it *iter) Next() (bool, error) {
	if it.pos < len(it.t.entries) {
		it.pos++
	}
	return it.Valid(), nil
}
func (it *iter) Prev() (bool, error) {
	if it.pos <= 0 {
		return false, nil
	}
	it.pos--
	return true, nil
}
func (it *iter) Seek(key dtable.Key) (bool, error) {
	it.pos = it.t.find(key)
	return it.Valid() && dtable.Compare(it.t.entries[it.pos].key, key, it.t.cmp) == 0, nil
}
func (it *iter) SeekTest(test dtable.Test) (bool, error) {
	it.pos = sort.Search(len(it.t.entries), func(i int) bool { return test(it.t.entries[i].key) <= 0 })
	return it.Valid(), nil
}
func (it *iter) SeekIndex(i int) (bool, error) {
	if !it.t.ContainsIndex(i) {
		it.pos = len(it.t.entries)
		return false, nil
	}
	it.pos = i
	return true, nil
}
func (it *iter) GetIndex() int {
	if !it.Valid() {
		return -1
	}
	return it.pos
}
func (it *iter) Key() dtable.Key { return it.t.entries[it.pos].key }
func (it *iter) Meta() dtable.Metablob {
	return dtable.Metablob{Exists: it.t.entries[it.pos].exists, Size: 0}
}
func (it *iter) Value() (dtable.Blob, error) {
	if !it.t.entries[it.pos].exists {
		return dtable.Tombstone, nil
	}
	return dtable.NewBlob(nil), nil
}
func (it *iter) Source() dtable.DTable   { return it.t }
func (it *iter) Reject(dtable.Blob) bool { return false }
