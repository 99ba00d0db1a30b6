// Package simple implements simple_dtable: the general-purpose sorted
// leaf format for arbitrary keys and variable-size values (spec.md
// §4.6's `simple` row). Grounded on original_source's simple_dtable
// (listed in `_INDEX.md`; variable-length leaf with a packed
// (length, offset) key table and a sibling stringtbl for string keys),
// adapted to this port's fixed-width key codec
// (dtable/internal/keycodec) and Go dtable.Factory registration in
// place of DECLARE_RO_FACTORY.
package simple

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/keycodec"
	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/rofile"
	"github.com/dtablekv/dtablekv/rwfile"
	"github.com/dtablekv/dtablekv/stringtbl"
)

// Magic and Version identify this format on disk (spec.md §Encodings).
const (
	Magic   = 0xF029DDE3
	Version = 1
)

const tombstoneLen = 0xFFFFFFFF

func init() {
	dtable.Register("simple", dtable.Factory{Create: create, Open: open})
}

func dataPath(dir, name string) string { return filepath.Join(dir, name+".simple") }

type entryPos struct {
	key    dtable.Key
	exists bool
	length uint32
	offset uint32
}

// create writes a new simple_dtable at dir/name from source, honoring
// shadow's tombstone-retention rule.
func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var entries []dtable.Entry
	if err := dtable.IterateForCreate(source, shadow, func(e dtable.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}

	var strIdx map[string]int
	var strEncoded []byte
	if keyType == dtable.KeyString {
		b := stringtbl.NewBuilder()
		for _, e := range entries {
			b.Add(e.Key.Str)
		}
		_, strEncoded, strIdx = b.Build()
	}

	cmpName := cfg.String("cmp_name", "")

	keyTable := make([]byte, 0, len(entries)*12)
	data := make([]byte, 0)
	for _, e := range entries {
		var idxFn keycodec.StrIndex
		if strIdx != nil {
			idxFn = func(s string) uint32 { return uint32(strIdx[s]) }
		}
		keyTable = keycodec.Encode(keyTable, e.Key, keyType, idxFn)

		var lenBuf, offBuf [4]byte
		if e.Meta.Exists {
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(e.Blob.Size()))
			binary.LittleEndian.PutUint32(offBuf[:], uint32(len(data)))
			data = append(data, e.Blob.Data()...)
		} else {
			binary.LittleEndian.PutUint32(lenBuf[:], tombstoneLen)
		}
		keyTable = append(keyTable, lenBuf[:]...)
		keyTable = append(keyTable, offBuf[:]...)
	}

	f, err := rwfile.Create(dataPath(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	writeU32 := func(v uint32) error {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		_, err := f.Write(b[:])
		return err
	}

	if err := writeU32(Magic); err != nil {
		return err
	}
	if err := writeU32(Version); err != nil {
		return err
	}
	if err := writeU32(uint32(len(entries))); err != nil {
		return err
	}
	if _, err := f.Write([]byte{byte(keyType)}); err != nil {
		return err
	}
	if err := writeU32(uint32(len(cmpName))); err != nil {
		return err
	}
	if _, err := f.Write([]byte(cmpName)); err != nil {
		return err
	}
	if err := writeU32(uint32(len(strEncoded))); err != nil {
		return err
	}
	if len(strEncoded) > 0 {
		if _, err := f.Write(strEncoded); err != nil {
			return err
		}
	}
	if err := writeU32(uint32(len(keyTable))); err != nil {
		return err
	}
	if _, err := f.Write(keyTable); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return nil
}

// Table is the read side of a simple_dtable.
type Table struct {
	rf        *rofile.File
	keyType   dtable.KeyType
	cmpName   string
	cmp       dtable.BlobComparator
	strtbl    *stringtbl.Table
	entries   []entryPos
	dataStart int64
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
		return nil, xerrors.Newf(xerrors.EINVAL, "simple: bad magic %#x", magic)
	}
	version, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	if version != Version {
		rf.Close()
		return nil, xerrors.Newf(xerrors.EINVAL, "simple: unsupported version %d", version)
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

	cmpNameLen, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	cmpNameBuf := make([]byte, cmpNameLen)
	if cmpNameLen > 0 {
		if _, err := rf.ReadAt(cmpNameBuf, pos); err != nil {
			rf.Close()
			return nil, err
		}
	}
	pos += int64(cmpNameLen)

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

	keyTableLen, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	keyTable := make([]byte, keyTableLen)
	if keyTableLen > 0 {
		if _, err := rf.ReadAt(keyTable, pos); err != nil {
			rf.Close()
			return nil, err
		}
	}
	pos += int64(keyTableLen)

	var strLookup keycodec.StrLookup
	if strtbl != nil {
		strLookup = func(idx uint32) (string, error) { return strtbl.Get(int(idx)) }
	}

	entries := make([]entryPos, 0, keyCount)
	p := 0
	for uint32(len(entries)) < keyCount {
		k, n, err := keycodec.Decode(keyTable[p:], fileKeyType, strLookup)
		if err != nil {
			rf.Close()
			return nil, err
		}
		p += n
		if p+8 > len(keyTable) {
			rf.Close()
			return nil, xerrors.New(xerrors.EINVAL, "simple: truncated key table entry")
		}
		length := binary.LittleEndian.Uint32(keyTable[p : p+4])
		offset := binary.LittleEndian.Uint32(keyTable[p+4 : p+8])
		p += 8
		entries = append(entries, entryPos{key: k, exists: length != tombstoneLen, length: length, offset: offset})
	}

	return &Table{
		rf:        rf,
		keyType:   fileKeyType,
		cmpName:   string(cmpNameBuf),
		strtbl:    strtbl,
		entries:   entries,
		dataStart: pos,
	}, nil
}

func (t *Table) find(key dtable.Key) int {
	return sort.Search(len(t.entries), func(i int) bool {
		return dtable.Compare(t.entries[i].key, key, t.cmp) >= 0
	})
}

func (t *Table) blobAt(i int) (dtable.Blob, error) {
	e := t.entries[i]
	if !e.exists {
		return dtable.Tombstone, nil
	}
	buf := make([]byte, e.length)
	if e.length > 0 {
		if _, err := t.rf.ReadAt(buf, t.dataStart+int64(e.offset)); err != nil {
			return dtable.Blob{}, err
		}
	}
	return dtable.NewBlob(buf), nil
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	i := t.find(key)
	if i >= len(t.entries) || dtable.Compare(t.entries[i].key, key, t.cmp) != 0 {
		return dtable.Blob{}, false, nil
	}
	b, err := t.blobAt(i)
	return b, true, err
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) {
	i := t.find(key)
	if i >= len(t.entries) || dtable.Compare(t.entries[i].key, key, t.cmp) != 0 {
		return false, false, nil
	}
	return true, t.entries[i].exists, nil
}

func (t *Table) KeyType() dtable.KeyType                  { return t.keyType }
func (t *Table) BlobComparator() dtable.BlobComparator     { return t.cmp }
func (t *Table) CmpName() string                           { return t.cmpName }
func (t *Table) Maintain() error                            { return nil }
func (t *Table) Writable() bool                             { return false }
func (t *Table) Size() int                                  { return len(t.entries) }
func (t *Table) ContainsIndex(i int) bool                   { return i >= 0 && i < len(t.entries) }

func (t *Table) Index(i int) (dtable.Blob, error) {
	if !t.ContainsIndex(i) {
		return dtable.Blob{}, xerrors.Newf(xerrors.EINVAL, "simple: index %d out of range", i)
	}
	return t.blobAt(i)
}

func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error {
	if t.cmpName != "" && cmp != nil && cmp.Name() != t.cmpName {
		return xerrors.Newf(xerrors.EINVAL, "simple: comparator %q does not match stored %q", cmp.Name(), t.cmpName)
	}
	t.cmp = cmp
	if cmp != nil {
		t.cmpName = cmp.Name()
	}
	return nil
}

func (t *Table) Close() error { return t.rf.Close() }

func (t *Table) Iterator() (dtable.Iterator, error) {
	return &iter{t: t, pos: -1}, nil
}

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
	n := len(it.t.entries)
	idx := sort.Search(n, func(i int) bool { return test(it.t.entries[i].key) <= 0 })
	it.pos = idx
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

func (it *iter) Key() dtable.Key       { return it.t.entries[it.pos].key }
func (it *iter) Meta() dtable.Metablob {
	e := it.t.entries[it.pos]
	return dtable.Metablob{Exists: e.exists, Size: int(e.length)}
}
func (it *iter) Value() (dtable.Blob, error) { return it.t.blobAt(it.pos) }
func (it *iter) Source() dtable.DTable       { return it.t }
func (it *iter) Reject(dtable.Blob) bool     { return false }
