// Package array implements array_dtable: a leaf format over a dense,
// contiguous range of u32 keys with fixed-size values and O(1) index
// access (spec.md §4.6's `array` row, v2 on disk). Grounded on
// original_source's array_dtable.{cpp,h}.
package array

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/rofile"
	"github.com/dtablekv/dtablekv/rwfile"
)

const (
	Magic   = 0x69AD02D3
	Version = 2
)

// tag byte per slot.
const (
	tagHole = iota
	tagTombstone
	tagValue
)

func init() {
	dtable.Register("array", dtable.Factory{Create: create, Open: open})
}

func dataPath(dir, name string) string { return filepath.Join(dir, name+".array") }

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if keyType != dtable.KeyU32 {
		return xerrors.New(xerrors.EINVAL, "array: key type must be u32")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	valueSize := cfg.Int("value_size", 0)
	if valueSize <= 0 {
		return xerrors.New(xerrors.EINVAL, "array: config value_size must be > 0")
	}

	var entries []dtable.Entry
	if err := dtable.IterateForCreate(source, shadow, func(e dtable.Entry) error {
		if e.Meta.Exists && e.Blob.Size() != valueSize {
			replacement := dtable.NewBlob(make([]byte, valueSize))
			if !source.Reject(replacement) {
				return dtable.ErrRejected
			}
			e.Blob = replacement
		}
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}

	var min, count uint32
	slots := make([]byte, 0)
	if len(entries) > 0 {
		min = entries[0].Key.U32
		max := entries[len(entries)-1].Key.U32
		count = max - min + 1
		slots = make([]byte, count*(1+uint32(valueSize)))
		idx := 0
		for u := min; u <= max; u++ {
			off := (u - min) * (1 + uint32(valueSize))
			if idx < len(entries) && entries[idx].Key.U32 == u {
				e := entries[idx]
				idx++
				if e.Meta.Exists {
					slots[off] = tagValue
					copy(slots[off+1:off+1+uint32(valueSize)], e.Blob.Data())
				} else {
					slots[off] = tagTombstone
				}
			} // else leave as tagHole (zero)
		}
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
	if err := wU32(min); err != nil {
		return err
	}
	if err := wU32(count); err != nil {
		return err
	}
	if err := wU32(uint32(valueSize)); err != nil {
		return err
	}
	_, err = f.Write(slots)
	return err
}

// Table is the read side of an array_dtable.
type Table struct {
	rf        *rofile.File
	min       uint32
	count     uint32
	valueSize int
	slotsFrom int64
}

func open(dir, name string, cfg dtable.Config, keyType dtable.KeyType) (dtable.DTable, error) {
	rf, err := rofile.Open(dataPath(dir, name), rofile.Options{UseMmap: cfg.Bool("mmap", false)})
	if err != nil {
		return nil, err
	}
	readU32 := func(off int64) (uint32, error) {
		var b [4]byte
		_, err := rf.ReadAt(b[:], off)
		return binary.LittleEndian.Uint32(b[:]), err
	}
	magic, err := readU32(0)
	if err != nil {
		rf.Close()
		return nil, err
	}
	if magic != Magic {
		rf.Close()
		return nil, xerrors.Newf(xerrors.EINVAL, "array: bad magic %#x", magic)
	}
	if _, err := readU32(4); err != nil { // version
		rf.Close()
		return nil, err
	}
	min, err := readU32(8)
	if err != nil {
		rf.Close()
		return nil, err
	}
	count, err := readU32(12)
	if err != nil {
		rf.Close()
		return nil, err
	}
	valueSize, err := readU32(16)
	if err != nil {
		rf.Close()
		return nil, err
	}
	return &Table{rf: rf, min: min, count: count, valueSize: int(valueSize), slotsFrom: 20}, nil
}

func (t *Table) slotOffset(idx uint32) int64 {
	return t.slotsFrom + int64(idx)*(1+int64(t.valueSize))
}

func (t *Table) slotTag(idx uint32) (byte, error) {
	var b [1]byte
	if _, err := t.rf.ReadAt(b[:], t.slotOffset(idx)); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (t *Table) indexOf(key dtable.Key) (uint32, bool) {
	if key.U32 < t.min || key.U32 >= t.min+t.count {
		return 0, false
	}
	return key.U32 - t.min, true
}

func (t *Table) blobAtIdx(idx uint32) (dtable.Blob, error) {
	tag, err := t.slotTag(idx)
	if err != nil {
		return dtable.Blob{}, err
	}
	if tag != tagValue {
		return dtable.Tombstone, nil
	}
	buf := make([]byte, t.valueSize)
	if _, err := t.rf.ReadAt(buf, t.slotOffset(idx)+1); err != nil {
		return dtable.Blob{}, err
	}
	return dtable.NewBlob(buf), nil
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	idx, ok := t.indexOf(key)
	if !ok {
		return dtable.Blob{}, false, nil
	}
	tag, err := t.slotTag(idx)
	if err != nil {
		return dtable.Blob{}, false, err
	}
	if tag == tagHole {
		return dtable.Blob{}, false, nil
	}
	b, err := t.blobAtIdx(idx)
	return b, true, err
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) {
	idx, ok := t.indexOf(key)
	if !ok {
		return false, false, nil
	}
	tag, err := t.slotTag(idx)
	if err != nil {
		return false, false, err
	}
	if tag == tagHole {
		return false, false, nil
	}
	return true, tag == tagValue, nil
}

func (t *Table) KeyType() dtable.KeyType               { return dtable.KeyU32 }
func (t *Table) BlobComparator() dtable.BlobComparator { return nil }
func (t *Table) CmpName() string                       { return "" }
func (t *Table) Maintain() error                       { return nil }
func (t *Table) Writable() bool                        { return false }
func (t *Table) Size() int                             { return int(t.count) }
func (t *Table) ContainsIndex(i int) bool              { return i >= 0 && i < int(t.count) }

func (t *Table) Index(i int) (dtable.Blob, error) {
	if !t.ContainsIndex(i) {
		return dtable.Blob{}, xerrors.Newf(xerrors.EINVAL, "array: index %d out of range", i)
	}
	return t.blobAtIdx(uint32(i))
}

func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error {
	if cmp != nil {
		return xerrors.New(xerrors.EINVAL, "array: u32-keyed dtable has no blob comparator")
	}
	return nil
}

func (t *Table) Close() error { return t.rf.Close() }

func (t *Table) Iterator() (dtable.Iterator, error) { return &iter{t: t, pos: -1}, nil }

type iter struct {
	t   *Table
	pos int // -1 before start; int(t.count) after end
}

func (it *iter) Valid() bool { return it.pos >= 0 && it.pos < int(it.t.count) }

func (it *iter) advanceFrom(start int, dir int) (bool, error) {
	for i := start; i >= 0 && i < int(it.t.count); i += dir {
		tag, err := it.t.slotTag(uint32(i))
		if err != nil {
			return false, err
		}
		if tag != tagHole {
			it.pos = i
			return true, nil
		}
	}
	if dir > 0 {
		it.pos = int(it.t.count)
	} else {
		it.pos = -1
	}
	return false, nil
}

func (it *iter) First() (bool, error) { return it.advanceFrom(0, 1) }
func (it *iter) Last() (bool, error)  { return it.advanceFrom(int(it.t.count)-1, -1) }
func (it *iter) Next() (bool, error) {
	if it.pos >= int(it.t.count) {
		return false, nil
	}
	return it.advanceFrom(it.pos+1, 1)
}
func (it *iter) Prev() (bool, error) {
	if it.pos <= 0 {
		return false, nil
	}
	return it.advanceFrom(it.pos-1, -1)
}
func (it *iter) Seek(key dtable.Key) (bool, error) {
	idx, ok := it.t.indexOf(key)
	if !ok {
		if key.U32 < it.t.min {
			return it.advanceFrom(0, 1)
		}
		it.pos = int(it.t.count)
		return false, nil
	}
	found, err := it.advanceFrom(int(idx), 1)
	return found && it.Valid() && it.t.min+uint32(it.pos) == key.U32, err
}
func (it *iter) SeekTest(test dtable.Test) (bool, error) {
	for i := 0; i < int(it.t.count); i++ {
		if test(dtable.U32Key(it.t.min+uint32(i))) <= 0 {
			return it.advanceFrom(i, 1)
		}
	}
	it.pos = int(it.t.count)
	return false, nil
}
func (it *iter) SeekIndex(i int) (bool, error) {
	if !it.t.ContainsIndex(i) {
		it.pos = int(it.t.count)
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
func (it *iter) Key() dtable.Key { return dtable.U32Key(it.t.min + uint32(it.pos)) }
func (it *iter) Meta() dtable.Metablob {
	tag, _ := it.t.slotTag(uint32(it.pos))
	return dtable.Metablob{Exists: tag == tagValue, Size: it.t.valueSize}
}
func (it *iter) Value() (dtable.Blob, error) { return it.t.blobAtIdx(uint32(it.pos)) }
func (it *iter) Source() dtable.DTable       { return it.t }
func (it *iter) Reject(dtable.Blob) bool     { return false }
