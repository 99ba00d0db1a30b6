// Package linear implements linear_dtable: a leaf format over a dense,
// contiguous range of u32 keys with variable-size values, addressed by
// a per-index (length, offset) pair (spec.md §4.6's `linear` row).
// Grounded on original_source's linear_dtable.{cpp,h}. The stored
// length field is the real length plus 2, reserving 0 for a hole (no
// entry ever existed at this index) and 1 for a tombstone (removed),
// exactly as spec.md describes.
package linear

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
	Magic   = 0xCB001E65
	Version = 1
)

const (
	lenHole      = 0
	lenTombstone = 1
	lenBias      = 2
)

func init() {
	dtable.Register("linear", dtable.Factory{Create: create, Open: open})
}

func dataPath(dir, name string) string { return filepath.Join(dir, name+".linear") }

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if keyType != dtable.KeyU32 {
		return xerrors.New(xerrors.EINVAL, "linear: key type must be u32")
	}
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

	var min, count uint32
	index := make([]byte, 0)
	data := make([]byte, 0)
	if len(entries) > 0 {
		min = entries[0].Key.U32
		max := entries[len(entries)-1].Key.U32
		count = max - min + 1
		index = make([]byte, count*8)

		idx := 0
		for u := min; u <= max; u++ {
			off := (u - min) * 8
			var lenField, dataOff uint32
			if idx < len(entries) && entries[idx].Key.U32 == u {
				e := entries[idx]
				idx++
				if e.Meta.Exists {
					lenField = uint32(e.Blob.Size()) + lenBias
					dataOff = uint32(len(data))
					data = append(data, e.Blob.Data()...)
				} else {
					lenField = lenTombstone
				}
			} else {
				lenField = lenHole
			}
			binary.LittleEndian.PutUint32(index[off:off+4], lenField)
			binary.LittleEndian.PutUint32(index[off+4:off+8], dataOff)
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
	if _, err := f.Write(index); err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// Table is the read side of a linear_dtable.
type Table struct {
	rf        *rofile.File
	min       uint32
	count     uint32
	indexFrom int64
	dataFrom  int64
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
		return nil, xerrors.Newf(xerrors.EINVAL, "linear: bad magic %#x", magic)
	}
	if _, err := readU32(4); err != nil {
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
	return &Table{
		rf:        rf,
		min:       min,
		count:     count,
		indexFrom: 16,
		dataFrom:  16 + int64(count)*8,
	}, nil
}

func (t *Table) entryAt(idx uint32) (length, offset uint32, err error) {
	var b [8]byte
	if _, err = t.rf.ReadAt(b[:], t.indexFrom+int64(idx)*8); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]), nil
}

func (t *Table) indexOf(key dtable.Key) (uint32, bool) {
	if key.U32 < t.min || key.U32 >= t.min+t.count {
		return 0, false
	}
	return key.U32 - t.min, true
}

func (t *Table) blobAtIdx(idx uint32) (dtable.Blob, error) {
	lenField, offset, err := t.entryAt(idx)
	if err != nil {
		return dtable.Blob{}, err
	}
	if lenField <= lenTombstone {
		return dtable.Tombstone, nil
	}
	l := lenField - lenBias
	buf := make([]byte, l)
	if l > 0 {
		if _, err := t.rf.ReadAt(buf, t.dataFrom+int64(offset)); err != nil {
			return dtable.Blob{}, err
		}
	}
	return dtable.NewBlob(buf), nil
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	idx, ok := t.indexOf(key)
	if !ok {
		return dtable.Blob{}, false, nil
	}
	lenField, _, err := t.entryAt(idx)
	if err != nil {
		return dtable.Blob{}, false, err
	}
	if lenField == lenHole {
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
	lenField, _, err := t.entryAt(idx)
	if err != nil {
		return false, false, err
	}
	if lenField == lenHole {
		return false, false, nil
	}
	return true, lenField != lenTombstone, nil
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
		return dtable.Blob{}, xerrors.Newf(xerrors.EINVAL, "linear: index %d out of range", i)
	}
	return t.blobAtIdx(uint32(i))
}

func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error {
	if cmp != nil {
		return xerrors.New(xerrors.EINVAL, "linear: u32-keyed dtable has no blob comparator")
	}
	return nil
}

func (t *Table) Close() error { return t.rf.Close() }

func (t *Table) Iterator() (dtable.Iterator, error) { return &iter{t: t, pos: -1}, nil }

type iter struct {
	t   *Table
	pos int
}

func (it *iter) Valid() bool { return it.pos >= 0 && it.pos < int(it.t.count) }

func (it *iter) advanceFrom(start, dir int) (bool, error) {
	for i := start; i >= 0 && i < int(it.t.count); i += dir {
		lenField, _, err := it.t.entryAt(uint32(i))
		if err != nil {
			return false, err
		}
		if lenField != lenHole {
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
	lenField, _, _ := it.t.entryAt(uint32(it.pos))
	exists := lenField > lenTombstone
	size := 0
	if exists {
		size = int(lenField - lenBias)
	}
	return dtable.Metablob{Exists: exists, Size: size}
}
func (it *iter) Value() (dtable.Blob, error) { return it.t.blobAtIdx(uint32(it.pos)) }
func (it *iter) Source() dtable.DTable       { return it.t }
func (it *iter) Reject(dtable.Blob) bool     { return false }
