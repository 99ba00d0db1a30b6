// Package btree implements btree_dtable: a wrapper that adds an
// external sorted key index over a large indexed base leaf, speeding
// seeks (spec.md §4.6's `btree` row: "adds external sorted key index
// ... Speeds seeks in a large indexed leaf"). Grounded on spec.md's
// row description (the original_source set retrieved for this spec
// did not include btree_dtable.{cpp,h}), implemented with
// `github.com/google/btree`'s generic `BTreeG` — the index structure
// this pack's own go.mod names for exactly this "external sorted
// index" concern.
package btree

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/google/btree"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/keycodec"
	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/rofile"
	"github.com/dtablekv/dtablekv/stringtbl"
)

const (
	Magic   = 0xB7EE0001
	Version = 1
	degree  = 32
)

func init() {
	dtable.Register("btree", dtable.Factory{Create: create, Open: open})
}

func baseName(name string) string  { return name + ".base" }
func indexPath(dir, name string) string { return filepath.Join(dir, name+".btidx") }

type item struct {
	key   dtable.Key
	index int
}

func lessFn(cmp dtable.BlobComparator) func(a, b item) bool {
	return func(a, b item) bool { return dtable.Compare(a.key, b.key, cmp) < 0 }
}

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	baseCfg := cfg.Sub("base")
	if err := dtable.CreateNamed(baseCfg, dir, baseName(name), keyType, source, shadow); err != nil {
		return err
	}
	base, err := dtable.OpenNamed(baseCfg, dir, baseName(name), keyType)
	if err != nil {
		return err
	}
	defer closeIfCloser(base)

	indexed, ok := base.(dtable.IndexedDTable)
	if !ok {
		return xerrors.New(xerrors.EINVAL, "btree: base dtable format is not indexed")
	}

	var keys []dtable.Key
	it, err := indexed.Iterator()
	if err != nil {
		return err
	}
	ok2, err := it.First()
	if err != nil {
		return err
	}
	for ok2 {
		keys = append(keys, it.Key())
		ok2, err = it.Next()
		if err != nil {
			return err
		}
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
		var idxBytes [4]byte
		binary.LittleEndian.PutUint32(idxBytes[:], uint32(i))
		keyTable = append(keyTable, idxBytes[:]...)
	}

	f, err := os.Create(indexPath(dir, name))
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
	_, err = f.Write(keyTable)
	return err
}

func closeIfCloser(d dtable.DTable) {
	if c, ok := d.(interface{ Close() error }); ok {
		c.Close()
	}
}

// Table wraps an indexed base with a google/btree-backed key index.
type Table struct {
	base    dtable.IndexedDTable
	keyType dtable.KeyType
	cmp     dtable.BlobComparator
	bt      *btree.BTreeG[item]
}

func open(dir, name string, cfg dtable.Config, keyType dtable.KeyType) (dtable.DTable, error) {
	baseCfg := cfg.Sub("base")
	baseAny, err := dtable.OpenNamed(baseCfg, dir, baseName(name), keyType)
	if err != nil {
		return nil, err
	}
	base, ok := baseAny.(dtable.IndexedDTable)
	if !ok {
		closeIfCloser(baseAny)
		return nil, xerrors.New(xerrors.EINVAL, "btree: base dtable format is not indexed")
	}

	raw, err := os.ReadFile(indexPath(dir, name))
	if err != nil {
		closeIfCloser(base)
		return nil, err
	}
	if len(raw) < 13 {
		closeIfCloser(base)
		return nil, xerrors.New(xerrors.EINVAL, "btree: truncated index")
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != Magic {
		closeIfCloser(base)
		return nil, xerrors.New(xerrors.EINVAL, "btree: bad index magic")
	}
	count := binary.LittleEndian.Uint32(raw[8:12])
	fileKeyType := dtable.KeyType(raw[12])
	pos := 13

	strtblLen := binary.LittleEndian.Uint32(raw[pos:])
	pos += 4
	var strtbl *stringtbl.Table
	if strtblLen > 0 {
		strtbl, err = stringtbl.Open(raw[pos : pos+int(strtblLen)])
		if err != nil {
			closeIfCloser(base)
			return nil, err
		}
	}
	pos += int(strtblLen)

	var strLookup keycodec.StrLookup
	if strtbl != nil {
		strLookup = func(idx uint32) (string, error) { return strtbl.Get(int(idx)) }
	}

	bt := btree.NewG(degree, lessFn(nil))
	for i := uint32(0); i < count; i++ {
		k, n, err := keycodec.Decode(raw[pos:], fileKeyType, strLookup)
		if err != nil {
			closeIfCloser(base)
			return nil, err
		}
		pos += n
		idx := binary.LittleEndian.Uint32(raw[pos:])
		pos += 4
		bt.ReplaceOrInsert(item{key: k, index: int(idx)})
	}

	return &Table{base: base, keyType: fileKeyType, bt: bt}, nil
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) { return t.base.Lookup(key) }
func (t *Table) Present(key dtable.Key) (bool, bool, error)       { return t.base.Present(key) }
func (t *Table) KeyType() dtable.KeyType                         { return t.keyType }
func (t *Table) BlobComparator() dtable.BlobComparator           { return t.cmp }
func (t *Table) CmpName() string                                 { return t.base.CmpName() }
func (t *Table) Maintain() error                                 { return t.base.Maintain() }
func (t *Table) Writable() bool                                  { return false }
func (t *Table) Size() int                                       { return t.base.Size() }
func (t *Table) ContainsIndex(i int) bool                        { return t.base.ContainsIndex(i) }
func (t *Table) Index(i int) (dtable.Blob, error)                { return t.base.Index(i) }

func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error {
	if err := t.base.SetBlobCmp(cmp); err != nil {
		return err
	}
	t.cmp = cmp
	return nil
}

func (t *Table) Close() error { closeIfCloser(t.base); return nil }

func (t *Table) Iterator() (dtable.Iterator, error) {
	inner, err := t.base.Iterator()
	if err != nil {
		return nil, err
	}
	return &iter{t: t, inner: inner, pos: -1}, nil
}

// iter answers Seek/SeekTest from the external btree index (the
// wrapper's whole point) and otherwise behaves like the base's own
// index-positioned iterator.
type iter struct {
	t     *Table
	inner dtable.Iterator
	pos   int
}

func (it *iter) Valid() bool                 { return it.inner.Valid() }
func (it *iter) First() (bool, error)        { return it.inner.First() }
func (it *iter) Last() (bool, error)         { return it.inner.Last() }
func (it *iter) Next() (bool, error)         { return it.inner.Next() }
func (it *iter) Prev() (bool, error)         { return it.inner.Prev() }
func (it *iter) SeekIndex(i int) (bool, error) { return it.inner.SeekIndex(i) }
func (it *iter) GetIndex() int               { return it.inner.GetIndex() }
func (it *iter) Key() dtable.Key              { return it.inner.Key() }
func (it *iter) Meta() dtable.Metablob        { return it.inner.Meta() }
func (it *iter) Value() (dtable.Blob, error)  { return it.inner.Value() }
func (it *iter) Source() dtable.DTable        { return it.t }
func (it *iter) Reject(r dtable.Blob) bool    { return it.inner.Reject(r) }

func (it *iter) Seek(key dtable.Key) (bool, error) {
	pivot := item{key: key}
	var found *item
	it.t.bt.AscendGreaterOrEqual(pivot, func(candidate item) bool {
		c := candidate
		found = &c
		return false
	})
	if found == nil {
		it.inner.SeekIndex(it.t.Size())
		return false, nil
	}
	ok, err := it.inner.SeekIndex(found.index)
	return ok && dtable.Compare(found.key, key, it.t.cmp) == 0, err
}

func (it *iter) SeekTest(test dtable.Test) (bool, error) {
	var found *item
	it.t.bt.Ascend(func(candidate item) bool {
		if test(candidate.key) <= 0 {
			c := candidate
			found = &c
			return false
		}
		return true
	})
	if found == nil {
		it.inner.SeekIndex(it.t.Size())
		return false, nil
	}
	return it.inner.SeekIndex(found.index)
}
