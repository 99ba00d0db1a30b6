// Package smallint implements smallint_dtable: a value-codec wrapper
// that stores a logical u32 value (presented as a 4-byte little-endian
// blob, matching every other fixed-numeric convention in this module)
// using only as many bytes as its magnitude needs, rejecting values
// whose encoding would exceed the configured width (spec.md §4.6's
// `smallint` row: "1-4 byte little-endian encoding of a u32 ... Rejects
// values outside the encodable range"). Grounded on spec.md's row
// description (smallint_dtable.{cpp,h} was not in the retrieved
// original_source set); the Reject-on-overflow shape follows the same
// pattern established in fixed_dtable/array_dtable's Create().
package smallint

import (
	"encoding/binary"
	"os"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/wrapiter"
	"github.com/dtablekv/dtablekv/internal/xerrors"
)

const defaultMaxBytes = 4

func init() {
	dtable.Register("smallint", dtable.Factory{Create: create, Open: open})
}

func baseName(name string) string { return name + ".base" }

func widthOf(v uint32) int {
	switch {
	case v < 1<<8:
		return 1
	case v < 1<<16:
		return 2
	case v < 1<<24:
		return 3
	default:
		return 4
	}
}

func encode(v uint32, width int) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf[:width]
}

func decode(b []byte) uint32 {
	var buf [4]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint32(buf[:])
}

type codecIter struct {
	dtable.Iterator
	maxBytes int
}

func (c *codecIter) Value() (dtable.Blob, error) {
	v, err := c.Iterator.Value()
	if err != nil {
		return dtable.Blob{}, err
	}
	if !v.Exists() {
		return v, nil
	}
	if v.Size() != 4 {
		return dtable.Blob{}, xerrors.New(xerrors.EINVAL, "smallint: logical value must be a 4-byte u32")
	}
	u := decode(v.Data())
	width := widthOf(u)
	if width > c.maxBytes {
		replacement := dtable.NewBlob(make([]byte, 4))
		if !c.Iterator.Reject(replacement) {
			return dtable.Blob{}, dtable.ErrRejected
		}
		u = 0
		width = 1
	}
	return dtable.NewBlob(encode(u, width)), nil
}

func (c *codecIter) Meta() dtable.Metablob {
	m := c.Iterator.Meta()
	if !m.Exists {
		return m
	}
	v, err := c.Value()
	if err != nil {
		return m
	}
	return dtable.Metablob{Exists: true, Size: v.Size()}
}

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	maxBytes := cfg.Int("max_bytes", defaultMaxBytes)
	baseCfg := cfg.Sub("base")
	if baseCfg.String("format", "") == "" {
		baseCfg = dtable.Config{"format": "simple"}
	}
	wrapped := &codecIter{Iterator: source, maxBytes: maxBytes}
	return dtable.CreateNamed(baseCfg, dir, baseName(name), keyType, wrapped, shadow)
}

// Table decodes a base dtable's 1-4 byte codes back into 4-byte LE u32
// blobs.
type Table struct {
	base    dtable.DTable
	keyType dtable.KeyType
}

func open(dir, name string, cfg dtable.Config, keyType dtable.KeyType) (dtable.DTable, error) {
	baseCfg := cfg.Sub("base")
	if baseCfg.String("format", "") == "" {
		baseCfg = dtable.Config{"format": "simple"}
	}
	base, err := dtable.OpenNamed(baseCfg, dir, baseName(name), keyType)
	if err != nil {
		return nil, err
	}
	return &Table{base: base, keyType: keyType}, nil
}

func widen(v dtable.Blob) (dtable.Blob, error) {
	if !v.Exists() {
		return v, nil
	}
	if v.Size() < 1 || v.Size() > 4 {
		return dtable.Blob{}, xerrors.New(xerrors.EINVAL, "smallint: corrupt encoded width")
	}
	return dtable.NewBlob(encode(decode(v.Data()), 4)), nil
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	v, found, err := t.base.Lookup(key)
	if err != nil || !found {
		return dtable.Blob{}, found, err
	}
	w, err := widen(v)
	return w, true, err
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) { return t.base.Present(key) }

func (t *Table) KeyType() dtable.KeyType               { return t.keyType }
func (t *Table) BlobComparator() dtable.BlobComparator { return t.base.BlobComparator() }
func (t *Table) CmpName() string                       { return t.base.CmpName() }
func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error { return t.base.SetBlobCmp(cmp) }
func (t *Table) Maintain() error { return t.base.Maintain() }
func (t *Table) Writable() bool  { return false }

func (t *Table) Close() error {
	if c, ok := t.base.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (t *Table) Iterator() (dtable.Iterator, error) {
	inner, err := t.base.Iterator()
	if err != nil {
		return nil, err
	}
	return &iter{Base: wrapiter.Base{Inner: inner, Owner: t}}, nil
}

type iter struct{ wrapiter.Base }

func (it *iter) Value() (dtable.Blob, error) {
	v, err := it.Inner.Value()
	if err != nil {
		return dtable.Blob{}, err
	}
	return widen(v)
}
