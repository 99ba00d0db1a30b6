// Package usstate implements usstate_dtable: a value-codec wrapper
// that stores each string value as a single-byte index into a fixed
// 52-code table (the 50 states plus DC and Puerto Rico), rejecting any
// value that isn't a known code (spec.md §4.6's `usstate` row: "1-byte
// index into 52-code table ... Rejects any value not a known state
// code"). Grounded on spec.md's row description (usstate_dtable.{cpp,h}
// was not in the retrieved original_source set) plus the
// Reject-propagation shape already established by fixed_dtable and
// array_dtable's own Create(): the codec itself is the one that knows a
// value doesn't belong to its encodable set, so it is the one that
// proposes a replacement upstream via source.Reject, exactly as those
// leaf formats do for their own size mismatches.
package usstate

import (
	"os"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/wrapiter"
	"github.com/dtablekv/dtablekv/internal/xerrors"
)

// Codes is the fixed 52-entry table: two-letter USPS codes for the 50
// states plus the District of Columbia and Puerto Rico.
var Codes = [52]string{
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA",
	"HI", "ID", "IL", "IN", "IA", "KS", "KY", "LA", "ME", "MD",
	"MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV", "NH", "NJ",
	"NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI", "SC",
	"SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY",
	"DC", "PR",
}

var codeIndex map[string]int

func init() {
	codeIndex = make(map[string]int, len(Codes))
	for i, c := range Codes {
		codeIndex[c] = i
	}
	dtable.Register("usstate", dtable.Factory{Create: create, Open: open})
}

func baseName(name string) string { return name + ".base" }

// codecIter re-encodes each value to its 1-byte state index before
// handing the entry to the base format's own Create(), asking source
// to substitute an unknown code with Codes[0] when one doesn't match.
type codecIter struct {
	dtable.Iterator
}

func (c *codecIter) Value() (dtable.Blob, error) {
	v, err := c.Iterator.Value()
	if err != nil {
		return dtable.Blob{}, err
	}
	if !v.Exists() {
		return v, nil
	}
	idx, ok := codeIndex[string(v.Data())]
	if !ok {
		replacement := dtable.NewBlob([]byte(Codes[0]))
		if !c.Iterator.Reject(replacement) {
			return dtable.Blob{}, dtable.ErrRejected
		}
		idx = 0
	}
	return dtable.NewBlob([]byte{byte(idx)}), nil
}

func (c *codecIter) Meta() dtable.Metablob {
	m := c.Iterator.Meta()
	if !m.Exists {
		return m
	}
	return dtable.Metablob{Exists: true, Size: 1}
}

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	baseCfg := cfg.Sub("base")
	if baseCfg.String("format", "") == "" {
		baseCfg = dtable.Config{"format": "fixed", "value_size": 1}
	}
	wrapped := &codecIter{Iterator: source}
	return dtable.CreateNamed(baseCfg, dir, baseName(name), keyType, wrapped, shadow)
}

// Table decodes a base dtable's 1-byte codes back into state strings.
type Table struct {
	base    dtable.DTable
	keyType dtable.KeyType
}

func open(dir, name string, cfg dtable.Config, keyType dtable.KeyType) (dtable.DTable, error) {
	baseCfg := cfg.Sub("base")
	if baseCfg.String("format", "") == "" {
		baseCfg = dtable.Config{"format": "fixed", "value_size": 1}
	}
	base, err := dtable.OpenNamed(baseCfg, dir, baseName(name), keyType)
	if err != nil {
		return nil, err
	}
	return &Table{base: base, keyType: keyType}, nil
}

func decode(v dtable.Blob) (dtable.Blob, error) {
	if !v.Exists() {
		return v, nil
	}
	if v.Size() != 1 {
		return dtable.Blob{}, xerrors.New(xerrors.EINVAL, "usstate: corrupt code byte")
	}
	idx := int(v.Data()[0])
	if idx < 0 || idx >= len(Codes) {
		return dtable.Blob{}, xerrors.Newf(xerrors.EINVAL, "usstate: code index %d out of range", idx)
	}
	return dtable.NewBlob([]byte(Codes[idx])), nil
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	v, found, err := t.base.Lookup(key)
	if err != nil || !found {
		return dtable.Blob{}, found, err
	}
	d, err := decode(v)
	return d, true, err
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
	return decode(v)
}
