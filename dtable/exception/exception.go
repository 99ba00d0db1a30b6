// Package exception implements exception_dtable: a wrapper pairing a
// lossy base leaf with a sibling "alt" dtable that holds the true,
// unencodable values the base had to substitute during Create (spec.md
// §4.6's `exception` row: the union of base and alt, used to store
// rejected values for lossy leaves). Reads consult alt first and fall
// back to base (see Table). Grounded on original_source/exception_dtable.{cpp,h}'s
// description of a base/alt pair plus the Reject-accepting wrapping
// iterator pattern shared with bloom_dtable.h.
package exception

import (
	"os"
	"path/filepath"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/sliceiter"
	"github.com/dtablekv/dtablekv/dtable/internal/wrapiter"
)

func init() {
	dtable.Register("exception", dtable.Factory{Create: create, Open: open})
}

func baseName(name string) string { return name + ".base" }
func altName(name string) string  { return name + ".alt" }

// rejectRecorder wraps source so the base leaf's Create() can call
// Reject(replacement) on it: the recorder always accepts, recording
// the entry's true (key, original value) pair before letting the base
// leaf store replacement in its own data instead.
type rejectRecorder struct {
	dtable.Iterator
	rec *[]dtable.Entry
}

func (r *rejectRecorder) Reject(replacement dtable.Blob) bool {
	orig, err := r.Iterator.Value()
	if err != nil {
		return false
	}
	*r.rec = append(*r.rec, dtable.Entry{
		Key:  r.Iterator.Key(),
		Meta: dtable.Metablob{Exists: true, Size: orig.Size()},
		Blob: orig,
	})
	return true
}

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var exceptions []dtable.Entry
	wrapped := &rejectRecorder{Iterator: source, rec: &exceptions}

	baseCfg := cfg.Sub("base")
	if err := dtable.CreateNamed(baseCfg, dir, baseName(name), keyType, wrapped, shadow); err != nil {
		return err
	}

	altCfg := cfg.Sub("alt")
	if altCfg.String("format", "") == "" {
		altCfg = dtable.Config{"format": "simple"}
	}
	altSource := sliceiter.New(exceptions, nil)
	return dtable.CreateNamed(altCfg, dir, altName(name), keyType, altSource, nil)
}

// Table is the read side of an exception_dtable: alt holds the
// authoritative value for any key the base had to substitute, so a
// Lookup/Present consults alt first and only defers to base's own
// (possibly substituted) value when alt has nothing recorded for that
// key.
type Table struct {
	base dtable.DTable
	alt  dtable.DTable
}

func open(dir, name string, cfg dtable.Config, keyType dtable.KeyType) (dtable.DTable, error) {
	baseCfg := cfg.Sub("base")
	base, err := dtable.OpenNamed(baseCfg, dir, baseName(name), keyType)
	if err != nil {
		return nil, err
	}
	altCfg := cfg.Sub("alt")
	if altCfg.String("format", "") == "" {
		altCfg = dtable.Config{"format": "simple"}
	}
	alt, err := dtable.OpenNamed(altCfg, dir, altName(name), keyType)
	if err != nil {
		closeIfCloser(base)
		return nil, err
	}
	return &Table{base: base, alt: alt}, nil
}

func closeIfCloser(d dtable.DTable) {
	if c, ok := d.(interface{ Close() error }); ok {
		c.Close()
	}
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	found, hasValue, err := t.alt.Present(key)
	if err != nil {
		return dtable.Blob{}, false, err
	}
	if found && hasValue {
		return t.alt.Lookup(key)
	}
	return t.base.Lookup(key)
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) {
	found, hasValue, err := t.alt.Present(key)
	if err != nil {
		return false, false, err
	}
	if found && hasValue {
		return true, true, nil
	}
	return t.base.Present(key)
}

func (t *Table) KeyType() dtable.KeyType                    { return t.base.KeyType() }
func (t *Table) BlobComparator() dtable.BlobComparator       { return t.base.BlobComparator() }
func (t *Table) CmpName() string                            { return t.base.CmpName() }
func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error { return t.base.SetBlobCmp(cmp) }
func (t *Table) Maintain() error                            { return t.base.Maintain() }
func (t *Table) Writable() bool                             { return t.base.Writable() }

func (t *Table) Close() error {
	closeIfCloser(t.base)
	closeIfCloser(t.alt)
	return nil
}

func (t *Table) Iterator() (dtable.Iterator, error) {
	inner, err := t.base.Iterator()
	if err != nil {
		return nil, err
	}
	return &iter{Base: wrapiter.Base{Inner: inner, Owner: t}, alt: t.alt}, nil
}

// iter overrides Value/Meta to substitute alt's true value whenever it
// has one recorded for the current key, since base may be holding only
// a lossy replacement there.
type iter struct {
	wrapiter.Base
	alt dtable.DTable
}

func (it *iter) override() (dtable.Blob, bool, error) {
	found, hasValue, err := it.alt.Present(it.Inner.Key())
	if err != nil || !found || !hasValue {
		return dtable.Blob{}, false, err
	}
	b, _, err := it.alt.Lookup(it.Inner.Key())
	return b, true, err
}

func (it *iter) Value() (dtable.Blob, error) {
	if b, ok, err := it.override(); err != nil {
		return dtable.Blob{}, err
	} else if ok {
		return b, nil
	}
	return it.Inner.Value()
}

func (it *iter) Meta() dtable.Metablob {
	if b, ok, err := it.override(); err == nil && ok {
		return dtable.Metablob{Exists: true, Size: b.Size()}
	}
	return it.Inner.Meta()
}
