// Package wrapiter provides the embeddable pass-through iterator base
// used by wrapper dtables (bloom, exception, uniq, usstate, smallint,
// deltaint) and by journaldtable's iterator, the Go
// analogue of the original's iter_source<T> template: a wrapping
// iterator that forwards navigation to an inner iterator and only
// overrides the handful of methods its wrapper actually changes.
package wrapiter

import "github.com/dtablekv/dtablekv/dtable"

// Base embeds an inner iterator and a DTable identity to report as
// Source() by default (wrappers that pass through the inner dtable's
// own Source() unchanged can leave this nil and override Source()).
type Base struct {
	Inner dtable.Iterator
	Owner dtable.DTable
}

func (b *Base) Valid() bool                          { return b.Inner.Valid() }
func (b *Base) First() (bool, error)                 { return b.Inner.First() }
func (b *Base) Last() (bool, error)                  { return b.Inner.Last() }
func (b *Base) Next() (bool, error)                  { return b.Inner.Next() }
func (b *Base) Prev() (bool, error)                  { return b.Inner.Prev() }
func (b *Base) Seek(k dtable.Key) (bool, error)       { return b.Inner.Seek(k) }
func (b *Base) SeekTest(t dtable.Test) (bool, error)  { return b.Inner.SeekTest(t) }
func (b *Base) SeekIndex(i int) (bool, error)         { return b.Inner.SeekIndex(i) }
func (b *Base) GetIndex() int                         { return b.Inner.GetIndex() }
func (b *Base) Key() dtable.Key                       { return b.Inner.Key() }
func (b *Base) Meta() dtable.Metablob                 { return b.Inner.Meta() }
func (b *Base) Value() (dtable.Blob, error)           { return b.Inner.Value() }
func (b *Base) Reject(r dtable.Blob) bool             { return b.Inner.Reject(r) }
func (b *Base) Source() dtable.DTable {
	if b.Owner != nil {
		return b.Owner
	}
	return b.Inner.Source()
}
