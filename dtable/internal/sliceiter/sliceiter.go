// Package sliceiter gives wrapper dtables (exception, uniq, keydiv) a
// ready-made dtable.Iterator over an in-memory, already-sorted
// []dtable.Entry, so each wrapper's Create doesn't reimplement the
// full bidirectional cursor protocol just to feed a derived entry list
// into another format's Create.
package sliceiter

import (
	"sort"

	"github.com/dtablekv/dtablekv/dtable"
)

// Iter is a dtable.Iterator over a fixed, pre-sorted entry slice.
type Iter struct {
	entries []dtable.Entry
	cmp     dtable.BlobComparator
	pos     int
}

// New wraps entries, which must already be sorted by Key under cmp.
func New(entries []dtable.Entry, cmp dtable.BlobComparator) *Iter {
	return &Iter{entries: entries, cmp: cmp, pos: -1}
}

func (it *Iter) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }

func (it *Iter) First() (bool, error) {
	it.pos = 0
	return it.Valid(), nil
}

func (it *Iter) Last() (bool, error) {
	it.pos = len(it.entries) - 1
	return it.Valid(), nil
}

func (it *Iter) Next() (bool, error) {
	if it.pos < len(it.entries) {
		it.pos++
	}
	return it.Valid(), nil
}

func (it *Iter) Prev() (bool, error) {
	if it.pos <= 0 {
		return false, nil
	}
	it.pos--
	return true, nil
}

func (it *Iter) find(key dtable.Key) int {
	return sort.Search(len(it.entries), func(i int) bool {
		return dtable.Compare(it.entries[i].Key, key, it.cmp) >= 0
	})
}

func (it *Iter) Seek(key dtable.Key) (bool, error) {
	it.pos = it.find(key)
	return it.Valid() && dtable.Compare(it.entries[it.pos].Key, key, it.cmp) == 0, nil
}

func (it *Iter) SeekTest(test dtable.Test) (bool, error) {
	it.pos = sort.Search(len(it.entries), func(i int) bool { return test(it.entries[i].Key) <= 0 })
	return it.Valid(), nil
}

func (it *Iter) SeekIndex(i int) (bool, error) {
	if i < 0 || i >= len(it.entries) {
		it.pos = len(it.entries)
		return false, nil
	}
	it.pos = i
	return true, nil
}

func (it *Iter) GetIndex() int {
	if !it.Valid() {
		return -1
	}
	return it.pos
}

func (it *Iter) Key() dtable.Key             { return it.entries[it.pos].Key }
func (it *Iter) Meta() dtable.Metablob       { return it.entries[it.pos].Meta }
func (it *Iter) Value() (dtable.Blob, error) { return it.entries[it.pos].Blob, nil }
func (it *Iter) Source() dtable.DTable       { return nil }
func (it *Iter) Reject(dtable.Blob) bool     { return false }
