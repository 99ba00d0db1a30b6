// Package iterfilter adapts original_source/dtable_iter_filter.h: a
// generic iterator wrapper that skips entries its Keep predicate
// rejects, keeping the forward/backward skip bookkeeping in one place.
// No package in this module imports it at present.
package iterfilter

import "github.com/dtablekv/dtablekv/dtable"

// Keep reports whether the entry the inner iterator currently points
// at should be visible through the filter.
type Keep func(inner dtable.Iterator) bool

// Filter wraps inner, skipping over any entry for which keep reports
// false.
type Filter struct {
	inner dtable.Iterator
	keep  Keep
}

// New wraps inner with keep. The returned iterator starts in whatever
// position inner was in; call First/Last/Seek to (re)position.
func New(inner dtable.Iterator, keep Keep) *Filter {
	return &Filter{inner: inner, keep: keep}
}

func (f *Filter) Valid() bool { return f.inner.Valid() && f.keep(f.inner) }

func (f *Filter) First() (bool, error) {
	ok, err := f.inner.First()
	if err != nil || !ok {
		return ok, err
	}
	return f.skipForward()
}

func (f *Filter) Last() (bool, error) {
	ok, err := f.inner.Last()
	if err != nil || !ok {
		return ok, err
	}
	return f.skipBackward()
}

func (f *Filter) Next() (bool, error) {
	ok, err := f.inner.Next()
	if err != nil || !ok {
		return ok, err
	}
	return f.skipForward()
}

func (f *Filter) Prev() (bool, error) {
	ok, err := f.inner.Prev()
	if err != nil || !ok {
		return ok, err
	}
	return f.skipBackward()
}

func (f *Filter) Seek(key dtable.Key) (bool, error) {
	exact, err := f.inner.Seek(key)
	if err != nil {
		return false, err
	}
	ok, err := f.skipForward()
	return exact && ok && f.inner.Valid(), err
}

func (f *Filter) SeekTest(test dtable.Test) (bool, error) {
	ok, err := f.inner.SeekTest(test)
	if err != nil || !ok {
		return ok, err
	}
	return f.skipForward()
}

func (f *Filter) SeekIndex(i int) (bool, error) {
	ok, err := f.inner.SeekIndex(i)
	if err != nil || !ok {
		return ok, err
	}
	return f.skipForward()
}

func (f *Filter) GetIndex() int               { return f.inner.GetIndex() }
func (f *Filter) Key() dtable.Key             { return f.inner.Key() }
func (f *Filter) Meta() dtable.Metablob       { return f.inner.Meta() }
func (f *Filter) Value() (dtable.Blob, error) { return f.inner.Value() }
func (f *Filter) Source() dtable.DTable       { return f.inner.Source() }
func (f *Filter) Reject(r dtable.Blob) bool   { return f.inner.Reject(r) }

func (f *Filter) skipForward() (bool, error) {
	for f.inner.Valid() && !f.keep(f.inner) {
		ok, err := f.inner.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return f.inner.Valid(), nil
}

func (f *Filter) skipBackward() (bool, error) {
	for f.inner.Valid() && !f.keep(f.inner) {
		ok, err := f.inner.Prev()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return f.inner.Valid(), nil
}
