// Package overlay implements overlay_dtable: a stateless composition
// over an ordered list of dtables, newest first (spec.md §4.8).
// `Lookup` scans newest to oldest and returns the first existent
// result; a found non-existent entry (tombstone) short-circuits as a
// miss without consulting older layers. The iterator keeps one
// sub-iterator per layer, picks the newest layer's entry on a key tie,
// and re-primes every sub-iterator whenever the scan direction
// reverses. Grounded on spec.md §4.8's description directly (overlay
// is built in memory by managed_dtable rather than persisted, so there
// is no on-disk format to ground against original_source with).
package overlay

import "github.com/dtablekv/dtablekv/dtable"

// Table composes layers (newest first: layers[0] shadows layers[1],
// and so on) as a single read-only dtable.
type Table struct {
	layers  []dtable.DTable
	keyType dtable.KeyType
	cmp     dtable.BlobComparator
}

// New builds an overlay over layers, newest first.
func New(layers []dtable.DTable, keyType dtable.KeyType, cmp dtable.BlobComparator) *Table {
	return &Table{layers: layers, keyType: keyType, cmp: cmp}
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	for _, layer := range t.layers {
		found, hasValue, err := layer.Present(key)
		if err != nil {
			return dtable.Blob{}, false, err
		}
		if !found {
			continue
		}
		if !hasValue {
			return dtable.Blob{}, false, nil
		}
		return layer.Lookup(key)
	}
	return dtable.Blob{}, false, nil
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) {
	for _, layer := range t.layers {
		found, hasValue, err := layer.Present(key)
		if err != nil {
			return false, false, err
		}
		if found {
			return true, hasValue, nil
		}
	}
	return false, false, nil
}

func (t *Table) KeyType() dtable.KeyType               { return t.keyType }
func (t *Table) BlobComparator() dtable.BlobComparator { return t.cmp }
func (t *Table) CmpName() string {
	if t.cmp != nil {
		return t.cmp.Name()
	}
	return ""
}

func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error {
	for _, layer := range t.layers {
		if err := layer.SetBlobCmp(cmp); err != nil {
			return err
		}
	}
	t.cmp = cmp
	return nil
}

func (t *Table) Maintain() error { return nil }
func (t *Table) Writable() bool  { return false }

// Layers returns the composed layers, newest first, for callers (the
// managed dtable) that need to inspect or rebuild the stack.
func (t *Table) Layers() []dtable.DTable { return t.layers }

func (t *Table) Iterator() (dtable.Iterator, error) {
	subs := make([]dtable.Iterator, len(t.layers))
	for i, layer := range t.layers {
		it, err := layer.Iterator()
		if err != nil {
			return nil, err
		}
		subs[i] = it
	}
	return &iter{t: t, subs: subs, valid: make([]bool, len(subs)), curLayer: -1}, nil
}

// iter merges t.layers' sub-iterators, newest layer winning key ties.
// dir tracks which direction the subs are currently primed for (0
// means unprimed); First/Last set it directly, Next/Prev re-prime via
// Seek when the direction flips (spec.md §4.8: "Reversing direction
// re-primes every sub-iterator").
type iter struct {
	t        *Table
	subs     []dtable.Iterator
	valid    []bool
	dir      int
	curKey   dtable.Key
	curLayer int
	haveCur  bool
}

func (it *iter) Valid() bool { return it.haveCur }

func (it *iter) best(dir int) (idx int, key dtable.Key, ok bool) {
	idx = -1
	for i, v := range it.valid {
		if !v {
			continue
		}
		k := it.subs[i].Key()
		if idx == -1 {
			idx, key = i, k
			continue
		}
		c := dtable.Compare(k, key, it.t.cmp)
		if (dir > 0 && c < 0) || (dir < 0 && c > 0) {
			idx, key = i, k
		}
	}
	return idx, key, idx >= 0
}

func (it *iter) settle(dir int) (bool, error) {
	idx, key, ok := it.best(dir)
	it.dir = dir
	if !ok {
		it.haveCur = false
		it.curLayer = -1
		return false, nil
	}
	it.curKey, it.curLayer, it.haveCur = key, idx, true
	return true, nil
}

func (it *iter) First() (bool, error) {
	for i, sub := range it.subs {
		ok, err := sub.First()
		if err != nil {
			return false, err
		}
		it.valid[i] = ok
	}
	return it.settle(1)
}

func (it *iter) Last() (bool, error) {
	for i, sub := range it.subs {
		ok, err := sub.Last()
		if err != nil {
			return false, err
		}
		it.valid[i] = ok
	}
	return it.settle(-1)
}

// prime re-seeks every sub-iterator to the current key and steps it
// past (forward) or before (backward) that key, the shape needed after
// a direction reversal.
func (it *iter) prime(dir int) error {
	for i, sub := range it.subs {
		found, err := sub.Seek(it.curKey)
		if err != nil {
			return err
		}
		if dir > 0 {
			if found {
				ok, err := sub.Next()
				if err != nil {
					return err
				}
				it.valid[i] = ok
			} else {
				it.valid[i] = sub.Valid()
			}
		} else {
			if sub.Valid() {
				ok, err := sub.Prev()
				if err != nil {
					return err
				}
				it.valid[i] = ok
			} else {
				ok, err := sub.Last()
				if err != nil {
					return err
				}
				it.valid[i] = ok
			}
		}
	}
	return nil
}

func (it *iter) Next() (bool, error) {
	if !it.haveCur {
		return false, nil
	}
	if it.dir != 1 {
		if err := it.prime(1); err != nil {
			return false, err
		}
		return it.settle(1)
	}
	for i, sub := range it.subs {
		if it.valid[i] && dtable.Compare(sub.Key(), it.curKey, it.t.cmp) == 0 {
			ok, err := sub.Next()
			if err != nil {
				return false, err
			}
			it.valid[i] = ok
		}
	}
	return it.settle(1)
}

func (it *iter) Prev() (bool, error) {
	if !it.haveCur {
		return false, nil
	}
	if it.dir != -1 {
		if err := it.prime(-1); err != nil {
			return false, err
		}
		return it.settle(-1)
	}
	for i, sub := range it.subs {
		if it.valid[i] && dtable.Compare(sub.Key(), it.curKey, it.t.cmp) == 0 {
			ok, err := sub.Prev()
			if err != nil {
				return false, err
			}
			it.valid[i] = ok
		}
	}
	return it.settle(-1)
}

func (it *iter) Seek(key dtable.Key) (bool, error) {
	for i, sub := range it.subs {
		ok, err := sub.Seek(key)
		if err != nil {
			return false, err
		}
		it.valid[i] = ok || sub.Valid()
	}
	found, err := it.settle(1)
	if err != nil {
		return false, err
	}
	return found && dtable.Compare(it.curKey, key, it.t.cmp) == 0, nil
}

func (it *iter) SeekTest(test dtable.Test) (bool, error) {
	for i, sub := range it.subs {
		ok, err := sub.SeekTest(test)
		if err != nil {
			return false, err
		}
		it.valid[i] = ok
	}
	return it.settle(1)
}

func (it *iter) SeekIndex(int) (bool, error) { return false, dtable.ErrUnsupported }
func (it *iter) GetIndex() int               { return -1 }

func (it *iter) Key() dtable.Key             { return it.curKey }
func (it *iter) Meta() dtable.Metablob       { return it.subs[it.curLayer].Meta() }
func (it *iter) Value() (dtable.Blob, error) { return it.subs[it.curLayer].Value() }
func (it *iter) Source() dtable.DTable       { return it.subs[it.curLayer].Source() }
func (it *iter) Reject(replacement dtable.Blob) bool {
	return it.subs[it.curLayer].Reject(replacement)
}
