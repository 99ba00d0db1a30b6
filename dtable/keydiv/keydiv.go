// Package keydiv implements keydiv_dtable: partitions the keyspace by
// a supplied list of divider keys into independent sub-dtables, routing
// Lookup/Present by key range and concatenating sub-iterators in
// partition order for a merged scan (spec.md §4.6's `keydiv` row:
// "partitions keyspace by supplied dividers into sub-dtables ... Routes
// by key range; iterator merges"). Grounded on spec.md's row
// description (keydiv_dtable.{cpp,h} was not in the retrieved
// original_source set); murmur3 is not needed here since partitioning
// is by explicit sorted dividers rather than a hash, unlike a
// hash-sharded design.
package keydiv

import (
	"fmt"
	"os"
	"sort"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/sliceiter"
	"github.com/dtablekv/dtablekv/internal/xerrors"
)

func init() {
	dtable.Register("keydiv", dtable.Factory{Create: create, Open: open})
}

func partName(name string, i int) string { return fmt.Sprintf("%s.part%d", name, i) }

func dividers(cfg dtable.Config) []dtable.Key {
	v, _ := cfg["dividers"].([]dtable.Key)
	return v
}

func partConfigs(cfg dtable.Config) []dtable.Config {
	v, _ := cfg["parts"].([]dtable.Config)
	return v
}

func partitionOf(key dtable.Key, divs []dtable.Key, cmp dtable.BlobComparator) int {
	return sort.Search(len(divs), func(i int) bool { return dtable.Compare(key, divs[i], cmp) < 0 })
}

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	divs := dividers(cfg)
	parts := partConfigs(cfg)
	if len(parts) != len(divs)+1 {
		return xerrors.New(xerrors.EINVAL, "keydiv: parts config must have one more entry than dividers")
	}

	buckets := make([][]dtable.Entry, len(parts))
	cmp, _ := cfg["cmp"].(dtable.BlobComparator)
	if err := dtable.IterateForCreate(source, shadow, func(e dtable.Entry) error {
		idx := partitionOf(e.Key, divs, cmp)
		buckets[idx] = append(buckets[idx], e)
		return nil
	}); err != nil {
		return err
	}

	for i, partCfg := range parts {
		partSource := sliceiter.New(buckets[i], cmp)
		if err := dtable.CreateNamed(partCfg, dir, partName(name, i), keyType, partSource, nil); err != nil {
			return err
		}
	}
	return nil
}

// Table routes Lookup/Present/Iterator to the partition a key falls
// into according to dividers.
type Table struct {
	keyType dtable.KeyType
	cmp     dtable.BlobComparator
	dividers []dtable.Key
	parts    []dtable.DTable
}

func open(dir, name string, cfg dtable.Config, keyType dtable.KeyType) (dtable.DTable, error) {
	divs := dividers(cfg)
	partCfgs := partConfigs(cfg)
	if len(partCfgs) != len(divs)+1 {
		return nil, xerrors.New(xerrors.EINVAL, "keydiv: parts config must have one more entry than dividers")
	}
	cmp, _ := cfg["cmp"].(dtable.BlobComparator)
	parts := make([]dtable.DTable, len(partCfgs))
	for i, partCfg := range partCfgs {
		p, err := dtable.OpenNamed(partCfg, dir, partName(name, i), keyType)
		if err != nil {
			for _, opened := range parts[:i] {
				closeIfCloser(opened)
			}
			return nil, err
		}
		parts[i] = p
	}
	return &Table{keyType: keyType, cmp: cmp, dividers: divs, parts: parts}, nil
}

func closeIfCloser(d dtable.DTable) {
	if c, ok := d.(interface{ Close() error }); ok {
		c.Close()
	}
}

func (t *Table) partitionOf(key dtable.Key) int { return partitionOf(key, t.dividers, t.cmp) }

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	return t.parts[t.partitionOf(key)].Lookup(key)
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) {
	return t.parts[t.partitionOf(key)].Present(key)
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
	for _, p := range t.parts {
		if err := p.SetBlobCmp(cmp); err != nil {
			return err
		}
	}
	t.cmp = cmp
	return nil
}
func (t *Table) Maintain() error {
	for _, p := range t.parts {
		if err := p.Maintain(); err != nil {
			return err
		}
	}
	return nil
}
func (t *Table) Writable() bool { return false }

func (t *Table) Close() error {
	for _, p := range t.parts {
		closeIfCloser(p)
	}
	return nil
}

func (t *Table) Iterator() (dtable.Iterator, error) {
	its := make([]dtable.Iterator, len(t.parts))
	for i, p := range t.parts {
		it, err := p.Iterator()
		if err != nil {
			return nil, err
		}
		its[i] = it
	}
	return &iter{t: t, its: its, pos: -1}, nil
}

// iter concatenates each partition's iterator in order: partitions
// never overlap, so no merge-by-key step is needed, only advancing to
// the next non-exhausted partition.
type iter struct {
	t   *Table
	its []dtable.Iterator
	pos int // index of partition currently active, -1/len(its) = off-ends
}

func (it *iter) Valid() bool { return it.pos >= 0 && it.pos < len(it.its) && it.its[it.pos].Valid() }

func (it *iter) First() (bool, error) {
	for i, sub := range it.its {
		ok, err := sub.First()
		if err != nil {
			return false, err
		}
		if ok {
			it.pos = i
			return true, nil
		}
	}
	it.pos = len(it.its)
	return false, nil
}

func (it *iter) Last() (bool, error) {
	for i := len(it.its) - 1; i >= 0; i-- {
		ok, err := it.its[i].Last()
		if err != nil {
			return false, err
		}
		if ok {
			it.pos = i
			return true, nil
		}
	}
	it.pos = -1
	return false, nil
}

func (it *iter) Next() (bool, error) {
	if it.pos < 0 || it.pos >= len(it.its) {
		return false, nil
	}
	ok, err := it.its[it.pos].Next()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	for i := it.pos + 1; i < len(it.its); i++ {
		ok, err := it.its[i].First()
		if err != nil {
			return false, err
		}
		if ok {
			it.pos = i
			return true, nil
		}
	}
	it.pos = len(it.its)
	return false, nil
}

func (it *iter) Prev() (bool, error) {
	if it.pos < 0 {
		return false, nil
	}
	if it.pos < len(it.its) {
		ok, err := it.its[it.pos].Prev()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	for i := it.pos - 1; i >= 0; i-- {
		ok, err := it.its[i].Last()
		if err != nil {
			return false, err
		}
		if ok {
			it.pos = i
			return true, nil
		}
	}
	it.pos = -1
	return false, nil
}

func (it *iter) Seek(key dtable.Key) (bool, error) {
	idx := it.t.partitionOf(key)
	found, err := it.its[idx].Seek(key)
	if err != nil {
		return false, err
	}
	if found || it.its[idx].Valid() {
		it.pos = idx
		return found, nil
	}
	for i := idx + 1; i < len(it.its); i++ {
		ok, err := it.its[i].First()
		if err != nil {
			return false, err
		}
		if ok {
			it.pos = i
			return false, nil
		}
	}
	it.pos = len(it.its)
	return false, nil
}

func (it *iter) SeekTest(test dtable.Test) (bool, error) {
	for i, sub := range it.its {
		ok, err := sub.SeekTest(test)
		if err != nil {
			return false, err
		}
		if ok {
			it.pos = i
			return true, nil
		}
	}
	it.pos = len(it.its)
	return false, nil
}

func (it *iter) SeekIndex(int) (bool, error) { return false, dtable.ErrUnsupported }
func (it *iter) GetIndex() int               { return -1 }
func (it *iter) Key() dtable.Key             { return it.its[it.pos].Key() }
func (it *iter) Meta() dtable.Metablob       { return it.its[it.pos].Meta() }
func (it *iter) Value() (dtable.Blob, error) { return it.its[it.pos].Value() }
func (it *iter) Source() dtable.DTable       { return it.its[it.pos].Source() }
func (it *iter) Reject(dtable.Blob) bool     { return false }
