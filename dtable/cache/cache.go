// Package cache implements cache_dtable: a process-private LRU over a
// base dtable's Lookup results (spec.md §4.6's `cache` row: "as base
// ... Process-private LRU over `lookup` results"). Grounded on
// stringtbl's own use of `github.com/elastic/go-freelru` for the same
// "small bounded cache over repeated lookups" shape, reused here for
// point reads instead of string-table offsets.
package cache

import (
	"os"

	freelru "github.com/elastic/go-freelru"

	"github.com/dtablekv/dtablekv/dtable"
)

const defaultCapacity = 4096

func init() {
	dtable.Register("cache", dtable.Factory{Create: create, Open: open})
}

func baseName(name string) string { return name + ".base" }

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	baseCfg := cfg.Sub("base")
	if baseCfg.String("format", "") == "" {
		baseCfg = dtable.Config{"format": "simple"}
	}
	return dtable.CreateNamed(baseCfg, dir, baseName(name), keyType, source, shadow)
}

type lookupResult struct {
	blob  dtable.Blob
	found bool
}

func cacheKeyOf(k dtable.Key) any {
	switch k.Type {
	case dtable.KeyU32:
		return k.U32
	case dtable.KeyF64:
		return k.F64
	case dtable.KeyString:
		return k.Str
	default:
		return string(k.Blob)
	}
}

func hashAny(k any) uint32 {
	switch v := k.(type) {
	case uint32:
		return v
	case float64:
		return uint32(v)
	case string:
		var h uint32 = 2166136261
		for i := 0; i < len(v); i++ {
			h = (h ^ uint32(v[i])) * 16777619
		}
		return h
	default:
		return 0
	}
}

// Table wraps a base dtable with an LRU over recent Lookup calls.
type Table struct {
	base    dtable.DTable
	keyType dtable.KeyType
	lru     *freelru.LRU[any, lookupResult]
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
	capacity := uint32(cfg.Int("capacity", defaultCapacity))
	lru, err := freelru.New[any, lookupResult](capacity, hashAny)
	if err != nil {
		closeIfCloser(base)
		return nil, err
	}
	return &Table{base: base, keyType: keyType, lru: lru}, nil
}

func closeIfCloser(d dtable.DTable) {
	if c, ok := d.(interface{ Close() error }); ok {
		c.Close()
	}
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	ck := cacheKeyOf(key)
	if r, ok := t.lru.Get(ck); ok {
		return r.blob, r.found, nil
	}
	b, found, err := t.base.Lookup(key)
	if err != nil {
		return dtable.Blob{}, false, err
	}
	t.lru.Add(ck, lookupResult{blob: b, found: found})
	return b, found, nil
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) { return t.base.Present(key) }

func (t *Table) KeyType() dtable.KeyType               { return t.keyType }
func (t *Table) BlobComparator() dtable.BlobComparator { return t.base.BlobComparator() }
func (t *Table) CmpName() string                       { return t.base.CmpName() }
func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error {
	t.lru.Purge()
	return t.base.SetBlobCmp(cmp)
}
func (t *Table) Maintain() error { return t.base.Maintain() }
func (t *Table) Writable() bool  { return false }

func (t *Table) Close() error { closeIfCloser(t.base); return nil }

func (t *Table) Iterator() (dtable.Iterator, error) { return t.base.Iterator() }
