// Package stringtbl implements the shared, deduplicated string section
// every sorted-key on-disk format embeds: strings are stored once, in
// sorted order, and referenced elsewhere in the file by index (spec
// "Invariants on keys" and §4.10).
//
// This port implements the "direct offsets" on-disk variant from
// §4.10 (a flat array of u32 byte offsets into a blob of
// NUL-terminated sorted strings); the 3-byte variable-width offset
// encoding §4.10 also allows is a size optimization for very small
// tables and is not required for correctness, so it is left
// unimplemented here (see DESIGN.md).
package stringtbl

import (
	"bytes"
	"encoding/binary"
	"sort"

	freelru "github.com/elastic/go-freelru"
	"github.com/dtablekv/dtablekv/internal/xerrors"
)

// lruCacheSize matches the original's "small (16-entry) LRU" for
// repeated Get/Locate calls.
const lruCacheSize = 16

// Builder accumulates strings for a new table; strings are deduplicated
// and sorted at Build time.
type Builder struct {
	set map[string]struct{}
}

func NewBuilder() *Builder { return &Builder{set: make(map[string]struct{})} }

func (b *Builder) Add(s string) { b.set[s] = struct{}{} }

// Build returns the sorted, deduplicated strings and the encoded
// section bytes. The returned index map gives each string's position
// for callers that need to write key records referencing it.
func (b *Builder) Build() (sorted []string, encoded []byte, index map[string]int) {
	sorted = make([]string, 0, len(b.set))
	for s := range b.set {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	index = make(map[string]int, len(sorted))
	var blob bytes.Buffer
	offsets := make([]uint32, len(sorted))
	for i, s := range sorted {
		offsets[i] = uint32(blob.Len())
		blob.WriteString(s)
		blob.WriteByte(0)
		index[s] = i
	}

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, uint32(len(sorted)))
	for _, off := range offsets {
		_ = binary.Write(&out, binary.LittleEndian, off)
	}
	_ = binary.Write(&out, binary.LittleEndian, uint32(blob.Len()))
	out.Write(blob.Bytes())
	return sorted, out.Bytes(), index
}

// Table is the read-only view over an encoded string section, with a
// small LRU over repeated Get/Locate calls to avoid re-scanning the
// offset table or re-slicing the blob.
type Table struct {
	count   int
	offsets []uint32
	blob    []byte
	cache   *freelru.LRU[int, string]
}

// Open parses an encoded section produced by Builder.Build.
func Open(data []byte) (*Table, error) {
	if len(data) < 4 {
		return nil, xerrors.New(xerrors.EINVAL, "stringtbl: truncated header")
	}
	count := int(binary.LittleEndian.Uint32(data[0:4]))
	need := 4 + count*4 + 4
	if len(data) < need {
		return nil, xerrors.New(xerrors.EINVAL, "stringtbl: truncated offset table")
	}
	offsets := make([]uint32, count)
	for i := 0; i < count; i++ {
		offsets[i] = binary.LittleEndian.Uint32(data[4+i*4:])
	}
	blobLen := int(binary.LittleEndian.Uint32(data[4+count*4:]))
	blobStart := need
	if len(data) < blobStart+blobLen {
		return nil, xerrors.New(xerrors.EINVAL, "stringtbl: truncated string blob")
	}
	cache, err := freelru.New[int, string](lruCacheSize, func(k int) uint32 { return uint32(k) })
	if err != nil {
		return nil, err
	}
	return &Table{
		count:   count,
		offsets: offsets,
		blob:    data[blobStart : blobStart+blobLen],
		cache:   cache,
	}, nil
}

// Count returns the number of distinct strings in the table.
func (t *Table) Count() int { return t.count }

// Get returns the string stored at index idx.
func (t *Table) Get(idx int) (string, error) {
	if idx < 0 || idx >= t.count {
		return "", xerrors.Newf(xerrors.EINVAL, "stringtbl: index %d out of range", idx)
	}
	if s, ok := t.cache.Get(idx); ok {
		return s, nil
	}
	start := t.offsets[idx]
	end := uint32(len(t.blob))
	if idx+1 < t.count {
		end = t.offsets[idx+1]
	}
	raw := t.blob[start:end]
	nul := bytes.IndexByte(raw, 0)
	if nul >= 0 {
		raw = raw[:nul]
	}
	s := string(raw)
	t.cache.Add(idx, s)
	return s, nil
}

// Locate returns the index of s via binary search over the sorted
// table, and whether it was found.
func (t *Table) Locate(s string) (int, bool) {
	lo, hi := 0, t.count-1
	for lo <= hi {
		mid := (lo + hi) / 2
		v, err := t.Get(mid)
		if err != nil {
			return 0, false
		}
		switch {
		case v == s:
			return mid, true
		case v < s:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return 0, false
}
