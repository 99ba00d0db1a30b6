// Package ustr implements ustr_dtable: like simple_dtable, but values
// are compressed against a shared substring table (spec.md §4.6's
// `ustr` row): repeated printable substrings are replaced by an escape
// byte followed by a 2-byte table index. The escape byte is chosen as
// the least-frequent byte across all values; spec.md's Design Notes
// flags that "a deterministic fallback when no byte has frequency zero
// should be documented" when every byte value appears at least once —
// this port's fallback is documented below and in DESIGN.md.
package ustr

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/keycodec"
	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/rofile"
	"github.com/dtablekv/dtablekv/rwfile"
	"github.com/dtablekv/dtablekv/stringtbl"
)

const (
	Magic   = 0xABB9D449
	Version = 1
)

const tombstoneLen = 0xFFFFFFFF

// substrLen is the fixed window length candidate substrings are drawn
// from; a simplification of the original's variable-length substring
// search (see DESIGN.md).
const substrLen = 8

// maxDictSize bounds the substring table to 0xFFFE entries (indices
// 0x0000-0xFFFD), which keeps every index below the reserved
// literal-escape sentinel 0xFFFF.
const maxDictSize = 0xFFFE

// escapeIndexLiteral is the reserved index meaning "a literal
// occurrence of the escape byte itself", not a substring reference.
const escapeIndexLiteral = 0xFFFF

func init() {
	dtable.Register("ustr", dtable.Factory{Create: create, Open: open})
}

func dataPath(dir, name string) string { return filepath.Join(dir, name+".ustr") }

// chooseEscapeByte returns the least-frequent byte across values, the
// lowest byte value winning ties. The same rule applies when every byte
// value 0-255 appears at least once: the result is then the
// least-frequent of them, which is 0x00 only when 0x00 is among the
// least frequent.
func chooseEscapeByte(values [][]byte) byte {
	var freq [256]int
	for _, v := range values {
		for _, b := range v {
			freq[b]++
		}
	}
	best := byte(0)
	bestFreq := freq[0]
	for b := 1; b < 256; b++ {
		if freq[b] < bestFreq {
			bestFreq = freq[b]
			best = byte(b)
		}
	}
	return best
}

func isPrintable(b byte) bool { return b >= 0x20 && b < 0x7F }

// buildDictionary scans values for substrLen-byte printable windows
// that recur across at least two distinct values, and keeps the
// maxDictSize most frequent.
func buildDictionary(values [][]byte) []string {
	freq := make(map[string]int)
	for _, v := range values {
		if len(v) < substrLen {
			continue
		}
		seen := make(map[string]bool)
		for i := 0; i+substrLen <= len(v); i++ {
			w := v[i : i+substrLen]
			printable := true
			for _, b := range w {
				if !isPrintable(b) {
					printable = false
					break
				}
			}
			if !printable {
				continue
			}
			s := string(w)
			if !seen[s] {
				seen[s] = true
				freq[s]++
			}
		}
	}
	type cand struct {
		s string
		n int
	}
	cands := make([]cand, 0, len(freq))
	for s, n := range freq {
		if n >= 2 {
			cands = append(cands, cand{s, n})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].n != cands[j].n {
			return cands[i].n > cands[j].n
		}
		return cands[i].s < cands[j].s
	})
	if len(cands) > maxDictSize {
		cands = cands[:maxDictSize]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.s
	}
	return out
}

func encodeValue(v []byte, escape byte, dictIndex map[string]int) []byte {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); {
		if i+substrLen <= len(v) {
			if idx, ok := dictIndex[string(v[i:i+substrLen])]; ok {
				out = append(out, escape, byte(idx), byte(idx>>8))
				i += substrLen
				continue
			}
		}
		b := v[i]
		if b == escape {
			out = append(out, escape, byte(escapeIndexLiteral), byte(escapeIndexLiteral>>8))
		} else {
			out = append(out, b)
		}
		i++
	}
	return out
}

func decodeValue(enc []byte, escape byte, dict *stringtbl.Table) ([]byte, error) {
	out := make([]byte, 0, len(enc))
	for i := 0; i < len(enc); {
		b := enc[i]
		if b == escape {
			if i+3 > len(enc) {
				return nil, xerrors.New(xerrors.EINVAL, "ustr: truncated escape sequence")
			}
			idx := int(enc[i+1]) | int(enc[i+2])<<8
			if idx == escapeIndexLiteral {
				out = append(out, escape)
			} else {
				s, err := dict.Get(idx)
				if err != nil {
					return nil, err
				}
				out = append(out, s...)
			}
			i += 3
			continue
		}
		out = append(out, b)
		i++
	}
	return out, nil
}

func create(dir, name string, cfg dtable.Config, keyType dtable.KeyType, source dtable.Iterator, shadow dtable.DTable) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var entries []dtable.Entry
	if err := dtable.IterateForCreate(source, shadow, func(e dtable.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}

	values := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if e.Meta.Exists {
			values = append(values, e.Blob.Data())
		}
	}
	escape := chooseEscapeByte(values)
	dict := buildDictionary(values)
	dictBuilder := stringtbl.NewBuilder()
	for _, s := range dict {
		dictBuilder.Add(s)
	}
	_, dictEncoded, dictIndex := dictBuilder.Build()

	var strIdx map[string]int
	var strEncoded []byte
	if keyType == dtable.KeyString {
		b := stringtbl.NewBuilder()
		for _, e := range entries {
			b.Add(e.Key.Str)
		}
		_, strEncoded, strIdx = b.Build()
	}

	keyTable := make([]byte, 0, len(entries)*12)
	data := make([]byte, 0)
	for _, e := range entries {
		var idxFn keycodec.StrIndex
		if strIdx != nil {
			idxFn = func(s string) uint32 { return uint32(strIdx[s]) }
		}
		keyTable = keycodec.Encode(keyTable, e.Key, keyType, idxFn)

		var lenBuf, offBuf [4]byte
		if e.Meta.Exists {
			enc := encodeValue(e.Blob.Data(), escape, dictIndex)
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(enc)))
			binary.LittleEndian.PutUint32(offBuf[:], uint32(len(data)))
			data = append(data, enc...)
		} else {
			binary.LittleEndian.PutUint32(lenBuf[:], tombstoneLen)
		}
		keyTable = append(keyTable, lenBuf[:]...)
		keyTable = append(keyTable, offBuf[:]...)
	}

	f, err := rwfile.Create(dataPath(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	wU32 := func(v uint32) error {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		_, err := f.Write(b[:])
		return err
	}
	if err := wU32(Magic); err != nil {
		return err
	}
	if err := wU32(Version); err != nil {
		return err
	}
	if err := wU32(uint32(len(entries))); err != nil {
		return err
	}
	if _, err := f.Write([]byte{byte(keyType), escape}); err != nil {
		return err
	}
	if err := wU32(uint32(len(strEncoded))); err != nil {
		return err
	}
	if len(strEncoded) > 0 {
		if _, err := f.Write(strEncoded); err != nil {
			return err
		}
	}
	if err := wU32(uint32(len(dictEncoded))); err != nil {
		return err
	}
	if len(dictEncoded) > 0 {
		if _, err := f.Write(dictEncoded); err != nil {
			return err
		}
	}
	if err := wU32(uint32(len(keyTable))); err != nil {
		return err
	}
	if _, err := f.Write(keyTable); err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

type entryPos struct {
	key    dtable.Key
	exists bool
	length uint32
	offset uint32
}

// Table is the read side of a ustr_dtable.
type Table struct {
	rf        *rofile.File
	keyType   dtable.KeyType
	escape    byte
	dict      *stringtbl.Table
	cmp       dtable.BlobComparator
	cmpName   string
	entries   []entryPos
	dataStart int64
}

func open(dir, name string, cfg dtable.Config, keyType dtable.KeyType) (dtable.DTable, error) {
	rf, err := rofile.Open(dataPath(dir, name), rofile.Options{UseMmap: cfg.Bool("mmap", false)})
	if err != nil {
		return nil, err
	}
	readU32 := func(off int64) (uint32, int64, error) {
		var b [4]byte
		if _, err := rf.ReadAt(b[:], off); err != nil {
			return 0, 0, err
		}
		return binary.LittleEndian.Uint32(b[:]), off + 4, nil
	}
	magic, pos, err := readU32(0)
	if err != nil {
		rf.Close()
		return nil, err
	}
	if magic != Magic {
		rf.Close()
		return nil, xerrors.Newf(xerrors.EINVAL, "ustr: bad magic %#x", magic)
	}
	_, pos, err = readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	keyCount, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	var tagBuf [2]byte
	if _, err := rf.ReadAt(tagBuf[:], pos); err != nil {
		rf.Close()
		return nil, err
	}
	fileKeyType := dtable.KeyType(tagBuf[0])
	escape := tagBuf[1]
	pos += 2

	strtblLen, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	var strtbl *stringtbl.Table
	if strtblLen > 0 {
		buf := make([]byte, strtblLen)
		if _, err := rf.ReadAt(buf, pos); err != nil {
			rf.Close()
			return nil, err
		}
		strtbl, err = stringtbl.Open(buf)
		if err != nil {
			rf.Close()
			return nil, err
		}
	}
	pos += int64(strtblLen)

	dictLen, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	var dict *stringtbl.Table
	if dictLen > 0 {
		buf := make([]byte, dictLen)
		if _, err := rf.ReadAt(buf, pos); err != nil {
			rf.Close()
			return nil, err
		}
		dict, err = stringtbl.Open(buf)
		if err != nil {
			rf.Close()
			return nil, err
		}
	}
	pos += int64(dictLen)

	keyTableLen, pos, err := readU32(pos)
	if err != nil {
		rf.Close()
		return nil, err
	}
	keyTable := make([]byte, keyTableLen)
	if keyTableLen > 0 {
		if _, err := rf.ReadAt(keyTable, pos); err != nil {
			rf.Close()
			return nil, err
		}
	}
	pos += int64(keyTableLen)

	var strLookup keycodec.StrLookup
	if strtbl != nil {
		strLookup = func(idx uint32) (string, error) { return strtbl.Get(int(idx)) }
	}

	entries := make([]entryPos, 0, keyCount)
	p := 0
	for uint32(len(entries)) < keyCount {
		k, n, err := keycodec.Decode(keyTable[p:], fileKeyType, strLookup)
		if err != nil {
			rf.Close()
			return nil, err
		}
		p += n
		if p+8 > len(keyTable) {
			rf.Close()
			return nil, xerrors.New(xerrors.EINVAL, "ustr: truncated key table entry")
		}
		length := binary.LittleEndian.Uint32(keyTable[p : p+4])
		offset := binary.LittleEndian.Uint32(keyTable[p+4 : p+8])
		p += 8
		entries = append(entries, entryPos{key: k, exists: length != tombstoneLen, length: length, offset: offset})
	}

	return &Table{
		rf:        rf,
		keyType:   fileKeyType,
		escape:    escape,
		dict:      dict,
		entries:   entries,
		dataStart: pos,
	}, nil
}

func (t *Table) find(key dtable.Key) int {
	return sort.Search(len(t.entries), func(i int) bool {
		return dtable.Compare(t.entries[i].key, key, t.cmp) >= 0
	})
}

func (t *Table) blobAt(i int) (dtable.Blob, error) {
	e := t.entries[i]
	if !e.exists {
		return dtable.Tombstone, nil
	}
	buf := make([]byte, e.length)
	if e.length > 0 {
		if _, err := t.rf.ReadAt(buf, t.dataStart+int64(e.offset)); err != nil {
			return dtable.Blob{}, err
		}
	}
	dec, err := decodeValue(buf, t.escape, t.dict)
	if err != nil {
		return dtable.Blob{}, err
	}
	return dtable.NewBlob(dec), nil
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	i := t.find(key)
	if i >= len(t.entries) || dtable.Compare(t.entries[i].key, key, t.cmp) != 0 {
		return dtable.Blob{}, false, nil
	}
	b, err := t.blobAt(i)
	return b, true, err
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) {
	i := t.find(key)
	if i >= len(t.entries) || dtable.Compare(t.entries[i].key, key, t.cmp) != 0 {
		return false, false, nil
	}
	return true, t.entries[i].exists, nil
}

func (t *Table) KeyType() dtable.KeyType               { return t.keyType }
func (t *Table) BlobComparator() dtable.BlobComparator { return t.cmp }
func (t *Table) CmpName() string                       { return t.cmpName }
func (t *Table) Maintain() error                       { return nil }
func (t *Table) Writable() bool                        { return false }
func (t *Table) Size() int                             { return len(t.entries) }
func (t *Table) ContainsIndex(i int) bool              { return i >= 0 && i < len(t.entries) }

func (t *Table) Index(i int) (dtable.Blob, error) {
	if !t.ContainsIndex(i) {
		return dtable.Blob{}, xerrors.Newf(xerrors.EINVAL, "ustr: index %d out of range", i)
	}
	return t.blobAt(i)
}

func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error {
	if t.cmpName != "" && cmp != nil && cmp.Name() != t.cmpName {
		return xerrors.Newf(xerrors.EINVAL, "ustr: comparator %q does not match stored %q", cmp.Name(), t.cmpName)
	}
	t.cmp = cmp
	if cmp != nil {
		t.cmpName = cmp.Name()
	}
	return nil
}

func (t *Table) Close() error { return t.rf.Close() }

func (t *Table) Iterator() (dtable.Iterator, error) { return &iter{t: t, pos: -1}, nil }

type iter struct {
	t   *Table
	pos int
}

func (it *iter) Valid() bool { return it.pos >= 0 && it.pos < len(it.t.entries) }
func (it *iter) First() (bool, error) {
	it.pos = 0
	return it.Valid(), nil
}
func (it *iter) Last() (bool, error) {
	it.pos = len(it.t.entries) - 1
	return it.Valid(), nil
}
func (it *iter) Next() (bool, error) {
	if it.pos < len(it.t.entries) {
		it.pos++
	}
	return it.Valid(), nil
}
func (it *iter) Prev() (bool, error) {
	if it.pos <= 0 {
		return false, nil
	}
	it.pos--
	return true, nil
}
func (it *iter) Seek(key dtable.Key) (bool, error) {
	it.pos = it.t.find(key)
	return it.Valid() && dtable.Compare(it.t.entries[it.pos].key, key, it.t.cmp) == 0, nil
}
func (it *iter) SeekTest(test dtable.Test) (bool, error) {
	it.pos = sort.Search(len(it.t.entries), func(i int) bool { return test(it.t.entries[i].key) <= 0 })
	return it.Valid(), nil
}
func (it *iter) SeekIndex(i int) (bool, error) {
	if !it.t.ContainsIndex(i) {
		it.pos = len(it.t.entries)
		return false, nil
	}
	it.pos = i
	return true, nil
}
func (it *iter) GetIndex() int {
	if !it.Valid() {
		return -1
	}
	return it.pos
}
func (it *iter) Key() dtable.Key { return it.t.entries[it.pos].key }
func (it *iter) Meta() dtable.Metablob {
	e := it.t.entries[it.pos]
	return dtable.Metablob{Exists: e.exists, Size: int(e.length)}
}
func (it *iter) Value() (dtable.Blob, error) { return it.t.blobAt(it.pos) }
func (it *iter) Source() dtable.DTable       { return it.t }
func (it *iter) Reject(dtable.Blob) bool     { return false }
