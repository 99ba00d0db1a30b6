package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtablekv/dtablekv/dtable"
)

// memLayer is a minimal in-memory dtable.DTable backed by a sorted
// slice, standing in for a leaf format so overlay's merge logic can be
// tested without any on-disk codec.
type memLayer struct {
	entries []dtable.Entry // sorted by Key.U32, ascending
}

func newMemLayer(pairs ...dtable.Entry) *memLayer {
	return &memLayer{entries: pairs}
}

func (m *memLayer) find(key dtable.Key) int {
	lo, hi := 0, len(m.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.entries[mid].Key.U32 < key.U32 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (m *memLayer) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	i := m.find(key)
	if i >= len(m.entries) || m.entries[i].Key.U32 != key.U32 {
		return dtable.Blob{}, false, nil
	}
	if !m.entries[i].Meta.Exists {
		return dtable.Blob{}, false, nil
	}
	return m.entries[i].Blob, true, nil
}

func (m *memLayer) Present(key dtable.Key) (bool, bool, error) {
	i := m.find(key)
	if i >= len(m.entries) || m.entries[i].Key.U32 != key.U32 {
		return false, false, nil
	}
	return true, m.entries[i].Meta.Exists, nil
}

func (m *memLayer) KeyType() dtable.KeyType               { return dtable.KeyU32 }
func (m *memLayer) BlobComparator() dtable.BlobComparator { return nil }
func (m *memLayer) CmpName() string                       { return "" }
func (m *memLayer) SetBlobCmp(dtable.BlobComparator) error { return nil }
func (m *memLayer) Maintain() error                       { return nil }
func (m *memLayer) Writable() bool                        { return false }

func (m *memLayer) Iterator() (dtable.Iterator, error) {
	return &memIter{m: m, pos: -1}, nil
}

type memIter struct {
	m   *memLayer
	pos int
}

func (it *memIter) Valid() bool { return it.pos >= 0 && it.pos < len(it.m.entries) }

func (it *memIter) First() (bool, error) {
	it.pos = 0
	return it.Valid(), nil
}

func (it *memIter) Last() (bool, error) {
	it.pos = len(it.m.entries) - 1
	return it.Valid(), nil
}

func (it *memIter) Next() (bool, error) {
	if it.pos < len(it.m.entries) {
		it.pos++
	}
	return it.Valid(), nil
}

func (it *memIter) Prev() (bool, error) {
	if it.pos <= 0 {
		return false, nil
	}
	it.pos--
	return true, nil
}

func (it *memIter) Seek(key dtable.Key) (bool, error) {
	it.pos = it.m.find(key)
	return it.Valid() && it.m.entries[it.pos].Key.U32 == key.U32, nil
}

func (it *memIter) SeekTest(test dtable.Test) (bool, error) {
	lo, hi := 0, len(it.m.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if test(it.m.entries[mid].Key) > 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
	return it.Valid(), nil
}

func (it *memIter) SeekIndex(int) (bool, error) { return false, dtable.ErrUnsupported }
func (it *memIter) GetIndex() int               { return -1 }
func (it *memIter) Key() dtable.Key             { return it.m.entries[it.pos].Key }
func (it *memIter) Meta() dtable.Metablob       { return it.m.entries[it.pos].Meta }
func (it *memIter) Value() (dtable.Blob, error) { return it.m.entries[it.pos].Blob, nil }
func (it *memIter) Source() dtable.DTable       { return it.m }
func (it *memIter) Reject(dtable.Blob) bool     { return false }

func u32e(k uint32, v string) dtable.Entry {
	b := dtable.NewBlob([]byte(v))
	return dtable.Entry{Key: dtable.U32Key(k), Meta: b.Meta(), Blob: b}
}

func tomb(k uint32) dtable.Entry {
	return dtable.Entry{Key: dtable.U32Key(k), Meta: dtable.Tombstone.Meta(), Blob: dtable.Tombstone}
}

func TestOverlayLookupNewestWins(t *testing.T) {
	older := newMemLayer(u32e(1, "old1"), u32e(2, "old2"))
	newer := newMemLayer(u32e(2, "new2"))
	ov := New([]dtable.DTable{newer, older}, dtable.KeyU32, nil)

	v, found, err := ov.Lookup(dtable.U32Key(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new2", string(v.Data()))

	v, found, err = ov.Lookup(dtable.U32Key(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "old1", string(v.Data()))
}

func TestOverlayTombstoneShortCircuits(t *testing.T) {
	older := newMemLayer(u32e(1, "old1"))
	newer := newMemLayer(tomb(1))
	ov := New([]dtable.DTable{newer, older}, dtable.KeyU32, nil)

	_, found, err := ov.Lookup(dtable.U32Key(1))
	require.NoError(t, err)
	assert.False(t, found, "a newer tombstone must shadow an older value")

	present, hasValue, err := ov.Present(dtable.U32Key(1))
	require.NoError(t, err)
	assert.True(t, present)
	assert.False(t, hasValue)
}

func TestOverlayIteratorTotalAndMonotonic(t *testing.T) {
	a := newMemLayer(u32e(1, "a1"), u32e(4, "a4"))
	b := newMemLayer(u32e(2, "b2"), u32e(3, "b3"), u32e(4, "b4-shadowed"))
	ov := New([]dtable.DTable{a, b}, dtable.KeyU32, nil)

	it, err := ov.Iterator()
	require.NoError(t, err)

	var forward []uint32
	ok, err := it.First()
	require.NoError(t, err)
	for ok {
		forward = append(forward, it.Key().U32)
		ok, err = it.Next()
		require.NoError(t, err)
	}
	assert.Equal(t, []uint32{1, 2, 3, 4}, forward)

	var backward []uint32
	ok, err = it.Last()
	require.NoError(t, err)
	for ok {
		backward = append(backward, it.Key().U32)
		ok, err = it.Prev()
		require.NoError(t, err)
	}
	assert.Equal(t, []uint32{4, 3, 2, 1}, backward)

	// Key 4 exists in both layers; the newer layer (a) must win.
	ok, err = it.Seek(dtable.U32Key(4))
	require.NoError(t, err)
	require.True(t, ok)
	val, err := it.Value()
	require.NoError(t, err)
	assert.Equal(t, "a4", string(val.Data()))
}

func TestOverlayDirectionReversalIsStable(t *testing.T) {
	a := newMemLayer(u32e(1, "a1"), u32e(3, "a3"))
	b := newMemLayer(u32e(2, "b2"))
	ov := New([]dtable.DTable{a, b}, dtable.KeyU32, nil)

	it, err := ov.Iterator()
	require.NoError(t, err)
	ok, err := it.First()
	require.NoError(t, err)
	require.True(t, ok)
	before := it.Key().U32
	assert.Equal(t, uint32(1), before)

	ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), it.Key().U32)

	ok, err = it.Prev()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, it.Key().U32, "next();prev() must return to the key before the pair")
}
