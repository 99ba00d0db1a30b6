package journaldtable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/sysjournal"
)

// testWarehouse is a minimal sysjournal.Warehouse, local to this test
// file to avoid importing dtable/managed (which imports this package).
type testWarehouse struct {
	listeners map[sysjournal.ListenerID]sysjournal.Listener
}

func newTestWarehouse() *testWarehouse {
	return &testWarehouse{listeners: make(map[sysjournal.ListenerID]sysjournal.Listener)}
}

func (w *testWarehouse) register(l sysjournal.Listener) { w.listeners[l.ID()] = l }

func (w *testWarehouse) Lookup(id sysjournal.ListenerID) (sysjournal.Listener, bool) {
	l, ok := w.listeners[id]
	return l, ok
}

func (w *testWarehouse) Obtain(id sysjournal.ListenerID, keyType dtable.KeyType) (sysjournal.Listener, error) {
	return New(keyType, nil, nil, id), nil
}

func TestInsertLookupRemove(t *testing.T) {
	dir := t.TempDir()
	wh := newTestWarehouse()
	sj, err := sysjournal.SpawnInit(filepath.Join(dir, "sys_journal"), wh, wh, true)
	require.NoError(t, err)
	defer sj.Close()

	id := sj.GetUniqueID(false)
	tbl := New(dtable.KeyU32, nil, sj, id)
	wh.register(tbl)

	require.NoError(t, tbl.Insert(dtable.U32Key(6), dtable.NewBlob([]byte("hello")), false))
	require.NoError(t, tbl.Insert(dtable.U32Key(4), dtable.NewBlob([]byte("world")), false))

	v, found, err := tbl.Lookup(dtable.U32Key(6))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", string(v.Data()))

	_, found, err = tbl.Lookup(dtable.U32Key(5))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tbl.Remove(dtable.U32Key(6)))
	found, hasValue, err := tbl.Present(dtable.U32Key(6))
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, hasValue)
}

func TestIteratorOrderedAscending(t *testing.T) {
	dir := t.TempDir()
	wh := newTestWarehouse()
	sj, err := sysjournal.SpawnInit(filepath.Join(dir, "sys_journal"), wh, wh, true)
	require.NoError(t, err)
	defer sj.Close()

	id := sj.GetUniqueID(false)
	tbl := New(dtable.KeyU32, nil, sj, id)
	wh.register(tbl)

	for _, k := range []uint32{6, 4, 9, 1} {
		require.NoError(t, tbl.Insert(dtable.U32Key(k), dtable.NewBlob([]byte("v")), false))
	}

	it, err := tbl.Iterator()
	require.NoError(t, err)
	var keys []uint32
	ok, err := it.First()
	require.NoError(t, err)
	for ok {
		keys = append(keys, it.Key().U32)
		ok, err = it.Next()
		require.NoError(t, err)
	}
	assert.Equal(t, []uint32{1, 4, 6, 9}, keys)
}

func TestAppendValueConcatenates(t *testing.T) {
	dir := t.TempDir()
	wh := newTestWarehouse()
	sj, err := sysjournal.SpawnInit(filepath.Join(dir, "sys_journal"), wh, wh, true)
	require.NoError(t, err)
	defer sj.Close()

	id := sj.GetUniqueID(false)
	tbl := New(dtable.KeyString, nil, sj, id)
	wh.register(tbl)

	require.NoError(t, tbl.Insert(dtable.StrKey("k"), dtable.NewBlob([]byte("foo")), true))
	require.NoError(t, tbl.Insert(dtable.StrKey("k"), dtable.NewBlob([]byte("bar")), true))

	v, found, err := tbl.Lookup(dtable.StrKey("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "foobar", string(v.Data()))
}

func TestJournalReplayRecoversState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sys_journal")

	wh := newTestWarehouse()
	sj, err := sysjournal.SpawnInit(path, wh, wh, true)
	require.NoError(t, err)

	id := sj.GetUniqueID(false)
	tbl := New(dtable.KeyU32, nil, sj, id)
	wh.register(tbl)
	require.NoError(t, tbl.Insert(dtable.U32Key(1), dtable.NewBlob([]byte("A")), false))
	require.NoError(t, tbl.Insert(dtable.U32Key(2), dtable.NewBlob([]byte("B")), false))
	require.NoError(t, sj.Close())

	// Reopen: a fresh table registered under the same id absorbs replay.
	wh2 := newTestWarehouse()
	tbl2 := New(dtable.KeyU32, nil, nil, id)
	wh2.register(tbl2)
	sj2, err := sysjournal.SpawnInit(path, wh2, wh2, true)
	require.NoError(t, err)
	defer sj2.Close()
	tbl2.AttachJournal(sj2)

	v, found, err := tbl2.Lookup(dtable.U32Key(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A", string(v.Data()))
	assert.Equal(t, 2, tbl2.Size())
}
