package managed

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/dtablekv/dtablekv/dtable/simple"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/sysjournal"
)

func simpleCfg() Config {
	fmtCfg := dtable.Config{"format": "simple"}
	return Config{Base: fmtCfg, Fastbase: fmtCfg}
}

func collect(t *testing.T, m *ManagedDTable) []uint32 {
	t.Helper()
	it, err := m.Iterator()
	require.NoError(t, err)
	defer it.Close()

	var keys []uint32
	ok, err := it.First()
	require.NoError(t, err)
	for ok {
		keys = append(keys, it.Key().U32)
		ok, err = it.Next()
		require.NoError(t, err)
	}
	return keys
}

// TestInsertDigestRestart covers spec.md §8 scenario 1: insert under u32
// keys, digest the tip into a level, restart the store, and confirm
// lookups still resolve correctly.
func TestInsertDigestRestart(t *testing.T) {
	dir := t.TempDir()
	wh := NewWarehouse()
	sj, err := sysjournal.SpawnInit(filepath.Join(dir, "sys_journal"), wh, wh, true)
	require.NoError(t, err)

	tableDir := filepath.Join(dir, "t1")
	m, err := Create(tableDir, sj, wh, simpleCfg(), dtable.KeyU32, nil)
	require.NoError(t, err)

	require.NoError(t, m.Insert(dtable.U32Key(6), dtable.NewBlob([]byte("hello")), false))
	require.NoError(t, m.Insert(dtable.U32Key(4), dtable.NewBlob([]byte("world")), false))
	require.NoError(t, m.Digest())

	assert.Equal(t, []uint32{4, 6}, collect(t, m))

	v, found, err := m.Lookup(dtable.U32Key(4))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "world", string(v.Data()))

	_, found, err = m.Lookup(dtable.U32Key(5))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.Close())
	require.NoError(t, sj.Close())

	// Restart: reopen via the two-phase OpenPrepare/FinishOpen sequence.
	wh2 := NewWarehouse()
	p, err := OpenPrepare(tableDir, dtable.KeyU32, nil)
	require.NoError(t, err)
	wh2.Register(p.Tip())
	sj2, err := sysjournal.SpawnInit(filepath.Join(dir, "sys_journal"), wh2, wh2, true)
	require.NoError(t, err)
	defer sj2.Close()

	m2, err := FinishOpen(p, sj2, wh2, simpleCfg())
	require.NoError(t, err)
	defer m2.Close()

	v, found, err = m2.Lookup(dtable.U32Key(4))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "world", string(v.Data()))
	assert.Equal(t, []uint32{4, 6}, collect(t, m2))
}

// TestCombineElidesShadowedTombstones covers spec.md §8 scenario 2:
// tombstones written after a digest must still shadow the value a
// combine later folds together, and the combine itself must drop both
// the elided value and the tombstone that killed it.
func TestCombineElidesShadowedTombstones(t *testing.T) {
	dir := t.TempDir()
	wh := NewWarehouse()
	sj, err := sysjournal.SpawnInit(filepath.Join(dir, "sys_journal"), wh, wh, true)
	require.NoError(t, err)
	defer sj.Close()

	m, err := Create(filepath.Join(dir, "t1"), sj, wh, simpleCfg(), dtable.KeyU32, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Insert(dtable.U32Key(1), dtable.NewBlob([]byte("A")), false))
	require.NoError(t, m.Insert(dtable.U32Key(2), dtable.NewBlob([]byte("B")), false))
	require.NoError(t, m.Insert(dtable.U32Key(3), dtable.NewBlob([]byte("C")), false))
	require.NoError(t, m.Digest())

	require.NoError(t, m.Remove(dtable.U32Key(1)))
	require.NoError(t, m.Remove(dtable.U32Key(3)))
	require.NoError(t, m.Insert(dtable.U32Key(2), dtable.NewBlob([]byte("B2")), false))
	require.NoError(t, m.Digest())

	require.Len(t, m.levels, 2)
	require.NoError(t, m.Combine(0, 2, false, false))
	require.Len(t, m.levels, 1)

	assert.Equal(t, []uint32{2}, collect(t, m))
	v, found, err := m.Lookup(dtable.U32Key(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B2", string(v.Data()))

	_, found, err = m.Lookup(dtable.U32Key(1))
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = m.Lookup(dtable.U32Key(3))
	require.NoError(t, err)
	assert.False(t, found)

	found, _, err = m.Present(dtable.U32Key(1))
	require.NoError(t, err)
	assert.False(t, found, "a combine spanning the tombstone's own level must drop it too")
}

// TestAbortableTransaction covers spec.md §8 scenario 5: writes under an
// atx are isolated until commit, an abort fully rolls them back, and a
// later commit's writes persist across a restart.
func TestAbortableTransaction(t *testing.T) {
	dir := t.TempDir()
	wh := NewWarehouse()
	sj, err := sysjournal.SpawnInit(filepath.Join(dir, "sys_journal"), wh, wh, true)
	require.NoError(t, err)

	tableDir := filepath.Join(dir, "t1")
	m, err := Create(tableDir, sj, wh, simpleCfg(), dtable.KeyU32, nil)
	require.NoError(t, err)

	require.NoError(t, m.Insert(dtable.U32Key(1), dtable.NewBlob([]byte("A")), false))
	require.NoError(t, m.Insert(dtable.U32Key(2), dtable.NewBlob([]byte("B")), false))

	tx1, err := m.CreateTx()
	require.NoError(t, err)
	require.NoError(t, m.InsertTx(tx1, dtable.U32Key(2), dtable.NewBlob([]byte("B2")), false))
	require.NoError(t, m.InsertTx(tx1, dtable.U32Key(3), dtable.NewBlob([]byte("C")), false))
	require.NoError(t, m.InsertTx(tx1, dtable.U32Key(4), dtable.NewBlob([]byte("D")), false))

	// Isolation: the main view must not see tx1's writes yet.
	_, found, err := m.Lookup(dtable.U32Key(3))
	require.NoError(t, err)
	assert.False(t, found)
	v, found, err := m.Lookup(dtable.U32Key(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B", string(v.Data()))

	// But the atx's own view sees them layered over the main view.
	v, found, err = m.LookupTx(tx1, dtable.U32Key(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B2", string(v.Data()))
	v, found, err = m.LookupTx(tx1, dtable.U32Key(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A", string(v.Data()))

	require.NoError(t, m.AbortTx(tx1))

	// Rollback: main view unaffected by the aborted writes.
	_, found, err = m.Lookup(dtable.U32Key(3))
	require.NoError(t, err)
	assert.False(t, found)
	v, found, err = m.Lookup(dtable.U32Key(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B", string(v.Data()))

	// Repeat the same writes under a fresh atx and commit this time.
	tx2, err := m.CreateTx()
	require.NoError(t, err)
	require.NoError(t, m.InsertTx(tx2, dtable.U32Key(2), dtable.NewBlob([]byte("B2")), false))
	require.NoError(t, m.InsertTx(tx2, dtable.U32Key(3), dtable.NewBlob([]byte("C")), false))
	require.NoError(t, m.InsertTx(tx2, dtable.U32Key(4), dtable.NewBlob([]byte("D")), false))
	require.NoError(t, m.CommitTx(tx2))

	v, found, err = m.Lookup(dtable.U32Key(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B2", string(v.Data()))
	v, found, err = m.Lookup(dtable.U32Key(3))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "C", string(v.Data()))
	v, found, err = m.Lookup(dtable.U32Key(4))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "D", string(v.Data()))

	require.NoError(t, m.Close())
	require.NoError(t, sj.Close())

	// Restart: the committed state must have survived.
	wh2 := NewWarehouse()
	p, err := OpenPrepare(tableDir, dtable.KeyU32, nil)
	require.NoError(t, err)
	wh2.Register(p.Tip())
	sj2, err := sysjournal.SpawnInit(filepath.Join(dir, "sys_journal"), wh2, wh2, true)
	require.NoError(t, err)
	defer sj2.Close()

	m2, err := FinishOpen(p, sj2, wh2, simpleCfg())
	require.NoError(t, err)
	defer m2.Close()

	assert.Equal(t, []uint32{1, 2, 3, 4}, collect(t, m2))
	v, found, err = m2.Lookup(dtable.U32Key(4))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "D", string(v.Data()))
}
