package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/dtablekv/dtablekv/dtable/simple"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/internal/xerrors"
)

func simpleSpec() FormatSpec { return FormatSpec{Format: "simple"} }

func TestCreateTableInsertShutdownReopen(t *testing.T) {
	root := t.TempDir()

	s, err := Init(root, 0)
	require.NoError(t, err)

	m, err := s.CreateTable("widgets", Config{
		KeyType:  "u32",
		Base:     simpleSpec(),
		Fastbase: simpleSpec(),
	})
	require.NoError(t, err)

	require.NoError(t, m.Insert(dtable.U32Key(1), dtable.NewBlob([]byte("A")), false))
	require.NoError(t, m.Insert(dtable.U32Key(2), dtable.NewBlob([]byte("B")), false))

	require.NoError(t, s.Shutdown())

	// Reopen: store.toml must have persisted the table's config, so a
	// fresh Init reconstructs "widgets" without the caller repeating it.
	s2, err := Init(root, 0)
	require.NoError(t, err)
	defer s2.Shutdown()

	m2, ok := s2.Table("widgets")
	require.True(t, ok)
	v, found, err := m2.Lookup(dtable.U32Key(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A", string(v.Data()))

	assert.Equal(t, []string{"widgets"}, s2.TableNames())
}

func TestInitLocksAgainstSecondOpen(t *testing.T) {
	root := t.TempDir()

	s, err := Init(root, 0)
	require.NoError(t, err)
	defer s.Shutdown()

	_, err = Init(root, 0)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.EBUSY))
}

func TestMaintainAllCompactsJournalPastThreshold(t *testing.T) {
	root := t.TempDir()

	// A tiny tx_log_size forces MaintainAll's size check to trip on the
	// very first maintenance pass.
	s, err := Init(root, 1)
	require.NoError(t, err)
	defer s.Shutdown()

	m, err := s.CreateTable("t1", Config{
		KeyType:  "u32",
		Base:     simpleSpec(),
		Fastbase: simpleSpec(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Insert(dtable.U32Key(1), dtable.NewBlob([]byte("A")), false))

	require.NoError(t, s.MaintainAll(false))

	v, found, err := m.Lookup(dtable.U32Key(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A", string(v.Data()))
}

func TestCreateTableRejectsDuplicateName(t *testing.T) {
	root := t.TempDir()
	s, err := Init(root, 0)
	require.NoError(t, err)
	defer s.Shutdown()

	cfg := Config{KeyType: "u32", Base: simpleSpec(), Fastbase: simpleSpec()}
	_, err = s.CreateTable("t1", cfg)
	require.NoError(t, err)

	_, err = s.CreateTable("t1", cfg)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.EEXIST))
}
