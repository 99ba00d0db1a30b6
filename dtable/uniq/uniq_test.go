package uniq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/dtablekv/dtablekv/dtable/fixed"
	_ "github.com/dtablekv/dtablekv/dtable/linear"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/sliceiter"
)

func e(k uint32, v string) dtable.Entry {
	b := dtable.NewBlob([]byte(v))
	return dtable.Entry{Key: dtable.U32Key(k), Meta: b.Meta(), Blob: b}
}

// TestUniqDeduplicatesRepeatedValues covers spec.md §8 scenario 4: keys
// 1, 2, and 3 all carry the same repeated value, so uniq_dtable must
// store it exactly once and have every key resolve back to that single
// shared copy.
func TestUniqDeduplicatesRepeatedValues(t *testing.T) {
	dir := t.TempDir()
	cfg := dtable.Config{"format": "uniq"}

	source := sliceiter.New([]dtable.Entry{
		e(1, "same"),
		e(2, "same"),
		e(3, "same"),
		e(4, "different"),
	}, nil)
	require.NoError(t, dtable.CreateNamed(cfg, dir, "t", dtable.KeyU32, source, nil))

	tbl, err := dtable.OpenNamed(cfg, dir, "t", dtable.KeyU32)
	require.NoError(t, err)
	defer tbl.(interface{ Close() error }).Close()

	for _, k := range []uint32{1, 2, 3} {
		v, found, err := tbl.Lookup(dtable.U32Key(k))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "same", string(v.Data()))
	}
	v, found, err := tbl.Lookup(dtable.U32Key(4))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "different", string(v.Data()))

	// The underlying value dtable must hold exactly two distinct
	// entries (one per unique value), not four.
	valuedb, err := dtable.OpenNamed(dtable.Config{"format": "linear"}, dir, valueName("t"), dtable.KeyU32)
	require.NoError(t, err)
	defer valuedb.(interface{ Close() error }).Close()
	it, err := valuedb.Iterator()
	require.NoError(t, err)
	count := 0
	ok, err := it.First()
	require.NoError(t, err)
	for ok {
		count++
		ok, err = it.Next()
		require.NoError(t, err)
	}
	assert.Equal(t, 2, count, "repeated values must collapse to a single stored copy")
}

// shadowingDTable is a minimal dtable.DTable reporting every key as
// present, standing in for an older level a tombstone still needs to
// shadow at create time.
type shadowingDTable struct{}

func (shadowingDTable) Lookup(dtable.Key) (dtable.Blob, bool, error)  { return dtable.Blob{}, false, nil }
func (shadowingDTable) Present(dtable.Key) (bool, bool, error)        { return true, true, nil }
func (shadowingDTable) KeyType() dtable.KeyType                      { return dtable.KeyU32 }
func (shadowingDTable) BlobComparator() dtable.BlobComparator        { return nil }
func (shadowingDTable) CmpName() string                              { return "" }
func (shadowingDTable) SetBlobCmp(dtable.BlobComparator) error       { return nil }
func (shadowingDTable) Maintain() error                              { return nil }
func (shadowingDTable) Writable() bool                               { return false }
func (shadowingDTable) Iterator() (dtable.Iterator, error)           { return nil, dtable.ErrUnsupported }

func TestUniqTombstoneKeptWhenShadowed(t *testing.T) {
	dir := t.TempDir()
	cfg := dtable.Config{"format": "uniq"}

	source := sliceiter.New([]dtable.Entry{
		e(1, "value"),
		{Key: dtable.U32Key(2), Meta: dtable.Tombstone.Meta(), Blob: dtable.Tombstone},
	}, nil)
	require.NoError(t, dtable.CreateNamed(cfg, dir, "t", dtable.KeyU32, source, shadowingDTable{}))

	tbl, err := dtable.OpenNamed(cfg, dir, "t", dtable.KeyU32)
	require.NoError(t, err)
	defer tbl.(interface{ Close() error }).Close()

	found, hasValue, err := tbl.Present(dtable.U32Key(2))
	require.NoError(t, err)
	assert.True(t, found, "a tombstone over a still-shadowed key must be kept")
	assert.False(t, hasValue)
}
