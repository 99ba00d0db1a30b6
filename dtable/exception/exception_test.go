package exception

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/dtablekv/dtablekv/dtable/fixed"
	_ "github.com/dtablekv/dtablekv/dtable/simple"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/sliceiter"
)

func e(k uint32, v string) dtable.Entry {
	b := dtable.NewBlob([]byte(v))
	return dtable.Entry{Key: dtable.U32Key(k), Meta: b.Meta(), Blob: b}
}

// TestFixedRejectsOversizedValueBare confirms spec.md §8 scenario 3's
// codec-rejection half directly against fixed_dtable with no exception
// wrapper: a value not exactly value_size bytes cannot be represented,
// and a plain source can't supply a replacement, so Create fails.
func TestFixedRejectsOversizedValueBare(t *testing.T) {
	dir := t.TempDir()
	cfg := dtable.Config{"format": "fixed", "value_size": 4}
	source := sliceiter.New([]dtable.Entry{e(1, "this value is way too long")}, nil)
	err := dtable.CreateNamed(cfg, dir, "t", dtable.KeyU32, source, nil)
	assert.ErrorIs(t, err, dtable.ErrRejected)
}

// TestExceptionRecoversRejectedValue covers the other half: wrapping
// the same fixed base in exception_dtable lets the oversized value
// survive Create by substituting a placeholder into base and recording
// the true value in alt; Lookup and iteration must both surface the
// true value transparently.
func TestExceptionRecoversRejectedValue(t *testing.T) {
	dir := t.TempDir()
	cfg := dtable.Config{
		"format": "exception",
		"base":   dtable.Config{"format": "fixed", "value_size": 4},
	}
	source := sliceiter.New([]dtable.Entry{
		e(1, "shor"),
		e(2, "this value does not fit in four bytes"),
	}, nil)
	require.NoError(t, dtable.CreateNamed(cfg, dir, "t", dtable.KeyU32, source, nil))

	tbl, err := dtable.OpenNamed(cfg, dir, "t", dtable.KeyU32)
	require.NoError(t, err)
	defer tbl.(interface{ Close() error }).Close()

	v, found, err := tbl.Lookup(dtable.U32Key(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "shor", string(v.Data()))

	v, found, err = tbl.Lookup(dtable.U32Key(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "this value does not fit in four bytes", string(v.Data()))

	it, err := tbl.Iterator()
	require.NoError(t, err)
	got := map[uint32]string{}
	ok, err := it.First()
	require.NoError(t, err)
	for ok {
		val, err := it.Value()
		require.NoError(t, err)
		got[it.Key().U32] = string(val.Data())
		ok, err = it.Next()
		require.NoError(t, err)
	}
	assert.Equal(t, map[uint32]string{1: "shor", 2: "this value does not fit in four bytes"}, got)
}
