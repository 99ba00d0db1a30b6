package sysjournal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtablekv/dtablekv/dtable"
)

// fakeListener is a minimal Listener: a plain map standing in for a
// journal-dtable's hash index, just enough to exercise SysJournal
// without pulling in dtable/journaldtable.
type fakeListener struct {
	id     ListenerID
	values map[uint32]string
}

func newFakeListener(id ListenerID) *fakeListener {
	return &fakeListener{id: id, values: make(map[uint32]string)}
}

func (f *fakeListener) ID() ListenerID { return f.id }

func (f *fakeListener) JournalReplay(key dtable.Key, val dtable.Blob) error {
	if !val.Exists() {
		delete(f.values, key.U32)
		return nil
	}
	f.values[key.U32] = string(val.Data())
	return nil
}

func (f *fakeListener) snapshot() ([]dtable.Key, func(dtable.Key) (dtable.Blob, bool)) {
	keys := make([]dtable.Key, 0, len(f.values))
	snap := make(map[uint32]string, len(f.values))
	for k, v := range f.values {
		keys = append(keys, dtable.U32Key(k))
		snap[k] = v
	}
	return keys, func(k dtable.Key) (dtable.Blob, bool) {
		v, ok := snap[k.U32]
		if !ok {
			return dtable.Blob{}, false
		}
		return dtable.NewBlob([]byte(v)), true
	}
}

type fakeWarehouse struct {
	listeners map[ListenerID]*fakeListener
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{listeners: make(map[ListenerID]*fakeListener)}
}

func (w *fakeWarehouse) register(l *fakeListener) { w.listeners[l.id] = l }

func (w *fakeWarehouse) Lookup(id ListenerID) (Listener, bool) {
	l, ok := w.listeners[id]
	return l, ok
}

func (w *fakeWarehouse) Obtain(id ListenerID, keyType dtable.KeyType) (Listener, error) {
	l := newFakeListener(id)
	w.listeners[id] = l
	return l, nil
}

// TestFilterRewritesOnlyLiveListeners exercises the seen-map fix: a
// compaction pass must carry forward the current state of every live
// listener, and drop records belonging to listeners no longer live,
// rather than emitting an empty journal (the bug seen/listenerIDsSeen
// previously produced, since the old stub always reported no listeners
// at all).
func TestFilterRewritesOnlyLiveListeners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sys_journal")

	wh := newFakeWarehouse()
	sj, err := SpawnInit(path, wh, wh, true)
	require.NoError(t, err)

	alive := newFakeListener(sj.GetUniqueID(false))
	dead := newFakeListener(sj.GetUniqueID(false))
	wh.register(alive)
	wh.register(dead)

	require.NoError(t, sj.Append(alive.id, dtable.U32Key(1), dtable.NewBlob([]byte("A"))))
	require.NoError(t, sj.Append(alive.id, dtable.U32Key(2), dtable.NewBlob([]byte("B"))))
	require.NoError(t, sj.Append(dead.id, dtable.U32Key(9), dtable.NewBlob([]byte("Z"))))
	require.NoError(t, sj.Commit())
	require.NoError(t, alive.JournalReplay(dtable.U32Key(1), dtable.NewBlob([]byte("A"))))
	require.NoError(t, alive.JournalReplay(dtable.U32Key(2), dtable.NewBlob([]byte("B"))))

	beforeInfo, err := os.Stat(path)
	require.NoError(t, err)

	isLive := func(id ListenerID) bool { return id == alive.id }
	currentState := func(id ListenerID) ([]dtable.Key, func(dtable.Key) (dtable.Blob, bool)) {
		return alive.snapshot()
	}
	require.NoError(t, sj.Filter(isLive, currentState))

	afterInfo, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, afterInfo.Size(), beforeInfo.Size(), "compaction must drop the dead listener's records")

	require.NoError(t, sj.Close())

	// Reopen and replay the compacted journal into fresh listeners:
	// the live listener's state must have survived, the dead
	// listener's must not reappear.
	wh2 := newFakeWarehouse()
	alive2 := newFakeListener(alive.id)
	wh2.register(alive2)
	sj2, err := SpawnInit(path, wh2, wh2, true)
	require.NoError(t, err)
	defer sj2.Close()

	assert.Equal(t, map[uint32]string{1: "A", 2: "B"}, alive2.values)
	_, deadSeen := wh2.listeners[dead.id]
	assert.False(t, deadSeen, "dead listener must not be reconstructed from the compacted journal")
}

// TestFilterPrunesDeadListenerFromSeen confirms a second Filter pass
// after a listener goes away no longer touches its id at all (the
// seen-map entry was pruned on the first pass).
func TestFilterPrunesDeadListenerFromSeen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sys_journal")

	wh := newFakeWarehouse()
	sj, err := SpawnInit(path, wh, wh, true)
	require.NoError(t, err)
	defer sj.Close()

	gone := newFakeListener(sj.GetUniqueID(false))
	wh.register(gone)
	require.NoError(t, sj.Append(gone.id, dtable.U32Key(1), dtable.NewBlob([]byte("X"))))
	require.NoError(t, sj.Commit())

	neverLive := func(ListenerID) bool { return false }
	calls := 0
	currentState := func(id ListenerID) ([]dtable.Key, func(dtable.Key) (dtable.Blob, bool)) {
		calls++
		return nil, func(dtable.Key) (dtable.Blob, bool) { return dtable.Blob{}, false }
	}
	require.NoError(t, sj.Filter(neverLive, currentState))
	assert.Equal(t, 0, calls, "a dead listener's currentState must never be consulted")

	require.NoError(t, sj.Filter(neverLive, currentState))
	assert.Equal(t, 0, calls, "the id must have been pruned from seen by the first pass")
}
