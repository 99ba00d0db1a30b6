// Package journaldtable implements journal_dtable (spec.md §4.7): the
// one writable leaf in this engine. Its state lives entirely in
// memory — a hash index for O(1) point lookups plus a sorted index
// (built lazily, on first Iterator() call) for ordered scans — backed
// durably by the shared system journal rather than its own file.
// Grounded on sysjournal's Listener/Warehouse contract (already built)
// and on dtable/btree's use of github.com/google/btree for the sorted
// side; temp_journal_dtable (used for abortable transactions, spec.md
// §4.9) is the same type built via NewTemp. Both constructors build the
// sorted index the same lazy way: neither keeps it current from the
// first write, and the temp flag does not change any behaviour.
package journaldtable

import (
	"sync"

	"github.com/google/btree"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/internal/sliceiter"
	"github.com/dtablekv/dtablekv/dtable/internal/wrapiter"
	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/sysjournal"
)

const degree = 32

type item struct {
	key dtable.Key
	val dtable.Blob
}

func lessFn(cmp dtable.BlobComparator) func(a, b item) bool {
	return func(a, b item) bool { return dtable.Compare(a.key, b.key, cmp) < 0 }
}

func hashKeyOf(k dtable.Key) any {
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

// Table is journal_dtable: a mutable, in-memory sorted map over Key
// durable via the shared sysjournal.SysJournal.
type Table struct {
	mu      sync.RWMutex
	id      sysjournal.ListenerID
	keyType dtable.KeyType
	cmp     dtable.BlobComparator
	sj      *sysjournal.SysJournal

	hash   map[any]item
	sorted *btree.BTreeG[item] // nil until an Iterator is requested
	temp   bool                // true for a temp_journal_dtable (create_tx)
}

// New constructs a full journal-dtable registered under id.
func New(keyType dtable.KeyType, cmp dtable.BlobComparator, sj *sysjournal.SysJournal, id sysjournal.ListenerID) *Table {
	return &Table{id: id, keyType: keyType, cmp: cmp, sj: sj, hash: make(map[any]item)}
}

// NewTemp constructs a temp_journal_dtable. Like a table from New, it
// builds its sorted index on the first Iterator() call; the temp flag
// it sets is recorded but not read.
func NewTemp(keyType dtable.KeyType, cmp dtable.BlobComparator, sj *sysjournal.SysJournal, id sysjournal.ListenerID) *Table {
	t := New(keyType, cmp, sj, id)
	t.temp = true
	return t
}

func (t *Table) ID() sysjournal.ListenerID { return t.id }

// AttachJournal wires sj in after construction, for the two-phase
// open a managed dtable needs: the tip must exist and be registered
// with the shared warehouse before sysjournal.SpawnInit replays into
// it, but has nothing to journal new writes to until replay completes
// and SpawnInit returns the now-live SysJournal.
func (t *Table) AttachJournal(sj *sysjournal.SysJournal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sj = sj
}

// JournalReplay applies a record recovered from the system journal
// without re-logging it (it is already durable on disk).
func (t *Table) JournalReplay(key dtable.Key, val dtable.Blob) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(key, val)
	return nil
}

func (t *Table) applyLocked(key dtable.Key, val dtable.Blob) {
	it := item{key: key, val: val}
	t.hash[hashKeyOf(key)] = it
	if t.sorted != nil {
		t.sorted.ReplaceOrInsert(it)
	}
}

func (t *Table) Insert(key dtable.Key, blob dtable.Blob, appendValue bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	final := blob
	if appendValue {
		if cur, ok := t.hash[hashKeyOf(key)]; ok && cur.val.Exists() {
			data := append(append([]byte(nil), cur.val.Data()...), blob.Data()...)
			final = dtable.NewBlob(data)
		}
	}
	if err := t.sj.Append(t.id, key, final); err != nil {
		return err
	}
	if err := t.sj.Commit(); err != nil {
		return err
	}
	t.applyLocked(key, final)
	return nil
}

func (t *Table) Remove(key dtable.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sj.Append(t.id, key, dtable.Tombstone); err != nil {
		return err
	}
	if err := t.sj.Commit(); err != nil {
		return err
	}
	t.applyLocked(key, dtable.Tombstone)
	return nil
}

func (t *Table) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	it, ok := t.hash[hashKeyOf(key)]
	if !ok || !it.val.Exists() {
		return dtable.Blob{}, false, nil
	}
	return it.val, true, nil
}

func (t *Table) Present(key dtable.Key) (bool, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	it, ok := t.hash[hashKeyOf(key)]
	if !ok {
		return false, false, nil
	}
	return true, it.val.Exists(), nil
}

func (t *Table) KeyType() dtable.KeyType               { return t.keyType }
func (t *Table) BlobComparator() dtable.BlobComparator { return t.cmp }
func (t *Table) CmpName() string {
	if t.cmp != nil {
		return t.cmp.Name()
	}
	return ""
}

func (t *Table) SetBlobCmp(cmp dtable.BlobComparator) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmp != nil && cmp != nil && cmp.Name() != t.cmp.Name() {
		return xerrors.Newf(xerrors.EINVAL, "journaldtable: comparator %q does not match current %q", cmp.Name(), t.cmp.Name())
	}
	t.cmp = cmp
	if t.sorted != nil {
		t.rebuildSortedLocked()
	}
	return nil
}

func (t *Table) Maintain() error { return nil }
func (t *Table) Writable() bool  { return true }

// Size reports the number of distinct keys this dtable holds a record
// for, tombstones included.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hash)
}

func (t *Table) rebuildSortedLocked() {
	bt := btree.NewG[item](degree, lessFn(t.cmp))
	for _, it := range t.hash {
		bt.ReplaceOrInsert(it)
	}
	t.sorted = bt
}

func (t *Table) ensureSorted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sorted == nil {
		t.rebuildSortedLocked()
	}
}

// Reinit clears all in-memory state and switches this table to a fresh
// listener id, the shape a managed dtable's digest uses to hand the
// old tip's listener off and start a new one (spec.md §4.9). The old
// listener's journal records are invalidated separately by the caller
// via sysjournal.Filter once it has confirmed nothing else needs them.
func (t *Table) Reinit(newID sysjournal.ListenerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = newID
	t.hash = make(map[any]item)
	t.sorted = nil
}

// Discard clears all in-memory state without reassigning a listener
// id, used to abandon a temp_journal_dtable on abort_tx.
func (t *Table) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hash = make(map[any]item)
	t.sorted = nil
}

func (t *Table) Close() error { return nil }

// Snapshot returns every key this table currently holds a record for
// (tombstones included) plus a lookup closure over a point-in-time copy
// of the values, the shape sysjournal.Filter's currentState callback
// needs to rewrite a compacted journal.
func (t *Table) Snapshot() ([]dtable.Key, func(dtable.Key) (dtable.Blob, bool)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]dtable.Key, 0, len(t.hash))
	snap := make(map[any]item, len(t.hash))
	for hk, it := range t.hash {
		keys = append(keys, it.key)
		snap[hk] = it
	}
	lookup := func(k dtable.Key) (dtable.Blob, bool) {
		it, ok := snap[hashKeyOf(k)]
		if !ok {
			return dtable.Blob{}, false
		}
		return it.val, true
	}
	return keys, lookup
}

// Iterator builds the sorted index from the hash index (if the table
// doesn't have one yet, whether or not it is a temp table) and returns
// a snapshot-ordered cursor over the current contents.
func (t *Table) Iterator() (dtable.Iterator, error) {
	t.ensureSorted()

	t.mu.RLock()
	entries := make([]dtable.Entry, 0, t.sorted.Len())
	t.sorted.Ascend(func(it item) bool {
		entries = append(entries, dtable.Entry{Key: it.key, Meta: it.val.Meta(), Blob: it.val})
		return true
	})
	t.mu.RUnlock()

	return &wrapiter.Base{Inner: sliceiter.New(entries, t.cmp), Owner: t}, nil
}
