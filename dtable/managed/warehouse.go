package managed

import (
	"sync"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/journaldtable"
	"github.com/dtablekv/dtablekv/sysjournal"
)

// Warehouse implements sysjournal.Warehouse for one shared sys_journal:
// every managed dtable rooted in that journal's directory registers
// its tip (and any open abortable-transaction temp tips) here before
// the journal is replayed, so sysjournal.SpawnInit's replay pass has
// somewhere to route every record. Grounded on sysjournal.Warehouse's
// own doc comment ("constructing one lazily (Obtain) if needed during
// recovery").
type Warehouse struct {
	mu        sync.Mutex
	listeners map[sysjournal.ListenerID]sysjournal.Listener
}

// NewWarehouse constructs an empty warehouse.
func NewWarehouse() *Warehouse {
	return &Warehouse{listeners: make(map[sysjournal.ListenerID]sysjournal.Listener)}
}

// Register makes l reachable by its own ID() for replay/Lookup.
func (w *Warehouse) Register(l sysjournal.Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[l.ID()] = l
}

// Unregister removes a listener once it is no longer live (superseded
// by digest/combine, or an aborted/committed transaction).
func (w *Warehouse) Unregister(id sysjournal.ListenerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.listeners, id)
}

func (w *Warehouse) Lookup(id sysjournal.ListenerID) (sysjournal.Listener, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.listeners[id]
	return l, ok
}

// Obtain is only reached for a listener id no managed dtable
// pre-registered before replay — a record orphaned by a crash between
// a digest/combine's metadata swap and the old listener's retirement
// (or, for the temp-id warehouse, a transaction abandoned by a prior
// process). There is nothing live to deliver it to, so a throwaway
// sink absorbs the record and is discarded once replay finishes.
func (w *Warehouse) Obtain(id sysjournal.ListenerID, keyType dtable.KeyType) (sysjournal.Listener, error) {
	return journaldtable.New(keyType, nil, nil, id), nil
}
