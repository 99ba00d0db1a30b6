// Package filetx implements the file-transaction layer every small
// metadata file in this engine (a managed dtable's md_meta header)
// goes through, so a crash
// between writes never leaves one of them half-updated. It sits above
// package journal: a tx buffers whole small files in memory and only
// journals+flushes them at tx_end, rather than journaling individual
// record appends.
//
// Grounded on the original's metafile / tx_start / tx_end design
// (original_source/_INDEX.md lists no single metafile.h, so this is
// built from the journal.h chain-invariant idiom generalized to
// whole-file granularity, matching "file-transaction layer" in
// SPEC_FULL.md).
package filetx

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/journal"
)

// Manager owns one journal used to make a directory's small control
// files transactionally consistent.
type Manager struct {
	mu      sync.Mutex
	dir     string
	j       *journal.Journal
	open    bool
	buffers map[string][]byte // path (relative to dir) -> pending contents

	// preEnd hooks run just before tx_end commits, in registration
	// order, mirroring tx_register_pre_end/tx_unregister_pre_end.
	preEnd   []preEndHook
	nextHook int
}

type preEndHook struct {
	id int
	fn func() error
}

const journalName = "filetx.journal"

// Init opens (creating if necessary) the transaction journal for dir,
// replaying any committed-but-unapplied writes left by a prior crash.
func Init(dir string) (*Manager, error) {
	path := filepath.Join(dir, journalName)
	m := &Manager{dir: dir, buffers: make(map[string][]byte)}

	if _, err := os.Stat(path); err == nil {
		j, err := journal.Reopen(path)
		if err != nil {
			return nil, err
		}
		if err := j.Playback(m.applyRecord); err != nil {
			j.Close()
			return nil, err
		}
		m.j = j
	} else {
		j, err := journal.Create(path, "")
		if err != nil {
			return nil, err
		}
		m.j = j
	}
	return m, nil
}

// record is the wire shape of one buffered-file write, replayed
// verbatim on recovery.
type record struct {
	name string
	data []byte
}

func encodeRecord(name string, data []byte) []byte {
	buf := make([]byte, 0, 4+len(name)+len(data))
	nlen := len(name)
	buf = append(buf, byte(nlen), byte(nlen>>8), byte(nlen>>16), byte(nlen>>24))
	buf = append(buf, name...)
	buf = append(buf, data...)
	return buf
}

func decodeRecord(raw []byte) (record, error) {
	if len(raw) < 4 {
		return record{}, xerrors.New(xerrors.EINVAL, "filetx: truncated record")
	}
	nlen := int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16 | int(raw[3])<<24
	if 4+nlen > len(raw) {
		return record{}, xerrors.New(xerrors.EINVAL, "filetx: truncated record name")
	}
	return record{name: string(raw[4 : 4+nlen]), data: raw[4+nlen:]}, nil
}

func (m *Manager) applyRecord(raw []byte) error {
	rec, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, rec.name), rec.data, 0644)
}

// TxStart begins a new transaction; only one transaction may be open
// on a Manager at a time.
func (m *Manager) TxStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return xerrors.New(xerrors.EBUSY, "filetx: transaction already open")
	}
	m.open = true
	m.buffers = make(map[string][]byte)
	return nil
}

// Write stages name's full new contents within the open transaction.
// name is relative to the Manager's directory.
func (m *Manager) Write(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return xerrors.New(xerrors.EINVAL, "filetx: no transaction open")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.buffers[name] = cp
	return nil
}

// Read returns the transaction's pending contents for name if staged,
// otherwise falls back to the committed file on disk.
func (m *Manager) Read(name string) ([]byte, error) {
	m.mu.Lock()
	if m.open {
		if data, ok := m.buffers[name]; ok {
			m.mu.Unlock()
			return data, nil
		}
	}
	m.mu.Unlock()
	return os.ReadFile(filepath.Join(m.dir, name))
}

// RegisterPreEnd adds a hook run, in registration order, just before
// TxEnd commits; it returns an id usable with UnregisterPreEnd.
func (m *Manager) RegisterPreEnd(fn func() error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHook++
	id := m.nextHook
	m.preEnd = append(m.preEnd, preEndHook{id: id, fn: fn})
	return id
}

// UnregisterPreEnd removes a previously registered pre-end hook.
func (m *Manager) UnregisterPreEnd(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.preEnd[:0]
	for _, h := range m.preEnd {
		if h.id != id {
			out = append(out, h)
		}
	}
	m.preEnd = out
}

// TxEnd runs pre-end hooks, journals every staged write as one atomic
// commit, applies the writes to their real files, and closes the
// transaction.
func (m *Manager) TxEnd() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return xerrors.New(xerrors.EINVAL, "filetx: no transaction open")
	}
	for _, h := range m.preEnd {
		if err := h.fn(); err != nil {
			return err
		}
	}
	for name, data := range m.buffers {
		if err := m.j.Append(encodeRecord(name, data)); err != nil {
			return err
		}
	}
	if err := m.j.Commit(); err != nil {
		return err
	}
	for name, data := range m.buffers {
		if err := os.WriteFile(filepath.Join(m.dir, name), data, 0644); err != nil {
			return err
		}
	}
	m.open = false
	m.buffers = nil
	return nil
}

// TxForget discards the open transaction's staged writes without
// committing them (tx_forget in the original).
func (m *Manager) TxForget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.buffers = nil
}

// TxSync fsyncs the underlying journal, the durability boundary a
// caller waits on after TxEnd if it needs to know the commit reached
// disk before proceeding.
func (m *Manager) TxSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.j.Sync()
}

// Close closes the underlying journal. It does not erase it, so any
// transactions committed but not yet reflected on disk (should not
// happen in normal operation, since TxEnd applies writes immediately
// after commit) remain replayable.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.j.Close()
}
