package managed

import "sync"

// worker is the optional single dedicated background goroutine per
// managed dtable (spec.md §4.9/§9), fed by an MPSC channel. The token
// is m.mu itself: every message the worker processes calls the same
// public methods the foreground API uses, and each of those holds m.mu
// for the whole operation, including the expensive create/open of a
// digest or combine. A foreground call made while the worker is mid-
// operation blocks until that operation finishes; BackgroundLoan does
// not release m.mu.
type worker struct {
	m       *ManagedDTable
	msgs    chan workMsg
	done    chan struct{}
	pending sync.WaitGroup
}

type workMsgKind int

const (
	msgMaintain workMsgKind = iota
	msgCombine
	msgStop
)

type workMsg struct {
	kind       workMsgKind
	force      bool
	first      int
	last       int
	includeTip bool
	fastbase   bool
	reply      chan error
}

// StartBackground spawns this managed dtable's single worker goroutine.
// A no-op if one is already running.
func (m *ManagedDTable) StartBackground() {
	m.mu.Lock()
	if m.bg != nil {
		m.mu.Unlock()
		return
	}
	w := &worker{m: m, msgs: make(chan workMsg, 16), done: make(chan struct{})}
	m.bg = w
	m.mu.Unlock()

	go w.run()
}

func (w *worker) run() {
	defer close(w.done)
	for msg := range w.msgs {
		var err error
		switch msg.kind {
		case msgMaintain:
			err = w.m.MaintainForce(msg.force)
		case msgCombine:
			err = w.m.Combine(msg.first, msg.last, msg.includeTip, msg.fastbase)
		case msgStop:
			if msg.reply != nil {
				msg.reply <- nil
			}
			return
		}
		if msg.reply != nil {
			msg.reply <- err
		}
	}
}

// StopBackground asks the worker to exit and waits for it to do so.
// A no-op if no worker is running.
func (m *ManagedDTable) StopBackground() {
	m.mu.Lock()
	w := m.bg
	m.mu.Unlock()
	if w == nil {
		return
	}
	reply := make(chan error, 1)
	w.msgs <- workMsg{kind: msgStop, reply: reply}
	<-reply
	close(w.msgs)
	<-w.done

	m.mu.Lock()
	m.bg = nil
	m.mu.Unlock()
}

// EnqueueMaintain queues a maintenance pass on the background worker,
// returning a handle BackgroundJoin can wait on.
func (m *ManagedDTable) EnqueueMaintain(force bool) *BGHandle {
	return m.enqueue(workMsg{kind: msgMaintain, force: force})
}

// EnqueueCombine queues a combine on the background worker.
func (m *ManagedDTable) EnqueueCombine(first, last int, includeTip, fastbase bool) *BGHandle {
	return m.enqueue(workMsg{kind: msgCombine, first: first, last: last, includeTip: includeTip, fastbase: fastbase})
}

func (m *ManagedDTable) enqueue(msg workMsg) *BGHandle {
	m.mu.Lock()
	w := m.bg
	m.mu.Unlock()
	if w == nil {
		// No background worker: run inline, matching the spec's
		// "non-background variants run inline" (spec.md §4.9).
		var err error
		switch msg.kind {
		case msgMaintain:
			err = m.MaintainForce(msg.force)
		case msgCombine:
			err = m.Combine(msg.first, msg.last, msg.includeTip, msg.fastbase)
		}
		return &BGHandle{done: true, err: err}
	}
	reply := make(chan error, 1)
	msg.reply = reply
	w.pending.Add(1)
	w.msgs <- msg
	return &BGHandle{worker: w, reply: reply}
}

// BGHandle is the reply-message return value spec.md §7 describes:
// "background worker errors captured as reply-message return value,
// surfaced on background_join."
type BGHandle struct {
	worker *worker
	reply  chan error
	done   bool
	err    error
}

// BackgroundJoin blocks until the enqueued operation completes and
// returns its error.
func (h *BGHandle) BackgroundJoin() error {
	if h.done {
		return h.err
	}
	err := <-h.reply
	h.worker.pending.Done()
	h.done, h.err = true, err
	return err
}

// BackgroundLoan is the Go stand-in for the original's periodic
// token release/reacquire during a long background operation (spec.md
// §9). It is a no-op: this port's bg_token is m.mu, which a digest or
// combine holds from start to finish, so a foreground method called
// while a background operation is in flight waits for it to complete.
// Provided so calling code written against the original's loan/join
// protocol has somewhere to put the call.
func (m *ManagedDTable) BackgroundLoan() {}
