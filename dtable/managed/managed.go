// Package managed implements managed_dtable (spec.md §4.9): the LSM
// controller that turns one writable journal_dtable "tip" plus an
// ordered stack of immutable levels into a single logical dtable,
// digesting the tip into a new level and combining levels together as
// configured. Grounded on spec.md §4.9/§6/§9 directly (managed_dtable
// is the one module the retrieved original_source set did not include
// source for; its md_meta layout, digest/combine/maintenance
// algorithms, and the background-worker/doomed-dtable reimplementation
// notes come straight from the spec's own description of them), built
// on dtable/overlay (the view combining tip+levels), dtable/journaldtable
// (the tip), filetx (md_meta's crash-safe writes), and sysjournal (the
// shared durability log every tip writes through).
package managed

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/journaldtable"
	"github.com/dtablekv/dtablekv/dtable/overlay"
	"github.com/dtablekv/dtablekv/filetx"
	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/sysjournal"
)

const metaFileName = "md_meta"

// Config collects a managed dtable's tuning knobs (spec.md §4.9).
type Config struct {
	Base     dtable.Config // format for combine-produced (non-fastbase) levels
	Fastbase dtable.Config // format for digest-produced (fastbase) levels

	DigestSize      int           // tip size that triggers an implicit digest after Insert
	DigestInterval  time.Duration // Maintain's digest clock
	CombineInterval time.Duration // Maintain's combine clock
	CombineCount    int           // max consecutive same-kind levels combined per maintenance pass

	Autocombine             bool
	AutocombineDigests      int // combine once this many digests piled up without a combine
	AutocombineCombineCount int // combine once the level stack is this deep

	DigestOnClose bool
}

func (c Config) baseCfg(fastbase bool) dtable.Config {
	if fastbase {
		return c.Fastbase
	}
	return c.Base
}

type level struct {
	id         uint32
	isFastbase bool
	dt         dtable.DTable
	dir        string

	mu      sync.Mutex
	refs    int
	retired bool
}

// ManagedDTable is the LSM controller: one mutable tip plus an
// ordered, oldest-first stack of immutable levels, exposed as a single
// dtable.WritableDTable over their overlay.
type ManagedDTable struct {
	mu      sync.Mutex
	dir     string
	cfg     Config
	keyType dtable.KeyType
	cmp     dtable.BlobComparator
	sj      *sysjournal.SysJournal
	wh      *Warehouse
	ftx     *filetx.Manager

	listenerID sysjournal.ListenerID
	tip        *journaldtable.Table
	levels     []*level // oldest first
	view       *overlay.Table

	ddtNext uint32

	digestLast, digestNext   int64
	combineLast, combineNext int64
	digestsSinceCombine      int

	txs      map[int]*journaldtable.Table
	nextTxID int

	bg *worker
}

func levelDirName(id uint32) string { return fmt.Sprintf("md_data.%d", id) }

// rebuildViewLocked rebuilds the newest-first overlay every structural
// change (digest, combine, tx commit) must refresh. Callers that
// already hold a reference to the previous m.view keep a valid,
// unaffected snapshot: this never mutates an existing *overlay.Table.
func (m *ManagedDTable) rebuildViewLocked() {
	layers := make([]dtable.DTable, 0, len(m.levels)+1)
	layers = append(layers, m.tip)
	for i := len(m.levels) - 1; i >= 0; i-- {
		layers = append(layers, m.levels[i].dt)
	}
	m.view = overlay.New(layers, m.keyType, m.cmp)
}

func (m *ManagedDTable) writeMetaLocked() error {
	lvls := make([]LevelMeta, len(m.levels))
	for i, lv := range m.levels {
		lvls[i] = LevelMeta{ID: lv.id, IsFastbase: lv.isFastbase}
	}
	autocombine := uint32(0)
	if m.cfg.Autocombine {
		autocombine = 1
	}
	mf := metaFile{
		keyType:                 m.keyType,
		combineCount:            uint8(m.cfg.CombineCount),
		listenerID:              uint32(m.listenerID),
		ddtNext:                 m.ddtNext,
		digestLast:              m.digestLast,
		digestNext:              m.digestNext,
		combineLast:             m.combineLast,
		combineNext:             m.combineNext,
		autocombine:             autocombine,
		autocombineDigests:      uint32(m.cfg.AutocombineDigests),
		autocombineDigestCount:  0,
		autocombineCombineCount: uint32(m.cfg.AutocombineCombineCount),
		levels:                  lvls,
	}
	return m.ftx.Write(metaFileName, encodeMeta(mf))
}

// Create initializes a brand-new managed dtable rooted at dir, using
// sj (the directory's shared system journal) for the tip's durability
// and wh to register the tip so future sysjournal replay can reach it.
func Create(dir string, sj *sysjournal.SysJournal, wh *Warehouse, cfg Config, keyType dtable.KeyType, cmp dtable.BlobComparator) (*ManagedDTable, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	ftxm, err := filetx.Init(dir)
	if err != nil {
		return nil, err
	}

	listenerID := sj.GetUniqueID(false)
	tip := journaldtable.New(keyType, cmp, sj, listenerID)
	wh.Register(tip)

	now := time.Now().Unix()
	m := &ManagedDTable{
		dir: dir, cfg: cfg, keyType: keyType, cmp: cmp, sj: sj, wh: wh, ftx: ftxm,
		listenerID: listenerID, tip: tip,
		digestLast: now, combineLast: now,
		txs: make(map[int]*journaldtable.Table),
	}
	m.rebuildViewLocked()

	if err := ftxm.TxStart(); err != nil {
		return nil, err
	}
	if err := m.writeMetaLocked(); err != nil {
		ftxm.TxForget()
		return nil, err
	}
	if err := ftxm.TxEnd(); err != nil {
		return nil, err
	}
	return m, nil
}

// Prep is the first half of a two-phase Open, needed because a
// managed dtable's tip must be registered in the shared warehouse
// *before* sysjournal.SpawnInit replays the directory's journal into
// it (spec.md §4.9/§6's shared sys_journal). OpenPrepare reads
// md_meta and constructs the tip (without a journal attached yet, so
// it can absorb replay before it's able to write); FinishOpen attaches
// the now-replayed journal and opens the on-disk levels.
type Prep struct {
	dir     string
	meta    metaFile
	tip     *journaldtable.Table
	keyType dtable.KeyType
	cmp     dtable.BlobComparator
	ftx     *filetx.Manager
}

// ListenerID is the tip's listener id, for a caller that wants to
// cross-check directory scans against md_meta contents.
func (p *Prep) ListenerID() sysjournal.ListenerID { return sysjournal.ListenerID(p.meta.listenerID) }

// Tip returns the not-yet-journaled tip, for registration with the
// shared Warehouse before SpawnInit runs.
func (p *Prep) Tip() *journaldtable.Table { return p.tip }

// OpenPrepare reads dir's md_meta and constructs its tip.
func OpenPrepare(dir string, keyType dtable.KeyType, cmp dtable.BlobComparator) (*Prep, error) {
	ftxm, err := filetx.Init(dir)
	if err != nil {
		return nil, err
	}
	raw, err := ftxm.Read(metaFileName)
	if err != nil {
		return nil, err
	}
	mf, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}
	tip := journaldtable.New(keyType, cmp, nil, sysjournal.ListenerID(mf.listenerID))
	return &Prep{dir: dir, meta: mf, tip: tip, keyType: keyType, cmp: cmp, ftx: ftxm}, nil
}

// FinishOpen attaches sj (now fully replayed) to p's tip, opens every
// on-disk level named in md_meta, and returns the live ManagedDTable.
func FinishOpen(p *Prep, sj *sysjournal.SysJournal, wh *Warehouse, cfg Config) (*ManagedDTable, error) {
	p.tip.AttachJournal(sj)

	levels := make([]*level, len(p.meta.levels))
	for i, lm := range p.meta.levels {
		baseCfg := cfg.baseCfg(lm.IsFastbase)
		levelDir := filepath.Join(p.dir, levelDirName(lm.ID))
		dt, err := dtable.OpenNamed(baseCfg, levelDir, "level", p.keyType)
		if err != nil {
			for _, opened := range levels[:i] {
				closeIfCloser(opened.dt)
			}
			return nil, err
		}
		levels[i] = &level{id: lm.ID, isFastbase: lm.IsFastbase, dt: dt, dir: levelDir}
	}

	m := &ManagedDTable{
		dir: p.dir, cfg: cfg, keyType: p.keyType, cmp: p.cmp, sj: sj, wh: wh, ftx: p.ftx,
		listenerID: p.ListenerID(), tip: p.tip, levels: levels, ddtNext: p.meta.ddtNext,
		digestLast: p.meta.digestLast, digestNext: p.meta.digestNext,
		combineLast: p.meta.combineLast, combineNext: p.meta.combineNext,
		txs: make(map[int]*journaldtable.Table),
	}
	m.rebuildViewLocked()
	return m, nil
}

func closeIfCloser(d dtable.DTable) {
	if c, ok := d.(interface{ Close() error }); ok {
		c.Close()
	}
}

// Close stops the background worker (if any), optionally digests a
// non-empty tip (cfg.DigestOnClose), and closes every open level and
// the filetx manager. It does not close sj, which a directory's other
// managed dtables may still be using.
func (m *ManagedDTable) Close() error {
	m.StopBackground()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.DigestOnClose && m.tip.Size() > 0 {
		if err := m.digestLocked(); err != nil {
			return err
		}
	}
	for _, lv := range m.levels {
		closeIfCloser(lv.dt)
	}
	m.wh.Unregister(m.listenerID)
	return m.ftx.Close()
}

// --- dtable.DTable / dtable.WritableDTable surface ---

// ListenerID returns the tip's current sysjournal listener id. This
// changes across a Digest and across a Combine that folds in the tip
// (the tip takes a freshly allocated id and the old one is
// unregistered from the warehouse), so a caller tracking it for
// journal-compaction purposes (package store) must re-read it rather
// than cache it across structural operations.
func (m *ManagedDTable) ListenerID() sysjournal.ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listenerID
}

// CurrentState exposes the tip's live keys and a point-in-time lookup
// closure, the shape sysjournal.Filter's currentState callback needs
// when a store compacts the shared system journal.
func (m *ManagedDTable) CurrentState() ([]dtable.Key, func(dtable.Key) (dtable.Blob, bool)) {
	m.mu.Lock()
	tip := m.tip
	m.mu.Unlock()
	return tip.Snapshot()
}

func (m *ManagedDTable) KeyType() dtable.KeyType               { return m.keyType }
func (m *ManagedDTable) BlobComparator() dtable.BlobComparator { return m.cmp }
func (m *ManagedDTable) CmpName() string {
	if m.cmp != nil {
		return m.cmp.Name()
	}
	return ""
}
func (m *ManagedDTable) Writable() bool { return true }

func (m *ManagedDTable) SetBlobCmp(cmp dtable.BlobComparator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.view.SetBlobCmp(cmp); err != nil {
		return err
	}
	m.cmp = cmp
	return nil
}

// Insert forwards to the tip (spec.md §4.9): a no-op if blob is a
// tombstone and key isn't present anywhere in the stack; otherwise
// appended to the tip, triggering a digest once the tip crosses
// cfg.DigestSize.
func (m *ManagedDTable) Insert(key dtable.Key, blob dtable.Blob, appendValue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !blob.Exists() {
		found, _, err := m.view.Present(key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
	}
	if err := m.tip.Insert(key, blob, appendValue); err != nil {
		return err
	}
	if m.cfg.DigestSize > 0 && m.tip.Size() >= m.cfg.DigestSize {
		return m.digestLocked()
	}
	return nil
}

// Remove is a no-op if key has no entry anywhere in the stack
// (including a level it would otherwise need a fresh tombstone to
// shadow); otherwise it appends a tombstone to the tip.
func (m *ManagedDTable) Remove(key dtable.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found, _, err := m.view.Present(key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return m.tip.Remove(key)
}

func (m *ManagedDTable) Lookup(key dtable.Key) (dtable.Blob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view.Lookup(key)
}

func (m *ManagedDTable) Present(key dtable.Key) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view.Present(key)
}

// Maintain runs a non-forced maintenance pass; it matches
// dtable.DTable's Maintain method so a ManagedDTable can stand in
// wherever a plain DTable is expected.
func (m *ManagedDTable) Maintain() error { return m.MaintainForce(false) }

// pinnedIterator wraps the overlay iterator returned by Iterator,
// pinning every level referenced at creation time so a combine that
// retires one of them defers its physical destruction until Close is
// called — the Go stand-in for the original's ownership-handle
// doomed-dtable pin (spec.md §9): Go has no destructors, so the pin is
// released explicitly rather than on drop.
type pinnedIterator struct {
	dtable.Iterator
	m        *ManagedDTable
	pins     []*level
	released bool
}

func (it *pinnedIterator) Close() error {
	if it.released {
		return nil
	}
	it.released = true
	for _, lv := range it.pins {
		it.m.releaseLevel(lv)
	}
	return nil
}

func (m *ManagedDTable) releaseLevel(lv *level) {
	lv.mu.Lock()
	lv.refs--
	dead := lv.retired && lv.refs <= 0
	lv.mu.Unlock()
	if dead {
		destroyLevel(lv)
	}
}

func destroyLevel(lv *level) {
	closeIfCloser(lv.dt)
	os.RemoveAll(lv.dir)
}

// Iterator returns the overlay's merged iterator over tip+levels,
// pinning every level currently in the stack. Callers should Close
// the returned iterator (it implements io.Closer) once done with it so
// a subsequent combine can actually reclaim retired levels' disk
// space; an unclosed iterator simply keeps them alive longer.
func (m *ManagedDTable) Iterator() (dtable.Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.view.Iterator()
	if err != nil {
		return nil, err
	}
	pins := make([]*level, len(m.levels))
	for i, lv := range m.levels {
		lv.mu.Lock()
		lv.refs++
		lv.mu.Unlock()
		pins[i] = lv
	}
	return &pinnedIterator{Iterator: it, m: m, pins: pins}, nil
}

// --- digest ---

// Digest performs a single-layer combine of the tip alone into a new
// immutable level (spec.md §4.9).
func (m *ManagedDTable) Digest() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digestLocked()
}

func (m *ManagedDTable) digestLocked() error {
	srcIter, err := m.tip.Iterator()
	if err != nil {
		return err
	}

	// A digest folds the tip into a new level over an empty disk-level
	// range (anvil: managed_dtable.h's digest_internal calls
	// combine(disks.size(), disks.size(), ...), an empty range with the
	// journal implicitly included), so its shadow is the same "every
	// level below the range" the general combine uses: here, every
	// level currently on disk. A nil shadow would make IterateForCreate
	// elide every tombstone in the tip, resurrecting any key an older
	// level still holds.
	var shadow dtable.DTable
	if len(m.levels) > 0 {
		shadowLayers := make([]dtable.DTable, 0, len(m.levels))
		for i := len(m.levels) - 1; i >= 0; i-- {
			shadowLayers = append(shadowLayers, m.levels[i].dt)
		}
		shadow = overlay.New(shadowLayers, m.keyType, m.cmp)
	}

	ddtID := m.ddtNext
	m.ddtNext++
	levelDir := filepath.Join(m.dir, levelDirName(ddtID))
	baseCfg := m.cfg.baseCfg(true)
	if err := dtable.CreateNamed(baseCfg, levelDir, "level", m.keyType, srcIter, shadow); err != nil {
		return err
	}
	newDT, err := dtable.OpenNamed(baseCfg, levelDir, "level", m.keyType)
	if err != nil {
		os.RemoveAll(levelDir)
		return err
	}
	newLevel := &level{id: ddtID, isFastbase: true, dt: newDT, dir: levelDir}

	newListenerID := m.sj.GetUniqueID(false)
	newTip := journaldtable.New(m.keyType, m.cmp, m.sj, newListenerID)
	m.wh.Register(newTip)

	oldListenerID := m.listenerID
	oldLevels := m.levels
	oldTip := m.tip

	if err := m.ftx.TxStart(); err != nil {
		m.wh.Unregister(newListenerID)
		closeIfCloser(newDT)
		os.RemoveAll(levelDir)
		return err
	}
	m.levels = append(append([]*level(nil), oldLevels...), newLevel)
	m.listenerID = newListenerID
	m.tip = newTip
	m.rebuildViewLocked()
	if err := m.writeMetaLocked(); err != nil {
		m.ftx.TxForget()
		m.levels = oldLevels
		m.listenerID = oldListenerID
		newTip.Discard() // newTip never received any writes yet
		m.tip = oldTip
		m.wh.Unregister(newListenerID)
		m.rebuildViewLocked()
		closeIfCloser(newDT)
		os.RemoveAll(levelDir)
		return err
	}
	if err := m.ftx.TxEnd(); err != nil {
		return err
	}

	m.wh.Unregister(oldListenerID)
	return nil
}

// --- combine ---

// Combine builds a single new immutable level from levels[first:last]
// (a half-open range over the oldest-first level list), optionally
// including the current tip, eliding tombstones against
// levels[:first] (spec.md §4.9's k-way combine). fastbase selects
// which of cfg.Base/cfg.Fastbase produces the merged level; the spec's
// maintenance-triggered combine always passes false.
func (m *ManagedDTable) Combine(first, last int, includeTip bool, fastbase bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.combineLocked(first, last, includeTip, fastbase)
}

func (m *ManagedDTable) combineLocked(first, last int, includeTip bool, fastbase bool) error {
	if first < 0 || last < first || last > len(m.levels) {
		return xerrors.New(xerrors.EINVAL, "managed: combine range out of bounds")
	}

	sourceLayers := make([]dtable.DTable, 0, last-first+1)
	if includeTip {
		sourceLayers = append(sourceLayers, m.tip)
	}
	for i := last - 1; i >= first; i-- {
		sourceLayers = append(sourceLayers, m.levels[i].dt)
	}
	source := overlay.New(sourceLayers, m.keyType, m.cmp)

	var shadow dtable.DTable
	if first > 0 {
		shadowLayers := make([]dtable.DTable, 0, first)
		for i := first - 1; i >= 0; i-- {
			shadowLayers = append(shadowLayers, m.levels[i].dt)
		}
		shadow = overlay.New(shadowLayers, m.keyType, m.cmp)
	}

	srcIter, err := source.Iterator()
	if err != nil {
		return err
	}

	ddtID := m.ddtNext
	m.ddtNext++
	levelDir := filepath.Join(m.dir, levelDirName(ddtID))
	baseCfg := m.cfg.baseCfg(fastbase)
	if err := dtable.CreateNamed(baseCfg, levelDir, "level", m.keyType, srcIter, shadow); err != nil {
		return err
	}
	newDT, err := dtable.OpenNamed(baseCfg, levelDir, "level", m.keyType)
	if err != nil {
		os.RemoveAll(levelDir)
		return err
	}
	newLevel := &level{id: ddtID, isFastbase: fastbase, dt: newDT, dir: levelDir}

	retired := append([]*level(nil), m.levels[first:last]...)
	newLevels := make([]*level, 0, len(m.levels)-(last-first)+1)
	newLevels = append(newLevels, m.levels[:first]...)
	newLevels = append(newLevels, newLevel)
	newLevels = append(newLevels, m.levels[last:]...)

	oldLevels := m.levels
	oldListenerID := m.listenerID
	oldTip := m.tip
	var newTip *journaldtable.Table
	var newListenerID sysjournal.ListenerID
	if includeTip {
		newListenerID = m.sj.GetUniqueID(false)
		newTip = journaldtable.New(m.keyType, m.cmp, m.sj, newListenerID)
		m.wh.Register(newTip)
	}

	rollback := func() {
		m.levels = oldLevels
		if includeTip {
			m.listenerID = oldListenerID
			m.tip = oldTip
			m.wh.Unregister(newListenerID)
		}
		m.rebuildViewLocked()
		closeIfCloser(newDT)
		os.RemoveAll(levelDir)
	}

	if err := m.ftx.TxStart(); err != nil {
		rollback()
		return err
	}
	m.levels = newLevels
	if includeTip {
		m.listenerID = newListenerID
		m.tip = newTip
	}
	m.rebuildViewLocked()
	if err := m.writeMetaLocked(); err != nil {
		m.ftx.TxForget()
		rollback()
		return err
	}
	if err := m.ftx.TxEnd(); err != nil {
		rollback()
		return err
	}

	for _, lv := range retired {
		m.retireLevel(lv)
	}
	if includeTip {
		m.wh.Unregister(oldListenerID)
	}
	return nil
}

func (m *ManagedDTable) retireLevel(lv *level) {
	lv.mu.Lock()
	lv.retired = true
	dead := lv.refs <= 0
	lv.mu.Unlock()
	if dead {
		destroyLevel(lv)
	}
}

// --- maintenance ---

// MaintainForce runs the digest-clock and combine-clock checks
// (spec.md §4.9): digest the tip if force or cfg.DigestInterval has
// elapsed since the last digest; then, if a combine is due (by clock
// or by cfg.Autocombine's accumulated-digests/stack-depth policy),
// combine the tail run of same-kind levels.
func (m *ManagedDTable) MaintainForce(force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maintainLocked(force)
}

func (m *ManagedDTable) maintainLocked(force bool) error {
	now := time.Now().Unix()

	digestDue := force
	if m.cfg.DigestInterval > 0 && now-m.digestLast >= int64(m.cfg.DigestInterval/time.Second) {
		digestDue = true
	}
	if digestDue && m.tip.Size() > 0 {
		if err := m.digestLocked(); err != nil {
			return err
		}
		m.digestLast = now
		m.digestsSinceCombine++
	}

	combineDue := force
	if m.cfg.CombineInterval > 0 && now-m.combineLast >= int64(m.cfg.CombineInterval/time.Second) {
		combineDue = true
	}
	if m.cfg.Autocombine {
		if m.cfg.AutocombineDigests > 0 && m.digestsSinceCombine >= m.cfg.AutocombineDigests {
			combineDue = true
		}
		if m.cfg.AutocombineCombineCount > 0 && len(m.levels) >= m.cfg.AutocombineCombineCount {
			combineDue = true
		}
	}
	if combineDue {
		if first, last, ok := m.pickCombineWindowLocked(); ok {
			if err := m.combineLocked(first, last, false, false); err != nil {
				return err
			}
			m.combineLast = now
			m.digestsSinceCombine = 0
		}
	}
	return nil
}

// pickCombineWindowLocked selects the combine window spec.md §4.9
// describes: the tail of the level list made of up to cfg.CombineCount
// consecutive levels sharing the same is_fastbase kind.
func (m *ManagedDTable) pickCombineWindowLocked() (first, last int, ok bool) {
	n := len(m.levels)
	if n < 2 {
		return 0, 0, false
	}
	windowCap := m.cfg.CombineCount
	if windowCap <= 0 {
		windowCap = n
	}
	kind := m.levels[n-1].isFastbase
	count := 1
	for i := n - 2; i >= 0 && count < windowCap && m.levels[i].isFastbase == kind; i-- {
		count++
	}
	if count < 2 {
		return 0, 0, false
	}
	return n - count, n, true
}

// --- abortable transactions ---

// CreateTx allocates a temp journal-dtable registered under a
// temporary listener id; Lookup/Insert/Iterator routed through atx see
// an overlay of that temp tip over the main view (spec.md §4.9).
func (m *ManagedDTable) CreateTx() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextTxID
	m.nextTxID++
	tempID := m.sj.GetUniqueID(true)
	tmp := journaldtable.NewTemp(m.keyType, m.cmp, m.sj, tempID)
	m.wh.Register(tmp)
	m.txs[id] = tmp
	return id, nil
}

func (m *ManagedDTable) txView(id int) (*overlay.Table, *journaldtable.Table, error) {
	tmp, ok := m.txs[id]
	if !ok {
		return nil, nil, xerrors.Newf(xerrors.EINVAL, "managed: unknown transaction %d", id)
	}
	return overlay.New([]dtable.DTable{tmp, m.view}, m.keyType, m.cmp), tmp, nil
}

// InsertTx inserts key/blob visible only within transaction id until
// CommitTx rolls it into the main tip.
func (m *ManagedDTable) InsertTx(id int, key dtable.Key, blob dtable.Blob, appendValue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, tmp, err := m.txView(id)
	if err != nil {
		return err
	}
	return tmp.Insert(key, blob, appendValue)
}

// LookupTx looks key up through transaction id's overlay over the main
// view.
func (m *ManagedDTable) LookupTx(id int, key dtable.Key) (dtable.Blob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	view, _, err := m.txView(id)
	if err != nil {
		return dtable.Blob{}, false, err
	}
	return view.Lookup(key)
}

// IteratorTx returns an iterator over transaction id's overlay view.
func (m *ManagedDTable) IteratorTx(id int) (dtable.Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	view, _, err := m.txView(id)
	if err != nil {
		return nil, err
	}
	return view.Iterator()
}

// CommitTx rolls every record transaction id recorded into the main
// tip, then discards the temp journal-dtable.
func (m *ManagedDTable) CommitTx(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmp, ok := m.txs[id]
	if !ok {
		return xerrors.Newf(xerrors.EINVAL, "managed: unknown transaction %d", id)
	}
	it, err := tmp.Iterator()
	if err != nil {
		return err
	}
	ok2, err := it.First()
	for ok2 {
		if err != nil {
			return err
		}
		k := it.Key()
		v, err := it.Value()
		if err != nil {
			return err
		}
		if err := m.tip.Insert(k, v, false); err != nil {
			return err
		}
		ok2, err = it.Next()
	}
	delete(m.txs, id)
	m.wh.Unregister(tmp.ID())
	tmp.Discard()
	return nil
}

// AbortTx discards transaction id's recorded writes without applying
// them.
func (m *ManagedDTable) AbortTx(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmp, ok := m.txs[id]
	if !ok {
		return xerrors.Newf(xerrors.EINVAL, "managed: unknown transaction %d", id)
	}
	delete(m.txs, id)
	m.wh.Unregister(tmp.ID())
	tmp.Discard()
	return nil
}
