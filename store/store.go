// Package store is the top-level entry point (spec.md §6's
// "Store.Init(root_path, tx_log_size) / Store.Shutdown()"): it owns one
// root directory holding a shared sysjournal.SysJournal plus however
// many managed dtables are configured to live under it, acquires the
// single-writer process lock that directory needs, and drives the
// two-phase open sequence dtable/managed's OpenPrepare/FinishOpen split
// requires across every managed dtable sharing that journal.
//
// Grounded on spec.md §6's Store section directly (no original_source
// file covers it, same as dtable/managed) plus the teacher's top-level
// wiring style for acquiring a process lock and loading a config file
// before touching any on-disk state. Libraries: github.com/gofrs/flock
// for the process lock, github.com/BurntSushi/toml for store.toml,
// go.uber.org/zap (via internal/xlog) for lifecycle logging.
package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/managed"
	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/internal/xlog"
	"github.com/dtablekv/dtablekv/sysjournal"
)

const (
	configFileName = "store.toml"
	lockFileName   = "LOCK"
	journalName    = "sys_journal"
)

// Store owns one root directory's shared system journal and the
// managed dtables rooted in it.
type Store struct {
	mu   sync.Mutex
	root string
	log  xlog.Logger

	lock *flock.Flock
	sj   *sysjournal.SysJournal
	wh   *managed.Warehouse
	tWh  *managed.Warehouse

	tables map[string]*managed.ManagedDTable
	cfgs   map[string]Config

	txLogSize int64
	closed    bool
}

// Option configures optional Init behavior.
type Option func(*Store)

// WithLogger overrides the default no-op logger.
func WithLogger(log xlog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Init opens (or creates) the store rooted at rootPath: it acquires
// rootPath's single-writer lock, loads store.toml if present, spawns
// the shared system journal, and opens every configured managed dtable
// via the OpenPrepare/FinishOpen two-phase sequence so the journal's
// replay pass always has a live warehouse to route records to.
// txLogSize bounds how large sys_journal is allowed to grow (in bytes)
// before MaintainAll triggers a compacting CompactJournal pass.
func Init(rootPath string, txLogSize int64, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, err
	}

	s := &Store{
		root:      rootPath,
		log:       xlog.Nop(),
		tables:    make(map[string]*managed.ManagedDTable),
		cfgs:      make(map[string]Config),
		txLogSize: txLogSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	lock := flock.New(filepath.Join(rootPath, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.EBUSY, err, "store: acquiring process lock")
	}
	if !ok {
		return nil, xerrors.Newf(xerrors.EBUSY, "store: %s is already open by another process", rootPath)
	}
	s.lock = lock

	fc, err := loadFileConfig(rootPath)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	s.wh = managed.NewWarehouse()
	s.tWh = managed.NewWarehouse()

	preps := make(map[string]*managed.Prep, len(fc.Tables))
	for _, tc := range fc.Tables {
		cfg := tc.toConfig()
		s.cfgs[tc.Name] = cfg
		kt, err := parseKeyType(tc.KeyType)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		dir := filepath.Join(rootPath, tc.Name)
		if _, err := os.Stat(filepath.Join(dir, "md_meta")); err == nil {
			p, err := managed.OpenPrepare(dir, kt, cfg.Comparator)
			if err != nil {
				lock.Unlock()
				return nil, xerrors.Wrapf(xerrors.EINVAL, err, "store: preparing table %q", tc.Name)
			}
			s.wh.Register(p.Tip())
			preps[tc.Name] = p
		}
	}

	sj, err := sysjournal.SpawnInit(filepath.Join(rootPath, journalName), s.wh, s.tWh, true)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	s.sj = sj

	for name, p := range preps {
		mcfg := s.cfgs[name].toManagedConfig()
		m, err := managed.FinishOpen(p, sj, s.wh, mcfg)
		if err != nil {
			s.closeOpened()
			sj.Close()
			lock.Unlock()
			return nil, xerrors.Wrapf(xerrors.EINVAL, err, "store: opening table %q", name)
		}
		s.tables[name] = m
	}
	for _, tc := range fc.Tables {
		if _, ok := s.tables[tc.Name]; ok {
			continue
		}
		cfg := s.cfgs[tc.Name]
		kt, _ := parseKeyType(tc.KeyType) // re-validated above
		dir := filepath.Join(rootPath, tc.Name)
		m, err := managed.Create(dir, sj, s.wh, cfg.toManagedConfig(), kt, cfg.Comparator)
		if err != nil {
			s.closeOpened()
			sj.Close()
			lock.Unlock()
			return nil, xerrors.Wrapf(xerrors.EINVAL, err, "store: creating configured table %q", tc.Name)
		}
		s.tables[tc.Name] = m
	}

	s.log.Info("store opened", zap.String("root", rootPath), zap.Int("tables", len(s.tables)))
	return s, nil
}

func (s *Store) closeOpened() {
	for _, m := range s.tables {
		m.Close()
	}
}

func loadFileConfig(root string) (fileConfig, error) {
	path := filepath.Join(root, configFileName)
	if _, err := os.Stat(path); err != nil {
		return fileConfig{}, nil
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fileConfig{}, xerrors.Wrap(xerrors.EINVAL, err, "store: parsing store.toml")
	}
	return fc, nil
}

func (s *Store) saveFileConfigLocked() error {
	fc := fileConfig{Tables: make([]tomlTable, 0, len(s.cfgs))}
	for name, cfg := range s.cfgs {
		fc.Tables = append(fc.Tables, tomlTableOf(name, cfg))
	}
	f, err := os.Create(filepath.Join(s.root, configFileName))
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(fc)
}

// CreateTable creates and registers a brand-new managed dtable named
// name under this store, persisting its Config to store.toml so a
// later Init reopens it automatically.
//
// cfg.Comparator is not round-tripped through store.toml (TOML cannot
// encode a Go interface value): a blob-keyed table reopened by a fresh
// Init gets a nil comparator (byte-lexicographic order) unless the
// caller calls SetBlobCmp after Init returns.
func (s *Store) CreateTable(name string, cfg Config) (*managed.ManagedDTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tables[name]; exists {
		return nil, xerrors.Newf(xerrors.EEXIST, "store: table %q already exists", name)
	}
	kt, err := parseKeyType(cfg.KeyType)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, name)
	m, err := managed.Create(dir, s.sj, s.wh, cfg.toManagedConfig(), kt, cfg.Comparator)
	if err != nil {
		return nil, err
	}
	s.tables[name] = m
	s.cfgs[name] = cfg
	if err := s.saveFileConfigLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// Table returns the managed dtable registered under name.
func (s *Store) Table(name string) (*managed.ManagedDTable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tables[name]
	return m, ok
}

// TableNames lists every table this store currently has open.
func (s *Store) TableNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names
}

// MaintainAll runs MaintainForce(force) on every open table, then
// compacts the shared system journal if it has grown past txLogSize.
func (s *Store) MaintainAll(force bool) error {
	s.mu.Lock()
	tables := make([]*managed.ManagedDTable, 0, len(s.tables))
	for _, m := range s.tables {
		tables = append(tables, m)
	}
	txLogSize := s.txLogSize
	s.mu.Unlock()

	for _, m := range tables {
		if err := m.MaintainForce(force); err != nil {
			return err
		}
	}

	if txLogSize <= 0 {
		return nil
	}
	info, err := os.Stat(s.sj.Path())
	if err != nil {
		return nil // journal file momentarily missing mid-compaction elsewhere; not fatal
	}
	if info.Size() >= txLogSize {
		return s.CompactJournal()
	}
	return nil
}

// CompactJournal rewrites the shared system journal to hold only the
// latest state of every currently-live table (spec.md §4.4's journal
// compaction), dropping records for listener ids no table's tip still
// owns. This must run across every table sharing the journal at once,
// which is why it lives here rather than inside dtable/managed: a
// single managed dtable cannot safely decide another one's records are
// dead.
func (s *Store) CompactJournal() error {
	s.mu.Lock()
	byID := make(map[sysjournal.ListenerID]*managed.ManagedDTable, len(s.tables))
	for _, m := range s.tables {
		byID[m.ListenerID()] = m
	}
	s.mu.Unlock()

	isLive := func(id sysjournal.ListenerID) bool {
		_, ok := byID[id]
		return ok
	}
	currentState := func(id sysjournal.ListenerID) ([]dtable.Key, func(dtable.Key) (dtable.Blob, bool)) {
		return byID[id].CurrentState()
	}
	return s.sj.Filter(isLive, currentState)
}

// Shutdown closes every open table, the shared system journal, and
// releases the store's process lock. Safe to call once; a second call
// is a no-op.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for name, m := range s.tables {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = xerrors.Wrapf(xerrors.EINVAL, err, "store: closing table %q", name)
		}
	}
	if err := s.sj.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.log.Info("store closed", zap.String("root", s.root))
	return firstErr
}
