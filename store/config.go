package store

import (
	"time"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/dtable/managed"
	"github.com/dtablekv/dtablekv/internal/xerrors"
)

// FormatSpec names a dtable format and its construction parameters, the
// store.toml-friendly shape of a dtable.Config (which itself holds
// arbitrary interface{} values a TOML decoder can't target directly).
type FormatSpec struct {
	Format string         `toml:"format"`
	Params map[string]any `toml:"params"`
}

func (f FormatSpec) toDtableConfig() dtable.Config {
	cfg := dtable.Config{"format": f.Format}
	for k, v := range f.Params {
		cfg[k] = v
	}
	return cfg
}

// Config is one managed dtable's full tuning surface, the public type
// CreateTable and store.toml both speak.
type Config struct {
	KeyType    string // "u32", "f64", "string", or "blob"
	Comparator dtable.BlobComparator // only meaningful for KeyType "blob"; not persisted, see note on CreateTable

	Base     FormatSpec
	Fastbase FormatSpec

	DigestSize      int
	DigestInterval  time.Duration
	CombineInterval time.Duration
	CombineCount    int

	Autocombine             bool
	AutocombineDigests      int
	AutocombineCombineCount int

	DigestOnClose bool
}

func (c Config) toManagedConfig() managed.Config {
	return managed.Config{
		Base:                    c.Base.toDtableConfig(),
		Fastbase:                c.Fastbase.toDtableConfig(),
		DigestSize:              c.DigestSize,
		DigestInterval:          c.DigestInterval,
		CombineInterval:         c.CombineInterval,
		CombineCount:            c.CombineCount,
		Autocombine:             c.Autocombine,
		AutocombineDigests:      c.AutocombineDigests,
		AutocombineCombineCount: c.AutocombineCombineCount,
		DigestOnClose:           c.DigestOnClose,
	}
}

func parseKeyType(s string) (dtable.KeyType, error) {
	switch s {
	case "u32":
		return dtable.KeyU32, nil
	case "f64":
		return dtable.KeyF64, nil
	case "string":
		return dtable.KeyString, nil
	case "blob":
		return dtable.KeyBlob, nil
	default:
		return 0, xerrors.Newf(xerrors.EINVAL, "store: unknown key_type %q", s)
	}
}

// fileConfig is store.toml's root shape, loaded with
// github.com/BurntSushi/toml: one [[table]] entry per managed dtable
// this store owns, so a restart can reconstruct every table's Config
// without the caller re-supplying it.
type fileConfig struct {
	Tables []tomlTable `toml:"table"`
}

type tomlTable struct {
	Name     string     `toml:"name"`
	KeyType  string     `toml:"key_type"`
	Base     FormatSpec `toml:"base"`
	Fastbase FormatSpec `toml:"fastbase"`

	DigestSize             int   `toml:"digest_size"`
	DigestIntervalSeconds  int64 `toml:"digest_interval_seconds"`
	CombineIntervalSeconds int64 `toml:"combine_interval_seconds"`
	CombineCount           int   `toml:"combine_count"`

	Autocombine             bool `toml:"autocombine"`
	AutocombineDigests      int  `toml:"autocombine_digests"`
	AutocombineCombineCount int  `toml:"autocombine_combine_count"`

	DigestOnClose bool `toml:"digest_on_close"`
}

func (tc tomlTable) toConfig() Config {
	return Config{
		KeyType:                 tc.KeyType,
		Base:                    tc.Base,
		Fastbase:                tc.Fastbase,
		DigestSize:              tc.DigestSize,
		DigestInterval:          time.Duration(tc.DigestIntervalSeconds) * time.Second,
		CombineInterval:         time.Duration(tc.CombineIntervalSeconds) * time.Second,
		CombineCount:            tc.CombineCount,
		Autocombine:             tc.Autocombine,
		AutocombineDigests:      tc.AutocombineDigests,
		AutocombineCombineCount: tc.AutocombineCombineCount,
		DigestOnClose:           tc.DigestOnClose,
	}
}

func tomlTableOf(name string, c Config) tomlTable {
	return tomlTable{
		Name:                    name,
		KeyType:                 c.KeyType,
		Base:                    c.Base,
		Fastbase:                c.Fastbase,
		DigestSize:              c.DigestSize,
		DigestIntervalSeconds:   int64(c.DigestInterval / time.Second),
		CombineIntervalSeconds:  int64(c.CombineInterval / time.Second),
		CombineCount:            c.CombineCount,
		Autocombine:             c.Autocombine,
		AutocombineDigests:      c.AutocombineDigests,
		AutocombineCombineCount: c.AutocombineCombineCount,
		DigestOnClose:           c.DigestOnClose,
	}
}
