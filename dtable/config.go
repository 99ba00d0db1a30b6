package dtable

import "github.com/dtablekv/dtablekv/internal/xerrors"

// Config is the generic parameter bag passed to every format's Create
// and Open, mirroring the original's untyped "params" object: a wrapper
// dtable holds the format name of its base/alt/sub-dtable as a plain
// string field and looks up the matching factory in the Registry.
type Config map[string]any

func (c Config) String(key, def string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (c Config) Int(key string, def int) int {
	if v, ok := c[key]; ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

func (c Config) Bool(key string, def bool) bool {
	if v, ok := c[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func (c Config) Sub(key string) Config {
	if v, ok := c[key]; ok {
		if sub, ok := v.(Config); ok {
			return sub
		}
	}
	return Config{}
}

// Factory is what a leaf or wrapper format registers under its name:
// Create reads source (honoring shadow's tombstone-retention rule) into
// a new on-disk instance at dir/name; Open reopens an existing one.
type Factory struct {
	Create func(dir, name string, cfg Config, keyType KeyType, source Iterator, shadow DTable) error
	Open   func(dir, name string, cfg Config, keyType KeyType) (DTable, error)
}

var registry = map[string]Factory{}

// Register adds a format factory under name. Called from each format
// package's init().
func Register(name string, f Factory) { registry[name] = f }

// Lookup returns the factory registered under name, or an ENOSYS error
// if no such format is known.
func Lookup(name string) (Factory, error) {
	f, ok := registry[name]
	if !ok {
		return Factory{}, xerrors.Newf(xerrors.ENOSYS, "dtable: unknown format %q", name)
	}
	return f, nil
}

// CreateNamed and OpenNamed resolve cfg's "format" field through the
// Registry before delegating, the shape every wrapper uses to
// instantiate its configured base/alt/sub-dtable.
func CreateNamed(cfg Config, dir, name string, keyType KeyType, source Iterator, shadow DTable) error {
	f, err := Lookup(cfg.String("format", ""))
	if err != nil {
		return err
	}
	return f.Create(dir, name, cfg, keyType, source, shadow)
}

func OpenNamed(cfg Config, dir, name string, keyType KeyType) (DTable, error) {
	f, err := Lookup(cfg.String("format", ""))
	if err != nil {
		return nil, err
	}
	return f.Open(dir, name, cfg, keyType)
}
