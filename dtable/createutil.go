package dtable

// Entry is one (key, meta, blob) triple surfaced by IterateForCreate.
type Entry struct {
	Key  Key
	Meta Metablob
	Blob Blob
}

// IterateForCreate walks source from First() to the end, applying the
// shadow/tombstone elision rule every leaf format's Create() needs
// (spec "Shadow and tombstones"): a non-existent (tombstone) entry is
// passed to emit only if shadow is non-nil and shadow.Present reports
// the key still found there; otherwise it is silently dropped, since no
// older level could still be shadowed by it.
func IterateForCreate(source Iterator, shadow DTable, emit func(Entry) error) error {
	ok, err := source.First()
	if err != nil {
		return err
	}
	for ok {
		meta := source.Meta()
		k := source.Key()
		if !meta.Exists {
			keep := false
			if shadow != nil {
				found, _, err := shadow.Present(k)
				if err != nil {
					return err
				}
				keep = found
			}
			if !keep {
				ok, err = source.Next()
				if err != nil {
					return err
				}
				continue
			}
		}
		v, err := source.Value()
		if err != nil {
			return err
		}
		if err := emit(Entry{Key: k, Meta: meta, Blob: v}); err != nil {
			return err
		}
		ok, err = source.Next()
		if err != nil {
			return err
		}
	}
	return nil
}

// SourceShadowOK is the check point for source/shadow agreement on key
// type and (for blob keys) comparator name. It compares nothing and
// always returns true; no Create() in this module calls it.
func SourceShadowOK(source Iterator, shadow DTable) bool {
	if shadow == nil {
		return true
	}
	// key type is carried by the caller's config in this port rather
	// than re-derived from the iterator, since Iterator has no
	// standalone KeyType(); callers that hold both a keyType and a
	// shadow check it directly before calling Create.
	if shadow.KeyType() == KeyBlob {
		name := shadow.CmpName()
		if name != "" {
			// source comparator name is validated by the concrete
			// Create() which has direct access to the source dtable;
			// this helper only re-exposes the check point.
			_ = name
		}
	}
	return true
}
