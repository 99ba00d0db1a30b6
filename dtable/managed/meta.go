package managed

import (
	"encoding/binary"

	"github.com/dtablekv/dtablekv/dtable"
	"github.com/dtablekv/dtablekv/internal/xerrors"
)

// Magic and Version identify md_meta on disk (spec.md §6, verbatim).
const (
	metaMagic   = 0x784D3DB7
	metaVersion = 1
)

// LevelMeta is one persisted `(ddt_number, is_fastbase)` entry in
// md_meta's level list.
type LevelMeta struct {
	ID         uint32
	IsFastbase bool
}

// metaFile is md_meta's full decoded contents (spec.md §6): magic,
// version, key type, combine count, listener id, ddt_count/ddt_next,
// two time_t pairs (digest clock, combine clock), four u32 autocombine
// fields, then ddt_count level entries.
type metaFile struct {
	keyType      dtable.KeyType
	combineCount uint8
	listenerID   uint32
	ddtNext      uint32

	digestLast  int64
	digestNext  int64
	combineLast int64
	combineNext int64

	autocombine             uint32
	autocombineDigests      uint32
	autocombineDigestCount  uint32
	autocombineCombineCount uint32

	levels []LevelMeta
}

const metaFixedLen = 4 + 2 + 1 + 1 + 4 + 4 + 4 + 8*4 + 4*4

func encodeMeta(m metaFile) []byte {
	buf := make([]byte, metaFixedLen+len(m.levels)*5)
	p := 0
	binary.LittleEndian.PutUint32(buf[p:], metaMagic)
	p += 4
	binary.LittleEndian.PutUint16(buf[p:], metaVersion)
	p += 2
	buf[p] = byte(m.keyType)
	p++
	buf[p] = m.combineCount
	p++
	binary.LittleEndian.PutUint32(buf[p:], m.listenerID)
	p += 4
	binary.LittleEndian.PutUint32(buf[p:], uint32(len(m.levels)))
	p += 4
	binary.LittleEndian.PutUint32(buf[p:], m.ddtNext)
	p += 4
	binary.LittleEndian.PutUint64(buf[p:], uint64(m.digestLast))
	p += 8
	binary.LittleEndian.PutUint64(buf[p:], uint64(m.digestNext))
	p += 8
	binary.LittleEndian.PutUint64(buf[p:], uint64(m.combineLast))
	p += 8
	binary.LittleEndian.PutUint64(buf[p:], uint64(m.combineNext))
	p += 8
	binary.LittleEndian.PutUint32(buf[p:], m.autocombine)
	p += 4
	binary.LittleEndian.PutUint32(buf[p:], m.autocombineDigests)
	p += 4
	binary.LittleEndian.PutUint32(buf[p:], m.autocombineDigestCount)
	p += 4
	binary.LittleEndian.PutUint32(buf[p:], m.autocombineCombineCount)
	p += 4
	for _, lv := range m.levels {
		binary.LittleEndian.PutUint32(buf[p:], lv.ID)
		p += 4
		if lv.IsFastbase {
			buf[p] = 1
		}
		p++
	}
	return buf
}

func decodeMeta(raw []byte) (metaFile, error) {
	if len(raw) < metaFixedLen {
		return metaFile{}, xerrors.New(xerrors.EINVAL, "managed: truncated md_meta")
	}
	p := 0
	magic := binary.LittleEndian.Uint32(raw[p:])
	p += 4
	if magic != metaMagic {
		return metaFile{}, xerrors.New(xerrors.EINVAL, "managed: bad md_meta magic")
	}
	version := binary.LittleEndian.Uint16(raw[p:])
	p += 2
	if version != metaVersion {
		return metaFile{}, xerrors.Newf(xerrors.EINVAL, "managed: unsupported md_meta version %d", version)
	}
	var m metaFile
	m.keyType = dtable.KeyType(raw[p])
	p++
	m.combineCount = raw[p]
	p++
	m.listenerID = binary.LittleEndian.Uint32(raw[p:])
	p += 4
	ddtCount := binary.LittleEndian.Uint32(raw[p:])
	p += 4
	m.ddtNext = binary.LittleEndian.Uint32(raw[p:])
	p += 4
	m.digestLast = int64(binary.LittleEndian.Uint64(raw[p:]))
	p += 8
	m.digestNext = int64(binary.LittleEndian.Uint64(raw[p:]))
	p += 8
	m.combineLast = int64(binary.LittleEndian.Uint64(raw[p:]))
	p += 8
	m.combineNext = int64(binary.LittleEndian.Uint64(raw[p:]))
	p += 8
	m.autocombine = binary.LittleEndian.Uint32(raw[p:])
	p += 4
	m.autocombineDigests = binary.LittleEndian.Uint32(raw[p:])
	p += 4
	m.autocombineDigestCount = binary.LittleEndian.Uint32(raw[p:])
	p += 4
	m.autocombineCombineCount = binary.LittleEndian.Uint32(raw[p:])
	p += 4

	if len(raw) < p+int(ddtCount)*5 {
		return metaFile{}, xerrors.New(xerrors.EINVAL, "managed: truncated md_meta level list")
	}
	m.levels = make([]LevelMeta, ddtCount)
	for i := range m.levels {
		m.levels[i].ID = binary.LittleEndian.Uint32(raw[p:])
		p += 4
		m.levels[i].IsFastbase = raw[p] != 0
		p++
	}
	return m, nil
}
