// Package journal implements the low-level, length-tagged append log
// every higher layer (filetx, sysjournal, journal_dtable) replays on
// startup. Grounded on original_source/journal.h: records accumulate
// in a data file; a separate commit file records, for each atomic
// batch, the byte range it covers and an MD5 checksum over that range
// (J_CHECKSUM_LEN == 16 in the original). Playback only trusts record
// ranges whose checksum verifies, so a crash mid-write leaves the
// journal's last partial batch silently discarded rather than corrupt.
//
// Journals chain: Create takes an optional predecessor path, recorded
// in the commit file's header, so a chain of journals can be replayed
// in order (oldest first) during recovery — the same chain invariant
// system journal listeners rely on.
package journal

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"hash"
	"os"

	"github.com/dtablekv/dtablekv/internal/xerrors"
	"github.com/dtablekv/dtablekv/rwfile"
)

// commitExt matches J_COMMIT_EXT from the original.
const commitExt = ".commit"

const checksumLen = 16

// commitRecord mirrors struct commit_record from journal.h.
type commitRecord struct {
	Offset   uint64
	Length   uint64
	Checksum [checksumLen]byte
}

const commitRecordSize = 8 + 8 + checksumLen

// Journal is a single append-only record log plus its commit-record
// sidecar file.
type Journal struct {
	path       string
	predecessor string

	data   *rwfile.File
	commit *rwfile.File

	h           hash.Hash // running md5 over bytes appended since last commit
	pendingFrom uint64
	commits     uint32
	playbacks   uint32
}

// Create creates a brand-new journal at path (plus path+".commit"),
// optionally chained after a predecessor journal's path.
func Create(path, predecessor string) (*Journal, error) {
	data, err := rwfile.Create(path)
	if err != nil {
		return nil, err
	}
	commit, err := rwfile.Create(path + commitExt)
	if err != nil {
		data.Close()
		return nil, err
	}
	// header: length-prefixed predecessor path string, possibly empty.
	if err := writeCommitHeader(commit, predecessor); err != nil {
		data.Close()
		commit.Close()
		return nil, err
	}
	return &Journal{
		path:        path,
		predecessor: predecessor,
		data:        data,
		commit:      commit,
		h:           md5.New(),
	}, nil
}

func writeCommitHeader(commit *rwfile.File, predecessor string) error {
	var hdr bytes.Buffer
	_ = binary.Write(&hdr, binary.LittleEndian, uint32(len(predecessor)))
	hdr.WriteString(predecessor)
	if _, err := commit.Write(hdr.Bytes()); err != nil {
		return err
	}
	return commit.Flush()
}

// Append writes one record to the journal's data file. The record is
// not durable, and not visible to Playback, until the next Commit.
func (j *Journal) Append(rec []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(rec)))
	if _, err := j.data.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := j.data.Write(rec); err != nil {
		return err
	}
	j.h.Write(hdr[:])
	j.h.Write(rec)
	return nil
}

// Appendv is the vector form of Append (journal_appendv in the
// original), writing each part as one combined record.
func (j *Journal) Appendv(parts [][]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(total))
	if _, err := j.data.Write(hdr[:]); err != nil {
		return err
	}
	j.h.Write(hdr[:])
	for _, p := range parts {
		if _, err := j.data.Write(p); err != nil {
			return err
		}
		j.h.Write(p)
	}
	return nil
}

// Commit atomically closes out all Append calls since the last Commit
// (or since journal creation): it flushes the data file, writes a
// commit record describing the covered byte range and its checksum,
// and fsyncs both files in the order that keeps the journal
// recoverable if a crash happens between them.
func (j *Journal) Commit() error {
	if err := j.data.Sync(); err != nil {
		return err
	}
	end := uint64(j.data.Offset())
	length := end - j.pendingFrom
	if length == 0 {
		return nil
	}
	cr := commitRecord{Offset: j.pendingFrom, Length: length}
	copy(cr.Checksum[:], j.h.Sum(nil))

	buf := make([]byte, commitRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], cr.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], cr.Length)
	copy(buf[16:], cr.Checksum[:])

	if _, err := j.commit.Write(buf); err != nil {
		return err
	}
	if err := j.commit.Sync(); err != nil {
		return err
	}

	j.commits++
	j.pendingFrom = end
	j.h = md5.New()
	return nil
}

// Playback replays every record covered by a verified commit, oldest
// first, calling apply for each. It is safe to call repeatedly (e.g.
// once per listener) since it only reads, never mutates, journal
// state.
func (j *Journal) Playback(apply func(rec []byte) error) error {
	dataPath := j.path
	commitPath := j.path + commitExt

	dataBytes, err := os.ReadFile(dataPath)
	if err != nil {
		return err
	}
	commitBytes, err := os.ReadFile(commitPath)
	if err != nil {
		return err
	}
	if len(commitBytes) < 4 {
		return xerrors.New(xerrors.EINVAL, "journal: truncated commit header")
	}
	hdrLen := binary.LittleEndian.Uint32(commitBytes[0:4])
	pos := 4 + int(hdrLen)
	if pos > len(commitBytes) {
		return xerrors.New(xerrors.EINVAL, "journal: truncated commit header path")
	}

	for pos+commitRecordSize <= len(commitBytes) {
		off := binary.LittleEndian.Uint64(commitBytes[pos : pos+8])
		length := binary.LittleEndian.Uint64(commitBytes[pos+8 : pos+16])
		var checksum [checksumLen]byte
		copy(checksum[:], commitBytes[pos+16:pos+commitRecordSize])
		pos += commitRecordSize

		if off+length > uint64(len(dataBytes)) {
			break // partial trailing commit record from a torn write
		}
		span := dataBytes[off : off+length]
		sum := md5.Sum(span)
		if !bytes.Equal(sum[:], checksum[:]) {
			break // checksum mismatch: stop at first untrusted batch
		}
		j.playbacks++
		if err := playbackRecords(span, apply); err != nil {
			return err
		}
	}
	return nil
}

func playbackRecords(span []byte, apply func(rec []byte) error) error {
	p := 0
	for p+4 <= len(span) {
		l := int(binary.LittleEndian.Uint32(span[p : p+4]))
		p += 4
		if p+l > len(span) {
			return xerrors.New(xerrors.EINVAL, "journal: truncated record in committed range")
		}
		if err := apply(span[p : p+l]); err != nil {
			return err
		}
		p += l
	}
	return nil
}

// Erase removes both the data and commit files after a successful
// playback of all of this journal's listeners.
func (j *Journal) Erase() error {
	if err := j.data.Close(); err != nil {
		return err
	}
	if err := j.commit.Close(); err != nil {
		return err
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(j.path + commitExt); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Reopen resumes an existing, previously-committed journal for further
// appends (journal_reopen in the original); it does not replay —
// callers call Playback separately during recovery before resuming
// writes.
func Reopen(path string) (*Journal, error) {
	data, err := rwfile.OpenAppend(path)
	if err != nil {
		return nil, err
	}
	commit, err := rwfile.OpenAppend(path + commitExt)
	if err != nil {
		data.Close()
		return nil, err
	}

	hdrBytes, err := os.ReadFile(path + commitExt)
	if err != nil {
		data.Close()
		commit.Close()
		return nil, err
	}
	predecessor := ""
	if len(hdrBytes) >= 4 {
		hdrLen := binary.LittleEndian.Uint32(hdrBytes[0:4])
		if 4+int(hdrLen) <= len(hdrBytes) {
			predecessor = string(hdrBytes[4 : 4+hdrLen])
		}
	}

	return &Journal{
		path:        path,
		predecessor: predecessor,
		data:        data,
		commit:      commit,
		h:           md5.New(),
		pendingFrom: uint64(data.Offset()),
	}, nil
}

// Sync fsyncs both underlying files without closing them.
func (j *Journal) Sync() error {
	if err := j.data.Sync(); err != nil {
		return err
	}
	return j.commit.Sync()
}

// Path returns the journal's data file path.
func (j *Journal) Path() string { return j.path }

// Predecessor returns the chained predecessor journal's path, or "" if
// this journal has none.
func (j *Journal) Predecessor() string { return j.predecessor }

// Commits reports how many Commit calls have succeeded.
func (j *Journal) Commits() uint32 { return j.commits }

// Close flushes and closes both underlying files without erasing them.
func (j *Journal) Close() error {
	if err := j.data.Close(); err != nil {
		return err
	}
	return j.commit.Close()
}
