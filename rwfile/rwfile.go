// Package rwfile is the write path used while building a new on-disk
// dtable or appending journal/filetx records: a buffered,
// append-only writer over a single *os.File, grounded on the teacher's
// pager.Pager write path (v2/pager/pager.go) but simplified from
// paged/chained storage to a flat append log, since every caller here
// already knows its own record framing.
package rwfile

import (
	"bufio"
	"os"
	"sync"

	"github.com/dtablekv/dtablekv/internal/xerrors"
)

// File is a buffered append-only writer. Writes are buffered in
// memory until Flush/Sync; offsets returned by Write are stable and
// may be recorded by the caller (e.g. in an index) before the bytes
// actually reach disk.
type File struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	offset   int64
	preFlush func() error
}

// Create truncates (or creates) path for writing from offset 0.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

// OpenAppend opens an existing file for appending past its current
// length (used to resume a journal or filetx log across a restart).
func OpenAppend(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, w: bufio.NewWriterSize(f, 64*1024), offset: stat.Size()}, nil
}

// SetPreFlush installs a hook run immediately before buffered bytes are
// pushed to the OS (e.g. the journal's commit-sentinel write, or a
// filetx's pre-end registration callback). It runs while File's lock is
// held, so it must not call back into this File.
func (rf *File) SetPreFlush(fn func() error) { rf.preFlush = fn }

// Write appends data and returns the offset it was written at.
func (rf *File) Write(data []byte) (int64, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	off := rf.offset
	n, err := rf.w.Write(data)
	rf.offset += int64(n)
	if err != nil {
		return off, err
	}
	if n != len(data) {
		return off, xerrors.New(xerrors.ENOMEM, "rwfile: short buffered write")
	}
	return off, nil
}

// Offset returns the current logical write position (including bytes
// still sitting in the buffer).
func (rf *File) Offset() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.offset
}

// Flush pushes buffered bytes to the OS, running the pre-flush hook
// first if one is set.
func (rf *File) Flush() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.preFlush != nil {
		if err := rf.preFlush(); err != nil {
			return err
		}
	}
	return rf.w.Flush()
}

// Sync flushes and then fsyncs the underlying file, the durability
// boundary journal commits and filetx tx_sync rely on.
func (rf *File) Sync() error {
	if err := rf.Flush(); err != nil {
		return err
	}
	return rf.f.Sync()
}

// Close flushes, syncs, and closes the underlying file.
func (rf *File) Close() error {
	if err := rf.Sync(); err != nil {
		rf.f.Close()
		return err
	}
	return rf.f.Close()
}

// Name returns the path this File was opened with.
func (rf *File) Name() string { return rf.f.Name() }
