// Package rofile
// BSD 3-Clause License
//
// Copyright (c) 2024, Alex Gaetano Padula
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  1. Redistributions of source code must retain the above copyright notice, this
//     list of conditions and the following disclaimer.
//
//  2. Redistributions in binary form must reproduce the above copyright notice,
//     this list of conditions and the following disclaimer in the documentation
//     and/or other materials provided with the distribution.
//
//  3. Neither the name of the copyright holder nor the names of its
//     contributors may be used to endorse or promote products derived from
//     this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
//
// Package rofile is the read path every finished (immutable) on-disk
// dtable opens its backing file through: either a buffered block cache
// over plain ReadAt, or a shared mmap view, chosen per the caller's
// Options.
package rofile

import (
	"os"
	"sync"

	freelru "github.com/elastic/go-freelru"
	mmap "github.com/edsrzf/mmap-go"

	"github.com/dtablekv/dtablekv/internal/xerrors"
)

// BlockSize is the unit the buffered (non-mmap) reader caches.
const BlockSize = 4096

// cacheBlocks is the default number of BlockSize blocks held in the LRU
// when UseMmap is false.
const cacheBlocks = 256

// Options controls how a File is opened.
type Options struct {
	// UseMmap memory-maps the whole file read-only instead of going
	// through the buffered block cache. Best for files that fit
	// comfortably in the page cache and are read randomly (leaf dtable
	// bodies); buffered mode is better for large, mostly-sequential
	// scans where a full mmap would pin address space needlessly.
	UseMmap bool
}

// File is a read-only, concurrency-safe view over an immutable on-disk
// file. Once opened, the underlying file is never written to by this
// package; leaf dtable Create() writers use rwfile instead and hand off
// to rofile only after the file is sealed.
type File struct {
	f    *os.File
	size int64

	mu    sync.RWMutex
	cache *freelru.LRU[int64, []byte]

	region mmap.MMap
}

// Open opens path read-only.
func Open(path string, opts Options) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	rf := &File{f: f, size: stat.Size()}

	if opts.UseMmap && stat.Size() > 0 {
		region, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, err
		}
		rf.region = region
		return rf, nil
	}

	cache, err := freelru.New[int64, []byte](cacheBlocks, func(k int64) uint32 { return uint32(k) ^ uint32(k>>32) })
	if err != nil {
		f.Close()
		return nil, err
	}
	rf.cache = cache
	return rf, nil
}

// Size returns the file's byte length as of Open.
func (rf *File) Size() int64 { return rf.size }

// Name returns the path rofile was opened with.
func (rf *File) Name() string { return rf.f.Name() }

// ReadAt reads len(buf) bytes starting at off, the same contract as
// io.ReaderAt.
func (rf *File) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off > rf.size {
		return 0, xerrors.Newf(xerrors.EINVAL, "rofile: offset %d out of range (size %d)", off, rf.size)
	}
	if rf.region != nil {
		end := off + int64(len(buf))
		if end > rf.size {
			end = rf.size
		}
		n := copy(buf, rf.region[off:end])
		if n < len(buf) {
			return n, xerrors.New(xerrors.EINVAL, "rofile: short read at EOF")
		}
		return n, nil
	}
	return rf.bufferedReadAt(buf, off)
}

func (rf *File) bufferedReadAt(buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		blockIdx := (off + int64(total)) / BlockSize
		blockOff := int(off+int64(total)) % BlockSize

		block, err := rf.getBlock(blockIdx)
		if err != nil {
			return total, err
		}
		if blockOff >= len(block) {
			break
		}
		n := copy(buf[total:], block[blockOff:])
		total += n
		if n == 0 {
			break
		}
	}
	if total < len(buf) {
		return total, xerrors.New(xerrors.EINVAL, "rofile: short read at EOF")
	}
	return total, nil
}

func (rf *File) getBlock(idx int64) ([]byte, error) {
	if block, ok := rf.cache.Get(idx); ok {
		return block, nil
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if block, ok := rf.cache.Get(idx); ok {
		return block, nil
	}

	buf := make([]byte, BlockSize)
	n, err := rf.f.ReadAt(buf, idx*BlockSize)
	if n == 0 && err != nil {
		return nil, err
	}
	buf = buf[:n]
	rf.cache.Add(idx, buf)
	return buf, nil
}

// Close releases the mmap region (if any) and the underlying file
// descriptor.
func (rf *File) Close() error {
	if rf.region != nil {
		if err := rf.region.Unmap(); err != nil {
			rf.f.Close()
			return err
		}
	}
	return rf.f.Close()
}
