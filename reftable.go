// Copyright 2019 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reftable

import (
	"io"
	"os"
	"sync"
)

// fileBlockSource reads a reftable straight off a local file, pooling
// read buffers the way bsm-sntable's BlockReader.Release/fetchBuffer
// pair does, so repeated Seek/Next traffic against the same table
// doesn't thrash the allocator.
type fileBlockSource struct {
	f    *os.File
	sz   uint64
	pool *sync.Pool
}

// NewFileBlockSource opens name as a BlockSource. The returned source
// owns the file descriptor; Close releases it.
func NewFileBlockSource(name string) (BlockSource, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapErr(CodeNotExist, err, "open %s", name)
		}
		return nil, wrapErr(CodeIO, err, "open %s", name)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr(CodeIO, err, "stat %s", name)
	}

	return &fileBlockSource{
		f:  f,
		sz: uint64(fi.Size()),
		pool: &sync.Pool{
			New: func() interface{} { return make([]byte, 0, defaultBlockSize) },
		},
	}, nil
}

func (bs *fileBlockSource) Size() uint64 { return bs.sz }

func (bs *fileBlockSource) ReadBlock(off uint64, size int) ([]byte, error) {
	if off >= bs.sz {
		return nil, wrapErr(CodeIO, io.EOF, "read at %d", off)
	}
	if off+uint64(size) > bs.sz {
		size = int(bs.sz - off)
	}

	b := bs.pool.Get().([]byte)
	if cap(b) < size {
		b = make([]byte, size)
	} else {
		b = b[:size]
	}

	n, err := bs.f.ReadAt(b, int64(off))
	if err != nil && err != io.EOF {
		return nil, wrapErr(CodeIO, err, "read %d bytes at %d", size, off)
	}
	return b[:n], nil
}

func (bs *fileBlockSource) ReturnBlock(buf []byte) {
	if buf == nil {
		return
	}
	bs.pool.Put(buf[:0]) //nolint:staticcheck // reuse backing array only
}

func (bs *fileBlockSource) Close() error {
	return bs.f.Close()
}

// ByteBlockSource is an in-memory BlockSource, used by tests and by
// callers that have already slurped a table into memory (e.g. a
// small reftable embedded in a larger blob).
type ByteBlockSource struct {
	buf []byte
}

// NewByteBlockSource wraps buf as a BlockSource. buf is retained, not
// copied.
func NewByteBlockSource(buf []byte) *ByteBlockSource {
	return &ByteBlockSource{buf: buf}
}

func (s *ByteBlockSource) Size() uint64 { return uint64(len(s.buf)) }

func (s *ByteBlockSource) ReadBlock(off uint64, sz int) ([]byte, error) {
	if off >= uint64(len(s.buf)) {
		return nil, wrapErr(CodeIO, io.EOF, "read at %d", off)
	}
	end := off + uint64(sz)
	if end > uint64(len(s.buf)) {
		end = uint64(len(s.buf))
	}
	return s.buf[off:end], nil
}

// ReturnBlock is a no-op: slices handed out by ReadBlock alias the
// backing buffer directly, there is nothing to pool.
func (s *ByteBlockSource) ReturnBlock([]byte) {}

func (s *ByteBlockSource) Close() error { return nil }
