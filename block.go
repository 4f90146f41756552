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
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"sort"
)

// blockWriter accumulates prefix-compressed records for a single
// block. finish zlib-compresses log blocks into a separate buffer.
type blockWriter struct {
	// immutable
	buf             []byte
	blockSize       uint32
	headerOff       uint32
	restartInterval int
	hashSize        int

	// mutable
	next     uint32
	restarts []uint32
	lastKey  string
	entries  int
}

// newBlockWriter creates a writer for the given block type.
func newBlockWriter(typ byte, buf []byte, headerOff uint32, restartInterval, hashSize int) *blockWriter {
	if restartInterval <= 0 {
		restartInterval = defaultRestartInterval
	}
	bw := &blockWriter{
		buf:             buf,
		headerOff:       headerOff,
		blockSize:       uint32(len(buf)),
		restartInterval: restartInterval,
		hashSize:        hashSize,
	}

	bw.buf[headerOff] = typ
	bw.next = headerOff + 4

	return bw
}

func (w *blockWriter) getType() byte {
	return w.buf[w.headerOff]
}

// add adds a record, returning true, or false if it does not fit in
// the remaining space of this block.
func (w *blockWriter) add(r record) bool {
	last := w.lastKey
	if w.entries%w.restartInterval == 0 {
		last = ""
	}

	buf := w.buf[w.next:]
	start := buf
	n, restart, ok := encodeKey(buf, last, r.key(), r.valType())
	if !ok {
		return false
	}
	buf = buf[n:]

	n, ok = r.encode(buf, w.hashSize)
	if !ok {
		return false
	}
	buf = buf[n:]

	return w.registerRestart(len(start)-len(buf), restart, r.key())
}

func (w *blockWriter) registerRestart(n int, restart bool, key string) bool {
	rlen := len(w.restarts)
	if rlen >= maxRestarts {
		restart = false
	}

	if restart {
		rlen++
	}
	if 2+3*rlen+n > len(w.buf[w.next:]) {
		return false
	}
	if restart {
		w.restarts = append(w.restarts, w.next)
	}
	w.next += uint32(n)
	w.lastKey = key
	w.entries++
	return true
}

func putU24(out []byte, i uint32) {
	out[0] = byte((i >> 16) & 0xff)
	out[1] = byte((i >> 8) & 0xff)
	out[2] = byte(i & 0xff)
}

func getU24(in []byte) uint32 {
	return uint32(in[0])<<16 | uint32(in[1])<<8 | uint32(in[2])
}

// finish finalizes the block and returns the unpadded block bytes.
// For a log block it returns a newly allocated buffer holding the
// header followed by the zlib-compressed body; w.buf is left
// uncompressed, and the header's size field keeps the uncompressed
// length, not the compressed one.
func (w *blockWriter) finish() (data []byte) {
	for _, r := range w.restarts {
		putU24(w.buf[w.next:], r)
		w.next += 3
	}
	binary.BigEndian.PutUint16(w.buf[w.next:], uint16(len(w.restarts)))
	w.next += 2
	putU24(w.buf[w.headerOff+1:], w.next)

	data = w.buf[:w.next]

	if w.getType() == blockTypeLog {
		compressed := bytes.Buffer{}
		compressed.Write(data[:w.headerOff+4])

		zw, _ := zlib.NewWriterLevel(&compressed, zlib.BestCompression)
		if _, err := zw.Write(data[w.headerOff+4:]); err != nil {
			panic("in-memory zlib write cannot fail")
		}
		if err := zw.Close(); err != nil {
			panic("in-memory zlib close cannot fail")
		}
		return compressed.Bytes()
	}

	return data
}

// blockReader holds data for reading a block. It is immutable once
// constructed, so it is safe for concurrent reads.
type blockReader struct {
	// headerOff is the offset of the block header: 0, except for the
	// first block, which trails the file header.
	headerOff uint32

	// block is the decompressed data, including its header, but
	// excluding the restart array and any padding.
	block []byte

	// restartBytes holds the encoded restart offsets.
	restartBytes []byte

	// fullBlockSize is the size of the (possibly compressed) block
	// as it appears on disk, including everything; it marks where
	// the next block begins.
	fullBlockSize uint32

	restartCount uint16
	hashSize     int

	// rawBuf is the buffer returned by BlockSource.ReadBlock that
	// backs block (and, for non-log blocks, restartBytes too). nil
	// once released, or for blocks that never need returning (e.g.
	// decompressed log blocks, which own a freshly-allocated slice).
	rawBuf []byte
}

// release returns rawBuf to src, if any is still held. Safe to call
// more than once.
func (br *blockReader) release(src BlockSource) {
	if br == nil || br.rawBuf == nil {
		return
	}
	src.ReturnBlock(br.rawBuf)
	br.rawBuf = nil
}

func (br *blockReader) getType() byte {
	return br.block[br.headerOff]
}

// newBlockReader prepares for reading a block already read off disk
// into block (which may include trailing bytes beyond this block).
func newBlockReader(block []byte, headerOff uint32, tableBlockSize uint32, hashSize int) (*blockReader, error) {
	fullBlockSize := tableBlockSize
	typ := block[headerOff]
	if !isBlockType(typ) {
		return nil, formatErrorf("unknown block type %q", typ)
	}

	sz := getU24(block[headerOff+1:])

	if typ == blockTypeLog {
		decompress := make([]byte, 0, sz)
		buf := bytes.NewBuffer(block)
		out := bytes.NewBuffer(decompress)

		before := buf.Len()

		if _, err := io.CopyN(out, buf, int64(headerOff+4)); err != nil {
			return nil, wrapErr(CodeIO, err, "copy log block header")
		}
		r, err := zlib.NewReader(buf)
		if err != nil {
			return nil, wrapErr(CodeFormat, err, "open log block zlib stream")
		}
		// The zlib stream carries its own terminator, so inflate until
		// EOF. sz is the inflated length (finish stores it before
		// compressing); the on-disk length is what the stream consumed.
		if _, err := io.Copy(out, r); err != nil {
			return nil, wrapErr(CodeFormat, err, "inflate log block")
		}
		r.Close()

		block = out.Bytes()
		fullBlockSize = uint32(before - buf.Len())
	} else if fullBlockSize == 0 || (sz < fullBlockSize && int(sz) < len(block) && block[sz] != 0) {
		// No table block size, or a nonzero byte where zero padding
		// would be (an unpadded table, or a block whose padding the
		// writer dropped): the block's own declared size is where the
		// next one starts.
		fullBlockSize = sz
	}
	block = block[:sz]

	restartCount := binary.BigEndian.Uint16(block[len(block)-2:])
	restartStart := len(block) - 2 - 3*int(restartCount)
	restartBytes := block[restartStart:]
	block = block[:restartStart]

	br := &blockReader{
		block:         block,
		fullBlockSize: fullBlockSize,
		headerOff:     headerOff,
		restartCount:  restartCount,
		restartBytes:  restartBytes,
		hashSize:      hashSize,
	}

	return br, nil
}

// restartOffset returns the block-relative offset of the i-th key
// restart.
func (br *blockReader) restartOffset(i int) uint32 {
	return getU24(br.restartBytes[3*i:])
}

// blockIter iterates over the records of a block. It is a value
// type, so it can be freely copied to save/restore a cursor.
type blockIter struct {
	br *blockReader

	lastKey    string
	nextOffset uint32
}

// seek repositions bi just before key.
func (bi *blockIter) seek(key string) error {
	seeked, err := bi.br.seek(key)
	if err != nil {
		return err
	}
	*bi = *seeked
	return nil
}

// start returns an iterator positioned at the start of the block.
func (br *blockReader) start(bi *blockIter) {
	*bi = blockIter{
		br:         br,
		nextOffset: br.headerOff + 4,
	}
}

// seek returns an iterator positioned just before the given key,
// using the restart array to bisect before falling back to a linear
// scan within the chosen restart run.
func (br *blockReader) seek(key string) (*blockIter, error) {
	var decodeErr error

	j := sort.Search(int(br.restartCount),
		func(i int) bool {
			rkey, err := decodeRestartKey(br.block, br.restartOffset(i))
			if err != nil {
				decodeErr = err
			}
			return key < rkey
		})

	if decodeErr != nil {
		return nil, decodeErr
	}
	it := &blockIter{
		br: br,
	}

	if j > 0 {
		j--
		it.nextOffset = br.restartOffset(j)
	} else {
		it.nextOffset = br.headerOff + 4
	}

	rec := newRecord(br.getType(), "")
	for {
		next := *it

		ok, err := next.Next(rec)
		if err != nil {
			return nil, err
		}

		if !ok || rec.key() >= key {
			return it, nil
		}
		*it = next
	}
}

// Next implements iterator.
func (bi *blockIter) Next(r record) (bool, error) {
	if bi.nextOffset >= uint32(len(bi.br.block)) {
		return false, nil
	}

	buf := bi.br.block[bi.nextOffset:]
	start := buf
	n, key, valType, ok := decodeKey(buf, bi.lastKey)
	if !ok {
		return false, fmtError
	}
	buf = buf[n:]

	if n, ok := r.decode(buf, key, valType, bi.br.hashSize); !ok {
		return false, fmtError
	} else {
		buf = buf[n:]
	}

	bi.lastKey = r.key()
	bi.nextOffset += uint32(len(start) - len(buf))
	return true, nil
}
