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

// BlockSource is the abstract capability set a reader uses to pull
// bytes off disk (or memory). Implementations may mmap, pread, or
// malloc-and-copy; callers must not assume memory-mapping.
//
// Every successful ReadBlock must be matched by exactly one
// ReturnBlock call. ReturnBlock must be idempotent against a zeroed
// buffer: once returned, the slice's backing array must not be
// touched by the caller again.
type BlockSource interface {
	// Size returns the total byte length of the underlying source.
	Size() uint64
	// ReadBlock reads size bytes starting at off. Implementations
	// clip short reads at Size(); reading at or past Size() is an
	// IOError.
	ReadBlock(off uint64, size int) ([]byte, error)
	// ReturnBlock releases a buffer previously handed out by
	// ReadBlock, allowing the source to reuse its backing storage.
	ReturnBlock(buf []byte)
	// Close releases any resources (file descriptors) held open by
	// the source.
	Close() error
}

// record is the internal tagged-variant dispatch surface shared by
// RefRecord, LogRecord, and the two section-private record kinds,
// objRecord and indexRecord. It stays unexported: obj/index records
// are an implementation detail of the single-table format, not part
// of the public seek/iterate surface.
type record interface {
	key() string
	typ() byte
	valType() uint8
	isDeletion() bool
	copyFrom(record)
	encode(buf []byte, hashSize int) (n int, fits bool)
	decode(buf []byte, key string, valType uint8, hashSize int) (n int, ok bool)
	String() string
}

// iterator is the internal pull-cursor interface implemented by
// block, table and merged iterators alike. Next decodes the next
// record into rec, reporting (true, nil) on success and (false, nil)
// once the sequence is exhausted.
type iterator interface {
	Next(rec record) (bool, error)
}

// Table is the read surface shared by a single-file Reader and a
// Merged reader layered over a stack of them.
type Table interface {
	MinUpdateIndex() uint64
	MaxUpdateIndex() uint64
	HashID() HashID

	SeekRef(name string) (*Iterator, error)
	SeekLog(name string) (*Iterator, error)
	SeekLogAt(name string, updateIndex uint64) (*Iterator, error)
	RefsFor(oid []byte) (*Iterator, error)
}

// Iterator is a cursor over ref or log records, returned by the
// Seek*/RefsFor family on Table. It is not safe for concurrent use
// and must not be used after Close.
type Iterator struct {
	impl   iterator
	closed bool
}

func newIterator(impl iterator) *Iterator {
	return &Iterator{impl: impl}
}

// NextRef decodes the next ref record into rec, returning (false,
// nil) once the sequence is exhausted.
func (it *Iterator) NextRef(rec *RefRecord) (bool, error) {
	if it.closed {
		return false, apiErrorf("iterator used after close")
	}
	if it.impl == nil {
		return false, nil
	}
	return it.impl.Next(rec)
}

// NextLog decodes the next log record into rec.
func (it *Iterator) NextLog(rec *LogRecord) (bool, error) {
	if it.closed {
		return false, apiErrorf("iterator used after close")
	}
	if it.impl == nil {
		return false, nil
	}
	return it.impl.Next(rec)
}

// Close releases any blocks this iterator is still holding onto.
// Closing an already-drained or already-closed iterator is a no-op.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	if c, ok := it.impl.(interface{ close() }); ok {
		c.close()
	}
	it.closed = true
}

// Options configures a Reader and, transitively, a Stack built from
// one or more of them.
type Options struct {
	// Logger receives diagnostic events. Defaults to NopLogger.
	Logger Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = NopLogger
	}
	return o
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	// BlockSize is the target uncompressed block size. Default 4096.
	BlockSize uint32
	// RestartInterval is the number of records between full-key
	// restart points in a block. Default 16.
	RestartInterval int
	// HashID selects the object-id hash: HashSHA1 or HashSHA256.
	// Default HashSHA1. A version-1 table may only use HashSHA1;
	// requesting HashSHA256 with Version 1 is an APIError.
	HashID HashID
	// Version selects the on-disk format version, 1 or 2. Default 1.
	Version int
	// MinUpdateIndex / MaxUpdateIndex bound the update_index carried
	// by every ref record the writer will accept.
	MinUpdateIndex uint64
	MaxUpdateIndex uint64
	// SkipIndexObjects disables obj-section construction; readers of
	// such a table fall back to a linear scan for RefsFor.
	SkipIndexObjects bool
	// Unpadded disables padding blocks out to BlockSize.
	Unpadded bool
	// Logger receives diagnostic events. Defaults to NopLogger.
	Logger Logger
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.BlockSize == 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.RestartInterval == 0 {
		o.RestartInterval = defaultRestartInterval
	}
	if o.HashID == 0 {
		o.HashID = HashSHA1
	}
	if o.Version == 0 {
		o.Version = 1
	}
	if o.Logger == nil {
		o.Logger = NopLogger
	}
	return o
}

// RefRecord is a single entry of the ref section: a ref name mapped
// to either a direct object id (with an optional peeled value), a
// symref target, or a deletion tombstone.
type RefRecord struct {
	RefName     string
	UpdateIndex uint64
	Value       []byte
	TargetValue []byte
	Target      string
}

// LogRecord is a single entry of the reflog section for one ref at
// one update_index.
type LogRecord struct {
	RefName     string
	UpdateIndex uint64
	Old         []byte
	New         []byte
	Name        string
	Email       string
	Time        uint64
	TZOffset    int16
	Message     string
}

// Header mirrors the 24/28-byte structure present at the start of a
// reftable, and again (alongside the section offsets) in the footer.
type Header struct {
	Magic          [4]byte
	Version        uint8
	BlockSize      uint32
	MinUpdateIndex uint64
	MaxUpdateIndex uint64
	HashID         HashID // HashSHA1 or HashSHA256; not stored on disk for version 1, which implies HashSHA1
}

// Footer carries the Header fields plus the byte offset of each
// section, followed by a CRC32 over the whole footer.
type Footer struct {
	Header

	RefIndexOffset uint64
	// ObjOffset is stored on disk packed as offset<<5 | objectIDLen;
	// this field holds the unpacked byte offset.
	ObjOffset      uint64
	ObjectIDLen    int
	ObjIndexOffset uint64
	LogOffset      uint64
	LogIndexOffset uint64
}

// BlockStats tracks per-section write statistics, surfaced through
// Writer.Stats after Close.
type BlockStats struct {
	Entries       int
	Restarts      int
	Blocks        int
	IndexBlocks   int
	MaxIndexLevel int

	Offset      uint64
	IndexOffset uint64
}

// Stats summarizes a finished Writer run.
type Stats struct {
	BlockStats map[byte]*BlockStats
	Blocks     int

	Header
	Footer
}
