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
	"sort"

	"github.com/samber/lo"

	"github.com/go-reftable/reftable/internal/objtree"
)

// paddedWriter defers padding from the previous block until the next
// write, so a table's final block is never followed by trailing
// padding bytes.
type paddedWriter struct {
	out            io.Writer
	pendingPadding int
}

func (w *paddedWriter) Write(b []byte, padding int) (int, error) {
	if w.pendingPadding > 0 {
		pad := make([]byte, w.pendingPadding)
		if _, err := w.out.Write(pad); err != nil {
			return 0, err
		}
		w.pendingPadding = 0
	}
	w.pendingPadding = padding
	n, err := w.out.Write(b)
	n += padding
	return n, err
}

// Writer writes a single reftable: ref section, then obj section,
// then log section, each optionally followed by its own index. Ref
// and log records must each be added in strictly ascending key order;
// AddLog may only begin once all AddRef calls are done.
type Writer struct {
	paddedWriter paddedWriter

	lastKey string
	lastRec string

	// next is the offset where the next block will be written.
	next uint64

	opts  WriterOptions
	block []byte

	// blockWriter is the block currently being filled, or nil right
	// after a flush.
	blockWriter *blockWriter
	index       []indexRecord

	objIndex *objtree.Tree

	Stats Stats
}

// NewWriter creates a Writer that streams a reftable to out.
func NewWriter(out io.Writer, opts WriterOptions) (*Writer, error) {
	opts = opts.withDefaults()

	if opts.BlockSize > maxBlockSize {
		return nil, apiErrorf("block size %d exceeds the format's u24 limit", opts.BlockSize)
	}
	if opts.Version == 1 && opts.HashID == HashSHA256 {
		return nil, apiErrorf("version 1 tables cannot use SHA-256 object ids; use Version 2")
	}
	if opts.Version != 1 && opts.Version != 2 {
		return nil, apiErrorf("unsupported format version %d", opts.Version)
	}

	w := &Writer{
		opts:  opts,
		block: make([]byte, opts.BlockSize),
	}
	w.paddedWriter.out = out

	w.Stats.BlockStats = map[byte]*BlockStats{}
	for _, c := range []byte{blockTypeRef, blockTypeLog, blockTypeObj, blockTypeIndex} {
		w.Stats.BlockStats[c] = new(BlockStats)
	}

	if !opts.SkipIndexObjects {
		w.objIndex = objtree.New()
	}

	w.initHeader()
	w.blockWriter = w.newBlockWriter(blockTypeRef)
	return w, nil
}

func (w *Writer) newBlockWriter(typ byte) *blockWriter {
	block := w.block

	var blockStart uint32
	if w.next == 0 {
		blockStart = uint32(encodeHeader(block, w.Stats.Header))
	}

	return newBlockWriter(typ, block, blockStart, w.opts.RestartInterval, hashSize(w.opts.HashID))
}

func (w *Writer) initHeader() {
	w.Stats.Header = Header{
		Magic:          magic,
		Version:        uint8(w.opts.Version),
		BlockSize:      w.opts.BlockSize,
		MinUpdateIndex: w.opts.MinUpdateIndex,
		MaxUpdateIndex: w.opts.MaxUpdateIndex,
		HashID:         w.opts.HashID,
	}
}

// indexHash records that the ref currently being written resolves
// (directly or via its peeled value) to hash, at the block offset
// about to receive it.
func (w *Writer) indexHash(hash []byte) {
	if w.objIndex == nil || hash == nil {
		return
	}
	w.objIndex.Add(string(hash), w.next)
}

// AddRef adds a ref record. Refs must be added in ascending RefName
// order, and AddRef must not be called after AddLog.
func (w *Writer) AddRef(r *RefRecord) error {
	if r.UpdateIndex < w.opts.MinUpdateIndex || r.UpdateIndex > w.opts.MaxUpdateIndex {
		return apiErrorf("update_index %d outside bounds [%d, %d]",
			r.UpdateIndex, w.opts.MinUpdateIndex, w.opts.MaxUpdateIndex)
	}

	stored := *r
	stored.UpdateIndex -= w.opts.MinUpdateIndex

	if err := w.add(&stored); err != nil {
		return err
	}
	w.indexHash(r.Value)
	w.indexHash(r.TargetValue)
	return nil
}

// AddLog adds a reflog record. Log records must be added in the
// on-disk key order: ref name ascending, then update_index
// descending within a ref.
func (w *Writer) AddLog(l *LogRecord) error {
	hs := hashSize(w.opts.HashID)
	if (l.Old != nil && len(l.Old) != hs) || (l.New != nil && len(l.New) != hs) {
		return apiErrorf("log record %v: object ids must be %d bytes", l, hs)
	}
	if w.blockWriter != nil && w.blockWriter.getType() == blockTypeRef {
		if err := w.finishPublicSection(); err != nil {
			return err
		}
	}

	w.next -= uint64(w.paddedWriter.pendingPadding)
	w.paddedWriter.pendingPadding = 0

	return w.add(l)
}

func (w *Writer) add(rec record) error {
	k := rec.key()
	if w.lastRec != "" && w.lastKey >= k {
		return apiErrorf("records must be added in ascending key order: got %q after %q", rec, w.lastRec)
	}
	w.lastKey = k
	w.lastRec = rec.String()

	if w.blockWriter == nil {
		w.blockWriter = w.newBlockWriter(rec.typ())
	}

	if t := w.blockWriter.getType(); t != rec.typ() {
		return apiErrorf("tried to add a %c record to a %c block", rec.typ(), t)
	}
	if w.blockWriter.add(rec) {
		return nil
	}
	if err := w.flushBlock(); err != nil {
		return err
	}

	w.blockWriter = w.newBlockWriter(rec.typ())
	if !w.blockWriter.add(rec) {
		return newErr(CodeOutOfSpace, "record %v does not fit even in a fresh block", rec)
	}
	return nil
}

// Close finishes the current section, writes the object index (if
// any), and writes the footer.
func (w *Writer) Close() error {
	if err := w.finishPublicSection(); err != nil {
		return err
	}

	w.Stats.Footer = Footer{
		Header:         w.Stats.Header,
		RefIndexOffset: w.Stats.BlockStats[blockTypeRef].IndexOffset,
		ObjOffset:      w.Stats.BlockStats[blockTypeObj].Offset,
		ObjectIDLen:    w.Stats.ObjectIDLen,
		ObjIndexOffset: w.Stats.BlockStats[blockTypeObj].IndexOffset,
		LogOffset:      w.Stats.BlockStats[blockTypeLog].Offset,
		LogIndexOffset: w.Stats.BlockStats[blockTypeLog].IndexOffset,
	}

	buf := make([]byte, footerSize(w.opts.Version))
	encodeFooter(buf, w.Stats.Footer)

	w.paddedWriter.pendingPadding = 0
	n, err := w.paddedWriter.Write(buf, 0)
	if err != nil {
		return wrapErr(CodeIO, err, "write footer")
	}
	if n != len(buf) {
		return ioErrorf("short footer write: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.blockWriter == nil || w.blockWriter.entries == 0 {
		return nil
	}
	typ := w.blockWriter.getType()
	blockStats := w.Stats.BlockStats[typ]
	if blockStats.Blocks == 0 {
		blockStats.Offset = w.next
	}
	raw := w.blockWriter.finish()
	padding := int(w.opts.BlockSize) - len(raw)
	if w.opts.Unpadded || typ == blockTypeLog {
		padding = 0
	}

	blockStats.Entries += w.blockWriter.entries
	blockStats.Restarts += len(w.blockWriter.restarts)
	blockStats.Blocks++
	w.Stats.Blocks++

	w.opts.Logger.Debugw("flush block", "type", string(typ), "offset", w.next, "size", len(raw))

	n, err := w.paddedWriter.Write(raw, padding)
	if err != nil {
		return wrapErr(CodeIO, err, "write %c block at %d", typ, w.next)
	}
	w.index = append(w.index, indexRecord{
		LastKey: w.blockWriter.lastKey,
		Offset:  w.next,
	})
	w.next += uint64(n)
	w.blockWriter = nil
	return nil
}

func (w *Writer) finishPublicSection() error {
	if w.blockWriter == nil {
		return nil
	}

	typ := w.blockWriter.getType()
	if err := w.finishSection(); err != nil {
		return err
	}

	if typ == blockTypeRef && w.objIndex != nil {
		if err := w.dumpObjectIndex(); err != nil {
			return err
		}
	}

	w.blockWriter = nil
	return nil
}

func commonPrefixSize(a, b string) int {
	p := 0
	for p < len(a) && p < len(b) {
		if a[p] != b[p] {
			break
		}
		p++
	}
	return p
}

// dumpObjectIndex writes the obj section: for every distinct hash
// (or hash prefix long enough to disambiguate it from its neighbors)
// observed via indexHash, the sorted list of ref-block offsets that
// point at it.
func (w *Writer) dumpObjectIndex() error {
	if w.objIndex.Len() == 0 {
		return nil
	}

	keys := make([]string, 0, w.objIndex.Len())
	w.objIndex.Each(func(hash string, _ []uint64) {
		keys = append(keys, hash)
	})
	sort.Strings(keys)

	maxCommon := 0
	last := ""
	for _, k := range keys {
		if c := commonPrefixSize(last, k); c > maxCommon {
			maxCommon = c
		}
		last = k
	}
	idLen := maxCommon + 1
	if idLen > len(keys[0]) {
		idLen = len(keys[0])
	}
	w.Stats.ObjectIDLen = idLen

	w.blockWriter = w.newBlockWriter(blockTypeObj)

	offsetsByKey := map[string][]uint64{}
	w.objIndex.Each(func(hash string, offsets []uint64) {
		prefix := hash[:idLen]
		offsetsByKey[prefix] = append(offsetsByKey[prefix], offsets...)
	})

	// idLen is one more than the longest prefix any two sorted neighbors
	// share, so distinct hashes of one length land in separate buckets;
	// lo.Uniq and the sort below only change a bucket when hashes of
	// different lengths truncate to the same prefix.
	prefixes := lo.Keys(offsetsByKey)
	sort.Strings(prefixes)

	for _, k := range prefixes {
		offsets := lo.Uniq(offsetsByKey[k])
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		rec := &objRecord{HashPrefix: []byte(k), Offsets: offsets}

		if w.blockWriter.add(rec) {
			continue
		}

		if err := w.flushBlock(); err != nil {
			return err
		}

		w.blockWriter = w.newBlockWriter(blockTypeObj)
		if !w.blockWriter.add(rec) {
			// Too many refs point at one object to list in a single
			// block even alone: fall back to the empty-offsets
			// sentinel, telling readers to linear-scan instead.
			rec.Offsets = nil
			if !w.blockWriter.add(rec) {
				return newErr(CodeOutOfSpace, "obj record for %x does not fit even stripped of its offsets", rec.HashPrefix)
			}
		}
	}

	return w.finishSection()
}

func (w *Writer) finishSection() error {
	w.lastKey = ""
	typ := w.blockWriter.getType()
	if err := w.flushBlock(); err != nil {
		return err
	}

	var indexStart uint64
	maxLevel := 0

	threshold := 3
	if w.opts.Unpadded {
		threshold = 1
	}
	before := w.Stats.BlockStats[blockTypeIndex].Blocks
	for len(w.index) > threshold {
		maxLevel++
		indexStart = w.next
		w.blockWriter = w.newBlockWriter(blockTypeIndex)
		idx := w.index
		w.index = nil
		for i := range idx {
			if w.blockWriter.add(&idx[i]) {
				continue
			}

			if err := w.flushBlock(); err != nil {
				return err
			}
			w.blockWriter = w.newBlockWriter(blockTypeIndex)
			if !w.blockWriter.add(&idx[i]) {
				return newErr(CodeOutOfSpace, "index record does not fit even in a fresh block")
			}
		}
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	w.index = nil
	if err := w.flushBlock(); err != nil {
		return err
	}

	blockStats := w.Stats.BlockStats[typ]
	blockStats.IndexBlocks = w.Stats.BlockStats[blockTypeIndex].Blocks - before
	blockStats.IndexOffset = indexStart
	blockStats.MaxIndexLevel = maxLevel
	return nil
}
