/*
Copyright 2020 Google LLC

Use of this source code is governed by a BSD-style
license that can be found in the LICENSE file or at
https://developers.google.com/open-source/licenses/bsd
*/

package reftable

import (
	"bytes"
)

// readerOffsets carries per-section-type metadata extracted from the
// footer.
type readerOffsets struct {
	// Present is true if the section is present in the file.
	Present bool
	// Offset is where to find the first block of this section.
	Offset uint64
	// IndexOffset is the offset of the section's top-level index
	// block, or 0 if the section has no index.
	IndexOffset uint64
}

// Reader reads a single reftable file. It is safe for concurrent use
// by multiple goroutines: all state set up in NewReader is immutable
// afterward, and iterators carry their own cursor state.
type Reader struct {
	header Header
	footer Footer

	name string
	src  BlockSource
	size uint64

	offsets map[byte]readerOffsets
	log     Logger
}

// Close releases the underlying BlockSource.
func (r *Reader) Close() error {
	return r.src.Close()
}

// Name returns the name the reader was constructed with, typically a
// path or a stack-assigned table id; purely diagnostic.
func (r *Reader) Name() string {
	return r.name
}

// HashID reports which hash function this table's object ids use.
func (r *Reader) HashID() HashID {
	return r.header.HashID
}

// Header returns the decoded leading header, for diagnostics.
func (r *Reader) Header() Header {
	return r.header
}

// Footer returns the decoded trailing footer, for diagnostics.
func (r *Reader) Footer() Footer {
	return r.footer
}

// ObjectIDLen reports the length, in bytes, of the hash prefixes
// stored in the obj section's index keys. It is meaningless if the
// table carries no obj section.
func (r *Reader) ObjectIDLen() int {
	return r.footer.ObjectIDLen
}

func (r *Reader) getBlock(off uint64, sz uint32) ([]byte, error) {
	if off >= r.size {
		return nil, nil
	}
	if off+uint64(sz) > r.size {
		sz = uint32(r.size - off)
	}
	return r.src.ReadBlock(off, int(sz))
}

// NewReader parses the header and footer of src and prepares a Reader
// over it. name is purely diagnostic, surfaced by Name and included
// in wrapped errors.
func NewReader(src BlockSource, name string, opts ...Options) (*Reader, error) {
	opt := Options{}
	if len(opts) > 0 {
		opt = opts[0]
	}
	opt = opt.withDefaults()

	total := src.Size()
	if total < uint64(footerSize(1)) {
		return nil, formatErrorf("file too small to hold a footer: %d bytes", total)
	}

	r := &Reader{
		src:  src,
		name: name,
		log:  opt.Logger,
	}

	// The footer's size depends on the format version, so read the
	// version byte from the leading header before locating the footer.
	headProbe, err := src.ReadBlock(0, headerSize(1))
	if err != nil {
		return nil, wrapErr(CodeIO, err, "%s: read header", name)
	}
	probe := footerSize(int(headProbe[4]))
	src.ReturnBlock(headProbe)
	if uint64(probe) > total {
		return nil, formatErrorf("%s: file too small to hold a footer: %d bytes", name, total)
	}
	r.size = total - uint64(probe)

	footBlock, err := src.ReadBlock(r.size, probe)
	if err != nil {
		return nil, wrapErr(CodeIO, err, "%s: read footer", name)
	}

	footer, err := decodeFooter(footBlock)
	src.ReturnBlock(footBlock)
	if err != nil {
		return nil, wrapErr(CodeFormat, err, "%s", name)
	}
	r.header = footer.Header
	r.footer = footer
	r.size = total - uint64(footerSize(int(footer.Version)))

	headBlock, err := src.ReadBlock(0, headerSize(int(footer.Version))+1)
	if err != nil {
		return nil, wrapErr(CodeIO, err, "%s: read header", name)
	}
	headHeader, err := decodeHeader(headBlock)
	if err != nil {
		src.ReturnBlock(headBlock)
		return nil, wrapErr(CodeFormat, err, "%s: leading header", name)
	}
	if headHeader != footer.Header {
		src.ReturnBlock(headBlock)
		return nil, formatErrorf("%s: leading header %+v disagrees with trailing header %+v", name, headHeader, footer.Header)
	}

	firstBlockTyp := headBlock[headerSize(int(footer.Version))]
	src.ReturnBlock(headBlock)
	r.offsets = map[byte]readerOffsets{
		blockTypeRef: {
			Present:     firstBlockTyp == blockTypeRef,
			Offset:      0,
			IndexOffset: footer.RefIndexOffset,
		},
		blockTypeLog: {
			Present:     firstBlockTyp == blockTypeLog || footer.LogOffset > 0,
			Offset:      footer.LogOffset,
			IndexOffset: footer.LogIndexOffset,
		},
		blockTypeObj: {
			Present:     footer.ObjOffset > 0,
			Offset:      footer.ObjOffset,
			IndexOffset: footer.ObjIndexOffset,
		},
	}

	return r, nil
}

// tableIter iterates over one section of the file. It is a value
// type, so a cursor can be saved/restored by copying it.
type tableIter struct {
	r        *Reader
	typ      byte
	blockOff uint64
	bi       blockIter
	finished bool
}

// nextInBlock advances the block iterator, fixing up a decoded ref
// record's update_index (which is stored as a delta relative to the
// table's MinUpdateIndex).
func (i *tableIter) nextInBlock(rec record) (bool, error) {
	ok, err := i.bi.Next(rec)
	if ok {
		if r, isRef := rec.(*RefRecord); isRef {
			r.UpdateIndex += i.r.header.MinUpdateIndex
		}
	}
	if err != nil {
		err = wrapErr(CodeFormat, err, "block %c, offset %d", i.typ, i.blockOff)
	}
	return ok, err
}

// Next implements iterator.
func (i *tableIter) Next(rec record) (bool, error) {
	for {
		if i.finished {
			return false, nil
		}

		ok, err := i.nextInBlock(rec)
		if err != nil || ok {
			return ok, err
		}

		old := i.bi.br
		ok, err = i.nextBlock()
		if err != nil {
			return false, err
		}
		// Nobody revisits a block once Next has moved past it, so the
		// superseded one (or the final one, on exhaustion) can always
		// be released here.
		if old != i.bi.br || !ok {
			old.release(i.r.src)
		}
		if !ok {
			return ok, err
		}
	}
}

// close releases the block this iterator currently holds, if any.
func (i *tableIter) close() {
	if i == nil {
		return
	}
	i.bi.br.release(i.r.src)
	i.bi.br = nil
}

// extractBlockSize returns the block's type and on-disk body size
// from its 4-byte header, skipping the leading file header at
// offset 0.
func extractBlockSize(block []byte, off uint64, version int) (typ byte, size uint32, err error) {
	if off == 0 {
		hs := headerSize(version)
		if len(block) <= hs {
			return 0, 0, fmtError
		}
		block = block[hs:]
	}

	if !isBlockType(block[0]) {
		return 0, 0, fmtError
	}

	return block[0], getU24(block[1:]), nil
}

// newBlockReader opens a block of the given type starting at nextOff.
// Reading beyond the end of file, or at an offset holding a different
// block type than wantTyp, is not an error: it yields a nil reader.
func (r *Reader) newBlockReader(nextOff uint64, wantTyp byte) (br *blockReader, err error) {
	if nextOff >= r.size {
		return nil, nil
	}

	guessBlockSize := r.header.BlockSize
	if guessBlockSize == 0 {
		guessBlockSize = defaultBlockSize
	}
	block, err := r.getBlock(nextOff, guessBlockSize)
	if err != nil {
		return nil, wrapErr(CodeIO, err, "read block at %d", nextOff)
	}

	blockTyp, blockSize, err := extractBlockSize(block, nextOff, int(r.header.Version))
	if err != nil {
		return nil, err
	}

	if wantTyp != blockTypeAny && blockTyp != wantTyp {
		r.src.ReturnBlock(block)
		return nil, nil
	}

	if blockSize > guessBlockSize {
		r.src.ReturnBlock(block)
		block, err = r.getBlock(nextOff, blockSize)
		if err != nil {
			return nil, wrapErr(CodeIO, err, "read oversize block at %d", nextOff)
		}
	}

	var headerOff uint32
	if nextOff == 0 {
		headerOff = uint32(headerSize(int(r.header.Version)))
	}

	br, err = newBlockReader(block, headerOff, r.header.BlockSize, hashSize(r.header.HashID))
	if err != nil {
		r.src.ReturnBlock(block)
		return nil, err
	}

	if blockTyp == blockTypeLog {
		// newBlockReader inflated the log block into a fresh buffer;
		// the raw (possibly compressed) block is no longer aliased.
		r.src.ReturnBlock(block)
	} else {
		br.rawBuf = block
	}

	return br, nil
}

// nextBlock advances to the following block of the same section type,
// returning false once the section runs out.
func (i *tableIter) nextBlock() (bool, error) {
	nextBlockOff := i.blockOff + uint64(i.bi.br.fullBlockSize)
	br, err := i.r.newBlockReader(nextBlockOff, i.typ)
	if err != nil {
		return false, wrapErr(CodeFormat, err, "%c block at 0x%x", i.typ, nextBlockOff)
	}
	if br == nil {
		i.finished = true
		return false, nil
	}
	br.start(&i.bi)
	i.blockOff = nextBlockOff
	return true, nil
}

// start returns an iterator positioned at the start of the given
// section. If index is set, it instead starts at the top-level index
// block for that section (or nil if the section has no index).
func (r *Reader) start(typ byte, index bool) (*tableIter, error) {
	off := r.offsets[typ].Offset
	if index {
		off = r.offsets[typ].IndexOffset
		typ = blockTypeIndex
		if off == 0 {
			return nil, nil
		}
	}
	return r.tabIterAt(off, typ)
}

// tabIterAt returns a tableIter for the block at the given offset.
func (r *Reader) tabIterAt(off uint64, wantTyp byte) (*tableIter, error) {
	br, err := r.newBlockReader(off, wantTyp)
	if err != nil || br == nil {
		return nil, err
	}

	ti := &tableIter{
		r:        r,
		typ:      br.getType(),
		blockOff: off,
	}
	br.start(&ti.bi)
	return ti, nil
}

// seekRecord returns an iterator positioned just before the key
// carried by rec.
func (r *Reader) seekRecord(rec record) (iterator, error) {
	if !r.offsets[rec.typ()].Present {
		return emptyIterator{}, nil
	}
	it, err := r.seek(rec)
	if err != nil {
		return nil, err
	}
	if it == nil {
		// The key lies past the last record an index points at.
		return emptyIterator{}, nil
	}
	return it, nil
}

// SeekRef returns an iterator over ref records starting at name (or
// the first ref lexically after it, if name is not itself present).
func (r *Reader) SeekRef(name string) (*Iterator, error) {
	impl, err := r.seekRecord(&RefRecord{RefName: name})
	if err != nil {
		return nil, err
	}
	return newIterator(impl), nil
}

// SeekLog returns an iterator over the reflog of name, newest entry
// first.
func (r *Reader) SeekLog(name string) (*Iterator, error) {
	return r.SeekLogAt(name, ^uint64(0))
}

// SeekLogAt returns an iterator over the reflog of name starting at
// entries with update_index <= updateIndex, newest first.
func (r *Reader) SeekLogAt(name string, updateIndex uint64) (*Iterator, error) {
	impl, err := r.seekRecord(&LogRecord{RefName: name, UpdateIndex: updateIndex})
	if err != nil {
		return nil, err
	}
	return newIterator(impl), nil
}

// seekRecordOnce decodes the single record seeked to by name into out,
// used by filteringRefIterator's doubleCheck path.
func (r *Reader) seekRecordOnce(name string, out *RefRecord) (bool, error) {
	it, err := r.seekRecord(&RefRecord{RefName: name})
	if err != nil {
		return false, err
	}
	ok, err := it.Next(out)
	closeIterator(it)
	return ok, err
}

// seek positions a tableIter just before rec's key.
func (r *Reader) seek(rec record) (*tableIter, error) {
	typ := rec.typ()
	if rec.key() == newRecord(typ, "").key() {
		return r.start(typ, false)
	}

	idx := r.offsets[typ].IndexOffset
	if idx > 0 {
		return r.seekIndexed(rec)
	}

	tabIter, err := r.start(typ, false)
	if err != nil {
		return nil, err
	}

	ok, err := r.seekLinear(tabIter, rec)
	if ok {
		return tabIter, nil
	}

	tabIter.close()
	return nil, err
}

// seekIndexed seeks to want using its section's index, descending
// through as many levels of index nesting as the table carries.
func (r *Reader) seekIndexed(want record) (*tableIter, error) {
	idxIter, err := r.start(want.typ(), true)
	if err != nil {
		return nil, err
	}

	wantIdx := &indexRecord{LastKey: want.key()}

	ok, err := r.seekLinear(idxIter, wantIdx)
	if err != nil || !ok {
		idxIter.close()
		return nil, err
	}

	for {
		var rec indexRecord
		ok, err := idxIter.Next(&rec)
		if !ok {
			idxIter.close()
			return nil, err
		}
		if err != nil {
			idxIter.close()
			return nil, err
		}

		tabIter, err := r.tabIterAt(rec.Offset, blockTypeAny)
		if err != nil {
			idxIter.close()
			return nil, err
		}

		if err := tabIter.bi.seek(want.key()); err != nil {
			idxIter.close()
			tabIter.close()
			return nil, err
		}

		if tabIter.typ == want.typ() {
			idxIter.close()
			return tabIter, nil
		}

		if tabIter.typ != blockTypeIndex {
			idxIter.close()
			tabIter.close()
			return nil, formatErrorf("got block type %c following an index chain", tabIter.typ)
		}

		// Arbitrary nesting: keep descending through index levels
		// until we land on a block of the wanted type.
		idxIter.close()
		idxIter = tabIter
	}
}

// seekLinear scans tabIter block by block until it finds the block
// that could hold want, then positions the cursor within that block.
func (r *Reader) seekLinear(tabIter *tableIter, want record) (bool, error) {
	rec := newRecord(want.typ(), "")

	wantKey := want.key()
	var last tableIter
	for {
		// Once last is overwritten below, the block it currently
		// holds can never become the final answer: only the
		// snapshot we're about to take, or something later, can.
		if prevBr := last.bi.br; prevBr != tabIter.bi.br {
			prevBr.release(r.src)
		}
		last = *tabIter

		ok, err := tabIter.nextBlock()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}

		ok, err = tabIter.Next(rec)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, formatErrorf("read from freshly opened block failed")
		}
		if rec.key() > wantKey {
			break
		}
	}

	if tabIter.bi.br != last.bi.br {
		tabIter.bi.br.release(r.src)
	}
	*tabIter = last
	if err := tabIter.bi.seek(wantKey); err != nil {
		return false, err
	}

	return true, nil
}

// MaxUpdateIndex reports the largest update_index any ref record in
// this table may carry.
func (r *Reader) MaxUpdateIndex() uint64 {
	return r.header.MaxUpdateIndex
}

// MinUpdateIndex reports the smallest update_index any ref record in
// this table may carry.
func (r *Reader) MinUpdateIndex() uint64 {
	return r.header.MinUpdateIndex
}

// indexedTableRefIter iterates over refs pointing at a given object
// id, using a precomputed list of candidate ref-block offsets drawn
// from the obj index.
type indexedTableRefIter struct {
	r   *Reader
	oid []byte

	offsets  []uint64
	cur      blockIter
	finished bool
}

func (i *indexedTableRefIter) nextBlock() error {
	old := i.cur.br
	if len(i.offsets) == 0 {
		i.finished = true
		old.release(i.r.src)
		return nil
	}
	nextOff := i.offsets[0]
	i.offsets = i.offsets[1:]

	br, err := i.r.newBlockReader(nextOff, blockTypeRef)
	if err != nil {
		old.release(i.r.src)
		return err
	}
	if br == nil {
		old.release(i.r.src)
		return formatErrorf("obj index points at a non-existent ref block at %d", nextOff)
	}

	br.start(&i.cur)
	old.release(i.r.src)
	return nil
}

// close releases the block this iterator currently holds, if any.
func (i *indexedTableRefIter) close() {
	if i == nil {
		return
	}
	i.cur.br.release(i.r.src)
	i.cur.br = nil
}

// Next implements iterator.
func (i *indexedTableRefIter) Next(rec record) (bool, error) {
	ref, ok := rec.(*RefRecord)
	if !ok {
		return false, apiErrorf("indexedTableRefIter fed a non-ref record")
	}
	for {
		ok, err := i.cur.Next(ref)
		if err != nil {
			return false, err
		}
		if !ok {
			if err := i.nextBlock(); err != nil {
				return false, err
			}
			if i.finished {
				return false, nil
			}
			continue
		}

		if bytes.Equal(ref.Value, i.oid) || bytes.Equal(ref.TargetValue, i.oid) {
			ref.UpdateIndex += i.r.header.MinUpdateIndex
			return true, nil
		}
	}
}

// RefsFor returns an iterator over refs that resolve (directly or via
// their peeled value) to oid. It uses the obj section's index when
// present, falling back to a full linear scan of the ref section
// otherwise.
func (r *Reader) RefsFor(oid []byte) (*Iterator, error) {
	if r.offsets[blockTypeObj].Present {
		return r.refsForIndexed(oid)
	}

	it, err := r.start(blockTypeRef, false)
	if err != nil {
		return nil, err
	}
	return newIterator(&filteringRefIterator{
		tab: r,
		oid: oid,
		it:  it,
	}), nil
}

func (r *Reader) refsForIndexed(oid []byte) (*Iterator, error) {
	idLen := r.footer.ObjectIDLen
	if idLen > len(oid) {
		idLen = len(oid)
	}
	want := &objRecord{HashPrefix: oid[:idLen]}

	it, err := r.seekRecord(want)
	if err != nil {
		return nil, err
	}

	var got objRecord
	ok, err := it.Next(&got)
	closeIterator(it)
	if err != nil {
		return nil, err
	}
	if !ok || got.key() != want.key() {
		return newIterator(emptyIterator{}), nil
	}

	if len(got.Offsets) == 0 {
		// Sentinel: too many refs point at this object to list
		// individually. Fall back to a full linear scan rather than
		// treating this as "no refs".
		it, err := r.start(blockTypeRef, false)
		if err != nil {
			return nil, err
		}
		return newIterator(&filteringRefIterator{tab: r, oid: oid, it: it}), nil
	}

	tr := &indexedTableRefIter{
		r:       r,
		oid:     oid,
		offsets: got.Offsets,
	}
	if err := tr.nextBlock(); err != nil {
		return nil, err
	}
	return newIterator(tr), nil
}
