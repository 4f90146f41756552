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

import "container/heap"

// pqEntry is one slot of the merge priority queue: a decoded record
// together with the index (within the stack, 0 = oldest) of the
// sub-iterator it came from.
type pqEntry struct {
	rec   record
	index int
}

// pqueue is a min-heap of pqEntry ordered by (key, -index): among
// entries with equal keys, the one from the higher (newer) stack
// index sorts first, so a newer table's record always shadows an
// older one with the same key.
type pqueue []pqEntry

func (pq pqueue) Len() int { return len(pq) }

func (pq pqueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.rec.key() == b.rec.key() {
		return a.index > b.index
	}
	return a.rec.key() < b.rec.key()
}

func (pq pqueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *pqueue) Push(x interface{}) { *pq = append(*pq, x.(pqEntry)) }

func (pq *pqueue) Pop() interface{} {
	old := *pq
	n := len(old)
	e := old[n-1]
	*pq = old[:n-1]
	return e
}

// Merged layers a priority-queue merge over an ordered stack of
// tables, oldest first, so that a record in a higher-indexed table
// shadows a same-keyed record in a lower-indexed one.
type Merged struct {
	stack             []*Reader
	suppressDeletions bool
}

// NewMerged builds a Merged reader over tabs, which must be ordered
// oldest (index 0) to newest, with strictly increasing, non-
// overlapping update_index ranges, and must all agree on hash id.
func NewMerged(tabs []*Reader, suppressDeletions bool) (*Merged, error) {
	var last *Reader
	for i, t := range tabs {
		if last != nil {
			if last.MaxUpdateIndex() >= t.MinUpdateIndex() {
				return nil, apiErrorf("table %d has min %d, table %d has max %d; update indices must be strictly increasing", i, t.MinUpdateIndex(), i-1, last.MaxUpdateIndex())
			}
			if last.HashID() != t.HashID() {
				return nil, apiErrorf("table %d uses hash id %#x, table %d uses %#x; a stack must agree on one hash", i, t.HashID(), i-1, last.HashID())
			}
		}
		last = t
	}

	return &Merged{stack: tabs, suppressDeletions: suppressDeletions}, nil
}

// MaxUpdateIndex implements Table.
func (m *Merged) MaxUpdateIndex() uint64 {
	if len(m.stack) == 0 {
		return 0
	}
	return m.stack[len(m.stack)-1].MaxUpdateIndex()
}

// MinUpdateIndex implements Table.
func (m *Merged) MinUpdateIndex() uint64 {
	if len(m.stack) == 0 {
		return 0
	}
	return m.stack[0].MinUpdateIndex()
}

// HashID implements Table. All tables in the stack are required (by
// NewMerged) to agree, so the first table's is authoritative.
func (m *Merged) HashID() HashID {
	if len(m.stack) == 0 {
		return HashSHA1
	}
	return m.stack[0].HashID()
}

// RefsFor returns an iterator over refs across the whole stack that
// resolve to oid, deduplicated so each ref name appears at most once
// (its newest, non-shadowed definition).
func (m *Merged) RefsFor(oid []byte) (*Iterator, error) {
	mit := &mergedIter{typ: blockTypeRef, suppressDeletions: m.suppressDeletions}
	for _, t := range m.stack {
		it, err := t.seekRecord(&RefRecord{})
		if err != nil {
			mit.close()
			return nil, err
		}
		mit.stack = append(mit.stack, it)
	}

	if err := mit.init(); err != nil {
		mit.close()
		return nil, err
	}
	return newIterator(&filteringRefIterator{
		tab:         nil,
		oid:         oid,
		it:          mit,
		doubleCheck: false,
	}), nil
}

// SeekRef returns a merged iterator over ref records starting at
// ref.RefName.
func (m *Merged) SeekRef(name string) (*Iterator, error) {
	impl, err := m.seek(&RefRecord{RefName: name})
	if err != nil {
		return nil, err
	}
	return newIterator(impl), nil
}

// SeekLog returns a merged iterator over the reflog of name, newest
// entry first.
func (m *Merged) SeekLog(name string) (*Iterator, error) {
	return m.SeekLogAt(name, ^uint64(0))
}

// SeekLogAt returns a merged iterator over the reflog of name
// starting at update_index <= updateIndex, newest first.
func (m *Merged) SeekLogAt(name string, updateIndex uint64) (*Iterator, error) {
	impl, err := m.seek(&LogRecord{RefName: name, UpdateIndex: updateIndex})
	if err != nil {
		return nil, err
	}
	return newIterator(impl), nil
}

func (m *Merged) seek(rec record) (iterator, error) {
	var its []iterator
	for _, t := range m.stack {
		it, err := t.seekRecord(rec)
		if err != nil {
			for _, prior := range its {
				closeIterator(prior)
			}
			return nil, err
		}
		its = append(its, it)
	}

	merged := &mergedIter{
		typ:               rec.typ(),
		stack:             its,
		suppressDeletions: m.suppressDeletions,
	}

	if err := merged.init(); err != nil {
		merged.close()
		return nil, err
	}

	return merged, nil
}

// mergedIter drives the priority-queue merge of a stack of
// sub-iterators. Entries with equal keys are shadowed in favor of the
// one from the highest stack index; when suppressDeletions is set, a
// shadowing tombstone hides the key entirely rather than being
// surfaced to the caller.
type mergedIter struct {
	typ               byte
	pq                pqueue
	stack             []iterator
	suppressDeletions bool
}

func (it *mergedIter) init() error {
	for i, sub := range it.stack {
		if sub == nil {
			continue
		}
		rec := newRecord(it.typ, "")
		ok, err := sub.Next(rec)
		if err != nil {
			return err
		}
		if ok {
			heap.Push(&it.pq, pqEntry{rec: rec, index: i})
		} else {
			closeIterator(sub)
			it.stack[i] = nil
		}
	}
	return nil
}

// advanceSubIter pulls the next record (if any) out of the
// sub-iterator at index and re-inserts it into the queue.
func (m *mergedIter) advanceSubIter(index int) error {
	if m.stack[index] == nil {
		return nil
	}

	r := newRecord(m.typ, "")
	ok, err := m.stack[index].Next(r)
	if err != nil {
		return err
	}

	if !ok {
		closeIterator(m.stack[index])
		m.stack[index] = nil
		return nil
	}

	heap.Push(&m.pq, pqEntry{rec: r, index: index})
	return nil
}

// nextEntry pops the winning entry for the next distinct key, first
// draining (and discarding) every other queued entry that shares that
// key — those are shadowed by a newer table and must never reach the
// caller.
func (m *mergedIter) nextEntry() (pqEntry, bool, error) {
	if m.pq.Len() == 0 {
		return pqEntry{}, false, nil
	}

	entry := heap.Pop(&m.pq).(pqEntry)
	if err := m.advanceSubIter(entry.index); err != nil {
		return pqEntry{}, false, err
	}

	for m.pq.Len() > 0 {
		top := m.pq[0]
		if top.rec.key() != entry.rec.key() {
			break
		}
		heap.Pop(&m.pq)
		if err := m.advanceSubIter(top.index); err != nil {
			return pqEntry{}, false, err
		}
	}

	return entry, true, nil
}

// Next implements iterator. It retries past deletion tombstones when
// suppressDeletions is set, so a caller iterating a Merged table
// never observes the stack's internal bookkeeping for removed refs.
func (m *mergedIter) Next(rec record) (bool, error) {
	for {
		entry, ok, err := m.nextEntry()
		if err != nil || !ok {
			return ok, err
		}

		if m.suppressDeletions && entry.rec.isDeletion() {
			continue
		}

		rec.copyFrom(entry.rec)
		return true, nil
	}
}

// close releases every sub-iterator still holding a block, whether
// queued in pq or already exhausted to nil.
func (m *mergedIter) close() {
	for _, sub := range m.stack {
		if sub != nil {
			closeIterator(sub)
		}
	}
}
