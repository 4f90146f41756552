// Package objtree builds the sorted hash-prefix -> offsets mapping
// that the table writer needs for the obj section's index, using a
// skiplist so insertion order doesn't matter and iteration comes out
// already sorted.
package objtree

import (
	"github.com/huandu/skiplist"
)

// Tree maps an object hash (or hash prefix) to the sorted, deduped
// list of block offsets where a ref pointing at it was written.
type Tree struct {
	sl *skiplist.SkipList
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{sl: skiplist.New(skiplist.String)}
}

// Add records that a ref at block offset off points (directly or via
// its peeled value) at hash. Consecutive duplicate offsets for the
// same hash (the common case: several refs in one block point at the
// same object) are collapsed at insertion time.
func (t *Tree) Add(hash string, off uint64) {
	if hash == "" {
		return
	}
	if v, ok := t.sl.GetValue(hash); ok {
		offs := v.([]uint64)
		if len(offs) > 0 && offs[len(offs)-1] == off {
			return
		}
		t.sl.Set(hash, append(offs, off))
		return
	}
	t.sl.Set(hash, []uint64{off})
}

// Len reports the number of distinct hashes recorded.
func (t *Tree) Len() int { return t.sl.Len() }

// Each calls fn once per recorded hash, in ascending key order, with
// that hash's offsets.
func (t *Tree) Each(fn func(hash string, offsets []uint64)) {
	for e := t.sl.Front(); e != nil; e = e.Next() {
		fn(e.Key().(string), e.Value.([]uint64))
	}
}
