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
	"container/heap"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPQ(t *testing.T) {
	pq := &pqueue{}

	rec := func(k string) pqEntry {
		return pqEntry{rec: &RefRecord{RefName: k}, index: 0}
	}

	var names []string
	for i := 0; i < 30; i++ {
		names = append(names, fmt.Sprintf("%02d", i))
	}

	for _, j := range rand.Perm(len(names)) {
		heap.Push(pq, rec(names[j]))
	}

	var res []string
	for pq.Len() > 0 {
		r := heap.Pop(pq).(pqEntry)
		res = append(res, r.rec.key())
	}

	require.Equal(t, names, res)
}

func constructMergedRefTestTable(t *testing.T, recs ...[]RefRecord) *Merged {
	t.Helper()
	var tabs []*Reader
	for _, rec := range recs {
		_, reader := constructTestTable(t, rec, nil, WriterOptions{
			MinUpdateIndex: rec[0].UpdateIndex,
			MaxUpdateIndex: rec[len(rec)-1].UpdateIndex,
		})
		tabs = append(tabs, reader)
	}

	m, err := NewMerged(tabs, false)
	require.NoError(t, err)
	return m
}

func TestMerged(t *testing.T) {
	r1 := []RefRecord{{
		RefName:     "a",
		UpdateIndex: 1,
		Value:       testHash(1, 20),
	}, {
		RefName:     "b",
		UpdateIndex: 1,
		Value:       testHash(1, 20),
	}, {
		RefName:     "c",
		UpdateIndex: 1,
		Value:       testHash(1, 20),
	}}

	r2 := []RefRecord{{
		RefName:     "a",
		UpdateIndex: 2,
	}}

	r3 := []RefRecord{{
		RefName:     "c",
		UpdateIndex: 3,
		Value:       testHash(2, 20),
	}, {
		RefName:     "d",
		UpdateIndex: 3,
		Value:       testHash(1, 20),
	}}

	merged := constructMergedRefTestTable(t, r1, r2, r3)

	iter, err := merged.SeekRef("a")
	require.NoError(t, err)
	got := drainRefs(t, iter)

	want := []RefRecord{r2[0], r1[1], r3[0], r3[1]}
	require.Equal(t, want, got)

	iter, err = merged.RefsFor(testHash(1, 20))
	require.NoError(t, err)
	got = drainRefs(t, iter)

	want = []RefRecord{r1[1], r3[1]}
	require.Equal(t, want, got)
}

func TestMergedSuppressDeletions(t *testing.T) {
	r1 := []RefRecord{{
		RefName:     "a",
		UpdateIndex: 1,
		Value:       testHash(1, 20),
	}}
	r2 := []RefRecord{{
		RefName:     "a",
		UpdateIndex: 2,
	}}

	var tabs []*Reader
	for _, rec := range [][]RefRecord{r1, r2} {
		_, reader := constructTestTable(t, rec, nil, WriterOptions{
			MinUpdateIndex: rec[0].UpdateIndex,
			MaxUpdateIndex: rec[0].UpdateIndex,
		})
		tabs = append(tabs, reader)
	}

	m, err := NewMerged(tabs, true)
	require.NoError(t, err)

	iter, err := m.SeekRef("a")
	require.NoError(t, err)
	got := drainRefs(t, iter)
	require.Empty(t, got, "the deletion tombstone should be hidden, not surfaced")
}
