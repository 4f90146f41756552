/*
Copyright 2020 Google LLC

Use of this source code is governed by a BSD-style
license that can be found in the LICENSE file or at
https://developers.google.com/open-source/licenses/bsd
*/

package reftable

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestReaderSeekRefLevel2 forces a genuine two-level index: enough ref
// blocks that the level-1 index itself spills across more than a
// handful of blocks, requiring a level-2 index over those.
func TestReaderSeekRefLevel2(t *testing.T) {
	const recCount = 120
	suffix := strings.Repeat("x", 50)

	var refs []RefRecord
	for i := 0; i < recCount; i++ {
		name := fmt.Sprintf("%04d/%s", i, suffix)[:50]
		refs = append(refs, RefRecord{
			RefName:     name,
			UpdateIndex: 1,
			Value:       testHash(i, 20),
		})
	}

	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, WriterOptions{
		MinUpdateIndex: 1,
		MaxUpdateIndex: 1,
		BlockSize:      256,
	})
	require.NoError(t, err)
	for i := range refs {
		require.NoError(t, w.AddRef(&refs[i]))
	}
	require.NoError(t, w.Close())
	require.Equal(t, 2, w.Stats.BlockStats[blockTypeRef].MaxIndexLevel,
		"test no longer forces a 2-level index; adjust recCount/BlockSize")

	reader, err := NewReader(NewByteBlockSource(buf.Bytes()), "test")
	require.NoError(t, err)
	defer reader.Close()

	for i := 0; i < recCount; i += 7 {
		it, err := reader.SeekRef(refs[i].RefName)
		require.NoError(t, err)

		var got RefRecord
		ok, err := it.NextRef(&got)
		require.NoError(t, err)
		require.True(t, ok, "seek to %q found nothing", refs[i].RefName)
		require.Equal(t, refs[i].RefName, got.RefName)
		it.Close()
	}
}

// TestReaderRefsForIndexed exercises RefsFor's obj-index-backed path,
// not the linear-scan fallback: SkipIndexObjects is explicitly false
// and the block size is small enough to spread the matching refs over
// several ref blocks.
func TestReaderRefsForIndexed(t *testing.T) {
	var refs []RefRecord
	for i := 0; i < 50; i++ {
		refs = append(refs, RefRecord{
			RefName:     fmt.Sprintf("%04d/%s", i, strings.Repeat("x", 50))[:40],
			Value:       testHash(i/4, 20),
			TargetValue: testHash(3+i/4, 20),
		})
	}

	_, reader := constructTestTable(t, refs, nil, WriterOptions{
		BlockSize:        256,
		SkipIndexObjects: false,
	})
	defer reader.Close()

	want := testHash(4, 20)
	var wantRefs []RefRecord
	for _, r := range refs {
		if bytes.Equal(r.Value, want) || bytes.Equal(r.TargetValue, want) {
			wantRefs = append(wantRefs, r)
		}
	}
	require.NotEmpty(t, wantRefs)

	it, err := reader.RefsFor(want)
	require.NoError(t, err)
	defer it.Close()

	_, indexed := it.impl.(*indexedTableRefIter)
	require.True(t, indexed, "RefsFor used the linear fallback instead of the obj index")

	got := drainRefs(t, it)
	require.Equal(t, wantRefs, got)
}
