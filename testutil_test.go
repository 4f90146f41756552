/*
Copyright 2020 Google LLC

Use of this source code is governed by a BSD-style
license that can be found in the LICENSE file or at
https://developers.google.com/open-source/licenses/bsd
*/

package reftable

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// constructTestTable writes refs and logs into a fresh table under
// opts and returns both the raw bytes and a Reader over them. Records
// must already be in ascending key order, as the on-disk format
// requires.
func constructTestTable(t *testing.T, refs []RefRecord, logs []LogRecord, opts WriterOptions) (*bytes.Buffer, *Reader) {
	t.Helper()

	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, opts)
	require.NoError(t, err)

	for i := range refs {
		require.NoError(t, w.AddRef(&refs[i]))
	}
	for i := range logs {
		require.NoError(t, w.AddLog(&logs[i]))
	}
	require.NoError(t, w.Close())

	rd, err := NewReader(NewByteBlockSource(buf.Bytes()), "test")
	require.NoError(t, err)
	require.Equal(t, w.Stats.Footer, rd.Footer(), "reader decoded a footer different from what the writer produced")
	return buf, rd
}

// drainRefs exhausts it, collecting every ref record it yields.
func drainRefs(t *testing.T, it *Iterator) []RefRecord {
	t.Helper()
	var out []RefRecord
	for {
		var r RefRecord
		ok, err := it.NextRef(&r)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}
