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

func TestWriterRejectsUpdateIndexOutOfBounds(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, WriterOptions{
		MinUpdateIndex: 2,
		MaxUpdateIndex: 4,
	})
	require.NoError(t, err)

	for _, ref := range []RefRecord{
		{RefName: "ref", UpdateIndex: 1},
		{RefName: "ref", UpdateIndex: 5},
	} {
		err := w.AddRef(&ref)
		require.Error(t, err, "AddRef at update_index %d outside [2, 4] should have failed", ref.UpdateIndex)
		code, ok := Code(err)
		require.True(t, ok)
		require.Equal(t, CodeAPI, code)
	}
}
