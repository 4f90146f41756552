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
	"testing"

	"github.com/stretchr/testify/require"
)

func oneTableStack(t *testing.T, name string, min, max uint64, hashID HashID) *Reader {
	t.Helper()
	opts := WriterOptions{MinUpdateIndex: min, MaxUpdateIndex: max, HashID: hashID}
	if hashID == HashSHA256 {
		opts.Version = 2
	}
	_, reader := constructTestTable(t, []RefRecord{{
		RefName:     name,
		UpdateIndex: min,
		Value:       testHash(1, hashSize(orDefault(hashID))),
	}}, nil, opts)
	return reader
}

func orDefault(id HashID) HashID {
	if id == 0 {
		return HashSHA1
	}
	return id
}

func TestStackOrdersTablesAndMerges(t *testing.T) {
	t1 := oneTableStack(t, "a", 1, 1, HashSHA1)
	t2 := oneTableStack(t, "b", 2, 2, HashSHA1)

	st, err := NewStack([]*Reader{t1, t2}, false)
	require.NoError(t, err)
	defer st.Close()

	require.Len(t, st.Tables(), 2)

	iter, err := st.Merged().SeekRef("a")
	require.NoError(t, err)
	got := drainRefs(t, iter)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].RefName)
	require.Equal(t, "b", got[1].RefName)
}

func TestStackRejectsOverlappingUpdateIndices(t *testing.T) {
	t1 := oneTableStack(t, "a", 1, 5, HashSHA1)
	t2 := oneTableStack(t, "b", 3, 6, HashSHA1)

	_, err := NewStack([]*Reader{t1, t2}, false)
	require.Error(t, err)
	code, ok := Code(err)
	require.True(t, ok)
	require.Equal(t, CodeAPI, code)
}

func TestStackRejectsMismatchedHashID(t *testing.T) {
	t1 := oneTableStack(t, "a", 1, 1, HashSHA1)
	t2 := oneTableStack(t, "b", 2, 2, HashSHA256)

	_, err := NewStack([]*Reader{t1, t2}, false)
	require.Error(t, err)
	code, ok := Code(err)
	require.True(t, ok)
	require.Equal(t, CodeAPI, code)
}

func TestStackCloseClosesAllTables(t *testing.T) {
	t1 := oneTableStack(t, "a", 1, 1, HashSHA1)
	t2 := oneTableStack(t, "b", 2, 2, HashSHA1)

	st, err := NewStack([]*Reader{t1, t2}, false)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
