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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

const testHashSize = 20

func TestBlockSeekLog(t *testing.T) {
	testBlockSeek(t, blockTypeLog)
}

func TestBlockSeekRef(t *testing.T) {
	testBlockSeek(t, blockTypeRef)
}

func createSeekReader(t *testing.T, typ byte, bs uint32) ([]string, *blockReader) {
	t.Helper()
	block := make([]byte, bs)

	const headerOff = 17
	bw := newBlockWriter(typ, block, headerOff, defaultRestartInterval, testHashSize)

	var names []string
	const N = 30
	for i := 0; i < N; i++ {
		names = append(names, fmt.Sprintf("refs/heads/branch%02d", i))
	}
	for i, n := range names {
		var rec record
		if typ == blockTypeRef {
			rec = &RefRecord{RefName: n}
		} else {
			rec = &LogRecord{
				RefName: n,
				Message: "hello",
				Old:     testHash(1, testHashSize),
				New:     testHash(2, testHashSize),
			}
		}

		names[i] = rec.key()
		require.True(t, bw.add(rec))
	}

	block = bw.finish()

	br, err := newBlockReader(block, headerOff, bs, testHashSize)
	require.NoError(t, err)
	return names, br
}

func testBlockSeek(t *testing.T, typ byte) {
	bs := uint32(10240)

	names, br := createSeekReader(t, typ, bs)

	for _, nm := range names {
		bi, err := br.seek(nm)
		require.NoError(t, err)

		res := newRecord(typ, "")
		ok, err := bi.Next(res)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, nm, res.key())
	}
}

func TestBlockSeekPrefixLog(t *testing.T) {
	testBlockSeekPrefix(t, blockTypeLog)
}

func TestBlockSeekPrefixRef(t *testing.T) {
	testBlockSeekPrefix(t, blockTypeRef)
}

func testBlockSeekPrefix(t *testing.T, typ byte) {
	bs := uint32(10240)

	names, br := createSeekReader(t, typ, bs)

	nm := names[10]
	nm = nm[:len(nm)-1]
	bi, err := br.seek(nm)
	require.NoError(t, err)

	res := newRecord(typ, "")
	ok, err := bi.Next(res)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, names[10], res.key())
}

func testBlockSeekLast(t *testing.T, typ byte) {
	bs := uint32(10240)

	names, br := createSeekReader(t, typ, bs)

	nm := names[len(names)-1] + "z"
	bi, err := br.seek(nm)
	require.NoError(t, err)

	res := newRecord(typ, "")
	ok, err := bi.Next(res)
	require.NoError(t, err)
	require.False(t, ok, "got record %q, expected end of block", res.key())
}

func TestBlockSeekLastRef(t *testing.T) {
	testBlockSeekLast(t, blockTypeRef)
}

func TestBlockSeekLastLog(t *testing.T) {
	testBlockSeekLast(t, blockTypeLog)
}

func testBlockSeekFirst(t *testing.T, typ byte) {
	bs := uint32(10240)

	names, br := createSeekReader(t, typ, bs)

	bi, err := br.seek("")
	require.NoError(t, err)

	res := newRecord(typ, "")
	ok, err := bi.Next(res)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, names[0], res.key())
}

func TestBlockSeekFirstRef(t *testing.T) {
	testBlockSeekFirst(t, blockTypeRef)
}

func TestBlockSeekFirstLog(t *testing.T) {
	testBlockSeekFirst(t, blockTypeLog)
}

func readIter(typ byte, bi iterator) ([]record, error) {
	var result []record
	for {
		rec := newRecord(typ, "")
		ok, err := bi.Next(rec)
		if err != nil {
			return result, err
		}
		if !ok {
			break
		}
		result = append(result, rec)
	}
	return result, nil
}

func TestBlockRestart(t *testing.T) {
	block := make([]byte, 512)
	const headerOff = 17
	bw := newBlockWriter(blockTypeRef, block, headerOff, defaultRestartInterval, testHashSize)
	rec := &RefRecord{RefName: "refs/heads/master"}
	require.True(t, bw.add(rec))

	finished := bw.finish()

	br, err := newBlockReader(finished, headerOff, 512, testHashSize)
	require.NoError(t, err)

	require.Equal(t, uint32(headerOff+4), br.restartOffset(0))
	rkey, err := decodeRestartKey(block, br.restartOffset(0))
	require.NoError(t, err)
	require.Equal(t, rec.RefName, rkey)
}

func TestBlockPadding(t *testing.T) {
	block := make([]byte, 512)
	const headerOff = 17

	bw := newBlockWriter(blockTypeRef, block, headerOff, defaultRestartInterval, testHashSize)
	rec := &RefRecord{RefName: "refs/heads/master"}
	require.True(t, bw.add(rec))

	finished := bw.finish()

	br, err := newBlockReader(finished, headerOff, 512, testHashSize)
	require.NoError(t, err)

	var bi blockIter
	br.start(&bi)
	res, err := readIter(bi.br.getType(), &bi)
	require.NoError(t, err)
	require.Len(t, res, 1)
}

func TestBlockHeader(t *testing.T) {
	blockSize := 512
	block := make([]byte, blockSize)
	header := "hello"
	copy(block, header)
	bw := newBlockWriter(blockTypeRef, block, uint32(len(header)), defaultRestartInterval, testHashSize)

	rec := &RefRecord{RefName: "refs/heads/master"}
	require.True(t, bw.add(rec))

	block = bw.finish()

	require.Equal(t, header, string(block[:len(header)]))
	_, err := newBlockReader(block, uint32(len(header)), uint32(blockSize), testHashSize)
	require.NoError(t, err)
}
