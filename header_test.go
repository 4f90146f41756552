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

func TestHeaderRoundTripV1(t *testing.T) {
	h := Header{
		Magic:          magic,
		Version:        1,
		BlockSize:      4096,
		MinUpdateIndex: 1,
		MaxUpdateIndex: 9,
		HashID:         HashSHA1, // decodeHeader always fills this in for v1
	}
	buf := make([]byte, headerSize(1))
	n := encodeHeader(buf, h)
	require.Equal(t, headerSize(1), n)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderRoundTripV2(t *testing.T) {
	h := Header{
		Magic:          magic,
		Version:        2,
		BlockSize:      256,
		MinUpdateIndex: 3,
		MaxUpdateIndex: 300,
		HashID:         HashSHA256,
	}
	buf := make([]byte, headerSize(2))
	n := encodeHeader(buf, h)
	require.Equal(t, headerSize(2), n)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, headerSize(1))
	encodeHeader(buf, Header{Magic: magic, Version: 1, MinUpdateIndex: 1, MaxUpdateIndex: 1})
	buf[0] = 'X'

	_, err := decodeHeader(buf)
	require.Error(t, err)
}

func TestHeaderRejectsUnsupportedVersion(t *testing.T) {
	buf := make([]byte, headerSize(1))
	encodeHeader(buf, Header{Magic: magic, Version: 1, MinUpdateIndex: 1, MaxUpdateIndex: 1})
	buf[4] = 3

	_, err := decodeHeader(buf)
	require.Error(t, err)
}

func TestFooterRoundTripV1(t *testing.T) {
	f := Footer{
		Header: Header{
			Magic:          magic,
			Version:        1,
			BlockSize:      4096,
			MinUpdateIndex: 1,
			MaxUpdateIndex: 9,
			HashID:         HashSHA1, // decodeHeader always fills this in for v1
		},
		RefIndexOffset: 128,
		ObjOffset:      4096,
		ObjectIDLen:    5,
		ObjIndexOffset: 8192,
		LogOffset:      16384,
		LogIndexOffset: 20480,
	}
	buf := make([]byte, footerSize(1))
	out := encodeFooter(buf, f)
	require.Len(t, out, footerSize(1))

	got, err := decodeFooter(out)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestFooterRoundTripV2(t *testing.T) {
	f := Footer{
		Header: Header{
			Magic:          magic,
			Version:        2,
			BlockSize:      256,
			MinUpdateIndex: 3,
			MaxUpdateIndex: 300,
			HashID:         HashSHA256,
		},
		RefIndexOffset: 512,
		ObjOffset:      2048,
		ObjectIDLen:    6,
		ObjIndexOffset: 4096,
		LogOffset:      6144,
		LogIndexOffset: 7168,
	}
	buf := make([]byte, footerSize(2))
	out := encodeFooter(buf, f)
	require.Len(t, out, footerSize(2))

	got, err := decodeFooter(out)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestFooterRejectsCRCMismatch(t *testing.T) {
	f := Footer{Header: Header{Magic: magic, Version: 1, MinUpdateIndex: 1, MaxUpdateIndex: 1}}
	buf := make([]byte, footerSize(1))
	out := encodeFooter(buf, f)
	out[len(out)-1] ^= 0xff

	_, err := decodeFooter(out)
	require.Error(t, err)
}

// TestNewReaderFooterMatchesWriter exercises decodeFooter through the
// full Reader construction path, against a footer a real Writer
// produced, rather than one hand-built in this file.
func TestNewReaderFooterMatchesWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, WriterOptions{
		Version:        2,
		HashID:         HashSHA256,
		MinUpdateIndex: 1,
		MaxUpdateIndex: 1,
	})
	require.NoError(t, err)
	require.NoError(t, w.AddRef(&RefRecord{RefName: "refs/heads/main", UpdateIndex: 1, Value: testHash(1, 32)}))
	require.NoError(t, w.Close())

	r, err := NewReader(NewByteBlockSource(buf.Bytes()), "test")
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, w.Stats.Footer, r.Footer())
	require.Equal(t, w.Stats.Header, r.Header())
}

func TestNewWriterRejectsSHA256WithVersion1(t *testing.T) {
	buf := &bytes.Buffer{}
	_, err := NewWriter(buf, WriterOptions{Version: 1, HashID: HashSHA256})
	require.Error(t, err)
	code, ok := Code(err)
	require.True(t, ok)
	require.Equal(t, CodeAPI, code)
}
