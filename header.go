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
	"encoding/binary"
	"hash/crc32"
)

// encodeHeader writes magic, version, block size and update_index
// bounds into buf, followed by the hash id when h.Version is 2. It
// deliberately keeps version and block size as separate fields
// (version byte, then a big-endian u24 block size) rather than the
// packed-uint32 shortcut some historical encoders used, matching the
// wire format readers of other implementations expect byte-for-byte.
func encodeHeader(buf []byte, h Header) int {
	copy(buf[0:4], magic[:])
	buf[4] = h.Version
	putU24(buf[5:8], h.BlockSize)
	binary.BigEndian.PutUint64(buf[8:16], h.MinUpdateIndex)
	binary.BigEndian.PutUint64(buf[16:24], h.MaxUpdateIndex)
	if h.Version == 1 {
		return 24
	}
	binary.BigEndian.PutUint32(buf[24:28], uint32(h.HashID))
	return 28
}

// decodeHeader reads a Header from the front of buf. buf must hold at
// least headerSize(version) bytes (24 for version 1, 28 for version
// 2); trailing bytes beyond that are ignored.
func decodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < 24 {
		return h, formatErrorf("header too short: %d bytes", len(buf))
	}
	copy(h.Magic[:], buf[0:4])
	if h.Magic != magic {
		return h, formatErrorf("bad magic %q, want %q", h.Magic, magic)
	}
	h.Version = buf[4]
	if h.Version != 1 && h.Version != 2 {
		return h, formatErrorf("unsupported format version %d", h.Version)
	}
	h.BlockSize = getU24(buf[5:8])
	h.MinUpdateIndex = binary.BigEndian.Uint64(buf[8:16])
	h.MaxUpdateIndex = binary.BigEndian.Uint64(buf[16:24])
	if h.Version == 2 {
		if len(buf) < 28 {
			return h, formatErrorf("v2 header too short: %d bytes", len(buf))
		}
		h.HashID = HashID(binary.BigEndian.Uint32(buf[24:28]))
		if h.HashID != HashSHA1 && h.HashID != HashSHA256 {
			return h, formatErrorf("unknown hash id %#x", uint32(h.HashID))
		}
	} else {
		h.HashID = HashSHA1
	}
	return h, nil
}

// encodeFooter writes the full footer (header fields, section
// offsets, and a trailing CRC32) into buf, which must be exactly
// footerSize(f.Version) bytes, and returns buf.
func encodeFooter(buf []byte, f Footer) []byte {
	n := encodeHeader(buf, f.Header)
	off := buf[n:]
	binary.BigEndian.PutUint64(off[0:8], f.RefIndexOffset)
	binary.BigEndian.PutUint64(off[8:16], f.ObjOffset<<5|uint64(f.ObjectIDLen))
	binary.BigEndian.PutUint64(off[16:24], f.ObjIndexOffset)
	binary.BigEndian.PutUint64(off[24:32], f.LogOffset)
	binary.BigEndian.PutUint64(off[32:40], f.LogIndexOffset)

	crc := crc32.ChecksumIEEE(buf[:n+40])
	binary.BigEndian.PutUint32(off[40:44], crc)
	return buf[:n+44]
}

// decodeFooter reads and validates a footer, verifying its CRC32 and
// unpacking the object id length out of the packed obj-offset field.
func decodeFooter(buf []byte) (Footer, error) {
	var f Footer
	h, err := decodeHeader(buf)
	if err != nil {
		return f, err
	}
	f.Header = h

	n := headerSize(int(h.Version))
	want := footerSize(int(h.Version))
	if len(buf) < want {
		return f, formatErrorf("footer too short: %d bytes, want %d", len(buf), want)
	}

	off := buf[n:]
	f.RefIndexOffset = binary.BigEndian.Uint64(off[0:8])
	packedObj := binary.BigEndian.Uint64(off[8:16])
	f.ObjOffset = packedObj >> 5
	f.ObjectIDLen = int(packedObj & ((1 << 5) - 1))
	f.ObjIndexOffset = binary.BigEndian.Uint64(off[16:24])
	f.LogOffset = binary.BigEndian.Uint64(off[24:32])
	f.LogIndexOffset = binary.BigEndian.Uint64(off[32:40])

	gotCRC := binary.BigEndian.Uint32(off[40:44])
	wantCRC := crc32.ChecksumIEEE(buf[:n+40])
	if gotCRC != wantCRC {
		return f, formatErrorf("footer CRC mismatch: got %#x, want %#x", gotCRC, wantCRC)
	}

	return f, nil
}
