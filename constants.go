/*
Copyright 2020 Google LLC

Use of this source code is governed by a BSD-style
license that can be found in the LICENSE file or at
https://developers.google.com/open-source/licenses/bsd
*/

package reftable

var magic = [4]byte{'R', 'E', 'F', 'T'}

// HashID identifies the hash function used to derive object ids
// stored in a reftable.
type HashID uint32

// Supported hash identifiers, written into the v2 header/footer.
const (
	HashSHA1   HashID = 0x73686131 // "sha1"
	HashSHA256 HashID = 0x73323536 // "s256"
)

func hashSize(id HashID) int {
	switch id {
	case HashSHA256:
		return 32
	default:
		return 20
	}
}

func headerSize(version int) int {
	if version == 1 {
		return 24
	}
	return 28
}

func footerSize(version int) int {
	if version == 1 {
		return 68
	}
	return 72
}

const defaultBlockSize = 4096

const (
	blockTypeLog   = 'g'
	blockTypeIndex = 'i'
	blockTypeRef   = 'r'
	blockTypeObj   = 'o'
	blockTypeAny   = 0
)

const maxRestarts = (1 << 16) - 1

const defaultRestartInterval = 16

// maxBlockSize is the largest block size the format can express: the
// in-block size field is a big-endian u24.
const maxBlockSize = (1 << 24) - 1

func isBlockType(typ byte) bool {
	switch typ {
	case blockTypeLog, blockTypeIndex, blockTypeRef, blockTypeObj:
		return true
	}
	return false
}
