// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbitem

import (
	"encoding/binary"
	"fmt"

	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// CompressionType is the one-byte compression tag carried by an EXTENT_DATA
// item.
type CompressionType uint8

const (
	CompressNone CompressionType = 0
	CompressZlib CompressionType = 1
	CompressLZO  CompressionType = 2
	CompressZstd CompressionType = 3
)

func (c CompressionType) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressZlib:
		return "zlib"
	case CompressLZO:
		return "lzo"
	case CompressZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ExtentType distinguishes inline file data from a pointer to a real extent.
type ExtentType uint8

const (
	ExtentInline   ExtentType = 0
	ExtentRegular  ExtentType = 1
	ExtentPrealloc ExtentType = 2
)

func (t ExtentType) String() string {
	switch t {
	case ExtentInline:
		return "inline"
	case ExtentRegular:
		return "regular"
	case ExtentPrealloc:
		return "prealloc"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// FileExtent is the body of an EXTENT_DATA item: a description of one range
// of a file's bytes and how to locate them. Key.ObjectID is the inode, and
// Key.Offset is the file offset at which this extent begins; the caller
// carries that offset forward from the item's key rather than storing it
// again here.
type FileExtent struct {
	Generation    rbprim.Generation
	RAMBytes      uint64 // decompressed size of the referenced extent, or len(Inline) for inline extents
	Compression   CompressionType
	Type          ExtentType
	Inline        []byte // only for Type == ExtentInline

	// Only for Type == ExtentRegular || Type == ExtentPrealloc.
	DiskByteNr   rbprim.LogicalAddr // 0 means a sparse hole
	DiskNumBytes uint64             // length of the raw (possibly compressed) extent on disk
	DataOffset   uint64             // offset within the decompressed extent where this file's data starts
	DataNumBytes uint64             // length of this file's slice of the decompressed extent
}

// DecodeFileExtent parses an EXTENT_DATA item body.
func DecodeFileExtent(dat []byte) (FileExtent, error) {
	const headSize = 0x15
	if len(dat) < headSize {
		return FileExtent{}, fmt.Errorf("rbitem: EXTENT_DATA header too short: %d < %d", len(dat), headSize)
	}
	le := binary.LittleEndian
	var fe FileExtent
	fe.Generation = rbprim.Generation(le.Uint64(dat[0x0:]))
	fe.RAMBytes = le.Uint64(dat[0x8:])
	fe.Compression = CompressionType(dat[0x10])
	fe.Type = ExtentType(dat[0x14])

	switch fe.Type {
	case ExtentInline:
		fe.Inline = append([]byte(nil), dat[headSize:]...)
	case ExtentRegular, ExtentPrealloc:
		const bodySize = 0x20
		if len(dat) < headSize+bodySize {
			return FileExtent{}, fmt.Errorf("rbitem: EXTENT_DATA body too short: %d < %d", len(dat), headSize+bodySize)
		}
		body := dat[headSize:]
		fe.DiskByteNr = rbprim.LogicalAddr(le.Uint64(body[0x0:]))
		fe.DiskNumBytes = le.Uint64(body[0x8:])
		fe.DataOffset = le.Uint64(body[0x10:])
		fe.DataNumBytes = le.Uint64(body[0x18:])
	default:
		return FileExtent{}, fmt.Errorf("rbitem: unknown EXTENT_DATA type %d", fe.Type)
	}
	return fe, nil
}
