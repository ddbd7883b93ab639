// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbitem

import (
	"encoding/binary"
	"fmt"

	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// ChunkStripe is one physical copy of a chunk's data.
type ChunkStripe struct {
	DeviceID rbprim.DeviceID
	Offset   rbprim.PhysicalAddr
}

// Chunk is the body of a CHUNK_ITEM: a mapping from a range of logical
// address space (key.Offset, for Size bytes) to one or more physical
// stripes. Key.ObjectID is always FIRST_CHUNK_TREE_OBJECTID=256 in practice;
// the caller takes the logical start from the item's key, not from the body.
type Chunk struct {
	Size       uint64
	Owner      rbprim.ObjID
	StripeLen  uint64
	NumStripes uint16
	Stripes    []ChunkStripe
}

const chunkHeadSize = 0x30
const chunkStripeSize = 0x20

// DecodeChunk parses a CHUNK_ITEM body.
func DecodeChunk(dat []byte) (Chunk, error) {
	if len(dat) < chunkHeadSize {
		return Chunk{}, fmt.Errorf("rbitem: CHUNK_ITEM header too short: %d < %d", len(dat), chunkHeadSize)
	}
	le := binary.LittleEndian
	var c Chunk
	c.Size = le.Uint64(dat[0x0:])
	c.Owner = rbprim.ObjID(le.Uint64(dat[0x8:]))
	c.StripeLen = le.Uint64(dat[0x10:])
	c.NumStripes = le.Uint16(dat[0x2c:])

	need := chunkHeadSize + int(c.NumStripes)*chunkStripeSize
	if len(dat) < need {
		return Chunk{}, fmt.Errorf("rbitem: CHUNK_ITEM stripes truncated: %d < %d", len(dat), need)
	}
	c.Stripes = make([]ChunkStripe, c.NumStripes)
	for i := range c.Stripes {
		off := chunkHeadSize + i*chunkStripeSize
		c.Stripes[i] = ChunkStripe{
			DeviceID: rbprim.DeviceID(le.Uint64(dat[off:])),
			Offset:   rbprim.PhysicalAddr(le.Uint64(dat[off+0x8:])),
		}
	}
	return c, nil
}
