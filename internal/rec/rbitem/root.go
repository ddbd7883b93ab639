// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbitem

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// RootItem is the body of a ROOT_ITEM: the root of one subvolume or
// special tree. Key.ObjectID is the subvolume/tree id.
type RootItem struct {
	Inode        Inode
	Generation   rbprim.Generation
	RootDirID    rbprim.ObjID
	ByteNr       rbprim.LogicalAddr // logical address of this tree's root node
	BytesUsed    uint64
	Refs         uint32
	Level        uint8
	UUID         uuid.UUID
	ParentUUID   uuid.UUID
}

// DecodeRootItem parses a ROOT_ITEM body. Only the fields the lookup layer
// needs (root node address, level, uuids for path reconstruction) are kept;
// balance/defrag bookkeeping fields are skipped.
func DecodeRootItem(dat []byte) (RootItem, error) {
	const minSize = 0xf7 + 0x20 // through ParentUUID
	if len(dat) < minSize {
		return RootItem{}, fmt.Errorf("rbitem: ROOT_ITEM too short: %d < %d", len(dat), minSize)
	}
	le := binary.LittleEndian
	inode, err := DecodeInode(dat[0x0:])
	if err != nil {
		return RootItem{}, fmt.Errorf("rbitem: ROOT_ITEM.inode: %w", err)
	}
	var ri RootItem
	ri.Inode = inode
	ri.Generation = rbprim.Generation(le.Uint64(dat[0xa0:]))
	ri.RootDirID = rbprim.ObjID(le.Uint64(dat[0xa8:]))
	ri.ByteNr = rbprim.LogicalAddr(le.Uint64(dat[0xb0:]))
	ri.BytesUsed = le.Uint64(dat[0xc0:])
	ri.Refs = le.Uint32(dat[0xd8:])
	ri.Level = dat[0xee]
	ri.UUID, _ = uuid.FromBytes(dat[0xf7 : 0xf7+16])
	ri.ParentUUID, _ = uuid.FromBytes(dat[0x107 : 0x107+16])
	return ri, nil
}
