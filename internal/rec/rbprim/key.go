// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbprim

import (
	"fmt"
	"math"
)

// ObjID is a per-tree object identifier. Its meaning is private to the tree
// that owns it; the same numeric value in two different trees refers to two
// different objects.
type ObjID uint64

// Well-known object ids, per the on-disk format.
const (
	ObjRootTree  ObjID = 1 // holds RootItem pointers to every other tree
	ObjExtentTree ObjID = 2
	ObjChunkTree ObjID = 3
	ObjDevTree   ObjID = 4
	ObjFSTree    ObjID = 5 // the top-level (default) subvolume
	ObjRootDir   ObjID = 6

	ObjFirstFree ObjID = 256 // subvolumes and inodes in ordinary trees start here
)

// ItemType is the one-byte discriminant of a leaf item's key.
type ItemType uint8

// Item-type codes the core dispatches on. Numeric values are load-bearing:
// they come directly from the on-disk format, not an arbitrary enumeration.
const (
	ItemInode       ItemType = 1
	ItemDirItem     ItemType = 84
	ItemDirIndex    ItemType = 96
	ItemExtentData  ItemType = 108
	ItemExtentItem  ItemType = 168
	ItemRootItem    ItemType = 132
	ItemRootBackref ItemType = 144
	ItemChunkItem   ItemType = 228

	ItemMax ItemType = math.MaxUint8
)

func (t ItemType) String() string {
	switch t {
	case ItemInode:
		return "INODE_ITEM"
	case ItemDirItem:
		return "DIR_ITEM"
	case ItemDirIndex:
		return "DIR_INDEX"
	case ItemExtentData:
		return "EXTENT_DATA"
	case ItemExtentItem:
		return "EXTENT_ITEM"
	case ItemRootItem:
		return "ROOT_ITEM"
	case ItemRootBackref:
		return "ROOT_BACKREF"
	case ItemChunkItem:
		return "CHUNK_ITEM"
	default:
		return fmt.Sprintf("UNKNOWN_ITEM_%d", uint8(t))
	}
}

// Key is a leaf or internal item's sort key: (object_id, item_type, offset)
// compared lexicographically in that order.
type Key struct {
	ObjectID ObjID
	ItemType ItemType
	Offset   uint64
}

func (k Key) Compare(o Key) int {
	switch {
	case k.ObjectID < o.ObjectID:
		return -1
	case k.ObjectID > o.ObjectID:
		return 1
	}
	switch {
	case k.ItemType < o.ItemType:
		return -1
	case k.ItemType > o.ItemType:
		return 1
	}
	switch {
	case k.Offset < o.Offset:
		return -1
	case k.Offset > o.Offset:
		return 1
	}
	return 0
}

func (k Key) String() string {
	return fmt.Sprintf("(%d %v %d)", k.ObjectID, k.ItemType, k.Offset)
}

// Generation is a transaction id: the monotonically increasing counter
// stamped on nodes and some items, used to disambiguate COW versions of the
// same logical key.
type Generation uint64
