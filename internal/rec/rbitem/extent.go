// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbitem

import (
	"encoding/binary"
	"fmt"

	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// ExtentItem is the extent-tree allocation record for a logical extent
// (EXTENT_ITEM=168), indexed by fstree.Forest.ExtentItem for tree-listing
// consumers; the variable-length inline backref list that follows is not
// needed to restore files and is not decoded.
type ExtentItem struct {
	RefCount   uint64
	Generation rbprim.Generation
	Flags      uint64
}

const extentItemHeadSize = 0x18

// DecodeExtentItem parses only the fixed ExtentItem header.
func DecodeExtentItem(dat []byte) (ExtentItem, error) {
	if len(dat) < extentItemHeadSize {
		return ExtentItem{}, fmt.Errorf("rbitem: EXTENT_ITEM too short: %d < %d", len(dat), extentItemHeadSize)
	}
	le := binary.LittleEndian
	return ExtentItem{
		RefCount:   le.Uint64(dat[0x0:]),
		Generation: rbprim.Generation(le.Uint64(dat[0x8:])),
		Flags:      le.Uint64(dat[0x10:]),
	}, nil
}
