// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbitem

import (
	"encoding/binary"
	"fmt"

	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// InodeSize is the fixed on-disk size of an INODE_ITEM body.
const InodeSize = 0xa0

// Inode mirrors the stat-relevant fields of INODE_ITEM=1. Timestamps are
// decoded to their seconds component only, matching what the restorer needs
// for utime(2).
type Inode struct {
	Generation rbprim.Generation
	TransID    uint64
	Size       uint64
	NumBytes   uint64
	NLink      uint32
	UID        uint32
	GID        uint32
	Mode       uint32
	RDev       uint64
	Flags      uint64
	ATime      uint64 // seconds
	CTime      uint64
	MTime      uint64
}

// DecodeInode parses an INODE_ITEM body. The on-disk layout is a fixed
// 0xa0-byte struct: stat(2)-relevant fields, then four 12-byte
// (seconds+nanos) timestamps starting at 0x70, of which atime, ctime and
// mtime are decoded.
func DecodeInode(dat []byte) (Inode, error) {
	if len(dat) < InodeSize {
		return Inode{}, fmt.Errorf("rbitem: INODE_ITEM too short: %d < %d", len(dat), InodeSize)
	}
	le := binary.LittleEndian
	var it Inode
	it.Generation = rbprim.Generation(le.Uint64(dat[0x00:]))
	it.TransID = le.Uint64(dat[0x08:])
	it.Size = le.Uint64(dat[0x10:])
	it.NumBytes = le.Uint64(dat[0x18:])
	it.NLink = le.Uint32(dat[0x28:])
	it.UID = le.Uint32(dat[0x2c:])
	it.GID = le.Uint32(dat[0x30:])
	it.Mode = le.Uint32(dat[0x34:])
	it.RDev = le.Uint64(dat[0x38:])
	it.Flags = le.Uint64(dat[0x40:])
	it.ATime = le.Uint64(dat[0x70:])
	it.CTime = le.Uint64(dat[0x7c:])
	it.MTime = le.Uint64(dat[0x88:])
	return it, nil
}
