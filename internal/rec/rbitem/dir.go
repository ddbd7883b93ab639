// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbitem

import (
	"encoding/binary"
	"fmt"

	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// MaxNameLen is the maximum length of a directory entry name.
const MaxNameLen = 255

// FileType is the DIR_ITEM/DIR_INDEX child-type byte.
type FileType uint8

const (
	FtUnknown FileType = 0
	FtRegFile FileType = 1
	FtDir     FileType = 2
	FtChrdev  FileType = 3
	FtBlkdev  FileType = 4
	FtFifo    FileType = 5
	FtSock    FileType = 6
	FtSymlink FileType = 7
	FtXattr   FileType = 8
)

func (t FileType) String() string {
	switch t {
	case FtRegFile:
		return "FILE"
	case FtDir:
		return "DIR"
	case FtChrdev:
		return "CHRDEV"
	case FtBlkdev:
		return "BLKDEV"
	case FtFifo:
		return "FIFO"
	case FtSock:
		return "SOCK"
	case FtSymlink:
		return "SYMLINK"
	case FtXattr:
		return "XATTR"
	default:
		return fmt.Sprintf("UNKNOWN_FT_%d", uint8(t))
	}
}

// DirEntry is the body of a DIR_ITEM or DIR_INDEX item: one directory entry,
// naming a child object. The containing directory's object id is the key's
// ObjectID; for DIR_ITEM the key's Offset is a name hash, for DIR_INDEX it is
// a stable, creation-ordered index starting at 2.
type DirEntry struct {
	ChildKey    rbprim.Key
	TransID     uint64
	ChildType   FileType
	Name        []byte
}

// DecodeDirEntry parses a single DIR_ITEM/DIR_INDEX entry starting at dat[0]
// and returns how many bytes it consumed, so that callers can walk the
// (rare) multi-entry DIR_ITEM hash-collision list.
func DecodeDirEntry(dat []byte) (DirEntry, int, error) {
	const headSize = 0x1e
	if len(dat) < headSize {
		return DirEntry{}, 0, fmt.Errorf("rbitem: DIR_ITEM header too short: %d < %d", len(dat), headSize)
	}
	le := binary.LittleEndian
	var e DirEntry
	e.ChildKey.ObjectID = rbprim.ObjID(le.Uint64(dat[0x00:]))
	e.ChildKey.ItemType = rbprim.ItemType(dat[0x08])
	e.ChildKey.Offset = le.Uint64(dat[0x09:])
	e.TransID = le.Uint64(dat[0x11:])
	dataLen := le.Uint16(dat[0x19:])
	nameLen := le.Uint16(dat[0x1b:])
	e.ChildType = FileType(dat[0x1d])
	if nameLen > MaxNameLen {
		return DirEntry{}, 0, fmt.Errorf("rbitem: DIR_ITEM name too long: %d", nameLen)
	}
	total := headSize + int(nameLen) + int(dataLen)
	if len(dat) < total {
		return DirEntry{}, 0, fmt.Errorf("rbitem: DIR_ITEM truncated: %d < %d", len(dat), total)
	}
	e.Name = append([]byte(nil), dat[headSize:headSize+int(nameLen)]...)
	return e, total, nil
}
