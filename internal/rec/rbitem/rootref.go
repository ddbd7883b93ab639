// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbitem

import (
	"encoding/binary"
	"fmt"

	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// RootRef is the body shared by ROOT_REF and ROOT_BACKREF items: it names the
// directory (and entry name) through which a subvolume is reachable from its
// parent tree. The core only consumes ROOT_BACKREF (key.ObjectID = child
// subvolume, key.Offset = parent tree id) to reconstruct subvolume paths.
type RootRef struct {
	DirID    rbprim.ObjID // object id within the parent tree of the directory holding this subvolume
	Sequence uint64
	Name     []byte
}

// DecodeRootRef parses a ROOT_REF/ROOT_BACKREF item body.
func DecodeRootRef(dat []byte) (RootRef, error) {
	const headSize = 0x12
	if len(dat) < headSize {
		return RootRef{}, fmt.Errorf("rbitem: ROOT_BACKREF too short: %d < %d", len(dat), headSize)
	}
	le := binary.LittleEndian
	var rr RootRef
	rr.DirID = rbprim.ObjID(le.Uint64(dat[0x0:]))
	rr.Sequence = le.Uint64(dat[0x8:])
	nameLen := le.Uint16(dat[0x10:])
	if len(dat) < headSize+int(nameLen) {
		return RootRef{}, fmt.Errorf("rbitem: ROOT_BACKREF name truncated")
	}
	rr.Name = append([]byte(nil), dat[headSize:headSize+int(nameLen)]...)
	return rr, nil
}
