// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rbnode decodes the fixed-size B-tree node that every logical tree
// in the filesystem (chunk tree, root tree, a subvolume's fs tree, ...) is
// built from, without interpreting the type-specific payload of leaf items —
// that's left to the indexer, which dispatches on item_type using rbitem.
package rbnode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// HeaderSize is the fixed size of a node header, per the on-disk format.
const HeaderSize = 101

// LeafItemHeaderSize is the fixed size of one leaf item header entry.
const LeafItemHeaderSize = 25

// InternalItemSize is the fixed size of one internal (key-pointer) entry.
const InternalItemSize = 33

// ErrNotANode is returned when the bytes at a candidate offset don't parse
// as a node with a matching filesystem UUID.
var ErrNotANode = errors.New("rbnode: not a node")

// Header is the 101-byte node header common to internal and leaf nodes.
type Header struct {
	Checksum      [32]byte
	FSUUID        uuid.UUID // called "metadata uuid" on-disk
	Addr          rbprim.LogicalAddr
	Flags         uint64 // the 7-byte on-disk flags field; the following BackrefRev byte is not kept
	ChunkTreeUUID uuid.UUID
	Generation    rbprim.Generation
	Owner         rbprim.ObjID // tree id that owns this node
	NumItems      uint32
	Level         uint8 // 0 = leaf, >0 = internal
}

// LeafItem is one key + payload-location pair from a leaf node, plus the raw
// payload bytes themselves (a view into the node's backing buffer).
type LeafItem struct {
	Key        rbprim.Key
	DataOffset uint32
	DataSize   uint32
	Data       []byte
}

// KeyPointer is one entry of an internal node: a key plus the logical
// address and generation of the child node it routes to.
type KeyPointer struct {
	Key        rbprim.Key
	BlockNumber rbprim.LogicalAddr
	Generation  rbprim.Generation
}

// Node is a decoded B-tree node: exactly one of Leaf or Internal is
// populated, per Head.Level.
type Node struct {
	Head     Header
	Leaf     []LeafItem
	Internal []KeyPointer
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("rbnode: buffer shorter than header: %d < %d", len(buf), HeaderSize)
	}
	le := binary.LittleEndian
	var h Header
	copy(h.Checksum[:], buf[0x00:0x20])
	h.FSUUID, _ = uuid.FromBytes(buf[0x20:0x30])
	h.Addr = rbprim.LogicalAddr(le.Uint64(buf[0x30:]))
	var flagsBuf [8]byte
	copy(flagsBuf[:7], buf[0x38:0x3f])
	h.Flags = le.Uint64(flagsBuf[:])
	h.ChunkTreeUUID, _ = uuid.FromBytes(buf[0x40:0x50])
	h.Generation = rbprim.Generation(le.Uint64(buf[0x50:]))
	h.Owner = rbprim.ObjID(le.Uint64(buf[0x58:]))
	h.NumItems = le.Uint32(buf[0x60:])
	h.Level = buf[0x64]
	return h, nil
}

// maxItems returns the largest NumItems that could fit in a node of the
// given size at the header's level, used to reject corrupt headers before
// trusting NumItems to drive a slice allocation.
func maxItems(nodeSize uint32, level uint8) uint32 {
	body := nodeSize - HeaderSize
	if level > 0 {
		return body / InternalItemSize
	}
	return body / LeafItemHeaderSize
}

// Decode parses a node of nodeSize bytes from buf (buf must be at least
// nodeSize long) and requires its fs_uuid to equal fsUUID and its level to be
// a plausible value. It does not validate the checksum; callers that want
// that should hash buf[32:] themselves with the superblock's checksum type.
func Decode(buf []byte, nodeSize uint32, fsUUID uuid.UUID) (Node, error) {
	if uint32(len(buf)) < nodeSize {
		return Node{}, fmt.Errorf("rbnode: short buffer: %d < %d", len(buf), nodeSize)
	}
	buf = buf[:nodeSize]
	head, err := decodeHeader(buf)
	if err != nil {
		return Node{}, err
	}
	if head.FSUUID != fsUUID {
		return Node{}, ErrNotANode
	}
	if head.Level >= 8 {
		return Node{}, fmt.Errorf("%w: level %d >= 8", ErrNotANode, head.Level)
	}
	if head.NumItems > maxItems(nodeSize, head.Level) {
		return Node{}, fmt.Errorf("%w: num_items %d exceeds capacity", ErrNotANode, head.NumItems)
	}

	n := Node{Head: head}
	body := buf[HeaderSize:]
	le := binary.LittleEndian
	if head.Level > 0 {
		n.Internal = make([]KeyPointer, head.NumItems)
		for i := range n.Internal {
			off := i * InternalItemSize
			kp := KeyPointer{}
			kp.Key, err = decodeKey(body[off:])
			if err != nil {
				return Node{}, err
			}
			kp.BlockNumber = rbprim.LogicalAddr(le.Uint64(body[off+17:]))
			kp.Generation = rbprim.Generation(le.Uint64(body[off+25:]))
			n.Internal[i] = kp
		}
		return n, nil
	}

	n.Leaf = make([]LeafItem, head.NumItems)
	for i := range n.Leaf {
		off := i * LeafItemHeaderSize
		item := LeafItem{}
		item.Key, err = decodeKey(body[off:])
		if err != nil {
			return Node{}, err
		}
		item.DataOffset = le.Uint32(body[off+17:])
		item.DataSize = le.Uint32(body[off+21:])
		dataStart := int(item.DataOffset)
		dataEnd := dataStart + int(item.DataSize)
		if dataStart < 0 || dataEnd < dataStart || dataEnd > len(body) {
			return Node{}, fmt.Errorf("rbnode: item %d payload [%d,%d) out of bounds (payload region is %d bytes)",
				i, dataStart, dataEnd, len(body))
		}
		item.Data = body[dataStart:dataEnd]
		n.Leaf[i] = item
	}
	return n, nil
}

func decodeKey(buf []byte) (rbprim.Key, error) {
	if len(buf) < 17 {
		return rbprim.Key{}, fmt.Errorf("rbnode: truncated key")
	}
	le := binary.LittleEndian
	return rbprim.Key{
		ObjectID: rbprim.ObjID(le.Uint64(buf[0:])),
		ItemType: rbprim.ItemType(buf[8]),
		Offset:   le.Uint64(buf[9:]),
	}, nil
}
