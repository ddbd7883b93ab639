// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbvol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// PrimaryOffset is the fixed physical offset of the primary superblock on
// device 1.
const PrimaryOffset rbprim.PhysicalAddr = 0x10000

// BackupOffsets are the fixed physical offsets of the backup superblocks;
// the scanner must not mistake their byte pattern for a node, and higher
// layers may retry reading one of these when the primary is corrupt.
var BackupOffsets = []rbprim.PhysicalAddr{
	0x4000000,
	0x4000000000,
	0x4000000000000,
}

const superblockSize = 4096

var magic = [8]byte{'_', 'B', 'H', 'R', 'f', 'S', '_', 'M'}

// ErrNoSuperblock is returned when the magic number at a candidate
// superblock offset doesn't match.
var ErrNoSuperblock = errors.New("rbvol: no superblock found (magic mismatch)")

// Superblock is the fixed subset of the 4096-byte device-wide superblock
// that the recovery core relies on.
type Superblock struct {
	FSUUID       uuid.UUID
	Generation   rbprim.Generation
	RootTree     rbprim.LogicalAddr
	ChunkTree    rbprim.LogicalAddr
	SectorSize   uint32
	NodeSize     uint32
	LeafSize     uint32

	// BootstrapChunks are the CHUNK_ITEMs embedded directly in the
	// superblock (the "sys_chunk_array"), sufficient to translate the
	// chunk tree's own root address before any node has been read.
	BootstrapChunks []BootstrapChunk
}

// BootstrapChunk pairs a chunk-tree key with its decoded body, as found
// packed into the superblock's embedded chunk array.
type BootstrapChunk struct {
	Key   rbprim.Key
	Chunk rbitem.Chunk
}

// ReadSuperblock reads and validates the superblock at the given physical
// offset of dev. Callers needing the primary superblock pass PrimaryOffset;
// callers recovering from a corrupt primary may retry with BackupOffsets.
func ReadSuperblock(dev *Device, at rbprim.PhysicalAddr) (Superblock, error) {
	buf, err := dev.ReadAt(at, superblockSize)
	if err != nil {
		return Superblock{}, fmt.Errorf("rbvol: reading superblock at %v: %w", at, err)
	}
	if string(buf[0x40:0x48]) != string(magic[:]) {
		return Superblock{}, ErrNoSuperblock
	}
	le := binary.LittleEndian
	var sb Superblock
	sb.FSUUID, _ = uuid.FromBytes(buf[0x20:0x30])
	sb.Generation = rbprim.Generation(le.Uint64(buf[0x48:]))
	sb.RootTree = rbprim.LogicalAddr(le.Uint64(buf[0x50:]))
	sb.ChunkTree = rbprim.LogicalAddr(le.Uint64(buf[0x58:]))
	sb.SectorSize = le.Uint32(buf[0x90:])
	sb.NodeSize = le.Uint32(buf[0x94:])
	sb.LeafSize = le.Uint32(buf[0x98:])

	sysChunkArraySize := le.Uint32(buf[0xa0:])
	sysChunkArray := buf[0x32b:0xb2b]
	if int(sysChunkArraySize) > len(sysChunkArray) {
		return Superblock{}, fmt.Errorf("rbvol: sys_chunk_array_size %d exceeds capacity %d", sysChunkArraySize, len(sysChunkArray))
	}
	chunks, err := decodeBootstrapChunks(sysChunkArray[:sysChunkArraySize])
	if err != nil {
		return Superblock{}, fmt.Errorf("rbvol: decoding bootstrap chunk array: %w", err)
	}
	sb.BootstrapChunks = chunks
	return sb, nil
}

// decodeBootstrapChunks walks the superblock's sys_chunk_array, which packs
// (Key, Chunk) pairs back-to-back with no item-header indirection (unlike a
// real node's leaf items).
func decodeBootstrapChunks(dat []byte) ([]BootstrapChunk, error) {
	var out []BootstrapChunk
	le := binary.LittleEndian
	for len(dat) > 0 {
		if len(dat) < 17 {
			return nil, fmt.Errorf("truncated key: %d bytes left", len(dat))
		}
		key := rbprim.Key{
			ObjectID: rbprim.ObjID(le.Uint64(dat[0:])),
			ItemType: rbprim.ItemType(dat[8]),
			Offset:   le.Uint64(dat[9:]),
		}
		dat = dat[17:]
		if key.ItemType != rbprim.ItemChunkItem {
			return nil, fmt.Errorf("sys_chunk_array contains non-chunk key %v", key)
		}
		chunk, err := rbitem.DecodeChunk(dat)
		if err != nil {
			return nil, fmt.Errorf("chunk at %v: %w", key, err)
		}
		consumed := 0x30 + int(chunk.NumStripes)*0x20
		dat = dat[consumed:]
		out = append(out, BootstrapChunk{Key: key, Chunk: chunk})
	}
	return out, nil
}
