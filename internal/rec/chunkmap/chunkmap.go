// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package chunkmap is the chunk-tree reader, which builds a
// logical->physical translation table by reading the chunk tree starting
// from the superblock's bootstrap entries, and the extent resolver, which
// applies that table to read raw bytes at a logical address.
package chunkmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
	"github.com/nthorne/btrfsalvage/internal/rec/rbnode"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
	"github.com/nthorne/btrfsalvage/internal/rec/rbvol"
)

// ErrNotMapped is returned when a logical address has no covering chunk
// entry.
var ErrNotMapped = errors.New("chunkmap: logical address not mapped")

// Entry is one chunk: a contiguous logical range backed by one or more
// physical stripes, any of which may serve a read.
type Entry struct {
	LogicalStart rbprim.LogicalAddr
	Length       uint64
	Stripes      []rbprim.QualifiedPhysicalAddr
}

func (e Entry) contains(addr rbprim.LogicalAddr, length uint64) bool {
	return addr >= e.LogicalStart && uint64(addr-e.LogicalStart)+length <= e.Length
}

// Map is the logical->physical translation table, keyed by logical start
// and queried by range containment.
type Map struct {
	entries []Entry // kept sorted by LogicalStart
}

// NewFromBootstrap seeds a Map directly from the superblock's embedded
// bootstrap chunks, without reading any node. Useful for translating the
// chunk tree root itself before a single node has been parsed.
func NewFromBootstrap(sb rbvol.Superblock) *Map {
	m := &Map{}
	for _, bc := range sb.BootstrapChunks {
		m.add(entryFromChunk(bc.Key, bc.Chunk))
	}
	return m
}

func entryFromChunk(key rbprim.Key, c rbitem.Chunk) Entry {
	e := Entry{LogicalStart: rbprim.LogicalAddr(key.Offset), Length: c.Size}
	for _, s := range c.Stripes {
		e.Stripes = append(e.Stripes, rbprim.QualifiedPhysicalAddr{Dev: s.DeviceID, Addr: s.Offset})
	}
	return e
}

func (m *Map) add(e Entry) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].LogicalStart >= e.LogicalStart })
	if i < len(m.entries) && m.entries[i].LogicalStart == e.LogicalStart {
		m.entries[i] = e
		return
	}
	m.entries = append(m.entries, Entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
}

// find returns the sole chunk entry whose range contains [addr, addr+length);
// chunk ranges never overlap, so at most one can match.
func (m *Map) find(addr rbprim.LogicalAddr, length uint64) (Entry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].LogicalStart > addr })
	if i == 0 {
		return Entry{}, false
	}
	e := m.entries[i-1]
	if !e.contains(addr, length) {
		return Entry{}, false
	}
	return e, true
}

// Translate resolves a single logical address to its first stripe's
// physical address.
func (m *Map) Translate(addr rbprim.LogicalAddr) (rbprim.QualifiedPhysicalAddr, error) {
	e, ok := m.find(addr, 1)
	if !ok || len(e.Stripes) == 0 {
		return rbprim.QualifiedPhysicalAddr{}, fmt.Errorf("%w: %v", ErrNotMapped, addr)
	}
	return e.Stripes[0].Add(addr.Sub(e.LogicalStart)), nil
}

// ReadAt resolves [addr, addr+length) and reads it from device storage,
// trying each stripe in order until one succeeds: the first stripe that
// answers wins, rather than requiring every stripe to agree.
func (m *Map) ReadAt(ds *rbvol.DeviceSet, addr rbprim.LogicalAddr, length int) ([]byte, error) {
	e, ok := m.find(addr, uint64(length))
	if !ok {
		return nil, fmt.Errorf("%w: %v+%d", ErrNotMapped, addr, length)
	}
	delta := addr.Sub(e.LogicalStart)
	var lastErr error
	for _, stripe := range e.Stripes {
		paddr := stripe.Add(delta)
		buf, err := ds.SliceAt(paddr.Dev, paddr.Addr, length)
		if err == nil {
			return buf, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("chunk entry has no stripes")
	}
	return nil, fmt.Errorf("chunkmap: all stripes failed for %v+%d: %w", addr, length, lastErr)
}

// Mapping is one externally supplied logical->physical entry, in the same
// shape as the teacher's btrfsvol.Mapping JSON: a recovery operator who has
// already carved a chunk map out-of-band (e.g. by matching checksums, a
// process out of this spec's scope) can hand it in directly instead of
// trusting the on-disk chunk tree.
type Mapping struct {
	LogicalStart rbprim.LogicalAddr            `json:"laddr"`
	Length       uint64                        `json:"size"`
	Stripes      []rbprim.QualifiedPhysicalAddr `json:"stripes"`
}

// LoadMappings reads a JSON array of Mapping from path, in the format the
// teacher's "--mappings" flag accepts.
func LoadMappings(path string) ([]Mapping, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chunkmap: reading %q: %w", path, err)
	}
	var out []Mapping
	if err := json.Unmarshal(bs, &out); err != nil {
		return nil, fmt.Errorf("chunkmap: parsing %q: %w", path, err)
	}
	return out, nil
}

// AddExternal inserts externally supplied mappings directly into m,
// bypassing any chunk-tree traversal; a later-added entry with the same
// LogicalStart as an existing one replaces it.
func (m *Map) AddExternal(mappings []Mapping) {
	for _, mp := range mappings {
		m.add(Entry{LogicalStart: mp.LogicalStart, Length: mp.Length, Stripes: mp.Stripes})
	}
}

// NewFromMappings builds a Map directly from externally supplied mappings,
// skipping the chunk tree entirely — for an image so damaged that the chunk
// tree itself can't be walked, per spec.md's provision for operator-supplied
// recovery data.
func NewFromMappings(mappings []Mapping) *Map {
	m := &Map{}
	m.AddExternal(mappings)
	return m
}

// Build reads the full chunk tree starting at sb.ChunkTree, recursively
// translating each internal pointer through the *partial* map assembled so
// far — the chunk tree is self-referential, but every level's node address
// lies within a chunk already known (bootstrapped, or added by an earlier,
// shallower level).
func Build(ctx context.Context, ds *rbvol.DeviceSet, sb rbvol.Superblock) (*Map, error) {
	m := NewFromBootstrap(sb)
	if err := walk(ds, sb, m, sb.ChunkTree); err != nil {
		return nil, fmt.Errorf("chunkmap: building chunk tree: %w", err)
	}
	return m, nil
}

func walk(ds *rbvol.DeviceSet, sb rbvol.Superblock, m *Map, addr rbprim.LogicalAddr) error {
	buf, err := m.ReadAt(ds, addr, int(sb.NodeSize))
	if err != nil {
		return fmt.Errorf("reading node at %v: %w", addr, err)
	}
	node, err := rbnode.Decode(buf, sb.NodeSize, sb.FSUUID)
	if err != nil {
		return fmt.Errorf("decoding node at %v: %w", addr, err)
	}

	if node.Head.Level > 0 {
		for _, kp := range node.Internal {
			if err := walk(ds, sb, m, kp.BlockNumber); err != nil {
				return err
			}
		}
		return nil
	}

	for _, item := range node.Leaf {
		if item.Key.ItemType != rbprim.ItemChunkItem {
			continue
		}
		chunk, err := rbitem.DecodeChunk(item.Data)
		if err != nil {
			return fmt.Errorf("decoding chunk item %v: %w", item.Key, err)
		}
		m.add(entryFromChunk(item.Key, chunk))
	}
	return nil
}
