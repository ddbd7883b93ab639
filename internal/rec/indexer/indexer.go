// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package indexer parses every node's header and leaf items, given the
// scanner's offset list, into typed, in-memory collections, and resolves
// the handful of item kinds that exist in multiple COW-versioned copies
// down to a single current value per object id, most-recent generation
// wins.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
	"github.com/nthorne/btrfsalvage/internal/rec/rbnode"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
	"github.com/nthorne/btrfsalvage/internal/rec/rbvol"
	"github.com/nthorne/btrfsalvage/internal/textui"
)

// InodeRecord pairs a decoded INODE_ITEM with the scan position (index in
// the offset list) it came from.
type InodeRecord struct {
	ObjectID rbprim.ObjID
	Item     rbitem.Inode
	Seq      int
}

// DirEntryRecord is one DIR_ITEM/DIR_INDEX entry plus the directory (key's
// object id) that contains it.
type DirEntryRecord struct {
	Parent rbprim.ObjID
	Key    rbprim.Key // the containing item's key (Offset = name-hash or index)
	Entry  rbitem.DirEntry
	Seq    int
}

// FileExtentRecord is one EXTENT_DATA item, keyed by the inode it belongs
// to and the file offset it starts at (both carried in the item's key).
type FileExtentRecord struct {
	ObjectID   rbprim.ObjID
	FileOffset uint64
	Extent     rbitem.FileExtent
	Seq        int
}

// ExtentItemRecord is one EXTENT_ITEM (the extent-tree's own allocation
// record for a logical extent), keyed by the logical byte number carried in
// the item's key.
type ExtentItemRecord struct {
	LogicalStart uint64
	Item         rbitem.ExtentItem
	Seq          int
}

// RootItemRecord is one ROOT_ITEM, noting which tree the node that held it
// claimed to belong to (its "owner"), for the root-tree filter in
// fstree.Forest.Subvolumes.
type RootItemRecord struct {
	ObjectID rbprim.ObjID
	Owner    rbprim.ObjID
	Item     rbitem.RootItem
	Seq      int
}

// RootBackrefRecord is one ROOT_BACKREF, keyed by the child subvolume id.
type RootBackrefRecord struct {
	Child      rbprim.ObjID
	ParentTree rbprim.ObjID // key.Offset: the tree id this subvolume is linked from
	Ref        rbitem.RootRef
	Seq        int
}

// IndexedFilesystem is the full result of indexing an offset list: every
// parsed node, split by kind into flat vectors and per-object-id maps, plus
// the most-recent-generation resolution.
type IndexedFilesystem struct {
	Nodes         []rbnode.Node
	LeafNodes     []rbnode.Node
	InternalNodes []rbnode.Node

	Inodes          []InodeRecord
	InodesByObject  map[rbprim.ObjID][]InodeRecord
	DirEntries      []DirEntryRecord
	DirEntriesByDir map[rbprim.ObjID][]DirEntryRecord
	FileExtents     []FileExtentRecord
	FileExtentsByObject map[rbprim.ObjID][]FileExtentRecord
	RootItems       []RootItemRecord
	RootItemsByObject map[rbprim.ObjID][]RootItemRecord
	RootBackrefs    []RootBackrefRecord
	RootBackrefsByChild map[rbprim.ObjID][]RootBackrefRecord
	ExtentItems     []ExtentItemRecord
	ExtentItemsByStart map[uint64]ExtentItemRecord

	InternalItemsByTree map[rbprim.ObjID][]rbnode.KeyPointer

	InodeItemsRecent     map[rbprim.ObjID]rbitem.Inode
	DirItemEntriesRecent map[rbprim.ObjID]DirEntryRecord // keyed by child object id
	DirEntriesByParentRecent map[rbprim.ObjID][]rbprim.ObjID

	NumSkipped int
}

type scanStats struct {
	portion textui.Portion[int]
	skipped int
}

func (s scanStats) String() string {
	return fmt.Sprintf("indexed %v (%d skipped)", s.portion, s.skipped)
}

// Build parses every offset in order, reporting malformed nodes but
// otherwise continuing: a node that fails header validation is counted in
// NumSkipped and skipped, not treated as fatal.
func Build(ctx context.Context, ds *rbvol.DeviceSet, sb rbvol.Superblock, offsets []uint64) (*IndexedFilesystem, error) {
	fs := &IndexedFilesystem{
		InodesByObject:           make(map[rbprim.ObjID][]InodeRecord),
		DirEntriesByDir:          make(map[rbprim.ObjID][]DirEntryRecord),
		FileExtentsByObject:      make(map[rbprim.ObjID][]FileExtentRecord),
		RootItemsByObject:        make(map[rbprim.ObjID][]RootItemRecord),
		RootBackrefsByChild:      make(map[rbprim.ObjID][]RootBackrefRecord),
		ExtentItemsByStart:       make(map[uint64]ExtentItemRecord),
		InternalItemsByTree:      make(map[rbprim.ObjID][]rbnode.KeyPointer),
		InodeItemsRecent:         make(map[rbprim.ObjID]rbitem.Inode),
		DirItemEntriesRecent:     make(map[rbprim.ObjID]DirEntryRecord),
	}

	progress := textui.NewProgress[scanStats](ctx, dlog.LogLevelInfo, 1*time.Second)
	inodeGen := make(map[rbprim.ObjID]rbprim.Generation)
	dirGen := make(map[rbprim.ObjID]uint64)

	for i, off := range offsets {
		progress.Set(scanStats{portion: textui.Portion[int]{N: i, D: len(offsets)}, skipped: fs.NumSkipped})

		devID, paddr, err := resolveGlobalOffset(ds, off)
		if err != nil {
			dlog.Errorf(ctx, "indexer: offset %x: %v", off, err)
			fs.NumSkipped++
			continue
		}
		buf, err := ds.SliceAt(devID, paddr, int(sb.NodeSize))
		if err != nil {
			dlog.Errorf(ctx, "indexer: offset %x: %v", off, err)
			fs.NumSkipped++
			continue
		}
		node, err := rbnode.Decode(buf, sb.NodeSize, sb.FSUUID)
		if err != nil {
			dlog.Errorf(ctx, "indexer: offset %x: %v", off, err)
			fs.NumSkipped++
			continue
		}

		fs.Nodes = append(fs.Nodes, node)
		if node.Head.Level > 0 {
			fs.InternalNodes = append(fs.InternalNodes, node)
			fs.InternalItemsByTree[node.Head.Owner] = append(fs.InternalItemsByTree[node.Head.Owner], node.Internal...)
			continue
		}
		fs.LeafNodes = append(fs.LeafNodes, node)
		ingestLeaf(fs, node, i, inodeGen, dirGen)
	}
	progress.Set(scanStats{portion: textui.Portion[int]{N: len(offsets), D: len(offsets)}, skipped: fs.NumSkipped})
	progress.Done()

	sortAll(fs)
	invertRecentDirEntries(fs)
	return fs, nil
}

func resolveGlobalOffset(ds *rbvol.DeviceSet, global uint64) (rbprim.DeviceID, rbprim.PhysicalAddr, error) {
	var base uint64
	for _, dev := range ds.Devices() {
		size := uint64(dev.Size())
		if global < base+size {
			return dev.ID(), rbprim.PhysicalAddr(global - base), nil
		}
		base += size
	}
	return 0, 0, fmt.Errorf("indexer: global offset %d is beyond every device (total %d bytes)", global, base)
}

func ingestLeaf(fs *IndexedFilesystem, node rbnode.Node, seq int, inodeGen map[rbprim.ObjID]rbprim.Generation, dirGen map[rbprim.ObjID]uint64) {
	for _, item := range node.Leaf {
		switch item.Key.ItemType {
		case rbprim.ItemInode:
			inode, err := rbitem.DecodeInode(item.Data)
			if err != nil {
				continue
			}
			rec := InodeRecord{ObjectID: item.Key.ObjectID, Item: inode, Seq: seq}
			fs.Inodes = append(fs.Inodes, rec)
			fs.InodesByObject[item.Key.ObjectID] = append(fs.InodesByObject[item.Key.ObjectID], rec)
			upsertInode(fs, inodeGen, rec)

		case rbprim.ItemDirItem, rbprim.ItemDirIndex:
			dat := item.Data
			for len(dat) > 0 {
				entry, n, err := rbitem.DecodeDirEntry(dat)
				if err != nil {
					break
				}
				rec := DirEntryRecord{Parent: item.Key.ObjectID, Key: item.Key, Entry: entry, Seq: seq}
				fs.DirEntries = append(fs.DirEntries, rec)
				fs.DirEntriesByDir[item.Key.ObjectID] = append(fs.DirEntriesByDir[item.Key.ObjectID], rec)
				upsertDirEntry(fs, dirGen, rec)
				dat = dat[n:]
			}

		case rbprim.ItemExtentData:
			fe, err := rbitem.DecodeFileExtent(item.Data)
			if err != nil {
				continue
			}
			rec := FileExtentRecord{ObjectID: item.Key.ObjectID, FileOffset: item.Key.Offset, Extent: fe, Seq: seq}
			fs.FileExtents = append(fs.FileExtents, rec)
			fs.FileExtentsByObject[item.Key.ObjectID] = append(fs.FileExtentsByObject[item.Key.ObjectID], rec)

		case rbprim.ItemRootItem:
			ri, err := rbitem.DecodeRootItem(item.Data)
			if err != nil {
				continue
			}
			rec := RootItemRecord{ObjectID: item.Key.ObjectID, Owner: node.Head.Owner, Item: ri, Seq: seq}
			fs.RootItems = append(fs.RootItems, rec)
			fs.RootItemsByObject[item.Key.ObjectID] = append(fs.RootItemsByObject[item.Key.ObjectID], rec)

		case rbprim.ItemRootBackref:
			rr, err := rbitem.DecodeRootRef(item.Data)
			if err != nil {
				continue
			}
			rec := RootBackrefRecord{Child: item.Key.ObjectID, ParentTree: rbprim.ObjID(item.Key.Offset), Ref: rr, Seq: seq}
			fs.RootBackrefs = append(fs.RootBackrefs, rec)
			fs.RootBackrefsByChild[item.Key.ObjectID] = append(fs.RootBackrefsByChild[item.Key.ObjectID], rec)

		case rbprim.ItemExtentItem:
			ei, err := rbitem.DecodeExtentItem(item.Data)
			if err != nil {
				continue
			}
			rec := ExtentItemRecord{LogicalStart: item.Key.Offset, Item: ei, Seq: seq}
			fs.ExtentItems = append(fs.ExtentItems, rec)
			cur, ok := fs.ExtentItemsByStart[rec.LogicalStart]
			if !ok || rec.Item.Generation >= cur.Item.Generation {
				fs.ExtentItemsByStart[rec.LogicalStart] = rec
			}

		default:
			// Recognized-but-not-required-for-restore kinds: CHUNK_ITEM
			// is handled by chunkmap, everything else is left unindexed.
		}
	}
}

// upsertInode maintains a mapping whose value is replaced when the incoming
// generation equals or exceeds the stored one, rather than sorting to find
// the maximum afterward. Records arrive in scan order, so a generation tie
// goes to the later scan position.
func upsertInode(fs *IndexedFilesystem, gen map[rbprim.ObjID]rbprim.Generation, rec InodeRecord) {
	cur, ok := gen[rec.ObjectID]
	if !ok || rec.Item.TransID >= uint64(cur) {
		gen[rec.ObjectID] = rbprim.Generation(rec.Item.TransID)
		fs.InodeItemsRecent[rec.ObjectID] = rec.Item
	}
}

func upsertDirEntry(fs *IndexedFilesystem, gen map[rbprim.ObjID]uint64, rec DirEntryRecord) {
	child := rec.Entry.ChildKey.ObjectID
	cur, ok := gen[child]
	if !ok || rec.Entry.TransID >= cur {
		gen[child] = rec.Entry.TransID
		fs.DirItemEntriesRecent[child] = rec
	}
}

func invertRecentDirEntries(fs *IndexedFilesystem) {
	fs.DirEntriesByParentRecent = make(map[rbprim.ObjID][]rbprim.ObjID)
	for child, rec := range fs.DirItemEntriesRecent {
		fs.DirEntriesByParentRecent[rec.Parent] = append(fs.DirEntriesByParentRecent[rec.Parent], child)
	}
}

func sortAll(fs *IndexedFilesystem) {
	for k, v := range fs.InodesByObject {
		v := v
		sort.SliceStable(v, func(i, j int) bool { return v[i].Item.TransID < v[j].Item.TransID })
		fs.InodesByObject[k] = v
	}
	for k, v := range fs.DirEntriesByDir {
		v := v
		sort.SliceStable(v, func(i, j int) bool { return v[i].Key.Offset < v[j].Key.Offset })
		fs.DirEntriesByDir[k] = v
	}
	for k, v := range fs.FileExtentsByObject {
		v := v
		sort.SliceStable(v, func(i, j int) bool { return v[i].FileOffset < v[j].FileOffset })
		fs.FileExtentsByObject[k] = v
	}
	for k, v := range fs.RootItemsByObject {
		v := v
		sort.SliceStable(v, func(i, j int) bool { return v[i].Item.Generation < v[j].Item.Generation })
		fs.RootItemsByObject[k] = v
	}
}
