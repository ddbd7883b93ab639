// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fstree is subvolume listing and within-tree name and inode
// lookups, built directly on top of the indexer's most-recent-wins maps
// rather than a real B-tree descent: enough of the tree structure is
// reconstructed to enumerate files by picking the most recent generation of
// each logical key, without trusting any node's parent/child pointers.
package fstree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nthorne/btrfsalvage/internal/rec/indexer"
	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

// ErrNotFound is returned by lookups that find no matching entry.
var ErrNotFound = errors.New("fstree: not found")

// Subvolume names one filesystem tree: either the top-level tree
// (ObjFSTree=5) or a user subvolume (object id >= 256).
type Subvolume struct {
	ID       rbprim.ObjID
	RootItem rbitem.RootItem
}

// inodeCacheSize bounds the bare-inode lookup cache used while restoring a
// deep subtree.
const inodeCacheSize = 4096

// Forest exposes subvolume listing and per-object lookups over an indexed
// filesystem.
type Forest struct {
	fs          *indexer.IndexedFilesystem
	inodeCache  *lru.Cache
}

// New wraps an already-built IndexedFilesystem.
func New(fs *indexer.IndexedFilesystem) *Forest {
	cache, _ := lru.New(inodeCacheSize)
	return &Forest{fs: fs, inodeCache: cache}
}

// Subvolumes lists every subvolume reachable from the root tree (tree id 1),
// with the top-level tree (object id 5) always first, matching the CLI's
// "ROOT (5)" convention.
func (f *Forest) Subvolumes() []Subvolume {
	var out []Subvolume
	seen := make(map[rbprim.ObjID]bool)
	for _, rec := range f.fs.RootItems {
		if rec.Owner != rbprim.ObjRootTree {
			continue
		}
		if rec.ObjectID != rbprim.ObjFSTree && rec.ObjectID < rbprim.ObjFirstFree {
			continue
		}
		if seen[rec.ObjectID] {
			continue
		}
		seen[rec.ObjectID] = true
		out = append(out, Subvolume{ID: rec.ObjectID, RootItem: rec.Item})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID == rbprim.ObjFSTree {
			return true
		}
		if out[j].ID == rbprim.ObjFSTree {
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subvolume looks up a single subvolume's RootItem by id, preferring the
// highest-generation copy when more than one was indexed.
func (f *Forest) Subvolume(id rbprim.ObjID) (Subvolume, error) {
	recs := f.fs.RootItemsByObject[id]
	var best *indexer.RootItemRecord
	for i := range recs {
		if recs[i].Owner != rbprim.ObjRootTree {
			continue
		}
		if best == nil || recs[i].Item.Generation >= best.Item.Generation {
			best = &recs[i]
		}
	}
	if best == nil {
		return Subvolume{}, fmt.Errorf("%w: subvolume %d", ErrNotFound, id)
	}
	return Subvolume{ID: id, RootItem: best.Item}, nil
}

// SubvolumePath reconstructs the path under which a subvolume is mounted,
// by walking ROOT_BACKREF parent links until reaching the top-level tree.
// This is the supplemented feature from SPEC_FULL.md §6. If a tree's link
// is missing from the index, the walk stops there and the path starts with a
// "<subvol-N>" placeholder for that tree, followed by the names found below it.
func (f *Forest) SubvolumePath(id rbprim.ObjID) string {
	var parts []string
	cur := id
	for depth := 0; depth < 64; depth++ {
		if cur == rbprim.ObjFSTree {
			break
		}
		refs := f.fs.RootBackrefsByChild[cur]
		if len(refs) == 0 {
			parts = append([]string{fmt.Sprintf("<subvol-%d>", cur)}, parts...)
			break
		}
		ref := refs[0]
		for _, r := range refs[1:] {
			if r.Ref.Sequence > ref.Ref.Sequence {
				ref = r
			}
		}
		parts = append([]string{string(ref.Ref.Name)}, parts...)
		cur = ref.ParentTree
	}
	if len(parts) == 0 {
		return "/"
	}
	return "/" + joinSlash(parts)
}

func joinSlash(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

// InodeItem returns the most-recent INODE_ITEM for an object id.
func (f *Forest) InodeItem(objID rbprim.ObjID) (rbitem.Inode, error) {
	if f.inodeCache != nil {
		if v, ok := f.inodeCache.Get(objID); ok {
			return v.(rbitem.Inode), nil
		}
	}
	it, ok := f.fs.InodeItemsRecent[objID]
	if !ok {
		return rbitem.Inode{}, fmt.Errorf("%w: inode %d", ErrNotFound, objID)
	}
	if f.inodeCache != nil {
		f.inodeCache.Add(objID, it)
	}
	return it, nil
}

// DirItemEntry looks up a single named child of a directory, preferring the
// highest-transaction-id copy of that (directory, name) pair.
func (f *Forest) DirItemEntry(dirObjID rbprim.ObjID, name []byte) (rbitem.DirEntry, error) {
	var best *rbitem.DirEntry
	var bestTrans uint64
	for _, rec := range f.fs.DirEntriesByDir[dirObjID] {
		if rec.Key.ItemType != rbprim.ItemDirItem {
			continue
		}
		if !bytes.Equal(rec.Entry.Name, name) {
			continue
		}
		if best == nil || rec.Entry.TransID >= bestTrans {
			e := rec.Entry
			best = &e
			bestTrans = rec.Entry.TransID
		}
	}
	if best == nil {
		return rbitem.DirEntry{}, fmt.Errorf("%w: %q in directory %d", ErrNotFound, name, dirObjID)
	}
	return *best, nil
}

// DirIndexes returns a directory's children in stable, creation-ordered
// (DIR_INDEX offset) order, resolving multiple COW copies of the same index
// slot down to the most recent one.
func (f *Forest) DirIndexes(dirObjID rbprim.ObjID) []rbitem.DirEntry {
	byIndex := make(map[uint64]indexer.DirEntryRecord)
	for _, rec := range f.fs.DirEntriesByDir[dirObjID] {
		if rec.Key.ItemType != rbprim.ItemDirIndex {
			continue
		}
		cur, ok := byIndex[rec.Key.Offset]
		if !ok || rec.Entry.TransID >= cur.Entry.TransID {
			byIndex[rec.Key.Offset] = rec
		}
	}
	indexes := make([]uint64, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	out := make([]rbitem.DirEntry, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, byIndex[idx].Entry)
	}
	return out
}

// ExtentDatas returns every EXTENT_DATA item for a file's inode, ascending
// by file offset; the indexer already stable-sorts this, which matters
// because the restorer requires strictly ascending offsets.
func (f *Forest) ExtentDatas(objID rbprim.ObjID) []indexer.FileExtentRecord {
	return f.fs.FileExtentsByObject[objID]
}

// ExtentItem returns the extent-tree's own allocation record for the extent
// starting at the given logical byte number, the most-recent-generation
// copy if more than one was indexed. Not used by restore (which resolves
// file content through EXTENT_DATA and the chunk map directly); exposed for
// tree-listing consumers that need to show allocation refcounts.
func (f *Forest) ExtentItem(logicalStart uint64) (rbitem.ExtentItem, error) {
	rec, ok := f.fs.ExtentItemsByStart[logicalStart]
	if !ok {
		return rbitem.ExtentItem{}, fmt.Errorf("%w: extent at %d", ErrNotFound, logicalStart)
	}
	return rec.Item, nil
}
