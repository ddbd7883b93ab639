package fstree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nthorne/btrfsalvage/internal/rec/fstree"
	"github.com/nthorne/btrfsalvage/internal/rec/indexer"
	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

func TestSubvolumesListsTopLevelFirst(t *testing.T) {
	t.Parallel()
	fs := &indexer.IndexedFilesystem{
		RootItems: []indexer.RootItemRecord{
			{ObjectID: 256, Owner: rbprim.ObjRootTree, Item: rbitem.RootItem{RootDirID: 6}},
			{ObjectID: rbprim.ObjFSTree, Owner: rbprim.ObjRootTree, Item: rbitem.RootItem{RootDirID: 6}},
		},
	}
	forest := fstree.New(fs)
	svs := forest.Subvolumes()
	require.Len(t, svs, 2)
	assert.Equal(t, rbprim.ObjFSTree, svs[0].ID)
	assert.Equal(t, rbprim.ObjID(256), svs[1].ID)
}

func TestSubvolumePrefersHighestGeneration(t *testing.T) {
	t.Parallel()
	fs := &indexer.IndexedFilesystem{
		RootItemsByObject: map[rbprim.ObjID][]indexer.RootItemRecord{
			256: {
				{ObjectID: 256, Owner: rbprim.ObjRootTree, Item: rbitem.RootItem{Generation: 3, RootDirID: 6}},
				{ObjectID: 256, Owner: rbprim.ObjRootTree, Item: rbitem.RootItem{Generation: 5, RootDirID: 6}},
			},
		},
	}
	forest := fstree.New(fs)
	sv, err := forest.Subvolume(256)
	require.NoError(t, err)
	assert.EqualValues(t, 5, sv.RootItem.Generation)
}

func TestDirItemEntryAndDirIndexes(t *testing.T) {
	t.Parallel()
	fs := &indexer.IndexedFilesystem{
		DirEntriesByDir: map[rbprim.ObjID][]indexer.DirEntryRecord{
			6: {
				{
					Parent: 6,
					Key:    rbprim.Key{ObjectID: 6, ItemType: rbprim.ItemDirItem, Offset: 111},
					Entry:  rbitem.DirEntry{ChildKey: rbprim.Key{ObjectID: 1000}, TransID: 1, ChildType: rbitem.FtRegFile, Name: []byte("b")},
				},
				{
					Parent: 6,
					Key:    rbprim.Key{ObjectID: 6, ItemType: rbprim.ItemDirIndex, Offset: 2},
					Entry:  rbitem.DirEntry{ChildKey: rbprim.Key{ObjectID: 1000}, TransID: 1, ChildType: rbitem.FtRegFile, Name: []byte("b")},
				},
			},
		},
	}
	forest := fstree.New(fs)

	e, err := forest.DirItemEntry(6, []byte("b"))
	require.NoError(t, err)
	assert.EqualValues(t, 1000, e.ChildKey.ObjectID)

	_, err = forest.DirItemEntry(6, []byte("missing"))
	assert.ErrorIs(t, err, fstree.ErrNotFound)

	idx := forest.DirIndexes(6)
	require.Len(t, idx, 1)
	assert.Equal(t, "b", string(idx[0].Name))
}

func TestInodeItemIsCached(t *testing.T) {
	t.Parallel()
	fs := &indexer.IndexedFilesystem{
		InodeItemsRecent: map[rbprim.ObjID]rbitem.Inode{
			1000: {Size: 6, Mode: 0o100644},
		},
	}
	forest := fstree.New(fs)

	it, err := forest.InodeItem(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), it.Size)

	// Served from the cache once the index no longer holds it.
	delete(fs.InodeItemsRecent, 1000)
	it, err = forest.InodeItem(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), it.Size)

	_, err = forest.InodeItem(9999)
	assert.ErrorIs(t, err, fstree.ErrNotFound)
}

func TestExtentDatasReturnsFileExtents(t *testing.T) {
	t.Parallel()
	fs := &indexer.IndexedFilesystem{
		FileExtentsByObject: map[rbprim.ObjID][]indexer.FileExtentRecord{
			1000: {{ObjectID: 1000, FileOffset: 0, Extent: rbitem.FileExtent{Type: rbitem.ExtentInline, Inline: []byte("hello\n")}}},
		},
	}
	forest := fstree.New(fs)
	exts := forest.ExtentDatas(1000)
	require.Len(t, exts, 1)
	assert.Equal(t, "hello\n", string(exts[0].Extent.Inline))
}
