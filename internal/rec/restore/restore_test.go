package restore_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nthorne/btrfsalvage/internal/rec/chunkmap"
	"github.com/nthorne/btrfsalvage/internal/rec/fstree"
	"github.com/nthorne/btrfsalvage/internal/rec/indexer"
	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
	"github.com/nthorne/btrfsalvage/internal/rec/rbvol"
	"github.com/nthorne/btrfsalvage/internal/rec/restore"
)

func emptyDeviceSet() *rbvol.DeviceSet {
	return rbvol.NewFromReaders(nil)
}

func emptyChunkMap() *chunkmap.Map {
	return chunkmap.NewFromBootstrap(rbvol.Superblock{})
}

func TestRestoreSparseExtent(t *testing.T) {
	t.Parallel()
	const rootDir rbprim.ObjID = 6
	const fileObj rbprim.ObjID = 1000

	fs := &indexer.IndexedFilesystem{
		RootItemsByObject: map[rbprim.ObjID][]indexer.RootItemRecord{
			256: {{ObjectID: 256, Owner: rbprim.ObjRootTree, Item: rbitem.RootItem{RootDirID: rootDir}}},
		},
		DirEntriesByDir: map[rbprim.ObjID][]indexer.DirEntryRecord{
			rootDir: {{
				Parent: rootDir,
				Key:    rbprim.Key{ObjectID: rootDir, ItemType: rbprim.ItemDirItem},
				Entry:  rbitem.DirEntry{ChildKey: rbprim.Key{ObjectID: fileObj}, ChildType: rbitem.FtRegFile, Name: []byte("b")},
			}},
		},
		InodeItemsRecent: map[rbprim.ObjID]rbitem.Inode{
			fileObj: {Size: 8192, Mode: 0o100644},
		},
		FileExtentsByObject: map[rbprim.ObjID][]indexer.FileExtentRecord{
			fileObj: {{
				ObjectID:   fileObj,
				FileOffset: 0,
				Extent:     rbitem.FileExtent{Type: rbitem.ExtentRegular, DiskByteNr: 0, DataNumBytes: 8192},
			}},
		},
	}

	forest := fstree.New(fs)
	target := t.TempDir()

	report, err := restore.Restore(context.Background(), forest, emptyChunkMap(), emptyDeviceSet(), restore.Options{
		SubvolumeID: 256,
		Source:      "b",
		Target:      filepath.Join(target, "b"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Files)
	assert.EqualValues(t, 8192, report.SparseBytes)

	fi, err := os.Stat(filepath.Join(target, "b"))
	require.NoError(t, err)
	assert.Equal(t, int64(8192), fi.Size())

	f, err := os.Open(filepath.Join(target, "b"))
	require.NoError(t, err)
	defer f.Close()
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8192), content)
}

func TestRestoreEndToEndFileWithMetadata(t *testing.T) {
	t.Parallel()
	const subvolID rbprim.ObjID = 256
	const dirObj rbprim.ObjID = 257
	const fileObj rbprim.ObjID = 258

	fs := &indexer.IndexedFilesystem{
		RootItemsByObject: map[rbprim.ObjID][]indexer.RootItemRecord{
			subvolID: {{ObjectID: subvolID, Owner: rbprim.ObjRootTree, Item: rbitem.RootItem{RootDirID: rbprim.ObjID(6)}}},
		},
		DirEntriesByDir: map[rbprim.ObjID][]indexer.DirEntryRecord{
			6: {{
				Parent: 6,
				Key:    rbprim.Key{ObjectID: 6, ItemType: rbprim.ItemDirItem},
				Entry:  rbitem.DirEntry{ChildKey: rbprim.Key{ObjectID: dirObj}, ChildType: rbitem.FtDir, Name: []byte("a")},
			}},
			dirObj: {{
				Parent: dirObj,
				Key:    rbprim.Key{ObjectID: dirObj, ItemType: rbprim.ItemDirIndex, Offset: 2},
				Entry:  rbitem.DirEntry{ChildKey: rbprim.Key{ObjectID: fileObj}, ChildType: rbitem.FtRegFile, Name: []byte("b")},
			}},
		},
		InodeItemsRecent: map[rbprim.ObjID]rbitem.Inode{
			dirObj:  {Mode: 0o040755, UID: 1000, GID: 1000},
			fileObj: {Size: 6, Mode: 0o100644, UID: 1000, GID: 1000, MTime: 1700000000},
		},
		FileExtentsByObject: map[rbprim.ObjID][]indexer.FileExtentRecord{
			fileObj: {{
				ObjectID:   fileObj,
				FileOffset: 0,
				Extent:     rbitem.FileExtent{Type: rbitem.ExtentInline, Inline: []byte("hello\n")},
			}},
		},
	}

	forest := fstree.New(fs)
	target := t.TempDir()
	out := filepath.Join(target, "out")

	report, err := restore.Restore(context.Background(), forest, emptyChunkMap(), emptyDeviceSet(), restore.Options{
		SubvolumeID: subvolID,
		Source:      "a",
		Target:      out,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dirs)
	assert.Equal(t, 1, report.Files)

	content, err := os.ReadFile(filepath.Join(out, "b"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))

	fi, err := os.Stat(filepath.Join(out, "b"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
}
