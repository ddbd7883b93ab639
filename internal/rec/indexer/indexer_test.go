package indexer_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nthorne/btrfsalvage/internal/rec/indexer"
	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
	"github.com/nthorne/btrfsalvage/internal/rec/rbnode"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
	"github.com/nthorne/btrfsalvage/internal/rec/rbvol"
)

var testFSUUID = uuid.MustParse("a0dd94ed-e60c-42e8-8632-64e8d4765a43")

const nodeSize = 4096

// buildLeafNode lays out a single-item leaf node (one INODE_ITEM) in a
// freshly allocated nodeSize-byte buffer.
func buildLeafNode(objID rbprim.ObjID, transID uint64) []byte {
	buf := make([]byte, nodeSize)
	le := binary.LittleEndian
	copy(buf[0x20:0x30], testFSUUID[:])
	le.PutUint64(buf[0x58:], uint64(rbprim.ObjFSTree))
	le.PutUint32(buf[0x60:], 1) // NumItems

	body := buf[rbnode.HeaderSize:]
	le.PutUint64(body[0:], uint64(objID))
	body[8] = byte(rbprim.ItemInode)
	le.PutUint64(body[9:], 0)
	dataOff := uint32(rbnode.LeafItemHeaderSize)
	le.PutUint32(body[17:], dataOff)
	le.PutUint32(body[21:], rbitem.InodeSize)

	item := body[dataOff : dataOff+rbitem.InodeSize]
	le.PutUint64(item[0x08:], transID) // TransID
	le.PutUint64(item[0x10:], 6)       // Size
	le.PutUint32(item[0x34:], 0o100644)
	return buf
}

func testSuperblock() rbvol.Superblock {
	return rbvol.Superblock{FSUUID: testFSUUID, NodeSize: nodeSize, LeafSize: nodeSize, SectorSize: nodeSize}
}

func devSet(t *testing.T, buf []byte) *rbvol.DeviceSet {
	t.Helper()
	entries := []struct {
		Name string
		RA   io.ReaderAt
		Size int64
	}{{Name: "dev", RA: bytes.NewReader(buf), Size: int64(len(buf))}}
	return rbvol.NewFromReaders(entries)
}

func TestMostRecentInodeWins(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 2*nodeSize)
	copy(buf[0:nodeSize], buildLeafNode(1000, 7))
	copy(buf[nodeSize:2*nodeSize], buildLeafNode(1000, 9))

	ds := devSet(t, buf)
	fs, err := indexer.Build(context.Background(), ds, testSuperblock(), []uint64{0, nodeSize})
	require.NoError(t, err)

	got, ok := fs.InodeItemsRecent[1000]
	require.True(t, ok)
	if !assert.Equal(t, uint64(9), got.TransID) {
		t.Logf("indexed filesystem: %s", spew.Sdump(fs))
	}
}

func TestMostRecentInodeWinsRegardlessOfScanOrder(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 2*nodeSize)
	copy(buf[0:nodeSize], buildLeafNode(1000, 9))
	copy(buf[nodeSize:2*nodeSize], buildLeafNode(1000, 7))

	ds := devSet(t, buf)
	fs, err := indexer.Build(context.Background(), ds, testSuperblock(), []uint64{0, nodeSize})
	require.NoError(t, err)

	got, ok := fs.InodeItemsRecent[1000]
	require.True(t, ok)
	assert.Equal(t, uint64(9), got.TransID)
}

func TestBuildSkipsMalformedNode(t *testing.T) {
	t.Parallel()
	buf := make([]byte, nodeSize) // all zero: FSUUID won't match
	ds := devSet(t, buf)
	fs, err := indexer.Build(context.Background(), ds, testSuperblock(), []uint64{0})
	require.NoError(t, err)
	assert.Equal(t, 1, fs.NumSkipped)
}
