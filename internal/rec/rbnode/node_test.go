package rbnode_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nthorne/btrfsalvage/internal/rec/rbnode"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

const testNodeSize = 4096

var testFSUUID = uuid.MustParse("a0dd94ed-e60c-42e8-8632-64e8d4765a43")

func buildHeader(fsUUID uuid.UUID, owner rbprim.ObjID, level uint8, numItems uint32) []byte {
	buf := make([]byte, testNodeSize)
	le := binary.LittleEndian
	copy(buf[0x20:0x30], fsUUID[:])
	le.PutUint64(buf[0x58:], uint64(owner))
	le.PutUint32(buf[0x60:], numItems)
	buf[0x64] = level
	return buf
}

func putKey(buf []byte, off int, key rbprim.Key) {
	le := binary.LittleEndian
	le.PutUint64(buf[off:], uint64(key.ObjectID))
	buf[off+8] = byte(key.ItemType)
	le.PutUint64(buf[off+9:], key.Offset)
}

func TestDecodeLeafNode(t *testing.T) {
	t.Parallel()
	buf := buildHeader(testFSUUID, 5, 0, 1)
	body := buf[rbnode.HeaderSize:]
	key := rbprim.Key{ObjectID: 1000, ItemType: rbprim.ItemInode, Offset: 0}
	putKey(body, 0, key)
	dataOff := uint32(rbnode.LeafItemHeaderSize)
	dataSize := uint32(4)
	binary.LittleEndian.PutUint32(body[17:], dataOff)
	binary.LittleEndian.PutUint32(body[21:], dataSize)
	copy(body[dataOff:dataOff+dataSize], []byte{1, 2, 3, 4})

	node, err := rbnode.Decode(buf, testNodeSize, testFSUUID)
	require.NoError(t, err)
	require.Len(t, node.Leaf, 1)
	assert.Equal(t, key, node.Leaf[0].Key)
	assert.Equal(t, []byte{1, 2, 3, 4}, node.Leaf[0].Data)
	assert.Equal(t, rbprim.ObjID(5), node.Head.Owner)
}

func TestDecodeRejectsUUIDMismatch(t *testing.T) {
	t.Parallel()
	buf := buildHeader(testFSUUID, 5, 0, 0)
	other := uuid.MustParse("00000000-0000-0000-0000-000000000000")
	_, err := rbnode.Decode(buf, testNodeSize, other)
	assert.ErrorIs(t, err, rbnode.ErrNotANode)
}

func TestDecodeRejectsImpossibleNumItems(t *testing.T) {
	t.Parallel()
	buf := buildHeader(testFSUUID, 5, 0, 1<<20)
	_, err := rbnode.Decode(buf, testNodeSize, testFSUUID)
	require.Error(t, err)
	assert.ErrorIs(t, err, rbnode.ErrNotANode)
}

func TestDecodeRejectsOutOfBoundsItemPayload(t *testing.T) {
	t.Parallel()
	buf := buildHeader(testFSUUID, 5, 0, 1)
	body := buf[rbnode.HeaderSize:]
	putKey(body, 0, rbprim.Key{ObjectID: 1, ItemType: rbprim.ItemInode})
	binary.LittleEndian.PutUint32(body[17:], uint32(len(body)))
	binary.LittleEndian.PutUint32(body[21:], 100)
	_, err := rbnode.Decode(buf, testNodeSize, testFSUUID)
	require.Error(t, err)
}

func TestDecodeInternalNode(t *testing.T) {
	t.Parallel()
	buf := buildHeader(testFSUUID, 3, 1, 2)
	body := buf[rbnode.HeaderSize:]
	le := binary.LittleEndian
	putKey(body, 0, rbprim.Key{ObjectID: 10, ItemType: rbprim.ItemChunkItem})
	le.PutUint64(body[17:], 0x2000)
	le.PutUint64(body[25:], 7)
	putKey(body, rbnode.InternalItemSize, rbprim.Key{ObjectID: 20, ItemType: rbprim.ItemChunkItem})
	le.PutUint64(body[rbnode.InternalItemSize+17:], 0x3000)
	le.PutUint64(body[rbnode.InternalItemSize+25:], 8)

	node, err := rbnode.Decode(buf, testNodeSize, testFSUUID)
	require.NoError(t, err)
	require.Len(t, node.Internal, 2)
	assert.Equal(t, rbprim.LogicalAddr(0x2000), node.Internal[0].BlockNumber)
	assert.Equal(t, rbprim.Generation(8), node.Internal[1].Generation)
}
