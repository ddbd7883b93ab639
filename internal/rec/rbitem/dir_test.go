package rbitem_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
	"github.com/nthorne/btrfsalvage/internal/rec/rbprim"
)

func buildDirEntry(childObjID rbprim.ObjID, transID uint64, childType rbitem.FileType, name string) []byte {
	const headSize = 0x1e
	buf := make([]byte, headSize+len(name))
	le := binary.LittleEndian
	le.PutUint64(buf[0x00:], uint64(childObjID))
	buf[0x08] = byte(rbprim.ItemInode)
	le.PutUint64(buf[0x09:], 0)
	le.PutUint64(buf[0x11:], transID)
	le.PutUint16(buf[0x19:], 0) // data_len
	le.PutUint16(buf[0x1b:], uint16(len(name)))
	buf[0x1d] = byte(childType)
	copy(buf[headSize:], name)
	return buf
}

func TestDecodeDirEntry(t *testing.T) {
	t.Parallel()
	dat := buildDirEntry(2000, 5, rbitem.FtRegFile, "b")

	e, n, err := rbitem.DecodeDirEntry(dat)
	require.NoError(t, err)
	assert.Equal(t, len(dat), n)
	assert.Equal(t, rbprim.ObjID(2000), e.ChildKey.ObjectID)
	assert.Equal(t, uint64(5), e.TransID)
	assert.Equal(t, rbitem.FtRegFile, e.ChildType)
	assert.Equal(t, "b", string(e.Name))
}

func TestDecodeDirEntryMultipleInOneItem(t *testing.T) {
	t.Parallel()
	first := buildDirEntry(2000, 5, rbitem.FtRegFile, "a")
	second := buildDirEntry(2001, 6, rbitem.FtDir, "bb")
	dat := append(append([]byte{}, first...), second...)

	e1, n1, err := rbitem.DecodeDirEntry(dat)
	require.NoError(t, err)
	e2, n2, err := rbitem.DecodeDirEntry(dat[n1:])
	require.NoError(t, err)

	assert.Equal(t, "a", string(e1.Name))
	assert.Equal(t, "bb", string(e2.Name))
	assert.Equal(t, len(dat), n1+n2)
}

func TestDecodeDirEntryNameTooLong(t *testing.T) {
	t.Parallel()
	dat := buildDirEntry(1, 1, rbitem.FtRegFile, "x")
	binary.LittleEndian.PutUint16(dat[0x1b:], rbitem.MaxNameLen+1)
	_, _, err := rbitem.DecodeDirEntry(dat)
	assert.Error(t, err)
}
