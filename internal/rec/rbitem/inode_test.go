package rbitem_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
)

func TestDecodeInode(t *testing.T) {
	t.Parallel()
	buf := make([]byte, rbitem.InodeSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0x08:], 9)          // TransID
	le.PutUint64(buf[0x10:], 6)          // Size
	le.PutUint32(buf[0x2c:], 1000)       // UID
	le.PutUint32(buf[0x30:], 1000)       // GID
	le.PutUint32(buf[0x34:], 0o100644)   // Mode
	le.PutUint64(buf[0x88:], 1700000000) // MTime

	it, err := rbitem.DecodeInode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), it.TransID)
	assert.Equal(t, uint64(6), it.Size)
	assert.Equal(t, uint32(1000), it.UID)
	assert.Equal(t, uint32(0o100644), it.Mode)
	assert.Equal(t, uint64(1700000000), it.MTime)
}

func TestDecodeInodeTooShort(t *testing.T) {
	t.Parallel()
	_, err := rbitem.DecodeInode(make([]byte, 4))
	assert.Error(t, err)
}
