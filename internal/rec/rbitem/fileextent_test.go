package rbitem_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nthorne/btrfsalvage/internal/rec/rbitem"
)

func TestDecodeFileExtentInline(t *testing.T) {
	t.Parallel()
	const headSize = 0x15
	content := []byte("hello\n")
	buf := make([]byte, headSize+len(content))
	buf[0x14] = byte(rbitem.ExtentInline)
	copy(buf[headSize:], content)

	fe, err := rbitem.DecodeFileExtent(buf)
	require.NoError(t, err)
	assert.Equal(t, rbitem.ExtentInline, fe.Type)
	assert.Equal(t, content, fe.Inline)
}

func TestDecodeFileExtentRegularSparseHole(t *testing.T) {
	t.Parallel()
	const headSize = 0x15
	buf := make([]byte, headSize+0x20)
	le := binary.LittleEndian
	buf[0x14] = byte(rbitem.ExtentRegular)
	body := buf[headSize:]
	le.PutUint64(body[0x0:], 0) // DiskByteNr = 0 => sparse
	le.PutUint64(body[0x8:], 0)
	le.PutUint64(body[0x10:], 0)
	le.PutUint64(body[0x18:], 8192) // DataNumBytes

	fe, err := rbitem.DecodeFileExtent(buf)
	require.NoError(t, err)
	assert.Equal(t, rbitem.ExtentRegular, fe.Type)
	assert.EqualValues(t, 0, fe.DiskByteNr)
	assert.Equal(t, uint64(8192), fe.DataNumBytes)
}

func TestDecodeFileExtentUnknownType(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 0x15)
	buf[0x14] = 9
	_, err := rbitem.DecodeFileExtent(buf)
	assert.Error(t, err)
}
