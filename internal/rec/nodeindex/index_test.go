package nodeindex_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nthorne/btrfsalvage/internal/rec/nodeindex"
)

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	offsets := []uint64{0x400000, 0x800000, 0xc00000}

	var buf bytes.Buffer
	require.NoError(t, nodeindex.Write(&buf, offsets))
	assert.Equal(t, "400000\n800000\nc00000\n", buf.String())

	got, err := nodeindex.Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, offsets, got)
}

func TestReadRejectsBadLine(t *testing.T) {
	t.Parallel()
	_, err := nodeindex.Read(bytes.NewReader([]byte("400000\nnotahex\n")))
	require.Error(t, err)
	var bad *nodeindex.BadIndexLine
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, 2, bad.LineNo)
	assert.Equal(t, "notahex", bad.Raw)
}

func TestReadSkipsBlankLines(t *testing.T) {
	t.Parallel()
	got, err := nodeindex.Read(bytes.NewReader([]byte("1\n\n2\n")))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, got)
}
