package geotiff

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkatanacio/geolayers/raster"
)

func Test_undoHorizontalPredictor(t *testing.T) {
	// two rows of three uint16 samples, stored as differences
	buf := shorts(10, 1, 1, 500, 65535, 2)

	undoHorizontalPredictor(buf, binary.LittleEndian, raster.Uint16, 3, 2, 1)

	assert.Equal(t, shorts(10, 11, 12, 500, 499, 501), buf)
}

func Test_inflate(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	got, err := inflate(compressed.Bytes(), compressionDeflate, len(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = inflate(raw[:4], compressionNone, len(raw))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = inflate([]byte("garbage"), compressionDeflate, len(raw))
	assert.ErrorIs(t, err, ErrCorrupt)
}
