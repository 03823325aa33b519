// Package geotiff reads and writes the GeoTIFF subset produced by common
// raster pipelines: classic TIFF, strips or tiles, uncompressed or deflate,
// with the georeferencing tags GDAL emits.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/spf13/afero"

	"github.com/gkatanacio/geolayers/raster"
)

var (
	ErrNotTIFF     = errors.New("not a TIFF file")
	ErrUnsupported = errors.New("unsupported TIFF layout")
	ErrCorrupt     = errors.New("corrupt TIFF file")
)

const (
	compressionNone        = 1
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	planarChunky           = 1
	planarSeparate         = 2
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatFloat      = 3
	modelTypeProjected     = 1
	modelTypeGeographic    = 2
	rasterPixelIsArea      = 1
	rasterPixelIsPoint     = 2
	userDefined            = 32767
	keyGTModelType         = 1024
	keyGTRasterType        = 1025
	keyGTCitation          = 1026
	keyGeographicType      = 2048
	keyGeogCitation        = 2049
	keyProjectedCSType     = 3072
	geoKeyDirectoryVersion = 1

	// maxDeflateRatio is the largest expansion a deflate stream allows.
	maxDeflateRatio = 1032
)

// DecodeFile reads and decodes the GeoTIFF at path.
func DecodeFile(fs afero.Fs, path string) (*raster.Raster, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode decodes the first image of a GeoTIFF into a raster with its
// georeference.
func Decode(data []byte) (*raster.Raster, error) {
	if len(data) < 8 {
		return nil, ErrNotTIFF
	}

	var order binary.ByteOrder
	switch string(data[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, ErrNotTIFF
	}

	switch order.Uint16(data[2:4]) {
	case 42:
	case 43:
		return nil, fmt.Errorf("%w: BigTIFF", ErrUnsupported)
	default:
		return nil, ErrNotTIFF
	}

	d, err := parseIFD(data, order, order.Uint32(data[4:8]))
	if err != nil {
		return nil, err
	}

	l, err := readLayout(d)
	if err != nil {
		return nil, err
	}
	if err := checkSize(l, len(data)); err != nil {
		return nil, err
	}

	r := raster.New(l.width, l.height, l.samples, l.dataType)
	if err := readPixels(data, d, l, r); err != nil {
		return nil, err
	}

	if err := readGeoreference(d, r); err != nil {
		return nil, err
	}

	return r, nil
}

type layout struct {
	width, height int
	samples       int
	dataType      raster.DataType
	compression   uint64
	predictor     uint64
	planar        uint64
	tiled         bool
	chunkWidth    int
	chunkHeight   int
}

func readLayout(d *ifd) (layout, error) {
	var l layout

	width, err := d.value(tagImageWidth, 0)
	if err != nil {
		return l, err
	}
	height, err := d.value(tagImageLength, 0)
	if err != nil {
		return l, err
	}
	if width == 0 || height == 0 {
		return l, fmt.Errorf("%w: missing image dimensions", ErrCorrupt)
	}
	l.width, l.height = int(width), int(height)

	samples, err := d.value(tagSamplesPerPixel, 1)
	if err != nil {
		return l, err
	}
	if samples < 1 || samples > math.MaxUint16 {
		return l, fmt.Errorf("%w: %d samples per pixel", ErrCorrupt, samples)
	}
	l.samples = int(samples)

	bits, err := d.uintsOr(tagBitsPerSample, l.samples, 1)
	if err != nil {
		return l, err
	}
	formats, err := d.uintsOr(tagSampleFormat, l.samples, sampleFormatUint)
	if err != nil {
		return l, err
	}
	if len(bits) < l.samples || len(formats) < l.samples {
		return l, fmt.Errorf("%w: %d samples per pixel but %d bit depths and %d sample formats",
			ErrCorrupt, l.samples, len(bits), len(formats))
	}
	for i := 1; i < len(bits); i++ {
		if bits[i] != bits[0] {
			return l, fmt.Errorf("%w: mixed bits per sample", ErrUnsupported)
		}
	}
	for i := 1; i < len(formats); i++ {
		if formats[i] != formats[0] {
			return l, fmt.Errorf("%w: mixed sample formats", ErrUnsupported)
		}
	}
	if l.dataType, err = dataTypeOf(bits[0], formats[0]); err != nil {
		return l, err
	}

	if l.compression, err = d.value(tagCompression, compressionNone); err != nil {
		return l, err
	}
	switch l.compression {
	case compressionNone, compressionDeflate, compressionDeflateOld:
	default:
		return l, fmt.Errorf("%w: compression %d", ErrUnsupported, l.compression)
	}

	if l.predictor, err = d.value(tagPredictor, predictorNone); err != nil {
		return l, err
	}
	if l.predictor != predictorNone && (l.predictor != predictorHorizontal || l.dataType.IsFloat()) {
		return l, fmt.Errorf("%w: predictor %d for %v", ErrUnsupported, l.predictor, l.dataType)
	}

	if l.planar, err = d.value(tagPlanarConfig, planarChunky); err != nil {
		return l, err
	}
	if l.planar != planarChunky && l.planar != planarSeparate {
		return l, fmt.Errorf("%w: planar configuration %d", ErrUnsupported, l.planar)
	}

	l.tiled = d.has(tagTileWidth)
	if l.tiled {
		tw, err := d.value(tagTileWidth, 0)
		if err != nil {
			return l, err
		}
		th, err := d.value(tagTileLength, 0)
		if err != nil {
			return l, err
		}
		if tw == 0 || th == 0 {
			return l, fmt.Errorf("%w: zero tile size", ErrCorrupt)
		}
		l.chunkWidth, l.chunkHeight = int(tw), int(th)
	} else {
		rps, err := d.value(tagRowsPerStrip, height)
		if err != nil {
			return l, err
		}
		if rps == 0 || rps > height {
			rps = height
		}
		l.chunkWidth, l.chunkHeight = l.width, int(rps)
	}

	return l, nil
}

// checkSize rejects layouts whose pixels or chunks could not have come from
// a file of fileSize bytes, before anything is allocated for them.
func checkSize(l layout, fileSize int) error {
	limit := uint64(fileSize)
	if l.compression != compressionNone {
		limit *= maxDeflateRatio
	}

	size := uint64(l.dataType.Size())
	if !fits(limit, size, uint64(l.samples), uint64(l.width), uint64(l.height)) {
		return fmt.Errorf("%w: %dx%dx%d %v image larger than its %d-byte file allows",
			ErrCorrupt, l.width, l.height, l.samples, l.dataType, fileSize)
	}
	if !fits(limit, size, uint64(l.samples), uint64(l.chunkWidth), uint64(l.chunkHeight)) {
		return fmt.Errorf("%w: %dx%d chunk larger than its %d-byte file allows",
			ErrCorrupt, l.chunkWidth, l.chunkHeight, fileSize)
	}
	return nil
}

// fits reports whether the product of factors is at most limit, without
// overflowing.
func fits(limit uint64, factors ...uint64) bool {
	product := uint64(1)
	for _, f := range factors {
		if f != 0 && product > limit/f {
			return false
		}
		product *= f
	}
	return product <= limit
}

func dataTypeOf(bits, format uint64) (raster.DataType, error) {
	switch {
	case format == sampleFormatUint && bits == 8:
		return raster.Uint8, nil
	case format == sampleFormatInt && bits == 8:
		return raster.Int8, nil
	case format == sampleFormatUint && bits == 16:
		return raster.Uint16, nil
	case format == sampleFormatInt && bits == 16:
		return raster.Int16, nil
	case format == sampleFormatUint && bits == 32:
		return raster.Uint32, nil
	case format == sampleFormatInt && bits == 32:
		return raster.Int32, nil
	case format == sampleFormatFloat && bits == 32:
		return raster.Float32, nil
	case format == sampleFormatFloat && bits == 64:
		return raster.Float64, nil
	case format == sampleFormatInt && bits == 64:
		return raster.Int64, nil
	default:
		return 0, fmt.Errorf("%w: %d-bit samples with format %d", ErrUnsupported, bits, format)
	}
}

func readPixels(data []byte, d *ifd, l layout, r *raster.Raster) error {
	offsetTag, countTag := uint16(tagStripOffsets), uint16(tagStripByteCounts)
	if l.tiled {
		offsetTag, countTag = tagTileOffsets, tagTileByteCounts
	}
	offsets, err := d.uints(offsetTag)
	if err != nil {
		return err
	}
	counts, err := d.uints(countTag)
	if err != nil {
		return err
	}
	if len(offsets) != len(counts) {
		return fmt.Errorf("%w: %d chunk offsets but %d byte counts", ErrCorrupt, len(offsets), len(counts))
	}

	across := (l.width + l.chunkWidth - 1) / l.chunkWidth
	down := (l.height + l.chunkHeight - 1) / l.chunkHeight
	perPlane := across * down

	planes, samplesPerChunk := 1, l.samples
	if l.planar == planarSeparate {
		planes, samplesPerChunk = l.samples, 1
	}
	if len(offsets) < perPlane*planes {
		return fmt.Errorf("%w: expected %d chunks, found %d", ErrCorrupt, perPlane*planes, len(offsets))
	}

	sampleSize := l.dataType.Size()
	for plane := 0; plane < planes; plane++ {
		for i := 0; i < perPlane; i++ {
			idx := plane*perPlane + i
			off, n := offsets[idx], counts[idx]
			if off+n > uint64(len(data)) {
				return fmt.Errorf("%w: chunk %d out of range", ErrCorrupt, idx)
			}

			x0 := (i % across) * l.chunkWidth
			y0 := (i / across) * l.chunkHeight
			rows := l.chunkHeight
			if !l.tiled && y0+rows > l.height {
				rows = l.height - y0
			}

			rowBytes := l.chunkWidth * samplesPerChunk * sampleSize
			buf, err := inflate(data[off:off+n], l.compression, rowBytes*rows)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", idx, err)
			}
			if l.predictor == predictorHorizontal {
				undoHorizontalPredictor(buf, d.order, l.dataType, l.chunkWidth, rows, samplesPerChunk)
			}

			for row := 0; row < rows; row++ {
				y := y0 + row
				if y >= l.height {
					break
				}
				for col := 0; col < l.chunkWidth; col++ {
					x := x0 + col
					if x >= l.width {
						break
					}
					for s := 0; s < samplesPerChunk; s++ {
						p := (row*l.chunkWidth+col)*samplesPerChunk + s
						band := s
						if l.planar == planarSeparate {
							band = plane
						}
						r.SetRaw(band, x, y, buf[p*sampleSize:], d.order)
					}
				}
			}
		}
	}

	return nil
}

func inflate(chunk []byte, compression uint64, want int) ([]byte, error) {
	var buf []byte
	switch compression {
	case compressionNone:
		buf = chunk
	default:
		zr, err := zlib.NewReader(bytes.NewReader(chunk))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		defer zr.Close()

		buf = make([]byte, want)
		if _, err := io.ReadFull(zr, buf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	if len(buf) < want {
		return nil, fmt.Errorf("%w: chunk holds %d bytes, expected %d", ErrCorrupt, len(buf), want)
	}
	return buf, nil
}

// undoHorizontalPredictor reverses TIFF predictor 2 in place. Sums wrap at
// the sample width, as the encoder's differences did.
func undoHorizontalPredictor(buf []byte, order binary.ByteOrder, dt raster.DataType, width, rows, samples int) {
	size := dt.Size()
	for row := 0; row < rows; row++ {
		base := row * width * samples
		for i := samples; i < width*samples; i++ {
			cur := buf[(base+i)*size:]
			prev := buf[(base+i-samples)*size:]
			switch size {
			case 1:
				cur[0] += prev[0]
			case 2:
				order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
			case 4:
				order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
			case 8:
				order.PutUint64(cur, order.Uint64(cur)+order.Uint64(prev))
			}
		}
	}
}

func readGeoreference(d *ifd, r *raster.Raster) error {
	switch {
	case d.has(tagModelTransformation):
		m, err := d.floats(tagModelTransformation)
		if err != nil {
			return err
		}
		if len(m) < 16 {
			return fmt.Errorf("%w: short model transformation", ErrCorrupt)
		}
		r.Transform = raster.GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}

	case d.has(tagModelTiepoint) && d.has(tagModelPixelScale):
		tp, err := d.floats(tagModelTiepoint)
		if err != nil {
			return err
		}
		scale, err := d.floats(tagModelPixelScale)
		if err != nil {
			return err
		}
		if len(tp) < 6 || len(scale) < 2 {
			return fmt.Errorf("%w: short tiepoint or pixel scale", ErrCorrupt)
		}
		r.Transform = raster.GeoTransform{
			tp[3] - tp[0]*scale[0], scale[0], 0,
			tp[4] + tp[1]*scale[1], 0, -scale[1],
		}
	}

	if nodata := strings.TrimSpace(d.ascii(tagGDALNoData)); nodata != "" {
		v, err := strconv.ParseFloat(nodata, 64)
		if err != nil {
			return fmt.Errorf("%w: nodata %q", ErrCorrupt, nodata)
		}
		r.NoData = &v
	}

	if !d.has(tagGeoKeyDirectory) {
		return nil
	}
	return readGeoKeys(d, r)
}

func readGeoKeys(d *ifd, r *raster.Raster) error {
	dir, err := d.uints(tagGeoKeyDirectory)
	if err != nil {
		return err
	}
	if len(dir) < 4 {
		return fmt.Errorf("%w: short GeoKey directory", ErrCorrupt)
	}
	asciiParams := d.ascii(tagGeoASCIIParams)

	n := int(dir[3])
	if len(dir) < 4+4*n {
		return fmt.Errorf("%w: GeoKey directory declares %d keys", ErrCorrupt, n)
	}

	var modelType, projected, geographic uint64
	for k := 0; k < n; k++ {
		key := dir[4+4*k : 8+4*k]
		id, location, count, value := key[0], key[1], key[2], key[3]

		switch location {
		case 0:
			switch id {
			case keyGTModelType:
				modelType = value
			case keyGTRasterType:
				r.PixelIsPoint = value == rasterPixelIsPoint
			case keyGeographicType:
				geographic = value
			case keyProjectedCSType:
				projected = value
			}
		case tagGeoASCIIParams:
			if id != keyGTCitation && id != keyGeogCitation {
				continue
			}
			end := value + count
			if end > uint64(len(asciiParams)) {
				return fmt.Errorf("%w: GeoKey %d citation out of range", ErrCorrupt, id)
			}
			if r.CRS.Citation == "" || id == keyGTCitation {
				r.CRS.Citation = strings.TrimRight(asciiParams[value:end], "|\x00")
			}
		}
	}

	r.CRS.Geographic = modelType == modelTypeGeographic
	switch {
	case modelType == modelTypeProjected && projected != 0 && projected != userDefined:
		r.CRS.EPSG = int(projected)
	case geographic != 0 && geographic != userDefined:
		r.CRS.EPSG = int(geographic)
	}
	return nil
}
