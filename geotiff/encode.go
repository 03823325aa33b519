package geotiff

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/spf13/afero"

	"github.com/gkatanacio/geolayers/raster"
)

var le = binary.LittleEndian

type field struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shorts(vals ...uint16) []byte {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		le.PutUint16(b[2*i:], v)
	}
	return b
}

func longs(vals ...uint32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		le.PutUint32(b[4*i:], v)
	}
	return b
}

func doubles(vals ...float64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		le.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

// EncodeFile writes r as a GeoTIFF at path.
func EncodeFile(fs afero.Fs, path string, r *raster.Raster) error {
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes r as a little-endian, uncompressed, single-strip GeoTIFF
// carrying the raster's transform, CRS and nodata value.
func Encode(w io.Writer, r *raster.Raster) error {
	if err := r.Validate(); err != nil {
		return err
	}

	samples := r.BandCount()
	size := r.DataType.Size()

	pixels := make([]byte, r.Width*r.Height*samples*size)
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			for b := 0; b < samples; b++ {
				p := ((y*r.Width+x)*samples + b) * size
				copy(pixels[p:p+size], r.Raw(b, x, y))
			}
		}
	}

	bits := make([]uint16, samples)
	formats := make([]uint16, samples)
	for i := range bits {
		bits[i] = uint16(size * 8)
		formats[i] = sampleFormatOf(r.DataType)
	}

	const pixelOffset = 8
	fields := []field{
		{tagImageWidth, typeLong, 1, longs(uint32(r.Width))},
		{tagImageLength, typeLong, 1, longs(uint32(r.Height))},
		{tagBitsPerSample, typeShort, uint32(samples), shorts(bits...)},
		{tagCompression, typeShort, 1, shorts(compressionNone)},
		{tagPhotometric, typeShort, 1, shorts(1)},
		{tagStripOffsets, typeLong, 1, longs(pixelOffset)},
		{tagSamplesPerPixel, typeShort, 1, shorts(uint16(samples))},
		{tagRowsPerStrip, typeLong, 1, longs(uint32(r.Height))},
		{tagStripByteCounts, typeLong, 1, longs(uint32(len(pixels)))},
		{tagPlanarConfig, typeShort, 1, shorts(planarChunky)},
		{tagSampleFormat, typeShort, uint32(samples), shorts(formats...)},
	}
	if samples > 1 {
		fields = append(fields, field{tagExtraSamples, typeShort, uint32(samples - 1), shorts(make([]uint16, samples-1)...)})
	}
	fields = append(fields, georeferenceFields(r)...)

	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	ifdOffset := pixelOffset + len(pixels)
	ifdOffset += ifdOffset % 2
	extraOffset := ifdOffset + 2 + 12*len(fields) + 4

	var buf bytes.Buffer
	buf.WriteString("II")
	buf.Write(shorts(42))
	buf.Write(longs(uint32(ifdOffset)))
	buf.Write(pixels)
	for buf.Len() < ifdOffset {
		buf.WriteByte(0)
	}

	var extra bytes.Buffer
	buf.Write(shorts(uint16(len(fields))))
	for _, f := range fields {
		buf.Write(shorts(f.tag, f.typ))
		buf.Write(longs(f.count))
		if len(f.data) <= 4 {
			value := make([]byte, 4)
			copy(value, f.data)
			buf.Write(value)
			continue
		}
		buf.Write(longs(uint32(extraOffset + extra.Len())))
		extra.Write(f.data)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	buf.Write(longs(0))
	buf.Write(extra.Bytes())

	_, err := w.Write(buf.Bytes())
	return err
}

func sampleFormatOf(dt raster.DataType) uint16 {
	switch {
	case dt.IsFloat():
		return sampleFormatFloat
	case dt.IsSigned():
		return sampleFormatInt
	default:
		return sampleFormatUint
	}
}

func georeferenceFields(r *raster.Raster) []field {
	gt := r.Transform
	var fields []field

	if gt[2] == 0 && gt[4] == 0 {
		fields = append(fields,
			field{tagModelPixelScale, typeDouble, 3, doubles(gt[1], -gt[5], 0)},
			field{tagModelTiepoint, typeDouble, 6, doubles(0, 0, 0, gt[0], gt[3], 0)},
		)
	} else {
		fields = append(fields, field{tagModelTransformation, typeDouble, 16, doubles(
			gt[1], gt[2], 0, gt[0],
			gt[4], gt[5], 0, gt[3],
			0, 0, 0, 0,
			0, 0, 0, 1,
		)})
	}

	rasterType := uint16(rasterPixelIsArea)
	if r.PixelIsPoint {
		rasterType = rasterPixelIsPoint
	}

	// GeoKeys must be sorted by key id.
	keys := [][4]uint16{}
	if r.CRS.EPSG > 0 || r.CRS.Citation != "" {
		modelType := uint16(modelTypeProjected)
		if r.CRS.Geographic {
			modelType = modelTypeGeographic
		}
		keys = append(keys, [4]uint16{keyGTModelType, 0, 1, modelType})
	}
	keys = append(keys, [4]uint16{keyGTRasterType, 0, 1, rasterType})

	var ascii string
	if r.CRS.Citation != "" {
		ascii = r.CRS.Citation + "|"
		keys = append(keys, [4]uint16{keyGTCitation, tagGeoASCIIParams, uint16(len(ascii)), 0})
	}
	if r.CRS.EPSG > 0 {
		key := uint16(keyProjectedCSType)
		if r.CRS.Geographic {
			key = keyGeographicType
		}
		keys = append(keys, [4]uint16{key, 0, 1, uint16(r.CRS.EPSG)})
	}

	dir := []uint16{geoKeyDirectoryVersion, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k[:]...)
	}
	fields = append(fields, field{tagGeoKeyDirectory, typeShort, uint32(len(dir)), shorts(dir...)})

	if ascii != "" {
		fields = append(fields, field{tagGeoASCIIParams, typeASCII, uint32(len(ascii) + 1), append([]byte(ascii), 0)})
	}
	if r.NoData != nil {
		nodata := strconv.FormatFloat(*r.NoData, 'g', -1, 64)
		fields = append(fields, field{tagGDALNoData, typeASCII, uint32(len(nodata) + 1), append([]byte(nodata), 0)})
	}

	return fields
}
