package geotiff

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// TIFF tags read or written by this package.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagExtraSamples    = 338
	tagSampleFormat    = 339

	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGeoDoubleParams     = 34736
	tagGeoASCIIParams      = 34737
	tagGDALNoData          = 42113
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
)

var typeSizes = map[uint16]uint32{
	typeByte:      1,
	typeASCII:     1,
	typeShort:     2,
	typeLong:      4,
	typeRational:  8,
	typeSByte:     1,
	typeUndefined: 1,
	typeSShort:    2,
	typeSLong:     4,
	typeSRational: 8,
	typeFloat:     4,
	typeDouble:    8,
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	raw   []byte
}

// ifd is a parsed image file directory keyed by tag.
type ifd struct {
	order   binary.ByteOrder
	entries map[uint16]entry
}

func parseIFD(data []byte, order binary.ByteOrder, offset uint32) (*ifd, error) {
	if uint64(offset)+2 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: IFD offset %d out of range", ErrCorrupt, offset)
	}
	n := uint32(order.Uint16(data[offset:]))
	start := offset + 2
	if uint64(start)+uint64(n)*12 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: IFD with %d entries is truncated", ErrCorrupt, n)
	}

	d := &ifd{order: order, entries: make(map[uint16]entry, n)}
	for i := uint32(0); i < n; i++ {
		p := data[start+i*12:]
		e := entry{
			tag:   order.Uint16(p[0:2]),
			typ:   order.Uint16(p[2:4]),
			count: order.Uint32(p[4:8]),
		}

		size, ok := typeSizes[e.typ]
		if !ok {
			// unknown field types are skipped, as readers are required to
			continue
		}
		total := uint64(size) * uint64(e.count)
		if total <= 4 {
			e.raw = p[8 : 8+total]
		} else {
			valueOffset := uint64(order.Uint32(p[8:12]))
			if valueOffset+total > uint64(len(data)) {
				return nil, fmt.Errorf("%w: tag %d value out of range", ErrCorrupt, e.tag)
			}
			e.raw = data[valueOffset : valueOffset+total]
		}
		d.entries[e.tag] = e
	}

	return d, nil
}

func (d *ifd) has(tag uint16) bool {
	_, ok := d.entries[tag]
	return ok
}

// uints returns the integer values of tag.
func (d *ifd) uints(tag uint16) ([]uint64, error) {
	e, ok := d.entries[tag]
	if !ok {
		return nil, fmt.Errorf("%w: missing tag %d", ErrCorrupt, tag)
	}

	out := make([]uint64, e.count)
	for i := range out {
		switch e.typ {
		case typeByte, typeUndefined:
			out[i] = uint64(e.raw[i])
		case typeShort:
			out[i] = uint64(d.order.Uint16(e.raw[i*2:]))
		case typeLong:
			out[i] = uint64(d.order.Uint32(e.raw[i*4:]))
		default:
			return nil, fmt.Errorf("%w: tag %d has non-integer type %d", ErrCorrupt, tag, e.typ)
		}
	}
	return out, nil
}

// value returns the first integer value of tag, or def when absent.
func (d *ifd) value(tag uint16, def uint64) (uint64, error) {
	if !d.has(tag) {
		return def, nil
	}
	vals, err := d.uints(tag)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return def, nil
	}
	return vals[0], nil
}

// uintsOr returns the values of tag, or n copies of def when absent.
func (d *ifd) uintsOr(tag uint16, n int, def uint64) ([]uint64, error) {
	if !d.has(tag) {
		out := make([]uint64, n)
		for i := range out {
			out[i] = def
		}
		return out, nil
	}
	return d.uints(tag)
}

func (d *ifd) floats(tag uint16) ([]float64, error) {
	e, ok := d.entries[tag]
	if !ok {
		return nil, fmt.Errorf("%w: missing tag %d", ErrCorrupt, tag)
	}

	out := make([]float64, e.count)
	for i := range out {
		switch e.typ {
		case typeDouble:
			out[i] = math.Float64frombits(d.order.Uint64(e.raw[i*8:]))
		case typeFloat:
			out[i] = float64(math.Float32frombits(d.order.Uint32(e.raw[i*4:])))
		default:
			return nil, fmt.Errorf("%w: tag %d has non-float type %d", ErrCorrupt, tag, e.typ)
		}
	}
	return out, nil
}

func (d *ifd) ascii(tag uint16) string {
	e, ok := d.entries[tag]
	if !ok || e.typ != typeASCII {
		return ""
	}
	return strings.TrimRight(string(e.raw), "\x00")
}
