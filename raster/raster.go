// Package raster holds the in-memory representation of a georeferenced grid
// shared by the GeoTIFF and Zarr codecs.
package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmpty         = errors.New("raster has no pixels")
	ErrShapeMismatch = errors.New("band length does not match raster dimensions")
)

// DataType is the storage type of every sample in a raster.
type DataType int

const (
	Uint8 DataType = iota + 1
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
	Int64
)

// Size returns the number of bytes used by one sample.
func (dt DataType) Size() int {
	switch dt {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether samples are IEEE floating point.
func (dt DataType) IsFloat() bool {
	return dt == Float32 || dt == Float64
}

// IsSigned reports whether samples are signed integers.
func (dt DataType) IsSigned() bool {
	return dt == Int8 || dt == Int16 || dt == Int32 || dt == Int64
}

func (dt DataType) String() string {
	switch dt {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Uint32:
		return "uint32"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// GeoTransform is the affine pixel-to-model transform in GDAL order:
// originX, pixelWidth, rowRotation, originY, columnRotation, pixelHeight.
// Pixel (col, row) has its upper-left corner at
// (gt[0] + col*gt[1] + row*gt[2], gt[3] + col*gt[4] + row*gt[5]).
type GeoTransform [6]float64

// Apply maps pixel coordinates to model coordinates.
func (gt GeoTransform) Apply(col, row float64) (x, y float64) {
	return gt[0] + col*gt[1] + row*gt[2], gt[3] + col*gt[4] + row*gt[5]
}

// CRS identifies the coordinate reference system of a raster.
type CRS struct {
	// EPSG is the EPSG code, 0 when unknown.
	EPSG int
	// Geographic is true for lat/long model types.
	Geographic bool
	// Citation is the free-text citation carried by the source, if any.
	Citation string
}

// String returns the "EPSG:<code>" authority string, or the citation when
// no code is known.
func (c CRS) String() string {
	if c.EPSG > 0 {
		return fmt.Sprintf("EPSG:%d", c.EPSG)
	}
	return c.Citation
}

// Raster is a multi-band grid with its georeference. Each band holds its
// samples in row-major order as little-endian DataType values, so a band
// takes Width*Height*DataType.Size() bytes. Bands are in source band order.
type Raster struct {
	Name         string
	Width        int
	Height       int
	DataType     DataType
	Bands        [][]byte
	Transform    GeoTransform
	CRS          CRS
	NoData       *float64
	PixelIsPoint bool
}

// New allocates a zeroed raster.
func New(width, height, bands int, dt DataType) *Raster {
	r := &Raster{
		Width:     width,
		Height:    height,
		DataType:  dt,
		Bands:     make([][]byte, bands),
		Transform: GeoTransform{0, 1, 0, 0, 0, -1},
	}
	for b := range r.Bands {
		r.Bands[b] = make([]byte, width*height*dt.Size())
	}
	return r
}

// BandCount returns the number of bands.
func (r *Raster) BandCount() int {
	return len(r.Bands)
}

// Raw returns the encoded sample of band b at column x, row y. The slice
// aliases the band.
func (r *Raster) Raw(b, x, y int) []byte {
	size := r.DataType.Size()
	i := (y*r.Width + x) * size
	return r.Bands[b][i : i+size]
}

// SetRaw stores the sample encoded in src with the given byte order as the
// sample of band b at column x, row y.
func (r *Raster) SetRaw(b, x, y int, src []byte, order binary.ByteOrder) {
	dst := r.Raw(b, x, y)
	copy(dst, src)
	if order == binary.BigEndian {
		for i, j := 0, len(dst)-1; i < j; i, j = i+1, j-1 {
			dst[i], dst[j] = dst[j], dst[i]
		}
	}
}

// At returns the sample of band b at column x, row y. Int64 samples beyond
// 2^53 lose precision; use Raw to copy them exactly.
func (r *Raster) At(b, x, y int) float64 {
	return Sample(r.Raw(b, x, y), binary.LittleEndian, r.DataType)
}

// Set stores v as the sample of band b at column x, row y.
func (r *Raster) Set(b, x, y int, v float64) {
	PutSample(r.Raw(b, x, y), binary.LittleEndian, r.DataType, v)
}

// Resolution returns the absolute pixel size along x and y.
func (r *Raster) Resolution() (float64, float64) {
	return math.Abs(r.Transform[1]), math.Abs(r.Transform[5])
}

// Bounds returns the model-space extent (minX, minY, maxX, maxY) covered by
// the four pixel corners.
func (r *Raster) Bounds() [4]float64 {
	w, h := float64(r.Width), float64(r.Height)
	corners := [][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}}

	b := [4]float64{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, c := range corners {
		x, y := r.Transform.Apply(c[0], c[1])
		b[0] = math.Min(b[0], x)
		b[1] = math.Min(b[1], y)
		b[2] = math.Max(b[2], x)
		b[3] = math.Max(b[3], y)
	}
	return b
}

// Validate checks that the raster is internally consistent.
func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 || len(r.Bands) == 0 {
		return ErrEmpty
	}
	if r.DataType.Size() == 0 {
		return fmt.Errorf("invalid data type %v", r.DataType)
	}
	for i, band := range r.Bands {
		if len(band) != r.Width*r.Height*r.DataType.Size() {
			return fmt.Errorf("band %d: %w", i+1, ErrShapeMismatch)
		}
	}
	return nil
}
