package zarr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/gkatanacio/geolayers/raster"
)

var (
	ErrUnsupported = errors.New("unsupported zarr array")
	ErrCorrupt     = errors.New("corrupt zarr store")
	ErrNotRaster   = errors.New("zarr group does not hold a raster")
)

const (
	DefaultChunkSize = 512
	DefaultLevel     = 3

	suffixOngoingWrite = ".tmp"
)

// Options tunes the layout of written stores.
type Options struct {
	// ChunkSize is the edge of the square spatial chunks of band_data.
	ChunkSize int
	// Level is the zstd compression level.
	Level int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Level <= 0 {
		o.Level = DefaultLevel
	}
	return o
}

// Write stores r as a Zarr group at dir. The group is assembled next to dir
// and only moved into place once complete, replacing any previous store; on
// failure or cancellation nothing is left at dir or beside it. Identical
// rasters produce byte-identical stores.
func Write(ctx context.Context, fs afero.Fs, dir string, r *raster.Raster, opts Options) error {
	if err := r.Validate(); err != nil {
		return err
	}
	opts = opts.withDefaults()

	tmp := dir + suffixOngoingWrite
	if err := fs.RemoveAll(tmp); err != nil {
		return err
	}

	if err := writeGroup(ctx, fs, tmp, r, opts); err != nil {
		fs.RemoveAll(tmp)
		return err
	}

	if err := fs.RemoveAll(dir); err != nil {
		fs.RemoveAll(tmp)
		return err
	}
	if err := fs.Rename(tmp, dir); err != nil {
		fs.RemoveAll(tmp)
		return err
	}
	return nil
}

func writeGroup(ctx context.Context, fs afero.Fs, root string, r *raster.Raster, opts Options) error {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return err
	}
	defer enc.Close()

	w := &groupWriter{
		fs:    fs,
		root:  root,
		codec: &compressor{ID: compressorZstd, Level: opts.Level},
		enc:   enc,
		meta:  map[string]any{},
	}

	if err := w.writeMeta(fileGroup, groupMeta{ZarrFormat: zarrFormat}); err != nil {
		return err
	}
	attrs := map[string]any{}
	if r.Name != "" {
		attrs["title"] = r.Name
	}
	if err := w.writeMeta(fileAttrs, attrs); err != nil {
		return err
	}

	if err := w.writeBandData(ctx, r, opts.ChunkSize); err != nil {
		return err
	}
	if err := w.writeCoordinates(r); err != nil {
		return err
	}
	if err := w.writeSpatialRef(r); err != nil {
		return err
	}

	return writeJSON(fs, filepath.Join(root, fileConsolidated), map[string]any{
		"metadata":                 w.meta,
		"zarr_consolidated_format": consolidatedFmtV1,
	})
}

type groupWriter struct {
	fs    afero.Fs
	root  string
	codec *compressor
	enc   *zstd.Encoder
	// meta collects every metadata document for .zmetadata.
	meta map[string]any
}

func (w *groupWriter) writeMeta(key string, v any) error {
	name := filepath.Join(w.root, filepath.FromSlash(key))
	if err := w.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	if err := writeJSON(w.fs, name, v); err != nil {
		return err
	}
	w.meta[key] = v
	return nil
}

func (w *groupWriter) writeChunk(variable, key string, raw []byte) error {
	data := w.enc.EncodeAll(raw, nil)
	return afero.WriteFile(w.fs, filepath.Join(w.root, variable, key), data, 0o644)
}

func (w *groupWriter) writeArray(variable string, meta arrayMeta, dims []string, attrs map[string]any) error {
	if err := w.writeMeta(variable+"/"+fileArray, meta); err != nil {
		return err
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs[attrDimensions] = dims
	return w.writeMeta(variable+"/"+fileAttrs, attrs)
}

func (w *groupWriter) writeBandData(ctx context.Context, r *raster.Raster, chunkSize int) error {
	chunkH, chunkW := min(chunkSize, r.Height), min(chunkSize, r.Width)
	size := r.DataType.Size()

	meta := arrayMeta{
		Chunks:             []int{1, chunkH, chunkW},
		Compressor:         w.codec,
		DimensionSeparator: dimensionSep,
		DType:              dtypes[r.DataType],
		FillValue:          fillValue(r.NoData),
		Order:              "C",
		Shape:              []int{r.BandCount(), r.Height, r.Width},
		ZarrFormat:         zarrFormat,
	}
	attrs := map[string]any{"coordinates": varSpatialRef}
	if err := w.writeArray(varBandData, meta, []string{varBand, varY, varX}, attrs); err != nil {
		return err
	}

	pad := make([]byte, size)
	if r.NoData != nil {
		raster.PutSample(pad, binary.LittleEndian, r.DataType, *r.NoData)
	}

	buf := make([]byte, chunkH*chunkW*size)
	for b := 0; b < r.BandCount(); b++ {
		for cy := 0; cy*chunkH < r.Height; cy++ {
			for cx := 0; cx*chunkW < r.Width; cx++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				for row := 0; row < chunkH; row++ {
					for col := 0; col < chunkW; col++ {
						x, y := cx*chunkW+col, cy*chunkH+row
						sample := pad
						if x < r.Width && y < r.Height {
							sample = r.Raw(b, x, y)
						}
						copy(buf[(row*chunkW+col)*size:], sample)
					}
				}

				key := fmt.Sprintf("%d%s%d%s%d", b, dimensionSep, cy, dimensionSep, cx)
				if err := w.writeChunk(varBandData, key, buf); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (w *groupWriter) writeCoordinates(r *raster.Raster) error {
	bands := make([]float64, r.BandCount())
	for i := range bands {
		bands[i] = float64(i + 1)
	}
	if err := w.writeVector(varBand, raster.Int64, bands, nil); err != nil {
		return err
	}

	xName, yName := "projection_x_coordinate", "projection_y_coordinate"
	if r.CRS.Geographic {
		xName, yName = "longitude", "latitude"
	}

	xs := make([]float64, r.Width)
	for i := range xs {
		xs[i], _ = r.Transform.Apply(float64(i)+0.5, 0.5)
	}
	if err := w.writeVector(varX, raster.Float64, xs, map[string]any{"axis": "X", "standard_name": xName}); err != nil {
		return err
	}

	ys := make([]float64, r.Height)
	for i := range ys {
		_, ys[i] = r.Transform.Apply(0.5, float64(i)+0.5)
	}
	return w.writeVector(varY, raster.Float64, ys, map[string]any{"axis": "Y", "standard_name": yName})
}

// writeVector writes a one-dimensional, single-chunk array.
func (w *groupWriter) writeVector(variable string, dt raster.DataType, values []float64, attrs map[string]any) error {
	meta := arrayMeta{
		Chunks:             []int{len(values)},
		Compressor:         w.codec,
		DimensionSeparator: dimensionSep,
		DType:              dtypes[dt],
		Order:              "C",
		Shape:              []int{len(values)},
		ZarrFormat:         zarrFormat,
	}
	if err := w.writeArray(variable, meta, []string{variable}, attrs); err != nil {
		return err
	}

	size := dt.Size()
	buf := make([]byte, len(values)*size)
	for i, v := range values {
		raster.PutSample(buf[i*size:], binary.LittleEndian, dt, v)
	}
	return w.writeChunk(variable, "0", buf)
}

// writeSpatialRef writes the scalar grid-mapping variable carrying the
// transform and CRS, as rioxarray does.
func (w *groupWriter) writeSpatialRef(r *raster.Raster) error {
	meta := arrayMeta{
		Chunks:             []int{},
		Compressor:         w.codec,
		DimensionSeparator: dimensionSep,
		DType:              dtypes[raster.Int64],
		Order:              "C",
		Shape:              []int{},
		ZarrFormat:         zarrFormat,
	}
	attrs := map[string]any{
		attrGeoTransform: formatGeoTransform(r.Transform),
		"crs":            r.CRS.String(),
		"epsg":           r.CRS.EPSG,
		"geographic":     r.CRS.Geographic,
		"pixel_is_point": r.PixelIsPoint,
	}
	if r.CRS.Citation != "" {
		attrs["citation"] = r.CRS.Citation
	}
	if err := w.writeArray(varSpatialRef, meta, []string{}, attrs); err != nil {
		return err
	}
	return w.writeChunk(varSpatialRef, "0", make([]byte, 8))
}
