package zarr

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/gkatanacio/geolayers/raster"
)

// Read loads a raster group written by Write, or any Zarr v2 group with the
// same rioxarray layout and zstd or uncompressed chunks.
func Read(fs afero.Fs, dir string) (*raster.Raster, error) {
	var group groupMeta
	if err := readJSON(fs, filepath.Join(dir, fileGroup), &group); err != nil {
		return nil, err
	}
	if group.ZarrFormat != zarrFormat {
		return nil, fmt.Errorf("%w: zarr_format %d", ErrUnsupported, group.ZarrFormat)
	}

	var meta arrayMeta
	if err := readJSON(fs, filepath.Join(dir, varBandData, fileArray), &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRaster, err)
	}
	if len(meta.Shape) != 3 || len(meta.Chunks) != 3 || meta.Chunks[0] != 1 {
		return nil, fmt.Errorf("%w: band_data shape %v chunks %v", ErrNotRaster, meta.Shape, meta.Chunks)
	}
	if meta.Order != "C" {
		return nil, fmt.Errorf("%w: order %q", ErrUnsupported, meta.Order)
	}

	dt, err := dataTypeOf(meta.DType)
	if err != nil {
		return nil, err
	}
	nodata, err := parseFillValue(meta.FillValue)
	if err != nil {
		return nil, err
	}

	var refAttrs map[string]any
	if err := readJSON(fs, filepath.Join(dir, varSpatialRef, fileAttrs), &refAttrs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRaster, err)
	}

	r := raster.New(meta.Shape[2], meta.Shape[1], meta.Shape[0], dt)
	r.NoData = nodata
	if err := readSpatialRef(refAttrs, r); err != nil {
		return nil, err
	}

	var rootAttrs map[string]any
	if err := readJSON(fs, filepath.Join(dir, fileAttrs), &rootAttrs); err == nil {
		r.Name, _ = rootAttrs["title"].(string)
	}

	if err := readBandData(fs, filepath.Join(dir, varBandData), meta, r); err != nil {
		return nil, err
	}
	return r, nil
}

func readSpatialRef(attrs map[string]any, r *raster.Raster) error {
	gt, ok := attrs[attrGeoTransform].(string)
	if !ok {
		return fmt.Errorf("%w: spatial_ref has no GeoTransform", ErrNotRaster)
	}
	transform, err := parseGeoTransform(gt)
	if err != nil {
		return err
	}
	r.Transform = transform

	if epsg, ok := attrs["epsg"].(float64); ok {
		r.CRS.EPSG = int(epsg)
	}
	r.CRS.Geographic, _ = attrs["geographic"].(bool)
	r.CRS.Citation, _ = attrs["citation"].(string)
	r.PixelIsPoint, _ = attrs["pixel_is_point"].(bool)
	return nil
}

func readBandData(fs afero.Fs, dir string, meta arrayMeta, r *raster.Raster) error {
	var dec *zstd.Decoder
	if meta.Compressor != nil {
		if meta.Compressor.ID != compressorZstd {
			return fmt.Errorf("%w: compressor %q", ErrUnsupported, meta.Compressor.ID)
		}
		var err error
		if dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)); err != nil {
			return err
		}
		defer dec.Close()
	}

	sep := meta.DimensionSeparator
	if sep == "" {
		sep = dimensionSep
	}

	chunkH, chunkW := meta.Chunks[1], meta.Chunks[2]
	size := r.DataType.Size()
	want := chunkH * chunkW * size

	for b := 0; b < r.BandCount(); b++ {
		for cy := 0; cy*chunkH < r.Height; cy++ {
			for cx := 0; cx*chunkW < r.Width; cx++ {
				key := fmt.Sprintf("%d%s%d%s%d", b, sep, cy, sep, cx)
				raw, err := afero.ReadFile(fs, filepath.Join(dir, filepath.FromSlash(key)))
				if err != nil {
					return fmt.Errorf("%w: chunk %s: %v", ErrCorrupt, key, err)
				}
				if dec != nil {
					if raw, err = dec.DecodeAll(raw, nil); err != nil {
						return fmt.Errorf("%w: chunk %s: %v", ErrCorrupt, key, err)
					}
				}
				if len(raw) != want {
					return fmt.Errorf("%w: chunk %s holds %d bytes, expected %d", ErrCorrupt, key, len(raw), want)
				}

				for row := 0; row < chunkH; row++ {
					y := cy*chunkH + row
					if y >= r.Height {
						break
					}
					for col := 0; col < chunkW; col++ {
						x := cx*chunkW + col
						if x >= r.Width {
							break
						}
						r.SetRaw(b, x, y, raw[(row*chunkW+col)*size:], binary.LittleEndian)
					}
				}
			}
		}
	}
	return nil
}
