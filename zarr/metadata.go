// Package zarr stores rasters as Zarr v2 groups laid out the way xarray and
// rioxarray write them, so the output opens with xr.open_zarr and keeps its
// georeference.
package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/gkatanacio/geolayers/raster"
)

const (
	zarrFormat        = 2
	compressorZstd    = "zstd"
	dimensionSep      = "."
	varBandData       = "band_data"
	varBand           = "band"
	varX              = "x"
	varY              = "y"
	varSpatialRef     = "spatial_ref"
	attrDimensions    = "_ARRAY_DIMENSIONS"
	attrGeoTransform  = "GeoTransform"
	fileArray         = ".zarray"
	fileAttrs         = ".zattrs"
	fileGroup         = ".zgroup"
	fileConsolidated  = ".zmetadata"
	consolidatedFmtV1 = 1
)

type compressor struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// arrayMeta is the content of a .zarray document. Fields are declared in
// key order so the marshalled document is stable.
type arrayMeta struct {
	Chunks             []int       `json:"chunks"`
	Compressor         *compressor `json:"compressor"`
	DimensionSeparator string      `json:"dimension_separator"`
	DType              string      `json:"dtype"`
	FillValue          any         `json:"fill_value"`
	Filters            []any       `json:"filters"`
	Order              string      `json:"order"`
	Shape              []int       `json:"shape"`
	ZarrFormat         int         `json:"zarr_format"`
}

type groupMeta struct {
	ZarrFormat int `json:"zarr_format"`
}

var dtypes = map[raster.DataType]string{
	raster.Uint8:   "|u1",
	raster.Int8:    "|i1",
	raster.Uint16:  "<u2",
	raster.Int16:   "<i2",
	raster.Uint32:  "<u4",
	raster.Int32:   "<i4",
	raster.Float32: "<f4",
	raster.Float64: "<f8",
	raster.Int64:   "<i8",
}

func dataTypeOf(dtype string) (raster.DataType, error) {
	for dt, s := range dtypes {
		if s == dtype {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("%w: dtype %q", ErrUnsupported, dtype)
}

// fillValue encodes v the way zarr v2 expects, with non-finite floats as
// strings.
func fillValue(v *float64) any {
	if v == nil {
		return nil
	}
	switch {
	case math.IsNaN(*v):
		return "NaN"
	case math.IsInf(*v, 1):
		return "Infinity"
	case math.IsInf(*v, -1):
		return "-Infinity"
	default:
		return *v
	}
}

func parseFillValue(v any) (*float64, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = t
	case string:
		switch t {
		case "NaN":
			f = math.NaN()
		case "Infinity":
			f = math.Inf(1)
		case "-Infinity":
			f = math.Inf(-1)
		default:
			return nil, fmt.Errorf("%w: fill_value %q", ErrCorrupt, t)
		}
	default:
		return nil, fmt.Errorf("%w: fill_value of type %T", ErrCorrupt, v)
	}
	return &f, nil
}

func formatGeoTransform(gt raster.GeoTransform) string {
	parts := make([]string, len(gt))
	for i, v := range gt {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func parseGeoTransform(s string) (raster.GeoTransform, error) {
	var gt raster.GeoTransform
	parts := strings.Fields(s)
	if len(parts) != len(gt) {
		return gt, fmt.Errorf("%w: GeoTransform %q", ErrCorrupt, s)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return gt, fmt.Errorf("%w: GeoTransform %q", ErrCorrupt, s)
		}
		gt[i] = v
	}
	return gt, nil
}

func marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "    ")
}

func writeJSON(fs afero.Fs, name string, v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, name, data, 0o644)
}

func readJSON(fs afero.Fs, name string, v any) error {
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(name), err)
	}
	return nil
}
