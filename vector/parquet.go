package vector

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
)

const (
	geoParquetVersion = "1.0.0"
	geometryColumn    = "geometry"
	geoMetadataKey    = "geo"
)

type geoMetadata struct {
	Version       string                       `json:"version"`
	PrimaryColumn string                       `json:"primary_column"`
	Columns       map[string]geoColumnMetadata `json:"columns"`
}

type geoColumnMetadata struct {
	Encoding      string    `json:"encoding"`
	GeometryTypes []string  `json:"geometry_types"`
	BBox          []float64 `json:"bbox,omitempty"`
}

// WriteParquet writes fc to w as GeoParquet: WKB geometries in the
// "geometry" column, one column per property and the "geo" file metadata.
func WriteParquet(w io.Writer, fc *geojson.FeatureCollection) error {
	columns := inferColumns(fc.Features)

	geo, err := describeGeometries(fc.Features)
	if err != nil {
		return err
	}

	fields := make([]arrow.Field, 0, len(columns)+1)
	fields = append(fields, arrow.Field{Name: geometryColumn, Type: arrow.BinaryTypes.Binary, Nullable: true})
	for _, c := range columns {
		fields = append(fields, arrow.Field{Name: c.name, Type: arrowType(c.typ), Nullable: true})
	}
	md := arrow.NewMetadata([]string{geoMetadataKey}, []string{string(geo)})
	schema := arrow.NewSchema(fields, &md)

	builders := make([]array.Builder, len(fields))
	for i, field := range fields {
		builders[i] = array.NewBuilder(memory.DefaultAllocator, field.Type)
		defer builders[i].Release()
	}
	for _, f := range fc.Features {
		if err := appendFeature(builders, columns, f); err != nil {
			return err
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
		defer arrays[i].Release()
	}
	rec := array.NewRecordBatch(schema, arrays, int64(len(fc.Features)))
	defer rec.Release()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	// the caller owns w, so keep the parquet writer from closing it
	pw, err := pqarrow.NewFileWriter(schema, struct{ io.Writer }{w}, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return err
	}
	if err := pw.Write(rec); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

func arrowType(t columnType) arrow.DataType {
	switch t {
	case columnBool:
		return arrow.FixedWidthTypes.Boolean
	case columnInt:
		return arrow.PrimitiveTypes.Int64
	case columnFloat:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

func appendFeature(builders []array.Builder, columns []column, f *geojson.Feature) error {
	geom := builders[0].(*array.BinaryBuilder)
	if f.Geometry == nil {
		geom.AppendNull()
	} else {
		data, err := wkb.Marshal(f.Geometry)
		if err != nil {
			return err
		}
		geom.Append(data)
	}

	for i, c := range columns {
		fb := builders[i+1]
		v, ok := f.Properties[c.name]
		if !ok || v == nil {
			fb.AppendNull()
			continue
		}
		switch c.typ {
		case columnBool:
			fb.(*array.BooleanBuilder).Append(v.(bool))
		case columnInt:
			fb.(*array.Int64Builder).Append(asInt(v))
		case columnFloat:
			fb.(*array.Float64Builder).Append(asFloat(v))
		default:
			fb.(*array.StringBuilder).Append(asText(v, c.typ))
		}
	}
	return nil
}

// describeGeometries builds the "geo" metadata document for the features.
func describeGeometries(features []*geojson.Feature) ([]byte, error) {
	seen := map[string]bool{}
	var bound orb.Bound
	hasBound := false
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		seen[f.Geometry.GeoJSONType()] = true
		if hasBound {
			bound = bound.Union(f.Geometry.Bound())
		} else {
			bound, hasBound = f.Geometry.Bound(), true
		}
	}

	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)

	col := geoColumnMetadata{Encoding: "WKB", GeometryTypes: types}
	if hasBound {
		col.BBox = []float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}
	}
	return json.Marshal(geoMetadata{
		Version:       geoParquetVersion,
		PrimaryColumn: geometryColumn,
		Columns:       map[string]geoColumnMetadata{geometryColumn: col},
	})
}
