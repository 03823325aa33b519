package vector

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const epsgWGS84 = 4326

// WriteFlatGeobuf writes fc to w as FlatGeobuf in WGS 84 with a packed
// R-tree index. Features without a geometry are dropped.
func WriteFlatGeobuf(w io.Writer, fc *geojson.FeatureCollection) error {
	features := make([]*geojson.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f.Geometry != nil && fgbGeometryType(f.Geometry) != flattypes.GeometryTypeUnknown {
			features = append(features, f)
		}
	}
	columns := inferColumns(features)

	b := flatbuffers.NewBuilder(1024)
	header := writer.NewHeader(b)
	header.SetGeometryType(commonGeometryType(features))

	crs := writer.NewCrs(b)
	crs.SetOrg("EPSG")
	crs.SetCode(epsgWGS84)
	header.SetCrs(crs)

	if len(columns) > 0 {
		cols := make([]*writer.Column, len(columns))
		for i, c := range columns {
			col := writer.NewColumn(b)
			col.SetName(c.name)
			col.SetType(fgbColumnType(c.typ))
			col.SetNullable(true)
			cols[i] = col
		}
		header.SetColumns(cols)
	}

	gen := &featureGenerator{features: features, columns: columns}
	_, err := writer.NewWriter(header, len(features) > 0, gen, nil).Write(w)
	return err
}

type featureGenerator struct {
	features []*geojson.Feature
	columns  []column
	next     int
}

func (g *featureGenerator) Generate() *writer.Feature {
	if g.next >= len(g.features) {
		return nil
	}
	f := g.features[g.next]
	g.next++

	b := flatbuffers.NewBuilder(1024)
	feature := writer.NewFeature(b)
	feature.SetGeometry(fgbGeometry(b, f.Geometry))
	if props := encodeProperties(f.Properties, g.columns); len(props) > 0 {
		feature.SetProperties(props)
	}
	return feature
}

// encodeProperties lays out the non-null values of props as FlatGeobuf
// expects: a little-endian uint16 column index followed by the value, with
// strings and JSON prefixed by their uint32 byte length.
func encodeProperties(props geojson.Properties, columns []column) []byte {
	var buf []byte
	for i, c := range columns {
		v, ok := props[c.name]
		if !ok || v == nil {
			continue
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(i))
		switch c.typ {
		case columnBool:
			if v.(bool) {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case columnInt:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(asInt(v)))
		case columnFloat:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(asFloat(v)))
		default:
			s := asText(v, c.typ)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
			buf = append(buf, s...)
		}
	}
	return buf
}

func fgbColumnType(t columnType) flattypes.ColumnType {
	switch t {
	case columnBool:
		return flattypes.ColumnTypeBool
	case columnInt:
		return flattypes.ColumnTypeLong
	case columnFloat:
		return flattypes.ColumnTypeDouble
	case columnJSON:
		return flattypes.ColumnTypeJson
	default:
		return flattypes.ColumnTypeString
	}
}

func commonGeometryType(features []*geojson.Feature) flattypes.GeometryType {
	if len(features) == 0 {
		return flattypes.GeometryTypeUnknown
	}
	t := fgbGeometryType(features[0].Geometry)
	for _, f := range features[1:] {
		if fgbGeometryType(f.Geometry) != t {
			return flattypes.GeometryTypeUnknown
		}
	}
	return t
}

func fgbGeometryType(g orb.Geometry) flattypes.GeometryType {
	switch g.(type) {
	case orb.Point:
		return flattypes.GeometryTypePoint
	case orb.MultiPoint:
		return flattypes.GeometryTypeMultiPoint
	case orb.LineString:
		return flattypes.GeometryTypeLineString
	case orb.MultiLineString:
		return flattypes.GeometryTypeMultiLineString
	case orb.Polygon:
		return flattypes.GeometryTypePolygon
	case orb.MultiPolygon:
		return flattypes.GeometryTypeMultiPolygon
	case orb.Collection:
		return flattypes.GeometryTypeGeometryCollection
	default:
		return flattypes.GeometryTypeUnknown
	}
}

func fgbGeometry(b *flatbuffers.Builder, g orb.Geometry) *writer.Geometry {
	geom := writer.NewGeometry(b)
	geom.SetType(fgbGeometryType(g))

	switch v := g.(type) {
	case orb.Point:
		geom.SetXY([]float64{v[0], v[1]})
	case orb.MultiPoint:
		geom.SetXY(flatten(v))
	case orb.LineString:
		geom.SetXY(flatten(v))
	case orb.MultiLineString:
		parts := make([][]orb.Point, len(v))
		for i, ls := range v {
			parts[i] = ls
		}
		xy, ends := flattenParts(parts)
		geom.SetXY(xy)
		geom.SetEnds(ends)
	case orb.Polygon:
		setPolygon(geom, v)
	case orb.MultiPolygon:
		parts := make([]writer.Geometry, len(v))
		for i, poly := range v {
			part := writer.NewGeometry(b)
			part.SetType(flattypes.GeometryTypePolygon)
			setPolygon(part, poly)
			parts[i] = *part
		}
		geom.SetParts(parts)
	case orb.Collection:
		parts := make([]writer.Geometry, 0, len(v))
		for _, child := range v {
			if fgbGeometryType(child) != flattypes.GeometryTypeUnknown {
				parts = append(parts, *fgbGeometry(b, child))
			}
		}
		geom.SetParts(parts)
	}
	return geom
}

func setPolygon(geom *writer.Geometry, poly orb.Polygon) {
	parts := make([][]orb.Point, len(poly))
	for i, ring := range poly {
		parts[i] = ring
	}
	xy, ends := flattenParts(parts)
	geom.SetXY(xy)
	geom.SetEnds(ends)
}

func flatten(points []orb.Point) []float64 {
	xy := make([]float64, 0, len(points)*2)
	for _, p := range points {
		xy = append(xy, p[0], p[1])
	}
	return xy
}

// flattenParts concatenates parts into one coordinate list and returns the
// cumulative point count at the end of each part.
func flattenParts(parts [][]orb.Point) ([]float64, []uint32) {
	var xy []float64
	ends := make([]uint32, len(parts))
	for i, p := range parts {
		xy = append(xy, flatten(p)...)
		ends[i] = uint32(len(xy) / 2)
	}
	return xy, ends
}
