package vector

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/paulmach/orb/geojson"
)

type columnType int

const (
	columnBool columnType = iota + 1
	columnInt
	columnFloat
	columnString
	columnJSON
)

type column struct {
	name string
	typ  columnType
}

// maxExactInt is the largest integer a float64 holds without rounding.
const maxExactInt = 1 << 53

// inferColumns returns one column per property name found in features,
// sorted by name. Integers and floats widen to float, any other mix of
// types falls back to JSON text. Columns holding only nulls are strings.
func inferColumns(features []*geojson.Feature) []column {
	types := map[string]columnType{}
	for _, f := range features {
		for name, v := range f.Properties {
			t := typeOf(v)
			if t == 0 {
				if _, ok := types[name]; !ok {
					types[name] = 0
				}
				continue
			}
			types[name] = widen(types[name], t)
		}
	}

	columns := make([]column, 0, len(types))
	for name, t := range types {
		if t == 0 {
			t = columnString
		}
		columns = append(columns, column{name: name, typ: t})
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].name < columns[j].name })
	return columns
}

func typeOf(v any) columnType {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		return columnBool
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < maxExactInt {
			return columnInt
		}
		return columnFloat
	case int, int32, int64:
		return columnInt
	case float32:
		return columnFloat
	case string:
		return columnString
	default:
		return columnJSON
	}
}

func widen(a, b columnType) columnType {
	switch {
	case a == 0 || a == b:
		return b
	case (a == columnInt && b == columnFloat) || (a == columnFloat && b == columnInt):
		return columnFloat
	default:
		return columnJSON
	}
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	}
	return 0
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

// asText renders v for string and JSON columns. Strings stay as they are in
// string columns; everything in a JSON column is marshalled.
func asText(v any, typ columnType) string {
	if s, ok := v.(string); ok && typ == columnString {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
