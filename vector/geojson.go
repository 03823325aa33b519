package vector

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/afero"
)

// ReadGeoJSON loads a GeoJSON document as a feature collection. A single
// Feature or a bare geometry is wrapped into a one-element collection.
func ReadGeoJSON(fs afero.Fs, path string) (*geojson.FeatureCollection, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return ParseGeoJSON(data)
}

// ParseGeoJSON is ReadGeoJSON over an in-memory document.
func ParseGeoJSON(data []byte) (*geojson.FeatureCollection, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSON, err)
	}

	switch envelope.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSON, err)
		}
		return fc, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSON, err)
		}
		fc := geojson.NewFeatureCollection()
		return fc.Append(f), nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidGeoJSON)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSON, err)
		}
		fc := geojson.NewFeatureCollection()
		return fc.Append(geojson.NewFeature(g.Geometry())), nil
	}
}
