package catalog

import (
	"encoding/json"
	"slices"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	typeFeature           = "Feature"
	typeFeatureCollection = "FeatureCollection"

	relNext  = "next"
	roleData = "data"
	keyData  = "data"
)

// Asset is a file referenced by a catalog item.
type Asset struct {
	Key   string   `json:"-"`
	Href  string   `json:"href"`
	Type  string   `json:"type,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Title string   `json:"title,omitempty"`
}

// IsData reports whether the asset holds the item's data rather than a
// thumbnail or metadata sidecar.
func (a Asset) IsData() bool {
	return a.Key == keyData || slices.Contains(a.Roles, roleData)
}

// Link is a STAC link object.
type Link struct {
	Rel    string `json:"rel"`
	Href   string `json:"href"`
	Type   string `json:"type,omitempty"`
	Method string `json:"method,omitempty"`
}

// Item is a STAC item.
type Item struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection,omitempty"`
	BBox       geojson.BBox      `json:"bbox,omitempty"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties,omitempty"`
	Assets     map[string]Asset  `json:"assets"`
	Links      []Link            `json:"links,omitempty"`
}

// Bound is the item's extent, from its bbox or else its geometry.
func (it Item) Bound() orb.Bound {
	if it.BBox.Valid() {
		return it.BBox.Bound()
	}
	if it.Geometry != nil && it.Geometry.Geometry() != nil {
		return it.Geometry.Geometry().Bound()
	}
	return orb.Bound{}
}

// DataAssets returns the item's data assets ordered by key.
func (it Item) DataAssets() []Asset {
	keys := make([]string, 0, len(it.Assets))
	for k := range it.Assets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var assets []Asset
	for _, k := range keys {
		a := it.Assets[k]
		a.Key = k
		if a.IsData() {
			assets = append(assets, a)
		}
	}
	return assets
}

// page is either a single item or an item collection.
type page struct {
	Type     string          `json:"type"`
	Features json.RawMessage `json:"features"`
	Links    []Link          `json:"links"`
}

func (p page) next() *Link {
	for i, l := range p.Links {
		if l.Rel == relNext && l.Href != "" {
			return &p.Links[i]
		}
	}
	return nil
}

// LayerDescriptor is one catalog item matched by a theme layer query.
type LayerDescriptor struct {
	Theme string
	Layer string
	// Type is the data type configured for the layer, if any.
	Type   string
	Filter Filter
	Item   Item
}
