package handler

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

// Kind is the data family of an asset, which selects its handler.
type Kind int

const (
	KindUnsupported Kind = iota
	KindRaster
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindRaster:
		return "raster"
	case KindVector:
		return "vector"
	default:
		return "unsupported"
	}
}

const (
	mediaTypeTIFF    = "image/tiff"
	mediaTypeGeoJSON = "application/geo+json"
)

// KindOf infers the kind of an asset from its media type, then from the
// extension of its href, then from the layer type hint configured for it.
func KindOf(mediaType, href, hint string) Kind {
	if mediaType != "" {
		base, _, err := mime.ParseMediaType(mediaType)
		if err == nil {
			switch base {
			case mediaTypeTIFF:
				return KindRaster
			case mediaTypeGeoJSON:
				return KindVector
			}
		}
	}

	if u, err := url.Parse(href); err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".tif", ".tiff":
			return KindRaster
		case ".geojson":
			return KindVector
		}
	}

	switch strings.ToLower(hint) {
	case "geotiff", "tiff", "cog", "raster":
		return KindRaster
	case "geojson", "vector":
		return KindVector
	}
	return KindUnsupported
}

// For builds the handler for an asset of the given kind.
func For(kind Kind, id, url string, deps Deps) (FormatHandler, error) {
	switch kind {
	case KindRaster:
		return NewGeoTiff(id, url, deps), nil
	case KindVector:
		return NewGeoJSON(id, url, deps), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, url)
	}
}
