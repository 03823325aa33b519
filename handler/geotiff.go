package handler

import (
	"context"

	"github.com/gkatanacio/geolayers/geotiff"
	"github.com/gkatanacio/geolayers/raster"
	"github.com/gkatanacio/geolayers/zarr"
)

const (
	extGeoTIFF = ".tif"
	extZarr    = ".zarr"
)

// GeoTiffHandler downloads a GeoTIFF and converts it to a Zarr store beside
// it.
type GeoTiffHandler struct {
	base
}

func NewGeoTiff(id, url string, deps Deps) *GeoTiffHandler {
	return &GeoTiffHandler{base: newBase(id, url, extGeoTIFF, extZarr, deps)}
}

func (h *GeoTiffHandler) Handle(ctx context.Context) Result {
	if h.skip() {
		h.logger.Info("output exists, skipping", "path", h.item.OutputPath)
		return h.finish(Skipped())
	}

	if err := h.fetch(ctx); err != nil {
		return h.finish(Failed(err))
	}

	release, err := h.convertSlot(ctx)
	if err != nil {
		return h.finish(Failed(err))
	}
	defer release()

	r, err := h.Load()
	if err != nil {
		return h.finish(Failed(err))
	}
	if err := h.Save(ctx, r); err != nil {
		return h.finish(Failed(err))
	}

	h.logger.Info("saved", "path", h.item.OutputPath)
	return h.finish(Succeeded())
}

// Load decodes the downloaded GeoTIFF.
func (h *GeoTiffHandler) Load() (*raster.Raster, error) {
	r, err := geotiff.DecodeFile(h.deps.FS, h.item.LocalPath)
	if err != nil {
		return nil, &ConversionError{Stage: "load", Err: err}
	}
	if r.Name == "" {
		r.Name = h.item.ID
	}

	h.logger.Info("loaded",
		"size", [3]int{r.BandCount(), r.Height, r.Width},
		"dtype", r.DataType,
		"crs", r.CRS,
		"bounds", r.Bounds(),
	)
	return r, nil
}

// Save writes r to the item's Zarr store, replacing any previous store.
func (h *GeoTiffHandler) Save(ctx context.Context, r *raster.Raster) error {
	if err := zarr.Write(ctx, h.deps.FS, h.item.OutputPath, r, h.deps.Zarr); err != nil {
		return &ConversionError{Stage: "save", Err: err}
	}
	return nil
}
