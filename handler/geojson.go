package handler

import (
	"context"

	"github.com/gkatanacio/geolayers/vector"
)

const extGeoJSON = ".geojson"

// GeoJSONHandler downloads a GeoJSON file. The file itself is the output;
// Convert turns it into a columnar format on request.
type GeoJSONHandler struct {
	base
}

func NewGeoJSON(id, url string, deps Deps) *GeoJSONHandler {
	return &GeoJSONHandler{base: newBase(id, url, extGeoJSON, extGeoJSON, deps)}
}

func (h *GeoJSONHandler) Handle(ctx context.Context) Result {
	if h.skip() {
		h.logger.Info("output exists, skipping", "path", h.item.OutputPath)
		return h.finish(Skipped())
	}

	if err := h.fetch(ctx); err != nil {
		return h.finish(Failed(err))
	}

	h.logger.Info("saved", "path", h.item.OutputPath)
	return h.finish(Succeeded())
}

// Convert writes the downloaded file to out, in the vector format named by
// out's extension.
func (h *GeoJSONHandler) Convert(ctx context.Context, out string) error {
	release, err := h.convertSlot(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := vector.Convert(ctx, h.deps.FS, h.item.LocalPath, out); err != nil {
		return &ConversionError{Stage: "convert", Err: err}
	}
	h.logger.Info("converted", "path", out)
	return nil
}
