package fetch

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/afero"

	"github.com/gkatanacio/geolayers/catalog"
	"github.com/gkatanacio/geolayers/download"
	"github.com/gkatanacio/geolayers/handler"
	"github.com/gkatanacio/geolayers/vector"
	"github.com/gkatanacio/geolayers/zarr"
)

const (
	defaultBasePath    = "/tmp/geolayers"
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
)

// Options represents the configuration of a Fetcher.
type Options struct {
	FS afero.Fs
	// BasePath is the directory downloads and outputs are written to.
	BasePath string
	// Concurrency bounds the catalog queries, and separately the assets,
	// handled at once.
	Concurrency int
	// ConvertWorkers bounds concurrent conversions. Zero means one per CPU.
	ConvertWorkers int
	Download       download.Options
	// HTTP configures the session created for each Fetch. It is ignored when
	// Session is set.
	HTTP download.SessionOptions
	// Session, when set, is used by every Fetch and never closed by it.
	Session      *download.Session
	MaxPages     int
	SkipExisting bool
	Zarr         zarr.Options
	// VectorFormat, when set, converts every downloaded GeoJSON item to that
	// format beside it.
	VectorFormat vector.Format
}

func (o Options) withDefaults() Options {
	if o.FS == nil {
		o.FS = afero.NewOsFs()
	}
	if o.BasePath == "" {
		o.BasePath = defaultBasePath
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.ConvertWorkers <= 0 {
		o.ConvertWorkers = runtime.NumCPU()
	}
	if o.HTTP.Timeout == 0 {
		o.HTTP.Timeout = defaultTimeout
	}
	return o
}

// ConfigurationError reports a fetch that could not start: the theme is
// unknown or a filter does not fit its queries.
type ConfigurationError struct {
	Theme string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("theme %q: %v", e.Theme, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Aggregate is the outcome of one Fetch. Status is Success when every item
// succeeded or was already present, Failure when any item or query failed,
// and NoOp when the catalog matched nothing. Err collects the reasons of the
// failed items.
type Aggregate struct {
	Status    handler.Status
	Err       error
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	// Items are the handled items ordered by ID.
	Items []handler.Item
}

// Code maps the status to 1, -1 or 0, like handler.Result.
func (a Aggregate) Code() int {
	return handler.Result{Status: a.Status}.Code()
}

func (a Aggregate) String() string {
	return fmt.Sprintf("%s: %d items, %d succeeded, %d failed, %d skipped",
		a.Status, a.Total, a.Succeeded, a.Failed, a.Skipped)
}

// job is one data asset to hand to a FormatHandler.
type job struct {
	layer catalog.LayerDescriptor
	asset catalog.Asset
	id    string
}
