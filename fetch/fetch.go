// Package fetch resolves a theme into catalog queries, one per layer and
// location, and hands every data asset they return to a FormatHandler.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gkatanacio/geolayers/catalog"
	"github.com/gkatanacio/geolayers/download"
	"github.com/gkatanacio/geolayers/handler"
	"github.com/gkatanacio/geolayers/theme"
)

var ErrConflictingAsset = errors.New("another asset already uses this id")

// Fetcher fetches the layers of a theme for a set of locations.
type Fetcher struct {
	themes  *theme.Store
	filters []catalog.Filter
	opts    Options
	logger  *log.Logger
}

func New(themes *theme.Store, filters []catalog.Filter, opts Options, logger *log.Logger) *Fetcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Fetcher{
		themes:  themes,
		filters: filters,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

// query is a rendered layer query for one location.
type query struct {
	layer  theme.Layer
	filter catalog.Filter
	uri    string
}

// Fetch downloads and converts every data asset the theme's layers match.
// One failing item never stops the others; the returned Aggregate sums them
// up. A configuration error is returned before any request is made.
func (f *Fetcher) Fetch(ctx context.Context, name string) Aggregate {
	queries, err := f.plan(name)
	if err != nil {
		f.logger.Error("cannot fetch theme", "theme", name, "err", err)
		return Aggregate{Status: handler.Failure, Err: err}
	}

	logger := f.logger.With("run", uuid.NewString(), "theme", name)
	logger.Info("fetching theme", "queries", len(queries))

	session := f.session(logger)
	if session.Owned() {
		defer session.Session().Close()
	}

	var errs *multierror.Error

	client := catalog.NewClient(session.Session(), catalog.ClientOptions{MaxPages: f.opts.MaxPages}, logger)
	layers, queryErrs := f.search(ctx, client, name, queries, logger)
	errs = multierror.Append(errs, queryErrs...)

	jobs, conflicts := jobsFor(layers)
	for _, err := range conflicts {
		logger.Error("skipping asset", "err", err)
	}
	errs = multierror.Append(errs, conflicts...)

	deps := handler.Deps{
		FS:           f.opts.FS,
		Path:         f.opts.BasePath,
		Downloader:   download.New(f.opts.FS, download.Borrowed(session.Session()), f.opts.Download, logger),
		Logger:       logger,
		ConvertSlots: semaphore.NewWeighted(int64(f.opts.ConvertWorkers)),
		SkipExisting: f.opts.SkipExisting,
		Zarr:         f.opts.Zarr,
	}
	items := f.handle(ctx, jobs, deps, logger)

	agg := reduce(items, len(queryErrs)+len(conflicts))
	for _, item := range agg.Items {
		if item.Result.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", item.ID, item.Result.Err))
		}
	}
	agg.Err = errs.ErrorOrNil()

	logger.Info("theme done", "status", agg.Status, "items", agg.Total,
		"succeeded", agg.Succeeded, "failed", agg.Failed, "skipped", agg.Skipped)
	return agg
}

// plan renders every layer query for every location.
func (f *Fetcher) plan(name string) ([]query, error) {
	layers, err := f.themes.Get(name)
	if err != nil {
		return nil, &ConfigurationError{Theme: name, Err: err}
	}
	if len(f.filters) == 0 {
		return nil, &ConfigurationError{Theme: name, Err: fmt.Errorf("%w: no location given", catalog.ErrInvalidFilter)}
	}

	var queries []query
	for _, filter := range f.filters {
		for _, layer := range layers {
			uri, err := catalog.Render(layer.URI, filter)
			if err != nil {
				return nil, &ConfigurationError{Theme: name, Err: fmt.Errorf("layer %s: %w", layer.Name, err)}
			}
			queries = append(queries, query{layer: layer, filter: filter, uri: uri})
		}
	}
	return queries, nil
}

func (f *Fetcher) session(logger *log.Logger) download.Handle {
	if f.opts.Session != nil {
		return download.Borrowed(f.opts.Session)
	}
	opts := f.opts.HTTP
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return download.Owned(download.NewSession(opts))
}

// search runs the queries and returns the matched items in query order,
// along with one error per failed query.
func (f *Fetcher) search(ctx context.Context, client *catalog.Client, name string, queries []query, logger *log.Logger) ([]catalog.LayerDescriptor, []error) {
	found := make([][]catalog.LayerDescriptor, len(queries))
	failed := make([]error, len(queries))

	var g errgroup.Group
	g.SetLimit(f.opts.Concurrency)
	for i, q := range queries {
		g.Go(func() error {
			items, err := client.Search(ctx, q.uri)
			if err != nil {
				failed[i] = fmt.Errorf("layer %s for %s: %w", q.layer.Name, q.filter, err)
				logger.Error("query failed", "layer", q.layer.Name, "url", q.uri, "err", err)
				return nil
			}
			logger.Debug("query done", "layer", q.layer.Name, "url", q.uri, "items", len(items))

			for _, it := range items {
				found[i] = append(found[i], catalog.LayerDescriptor{
					Theme:  name,
					Layer:  q.layer.Name,
					Type:   q.layer.Type,
					Filter: q.filter,
					Item:   it,
				})
			}
			return nil
		})
	}
	g.Wait()

	var layers []catalog.LayerDescriptor
	for _, l := range found {
		layers = append(layers, l...)
	}
	var errs []error
	for _, err := range failed {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return layers, errs
}

// jobsFor turns matched items into one job per data asset. The same asset
// matched by several queries is handled once. Ids are compared by the file
// name they map to, so two jobs never share local paths.
func jobsFor(layers []catalog.LayerDescriptor) ([]job, []error) {
	var (
		jobs      []job
		conflicts []error
	)
	seen := map[string]string{}

	for _, l := range layers {
		assets := l.Item.DataAssets()
		for _, a := range assets {
			id := l.Item.ID
			if len(assets) > 1 {
				id += "_" + a.Key
			}

			key := handler.FileName(id)
			if href, ok := seen[key]; ok {
				if href != a.Href {
					conflicts = append(conflicts, fmt.Errorf("%w: %s (%s)", ErrConflictingAsset, id, a.Href))
				}
				continue
			}
			seen[key] = a.Href
			jobs = append(jobs, job{layer: l, asset: a, id: id})
		}
	}
	return jobs, conflicts
}

// handle runs one FormatHandler per job and returns the handled items in job
// order.
func (f *Fetcher) handle(ctx context.Context, jobs []job, deps handler.Deps, logger *log.Logger) []handler.Item {
	items := make([]handler.Item, len(jobs))

	var g errgroup.Group
	g.SetLimit(f.opts.Concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			items[i] = f.handleOne(ctx, j, deps, logger)
			return nil
		})
	}
	g.Wait()

	return items
}

func (f *Fetcher) handleOne(ctx context.Context, j job, deps handler.Deps, logger *log.Logger) handler.Item {
	kind := handler.KindOf(j.asset.Type, j.asset.Href, j.layer.Type)
	h, err := handler.For(kind, j.id, j.asset.Href, deps)
	if err != nil {
		logger.Error("skipping asset", "id", j.id, "url", j.asset.Href, "type", j.asset.Type, "err", err)
		return handler.Item{ID: j.id, URL: j.asset.Href, Result: handler.Failed(err)}
	}

	res := h.Handle(ctx)
	item := h.Item()

	gj, ok := h.(*handler.GeoJSONHandler)
	if !ok || f.opts.VectorFormat == "" || res.Status == handler.Failure {
		return item
	}

	out := strings.TrimSuffix(item.OutputPath, ".geojson") + f.opts.VectorFormat.Ext()
	if res.Status == handler.NoOp {
		// a skipped download may still lack its converted copy
		if exists, err := afero.Exists(deps.FS, out); err == nil && exists {
			return item
		}
	}
	if err := gj.Convert(ctx, out); err != nil {
		logger.Error("vector conversion failed", "id", j.id, "path", out, "err", err)
		item.Result = handler.Failed(err)
	}
	return item
}

// reduce sums up the handled items. failedQueries counts queries and assets
// that never reached a handler.
func reduce(items []handler.Item, failedQueries int) Aggregate {
	agg := Aggregate{
		Total:  len(items) + failedQueries,
		Failed: failedQueries,
	}

	for _, item := range items {
		switch item.Result.Status {
		case handler.Success:
			agg.Succeeded++
		case handler.Failure:
			agg.Failed++
		default:
			agg.Skipped++
		}
		agg.Items = append(agg.Items, item)
	}
	sort.Slice(agg.Items, func(i, j int) bool { return agg.Items[i].ID < agg.Items[j].ID })

	switch {
	case agg.Total == 0:
		agg.Status = handler.NoOp
	case agg.Failed > 0:
		agg.Status = handler.Failure
	default:
		agg.Status = handler.Success
	}
	return agg
}
