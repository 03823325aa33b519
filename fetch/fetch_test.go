package fetch_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkatanacio/geolayers/catalog"
	"github.com/gkatanacio/geolayers/download"
	"github.com/gkatanacio/geolayers/fetch"
	"github.com/gkatanacio/geolayers/geotiff"
	"github.com/gkatanacio/geolayers/handler"
	"github.com/gkatanacio/geolayers/raster"
	"github.com/gkatanacio/geolayers/theme"
	"github.com/gkatanacio/geolayers/vector"
)

const boundary = `{"type": "FeatureCollection", "features": [{"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[73.8, 18.4], [74.0, 18.4], [74.0, 18.6], [73.8, 18.4]]]}, "properties": {"name": "Haveli"}}]}`

var pune = catalog.Filter{State: "Maharashtra", District: "Pune", Tehsil: "Haveli"}

func tiff(t *testing.T) []byte {
	t.Helper()
	r := raster.New(12, 8, 1, raster.Int16)
	r.Transform = raster.GeoTransform{73.85, 0.01, 0, 18.52, 0, -0.01}
	r.CRS = raster.CRS{EPSG: 4326, Geographic: true}
	for i := 0; i < r.Width*r.Height; i++ {
		r.Set(0, i%r.Width, i/r.Width, float64(i))
	}
	var buf bytes.Buffer
	require.NoError(t, geotiff.Encode(&buf, r))
	return buf.Bytes()
}

type asset struct {
	id        string
	file      string
	mediaType string
}

func stacItem(base string, a asset) string {
	return fmt.Sprintf(`{"type": "Feature", "id": %q, "bbox": [73.7, 18.4, 74.1, 18.7], "geometry": null, "properties": {},
		"assets": {"data": {"href": "%s/files/%s", "type": %q, "roles": ["data"]}}}`, a.id, base, a.file, a.mediaType)
}

func collection(base string, assets ...asset) string {
	items := make([]string, len(assets))
	for i, a := range assets {
		items[i] = stacItem(base, a)
	}
	return fmt.Sprintf(`{"type": "FeatureCollection", "features": [%s]}`, strings.Join(items, ","))
}

// server is a catalog plus the files its items point to.
type server struct {
	*httptest.Server
	requests atomic.Int64
	pages    map[string]string
	files    map[string][]byte
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{pages: map[string]string{}, files: map[string][]byte{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if page, ok := s.pages[r.URL.Path]; ok {
			w.Header().Set("Content-Type", "application/geo+json")
			fmt.Fprint(w, page)
			return
		}
		if content, ok := s.files[r.URL.Path]; ok {
			http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(content))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func themes(t *testing.T, doc string) *theme.Store {
	t.Helper()
	store, err := theme.Parse([]byte(doc))
	require.NoError(t, err)
	return store
}

func newFetcher(t *testing.T, store *theme.Store, filters []catalog.Filter, opts fetch.Options) (*fetch.Fetcher, afero.Fs, string) {
	t.Helper()
	fs := afero.NewOsFs()
	dir := t.TempDir()
	opts.FS = fs
	opts.BasePath = dir
	opts.HTTP.Timeout = 5 * time.Second
	return fetch.New(store, filters, opts, nil), fs, dir
}

func glob(t *testing.T, fs afero.Fs, dir, pattern string) []string {
	t.Helper()
	matches, err := afero.Glob(fs, filepath.Join(dir, pattern))
	require.NoError(t, err)
	return matches
}

func Test_Fetch_ConfigurationError(t *testing.T) {
	srv := newServer(t)
	store := themes(t, fmt.Sprintf(`{"hydrology": [{"name": "stream", "stac_uri": "%s/stac/{{state}}/{{tehsil}}.json"}]}`, srv.URL))

	testCases := map[string]struct {
		theme    string
		filters  []catalog.Filter
		expected error
	}{
		"unknown theme": {
			theme:    "geology",
			filters:  []catalog.Filter{pune},
			expected: theme.ErrNotFound,
		},
		"no filters": {
			theme:    "hydrology",
			expected: catalog.ErrInvalidFilter,
		},
		"filter missing a placeholder value": {
			theme:    "hydrology",
			filters:  []catalog.Filter{pune, {State: "Goa"}},
			expected: catalog.ErrInvalidFilter,
		},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			f, _, _ := newFetcher(t, store, tc.filters, fetch.Options{})

			agg := f.Fetch(context.Background(), tc.theme)

			assert.Equal(t, handler.Failure, agg.Status)
			assert.Equal(t, -1, agg.Code())
			var confErr *fetch.ConfigurationError
			require.ErrorAs(t, agg.Err, &confErr)
			assert.Equal(t, tc.theme, confErr.Theme)
			assert.ErrorIs(t, agg.Err, tc.expected)
			assert.Zero(t, agg.Total)
			assert.Zero(t, srv.requests.Load())
		})
	}
}

func Test_Fetch_NothingFound(t *testing.T) {
	srv := newServer(t)
	srv.pages["/stac/maharashtra/stream.json"] = collection(srv.URL)
	store := themes(t, fmt.Sprintf(`{"hydrology": [{"name": "stream", "stac_uri": "%s/stac/{{state}}/stream.json"}]}`, srv.URL))

	f, _, _ := newFetcher(t, store, []catalog.Filter{pune}, fetch.Options{})
	agg := f.Fetch(context.Background(), "hydrology")

	assert.Equal(t, handler.NoOp, agg.Status)
	assert.Equal(t, 0, agg.Code())
	assert.NoError(t, agg.Err)
	assert.Zero(t, agg.Total)
	assert.Equal(t, int64(1), srv.requests.Load())
}

func Test_Fetch_PartialFailure(t *testing.T) {
	srv := newServer(t)
	good := tiff(t)
	srv.files["/files/ok-1.tif"] = good
	srv.files["/files/ok-2.tif"] = good
	for i := 1; i <= 3; i++ {
		srv.files[fmt.Sprintf("/files/bad-%d.tif", i)] = []byte("not a tiff at all")
	}

	const geotiffType = "image/tiff; application=geotiff"
	srv.pages["/stac/pune/lulc.json"] = collection(srv.URL,
		asset{id: "ok-1", file: "ok-1.tif", mediaType: geotiffType},
		asset{id: "bad-1", file: "bad-1.tif", mediaType: geotiffType},
		asset{id: "ok-2", file: "ok-2.tif", mediaType: geotiffType},
		asset{id: "bad-2", file: "bad-2.tif", mediaType: geotiffType},
		asset{id: "bad-3", file: "bad-3.tif", mediaType: geotiffType},
	)
	store := themes(t, fmt.Sprintf(`{"landuse": [{"name": "lulc", "stac_uri": "%s/stac/{{district}}/lulc.json", "type": "geotiff"}]}`, srv.URL))

	f, fs, dir := newFetcher(t, store, []catalog.Filter{pune}, fetch.Options{Concurrency: 2, ConvertWorkers: 1})
	agg := f.Fetch(context.Background(), "landuse")

	assert.Equal(t, handler.Failure, agg.Status)
	assert.Equal(t, 5, agg.Total)
	assert.Equal(t, 2, agg.Succeeded)
	assert.Equal(t, 3, agg.Failed)
	assert.ErrorIs(t, agg.Err, geotiff.ErrNotTIFF)

	var ids []string
	for _, item := range agg.Items {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"bad-1", "bad-2", "bad-3", "ok-1", "ok-2"}, ids)

	assert.ElementsMatch(t,
		[]string{filepath.Join(dir, "ok-1.zarr"), filepath.Join(dir, "ok-2.zarr")},
		glob(t, fs, dir, "*.zarr"))
	assert.Empty(t, glob(t, fs, dir, "*.download"))
}

func Test_Fetch_Outcomes(t *testing.T) {
	srv := newServer(t)
	srv.files["/files/dem.tif"] = tiff(t)
	srv.files["/files/boundary.geojson"] = []byte(boundary)
	srv.pages["/stac/dem.json"] = stacItem(srv.URL, asset{id: "dem", file: "dem.tif", mediaType: "image/tiff; application=geotiff"})
	srv.pages["/stac/boundary.json"] = stacItem(srv.URL, asset{id: "boundary", file: "boundary.geojson", mediaType: "application/geo+json"})
	srv.pages["/stac/rain.json"] = stacItem(srv.URL, asset{id: "rain", file: "rain.nc", mediaType: "application/x-netcdf"})

	layer := func(name string) string {
		return fmt.Sprintf(`{"name": %q, "stac_uri": "%s/stac/%s.json"}`, name, srv.URL, name)
	}

	testCases := map[string]struct {
		layers    []string
		opts      fetch.Options
		status    handler.Status
		succeeded int
		failed    int
		err       error
		outputs   []string
	}{
		"raster and vector": {
			layers:    []string{layer("dem"), layer("boundary")},
			status:    handler.Success,
			succeeded: 2,
			outputs:   []string{"boundary.geojson", "dem.tif", "dem.zarr"},
		},
		"vector follow-on conversion": {
			layers:    []string{layer("boundary")},
			opts:      fetch.Options{VectorFormat: vector.GeoParquet},
			status:    handler.Success,
			succeeded: 1,
			outputs:   []string{"boundary.geojson", "boundary.parquet"},
		},
		"unsupported asset": {
			layers:    []string{layer("dem"), layer("rain")},
			status:    handler.Failure,
			succeeded: 1,
			failed:    1,
			err:       handler.ErrUnsupportedAsset,
			outputs:   []string{"dem.tif", "dem.zarr"},
		},
		"query fails": {
			layers:  []string{layer("missing")},
			status:  handler.Failure,
			failed:  1,
			err:     &download.TransferError{},
			outputs: nil,
		},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			store := themes(t, fmt.Sprintf(`{"mixed": [%s]}`, strings.Join(tc.layers, ",")))
			f, fs, dir := newFetcher(t, store, []catalog.Filter{pune}, tc.opts)

			agg := f.Fetch(context.Background(), "mixed")

			assert.Equal(t, tc.status, agg.Status)
			assert.Equal(t, tc.succeeded, agg.Succeeded)
			assert.Equal(t, tc.failed, agg.Failed)
			assert.Equal(t, tc.succeeded+tc.failed, agg.Total)
			switch want := tc.err.(type) {
			case nil:
				assert.NoError(t, agg.Err)
			case *download.TransferError:
				assert.ErrorAs(t, agg.Err, &want)
			default:
				assert.ErrorIs(t, agg.Err, want)
			}

			var outputs []string
			for _, p := range glob(t, fs, dir, "*") {
				outputs = append(outputs, filepath.Base(p))
			}
			assert.Equal(t, tc.outputs, outputs)
		})
	}
}

func Test_Fetch_SameItemForSeveralLocations(t *testing.T) {
	srv := newServer(t)
	srv.files["/files/state.geojson"] = []byte(boundary)
	page := stacItem(srv.URL, asset{id: "state", file: "state.geojson", mediaType: "application/geo+json"})
	srv.pages["/stac/pune.json"] = page
	srv.pages["/stac/nashik.json"] = page
	store := themes(t, fmt.Sprintf(`{"admin": [{"name": "state", "stac_uri": "%s/stac/{{district}}.json"}]}`, srv.URL))

	filters := []catalog.Filter{pune, {State: "Maharashtra", District: "Nashik"}}
	f, _, _ := newFetcher(t, store, filters, fetch.Options{})
	agg := f.Fetch(context.Background(), "admin")

	assert.Equal(t, handler.Success, agg.Status)
	assert.Equal(t, 1, agg.Total)
}

func Test_Fetch_SkipExisting(t *testing.T) {
	srv := newServer(t)
	srv.files["/files/boundary.geojson"] = []byte(boundary)
	srv.pages["/stac/boundary.json"] = stacItem(srv.URL, asset{id: "boundary", file: "boundary.geojson", mediaType: "application/geo+json"})
	store := themes(t, fmt.Sprintf(`{"admin": [{"name": "boundary", "stac_uri": "%s/stac/boundary.json"}]}`, srv.URL))

	f, _, _ := newFetcher(t, store, []catalog.Filter{pune}, fetch.Options{SkipExisting: true})

	first := f.Fetch(context.Background(), "admin")
	require.Equal(t, handler.Success, first.Status)
	assert.Equal(t, 1, first.Succeeded)

	second := f.Fetch(context.Background(), "admin")
	assert.Equal(t, handler.Success, second.Status)
	assert.Equal(t, 1, second.Skipped)
	assert.Zero(t, second.Succeeded)
}

func Test_Fetch_SkipExisting_ConvertsMissingVector(t *testing.T) {
	srv := newServer(t)
	srv.files["/files/boundary.geojson"] = []byte(boundary)
	srv.pages["/stac/boundary.json"] = stacItem(srv.URL, asset{id: "boundary", file: "boundary.geojson", mediaType: "application/geo+json"})
	store := themes(t, fmt.Sprintf(`{"admin": [{"name": "boundary", "stac_uri": "%s/stac/boundary.json"}]}`, srv.URL))

	fs := afero.NewOsFs()
	dir := t.TempDir()
	run := func(format vector.Format) fetch.Aggregate {
		opts := fetch.Options{FS: fs, BasePath: dir, SkipExisting: true, VectorFormat: format}
		opts.HTTP.Timeout = 5 * time.Second
		return fetch.New(store, []catalog.Filter{pune}, opts, nil).Fetch(context.Background(), "admin")
	}

	first := run("")
	require.Equal(t, handler.Success, first.Status)
	assert.Empty(t, glob(t, fs, dir, "*.parquet"))

	second := run(vector.GeoParquet)
	assert.Equal(t, handler.Success, second.Status)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, []string{filepath.Join(dir, "boundary.parquet")}, glob(t, fs, dir, "*.parquet"))

	info, err := fs.Stat(filepath.Join(dir, "boundary.parquet"))
	require.NoError(t, err)

	third := run(vector.GeoParquet)
	assert.Equal(t, handler.Success, third.Status)
	assert.Equal(t, 1, third.Skipped)
	again, err := fs.Stat(filepath.Join(dir, "boundary.parquet"))
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime())
}

func Test_Fetch_IdsSharingFileName(t *testing.T) {
	srv := newServer(t)
	srv.files["/files/first.geojson"] = []byte(boundary)
	srv.files["/files/second.geojson"] = []byte(boundary)
	srv.pages["/stac/boundary.json"] = collection(srv.URL,
		asset{id: "a/b", file: "first.geojson", mediaType: "application/geo+json"},
		asset{id: "a_b", file: "second.geojson", mediaType: "application/geo+json"},
	)
	store := themes(t, fmt.Sprintf(`{"admin": [{"name": "boundary", "stac_uri": "%s/stac/boundary.json"}]}`, srv.URL))

	f, fs, dir := newFetcher(t, store, []catalog.Filter{pune}, fetch.Options{})
	agg := f.Fetch(context.Background(), "admin")

	assert.Equal(t, handler.Failure, agg.Status)
	assert.Equal(t, 2, agg.Total)
	assert.Equal(t, 1, agg.Succeeded)
	assert.Equal(t, 1, agg.Failed)
	assert.ErrorIs(t, agg.Err, fetch.ErrConflictingAsset)
	require.Len(t, agg.Items, 1)
	assert.Equal(t, "a/b", agg.Items[0].ID)
	assert.Equal(t, []string{filepath.Join(dir, "a_b.geojson")}, glob(t, fs, dir, "*"))
}

func Test_Fetch_ReportsProgress(t *testing.T) {
	srv := newServer(t)
	srv.files["/files/dem.tif"] = tiff(t)
	srv.pages["/stac/dem.json"] = stacItem(srv.URL, asset{id: "dem", file: "dem.tif", mediaType: "image/tiff; application=geotiff"})
	store := themes(t, fmt.Sprintf(`{"terrain": [{"name": "dem", "stac_uri": "%s/stac/dem.json"}]}`, srv.URL))

	var completed atomic.Int64
	f, _, _ := newFetcher(t, store, []catalog.Filter{pune}, fetch.Options{
		Download: download.Options{
			Connections: 2,
			Progress: func(p download.Progress) {
				if p.State == download.Complete {
					completed.Add(1)
				}
			},
		},
	})
	agg := f.Fetch(context.Background(), "terrain")

	assert.Equal(t, handler.Success, agg.Status)
	assert.Equal(t, int64(1), completed.Load())
}

func Test_Fetch_SessionOwnership(t *testing.T) {
	srv := newServer(t)
	srv.pages["/stac/empty.json"] = collection(srv.URL)
	store := themes(t, fmt.Sprintf(`{"admin": [{"name": "empty", "stac_uri": "%s/stac/empty.json"}]}`, srv.URL))

	session := download.NewSession(download.SessionOptions{Timeout: 5 * time.Second})
	defer session.Close()

	f, _, _ := newFetcher(t, store, []catalog.Filter{pune}, fetch.Options{Session: session})
	for range 2 {
		agg := f.Fetch(context.Background(), "admin")
		assert.Equal(t, handler.NoOp, agg.Status)
	}
	assert.False(t, session.Closed())
}

func Test_Fetch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	content := tiff(t)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stac/dem.json":
			fmt.Fprint(w, stacItem(srv.URL, asset{id: "dem", file: "dem.tif", mediaType: "image/tiff; application=geotiff"}))
		case "/files/dem.tif":
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			if r.Method == http.MethodHead {
				return
			}
			w.Write(content[:len(content)/2])
			w.(http.Flusher).Flush()
			cancel()
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	store := themes(t, fmt.Sprintf(`{"terrain": [{"name": "dem", "stac_uri": "%s/stac/dem.json"}]}`, srv.URL))

	f, fs, dir := newFetcher(t, store, []catalog.Filter{pune}, fetch.Options{})
	agg := f.Fetch(ctx, "terrain")

	assert.Equal(t, handler.Failure, agg.Status)
	assert.ErrorIs(t, agg.Err, context.Canceled)
	assert.Empty(t, glob(t, fs, dir, "*"))
}
