package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkatanacio/geolayers/download"
)

func Test_Handle_ClosesItsOwnSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/boundary.geojson" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"type": "FeatureCollection", "features": []}`))
	}))
	t.Cleanup(srv.Close)

	var sessions []*download.Session
	original := newDownloader
	newDownloader = func(fs afero.Fs, logger *log.Logger) *download.Downloader {
		s := download.NewSession(download.SessionOptions{})
		sessions = append(sessions, s)
		return download.New(fs, download.Owned(s), download.Options{}, logger)
	}
	t.Cleanup(func() { newDownloader = original })

	testCases := map[string]struct {
		url    string
		status Status
	}{
		"success": {
			url:    srv.URL + "/boundary.geojson",
			status: Success,
		},
		"failure": {
			url:    srv.URL + "/missing.geojson",
			status: Failure,
		},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			sessions = nil
			h := NewGeoJSON("boundary", tc.url, Deps{FS: afero.NewMemMapFs(), Path: "/data"})

			res := h.Handle(context.Background())

			assert.Equal(t, tc.status, res.Status)
			require.Len(t, sessions, 1)
			assert.True(t, sessions[0].Closed())
		})
	}
}

func Test_FileName(t *testing.T) {
	testCases := map[string]struct {
		id       string
		expected string
	}{
		"plain":     {id: "dem_2023.v1", expected: "dem_2023.v1"},
		"separator": {id: "a/b", expected: "a_b"},
		"run":       {id: "a / b", expected: "a_b"},
		"dots":      {id: "..", expected: "_"},
		"empty":     {id: "", expected: "_"},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			assert.Equal(t, tc.expected, FileName(tc.id))
		})
	}
}
