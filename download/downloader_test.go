package download_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkatanacio/geolayers/download"
)

var payload = bytes.Repeat([]byte("0123456789abcdefghijklmnopqrstuvwxyz"), 1000)

type serverMode int

const (
	// full HEAD, Range and Accept-Ranges support
	modeRanged serverMode = iota
	// HEAD answered with 405
	modeNoHead
	// no Content-Length anywhere
	modeUnknownLength
	// advertises ranges on HEAD but answers every GET with the whole file
	modeIgnoresRange
)

func newFileServer(t *testing.T, mode serverMode, content []byte, header http.Header) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range header {
			w.Header()[k] = v
		}

		switch mode {
		case modeRanged:
			http.ServeContent(w, r, "file", time.Time{}, bytes.NewReader(content))
		case modeNoHead:
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			http.ServeContent(w, r, "file", time.Time{}, bytes.NewReader(content))
		case modeUnknownLength:
			if r.Method == http.MethodHead {
				return
			}
			w.Write(content[:1])
			w.(http.Flusher).Flush()
			w.Write(content[1:])
		case modeIgnoresRange:
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			if r.Method == http.MethodHead {
				return
			}
			w.Write(content)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type progressLog struct {
	mu      sync.Mutex
	updates []download.Progress
}

func (l *progressLog) record(p download.Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, p)
}

func (l *progressLog) states() (first, last download.Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates[0], l.updates[len(l.updates)-1]
}

func newDownloader(fs afero.Fs, opts download.Options) *download.Downloader {
	session := download.NewSession(download.SessionOptions{Timeout: 5 * time.Second})
	return download.New(fs, download.Owned(session), opts, nil)
}

func Test_Downloader_AsyncStart_Success(t *testing.T) {
	testCases := map[string]struct {
		mode        serverMode
		connections int
		total       int64
	}{
		"ranged, multiple connections": {
			mode:        modeRanged,
			connections: 4,
			total:       int64(len(payload)),
		},
		"ranged server, single connection": {
			mode:        modeRanged,
			connections: 1,
			total:       int64(len(payload)),
		},
		"uneven parts": {
			mode:        modeRanged,
			connections: 3,
			total:       int64(len(payload)),
		},
		"no HEAD support": {
			mode:        modeNoHead,
			connections: 4,
			total:       int64(len(payload)),
		},
		"unknown length": {
			mode:        modeUnknownLength,
			connections: 4,
			total:       -1,
		},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			srv := newFileServer(t, tc.mode, payload, nil)
			fs := afero.NewMemMapFs()
			progress := &progressLog{}

			d := newDownloader(fs, download.Options{Connections: tc.connections, Progress: progress.record})
			defer d.Close()

			err := d.AsyncStart(context.Background(), srv.URL+"/layer.tif", "/data/layer.tif")
			require.NoError(t, err)

			got, err := afero.ReadFile(fs, "/data/layer.tif")
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			exists, _ := afero.Exists(fs, "/data/layer.tif.download")
			assert.False(t, exists)

			first, last := progress.states()
			assert.Equal(t, download.Started, first.State)
			assert.Equal(t, download.Complete, last.State)
			assert.EqualValues(t, len(payload), last.Transferred)
			if tc.total > 0 {
				assert.Equal(t, tc.total, last.Total)
				assert.Equal(t, 100.0, last.Percent())
			} else {
				assert.Equal(t, -1.0, first.Percent())
			}
		})
	}
}

func Test_Downloader_AsyncStart_Failed(t *testing.T) {
	wrongETag := http.Header{"Etag": []string{`"0123456789abcdef0123456789abcdef"`}}

	testCases := map[string]struct {
		handler     http.HandlerFunc
		mode        serverMode
		header      http.Header
		opts        download.Options
		specificErr error
		status      int
	}{
		"not found": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			status: http.StatusNotFound,
		},
		"server error on GET": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodHead {
					return
				}
				w.WriteHeader(http.StatusBadGateway)
			},
			status: http.StatusBadGateway,
		},
		"range rejected": {
			mode:        modeIgnoresRange,
			opts:        download.Options{Connections: 4},
			specificErr: download.ErrPartialRequestUnsupported,
		},
		"ETag mismatch": {
			mode:        modeRanged,
			header:      wrongETag,
			opts:        download.Options{Connections: 2, CheckETag: true},
			specificErr: download.ErrETagMismatch,
		},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			var srv *httptest.Server
			if tc.handler != nil {
				srv = httptest.NewServer(tc.handler)
				t.Cleanup(srv.Close)
			} else {
				srv = newFileServer(t, tc.mode, payload, tc.header)
			}
			fs := afero.NewMemMapFs()

			d := newDownloader(fs, tc.opts)
			defer d.Close()

			err := d.AsyncStart(context.Background(), srv.URL+"/layer.tif", "/data/layer.tif")
			require.Error(t, err)

			if tc.specificErr != nil {
				assert.ErrorIs(t, err, tc.specificErr)
			}
			if tc.status != 0 {
				var transferErr *download.TransferError
				require.ErrorAs(t, err, &transferErr)
				assert.Equal(t, tc.status, transferErr.StatusCode)
			}

			for _, path := range []string{"/data/layer.tif", "/data/layer.tif.download"} {
				exists, _ := afero.Exists(fs, path)
				assert.False(t, exists, path)
			}
		})
	}
}

func Test_Downloader_ShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload[:40])
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	d := newDownloader(fs, download.Options{})
	defer d.Close()

	err := d.AsyncStart(context.Background(), srv.URL, "/data/short.bin")

	var incomplete *download.IncompleteTransferError
	require.ErrorAs(t, err, &incomplete)
	assert.EqualValues(t, 100, incomplete.Expected)
	assert.Less(t, incomplete.Written, incomplete.Expected)

	entries, err := afero.ReadDir(fs, "/data")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func Test_Downloader_Download_Fallback(t *testing.T) {
	srv := newFileServer(t, modeIgnoresRange, payload, nil)
	fs := afero.NewMemMapFs()

	d := newDownloader(fs, download.Options{Connections: 4})
	defer d.Close()

	err := d.AsyncStart(context.Background(), srv.URL, "/data/layer.tif")
	require.ErrorIs(t, err, download.ErrPartialRequestUnsupported)

	require.NoError(t, d.Download(context.Background(), srv.URL, "/data/layer.tif"))

	got, err := afero.ReadFile(fs, "/data/layer.tif")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func Test_Downloader_ETagMatch(t *testing.T) {
	sum := md5.Sum(payload)
	digest := hex.EncodeToString(sum[:])

	testCases := map[string]struct {
		eTag string
	}{
		"lower case": {eTag: digest},
		"upper case": {eTag: strings.ToUpper(digest)},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			header := http.Header{"Etag": []string{`"` + tc.eTag + `"`}}
			srv := newFileServer(t, modeRanged, payload, header)
			fs := afero.NewMemMapFs()

			d := newDownloader(fs, download.Options{Connections: 3, CheckETag: true})
			defer d.Close()

			require.NoError(t, d.AsyncStart(context.Background(), srv.URL, "/data/layer.tif"))
		})
	}
}

func Test_Downloader_Cancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload[:10])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := afero.NewMemMapFs()
	d := newDownloader(fs, download.Options{
		Progress: func(p download.Progress) {
			if p.State == download.Downloading {
				cancel()
			}
		},
	})
	defer d.Close()

	err := d.AsyncStart(ctx, srv.URL, "/data/layer.tif")
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := afero.ReadDir(fs, "/data")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func Test_Downloader_SessionOwnership(t *testing.T) {
	srv := newFileServer(t, modeRanged, payload, nil)

	testCases := map[string]struct {
		handle       func(*download.Session) download.Handle
		closedAfter  bool
		closedBefore bool
		specificErr  error
	}{
		"owned session is closed": {
			handle:      download.Owned,
			closedAfter: true,
		},
		"borrowed session is left open": {
			handle:      download.Borrowed,
			closedAfter: false,
		},
		"closed session rejects transfers": {
			handle:       download.Borrowed,
			closedBefore: true,
			closedAfter:  true,
			specificErr:  download.ErrSessionClosed,
		},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			session := download.NewSession(download.SessionOptions{})
			if tc.closedBefore {
				require.NoError(t, session.Close())
			}

			fs := afero.NewMemMapFs()
			d := download.New(fs, tc.handle(session), download.Options{}, nil)

			err := d.AsyncStart(context.Background(), srv.URL, "/data/layer.tif")
			if tc.specificErr != nil {
				assert.ErrorIs(t, err, tc.specificErr)
			} else {
				assert.NoError(t, err)
			}

			require.NoError(t, d.Close())
			assert.Equal(t, tc.closedAfter, session.Closed())
		})
	}
}

func Test_Downloader_DefaultSession(t *testing.T) {
	srv := newFileServer(t, modeRanged, payload, nil)
	fs := afero.NewMemMapFs()

	d := download.New(fs, download.Handle{}, download.Options{Connections: 2}, nil)
	require.NoError(t, d.AsyncStart(context.Background(), srv.URL, "/layer.tif"))
	require.NoError(t, d.Close())

	err := d.AsyncStart(context.Background(), srv.URL, "/layer.tif")
	assert.True(t, errors.Is(err, download.ErrSessionClosed))
}
