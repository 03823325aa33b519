package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const suffixOngoingDownload = ".download"

// Downloader fetches remote files into a filesystem. Files are written to a
// temporary sibling and only renamed to their destination once complete, so
// a destination path never holds a partial file.
type Downloader struct {
	fs     afero.Fs
	handle Handle
	opts   Options
	logger *log.Logger
}

// New returns a Downloader using the given session. A zero Handle makes the
// Downloader create and own a default session.
func New(fs afero.Fs, handle Handle, opts Options, logger *log.Logger) *Downloader {
	if handle.Session() == nil {
		handle = Owned(NewSession(SessionOptions{Logger: logger}))
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Downloader{fs: fs, handle: handle, opts: opts, logger: logger}
}

// Close closes the session if the Downloader owns it.
func (d *Downloader) Close() error {
	if !d.handle.Owned() {
		return nil
	}
	return d.handle.Session().Close()
}

// AsyncStart downloads url to dest, reporting progress to Options.Progress.
// The file is fetched in concurrent ranged requests when the server
// advertises its size and range support, and streamed otherwise. A server
// that then refuses a ranged request yields ErrPartialRequestUnsupported;
// Download is the fallback for it.
func (d *Downloader) AsyncStart(ctx context.Context, url, dest string) error {
	meta, err := d.fetchFileMetadata(ctx, url)
	if err != nil {
		return err
	}

	t := newTask(url, dest, meta.size, d.opts.Progress)
	t.report(Started)

	file, err := d.createOngoing(t)
	if err != nil {
		t.report(Failed)
		return err
	}

	var eTag string
	if meta.size > 0 && meta.acceptRanges && d.opts.Connections > 1 {
		d.logger.Debug("ranged download", "url", url, "size", meta.size, "connections", d.opts.Connections)
		err = d.downloadRanges(ctx, t, file)
		eTag = meta.eTag
	} else {
		eTag, err = d.downloadStream(ctx, t, file)
		if meta.eTag != "" {
			eTag = meta.eTag
		}
	}

	if err := d.finish(ctx, t, file, eTag, err); err != nil {
		t.report(Failed)
		return err
	}
	t.report(Complete)
	return nil
}

// Download fetches url to dest with one plain GET and no progress
// reporting. It gives the same completeness guarantees as AsyncStart.
func (d *Downloader) Download(ctx context.Context, url, dest string) error {
	t := newTask(url, dest, -1, nil)

	file, err := d.createOngoing(t)
	if err != nil {
		return err
	}

	eTag, err := d.downloadStream(ctx, t, file)
	return d.finish(ctx, t, file, eTag, err)
}

// fetchFileMetadata probes url with HEAD. Servers that do not implement
// HEAD are treated as giving no metadata.
func (d *Downloader) fetchFileMetadata(ctx context.Context, url string) (fileMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fileMetadata{}, err
	}

	resp, err := d.handle.Session().Do(req)
	if err != nil {
		return fileMetadata{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return fileMetadata{size: -1}, nil
	case !isSuccess(resp):
		return fileMetadata{}, transferError(url, resp)
	}

	return fileMetadata{
		size:         resp.ContentLength,
		acceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		eTag:         etagOf(resp),
	}, nil
}

func (d *Downloader) createOngoing(t *task) (afero.File, error) {
	if err := d.fs.MkdirAll(filepath.Dir(t.dest), 0o755); err != nil {
		return nil, err
	}
	return d.fs.OpenFile(t.tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

// downloadRanges fetches the file in Options.Connections parts and writes
// each at its offset in the pre-sized file.
func (d *Downloader) downloadRanges(ctx context.Context, t *task, file afero.File) error {
	if err := file.Truncate(t.size); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(d.opts.Connections)

	for _, r := range splitRanges(t.size, d.opts.Connections) {
		eg.Go(func() error {
			return d.fetchChunk(ctx, t, file, r)
		})
	}

	return eg.Wait()
}

// fetchChunk GETs one range of the file and writes it in place.
func (d *Downloader) fetchChunk(ctx context.Context, t *task, file afero.File, r byteRange) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", r.header())

	resp, err := d.handle.Session().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return fmt.Errorf("%w: %s answered %s to %s", ErrPartialRequestUnsupported, t.url, resp.Status, r.header())
	default:
		return transferError(t.url, resp)
	}

	w := newProgressWriter(io.NewOffsetWriter(file, r.start), t)
	n, err := io.Copy(w, io.LimitReader(resp.Body, r.length()))
	switch {
	case err != nil && !errors.Is(err, io.ErrUnexpectedEOF):
		return err
	case n < r.length():
		return &IncompleteTransferError{URL: t.url, Expected: r.length(), Written: n}
	}
	return nil
}

// downloadStream fetches the whole file with one GET and returns the ETag
// of the response.
func (d *Downloader) downloadStream(ctx context.Context, t *task, file afero.File) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.handle.Session().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !isSuccess(resp) {
		return "", transferError(t.url, resp)
	}
	if t.size < 0 {
		t.size = resp.ContentLength
	}

	n, err := io.Copy(newProgressWriter(file, t), resp.Body)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), err == nil && t.size >= 0 && n < t.size:
		return "", &IncompleteTransferError{URL: t.url, Expected: t.size, Written: n}
	case err != nil:
		return "", err
	}
	return etagOf(resp), nil
}

// finish verifies and moves the ongoing download into place, or removes it
// when the transfer failed.
func (d *Downloader) finish(ctx context.Context, t *task, file afero.File, eTag string, err error) error {
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}

	if err == nil && d.opts.CheckETag && isMD5(eTag) {
		var md5Hash string
		if md5Hash, err = getMD5Hash(d.fs, t.tmp); err == nil && !strings.EqualFold(md5Hash, eTag) {
			err = fmt.Errorf("%w: %s: expected %s, got %s", ErrETagMismatch, t.url, eTag, md5Hash)
		}
	}

	if err == nil {
		err = d.fs.Rename(t.tmp, t.dest)
	}

	if err != nil {
		if rmErr := d.fs.Remove(t.tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			d.logger.Warn("could not remove ongoing download", "path", t.tmp, "err", rmErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}

	d.logger.Debug("download complete", "url", t.url, "path", t.dest)
	return nil
}
