// Package handler turns one catalog asset into a local artifact: it downloads
// the source file and, for rasters, converts it to a Zarr store.
package handler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/gkatanacio/geolayers/download"
	"github.com/gkatanacio/geolayers/zarr"
)

var ErrUnsupportedAsset = errors.New("no handler for asset")

// ConversionError reports a failure to decode or encode a downloaded file.
type ConversionError struct {
	Stage string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// FormatHandler processes a single item.
type FormatHandler interface {
	Item() Item
	Handle(ctx context.Context) Result
}

// Downloader fetches a remote file to a local path.
type Downloader interface {
	AsyncStart(ctx context.Context, url, dest string) error
	Download(ctx context.Context, url, dest string) error
}

// Item is one asset being handled.
type Item struct {
	ID         string
	URL        string
	LocalPath  string
	OutputPath string
	Result     Result
}

// Deps are the collaborators shared by the handlers of one run.
type Deps struct {
	FS         afero.Fs
	Path       string
	Downloader Downloader
	Logger     *log.Logger
	// ConvertSlots bounds concurrent conversions. Nil means unbounded.
	ConvertSlots *semaphore.Weighted
	// SkipExisting makes Handle a no-op when the output already exists.
	SkipExisting bool
	Zarr         zarr.Options
}

// newDownloader builds the Downloader of a handler whose Deps carry none.
// The Downloader owns its session.
var newDownloader = func(fs afero.Fs, logger *log.Logger) *download.Downloader {
	return download.New(fs, download.Handle{}, download.Options{}, logger)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName turns an item id into the safe file name stem its files use.
func FileName(id string) string {
	name := unsafeFileChars.ReplaceAllString(id, "_")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return name
}

// base carries what both handlers share.
type base struct {
	item   Item
	deps   Deps
	logger *log.Logger
}

func newBase(id, url, ext, outExt string, deps Deps) base {
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}

	stem := filepath.Join(deps.Path, FileName(id))
	return base{
		item: Item{
			ID:         id,
			URL:        url,
			LocalPath:  stem + ext,
			OutputPath: stem + outExt,
		},
		deps:   deps,
		logger: deps.Logger.With("id", id),
	}
}

func (b *base) Item() Item {
	return b.item
}

// skip reports whether the output is already there and may be kept.
func (b *base) skip() bool {
	if !b.deps.SkipExisting {
		return false
	}
	exists, err := afero.Exists(b.deps.FS, b.item.OutputPath)
	return err == nil && exists
}

// fetch downloads the item, falling back to a plain GET when the server
// rejects the ranged transfer. Without a shared Downloader, one is created
// for this download and its session closed afterwards.
func (b *base) fetch(ctx context.Context) error {
	downloader := b.deps.Downloader
	if downloader == nil {
		d := newDownloader(b.deps.FS, b.logger)
		defer func() {
			if err := d.Close(); err != nil {
				b.logger.Warn("could not close session", "err", err)
			}
		}()
		downloader = d
	}

	b.logger.Info("downloading", "url", b.item.URL, "path", b.item.LocalPath)

	err := downloader.AsyncStart(ctx, b.item.URL, b.item.LocalPath)
	if errors.Is(err, download.ErrPartialRequestUnsupported) {
		b.logger.Debug("ranged download rejected, retrying as a single stream", "url", b.item.URL)
		err = downloader.Download(ctx, b.item.URL, b.item.LocalPath)
	}
	return err
}

// convertSlot blocks until a conversion may start and returns its release.
func (b *base) convertSlot(ctx context.Context) (func(), error) {
	if b.deps.ConvertSlots == nil {
		return func() {}, nil
	}
	if err := b.deps.ConvertSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { b.deps.ConvertSlots.Release(1) }, nil
}

// finish records r on the item. A failure leaves nothing at the output
// path.
func (b *base) finish(r Result) Result {
	if r.Status == Failure {
		if err := b.deps.FS.RemoveAll(b.item.OutputPath); err != nil {
			b.logger.Warn("could not remove output", "path", b.item.OutputPath, "err", err)
		}
		b.logger.Error("failed", "url", b.item.URL, "err", r.Err)
	}
	b.item.Result = r
	return r
}
