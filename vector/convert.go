// Package vector converts GeoJSON into columnar vector formats.
package vector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/afero"
)

var (
	ErrUnknownFormat  = errors.New("unknown vector output format")
	ErrInvalidGeoJSON = errors.New("invalid geojson")
)

// Format is a vector output format.
type Format string

const (
	GeoParquet Format = "parquet"
	FlatGeobuf Format = "fgb"
)

const suffixOngoingWrite = ".tmp"

// ParseFormat accepts a format name or file extension, with or without the
// leading dot.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "parquet", "geoparquet":
		return GeoParquet, nil
	case "fgb", "flatgeobuf":
		return FlatGeobuf, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// FormatOf infers the format from the extension of path.
func FormatOf(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", fmt.Errorf("%w: %s has no extension", ErrUnknownFormat, path)
	}
	return ParseFormat(ext)
}

// Ext returns the file extension written for f, including the dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// Write encodes fc to w in format f.
func (f Format) Write(w io.Writer, fc *geojson.FeatureCollection) error {
	switch f {
	case GeoParquet:
		return WriteParquet(w, fc)
	case FlatGeobuf:
		return WriteFlatGeobuf(w, fc)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
	}
}

// Convert reads the GeoJSON file in and writes it to out in the format
// named by out's extension. The output is written beside out and renamed
// into place, so out never holds a partial file.
func Convert(ctx context.Context, fs afero.Fs, in, out string) error {
	format, err := FormatOf(out)
	if err != nil {
		return err
	}

	fc, err := ReadGeoJSON(fs, in)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if dir := filepath.Dir(out); dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := out + suffixOngoingWrite
	if err := writeFile(fs, tmp, format, fc); err != nil {
		fs.Remove(tmp)
		return err
	}
	if err := ctx.Err(); err != nil {
		fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, out); err != nil {
		fs.Remove(tmp)
		return err
	}
	return nil
}

func writeFile(fs afero.Fs, name string, format Format, fc *geojson.FeatureCollection) error {
	f, err := fs.Create(name)
	if err != nil {
		return err
	}
	if err := format.Write(f, fc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
