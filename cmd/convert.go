package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/gkatanacio/geolayers/geotiff"
	"github.com/gkatanacio/geolayers/handler"
	"github.com/gkatanacio/geolayers/vector"
	"github.com/gkatanacio/geolayers/zarr"
)

var convertCmd = &cobra.Command{
	Use:   "convert IN OUT",
	Short: "Convert local files: GeoTIFF to Zarr and back, GeoJSON to GeoParquet or FlatGeobuf.",
	Example: heredoc.Doc(`
		geolayers convert dem.tif dem.zarr
		geolayers convert dem.zarr dem-copy.tif
		geolayers convert boundary.geojson boundary.parquet
		geolayers convert boundary.geojson boundary.fgb
	`),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		in, out := args[0], args[1]
		fs := afero.NewOsFs()

		if filepath.Ext(filepath.Clean(in)) == ".zarr" {
			r, err := zarr.Read(fs, in)
			if err != nil {
				return err
			}
			if err := geotiff.EncodeFile(fs, out, r); err != nil {
				return err
			}
			log.Info("exported", "path", out, "bands", r.BandCount(), "crs", r.CRS)
			return nil
		}

		switch handler.KindOf("", in, "") {
		case handler.KindRaster:
			r, err := geotiff.DecodeFile(fs, in)
			if err != nil {
				return err
			}
			if err := zarr.Write(ctx, fs, out, r, zarrOptions()); err != nil {
				return err
			}
			log.Info("converted", "path", out, "bands", r.BandCount(), "crs", r.CRS)
		case handler.KindVector:
			if err := vector.Convert(ctx, fs, in, out); err != nil {
				return err
			}
			log.Info("converted", "path", out)
		default:
			return fmt.Errorf("%w: %s", handler.ErrUnsupportedAsset, in)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(convertCmd)
}
