package cmd

import (
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/gkatanacio/geolayers/download"
)

var downloadDest string

var downloadCmd = &cobra.Command{
	Use:   "download URL",
	Short: "Download a single file, over several connections when the server allows it.",
	Example: heredoc.Doc(`
		geolayers download -c 8 -t 10 --etag -o dem.tif https://example.com/dem.tif
	`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		opts := downloadOptions()
		opts.Progress = download.LogProgress(log.Default(), time.Second)

		session := download.NewSession(sessionOptions())
		downloader := download.New(afero.NewOsFs(), download.Owned(session), opts, log.Default())
		defer downloader.Close()

		err := downloader.AsyncStart(ctx, args[0], downloadDest)
		if errors.Is(err, download.ErrPartialRequestUnsupported) {
			log.Warn("server rejected ranged download, retrying as a single stream")
			err = downloader.Download(ctx, args[0], downloadDest)
		}
		return err
	},
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadDest, "output", "o", "", "destination file path")
	downloadCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(downloadCmd)
}
