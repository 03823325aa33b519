package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/avast/retry-go"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gkatanacio/geolayers/catalog"
	"github.com/gkatanacio/geolayers/download"
	"github.com/gkatanacio/geolayers/fetch"
	"github.com/gkatanacio/geolayers/handler"
	"github.com/gkatanacio/geolayers/theme"
	"github.com/gkatanacio/geolayers/vector"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch THEME...",
	Short: "Fetch and convert every layer of one or more themes.",
	Long: heredoc.Doc(`
		Query the STAC catalog of every layer of each theme, once per location,
		download the data assets found and convert them. Rasters become Zarr
		stores beside the downloaded GeoTIFF. GeoJSON files are kept as they are
		unless --vector-format asks for a conversion.

		A theme that fails is retried as a whole up to --attempts times; assets
		already converted are kept when --skip-existing is set.
	`),
	Example: heredoc.Doc(`
		geolayers fetch hydrology --location Maharashtra/Pune/Haveli
		geolayers fetch hydrology climate -l Maharashtra/Pune/Haveli -l Maharashtra/Nashik/Igatpuri --vector-format parquet
	`),
	Args: cobra.MinimumNArgs(1),
	RunE: runFetch,
}

func init() {
	flags := fetchCmd.Flags()
	flags.StringSliceP("location", "l", nil, "state/district/tehsil to fetch layers for (repeatable)")
	flags.Int("concurrency", 4, "max number of catalog queries, and of assets, handled at once")
	flags.Int("convert-workers", 0, "max number of concurrent conversions (default one per CPU)")
	flags.Int("attempts", 1, "times a failing theme is fetched before giving up")
	flags.Bool("skip-existing", false, "keep outputs left by an earlier run")
	flags.String("vector-format", "", "also convert GeoJSON assets to this format: parquet or fgb")
	flags.Int("max-pages", 10, "max number of catalog result pages followed per query")

	for key, name := range map[string]string{
		"locations":       "location",
		"concurrency":     "concurrency",
		"convert_workers": "convert-workers",
		"attempts":        "attempts",
		"skip_existing":   "skip-existing",
		"vector_format":   "vector-format",
		"max_pages":       "max-pages",
	} {
		viper.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	store, err := theme.Load(afero.NewOsFs(), viper.GetString("themes_file"))
	if err != nil {
		return err
	}

	var filters []catalog.Filter
	for _, loc := range viper.GetStringSlice("locations") {
		f, err := catalog.ParseFilter(loc)
		if err != nil {
			return err
		}
		filters = append(filters, f)
	}

	var format vector.Format
	if s := viper.GetString("vector_format"); s != "" {
		if format, err = vector.ParseFormat(s); err != nil {
			return err
		}
	}

	fetcher := fetch.New(store, filters, fetchOptions(format), log.Default())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attempts := max(viper.GetInt("attempts"), 1)

	var failed []string
	for _, name := range args {
		var agg fetch.Aggregate
		err := retry.Do(
			func() error {
				agg = fetcher.Fetch(ctx, name)
				if agg.Status != handler.Failure {
					return nil
				}
				var confErr *fetch.ConfigurationError
				if errors.As(agg.Err, &confErr) {
					return retry.Unrecoverable(agg.Err)
				}
				return agg.Err
			},
			retry.Attempts(uint(attempts)),
			retry.Delay(time.Second),
			retry.MaxDelay(10*time.Second),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				log.Warn("theme failed, retrying", "theme", name, "attempt", n+1, "err", err)
			}),
		)

		switch {
		case err != nil:
			log.Error("theme failed", "theme", name, "err", err)
			failed = append(failed, name)
		case agg.Status == handler.NoOp:
			log.Info("nothing to do", "theme", name)
		default:
			log.Info("theme fetched", "theme", name, "result", agg)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed themes: %v", failed)
	}
	return nil
}

func fetchOptions(format vector.Format) fetch.Options {
	dlOpts := downloadOptions()
	dlOpts.Progress = download.LogProgress(log.Default(), time.Second)

	return fetch.Options{
		BasePath:       viper.GetString("base_path"),
		Concurrency:    viper.GetInt("concurrency"),
		ConvertWorkers: convertWorkers(),
		Download:       dlOpts,
		HTTP:           sessionOptions(),
		MaxPages:       viper.GetInt("max_pages"),
		SkipExisting:   viper.GetBool("skip_existing"),
		Zarr:           zarrOptions(),
		VectorFormat:   format,
	}
}
