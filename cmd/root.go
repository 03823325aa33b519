package cmd

import (
	"errors"
	"os"
	"runtime"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gkatanacio/geolayers/download"
	"github.com/gkatanacio/geolayers/zarr"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "geolayers",
	Short: "Fetch geospatial layers from STAC catalogs and convert them to analysis-ready formats.",
	Long: heredoc.Doc(`
		Fetch the layers of a theme from STAC catalogs for one or more locations,
		download their data assets and convert them: GeoTIFF rasters to Zarr
		stores, GeoJSON vectors optionally to GeoParquet or FlatGeobuf.

		Settings are read from $HOME/.geolayers.yaml (or --config), from
		GEOLAYERS_* environment variables and from flags, in increasing order of
		precedence.
	`),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(viper.GetString("log_level"))
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.geolayers.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("base-path", "/tmp/geolayers", "directory downloads and outputs are written to")
	flags.IntP("connections", "c", 4, "max number of concurrent connections per download")
	flags.IntP("timeout", "t", 30, "timeout for each request in seconds")
	flags.Int("http-retries", 0, "retries on connection errors and 5xx responses")
	flags.Bool("etag", false, "check ETag match (using MD5 hash of downloaded file) if available")
	flags.Int("chunk-size", 512, "Zarr chunk edge in pixels")
	flags.String("themes-file", "data/themes.json", "themes configuration file (JSON or YAML)")

	for key, name := range map[string]string{
		"log_level":    "log-level",
		"base_path":    "base-path",
		"connections":  "connections",
		"timeout":      "timeout",
		"http_retries": "http-retries",
		"check_etag":   "etag",
		"chunk_size":   "chunk-size",
		"themes_file":  "themes-file",
	} {
		viper.BindPFlag(key, flags.Lookup(name))
	}

	viper.SetEnvPrefix("GEOLAYERS")
	viper.AutomaticEnv()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.Fatal("cannot find home directory", "err", err)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".geolayers")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal("cannot read config", "err", err)
		}
	}
}

func sessionOptions() download.SessionOptions {
	return download.SessionOptions{
		Timeout:  time.Duration(viper.GetInt("timeout")) * time.Second,
		RetryMax: viper.GetInt("http_retries"),
		Logger:   log.Default(),
	}
}

func downloadOptions() download.Options {
	return download.Options{
		Connections: viper.GetInt("connections"),
		CheckETag:   viper.GetBool("check_etag"),
	}
}

func zarrOptions() zarr.Options {
	return zarr.Options{ChunkSize: viper.GetInt("chunk_size")}
}

func convertWorkers() int {
	if n := viper.GetInt("convert_workers"); n > 0 {
		return n
	}
	return runtime.NumCPU()
}
