package cmd

import (
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gkatanacio/geolayers/theme"
)

var themesCmd = &cobra.Command{
	Use:   "themes [NAME]",
	Short: "List the configured themes, or the layers of one theme.",
	Example: heredoc.Doc(`
		geolayers themes
		geolayers themes hydrology --themes-file data/themes.yaml
	`),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := theme.Load(afero.NewOsFs(), viper.GetString("themes_file"))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(args) == 0 {
			fmt.Fprintln(out, "Available themes:")
			for _, name := range store.Names() {
				layers, _ := store.Get(name)
				fmt.Fprintf(out, "- %s (%d layers)\n", name, len(layers))
			}
			return nil
		}

		layers, err := store.Get(args[0])
		if err != nil {
			return err
		}
		for _, l := range layers {
			fmt.Fprintf(out, "- %s [%s]: %s\n", l.Name, l.Type, l.URI)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(themesCmd)
}
