package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "searchsampler",
		Short: "Collect repeated samples of search-interest timelines",
		Long: "searchsampler pulls search-interest timelines over overlapping rolling windows so that " +
			"every period is sampled several times, and stores the samples for later averaging.",
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./searchsampler.yaml when present)")
	rootCmd.AddCommand(NewPullCommand())
	rootCmd.AddCommand(NewExportCommand())
	rootCmd.AddCommand(NewImportCommand())
	rootCmd.AddCommand(NewServeCommand())
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
