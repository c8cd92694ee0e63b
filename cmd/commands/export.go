package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/config"
	"github.com/nicktill/searchsampler/pkg/export"
	"github.com/nicktill/searchsampler/pkg/logging"
	"github.com/nicktill/searchsampler/pkg/period"
	"github.com/nicktill/searchsampler/pkg/storage"
)

func NewExportCommand() *cobra.Command {
	var (
		format string
		terms  []string
		start  string
		end    string
		output string
		sf     storageFlags
	)

	command := &cobra.Command{
		Use:   "export REGION NAME",
		Short: "Write a stored dataset as CSV or JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger().Named("export")
			defer logger.Sync()

			settings, err := loadSettings(cmd, &sf)
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			opts := export.Options{Format: f, Terms: terms}
			if start != "" {
				if opts.Start, err = period.ParseDate(start); err != nil {
					return err
				}
			}
			if end != "" {
				if opts.End, err = period.ParseDate(end); err != nil {
					return err
				}
			}

			store, err := openStore(settings, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer file.Close()
				w = file
			}

			ds := storage.Dataset{Region: args[0], Name: args[1]}
			result, err := export.NewExporter(store).Export(context.Background(), w, ds, opts)
			if err != nil {
				return err
			}
			logger.Infow("Exported dataset", zap.String("dataset", result.Dataset),
				zap.Int("rows", result.RowsExported), zap.String("range", result.TimeRange))
			return nil
		},
	}
	command.Flags().StringVarP(&format, "format", "f", "csv", "Output format: csv or json")
	command.Flags().StringArrayVarP(&terms, "term", "t", nil, "Only export these terms")
	command.Flags().StringVar(&start, "start", "", "Only export periods starting on or after this day")
	command.Flags().StringVar(&end, "end", "", "Only export periods starting on or before this day")
	command.Flags().StringVarP(&output, "output-file", "o", "-", "Destination file (- for stdout)")
	sf.register(command)
	return command
}

func NewImportCommand() *cobra.Command {
	var (
		mode string
		sf   storageFlags
	)

	command := &cobra.Command{
		Use:   "import REGION NAME FILE",
		Short: "Load a CSV (including files written by older tooling) or JSON export into a dataset",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger().Named("import")
			defer logger.Sync()

			settings, err := loadSettings(cmd, &sf)
			if err != nil {
				return err
			}
			m, err := storage.ParseMode(mode)
			if err != nil {
				return err
			}
			store, err := openStore(settings, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			file, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer file.Close()

			ds := storage.Dataset{Region: args[0], Name: args[1]}
			im := export.NewImporter(store)
			var result *export.ImportResult
			if isJSON(args[2]) {
				result, err = im.ImportJSON(context.Background(), file, ds, m)
			} else {
				result, err = im.ImportCSV(context.Background(), file, ds, m)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rows into %s: %d added, %d skipped, %d rejected\n",
				result.RowsRead, result.Dataset, result.Added, result.Skipped, result.Rejected)
			return nil
		},
	}
	command.Flags().StringVar(&mode, "mode", config.DefaultSaveMode, "Save mode: append or overwrite")
	sf.register(command)
	return command
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
