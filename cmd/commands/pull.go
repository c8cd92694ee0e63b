package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/config"
	"github.com/nicktill/searchsampler/pkg/logging"
	"github.com/nicktill/searchsampler/pkg/period"
	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/sampler"
	"github.com/nicktill/searchsampler/pkg/storage"
)

func NewPullCommand() *cobra.Command {
	var (
		terms       []string
		region      string
		granularity string
		start       string
		end         string
		name        string
		samples     int
		single      bool
		mode        string
		noSave      bool
		sf          storageFlags
	)

	command := &cobra.Command{
		Use:   "pull",
		Short: "Pull a search-interest timeline and store the samples",
		Example: "  searchsampler pull --term cough --term 'fever + chills' --region US-DC \\\n" +
			"    --granularity week --start 2014-01-01 --end 2014-02-15 --name flu --samples 3",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger().Named("pull")
			defer logger.Sync()

			settings, err := loadSettings(cmd, &sf)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("samples") {
				samples = settings.Samples
			}

			q := sampler.SearchQuery{
				Terms:       terms,
				Region:      region,
				Granularity: period.Granularity(strings.ToLower(granularity)),
				Name:        name,
			}
			if q.Start, err = period.ParseDate(start); err != nil {
				return &sampler.ConfigurationError{Field: "start", Reason: err.Error()}
			}
			if q.End, err = period.ParseDate(end); err != nil {
				return &sampler.ConfigurationError{Field: "end", Reason: err.Error()}
			}
			if err := q.Validate(); err != nil {
				return err
			}
			saveMode, err := storage.ParseMode(mode)
			if err != nil {
				return err
			}
			if !noSave && q.Name == "" {
				return &sampler.ConfigurationError{Field: "name", Reason: "is required to save (or pass --no-save)"}
			}

			s, _, err := newSampler(settings, logger, func(ev sampler.Event) {
				if ev.OK {
					logger.Infow("Window done", zap.Int("window", ev.Window+1), zap.Int("of", ev.Windows),
						zap.String("start", ev.Start), zap.String("end", ev.End))
				} else {
					logger.Warnw("Window failed", zap.Int("window", ev.Window+1), zap.Int("of", ev.Windows),
						zap.String("error", ev.Error))
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				table  *sample.Table
				report *sampler.Report
			)
			if single {
				table, report, err = s.PullSingleSample(ctx, q)
			} else {
				table, report, err = s.PullRollingWindow(ctx, q, samples)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Summary())

			if noSave {
				return sample.WriteCSV(cmd.OutOrStdout(), table)
			}
			// Saving after an interrupt still keeps what was collected
			return saveOrDump(logging.WithLogger(context.Background(), logger), cmd, s, q.Dataset(), table, saveMode)
		},
	}
	command.Flags().StringArrayVarP(&terms, "term", "t", nil, "Search term; repeat for several terms")
	command.Flags().StringVarP(&region, "region", "r", "US", "Country (US), ISO-3166-2 region (US-DC) or numeric DMA code")
	command.Flags().StringVarP(&granularity, "granularity", "g", config.DefaultGranularity, "Period length: day, week or month")
	command.Flags().StringVar(&start, "start", "", "First day of the range (inclusive)")
	command.Flags().StringVar(&end, "end", "", "Last day of the range (inclusive)")
	command.Flags().StringVarP(&name, "name", "n", "", "Dataset name used when saving")
	command.Flags().IntVarP(&samples, "samples", "s", 0, "Samples per period for rolling-window pulls")
	command.Flags().BoolVar(&single, "single", false, "Fetch the whole range in one request (one sample per period)")
	command.Flags().StringVar(&mode, "mode", config.DefaultSaveMode, "Save mode: append or overwrite")
	command.Flags().BoolVar(&noSave, "no-save", false, "Write the table to stdout instead of saving it")
	sf.register(command)
	return command
}

// saveOrDump saves table to ds. When the save fails the table is written to
// stdout as CSV so the pulled samples are not lost.
func saveOrDump(ctx context.Context, cmd *cobra.Command, s *sampler.Sampler, ds storage.Dataset, table *sample.Table, mode storage.Mode) error {
	res, err := s.Save(ctx, ds, table, mode)
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "saved %d new rows to %s (%d total)\n", res.Added, res.Location, res.TotalRows)
		return nil
	}

	logging.FromContext(ctx).Errorw("Save failed, writing pulled rows to stdout",
		zap.String("dataset", ds.String()), zap.Int("rows", table.Len()), zap.Error(err))
	if werr := sample.WriteCSV(cmd.OutOrStdout(), table); werr != nil {
		return fmt.Errorf("%w (and failed to write rows: %v)", err, werr)
	}
	return err
}
