package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/config"
	"github.com/nicktill/searchsampler/pkg/logging"
	"github.com/nicktill/searchsampler/pkg/progress"
	"github.com/nicktill/searchsampler/pkg/server"
	badgerstore "github.com/nicktill/searchsampler/pkg/storage/badger"
)

func NewServeCommand() *cobra.Command {
	var (
		listen string
		sf     storageFlags
	)

	command := &cobra.Command{
		Use:   "serve",
		Short: "Serve pulls, stored datasets and live progress over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger().Named("serve")
			defer logger.Sync()
			zap.ReplaceGlobals(logger.Desugar())

			settings, err := loadSettings(cmd, &sf)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				settings.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := progress.NewHub(logger.Named("progress"))
			s, store, err := newSampler(settings, logger, hub.Observe)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(); err != nil {
					logger.Errorw("Failed to close sampler", zap.Error(err))
				}
			}()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				hub.Run(ctx)
			}()
			if db, ok := store.(*badgerstore.Storage); ok {
				wg.Add(1)
				go func() {
					defer wg.Done()
					runBadgerGC(ctx, db, logger)
				}()
			}

			dataDir := settings.OutputRoot
			if settings.Backend == "badger" {
				dataDir = settings.BadgerPath
			}
			srv := server.New(s, store, hub, server.Config{
				Listen:         settings.Listen,
				DefaultSamples: settings.Samples,
				DataDir:        dataDir,
				Logger:         logger.Named("http"),
			})
			err = srv.ListenAndServe(ctx)
			stop()
			wg.Wait()
			logger.Infow("Server stopped")
			return err
		},
	}
	command.Flags().StringVarP(&listen, "listen", "l", config.DefaultListen, "Address to listen on")
	sf.register(command)
	return command
}

// runBadgerGC reclaims value log space until ctx is done
func runBadgerGC(ctx context.Context, db *badgerstore.Storage, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := db.RunGC(config.BadgerGCDiscardRatio); err != nil {
				logger.Debugw("Badger GC found nothing to reclaim", zap.Error(err))
				continue
			}
			logger.Infow("Badger GC reclaimed space", zap.Duration("elapsed", time.Since(start)))
		}
	}
}
