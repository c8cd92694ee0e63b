package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/searchsampler/pkg/config"
	"github.com/nicktill/searchsampler/pkg/fetch/trends"
	"github.com/nicktill/searchsampler/pkg/sampler"
	"github.com/nicktill/searchsampler/pkg/storage"
	badgerstore "github.com/nicktill/searchsampler/pkg/storage/badger"
	"github.com/nicktill/searchsampler/pkg/storage/csvfile"
	"github.com/nicktill/searchsampler/pkg/storage/memory"
	"github.com/nicktill/searchsampler/pkg/window"
)

// storageFlags are shared by every command that touches stored datasets
type storageFlags struct {
	backend    string
	outputRoot string
	badgerPath string
}

func (f *storageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "backend", "", "Storage backend: csv, badger or memory")
	cmd.Flags().StringVar(&f.outputRoot, "output", "", "Root directory for CSV datasets")
	cmd.Flags().StringVar(&f.badgerPath, "badger-path", "", "Directory of the badger database")
}

// loadSettings reads .env, the config file and SAMPLER_* variables, then
// applies explicitly set flags on top
func loadSettings(cmd *cobra.Command, sf *storageFlags) (*config.Settings, error) {
	// A missing .env is normal
	_ = godotenv.Load()

	settings, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if sf != nil {
		if cmd.Flags().Changed("backend") {
			settings.Backend = sf.backend
		}
		if cmd.Flags().Changed("output") {
			settings.OutputRoot = sf.outputRoot
		}
		if cmd.Flags().Changed("badger-path") {
			settings.BadgerPath = sf.badgerPath
		}
	}
	return settings, settings.Validate()
}

func openStore(settings *config.Settings, logger *zap.SugaredLogger) (storage.Store, error) {
	switch settings.Backend {
	case "csv":
		logger.Infow("Using CSV storage", zap.String("root", settings.OutputRoot))
		return csvfile.New(csvfile.Config{Root: settings.OutputRoot})
	case "badger":
		logger.Infow("Opening badger storage", zap.String("path", settings.BadgerPath))
		return badgerstore.New(badgerstore.Config{Path: settings.BadgerPath, Logger: logger.Named("badger")})
	case "memory":
		logger.Warnw("Using in-memory storage; results are lost on exit")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", settings.Backend)
}

func newClient(settings *config.Settings, logger *zap.SugaredLogger) (*trends.Client, error) {
	if settings.APIKey == "" {
		return nil, fmt.Errorf("no API key: set SAMPLER_API_KEY in the environment or .env")
	}
	return trends.New(trends.Config{
		Server:     settings.Server,
		APIVersion: settings.APIVersion,
		APIKey:     settings.APIKey,
		Timeout:    settings.HTTPTimeout,
		Attempts:   settings.RetryAttempts,
		Pause:      settings.RetryPause,
		LongPause:  settings.RetryLongPause,
		Logger:     logger.Named("trends"),
	})
}

// newSampler assembles client, store and sampler. The sampler owns both.
func newSampler(settings *config.Settings, logger *zap.SugaredLogger, observer func(sampler.Event)) (*sampler.Sampler, storage.Store, error) {
	policy, err := sampler.ParsePolicy(settings.Policy)
	if err != nil {
		return nil, nil, err
	}
	client, err := newClient(settings, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(settings, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	s, err := sampler.New(client, store, sampler.Config{
		Policy:       policy,
		Workers:      settings.Workers,
		MinInterval:  settings.MinInterval,
		FetchTimeout: settings.FetchTimeout,
		Window:       window.Options{Stride: settings.Stride, Edge: window.EdgePolicy(settings.Edge)},
		Logger:       logger.Named("sampler"),
		Observer:     observer,
	})
	if err != nil {
		client.Close()
		store.Close()
		return nil, nil, err
	}
	return s, store, nil
}
