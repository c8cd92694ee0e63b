package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// API defaults
const (
	DefaultServer      = "https://www.googleapis.com"
	DefaultAPIVersion  = "v1beta"
	DefaultHTTPTimeout = 60 * time.Second
)

// Sampling defaults
const (
	DefaultSamples      = 5
	DefaultGranularity  = "week"
	DefaultWorkers      = 1
	DefaultFetchTimeout = 2 * time.Minute
	DefaultMinInterval  = 1 * time.Second
	MaxWorkers          = 8
)

// Retry defaults for the API client
const (
	DefaultRetryAttempts  = 20
	DefaultRetryPause     = 1 * time.Minute
	DefaultRetryLongPause = 5 * time.Minute
	DefaultRetryLongEvery = 5
)

// Circuit breaker defaults
const (
	BreakerFailures = 5
	BreakerTimeout  = 5 * time.Minute
)

// Storage defaults
const (
	DefaultOutputRoot = "data"
	DefaultBackend    = "csv"
	DefaultSaveMode   = "append"

	BadgerGCInterval     = 1 * time.Hour
	BadgerGCDiscardRatio = 0.5
)

// Server defaults
const (
	DefaultListen      = ":8080"
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Minute
	ShutdownTimeout    = 30 * time.Second
	PullRequestTimeout = 30 * time.Minute
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Settings is the runtime configuration assembled from defaults, an
// optional config file and SAMPLER_* environment variables.
type Settings struct {
	APIKey      string        `mapstructure:"api_key"`
	Server      string        `mapstructure:"server"`
	APIVersion  string        `mapstructure:"api_version"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`

	Samples      int           `mapstructure:"samples"`
	Workers      int           `mapstructure:"workers"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
	Policy       string        `mapstructure:"policy"`
	Stride       int           `mapstructure:"stride"`
	Edge         string        `mapstructure:"edge"`

	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryPause     time.Duration `mapstructure:"retry_pause"`
	RetryLongPause time.Duration `mapstructure:"retry_long_pause"`

	Backend    string `mapstructure:"backend"`
	OutputRoot string `mapstructure:"output_root"`
	BadgerPath string `mapstructure:"badger_path"`

	Listen string `mapstructure:"listen"`
}

// Load reads settings. file may be empty; a missing file is an error only
// when explicitly requested.
func Load(file string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("SAMPLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server", DefaultServer)
	v.SetDefault("api_version", DefaultAPIVersion)
	v.SetDefault("http_timeout", DefaultHTTPTimeout)
	v.SetDefault("samples", DefaultSamples)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("fetch_timeout", DefaultFetchTimeout)
	v.SetDefault("min_interval", DefaultMinInterval)
	v.SetDefault("policy", "abort")
	v.SetDefault("stride", 1)
	v.SetDefault("edge", "clip")
	v.SetDefault("retry_attempts", DefaultRetryAttempts)
	v.SetDefault("retry_pause", DefaultRetryPause)
	v.SetDefault("retry_long_pause", DefaultRetryLongPause)
	v.SetDefault("backend", DefaultBackend)
	v.SetDefault("output_root", DefaultOutputRoot)
	v.SetDefault("badger_path", DefaultOutputRoot+"/badger")
	v.SetDefault("listen", DefaultListen)
	// AutomaticEnv only resolves keys viper already knows about
	v.SetDefault("api_key", "")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("searchsampler")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the sampler cannot run with
func (s *Settings) Validate() error {
	if s.Workers < 1 || s.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d, got %d", MaxWorkers, s.Workers)
	}
	if s.Samples < 1 {
		return fmt.Errorf("samples must be >= 1, got %d", s.Samples)
	}
	if s.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive, got %s", s.FetchTimeout)
	}
	if s.MinInterval < 0 {
		return fmt.Errorf("min_interval must not be negative, got %s", s.MinInterval)
	}
	switch s.Backend {
	case "csv", "badger", "memory":
	default:
		return fmt.Errorf("unknown backend %q (want csv, badger or memory)", s.Backend)
	}
	return nil
}
