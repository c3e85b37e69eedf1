package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/blob"
	"github.com/dmitrijs2005/briefsync/internal/client/prefetch"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/dmitrijs2005/briefsync/internal/retry"
)

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds runtime settings for the briefsync CLI.
type Config struct {
	ServerURL   string
	Transport   string
	GRPCAddress string

	RepositoryID string
	AccessToken  string

	BriefcasePath string
	// WorkDir receives downloaded revision files.
	WorkDir string

	Retry    RetryConfig
	Prefetch PrefetchConfig
	Events   EventsConfig

	RequestTimeout time.Duration
	UploadTimeout  time.Duration

	Logging logging.Options
	Blob    blob.Options
}

// RetryConfig tunes the pull-merge-push loop and transport retries.
type RetryConfig struct {
	MaxAttempts   int
	FirstRetryMin time.Duration
	FirstRetryMax time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration

	// TransportRetries bounds retries of one request on network failures.
	TransportRetries int
}

type PrefetchConfig struct {
	Enabled    bool
	Dir        string
	MaxBytes   int64
	StaleAfter time.Duration
}

type EventsConfig struct {
	LongPollTimeout time.Duration
	AuthRetries     int
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.Transport = TransportHTTP
	c.GRPCAddress = "127.0.0.1:50051"
	c.BriefcasePath = filepath.Join(".", "briefcase.bim")
	c.WorkDir = filepath.Join(".", "work")

	p := retry.DefaultPolicy()
	c.Retry = RetryConfig{
		MaxAttempts:      p.MaxAttempts,
		FirstRetryMin:    p.FirstRetryMin,
		FirstRetryMax:    p.FirstRetryMax,
		BaseDelay:        p.BaseDelay,
		MaxDelay:         p.MaxDelay,
		TransportRetries: 3,
	}
	c.Prefetch = PrefetchConfig{
		Dir:        filepath.Join(".", "prefetch"),
		MaxBytes:   prefetch.DefaultMaxBytes,
		StaleAfter: prefetch.DefaultStaleAfter,
	}
	c.Events = EventsConfig{
		LongPollTimeout: 30 * time.Second,
		AuthRetries:     3,
	}
	c.RequestTimeout = time.Minute
	c.UploadTimeout = 10 * time.Minute
	c.Logging = logging.Options{Format: "text", Level: "info", MaxSizeMB: 10, MaxBackups: 3}
	c.Blob = blob.Options{Region: "us-east-1"}
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from the config file named in args (if any) and the flags in args.
// Later sources take precedence over earlier ones.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseFile(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportHTTP:
		if c.ServerURL == "" {
			errs = append(errs, errors.New("server url is required for the http transport"))
		}
	case TransportGRPC:
		if c.GRPCAddress == "" {
			errs = append(errs, errors.New("grpc address is required for the grpc transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry max attempts must be at least 1"))
	}
	if c.Retry.FirstRetryMax < c.Retry.FirstRetryMin {
		errs = append(errs, errors.New("first retry window is inverted"))
	}
	if c.Prefetch.Enabled && c.Prefetch.Dir == "" {
		errs = append(errs, errors.New("prefetch dir is required when prefetch is enabled"))
	}
	return errors.Join(errs...)
}

// Policy returns the pull-merge-push retry policy.
func (c *Config) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.Retry.MaxAttempts,
		FirstRetryMin: c.Retry.FirstRetryMin,
		FirstRetryMax: c.Retry.FirstRetryMax,
		BaseDelay:     c.Retry.BaseDelay,
		MaxDelay:      c.Retry.MaxDelay,
	}
}
