package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dmitrijs2005/briefsync/internal/client/blob"
	"github.com/dmitrijs2005/briefsync/internal/flagx"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/dmitrijs2005/briefsync/internal/timex"
	"gopkg.in/yaml.v3"
)

// fileConfig is the DTO shared by the JSON, YAML and TOML loaders. It
// relies on timex.Duration so intervals can be written as "30s".
type fileConfig struct {
	ServerURL     string `json:"server_url" yaml:"server_url" toml:"server_url"`
	Transport     string `json:"transport" yaml:"transport" toml:"transport"`
	GRPCAddress   string `json:"grpc_address" yaml:"grpc_address" toml:"grpc_address"`
	RepositoryID  string `json:"repository_id" yaml:"repository_id" toml:"repository_id"`
	AccessToken   string `json:"access_token" yaml:"access_token" toml:"access_token"`
	BriefcasePath string `json:"briefcase_path" yaml:"briefcase_path" toml:"briefcase_path"`
	WorkDir       string `json:"work_dir" yaml:"work_dir" toml:"work_dir"`

	Retry struct {
		MaxAttempts      int            `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
		FirstRetryMin    timex.Duration `json:"first_retry_min" yaml:"first_retry_min" toml:"first_retry_min"`
		FirstRetryMax    timex.Duration `json:"first_retry_max" yaml:"first_retry_max" toml:"first_retry_max"`
		BaseDelay        timex.Duration `json:"base_delay" yaml:"base_delay" toml:"base_delay"`
		MaxDelay         timex.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
		TransportRetries int            `json:"transport_retries" yaml:"transport_retries" toml:"transport_retries"`
	} `json:"retry" yaml:"retry" toml:"retry"`

	Prefetch struct {
		Enabled    bool           `json:"enabled" yaml:"enabled" toml:"enabled"`
		Dir        string         `json:"dir" yaml:"dir" toml:"dir"`
		MaxBytes   int64          `json:"max_bytes" yaml:"max_bytes" toml:"max_bytes"`
		StaleAfter timex.Duration `json:"stale_after" yaml:"stale_after" toml:"stale_after"`
	} `json:"prefetch" yaml:"prefetch" toml:"prefetch"`

	Events struct {
		LongPollTimeout timex.Duration `json:"long_poll_timeout" yaml:"long_poll_timeout" toml:"long_poll_timeout"`
		AuthRetries     int            `json:"auth_retries" yaml:"auth_retries" toml:"auth_retries"`
	} `json:"events" yaml:"events" toml:"events"`

	RequestTimeout timex.Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	UploadTimeout  timex.Duration `json:"upload_timeout" yaml:"upload_timeout" toml:"upload_timeout"`

	Logging logging.Options `json:"logging" yaml:"logging" toml:"logging"`
	Blob    blob.Options    `json:"blob" yaml:"blob" toml:"blob"`
}

// toFile seeds the DTO with the current values so keys missing from the
// file keep them.
func toFile(c *Config) *fileConfig {
	fc := &fileConfig{
		ServerURL:     c.ServerURL,
		Transport:     c.Transport,
		GRPCAddress:   c.GRPCAddress,
		RepositoryID:  c.RepositoryID,
		AccessToken:   c.AccessToken,
		BriefcasePath: c.BriefcasePath,
		WorkDir:       c.WorkDir,
		Logging:       c.Logging,
		Blob:          c.Blob,
	}
	fc.Retry.MaxAttempts = c.Retry.MaxAttempts
	fc.Retry.FirstRetryMin.Duration = c.Retry.FirstRetryMin
	fc.Retry.FirstRetryMax.Duration = c.Retry.FirstRetryMax
	fc.Retry.BaseDelay.Duration = c.Retry.BaseDelay
	fc.Retry.MaxDelay.Duration = c.Retry.MaxDelay
	fc.Retry.TransportRetries = c.Retry.TransportRetries
	fc.Prefetch.Enabled = c.Prefetch.Enabled
	fc.Prefetch.Dir = c.Prefetch.Dir
	fc.Prefetch.MaxBytes = c.Prefetch.MaxBytes
	fc.Prefetch.StaleAfter.Duration = c.Prefetch.StaleAfter
	fc.Events.LongPollTimeout.Duration = c.Events.LongPollTimeout
	fc.Events.AuthRetries = c.Events.AuthRetries
	fc.RequestTimeout.Duration = c.RequestTimeout
	fc.UploadTimeout.Duration = c.UploadTimeout
	return fc
}

func (fc *fileConfig) apply(c *Config) {
	c.ServerURL = fc.ServerURL
	c.Transport = strings.ToLower(fc.Transport)
	c.GRPCAddress = fc.GRPCAddress
	c.RepositoryID = fc.RepositoryID
	c.AccessToken = fc.AccessToken
	c.BriefcasePath = fc.BriefcasePath
	c.WorkDir = fc.WorkDir
	c.Retry = RetryConfig{
		MaxAttempts:      fc.Retry.MaxAttempts,
		FirstRetryMin:    fc.Retry.FirstRetryMin.Duration,
		FirstRetryMax:    fc.Retry.FirstRetryMax.Duration,
		BaseDelay:        fc.Retry.BaseDelay.Duration,
		MaxDelay:         fc.Retry.MaxDelay.Duration,
		TransportRetries: fc.Retry.TransportRetries,
	}
	c.Prefetch = PrefetchConfig{
		Enabled:    fc.Prefetch.Enabled,
		Dir:        fc.Prefetch.Dir,
		MaxBytes:   fc.Prefetch.MaxBytes,
		StaleAfter: fc.Prefetch.StaleAfter.Duration,
	}
	c.Events = EventsConfig{
		LongPollTimeout: fc.Events.LongPollTimeout.Duration,
		AuthRetries:     fc.Events.AuthRetries,
	}
	c.RequestTimeout = fc.RequestTimeout.Duration
	c.UploadTimeout = fc.UploadTimeout.Duration
	c.Logging = fc.Logging
	c.Blob = fc.Blob
}

// parseFile overlays cfg with the file named by -c or -config in args.
// Without such a flag nothing changes.
func parseFile(cfg *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return nil
	}
	return loadFile(cfg, path)
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	fc := toFile(cfg)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, fc)
	case ".toml":
		_, err = toml.Decode(string(data), fc)
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	fc.apply(cfg)
	return nil
}
