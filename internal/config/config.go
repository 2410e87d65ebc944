// Package config loads session settings from VOXELCURATE_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"

	"voxelcurate/internal/blob"
	"voxelcurate/internal/journal"
)

// Prefix is prepended to every variable name.
const Prefix = "VOXELCURATE_"

// Bytes is a size that parses human readable values such as "512MiB" or "2 GB".
type Bytes int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bytes) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("parse size %q: %w", text, err)
	}
	*b = Bytes(n)
	return nil
}

func (b Bytes) String() string { return humanize.IBytes(uint64(b)) }

// S3 holds the artifact bucket settings used when BlobDriver is s3.
type S3 struct {
	Region          string `env:"REGION"`
	Bucket          string `env:"BUCKET"`
	Prefix          string `env:"PREFIX"`
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	SessionToken    string `env:"SESSION_TOKEN"`
	PathStyle       bool   `env:"PATH_STYLE"`
}

// Config describes one curation session.
type Config struct {
	Root          string   `env:"ROOT"           envDefault:"."`
	BlobDriver    string   `env:"BLOB_DRIVER"    envDefault:"fs"`
	S3            S3       `envPrefix:"S3_"`
	JournalDriver string   `env:"JOURNAL_DRIVER" envDefault:"sqlite"`
	JournalDSN    string   `env:"JOURNAL_DSN"`
	CacheBudget   Bytes    `env:"CACHE_BUDGET"   envDefault:"1GiB"`
	Workers       int      `env:"WORKERS"        envDefault:"4"`
	Queue         int      `env:"QUEUE"          envDefault:"64"`
	Eager         []string `env:"EAGER"          envSeparator:","`
	LogLevel      string   `env:"LOG_LEVEL"      envDefault:"info"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and non-positive sizes.
func (c Config) Validate() error {
	switch blob.Driver(c.BlobDriver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("blob driver s3 needs %sS3_BUCKET", Prefix)
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.BlobDriver)
	}
	switch c.JournalDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.JournalDSN == "" {
			return fmt.Errorf("journal driver postgres needs %sJOURNAL_DSN", Prefix)
		}
	default:
		return fmt.Errorf("unknown journal driver %q", c.JournalDriver)
	}
	if c.CacheBudget <= 0 {
		return fmt.Errorf("cache budget must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Queue < 0 {
		return fmt.Errorf("queue must not be negative, got %d", c.Queue)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level maps LogLevel to a slog level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// BlobOptions returns the artifact store selection.
func (c Config) BlobOptions() blob.Options {
	return blob.Options{
		Driver: c.BlobDriver,
		Root:   c.Root,
		S3: blob.S3Config{
			Region:          c.S3.Region,
			Bucket:          c.S3.Bucket,
			Prefix:          c.S3.Prefix,
			Endpoint:        c.S3.Endpoint,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
			SessionToken:    c.S3.SessionToken,
			PathStyle:       c.S3.PathStyle,
		},
	}
}

// JournalOptions returns the step journal selection.
func (c Config) JournalOptions() journal.Options {
	return journal.Options{Driver: c.JournalDriver, DSN: c.JournalDSN, Root: c.Root}
}
