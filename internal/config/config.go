// Package config loads knolclass settings from defaults, an optional YAML
// file, KNOLCLASS_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/conorfennell/knolclass/internal/fsrs"
	"github.com/conorfennell/knolclass/internal/session"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix marks environment variables read as configuration.
// KNOLCLASS_STORE_TIMEOUT sets store-timeout.
const EnvPrefix = "KNOLCLASS_"

// Config holds every setting of the command-line tool.
type Config struct {
	DB        string `koanf:"db" validate:"required"`
	ReposDir  string `koanf:"repos-dir" validate:"required"`
	LogLevel  string `koanf:"log-level" validate:"oneof=debug info warn error"`
	LogFormat string `koanf:"log-format" validate:"oneof=text json"`

	DesiredRetention float64 `koanf:"desired-retention" validate:"gt=0,lt=1"`
	MaxInterval      int     `koanf:"max-interval" validate:"min=1"`

	StoreTimeout time.Duration `koanf:"store-timeout" validate:"gte=0"`
	MaxCards     int           `koanf:"max-cards" validate:"gte=0"`
	MaxNew       int           `koanf:"max-new" validate:"gte=0"`
	NewFirst     bool          `koanf:"new-first"`
}

// FlagSet returns the flags understood by Load, with their defaults.
func FlagSet(name string) *pflag.FlagSet {
	defaults := fsrs.DefaultParams()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "Path to a YAML configuration file")
	fs.String("db", "knolclass.db", "Path to the SQLite database file")
	fs.String("repos-dir", "repos", "Directory for git deck checkouts")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
	fs.String("log-format", "text", "Log format: text or json")
	fs.Float64("desired-retention", defaults.DesiredRetention, "Recall probability reviews are scheduled for")
	fs.Int("max-interval", defaults.MaxIntervalDays, "Longest interval between reviews, in days")
	fs.Duration("store-timeout", 5*time.Second, "Timeout for each database call during a review, 0 for none")
	fs.Int("max-cards", 0, "Cards per review session, 0 for no cap")
	fs.Int("max-new", 20, "New cards per review session, 0 for no cap")
	fs.Bool("new-first", false, "Show new cards before due reviews")
	return fs
}

// Load parses args and merges every configuration source. It returns the
// remaining positional arguments.
func Load(name string, args []string) (Config, []string, error) {
	fs := FlagSet(name)
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}

	k := koanf.New(".")
	if path, _ := fs.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", "-")
	}), nil)
	if err != nil {
		return Config{}, nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Flags set on the command line win; unset flags only fill gaps.
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return Config{}, nil, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Params returns the scheduler parameters with the configured overrides.
func (c Config) Params() (*fsrs.Params, error) {
	p := fsrs.DefaultParams()
	p.DesiredRetention = c.DesiredRetention
	p.MaxIntervalDays = c.MaxInterval
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// SessionOptions returns the configured session pacing.
func (c Config) SessionOptions() session.Options {
	return session.Options{
		MaxCards: c.MaxCards,
		NewFirst: c.NewFirst,
		MaxNew:   c.MaxNew,
	}
}

// Logger builds the configured slog logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
