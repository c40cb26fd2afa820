// Package config loads indexfs configuration from flags, INDEXFS_* environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. INDEXFS_URL.
const EnvPrefix = "INDEXFS"

// Config holds all client configuration.
type Config struct {
	URL        string `mapstructure:"url"`
	MountPoint string `mapstructure:"mountpoint"`

	// Metadata and reads
	DirMTime    bool   `mapstructure:"dirmtime"`
	ShortBlocks bool   `mapstructure:"short_blocks"`
	ListingTZ   string `mapstructure:"listing_tz"`

	// Transport
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	UserAgent string        `mapstructure:"user_agent"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`

	// FUSE
	AllowOther bool `mapstructure:"allow_other"`
	DebugFUSE  bool `mapstructure:"debug_fuse"`

	// Logging and metrics
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

var defaults = map[string]any{
	"url":          "",
	"mountpoint":   "",
	"dirmtime":     false,
	"short_blocks": false,
	"listing_tz":   "Local",
	"timeout":      60 * time.Second,
	"retries":      0,
	"user_agent":   "",
	"username":     "",
	"password":     "",
	"allow_other":  false,
	"debug_fuse":   false,
	"log_level":    "info",
	"log_format":   "console",
	"metrics_addr": "",
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag whose name matches a key, with dashes in flag
// names standing for underscores.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if _, ok := defaults[key]; !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load reads cfgFile, or .indexfs.yaml from the home or working directory
// when cfgFile is empty, and decodes the merged settings.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".indexfs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("url %q must start with http:// or https://", c.URL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the time zone of listing timestamps.
func (c *Config) Location() (*time.Location, error) {
	switch c.ListingTZ {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ListingTZ)
	if err != nil {
		return nil, fmt.Errorf("listing_tz: %w", err)
	}
	return loc, nil
}
