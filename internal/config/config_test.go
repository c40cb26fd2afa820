package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func load(t *testing.T, cfgFile string, args ...string) *Config {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("url", "", "")
	flags.Bool("dirmtime", false, "")
	flags.Duration("timeout", 60*time.Second, "")
	flags.String("log-level", "info", "")
	flags.String("unrelated", "", "")
	if err := flags.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	v := New()
	if err := BindFlags(v, flags); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if cfgFile == "" {
		// Keep a stray ~/.indexfs.yaml out of the test.
		cfgFile = writeFile(t, "")
	}
	cfg, err := Load(v, cfgFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "indexfs.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg := load(t, "")

	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %s", cfg.Timeout)
	}
	if cfg.ListingTZ != "Local" || cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.DirMTime || cfg.ShortBlocks || cfg.Retries != 0 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.UserAgent != "" {
		t.Errorf("UserAgent default = %q, want empty so the binary supplies its own", cfg.UserAgent)
	}
}

func TestLoad_Precedence(t *testing.T) {
	file := writeFile(t, strings.Join([]string{
		"url: http://file.example/",
		"log_level: warn",
		"retries: 2",
		"short_blocks: true",
		"timeout: 5s",
	}, "\n"))
	t.Setenv("INDEXFS_LOG_LEVEL", "debug")
	t.Setenv("INDEXFS_RETRIES", "3")

	cfg := load(t, file, "--url", "http://flag.example/")

	if cfg.URL != "http://flag.example/" {
		t.Errorf("URL = %q, flag should win", cfg.URL)
	}
	if cfg.LogLevel != "debug" || cfg.Retries != 3 {
		t.Errorf("LogLevel = %q, Retries = %d; env should beat file", cfg.LogLevel, cfg.Retries)
	}
	if !cfg.ShortBlocks || cfg.Timeout != 5*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
}

func TestLoad_UnsetFlagDoesNotOverrideEnv(t *testing.T) {
	t.Setenv("INDEXFS_DIRMTIME", "true")

	cfg := load(t, "")
	if !cfg.DirMTime {
		t.Error("env value lost to an unset flag default")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			URL:       "http://example.com/pub/",
			Timeout:   time.Second,
			LogFormat: "console",
			ListingTZ: "UTC",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing url", func(c *Config) { c.URL = "" }, "url is required"},
		{"bad scheme", func(c *Config) { c.URL = "ftp://example.com" }, "http://"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"negative retries", func(c *Config) { c.Retries = -1 }, "retries"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad zone", func(c *Config) { c.ListingTZ = "Nowhere/Special" }, "listing_tz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	c := &Config{ListingTZ: "Local"}
	if loc, _ := c.Location(); loc != time.Local {
		t.Errorf("Local -> %v", loc)
	}
	c.ListingTZ = "UTC"
	if loc, _ := c.Location(); loc != time.UTC {
		t.Errorf("UTC -> %v", loc)
	}
}
