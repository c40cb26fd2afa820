// indexfs mounts an HTTP directory index as a read-only filesystem.
//
// Sub-commands:
//
//	indexfs mount [url] <mountpoint>   Mount the index
//	indexfs ls [path]                  List a directory
//	indexfs stat <path>                Show resolved attributes
//	indexfs cat <path>                 Stream a file to stdout
//	indexfs version                    Print the version
//
// The index URL comes from --url, INDEXFS_URL or the config file, or from
// the first argument of mount.
package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fruitsalade/indexfs/internal/config"
	"github.com/fruitsalade/indexfs/internal/logging"
	"github.com/fruitsalade/indexfs/pkg/fuse"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile     string
	askPassword bool

	v   = config.New()
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "indexfs",
		Short: "Mount an HTTP directory index as a read-only filesystem",
		Long: `indexfs exposes an Apache-style HTTP directory listing as a
read-only filesystem. Directory listings are fetched once per mount, file
metadata comes from HEAD requests and file content is read with HTTP range
requests through a per-handle 1 MiB block cache.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

func init() {
	v.SetDefault("user_agent", "indexfs/"+version)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.indexfs.yaml)")
	pf.String("url", "", "root URL of the directory index")
	pf.Bool("dirmtime", false, "take directory mtimes from the parent listing instead of the current time")
	pf.Bool("short-blocks", false, "fetch 1023 KiB per block instead of a full 1 MiB")
	pf.String("listing-tz", "Local", "time zone of listing timestamps")
	pf.Duration("timeout", 60*time.Second, "per-request timeout")
	pf.Int("retries", 0, "transport-level retries on connection errors")
	pf.String("user-agent", "", "User-Agent header (default indexfs/<version>)")
	pf.StringP("username", "u", "", "HTTP basic auth username")
	pf.String("password", "", "HTTP basic auth password")
	pf.BoolVar(&askPassword, "ask-password", false, "prompt for the basic auth password")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "console", "log format: console or json")

	rootCmd.AddCommand(mountCmd, lsCmd, statCmd, catCmd, versionCmd)
}

// setup binds flags, loads configuration and initializes logging.
func setup(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	if cmd == mountCmd {
		switch len(args) {
		case 2:
			v.Set("url", args[0])
			v.Set("mountpoint", args[1])
		case 1:
			v.Set("mountpoint", args[0])
		}
	}

	var err error
	cfg, err = config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if askPassword {
		pw, err := promptPassword(cfg.Username)
		if err != nil {
			return err
		}
		cfg.Password = pw
	}

	return logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
}

func promptPassword(username string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("--ask-password requires --username")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// newFS builds the filesystem from the loaded configuration.
func newFS(c *config.Config) (*fuse.IndexFS, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	return fuse.NewIndexFS(fuse.Config{
		URL:         c.URL,
		DirMTime:    c.DirMTime,
		ShortBlocks: c.ShortBlocks,
		Location:    loc,
		Timeout:     c.Timeout,
		Retries:     c.Retries,
		UserAgent:   c.UserAgent,
		Username:    c.Username,
		Password:    c.Password,
		AllowOther:  c.AllowOther,
		Debug:       c.DebugFUSE,
	})
}

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
