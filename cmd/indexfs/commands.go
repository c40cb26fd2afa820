package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/indexfs/internal/logging"
	"github.com/fruitsalade/indexfs/internal/metrics"
	"github.com/fruitsalade/indexfs/pkg/blockcache"
	"github.com/fruitsalade/indexfs/pkg/fuse"
	"github.com/fruitsalade/indexfs/pkg/metadata"
	"github.com/fruitsalade/indexfs/pkg/models"
	"github.com/fruitsalade/indexfs/pkg/tree"
)

var (
	mountCmd = &cobra.Command{
		Use:   "mount [url] <mountpoint>",
		Short: "Mount the index and serve it until interrupted",
		Args:  cobra.MaximumNArgs(2),
		RunE:  runMount,
	}

	lsLong bool
	lsCmd  = &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory of the index",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}

	statCmd = &cobra.Command{
		Use:   "stat <path>",
		Short: "Resolve a path and print its attributes",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}

	catCmd = &cobra.Command{
		Use:   "cat <path>",
		Short: "Read a file through the block cache and write it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runCat,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "indexfs", version)
		},
	}
)

func init() {
	f := mountCmd.Flags()
	f.String("mountpoint", "", "mount point (alternative to the positional argument)")
	f.Bool("allow-other", false, "allow other users to access the mount")
	f.Bool("debug-fuse", false, "log FUSE protocol traffic")
	f.String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")

	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "resolve every entry and print its attributes")
}

func runMount(cmd *cobra.Command, args []string) error {
	if cfg.MountPoint == "" {
		return fmt.Errorf("mountpoint is required")
	}

	logging.Info("indexfs starting",
		logging.String("version", version),
		logging.String("url", cfg.URL),
		logging.String("mountpoint", cfg.MountPoint),
		logging.Bool("dirmtime", cfg.DirMTime),
		logging.Bool("short_blocks", cfg.ShortBlocks),
	)

	fsys, err := newFS(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", logging.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", logging.Err(err))
			}
		}()
		defer metricsServer.Close()
	}

	server, err := fsys.Mount(ctx, cfg.MountPoint)
	if err != nil {
		return err
	}
	mounted := time.Now()

	go func() {
		<-ctx.Done()
		logging.Info("unmounting", logging.String("mountpoint", cfg.MountPoint))
		if err := server.Unmount(); err != nil {
			logging.Error("unmount failed", logging.Err(err))
		}
	}()

	server.Wait()
	logStats(fsys, time.Since(mounted))
	return nil
}

func logStats(fsys *fuse.IndexFS, uptime time.Duration) {
	s := fsys.GetStats()
	logging.Info("filesystem stats",
		logging.Duration("uptime", uptime),
		logging.Time("server_last_seen", fsys.LastSeen()),
		logging.Int64("lookups", s.Lookups.Load()),
		logging.Int64("failed_probes", s.FailedProbes.Load()),
		logging.Int64("readdirs", s.Readdirs.Load()),
		logging.Int64("opens", s.Opens.Load()),
		logging.Int64("reads", s.Reads.Load()),
		logging.Int64("bytes_read", s.BytesRead.Load()),
		logging.Int64("failed_reads", s.FailedReads.Load()),
		logging.Int("listings_cached", fsys.Namespace().Len()),
	)
}

func runLs(cmd *cobra.Command, args []string) error {
	fsys, err := newFS(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	dir := ""
	if len(args) == 1 {
		dir = tree.Clean(args[0])
	}

	entries, err := fsys.Namespace().Contents(ctx, dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range entries {
		if !lsLong || e == models.DotEntry || e == models.DotDotEntry {
			fmt.Fprintln(out, displayName(e))
			continue
		}
		h, err := fsys.Resolve(ctx, tree.BuildChildPath(dir, e.Name))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatLong(h, displayName(e)))
	}
	return nil
}

func displayName(e models.Entry) string {
	if e.IsDir && e != models.DotEntry && e != models.DotDotEntry {
		return e.Name + "/"
	}
	return e.Name
}

// formatLong renders one ls -l style line.
func formatLong(h *metadata.Handle, name string) string {
	attr, err := h.Attributes()
	if err != nil {
		return fmt.Sprintf("?????????? %12s %16s %s (%s)", "?", "?", name, h.Status.Text)
	}
	return fmt.Sprintf("%s %12d %16s %s", fileMode(attr), attr.Size, formatTime(attr.MTime), name)
}

func fileMode(a models.Attr) os.FileMode {
	m := os.FileMode(a.Mode & 0o777)
	if a.IsDir() {
		m |= os.ModeDir
	}
	return m
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func runStat(cmd *cobra.Command, args []string) error {
	fsys, err := newFS(cfg)
	if err != nil {
		return err
	}

	h, err := fsys.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	attr, err := h.Attributes()
	if err != nil {
		return fmt.Errorf("%s: %s: %w", h.URL, h.Status.Text, err)
	}

	kind := "file"
	if h.IsDir {
		kind = "directory"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  Path: /%s\n", h.Path)
	fmt.Fprintf(out, "   URL: %s\n", h.URL)
	fmt.Fprintf(out, "  Type: %s\n", kind)
	fmt.Fprintf(out, "  Size: %d\n", attr.Size)
	fmt.Fprintf(out, "  Mode: %s (%#o)\n", fileMode(attr), attr.Mode)
	fmt.Fprintf(out, " Links: %d\n", attr.Nlink)
	fmt.Fprintf(out, "Modify: %s\n", formatTime(attr.MTime))
	fmt.Fprintf(out, "Status: %s\n", h.Status.Text)
	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	fsys, err := newFS(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	c, h, err := fsys.OpenFile(ctx, args[0])
	if err != nil {
		return err
	}
	logging.Debug("streaming", logging.String("url", h.URL), logging.Int64("size", h.Size))

	n, err := copyFile(ctx, cmd.OutOrStdout(), c)
	if err != nil {
		return err
	}
	if h.Size > 0 && n != h.Size {
		return fmt.Errorf("%s: read %d of %d bytes", h.URL, n, h.Size)
	}
	return nil
}

// copyFile streams the whole file block by block.
func copyFile(ctx context.Context, w io.Writer, c *blockcache.Cache) (int64, error) {
	var off int64
	for {
		data, err := c.Read(ctx, off, blockcache.BlockSize)
		if err != nil {
			return off, err
		}
		if _, err := w.Write(data); err != nil {
			return off, err
		}
		off += int64(len(data))
		if int64(len(data)) < blockcache.BlockSize {
			return off, nil
		}
	}
}
