// Package metadata resolves a mount path into a handle carrying its URL,
// type, size and modification time.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"syscall"
	"time"

	"github.com/fruitsalade/indexfs/internal/logging"
	"github.com/fruitsalade/indexfs/internal/metrics"
	"github.com/fruitsalade/indexfs/pkg/client"
	"github.com/fruitsalade/indexfs/pkg/listing"
	"github.com/fruitsalade/indexfs/pkg/models"
	"github.com/fruitsalade/indexfs/pkg/namespace"
	"github.com/fruitsalade/indexfs/pkg/tree"
)

// ErrNotFound is returned by Handle.Attributes when the probe failed.
var ErrNotFound = fmt.Errorf("probe failed: %w", fs.ErrNotExist)

// Prober is the transport used by the resolver. *client.Client implements it.
type Prober interface {
	Head(ctx context.Context, url string) (*client.Probe, error)
	GetPage(ctx context.Context, url string) ([]byte, error)
}

// Options configures a Resolver.
type Options struct {
	// DirMTime reports directory modification times from the parent
	// listing, leaving them unset when unavailable, instead of using the
	// current time.
	DirMTime bool
	// Location of the listing's last-modified column. Defaults to time.Local.
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

// Resolver builds Handles from the namespace cache and metadata probes.
type Resolver struct {
	ns     *namespace.Cache
	prober Prober
	opts   Options
}

// NewResolver creates a resolver sharing the mount's namespace cache.
func NewResolver(ns *namespace.Cache, prober Prober, opts Options) *Resolver {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{ns: ns, prober: prober, opts: opts}
}

// Status records the outcome of a handle's probe.
type Status struct {
	Code int
	Text string
	OK   bool
}

// Handle is the metadata record of one resolved path.
type Handle struct {
	Root  string
	Path  string
	URL   string
	IsDir bool
	Size  int64
	// MTime is the zero time when unknown.
	MTime  time.Time
	Status Status
}

// HasMTime reports whether a modification time was resolved.
func (h *Handle) HasMTime() bool {
	return !h.MTime.IsZero()
}

// Attributes returns the attribute record, or ErrNotFound if the probe failed.
func (h *Handle) Attributes() (models.Attr, error) {
	if !h.Status.OK {
		return models.Attr{}, fmt.Errorf("%s: %w", h.Path, ErrNotFound)
	}

	attr := models.Attr{
		Mode:  syscall.S_IFREG | models.FilePerm,
		Size:  h.Size,
		Atime: h.MTime,
		MTime: h.MTime,
		Nlink: 1,
	}
	if h.IsDir {
		attr.Mode = syscall.S_IFDIR | models.DirPerm
		attr.Nlink = 2
	}
	return attr, nil
}

// Resolve builds the handle for p. Every call probes the server again; the
// parent listing comes from the namespace cache.
func (r *Resolver) Resolve(ctx context.Context, p string) (*Handle, error) {
	p = tree.Clean(p)
	parent, name := tree.Split(p)

	entries, err := r.ns.Listing(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", p, err)
	}

	isDir := name == ""
	for _, e := range entries {
		if e.IsDir && e.Name == name {
			isDir = true
			break
		}
	}

	h := &Handle{
		Root:  r.ns.Root(),
		Path:  p,
		IsDir: isDir,
		URL:   tree.URL(r.ns.Root(), p, isDir),
	}

	probe, err := r.prober.Head(ctx, h.URL)
	if err != nil {
		metrics.RecordProbe(false)
		return nil, fmt.Errorf("resolve %q: %w", p, err)
	}
	h.Status = Status{Code: probe.StatusCode, Text: probe.Status, OK: probe.OK()}
	if !h.Status.OK {
		metrics.RecordProbe(false)
		logging.Info("probe failed",
			logging.String("url", h.URL),
			logging.Int("status", probe.StatusCode),
		)
		return h, nil
	}
	metrics.RecordProbe(true)

	if probe.ContentLength > 0 {
		h.Size = probe.ContentLength
	}

	var source string
	h.MTime, source = r.modTime(ctx, h, probe, parent, name)
	metrics.RecordMTimeSource(source)

	logging.Debug("resolved",
		logging.String("path", p),
		logging.Bool("dir", h.IsDir),
		logging.Int64("size", h.Size),
		logging.String("mtime_source", source),
	)
	return h, nil
}

func (r *Resolver) modTime(ctx context.Context, h *Handle, probe *client.Probe, parent, name string) (time.Time, string) {
	if probe.LastModified != "" {
		t, err := http.ParseTime(probe.LastModified)
		if err == nil {
			return t, "header"
		}
		logging.Warn("unparseable Last-Modified",
			logging.String("url", h.URL),
			logging.String("value", probe.LastModified),
		)
	}

	if h.IsDir && !r.opts.DirMTime {
		return r.opts.Now(), "now"
	}

	if name != "" {
		t, err := r.listingModTime(ctx, parent, name)
		if err == nil {
			return t, "listing"
		}
		logging.Debug("no listing timestamp", logging.String("path", h.Path), logging.Err(err))
	}

	if h.IsDir {
		return time.Time{}, "unset"
	}
	return r.opts.Now(), "now"
}

var errNoRow = errors.New("no matching listing row")

// listingModTime re-fetches the parent page, since the namespace cache keeps
// only parsed entries, and reads name's last-modified column.
func (r *Resolver) listingModTime(ctx context.Context, parent, name string) (time.Time, error) {
	body, err := r.prober.GetPage(ctx, tree.URL(r.ns.Root(), parent, true))
	if err != nil {
		return time.Time{}, err
	}
	rows, err := listing.ParseRows(body)
	if err != nil {
		return time.Time{}, err
	}
	for _, row := range rows {
		if row.Name == name {
			return row.ModTime(r.opts.Location)
		}
	}
	return time.Time{}, errNoRow
}
