// Package fuse exposes an HTTP directory index as a read-only FUSE filesystem.
package fuse

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/indexfs/internal/logging"
	"github.com/fruitsalade/indexfs/pkg/blockcache"
	"github.com/fruitsalade/indexfs/pkg/client"
	"github.com/fruitsalade/indexfs/pkg/metadata"
	"github.com/fruitsalade/indexfs/pkg/models"
	"github.com/fruitsalade/indexfs/pkg/namespace"
	"github.com/fruitsalade/indexfs/pkg/tree"
)

// IndexFS is the mounted filesystem. It owns the namespace cache shared by
// every node of the mount.
type IndexFS struct {
	client   *client.Client
	ns       *namespace.Cache
	resolver *metadata.Resolver
	cfg      Config

	stats Stats
}

// Stats holds filesystem counters.
type Stats struct {
	Lookups      atomic.Int64
	FailedProbes atomic.Int64
	Readdirs     atomic.Int64
	Opens        atomic.Int64
	Reads        atomic.Int64
	BytesRead    atomic.Int64
	FailedReads  atomic.Int64
}

// Config holds filesystem configuration.
type Config struct {
	URL string

	DirMTime    bool
	ShortBlocks bool
	Location    *time.Location

	Timeout   time.Duration
	Retries   int
	UserAgent string
	Username  string
	Password  string

	AllowOther bool
	Debug      bool
}

// NewIndexFS validates the root URL and wires the client, namespace cache
// and resolver.
func NewIndexFS(cfg Config) (*IndexFS, error) {
	root, err := normalizeRoot(cfg.URL)
	if err != nil {
		return nil, err
	}
	cfg.URL = root

	c := client.New(client.Config{
		BaseURL:   root,
		Timeout:   cfg.Timeout,
		Retries:   cfg.Retries,
		UserAgent: cfg.UserAgent,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	ns := namespace.New(root, c)

	return &IndexFS{
		client: c,
		ns:     ns,
		resolver: metadata.NewResolver(ns, c, metadata.Options{
			DirMTime: cfg.DirMTime,
			Location: cfg.Location,
		}),
		cfg: cfg,
	}, nil
}

// normalizeRoot checks the scheme and strips trailing slashes.
func normalizeRoot(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q: missing host", raw)
	}
	root := u.String()
	for len(root) > 0 && root[len(root)-1] == '/' {
		root = root[:len(root)-1]
	}
	return root, nil
}

// Root returns the index root URL.
func (f *IndexFS) Root() string {
	return f.client.BaseURL()
}

// Namespace returns the listing cache shared by the mount.
func (f *IndexFS) Namespace() *namespace.Cache {
	return f.ns
}

// Resolve builds the metadata handle of p.
func (f *IndexFS) Resolve(ctx context.Context, p string) (*metadata.Handle, error) {
	return f.resolver.Resolve(ctx, p)
}

// OpenFile returns a block cache reading the file at p.
func (f *IndexFS) OpenFile(ctx context.Context, p string) (*blockcache.Cache, *metadata.Handle, error) {
	h, err := f.resolver.Resolve(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if _, err := h.Attributes(); err != nil {
		return nil, nil, err
	}
	if h.IsDir {
		return nil, nil, fmt.Errorf("%s: is a directory", p)
	}
	return f.newBlockCache(h), h, nil
}

func (f *IndexFS) newBlockCache(h *metadata.Handle) *blockcache.Cache {
	return blockcache.New(f.client, h, blockcache.Options{ShortBlocks: f.cfg.ShortBlocks})
}

// GetStats returns the filesystem counters.
func (f *IndexFS) GetStats() *Stats {
	return &f.stats
}

// IsOnline reports whether the last request reached the server.
func (f *IndexFS) IsOnline() bool {
	return f.client.IsOnline()
}

// LastSeen returns when the server last answered or failed to answer.
func (f *IndexFS) LastSeen() time.Time {
	return f.client.LastSeen()
}

// Mount resolves the root and mounts the filesystem at mountPoint.
func (f *IndexFS) Mount(ctx context.Context, mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	h, err := f.resolver.Resolve(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if !h.Status.OK {
		return nil, fmt.Errorf("resolve root: %s returned %s", h.URL, h.Status.Text)
	}

	root := &IndexNode{fsys: f, handle: h}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     f.cfg.URL,
			Name:       "indexfs",
			Options:    []string{"ro"},
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	logging.Info("mounted",
		logging.String("url", f.cfg.URL),
		logging.String("mountpoint", mountPoint),
	)
	return server, nil
}

// IndexNode is a file or directory of the mount.
type IndexNode struct {
	fs.Inode

	fsys *IndexFS

	mu     sync.RWMutex
	handle *metadata.Handle
}

var _ fs.InodeEmbedder = (*IndexNode)(nil)
var _ fs.NodeGetattrer = (*IndexNode)(nil)
var _ fs.NodeLookuper = (*IndexNode)(nil)
var _ fs.NodeReaddirer = (*IndexNode)(nil)
var _ fs.NodeOpener = (*IndexNode)(nil)
var _ fs.NodeReader = (*IndexNode)(nil)
var _ fs.NodeGetxattrer = (*IndexNode)(nil)
var _ fs.NodeListxattrer = (*IndexNode)(nil)

func (n *IndexNode) current() *metadata.Handle {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handle
}

// Getattr probes the server again and reports the fresh attributes.
func (n *IndexNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	h, err := n.fsys.resolver.Resolve(ctx, n.current().Path)
	if err != nil {
		logging.Error("getattr failed", logging.String("path", n.current().Path), logging.Err(err))
		return toErrno(err)
	}
	attr, err := h.Attributes()
	if err != nil {
		n.fsys.stats.FailedProbes.Add(1)
		return syscall.ENOENT
	}

	n.mu.Lock()
	n.handle = h
	n.mu.Unlock()

	fillAttr(&out.Attr, attr)
	return 0
}

// Lookup resolves name within the directory.
func (n *IndexNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.Lookups.Add(1)

	p := tree.BuildChildPath(n.current().Path, name)
	h, err := n.fsys.resolver.Resolve(ctx, p)
	if err != nil {
		logging.Debug("lookup failed", logging.String("path", p), logging.Err(err))
		return nil, toErrno(err)
	}
	attr, err := h.Attributes()
	if err != nil {
		n.fsys.stats.FailedProbes.Add(1)
		return nil, syscall.ENOENT
	}

	fillAttr(&out.Attr, attr)
	child := &IndexNode{fsys: n.fsys, handle: h}
	stable := fs.StableAttr{Mode: attr.Mode & syscall.S_IFMT}
	return n.NewInode(ctx, child, stable), 0
}

// Readdir lists the directory from the namespace cache. The kernel bridge
// adds "." and "..".
func (n *IndexNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	h := n.current()
	if !h.IsDir {
		return nil, syscall.ENOTDIR
	}
	n.fsys.stats.Readdirs.Add(1)

	entries, err := n.fsys.ns.Listing(ctx, h.Path)
	if err != nil {
		logging.Error("readdir failed", logging.String("path", h.Path), logging.Err(err))
		return nil, toErrno(err)
	}
	return fs.NewListDirStream(dirEntries(entries)), 0
}

func dirEntries(entries []models.Entry) []gofuse.DirEntry {
	out := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, gofuse.DirEntry{Name: e.Name, Mode: e.Mode()})
	}
	return out
}

// Open creates a handle with its own block cache. Writes are refused.
func (n *IndexNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h := n.current()
	if h.IsDir {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	n.fsys.stats.Opens.Add(1)

	fh := &FileHandle{node: n, cache: n.fsys.newBlockCache(h)}

	// Without a size the kernel would stop at offset 0.
	var fuseFlags uint32
	if h.Size == 0 {
		fuseFlags = gofuse.FOPEN_DIRECT_IO
	}
	logging.Debug("opened", logging.String("path", h.Path), logging.Int64("size", h.Size))
	return fh, fuseFlags, 0
}

// Read serves dest from the handle's block cache.
func (n *IndexNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*FileHandle)
	if !ok {
		return nil, syscall.EIO
	}
	return handle.read(ctx, dest, off)
}

// Getxattr exposes the URL, size and probe status of the node along with
// server reachability.
func (n *IndexNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	h := n.current()

	var value string
	switch attr {
	case "user.indexfs.url":
		value = h.URL
	case "user.indexfs.size":
		value = strconv.FormatInt(h.Size, 10)
	case "user.indexfs.status":
		value = strconv.Itoa(h.Status.Code)
	case "user.indexfs.online":
		value = strconv.FormatBool(n.fsys.client.IsOnline())
	case "user.indexfs.last_seen":
		if t := n.fsys.client.LastSeen(); !t.IsZero() {
			value = t.UTC().Format(time.RFC3339)
		}
	default:
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}

	copy(dest, value)
	return uint32(len(value)), 0
}

var xattrNames = []string{
	"user.indexfs.url",
	"user.indexfs.size",
	"user.indexfs.status",
	"user.indexfs.online",
	"user.indexfs.last_seen",
}

// Listxattr lists the names served by Getxattr.
func (n *IndexNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	var total int
	for _, attr := range xattrNames {
		total += len(attr) + 1
	}

	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, attr := range xattrNames {
		copy(dest[offset:], attr)
		offset += len(attr)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}

// FileHandle represents an open file. Reads through one handle are
// serialized.
type FileHandle struct {
	node *IndexNode

	mu    sync.Mutex
	cache *blockcache.Cache
}

var _ fs.FileHandle = (*FileHandle)(nil)
var _ fs.FileReleaser = (*FileHandle)(nil)

func (fh *FileHandle) read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	fsys := fh.node.fsys
	fsys.stats.Reads.Add(1)

	fh.mu.Lock()
	if fh.cache == nil {
		fh.mu.Unlock()
		return nil, syscall.EBADF
	}
	data, err := fh.cache.Read(ctx, off, int64(len(dest)))
	fh.mu.Unlock()
	if err != nil {
		fsys.stats.FailedReads.Add(1)
		logging.Error("read failed",
			logging.String("path", fh.node.current().Path),
			logging.Int64("offset", off),
			logging.Err(err),
		)
		return nil, toErrno(err)
	}

	fsys.stats.BytesRead.Add(int64(len(data)))
	return gofuse.ReadResultData(data), 0
}

// Release drops the handle's cached blocks. Later reads fail with EBADF.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	fh.cache = nil
	return 0
}

// fillAttr copies an attribute record into the kernel reply. An unknown
// modification time is reported as the epoch.
func fillAttr(out *gofuse.Attr, a models.Attr) {
	out.Mode = a.Mode
	out.Size = uint64(a.Size)
	out.Nlink = a.Nlink
	if !a.MTime.IsZero() {
		out.Mtime = uint64(a.MTime.Unix())
		out.Mtimensec = uint32(a.MTime.Nanosecond())
		out.Atime = uint64(a.Atime.Unix())
		out.Atimensec = uint32(a.Atime.Nanosecond())
		out.Ctime = out.Mtime
		out.Ctimensec = out.Mtimensec
	}
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// toErrno maps resolver, listing and read failures to errno values.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, iofs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, iofs.ErrPermission):
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}
