// Package namespace caches parsed directory listings for the lifetime of a mount.
package namespace

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/indexfs/internal/logging"
	"github.com/fruitsalade/indexfs/internal/metrics"
	"github.com/fruitsalade/indexfs/pkg/listing"
	"github.com/fruitsalade/indexfs/pkg/models"
	"github.com/fruitsalade/indexfs/pkg/tree"
)

// PageFetcher fetches a listing page. *client.Client implements it.
type PageFetcher interface {
	GetPage(ctx context.Context, url string) ([]byte, error)
}

// Cache maps directory paths to their listings. A path is fetched at most
// once per Cache; there is no expiry.
type Cache struct {
	root    string
	fetcher PageFetcher

	mu       sync.RWMutex
	listings map[string][]models.Entry

	populate singleflight.Group
}

// New creates a cache for the index rooted at root.
func New(root string, fetcher PageFetcher) *Cache {
	return &Cache{
		root:     root,
		fetcher:  fetcher,
		listings: make(map[string][]models.Entry),
	}
}

// Root returns the index root URL.
func (c *Cache) Root() string {
	return c.root
}

// Listing returns the entries of directory p, fetching and parsing its page
// on first use. Concurrent first requests for the same path share one fetch.
func (c *Cache) Listing(ctx context.Context, p string) ([]models.Entry, error) {
	p = tree.Clean(p)

	if entries, ok := c.get(p); ok {
		metrics.RecordListingCache(true)
		return slices.Clone(entries), nil
	}
	metrics.RecordListingCache(false)

	// The fetch outlives any single caller so that one interrupted
	// requester does not fail the others waiting on the same path.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.populate.DoChan(p, func() (interface{}, error) {
		// A previous flight may have finished between get and DoChan.
		if entries, ok := c.get(p); ok {
			return entries, nil
		}
		return c.fetch(fetchCtx, p)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		logging.Debug("listing shared with concurrent request", logging.String("path", p))
	}
	v := res.Val
	return slices.Clone(v.([]models.Entry)), nil
}

// Contents returns the listing of p preceded by the synthetic "." and ".." entries.
func (c *Cache) Contents(ctx context.Context, p string) ([]models.Entry, error) {
	entries, err := c.Listing(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]models.Entry, 0, len(entries)+2)
	out = append(out, models.DotEntry, models.DotDotEntry)
	return append(out, entries...), nil
}

// Lookup finds name in the listing of dir.
func (c *Cache) Lookup(ctx context.Context, dir, name string) (models.Entry, bool, error) {
	entries, err := c.Listing(ctx, dir)
	if err != nil {
		return models.Entry{}, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, true, nil
		}
	}
	return models.Entry{}, false, nil
}

// Cached reports whether the listing of p is resident.
func (c *Cache) Cached(p string) bool {
	_, ok := c.get(tree.Clean(p))
	return ok
}

// Len returns the number of cached directories.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listings)
}

func (c *Cache) get(p string) ([]models.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, ok := c.listings[p]
	return entries, ok
}

func (c *Cache) fetch(ctx context.Context, p string) ([]models.Entry, error) {
	url := tree.URL(c.root, p, true)
	logging.Debug("fetching listing", logging.String("path", p), logging.String("url", url))

	body, err := c.fetcher.GetPage(ctx, url)
	if err != nil {
		metrics.RecordListingFetch(false)
		return nil, fmt.Errorf("list %q: %w", p, err)
	}

	entries, err := listing.Parse(body)
	if err != nil {
		metrics.RecordListingFetch(false)
		return nil, fmt.Errorf("list %q: %w", p, err)
	}
	metrics.RecordListingFetch(true)

	c.mu.Lock()
	c.listings[p] = entries
	c.mu.Unlock()

	logging.Debug("listing cached", logging.String("path", p), logging.Int("entries", len(entries)))
	return entries, nil
}
