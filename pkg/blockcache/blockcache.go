// Package blockcache serves offset/length reads of a remote file through a
// per-handle cache of 1 MiB aligned blocks fetched with HTTP range requests.
package blockcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/fruitsalade/indexfs/internal/logging"
	"github.com/fruitsalade/indexfs/internal/metrics"
	"github.com/fruitsalade/indexfs/pkg/client"
	"github.com/fruitsalade/indexfs/pkg/metadata"
)

// BlockSize is the unit of caching and of aligned range fetches.
const BlockSize int64 = 1 << 20

// shortBlockSpan is the reference fetch span: 1023 KiB per block.
const shortBlockSpan = BlockSize - 1024

// ErrShortResponse is wrapped by ReadError when the server returned fewer
// bytes than the requested interval holds.
var ErrShortResponse = errors.New("short range response")

// ReadError reports a failed range fetch.
type ReadError struct {
	URL        string
	Start, End int64
	StatusCode int
	Err        error
}

func (e *ReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("read %s bytes=%d-%d: %v", e.URL, e.Start, e.End, e.Err)
	}
	return fmt.Sprintf("read %s bytes=%d-%d: status %d", e.URL, e.Start, e.End, e.StatusCode)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// RangeFetcher issues range GETs. *client.Client implements it.
type RangeFetcher interface {
	FetchRange(ctx context.Context, url string, start, end int64) (*client.RangeResponse, error)
}

// Options configures a Cache.
type Options struct {
	// ShortBlocks fetches BlockSize-1024 bytes per block instead of a full
	// block. Reads falling in the unfetched tail are served by an exact
	// range fetch.
	ShortBlocks bool
}

// Cache holds the blocks of one open file. It is not safe for concurrent
// use; the owner serializes reads.
type Cache struct {
	fetcher RangeFetcher
	url     string
	size    int64 // 0 when unknown
	span    int64

	blocks map[int64][]byte
}

// New creates an empty cache for the file described by h.
func New(fetcher RangeFetcher, h *metadata.Handle, opts Options) *Cache {
	span := BlockSize
	if opts.ShortBlocks {
		span = shortBlockSpan
	}
	return &Cache{
		fetcher: fetcher,
		url:     h.URL,
		size:    h.Size,
		span:    span,
		blocks:  make(map[int64][]byte),
	}
}

// Len returns the number of resident blocks.
func (c *Cache) Len() int {
	return len(c.blocks)
}

// Resident reports whether block idx is cached.
func (c *Cache) Resident(idx int64) bool {
	_, ok := c.blocks[idx]
	return ok
}

// Read returns length bytes at offset, fewer only at end of file. The
// returned slice may alias the cache and must not be modified.
func (c *Cache) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, &ReadError{URL: c.url, Start: offset, End: offset + length - 1, Err: fs.ErrInvalid}
	}
	if c.size > 0 {
		if offset >= c.size {
			return []byte{}, nil
		}
		if offset+length > c.size {
			length = c.size - offset
		}
	}
	if length == 0 {
		return []byte{}, nil
	}

	first := offset / BlockSize
	last := (offset + length - 1) / BlockSize
	if first != last {
		logging.Debug("read spans blocks, fetching directly",
			logging.String("url", c.url),
			logging.Int64("offset", offset),
			logging.Int64("length", length),
		)
		return c.fetchSpan(ctx, offset, offset+length-1)
	}

	block, ok := c.blocks[first]
	metrics.RecordBlockCache(ok)
	if !ok {
		var err error
		block, err = c.fetchBlock(ctx, first)
		if err != nil {
			return nil, err
		}
		c.blocks[first] = block
	}

	inBlock := offset - first*BlockSize
	need := inBlock + length
	if int64(len(block)) >= need {
		return block[inBlock:need:need], nil
	}

	if c.atEOF(first, block) {
		if inBlock >= int64(len(block)) {
			return []byte{}, nil
		}
		return block[inBlock:], nil
	}

	// The block was fetched short of the request, which happens in the
	// tail of a ShortBlocks block.
	return c.fetchSpan(ctx, offset, offset+length-1)
}

// atEOF reports whether a block shorter than needed ends at end of file.
func (c *Cache) atEOF(idx int64, block []byte) bool {
	end := idx*BlockSize + int64(len(block))
	if c.size > 0 {
		return end >= c.size
	}
	return int64(len(block)) < c.span
}

func (c *Cache) fetchBlock(ctx context.Context, idx int64) ([]byte, error) {
	start := idx * BlockSize
	end := start + c.span - 1
	logging.Debug("fetching block",
		logging.String("url", c.url),
		logging.Int64("block", idx),
		logging.String("range", fmt.Sprintf("%d-%d", start, end)),
	)

	body, err := c.fetch(ctx, start, end)
	if err != nil {
		metrics.RecordRangeFetch("block", 0, false)
		return nil, err
	}
	metrics.RecordRangeFetch("block", int64(len(body)), true)
	return body, nil
}

func (c *Cache) fetchSpan(ctx context.Context, start, end int64) ([]byte, error) {
	body, err := c.fetch(ctx, start, end)
	if err != nil {
		metrics.RecordRangeFetch("span", 0, false)
		return nil, err
	}
	metrics.RecordRangeFetch("span", int64(len(body)), true)
	return body, nil
}

// fetch retrieves [start, end] and validates the response against the
// known file size. A 200 response carries the whole file and is sliced.
// The result is a copy that does not share the response buffer.
func (c *Cache) fetch(ctx context.Context, start, end int64) ([]byte, error) {
	resp, err := c.fetcher.FetchRange(ctx, c.url, start, end)
	if err != nil {
		return nil, &ReadError{URL: c.url, Start: start, End: end, Err: err}
	}

	if !client.IsRangeSuccess(resp.StatusCode) {
		logging.Info("range fetch failed",
			logging.String("url", c.url),
			logging.Int("status", resp.StatusCode),
		)
		return nil, &ReadError{URL: c.url, Start: start, End: end, StatusCode: resp.StatusCode}
	}

	body := resp.Body
	if resp.StatusCode == http.StatusOK {
		body = sliceFull(body, start, end)
	} else {
		if first, ok := contentRangeStart(resp.ContentRange); ok && first != start {
			return nil, &ReadError{
				URL: c.url, Start: start, End: end, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("server returned range starting at %d", first),
			}
		}
		if want := end - start + 1; int64(len(body)) > want {
			body = body[:want]
		}
	}

	if want := c.expected(start, end); int64(len(body)) < want {
		return nil, &ReadError{
			URL: c.url, Start: start, End: end, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: got %d of %d bytes", ErrShortResponse, len(body), want),
		}
	}
	return bytes.Clone(body), nil
}

// expected returns how many bytes [start, end] must yield; 0 when the size is unknown.
func (c *Cache) expected(start, end int64) int64 {
	if c.size <= 0 {
		return 0
	}
	if end >= c.size {
		end = c.size - 1
	}
	if end < start {
		return 0
	}
	return end - start + 1
}

func sliceFull(full []byte, start, end int64) []byte {
	n := int64(len(full))
	if start >= n {
		return []byte{}
	}
	if end+1 < n {
		n = end + 1
	}
	return full[start:n]
}

// contentRangeStart parses the first byte position of "bytes a-b/total".
func contentRangeStart(v string) (int64, bool) {
	v, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(v, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
