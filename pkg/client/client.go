// Package client provides the HTTP transport used to talk to the index server.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fruitsalade/indexfs/internal/logging"
	"github.com/fruitsalade/indexfs/internal/metrics"
)

// Client issues listing GETs, metadata HEADs and range GETs against one index root.
type Client struct {
	baseURL string
	http    *resty.Client

	mu       sync.RWMutex
	online   bool
	lastSeen time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Retries   int // transport-level retries on connection errors
	UserAgent string
	Username  string
	Password  string
}

// Probe is the outcome of a HEAD request that produced a response.
type Probe struct {
	StatusCode    int
	Status        string
	ContentLength int64 // -1 when the header is absent
	LastModified  string
}

// OK reports whether the probe succeeded.
func (p *Probe) OK() bool {
	return p.StatusCode >= 200 && p.StatusCode < 300
}

// RangeResponse is the raw result of a range GET. Callers decide which
// statuses count as success.
type RangeResponse struct {
	StatusCode   int
	Status       string
	ContentRange string
	Body         []byte
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "indexfs"
	}

	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("User-Agent", cfg.UserAgent).
		SetDisableWarn(true)
	if cfg.Username != "" {
		rc.SetBasicAuth(cfg.Username, cfg.Password)
	}
	rc.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		metrics.RecordRemoteRequest(resp.Request.Method, resp.StatusCode(), resp.Time())
		return nil
	})

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    rc,
		online:  true,
	}
}

// BaseURL returns the index root without a trailing separator.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// LastSeen returns when the server last answered or failed to answer.
func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("index server is reachable again", logging.String("url", c.baseURL))
		} else {
			logging.Error("index server is unreachable", logging.String("url", c.baseURL))
		}
	}
	c.online = online
	c.lastSeen = time.Now()
}

// GetPage fetches a listing page. Any non-2xx status is a FetchError.
func (c *Client) GetPage(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		c.setOnline(false)
		return nil, transportError(url, err)
	}
	c.setOnline(true)

	if fe := AsFetchError(url, resp.StatusCode(), resp.Status()); fe != nil {
		return nil, fe
	}
	return resp.Body(), nil
}

// Head probes url. A response with any status is returned as a Probe; only
// transport failures produce an error.
func (c *Client) Head(ctx context.Context, url string) (*Probe, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Head(url)
	if err != nil {
		c.setOnline(false)
		return nil, transportError(url, err)
	}
	c.setOnline(true)

	p := &Probe{
		StatusCode:    resp.StatusCode(),
		Status:        resp.Status(),
		ContentLength: -1,
		LastModified:  resp.Header().Get("Last-Modified"),
	}
	if raw := resp.RawResponse; raw != nil {
		p.ContentLength = raw.ContentLength
	}
	return p, nil
}

// FetchRange issues a GET with Range: bytes=start-end (inclusive). At most
// end-start+1 bytes of a 206 body and end+1 bytes of a 200 body are read;
// the rest of the response is dropped unread.
func (c *Client) FetchRange(ctx context.Context, url string, start, end int64) (*RangeResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Range", fmt.Sprintf("bytes=%d-%d", start, end)).
		Get(url)
	if err != nil {
		c.setOnline(false)
		return nil, transportError(url, err)
	}
	c.setOnline(true)

	raw := resp.RawBody()
	defer raw.Close()

	out := &RangeResponse{
		StatusCode:   resp.StatusCode(),
		Status:       resp.Status(),
		ContentRange: resp.Header().Get("Content-Range"),
	}
	if !IsRangeSuccess(out.StatusCode) {
		return out, nil
	}

	limit := end - start + 1
	if out.StatusCode == http.StatusOK {
		limit = end + 1
	}
	out.Body, err = io.ReadAll(io.LimitReader(raw, limit))
	if err != nil {
		return nil, transportError(url, err)
	}
	return out, nil
}

// IsRangeSuccess reports whether a range GET status carries content.
func IsRangeSuccess(statusCode int) bool {
	return statusCode == http.StatusOK || statusCode == http.StatusPartialContent
}
