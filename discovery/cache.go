package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/giantswarm/mcp-auth/instrumentation"
)

const (
	// DefaultCacheTTL is how long a fetched document is served
	DefaultCacheTTL = 60 * time.Second

	// DefaultFetchTimeout bounds one remote fetch
	DefaultFetchTimeout = 10 * time.Second

	maxDocumentSize = 1 << 20
)

// ErrFetchFailed wraps every failure to obtain a remote document.
var ErrFetchFailed = errors.New("failed to fetch discovery document")

// FetchFunc produces a fresh document.
type FetchFunc func(ctx context.Context) (*AuthorizationServerMetadata, error)

type cacheEntry struct {
	metadata  *AuthorizationServerMetadata
	expiresAt time.Time
}

// Cache serves a document for TTL after each successful fetch. The value
// is swapped atomically, so readers never block. Concurrent misses may
// fetch more than once; the last store wins.
type Cache struct {
	fetch   FetchFunc
	ttl     time.Duration
	entry   atomic.Pointer[cacheEntry]
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewCache creates a cache around fetch. A ttl of zero uses DefaultCacheTTL.
func NewCache(fetch FetchFunc, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{fetch: fetch, ttl: ttl, logger: logger, now: time.Now}
}

// NewRemoteCache caches the RFC 8414 document published by issuer.
func NewRemoteCache(issuer string, client *http.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	url := AuthorizationServerMetadataURL(issuer)
	return NewCache(func(ctx context.Context) (*AuthorizationServerMetadata, error) {
		return Fetch(ctx, client, url)
	}, ttl, logger)
}

// SetInstrumentation records hits, misses and errors in
// auth.discovery.lookups.total.
func (c *Cache) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		c.metrics = inst.Metrics()
	}
}

// Get returns the cached document, fetching it when absent or stale.
func (c *Cache) Get(ctx context.Context) (*AuthorizationServerMetadata, error) {
	now := c.now()
	if e := c.entry.Load(); e != nil && now.Before(e.expiresAt) {
		c.metrics.RecordDiscoveryLookup(ctx, "hit")
		return e.metadata, nil
	}

	md, err := c.fetch(ctx)
	if err != nil {
		c.metrics.RecordDiscoveryLookup(ctx, "error")
		c.logger.Warn("Discovery document fetch failed", "error", err)
		return nil, err
	}
	c.entry.Store(&cacheEntry{metadata: md, expiresAt: now.Add(c.ttl)})
	c.metrics.RecordDiscoveryLookup(ctx, "miss")
	return md, nil
}

// Invalidate drops the cached document.
func (c *Cache) Invalidate() {
	c.entry.Store(nil)
}

// Fetch GETs and decodes an authorization server metadata document.
func Fetch(ctx context.Context, client *http.Client, url string) (*AuthorizationServerMetadata, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFetchFailed, url, resp.StatusCode)
	}

	var md AuthorizationServerMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&md); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrFetchFailed, err)
	}
	if md.Issuer == "" {
		return nil, fmt.Errorf("%w: document has no issuer", ErrFetchFailed)
	}
	return &md, nil
}
