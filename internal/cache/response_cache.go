// Package cache implements the gateway's in-memory response cache for
// idempotent GET requests proxied to upstream MCP origins.
package cache

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Entry is one cached upstream response.
type Entry struct {
	Status     int
	StatusText string
	Headers    http.Header
	Body       []byte
	InsertedAt time.Time
	TTL        time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) >= e.TTL
}

// Config tunes TTL selection and the eviction threshold.
type Config struct {
	CoingeckoTTL time.Duration // default 60s
	APITTL       time.Duration // default 45s
	DefaultTTL   time.Duration // default 30s
	MaxCacheSize int           // default 100
}

// DefaultConfig matches the gateway's documented defaults.
func DefaultConfig() Config {
	return Config{
		CoingeckoTTL: 60 * time.Second,
		APITTL:       45 * time.Second,
		DefaultTTL:   30 * time.Second,
		MaxCacheSize: 100,
	}
}

// ResponseCache is a process-local, non-durable cache of upstream GET
// responses. It does not implement LRU: eviction only sweeps expired
// entries, per its size-pressure policy.
type ResponseCache struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]Entry
}

// New builds an empty ResponseCache.
func New(cfg Config) *ResponseCache {
	return &ResponseCache{cfg: cfg, entries: make(map[string]Entry)}
}

// Key builds the cache key for a method, URL and raw request body.
// bodyFingerprint is the base64 of the first 32 bytes of body, and is
// always empty for GET (GET requests carry no meaningful body).
func Key(method, rawURL string, body []byte) string {
	method = strings.ToUpper(method)
	var fp string
	if method != http.MethodGet && len(body) > 0 {
		n := len(body)
		if n > 32 {
			n = 32
		}
		fp = base64.StdEncoding.EncodeToString(body[:n])
	}
	return method + ":" + rawURL + ":" + fp
}

// Get returns the live cached entry for key, if any. Expired entries are
// never returned even if not yet swept.
func (c *ResponseCache) Get(method, key string) (Entry, bool) {
	if !strings.EqualFold(method, http.MethodGet) {
		return Entry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		return Entry{}, false
	}
	return e, true
}

// Put stores a successful GET response under key, selecting TTL from the
// upstream URL's host. Non-GET methods and status >= 400 are rejected by
// the caller (CacheWrite stage), not here, but Put defends the invariant
// regardless since it is cheap to check.
func (c *ResponseCache) Put(method, key, upstreamURL string, status int, statusText string, headers http.Header, body []byte) {
	if !strings.EqualFold(method, http.MethodGet) || status >= 400 {
		return
	}

	entry := Entry{
		Status:     status,
		StatusText: statusText,
		Headers:    headers.Clone(),
		Body:       append([]byte(nil), body...),
		InsertedAt: time.Now(),
		TTL:        c.ttlFor(upstreamURL),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry
	if len(c.entries) > c.cfg.MaxCacheSize {
		c.evictExpiredLocked()
	}
}

func (c *ResponseCache) ttlFor(rawURL string) time.Duration {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}
	switch {
	case strings.Contains(host, "coingecko.com"):
		return c.cfg.CoingeckoTTL
	case strings.HasPrefix(host, "api."):
		return c.cfg.APITTL
	default:
		return c.cfg.DefaultTTL
	}
}

// evictExpiredLocked sweeps and deletes expired entries. Called with mu
// held for writing. No LRU eviction is attempted: if every entry is still
// live the cache is simply allowed to exceed MaxCacheSize until entries
// age out.
func (c *ResponseCache) evictExpiredLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}

// Len reports the current entry count, including not-yet-swept expired
// entries. Exposed for tests and metrics.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
