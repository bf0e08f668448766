// Package agent is the interception layer in front of the upstream API:
// every read passes through it, gets classified (static asset, API route,
// navigation), and is answered per the matched route policy. Reads never
// fail with a raw network error; the worst case is a synthetic 503 or the
// offline page.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"syncgate/internal/cache"
	"syncgate/internal/core"
)

// CurrentGeneration versions the on-disk partitions. Bump it when the
// stored response format changes; Activate then drops the old partitions.
const CurrentGeneration = 1

const (
	DefaultStaticTTL  = 7 * 24 * time.Hour
	DefaultDynamicTTL = 5 * time.Minute
	refreshTimeout    = 30 * time.Second
)

// Cache outcome reported in the X-Cache response header.
const (
	cacheHit    = "hit"
	cacheMiss   = "miss"
	cacheStale  = "stale"
	cacheBypass = "bypass"
)

var partitionPattern = regexp.MustCompile(`^(static|dynamic)-v(\d+)$`)

// Config holds agent configuration.
type Config struct {
	// DataDir is the root under which the partition databases live.
	DataDir string

	// Upstream is the base URL requests are forwarded to.
	Upstream string

	// Generation overrides CurrentGeneration, mainly for tests.
	Generation int

	// Policies classifies requests and selects strategies. Required.
	Policies *PolicySet

	// Precache is the manifest of upstream paths fetched into the static
	// partition during Install.
	Precache []string

	// OfflinePage is served for navigations when both network and cache
	// come up empty. Falls back to a built-in page when empty.
	OfflinePage []byte

	// StaticTTL and DynamicTTL bound entry freshness for static assets
	// and for matched API routes that declare no TTL of their own.
	StaticTTL  time.Duration
	DynamicTTL time.Duration

	// Client is the HTTP client for upstream fetches.
	Client *http.Client
}

// storedResponse is the serialized form of an upstream response inside a
// cache entry value.
type storedResponse struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header,omitempty"`
	Body   []byte              `json:"body,omitempty"`
}

// Agent intercepts read traffic. It owns two durable partitions, one for
// static assets and one for dynamic API responses, both versioned by
// generation and independent of the application-level cache manager.
type Agent struct {
	cfg      Config
	log      *slog.Logger
	client   *http.Client
	upstream *url.URL

	static  *cache.LevelDBTier
	dynamic *cache.LevelDBTier

	refresh singleflight.Group
	clock   func() time.Time
}

// New opens the current generation's partitions. Call Install and Activate
// before serving.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("agent: policy set is required")
	}
	if cfg.Generation <= 0 {
		cfg.Generation = CurrentGeneration
	}
	if cfg.StaticTTL <= 0 {
		cfg.StaticTTL = DefaultStaticTTL
	}
	if cfg.DynamicTTL <= 0 {
		cfg.DynamicTTL = DefaultDynamicTTL
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil || upstream.Scheme == "" {
		return nil, fmt.Errorf("agent: invalid upstream %q", cfg.Upstream)
	}

	static, err := cache.NewLevelDBTier(cache.LevelDBConfig{
		Path: filepath.Join(cfg.DataDir, fmt.Sprintf("static-v%d", cfg.Generation)),
	})
	if err != nil {
		return nil, fmt.Errorf("agent: open static partition: %w", err)
	}
	dynamic, err := cache.NewLevelDBTier(cache.LevelDBConfig{
		Path: filepath.Join(cfg.DataDir, fmt.Sprintf("dynamic-v%d", cfg.Generation)),
	})
	if err != nil {
		static.Close()
		return nil, fmt.Errorf("agent: open dynamic partition: %w", err)
	}

	return &Agent{
		cfg:      cfg,
		log:      logger,
		client:   cfg.Client,
		upstream: upstream,
		static:   static,
		dynamic:  dynamic,
		clock:    time.Now,
	}, nil
}

// Install pre-populates the static partition from the precache manifest.
// Any failed fetch aborts with an error so the caller refuses to serve
// from a half-primed cache.
func (a *Agent) Install(ctx context.Context) error {
	for _, path := range a.cfg.Precache {
		resp, err := a.forward(ctx, http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("agent: precache %s: %w", path, err)
		}
		if resp.Status < 200 || resp.Status >= 300 {
			return fmt.Errorf("agent: precache %s: upstream status %d", path, resp.Status)
		}
		if err := a.store(ctx, a.static, a.key(http.MethodGet, path), resp, a.cfg.StaticTTL, []string{"precache"}); err != nil {
			return fmt.Errorf("agent: precache %s: %w", path, err)
		}
	}
	a.log.Info("precache installed", "assets", len(a.cfg.Precache), "generation", a.cfg.Generation)
	return nil
}

// Activate removes partition directories from earlier generations. Only
// directories matching the partition naming scheme are touched; the queue
// database and anything else under DataDir is left alone.
func (a *Agent) Activate(ctx context.Context) error {
	entries, err := os.ReadDir(a.cfg.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("agent: scan partitions: %w", err)
	}

	keep := map[string]struct{}{
		fmt.Sprintf("static-v%d", a.cfg.Generation):  {},
		fmt.Sprintf("dynamic-v%d", a.cfg.Generation): {},
	}
	for _, e := range entries {
		if !e.IsDir() || !partitionPattern.MatchString(e.Name()) {
			continue
		}
		if _, ok := keep[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(a.cfg.DataDir, e.Name())); err != nil {
			return fmt.Errorf("agent: drop stale partition %s: %w", e.Name(), err)
		}
		a.log.Info("dropped stale cache partition", "partition", e.Name())
	}
	return nil
}

// Close closes both partitions.
func (a *Agent) Close() error {
	err1 := a.static.Close()
	err2 := a.dynamic.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ServeHTTP classifies the request and applies the matched strategy.
// Non-GET requests pass straight through; this layer never owns writes.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		a.passthrough(w, r)
		return
	}

	path := r.URL.Path
	switch {
	case a.cfg.Policies.IsStatic(path):
		a.serveStatic(w, r)
	case isNavigation(r):
		a.serveNavigation(w, r)
	default:
		a.serveAPI(w, r)
	}
}

// serveStatic is cache-first with an unconditional best-effort background
// refresh whenever a cached copy is served.
func (a *Agent) serveStatic(w http.ResponseWriter, r *http.Request) {
	key := a.key(http.MethodGet, requestPath(r))

	entry, err := a.static.Get(r.Context(), key)
	if err == nil {
		stored, derr := decodeResponse(entry)
		if derr == nil {
			a.refreshInBackground(key, requestPath(r))
			a.write(w, r, stored, cacheHit)
			return
		}
		a.static.Delete(r.Context(), key)
	}

	resp, err := a.forward(r.Context(), http.MethodGet, requestPath(r), r.Header)
	if err != nil || resp.Status < 200 || resp.Status >= 300 {
		a.writeUnavailable(w, r)
		return
	}
	if err := a.store(r.Context(), a.static, key, resp, a.cfg.StaticTTL, nil); err != nil {
		a.log.Warn("static store failed", "path", r.URL.Path, "error", err)
	}
	a.write(w, r, resp, cacheMiss)
}

// serveAPI looks up the route policy; unmatched routes are network-only
// passthrough.
func (a *Agent) serveAPI(w http.ResponseWriter, r *http.Request) {
	policy, ok := a.cfg.Policies.Match(r.URL.Path)
	if !ok {
		a.passthrough(w, r)
		return
	}

	ttl := policy.TTL
	if ttl <= 0 {
		ttl = a.cfg.DynamicTTL
	}

	switch policy.Strategy {
	case StrategyCacheFirst:
		a.cacheFirst(w, r, ttl, policy.Tags)
	case StrategyNetworkFirst:
		a.networkFirst(w, r, ttl, policy.Tags)
	default:
		a.passthrough(w, r)
	}
}

// cacheFirst: fresh cache wins; otherwise network, then stale cache, then
// a synthetic 503.
func (a *Agent) cacheFirst(w http.ResponseWriter, r *http.Request, ttl time.Duration, tags []string) {
	key := a.key(http.MethodGet, requestPath(r))
	now := a.clock()

	entry, err := a.dynamic.Get(r.Context(), key)
	if err == nil {
		if stored, derr := decodeResponse(entry); derr == nil && entry.Valid(now) {
			a.write(w, r, stored, cacheHit)
			return
		}
	}

	resp, ferr := a.forward(r.Context(), http.MethodGet, requestPath(r), r.Header)
	if ferr == nil && resp.Status >= 200 && resp.Status < 300 {
		if err := a.store(r.Context(), a.dynamic, key, resp, ttl, tags); err != nil {
			a.log.Warn("dynamic store failed", "path", r.URL.Path, "error", err)
		}
		a.write(w, r, resp, cacheMiss)
		return
	}

	// Network came up empty; an expired entry beats nothing.
	if entry != nil {
		if stored, derr := decodeResponse(entry); derr == nil {
			a.write(w, r, stored, cacheStale)
			return
		}
	}
	a.writeUnavailable(w, r)
}

// networkFirst: network wins; a cached entry is served only while still
// fresh.
func (a *Agent) networkFirst(w http.ResponseWriter, r *http.Request, ttl time.Duration, tags []string) {
	key := a.key(http.MethodGet, requestPath(r))

	resp, err := a.forward(r.Context(), http.MethodGet, requestPath(r), r.Header)
	if err == nil && resp.Status >= 200 && resp.Status < 300 {
		if serr := a.store(r.Context(), a.dynamic, key, resp, ttl, tags); serr != nil {
			a.log.Warn("dynamic store failed", "path", r.URL.Path, "error", serr)
		}
		a.write(w, r, resp, cacheMiss)
		return
	}

	entry, gerr := a.dynamic.Get(r.Context(), key)
	if gerr == nil && entry.Valid(a.clock()) {
		if stored, derr := decodeResponse(entry); derr == nil {
			a.write(w, r, stored, cacheHit)
			return
		}
	}
	a.writeUnavailable(w, r)
}

// serveNavigation: network-first, any cached copy as fallback, and the
// offline page as the floor.
func (a *Agent) serveNavigation(w http.ResponseWriter, r *http.Request) {
	key := a.key(http.MethodGet, requestPath(r))

	resp, err := a.forward(r.Context(), http.MethodGet, requestPath(r), r.Header)
	if err == nil && resp.Status >= 200 && resp.Status < 300 {
		if serr := a.store(r.Context(), a.dynamic, key, resp, a.cfg.DynamicTTL, nil); serr != nil {
			a.log.Warn("navigation store failed", "path", r.URL.Path, "error", serr)
		}
		a.write(w, r, resp, cacheMiss)
		return
	}

	if entry, gerr := a.dynamic.Get(r.Context(), key); gerr == nil {
		if stored, derr := decodeResponse(entry); derr == nil {
			a.write(w, r, stored, cacheStale)
			return
		}
	}

	page := a.cfg.OfflinePage
	if len(page) == 0 {
		page = defaultOfflinePage
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Cache", cacheBypass)
	w.WriteHeader(http.StatusServiceUnavailable)
	if r.Method != http.MethodHead {
		w.Write(page)
	}
}

// passthrough forwards the request verbatim and relays the response, or a
// 503 when the upstream is unreachable.
func (a *Agent) passthrough(w http.ResponseWriter, r *http.Request) {
	var body io.Reader
	if r.Body != nil {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, a.upstreamURL(requestPath(r)), body)
	if err != nil {
		a.writeUnavailable(w, r)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := a.client.Do(req)
	if err != nil {
		a.writeUnavailable(w, r)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.Header().Set("X-Cache", cacheBypass)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// refreshInBackground refetches a static asset and replaces the cached
// copy, collapsing concurrent refreshes of the same key. Best-effort.
func (a *Agent) refreshInBackground(key, path string) {
	go a.refresh.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		resp, err := a.forward(ctx, http.MethodGet, path, nil)
		if err != nil || resp.Status < 200 || resp.Status >= 300 {
			return nil, nil
		}
		if err := a.store(ctx, a.static, key, resp, a.cfg.StaticTTL, nil); err != nil {
			a.log.Warn("background refresh store failed", "path", path, "error", err)
		}
		return nil, nil
	})
}

func (a *Agent) forward(ctx context.Context, method, pathAndQuery string, header http.Header) (*storedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.upstreamURL(pathAndQuery), nil)
	if err != nil {
		return nil, err
	}
	if header != nil {
		req.Header = header.Clone()
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, core.NewNetworkError(pathAndQuery, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewNetworkError(pathAndQuery, err)
	}
	return &storedResponse{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (a *Agent) store(ctx context.Context, tier *cache.LevelDBTier, key string, resp *storedResponse, ttl time.Duration, tags []string) error {
	value, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return tier.Set(ctx, &cache.Entry{
		Key:      key,
		Value:    value,
		StoredAt: a.clock().UTC(),
		TTL:      ttl,
		Tags:     tags,
	})
}

// key hashes method plus full path and query into a fixed-size partition
// key.
func (a *Agent) key(method, pathAndQuery string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(method+" "+pathAndQuery))
}

func (a *Agent) upstreamURL(pathAndQuery string) string {
	return strings.TrimRight(a.upstream.String(), "/") + pathAndQuery
}

func (a *Agent) write(w http.ResponseWriter, r *http.Request, resp *storedResponse, status string) {
	copyHeader(w.Header(), resp.Header)
	w.Header().Set("X-Cache", status)
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

func (a *Agent) writeUnavailable(w http.ResponseWriter, r *http.Request) {
	gerr := core.NewUnavailableError(r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cacheBypass)
	w.WriteHeader(gerr.HTTPStatusCode())
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(gerr.ToJSON())
	}
}

func decodeResponse(entry *cache.Entry) (*storedResponse, error) {
	var stored storedResponse
	if err := json.Unmarshal(entry.Value, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// isNavigation treats explicit navigate fetches and plain browser page
// loads as navigations.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func requestPath(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return r.URL.Path + "?" + r.URL.RawQuery
	}
	return r.URL.Path
}

var defaultOfflinePage = []byte(`<!DOCTYPE html>
<html>
<head><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available right now. It will load once the connection returns.</p>
</body>
</html>
`)
