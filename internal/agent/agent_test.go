package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestAgent(t *testing.T, upstream string, routes []RoutePolicy, precache []string) *Agent {
	t.Helper()
	ps, err := NewPolicySet(routes, nil, nil)
	if err != nil {
		t.Fatalf("policy set: %v", err)
	}
	a, err := New(Config{
		DataDir:  t.TempDir(),
		Upstream: upstream,
		Policies: ps,
		Precache: precache,
	}, nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func doGet(t *testing.T, a *Agent, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	return rec
}

func TestCacheFirstSettingsScenario(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"theme":"dark"}`))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, []RoutePolicy{
		{Pattern: `/api/settings`, Strategy: StrategyCacheFirst, TTL: time.Hour},
	}, nil)

	now := time.Now()
	a.clock = func() time.Time { return now }

	// First GET populates the cache from the network.
	rec := doGet(t, a, "/api/settings", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"theme":"dark"}` {
		t.Fatalf("first get = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Cache") != "miss" || calls.Load() != 1 {
		t.Fatalf("first get: X-Cache=%s calls=%d", rec.Header().Get("X-Cache"), calls.Load())
	}

	// Second GET within the hour is served without a network call.
	now = now.Add(30 * time.Minute)
	rec = doGet(t, a, "/api/settings", nil)
	if rec.Body.String() != `{"theme":"dark"}` || rec.Header().Get("X-Cache") != "hit" {
		t.Fatalf("second get = %q X-Cache=%s", rec.Body.String(), rec.Header().Get("X-Cache"))
	}
	if calls.Load() != 1 {
		t.Fatalf("second get made a network call (calls=%d)", calls.Load())
	}

	// One millisecond past the TTL, the cache falls through to network.
	now = now.Add(30*time.Minute + time.Millisecond)
	rec = doGet(t, a, "/api/settings", nil)
	if rec.Header().Get("X-Cache") != "miss" || calls.Load() != 2 {
		t.Fatalf("expired get: X-Cache=%s calls=%d", rec.Header().Get("X-Cache"), calls.Load())
	}
}

func TestCacheFirstStaleFallback(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, []RoutePolicy{
		{Pattern: `/api/items`, Strategy: StrategyCacheFirst, TTL: time.Minute},
	}, nil)

	now := time.Now()
	a.clock = func() time.Time { return now }

	doGet(t, a, "/api/items", nil)

	// Entry expired and the upstream is failing: stale copy is served.
	now = now.Add(2 * time.Minute)
	fail.Store(true)
	rec := doGet(t, a, "/api/items", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"v":1}` {
		t.Fatalf("stale fallback = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Cache") != "stale" {
		t.Fatalf("X-Cache = %s, want stale", rec.Header().Get("X-Cache"))
	}
}

func TestCacheFirstNothingAnywhere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, []RoutePolicy{
		{Pattern: `/api/`, Strategy: StrategyCacheFirst, TTL: time.Minute},
	}, nil)

	rec := doGet(t, a, "/api/empty", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("synthetic 503 content type = %s", ct)
	}
}

func TestNetworkFirst(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"n":1}`))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, []RoutePolicy{
		{Pattern: `/api/feed`, Strategy: StrategyNetworkFirst, TTL: time.Minute},
	}, nil)

	now := time.Now()
	a.clock = func() time.Time { return now }

	// Network wins even when a fresh copy is cached.
	doGet(t, a, "/api/feed", nil)
	rec := doGet(t, a, "/api/feed", nil)
	if calls.Load() != 2 || rec.Header().Get("X-Cache") != "miss" {
		t.Fatalf("network-first reused cache: calls=%d X-Cache=%s", calls.Load(), rec.Header().Get("X-Cache"))
	}

	// Upstream down, entry still fresh: cache fallback.
	fail.Store(true)
	rec = doGet(t, a, "/api/feed", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "hit" {
		t.Fatalf("fresh fallback = %d X-Cache=%s", rec.Code, rec.Header().Get("X-Cache"))
	}

	// Upstream down and entry expired: synthetic 503, no stale serve.
	now = now.Add(2 * time.Minute)
	rec = doGet(t, a, "/api/feed", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expired network-first = %d, want 503", rec.Code)
	}
}

func TestUnmatchedRouteIsPassthrough(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, []RoutePolicy{
		{Pattern: `/api/settings`, Strategy: StrategyCacheFirst, TTL: time.Hour},
	}, nil)

	doGet(t, a, "/api/unmatched", nil)
	rec := doGet(t, a, "/api/unmatched", nil)
	if calls.Load() != 2 {
		t.Fatalf("passthrough cached: calls = %d, want 2", calls.Load())
	}
	if rec.Header().Get("X-Cache") != "bypass" {
		t.Fatalf("X-Cache = %s, want bypass", rec.Header().Get("X-Cache"))
	}
}

func TestStaticServedFromCacheWithBackgroundRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("body{}"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, nil, nil)

	rec := doGet(t, a, "/assets/app.css", nil)
	if rec.Header().Get("X-Cache") != "miss" || calls.Load() != 1 {
		t.Fatalf("first static get: X-Cache=%s calls=%d", rec.Header().Get("X-Cache"), calls.Load())
	}

	// Cached copy is served immediately; the refresh happens off-path.
	rec = doGet(t, a, "/assets/app.css", nil)
	if rec.Header().Get("X-Cache") != "hit" || rec.Body.String() != "body{}" {
		t.Fatalf("second static get: X-Cache=%s body=%q", rec.Header().Get("X-Cache"), rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("background refresh never hit the upstream")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNavigationOfflinePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, nil, nil)

	rec := doGet(t, a, "/dashboard", map[string]string{"Sec-Fetch-Mode": "navigate"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("offline page content type = %s", ct)
	}
}

func TestNavigationCacheFallback(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>home</html>"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, nil, nil)

	doGet(t, a, "/home", map[string]string{"Accept": "text/html"})
	fail.Store(true)
	rec := doGet(t, a, "/home", map[string]string{"Accept": "text/html"})
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>home</html>" {
		t.Fatalf("navigation fallback = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Cache") != "stale" {
		t.Fatalf("X-Cache = %s, want stale", rec.Header().Get("X-Cache"))
	}
}

func TestInstallFailsLoudly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/assets/missing.js" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("asset"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, nil, []string{"/assets/app.js", "/assets/missing.js"})
	if err := a.Install(context.Background()); err == nil {
		t.Fatal("install with a failing asset should error")
	}
}

func TestInstallPrecachesManifest(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("precached"))
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL, nil, []string{"/assets/app.js"})
	if err := a.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	// Precached asset is served even though the upstream is now down.
	fail.Store(true)
	rec := doGet(t, a, "/assets/app.js", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "precached" {
		t.Fatalf("precached get = %d %q", rec.Code, rec.Body.String())
	}
}

func TestActivateDropsStalePartitions(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"static-v0", "dynamic-v0", "drafts"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}

	ps, err := NewPolicySet(nil, nil, nil)
	if err != nil {
		t.Fatalf("policy set: %v", err)
	}
	a, err := New(Config{DataDir: dir, Upstream: "http://upstream.local", Policies: ps, Generation: 1}, nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	defer a.Close()

	if err := a.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	for _, gone := range []string{"static-v0", "dynamic-v0"} {
		if _, err := os.Stat(filepath.Join(dir, gone)); !os.IsNotExist(err) {
			t.Errorf("stale partition %s survived activate", gone)
		}
	}
	for _, kept := range []string{"static-v1", "dynamic-v1", "drafts"} {
		if _, err := os.Stat(filepath.Join(dir, kept)); err != nil {
			t.Errorf("partition %s should survive activate: %v", kept, err)
		}
	}
}
