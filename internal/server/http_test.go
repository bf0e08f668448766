package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	"syncgate/internal/agent"
	"syncgate/internal/cache"
	"syncgate/internal/connectivity"
	"syncgate/internal/drafts"
	"syncgate/internal/notify"
	"syncgate/internal/observability"
	"syncgate/internal/queue"
	"syncgate/internal/storage"
	"syncgate/internal/syncer"
)

// newTestServer wires a full server against the given upstream, with the
// connectivity monitor pinned to initialOnline.
func newTestServer(t *testing.T, upstream string, initialOnline bool, cfg *Config) *Server {
	t.Helper()

	mgr := cache.NewManager(cache.NewMemoryTier(0), cache.NewMemoryTier(0), nil)
	t.Cleanup(func() { mgr.Close() })

	store := queue.NewMemoryStore()
	monitor := connectivity.NewMonitor(connectivity.Config{InitialOnline: initialOnline, Debounce: 0}, nil)
	t.Cleanup(monitor.Close)

	coord := syncer.New(store, mgr, nil, monitor.Online, syncer.Config{MaxRetries: 2}, nil)

	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "syncgate.db")})
	if err != nil {
		t.Fatalf("sqlite storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	draftStore, err := drafts.NewStore(st.SQLiteDB(), 0, nil)
	if err != nil {
		t.Fatalf("draft store: %v", err)
	}

	ps, err := agent.NewPolicySet([]agent.RoutePolicy{
		{Pattern: `^/api/settings`, Strategy: agent.StrategyCacheFirst, TTL: time.Hour},
	}, nil, nil)
	if err != nil {
		t.Fatalf("policy set: %v", err)
	}
	ag, err := agent.New(agent.Config{DataDir: t.TempDir(), Upstream: upstream, Policies: ps}, nil)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	t.Cleanup(func() { ag.Close() })

	registry := prometheus.NewRegistry()
	if err := registry.Register(observability.NewCollector(mgr, store, monitor)); err != nil {
		t.Fatalf("register collector: %v", err)
	}

	handler := NewHandler(mgr, coord, monitor, draftStore, notify.NewCenter(0, nil), ag, upstream, nil)
	return New(handler, registry, cfg, nil)
}

func request(t *testing.T, srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, "http://upstream.local", true, nil)
	rec := request(t, srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestOfflineMutationLifecycle(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, false, nil)

	// Mutation while offline is queued, not applied.
	rec := request(t, srv, http.MethodPost, "/api/orders", `{"item":"widget"}`,
		map[string]string{"X-Action-Priority": "high"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("offline mutation = %d %s", rec.Code, rec.Body.String())
	}
	actionID := gjson.Get(rec.Body.String(), "action_id").String()
	if actionID == "" {
		t.Fatalf("no action_id in %s", rec.Body.String())
	}

	rec = request(t, srv, http.MethodGet, "/offline/status", "", nil)
	if got := gjson.Get(rec.Body.String(), "pending_actions").Int(); got != 1 {
		t.Fatalf("pending_actions = %d, want 1 (%s)", got, rec.Body.String())
	}
	if gjson.Get(rec.Body.String(), "online").Bool() {
		t.Fatal("status should report offline")
	}

	rec = request(t, srv, http.MethodGet, "/offline/actions", "", nil)
	if got := gjson.Get(rec.Body.String(), "actions.#").Int(); got != 1 {
		t.Fatalf("actions = %s", rec.Body.String())
	}

	// Manual sync drains the queue against the upstream.
	rec = request(t, srv, http.MethodPost, "/offline/sync", "", nil)
	if !gjson.Get(rec.Body.String(), "success").Bool() {
		t.Fatalf("sync = %s", rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "replayed").Int(); got != 1 {
		t.Fatalf("replayed = %d", got)
	}

	rec = request(t, srv, http.MethodGet, "/offline/status", "", nil)
	if got := gjson.Get(rec.Body.String(), "pending_actions").Int(); got != 0 {
		t.Fatalf("pending after sync = %d", got)
	}
	if gjson.Get(rec.Body.String(), "last_sync").String() == "" {
		t.Fatal("last_sync unset after sync")
	}
}

func TestAppliedMutationRelaysUpstreamResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":7}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, true, nil)
	rec := request(t, srv, http.MethodPost, "/api/orders", `{"item":"widget"}`, nil)
	if rec.Code != http.StatusCreated || rec.Body.String() != `{"id":7}` {
		t.Fatalf("applied mutation = %d %q", rec.Code, rec.Body.String())
	}
}

func TestProxyReadsGoThroughAgent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"theme":"dark"}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, true, nil)

	rec := request(t, srv, http.MethodGet, "/api/settings", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "miss" {
		t.Fatalf("first read = %d X-Cache=%s", rec.Code, rec.Header().Get("X-Cache"))
	}
	rec = request(t, srv, http.MethodGet, "/api/settings", "", nil)
	if rec.Header().Get("X-Cache") != "hit" {
		t.Fatalf("second read X-Cache=%s, want hit", rec.Header().Get("X-Cache"))
	}
}

func TestOfflineDataRoundTrip(t *testing.T) {
	srv := newTestServer(t, "http://upstream.local", true, nil)

	rec := request(t, srv, http.MethodPut, "/offline/data/profile", `{"value":{"name":"Ada"},"ttl":"1h","tags":["profile"]}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("store = %d %s", rec.Code, rec.Body.String())
	}

	rec = request(t, srv, http.MethodGet, "/offline/data/profile", "", nil)
	if rec.Code != http.StatusOK || gjson.Get(rec.Body.String(), "name").String() != "Ada" {
		t.Fatalf("get = %d %s", rec.Code, rec.Body.String())
	}

	rec = request(t, srv, http.MethodGet, "/offline/data/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing key = %d", rec.Code)
	}
}

func TestCacheManagementEndpoints(t *testing.T) {
	srv := newTestServer(t, "http://upstream.local", true, nil)

	request(t, srv, http.MethodPut, "/offline/data/a", `{"value":1,"tags":["t1"]}`, nil)
	request(t, srv, http.MethodPut, "/offline/data/b", `{"value":2,"tags":["t2"]}`, nil)

	rec := request(t, srv, http.MethodPost, "/cache/invalidate", `{"tags":["t1"]}`, nil)
	if rec.Code != http.StatusOK || gjson.Get(rec.Body.String(), "removed").Int() != 1 {
		t.Fatalf("invalidate = %d %s", rec.Code, rec.Body.String())
	}

	rec = request(t, srv, http.MethodGet, "/cache/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	if !gjson.Get(rec.Body.String(), "combined.hit_rate").Exists() {
		t.Fatalf("stats body = %s", rec.Body.String())
	}

	rec = request(t, srv, http.MethodPost, "/cache/clear", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", rec.Code)
	}
	rec = request(t, srv, http.MethodGet, "/cache/stats", "", nil)
	if gjson.Get(rec.Body.String(), "combined.size").Int() != 0 {
		t.Fatalf("stats after clear = %s", rec.Body.String())
	}

	rec = request(t, srv, http.MethodPost, "/cache/invalidate", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalidate without tags = %d", rec.Code)
	}
}

func TestDraftEndpoints(t *testing.T) {
	srv := newTestServer(t, "http://upstream.local", true, nil)

	rec := request(t, srv, http.MethodPost, "/drafts", `{"form_type":"intake","payload":{"name":"Ada"},"ttl":"1h"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save = %d %s", rec.Code, rec.Body.String())
	}
	id := gjson.Get(rec.Body.String(), "id").String()

	rec = request(t, srv, http.MethodGet, "/drafts/intake", "", nil)
	if got := gjson.Get(rec.Body.String(), "drafts.#").Int(); got != 1 {
		t.Fatalf("list = %s", rec.Body.String())
	}

	rec = request(t, srv, http.MethodDelete, "/drafts/"+id, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = request(t, srv, http.MethodDelete, "/drafts/"+id, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d", rec.Code)
	}

	rec = request(t, srv, http.MethodPost, "/drafts", `{"payload":{}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("save without form_type = %d", rec.Code)
	}
}

func TestPushAndNotifications(t *testing.T) {
	srv := newTestServer(t, "http://upstream.local", true, nil)

	rec := request(t, srv, http.MethodPost, "/push", `{"title":"Order shipped","url":"/orders/42"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("push = %d %s", rec.Code, rec.Body.String())
	}
	id := gjson.Get(rec.Body.String(), "id").String()

	rec = request(t, srv, http.MethodGet, "/notifications", "", nil)
	if got := gjson.Get(rec.Body.String(), "notifications.#").Int(); got != 1 {
		t.Fatalf("notifications = %s", rec.Body.String())
	}

	rec = request(t, srv, http.MethodPost, "/notifications/"+id+"/dismiss", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("dismiss = %d", rec.Code)
	}
	rec = request(t, srv, http.MethodGet, "/notifications", "", nil)
	if got := gjson.Get(rec.Body.String(), "notifications.#").Int(); got != 0 {
		t.Fatalf("notifications after dismiss = %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, "http://upstream.local", true, &Config{MetricsEnabled: true})
	rec := request(t, srv, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "syncgate_queue_pending_actions") {
		t.Fatal("metrics body missing queue gauge")
	}
}

func TestDashboard(t *testing.T) {
	srv := newTestServer(t, "http://upstream.local", true, nil)
	rec := request(t, srv, http.MethodGet, "/dashboard", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "syncgate status") {
		t.Fatalf("dashboard = %d", rec.Code)
	}
}
