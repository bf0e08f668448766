// Package observability exposes the runtime state of the offline layer as
// Prometheus metrics: cache accounting per tier, queue depth, and the
// confirmed connectivity state.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"syncgate/internal/cache"
	"syncgate/internal/queue"
)

const collectTimeout = 2 * time.Second

// OnlineSource reports the confirmed connectivity state.
type OnlineSource interface {
	Online() bool
}

// Collector snapshots the cache manager, queue store, and connectivity
// monitor on every scrape. It holds no counters of its own; all numbers
// come from the owning subsystems, so a scrape can never disagree with
// /offline/status or /cache/stats.
type Collector struct {
	cache  *cache.Manager
	store  queue.Store
	online OnlineSource

	hitsDesc    *prometheus.Desc
	missesDesc  *prometheus.Desc
	hitRateDesc *prometheus.Desc
	entriesDesc *prometheus.Desc
	pendingDesc *prometheus.Desc
	parkedDesc  *prometheus.Desc
	onlineDesc  *prometheus.Desc
}

// NewCollector creates a Collector. online may be nil.
func NewCollector(c *cache.Manager, store queue.Store, online OnlineSource) *Collector {
	return &Collector{
		cache:  c,
		store:  store,
		online: online,
		hitsDesc: prometheus.NewDesc(
			"syncgate_cache_hits_total", "Cache hits since start or last clear.",
			[]string{"tier"}, nil),
		missesDesc: prometheus.NewDesc(
			"syncgate_cache_misses_total", "Cache misses since start or last clear.",
			[]string{"tier"}, nil),
		hitRateDesc: prometheus.NewDesc(
			"syncgate_cache_hit_rate", "Live hit rate, hits/(hits+misses).",
			[]string{"tier"}, nil),
		entriesDesc: prometheus.NewDesc(
			"syncgate_cache_entries", "Entries currently stored.",
			[]string{"tier"}, nil),
		pendingDesc: prometheus.NewDesc(
			"syncgate_queue_pending_actions", "Actions waiting for replay.",
			nil, nil),
		parkedDesc: prometheus.NewDesc(
			"syncgate_queue_parked_actions", "Actions parked after exhausting retries.",
			nil, nil),
		onlineDesc: prometheus.NewDesc(
			"syncgate_online", "1 when the upstream is confirmed reachable.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hitsDesc
	ch <- c.missesDesc
	ch <- c.hitRateDesc
	ch <- c.entriesDesc
	ch <- c.pendingDesc
	ch <- c.parkedDesc
	ch <- c.onlineDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	stats := c.cache.Stats(ctx)
	for tier, ts := range map[string]cache.TierStats{
		"memory":     stats.Memory,
		"persistent": stats.Persistent,
		"combined":   stats.Combined,
	} {
		ch <- prometheus.MustNewConstMetric(c.hitsDesc, prometheus.CounterValue, float64(ts.Hits), tier)
		ch <- prometheus.MustNewConstMetric(c.missesDesc, prometheus.CounterValue, float64(ts.Misses), tier)
		ch <- prometheus.MustNewConstMetric(c.hitRateDesc, prometheus.GaugeValue, ts.HitRate, tier)
		ch <- prometheus.MustNewConstMetric(c.entriesDesc, prometheus.GaugeValue, float64(ts.Size), tier)
	}

	if pending, parked, err := c.store.Counts(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(pending))
		ch <- prometheus.MustNewConstMetric(c.parkedDesc, prometheus.GaugeValue, float64(parked))
	}

	if c.online != nil {
		v := 0.0
		if c.online.Online() {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.onlineDesc, prometheus.GaugeValue, v)
	}
}
