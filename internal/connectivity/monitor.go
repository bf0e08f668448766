// Package connectivity tracks whether the upstream is reachable. It is the
// single source of truth for "are we online", debounced against flapping
// links, and notifies subscribers only on confirmed transitions.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Defaults for the probe loop.
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultDebounce      = 2 * time.Second
	probeTimeout         = 5 * time.Second
)

// Config holds monitor configuration.
type Config struct {
	// ProbeURL is fetched periodically to decide reachability. Empty
	// disables the probe loop; state then changes only via Report.
	ProbeURL string

	// ProbeInterval is the time between probes (default 15s).
	ProbeInterval time.Duration

	// Debounce is how long a state change must hold before it is
	// committed and subscribers are notified. Zero commits immediately.
	Debounce time.Duration

	// Client is the HTTP client used for probes. Defaults to a client
	// with a short timeout.
	Client *http.Client

	// InitialOnline is the state assumed at startup before the first
	// probe result.
	InitialOnline bool
}

// Listener is invoked with the new state on each confirmed transition.
type Listener func(online bool)

// Monitor owns only its own boolean state. It never mutates cache or queue
// data; interested subsystems subscribe and react themselves.
type Monitor struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client

	mu        sync.Mutex
	online    bool
	pending   *time.Timer
	pendingTo bool
	listeners map[int]Listener
	nextID    int

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a Monitor. logger may be nil.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = DefaultDebounce
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return &Monitor{
		cfg:       cfg,
		log:       logger,
		client:    client,
		online:    cfg.InitialOnline,
		listeners: make(map[int]Listener),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the probe loop. Returns immediately; probing happens in
// the background until Close. A no-op when no ProbeURL is configured.
func (m *Monitor) Start(ctx context.Context) {
	if m.cfg.ProbeURL == "" {
		return
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	go m.probeLoop(ctx)
}

// Close stops the probe loop and cancels any pending debounce.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}

	m.mu.Lock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.mu.Unlock()
}

// Online returns the current confirmed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener for confirmed transitions and returns a
// function that removes it. Listeners are invoked synchronously with the
// committed state.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Report feeds a raw reachability observation into the debounce window.
// Rapid toggles inside the window are absorbed; only a state that holds
// for the full window is committed and broadcast.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()

	if online == m.online {
		// Back to the committed state: cancel any pending flip.
		if m.pending != nil {
			m.pending.Stop()
			m.pending = nil
		}
		m.mu.Unlock()
		return
	}

	if m.pending != nil && m.pendingTo == online {
		// Same flip already counting down.
		m.mu.Unlock()
		return
	}
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}

	if m.cfg.Debounce == 0 {
		m.commitLocked(online)
		return // commitLocked unlocks
	}

	m.pendingTo = online
	m.pending = time.AfterFunc(m.cfg.Debounce, func() {
		m.mu.Lock()
		if m.pending == nil || m.pendingTo != online {
			m.mu.Unlock()
			return
		}
		m.pending = nil
		m.commitLocked(online)
	})
	m.mu.Unlock()
}

// commitLocked commits the state and notifies listeners. The mutex must be
// held on entry; it is released before listeners run so a listener can call
// back into the monitor.
func (m *Monitor) commitLocked(online bool) {
	m.online = online
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.log.Info("connectivity transition", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.Report(m.probe(ctx))
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Report(m.probe(ctx))
		}
	}
}

// probe counts any HTTP response as reachable; only transport failures
// mean offline.
func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
