// Package syncer drains the offline action queue against the network once
// connectivity returns, and owns the apply-or-queue decision for mutating
// requests.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"syncgate/internal/core"
	"syncgate/internal/queue"
)

// Defaults for the retry policy. The upstream behavior this replaces would
// retry failing actions indefinitely; a bound with a dead-letter set keeps
// a permanently rejected action from wedging the queue.
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 2 * time.Minute
)

// OfflineCache is the slice of the cache manager the coordinator needs:
// invalidating entries made stale by a replayed write, and wiping offline
// data on request.
type OfflineCache interface {
	InvalidateByTags(ctx context.Context, tags []string) (int, error)
	Clear(ctx context.Context) error
}

// Config holds coordinator configuration.
type Config struct {
	// MaxRetries is how many failed replays an action gets before it is
	// parked in the dead-letter set (default 5).
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the exponential backoff between
	// automatic drain attempts while failures persist.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Status is the derived sync state consumed by UI status badges. Safe to
// poll at high frequency; it reads two counters and a flag.
type Status struct {
	PendingActions int        `json:"pending_actions"`
	ParkedActions  int        `json:"parked_actions"`
	SyncInProgress bool       `json:"sync_in_progress"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
}

// ReplayError describes one action that failed to replay during a drain.
type ReplayError struct {
	ActionID string `json:"action_id"`
	URL      string `json:"url"`
	Error    string `json:"error"`
	Parked   bool   `json:"parked"`
}

// Result aggregates one drain pass. Success is false if any action failed
// to replay. Skipped means another drain was already in flight and this
// call was a no-op.
type Result struct {
	Skipped  bool          `json:"skipped"`
	Success  bool          `json:"success"`
	Replayed int           `json:"replayed"`
	Parked   int           `json:"parked"`
	Errors   []ReplayError `json:"errors,omitempty"`
}

// MutationRequest is a mutating call routed through the apply-or-queue
// wrapper.
type MutationRequest struct {
	Type     string
	URL      string
	Method   string
	Headers  map[string]string
	Body     []byte
	Priority queue.Priority
}

// MutationResult tells the caller whether the mutation was applied now or
// queued for later; callers distinguish the two by shape, not by error.
type MutationResult struct {
	Applied    bool   `json:"applied"`
	QueuedID   string `json:"queued_id,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       []byte `json:"body,omitempty"`
}

// Coordinator owns the QueuedAction lifecycle. All replays go through the
// single coordinator instance; the syncing flag guards against concurrent
// drains, which would otherwise interleave across suspension points.
type Coordinator struct {
	store  queue.Store
	cache  OfflineCache
	client *http.Client
	log    *slog.Logger
	cfg    Config

	// online reports the monitor's current state; nil means assume online.
	online func() bool

	syncing  atomic.Bool
	mu       sync.Mutex
	lastSync *time.Time
}

// New creates a Coordinator. cache and online may be nil; logger may be nil.
func New(store queue.Store, cache OfflineCache, client *http.Client, online func() bool, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Coordinator{
		store:  store,
		cache:  cache,
		client: client,
		log:    logger,
		cfg:    cfg,
		online: online,
	}
}

// Queue persists a new action durably and returns it immediately. It never
// attempts network delivery itself.
func (c *Coordinator) Queue(ctx context.Context, req MutationRequest) (*queue.Action, error) {
	if req.URL == "" || req.Method == "" {
		return nil, core.NewInvalidRequestError("url and method are required", nil)
	}
	action := &queue.Action{
		ID:         uuid.NewString(),
		Type:       req.Type,
		URL:        req.URL,
		Method:     req.Method,
		Headers:    req.Headers,
		Body:       req.Body,
		Priority:   req.Priority,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := c.store.Append(ctx, action); err != nil {
		return nil, fmt.Errorf("queue action: %w", err)
	}
	c.log.Info("action queued",
		"id", action.ID,
		"type", action.Type,
		"method", action.Method,
		"url", action.URL,
		"priority", action.Priority.String(),
	)
	return action, nil
}

// Sync drains the queue once: priority order, oldest first within equal
// priority. A second call while a drain is in flight is a silent no-op.
// One failing action does not abort the batch.
func (c *Coordinator) Sync(ctx context.Context) Result {
	if !c.syncing.CompareAndSwap(false, true) {
		return Result{Skipped: true, Success: true}
	}
	defer c.syncing.Store(false)

	actions, err := c.store.List(ctx)
	if err != nil {
		c.log.Error("list queued actions failed", "error", err)
		return Result{Errors: []ReplayError{{Error: err.Error()}}}
	}

	result := Result{}
	for _, action := range actions {
		if err := c.replay(ctx, action); err != nil {
			result.Errors = append(result.Errors, c.recordFailure(ctx, action, err))
			continue
		}

		if err := c.store.Remove(ctx, action.ID); err != nil {
			c.log.Error("remove replayed action failed", "id", action.ID, "error", err)
			result.Errors = append(result.Errors, ReplayError{ActionID: action.ID, URL: action.URL, Error: err.Error()})
			continue
		}
		result.Replayed++

		// The write just landed upstream; cached reads labeled with the
		// action type are stale now.
		if c.cache != nil && action.Type != "" {
			if _, err := c.cache.InvalidateByTags(ctx, []string{action.Type}); err != nil {
				c.log.Warn("post-replay invalidation failed", "type", action.Type, "error", err)
			}
		}
	}

	for _, e := range result.Errors {
		if e.Parked {
			result.Parked++
		}
	}
	result.Success = len(result.Errors) == 0

	now := time.Now().UTC()
	c.mu.Lock()
	c.lastSync = &now
	c.mu.Unlock()

	c.log.Info("sync pass finished",
		"replayed", result.Replayed,
		"failed", len(result.Errors),
		"parked", result.Parked,
	)
	return result
}

// SyncOnReconnect runs drain passes with exponential backoff until the
// queue is empty, a pass fully succeeds, connectivity drops again, or ctx
// is canceled. Wired to the connectivity monitor's online transition.
func (c *Coordinator) SyncOnReconnect(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		result := c.Sync(ctx)
		if result.Skipped || result.Success {
			return
		}
		pending, _, err := c.store.Counts(ctx)
		if err != nil || pending == 0 {
			return
		}
		if c.online != nil && !c.online() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// Status returns the derived sync state.
func (c *Coordinator) Status(ctx context.Context) Status {
	pending, parked, err := c.store.Counts(ctx)
	if err != nil {
		c.log.Warn("queue counts failed", "error", err)
	}

	c.mu.Lock()
	last := c.lastSync
	c.mu.Unlock()

	return Status{
		PendingActions: pending,
		ParkedActions:  parked,
		SyncInProgress: c.syncing.Load(),
		LastSync:       last,
	}
}

// Pending returns the queued actions in drain order.
func (c *Coordinator) Pending(ctx context.Context) ([]*queue.Action, error) {
	return c.store.List(ctx)
}

// Parked returns the dead-lettered actions for operator inspection.
func (c *Coordinator) Parked(ctx context.Context) ([]*queue.Action, error) {
	return c.store.Parked(ctx)
}

// Discard removes a single action, pending or parked.
func (c *Coordinator) Discard(ctx context.Context, id string) error {
	return c.store.Remove(ctx, id)
}

// ClearOfflineData wipes the entire queue, the dead-letter set, and all
// offline-cached read data. Irreversible.
func (c *Coordinator) ClearOfflineData(ctx context.Context) error {
	errs := []error{c.store.Clear(ctx)}
	if c.cache != nil {
		errs = append(errs, c.cache.Clear(ctx))
	}
	return errors.Join(errs...)
}

// PerformMutation centralizes the apply-or-queue decision: attempt the
// mutating call directly and, on any failure, buffer it for replay instead
// of propagating the error. Callers tell the outcomes apart by the result
// shape.
func (c *Coordinator) PerformMutation(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	if c.online == nil || c.online() {
		status, body, err := c.send(ctx, req.Method, req.URL, req.Headers, req.Body)
		if err == nil && status >= 200 && status < 300 {
			return &MutationResult{Applied: true, StatusCode: status, Body: body}, nil
		}
		if err != nil {
			c.log.Warn("mutation failed, queueing", "url", req.URL, "error", err)
		} else {
			c.log.Warn("mutation rejected, queueing", "url", req.URL, "status", status)
		}
	}

	action, err := c.Queue(ctx, req)
	if err != nil {
		return nil, err
	}
	return &MutationResult{Applied: false, QueuedID: action.ID}, nil
}

// replay re-issues the exact method/url/headers/body of a queued action.
func (c *Coordinator) replay(ctx context.Context, action *queue.Action) error {
	status, _, err := c.send(ctx, action.Method, action.URL, action.Headers, action.Body)
	if err != nil {
		return core.NewNetworkError(action.URL, err)
	}
	if status < 200 || status >= 300 {
		return core.NewReplayError(action.ID, status)
	}
	return nil
}

func (c *Coordinator) send(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, nil // status is enough for queue decisions
	}
	return resp.StatusCode, respBody, nil
}

// recordFailure bumps the retry counter and parks the action once it
// exceeds the retry budget.
func (c *Coordinator) recordFailure(ctx context.Context, action *queue.Action, cause error) ReplayError {
	re := ReplayError{ActionID: action.ID, URL: action.URL, Error: cause.Error()}

	count, err := c.store.BumpRetry(ctx, action.ID)
	if err != nil {
		c.log.Error("bump retry failed", "id", action.ID, "error", err)
		return re
	}
	c.log.Warn("action replay failed", "id", action.ID, "retry_count", count, "error", cause)

	if count >= c.cfg.MaxRetries {
		if err := c.store.Park(ctx, action.ID); err != nil {
			c.log.Error("park action failed", "id", action.ID, "error", err)
			return re
		}
		re.Parked = true
		c.log.Warn("action parked after exhausting retries", "id", action.ID, "retries", count)
	}
	return re
}
