// Package server provides the HTTP surface of the offline layer: the
// management API, the metrics endpoint, and the proxy path in front of the
// upstream.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"syncgate/internal/cache"
	"syncgate/internal/connectivity"
	"syncgate/internal/core"
	"syncgate/internal/drafts"
	"syncgate/internal/notify"
	"syncgate/internal/queue"
	"syncgate/internal/syncer"
)

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	cache    *cache.Manager
	sync     *syncer.Coordinator
	monitor  *connectivity.Monitor
	drafts   *drafts.Store
	notify   *notify.Center
	agent    http.Handler
	upstream string
	log      *slog.Logger
}

// NewHandler creates a handler. upstream is the base URL mutations are
// addressed to.
func NewHandler(
	c *cache.Manager,
	sync *syncer.Coordinator,
	monitor *connectivity.Monitor,
	draftStore *drafts.Store,
	center *notify.Center,
	agent http.Handler,
	upstream string,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cache:    c,
		sync:     sync,
		monitor:  monitor,
		drafts:   draftStore,
		notify:   center,
		agent:    agent,
		upstream: strings.TrimRight(upstream, "/"),
		log:      logger,
	}
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// OfflineStatus handles GET /offline/status.
func (h *Handler) OfflineStatus(c echo.Context) error {
	status := h.sync.Status(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"online":           h.monitor.Online(),
		"pending_actions":  status.PendingActions,
		"parked_actions":   status.ParkedActions,
		"sync_in_progress": status.SyncInProgress,
		"last_sync":        status.LastSync,
	})
}

// SyncNow handles POST /offline/sync, the manual drain trigger.
func (h *Handler) SyncNow(c echo.Context) error {
	result := h.sync.Sync(c.Request().Context())
	return c.JSON(http.StatusOK, result)
}

// ListActions handles GET /offline/actions.
func (h *Handler) ListActions(c echo.Context) error {
	actions, err := h.sync.Pending(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"actions": actions})
}

// ListParkedActions handles GET /offline/actions/parked.
func (h *Handler) ListParkedActions(c echo.Context) error {
	actions, err := h.sync.Parked(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"actions": actions})
}

// DiscardAction handles DELETE /offline/actions/:id.
func (h *Handler) DiscardAction(c echo.Context) error {
	err := h.sync.Discard(c.Request().Context(), c.Param("id"))
	if errors.Is(err, queue.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "action not found"})
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ClearOfflineData handles POST /offline/clear. Irreversible.
func (h *Handler) ClearOfflineData(c echo.Context) error {
	if err := h.sync.ClearOfflineData(c.Request().Context()); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// storeDataRequest is the body of PUT /offline/data/:key.
type storeDataRequest struct {
	Value json.RawMessage `json:"value"`
	TTL   string          `json:"ttl,omitempty"`
	Tags  []string        `json:"tags,omitempty"`
}

// StoreOfflineData handles PUT /offline/data/:key.
func (h *Handler) StoreOfflineData(c echo.Context) error {
	var req storeDataRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if len(req.Value) == 0 {
		return handleError(c, core.NewInvalidRequestError("value is required", nil))
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil {
			return handleError(c, core.NewInvalidRequestError("invalid ttl: "+req.TTL, err))
		}
	}

	key := c.Param("key")
	if err := h.cache.Set(c.Request().Context(), key, req.Value, cache.Options{TTL: ttl, Tags: req.Tags}); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetOfflineData handles GET /offline/data/:key.
func (h *Handler) GetOfflineData(c echo.Context) error {
	value, ok := h.cache.Get(c.Request().Context(), c.Param("key"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "key not found"})
	}
	return c.JSONBlob(http.StatusOK, value)
}

// CacheStats handles GET /cache/stats.
func (h *Handler) CacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.cache.Stats(c.Request().Context()))
}

// InvalidateCache handles POST /cache/invalidate.
func (h *Handler) InvalidateCache(c echo.Context) error {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if len(req.Tags) == 0 {
		return handleError(c, core.NewInvalidRequestError("tags are required", nil))
	}

	removed, err := h.cache.InvalidateByTags(c.Request().Context(), req.Tags)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

// ClearCache handles POST /cache/clear.
func (h *Handler) ClearCache(c echo.Context) error {
	if err := h.cache.Clear(c.Request().Context()); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// saveDraftRequest is the body of POST /drafts.
type saveDraftRequest struct {
	FormType string          `json:"form_type"`
	Payload  json.RawMessage `json:"payload"`
	TTL      string          `json:"ttl,omitempty"`
}

// SaveDraft handles POST /drafts.
func (h *Handler) SaveDraft(c echo.Context) error {
	var req saveDraftRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if req.FormType == "" {
		return handleError(c, core.NewInvalidRequestError("form_type is required", nil))
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil {
			return handleError(c, core.NewInvalidRequestError("invalid ttl: "+req.TTL, err))
		}
	}

	draft, err := h.drafts.Save(c.Request().Context(), req.FormType, req.Payload, ttl)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusCreated, draft)
}

// ListDrafts handles GET /drafts/:formType.
func (h *Handler) ListDrafts(c echo.Context) error {
	list, err := h.drafts.List(c.Request().Context(), c.Param("formType"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"drafts": list})
}

// DeleteDraft handles DELETE /drafts/:id.
func (h *Handler) DeleteDraft(c echo.Context) error {
	err := h.drafts.Delete(c.Request().Context(), c.Param("id"))
	if errors.Is(err, drafts.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "draft not found"})
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ReceivePush handles POST /push.
func (h *Handler) ReceivePush(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("failed to read push payload", err))
	}
	n, err := h.notify.Ingest(body)
	if err != nil {
		return handleError(c, core.NewInvalidRequestError(err.Error(), err))
	}
	return c.JSON(http.StatusCreated, n)
}

// ListNotifications handles GET /notifications.
func (h *Handler) ListNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"notifications": h.notify.List()})
}

// DismissNotification handles POST /notifications/:id/dismiss.
func (h *Handler) DismissNotification(c echo.Context) error {
	err := h.notify.Dismiss(c.Param("id"))
	if errors.Is(err, notify.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "notification not found"})
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Proxy is the catch-all. Reads go through the interception agent; writes
// go through the apply-or-queue wrapper and never fail with a raw network
// error.
func (h *Handler) Proxy(c echo.Context) error {
	r := c.Request()
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		h.agent.ServeHTTP(c.Response(), r)
		return nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("failed to read request body", err))
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	result, err := h.sync.PerformMutation(r.Context(), syncer.MutationRequest{
		Type:     actionType(r),
		URL:      h.upstream + requestPath(r),
		Method:   r.Method,
		Headers:  headers,
		Body:     body,
		Priority: queue.ParsePriority(r.Header.Get("X-Action-Priority")),
	})
	if err != nil {
		return handleError(c, err)
	}

	if result.Applied {
		return c.Blob(result.StatusCode, "application/json", result.Body)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"queued":    true,
		"action_id": result.QueuedID,
	})
}

// actionType labels a mutation for tag-based invalidation after replay.
// Callers may set it explicitly; otherwise the first path segment serves.
func actionType(r *http.Request) string {
	if t := r.Header.Get("X-Action-Type"); t != "" {
		return t
	}
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) > 1 && segments[0] == "api" {
		return segments[1]
	}
	return segments[0]
}

func requestPath(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return r.URL.Path + "?" + r.URL.RawQuery
	}
	return r.URL.Path
}

// handleError converts gateway errors to appropriate HTTP responses.
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
