package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBodySizeLimit caps request bodies at 10MB.
const DefaultBodySizeLimit int64 = 10 * 1024 * 1024

// Server wraps the Echo server.
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options.
type Config struct {
	MasterKey       string // Optional: master key protecting the management API
	MetricsEnabled  bool   // Whether to expose the Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for the metrics endpoint (default: /metrics)
	BodySizeLimit   int64  // Max request body size in bytes (default: 10MB)
}

// New creates the HTTP server: management API plus the proxy path that
// funnels everything else through the interception agent.
func New(handler *Handler, registry *prometheus.Registry, cfg *Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Paths that skip authentication. The proxy path stays open too: the
	// upstream enforces its own auth on forwarded requests.
	authSkipPaths := []string{"/health", "/offline/page"}

	metricsPath := "/metrics"
	if cfg != nil && cfg.MetricsEnabled {
		if cfg.MetricsEndpoint != "" {
			// Normalize path to prevent traversal
			metricsPath = path.Clean(cfg.MetricsEndpoint)
		}
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	// Global middleware stack (order matters)
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogMethod: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	bodySizeLimit := DefaultBodySizeLimit
	if cfg != nil && cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	if cfg != nil && cfg.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.MasterKey, authSkipPaths))
	}

	// Public routes
	e.GET("/health", handler.Health)
	if cfg != nil && cfg.MetricsEnabled {
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	// Offline layer management
	e.GET("/offline/status", handler.OfflineStatus)
	e.POST("/offline/sync", handler.SyncNow)
	e.GET("/offline/actions", handler.ListActions)
	e.GET("/offline/actions/parked", handler.ListParkedActions)
	e.DELETE("/offline/actions/:id", handler.DiscardAction)
	e.POST("/offline/clear", handler.ClearOfflineData)
	e.PUT("/offline/data/:key", handler.StoreOfflineData)
	e.GET("/offline/data/:key", handler.GetOfflineData)

	// Cache management
	e.GET("/cache/stats", handler.CacheStats)
	e.POST("/cache/invalidate", handler.InvalidateCache)
	e.POST("/cache/clear", handler.ClearCache)

	// Drafts
	e.POST("/drafts", handler.SaveDraft)
	e.GET("/drafts/:formType", handler.ListDrafts)
	e.DELETE("/drafts/:id", handler.DeleteDraft)

	// Push / notifications
	e.POST("/push", handler.ReceivePush)
	e.GET("/notifications", handler.ListNotifications)
	e.POST("/notifications/:id/dismiss", handler.DismissNotification)

	RegisterDashboard(e)

	// Everything else is proxy traffic: reads through the agent, writes
	// through the apply-or-queue wrapper.
	e.Any("/*", handler.Proxy)

	return &Server{echo: e, handler: handler}
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler, allowing Server to be used with
// httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
