package server

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed dashboard.html
var dashboardHTML []byte

// RegisterDashboard mounts the operator status page at /dashboard. The
// page is a single embedded HTML file that polls the management API; it
// carries no state of its own.
func RegisterDashboard(e *echo.Echo) {
	e.GET("/dashboard", func(c echo.Context) error {
		return c.HTMLBlob(http.StatusOK, dashboardHTML)
	})
	e.GET("/dashboard/", func(c echo.Context) error {
		return c.Redirect(http.StatusMovedPermanently, "/dashboard")
	})
}
