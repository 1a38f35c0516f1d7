package gatewayhttp

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// getHealthz always returns 200 once the process is serving; it does
// not reflect worker-pool health.
func (s *Server) getHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// getReadyz reflects Pool.Healthy(): a pool that has been shut down,
// or whose outstanding work has reached 90% of maxQueueSize, fails
// readiness so a load balancer stops routing new traffic here.
func (s *Server) getReadyz(c echo.Context) error {
	if !s.pool.Healthy() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
