package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/scribehub/scribed/pkg/database"
)

// healthHandler handles GET /health: database reachability plus worker and
// hub state.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.dbClient.SQLDB())
	body := map[string]any{
		"status":      "healthy",
		"database":    dbHealth,
		"worker":      s.processor.State().String(),
		"viewerCount": s.hub.ViewerCount(),
		"subscribers": s.bus.SubscriberCount(),
	}
	if err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}
