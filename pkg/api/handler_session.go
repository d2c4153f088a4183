package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/scribehub/scribed/pkg/models"
)

// sessionDetail is a session with its chunks and their analysis results.
type sessionDetail struct {
	Session *models.StreamSession      `json:"session"`
	Chunks  []models.ChunkWithAnalysis `json:"chunks"`
}

// listSessionsHandler handles GET /api/sessions, newest first.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	sessions, err := s.chunks.ListSessions(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// getSessionHandler handles GET /api/sessions/:id with the chunk timeline.
func (s *Server) getSessionHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	session, err := s.chunks.GetSession(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	rows, err := s.chunks.ChunksForSessionWithAnalysis(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sessionDetail{Session: session, Chunks: rows})
}
