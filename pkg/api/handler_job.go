package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// listJobsHandler handles GET /api/jobs?limit=n, newest first.
func (s *Server) listJobsHandler(c *echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-200")
		}
		limit = n
	}

	jobs, err := s.jobs.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, jobs)
}

// getJobHandler handles GET /api/jobs/:id.
func (s *Server) getJobHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}

	job, err := s.jobs.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// queueStatusHandler handles GET /api/queue/status.
func (s *Server) queueStatusHandler(c *echo.Context) error {
	status, err := s.jobs.QueueStatus(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, status)
}
