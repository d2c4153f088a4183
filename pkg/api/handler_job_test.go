package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehub/scribed/pkg/models"
)

func TestGetJobHandler(t *testing.T) {
	s := newTestServer(t)

	job, err := s.jobs.CreateTranscribe(context.Background(), "/audio/a.wav", nil, nil, "local")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/jobs/%d", job.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobTranscribe, got.JobType)

	t.Run("unknown id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/9999", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("non-numeric id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListJobsHandler_InvalidLimit(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs?limit=0", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.listJobsHandler(c)
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected echo.HTTPError")
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestQueueStatusHandler(t *testing.T) {
	s := newTestServer(t)

	_, err := s.jobs.CreateTranscribe(context.Background(), "/audio/a.wav", nil, nil, "local")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status models.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.EqualValues(t, 1, status.Total)
	assert.EqualValues(t, 1, status.Pending)
}
