package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/scribehub/scribed/pkg/models"
	"github.com/scribehub/scribed/pkg/services"
)

// submissionResponse wraps an upload result with the job it enqueued.
type submissionResponse struct {
	Submission *models.Submission `json:"submission"`
	Job        *models.Job        `json:"job,omitempty"`
}

// createSubmissionHandler handles POST /api/submissions: a multipart audio
// upload, optionally auto-enqueueing the transcribe → summarize pipeline.
func (s *Server) createSubmissionHandler(c *echo.Context) error {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.cfg.MaxUploadBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field is required")
	}
	if fh.Size > s.cfg.MaxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte upload limit", s.cfg.MaxUploadBytes))
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
	}
	defer src.Close()

	head := make([]byte, 12)
	n, _ := io.ReadFull(src, head)
	mimeType := detectAudioMime(head[:n])
	if mimeType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported audio format")
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to rewind upload")
	}

	displayName, err := s.submissions.GenerateUniqueDisplayName(c.Request().Context(), fh.Filename)
	if err != nil {
		return mapServiceError(err)
	}

	if err := os.MkdirAll(s.cfg.UploadsDir, 0o755); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to prepare uploads directory")
	}
	storedName := uuid.New().String() + filepath.Ext(fh.Filename)
	storedPath := filepath.Join(s.cfg.UploadsDir, storedName)

	dst, err := os.Create(storedPath)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store upload")
	}
	written, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(storedPath)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store upload")
	}

	autoProcess := c.FormValue("autoProcess") != "false"

	sub, job, err := s.submissions.Create(c.Request().Context(), services.CreateSubmissionParams{
		Filename:         storedName,
		OriginalFilename: displayName,
		FilePath:         &storedPath,
		MimeType:         mimeType,
		SizeBytes:        written,
		AutoProcess:      autoProcess,
		Provider:         "local",
	})
	if err != nil {
		os.Remove(storedPath)
		return mapServiceError(err)
	}

	if job != nil {
		s.bus.PublishJobCreated(job)
	}
	return c.JSON(http.StatusCreated, submissionResponse{Submission: sub, Job: job})
}

// listSubmissionsHandler handles GET /api/submissions with duration and
// pagination filters.
func (s *Server) listSubmissionsHandler(c *echo.Context) error {
	filter := services.ListFilter{Limit: 50}

	if v := c.QueryParam("minDuration"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid minDuration")
		}
		filter.MinDuration = &d
	}
	if v := c.QueryParam("maxDuration"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid maxDuration")
		}
		filter.MaxDuration = &d
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-200")
		}
		filter.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		filter.Offset = n
	}

	result, err := s.submissions.List(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// getSubmissionHandler handles GET /api/submissions/:id.
func (s *Server) getSubmissionHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "submission id is required")
	}

	sub, err := s.submissions.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

// deleteSubmissionHandler handles DELETE /api/submissions/:id: cascades to
// jobs, sessions, chunks, and the on-disk file.
func (s *Server) deleteSubmissionHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "submission id is required")
	}

	found, err := s.submissions.Delete(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// listSubmissionJobsHandler handles GET /api/submissions/:id/jobs.
func (s *Server) listSubmissionJobsHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "submission id is required")
	}

	if _, err := s.submissions.Get(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	jobs, err := s.jobs.ListBySubmission(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, jobs)
}

// detectAudioMime sniffs the upload's magic bytes. Returns "" for anything
// that is not a supported audio container.
func detectAudioMime(head []byte) string {
	switch {
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return "audio/wav"
	case len(head) >= 4 && bytes.Equal(head[0:4], []byte("fLaC")):
		return "audio/flac"
	case len(head) >= 4 && bytes.Equal(head[0:4], []byte("OggS")):
		return "audio/ogg"
	case len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")):
		return "audio/mp4"
	case len(head) >= 3 && bytes.Equal(head[0:3], []byte("ID3")):
		return "audio/mpeg"
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	}
	return ""
}
