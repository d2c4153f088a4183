package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehub/scribed/pkg/config"
	"github.com/scribehub/scribed/pkg/database"
	"github.com/scribehub/scribed/pkg/events"
	"github.com/scribehub/scribed/pkg/models"
	"github.com/scribehub/scribed/pkg/services"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	client := database.NewTestClient(t)
	jobs := services.NewJobService(client)
	submissions := services.NewSubmissionService(client)
	chunks := services.NewChunkService(client)

	cfg := config.Default()
	cfg.UploadsDir = t.TempDir()

	return NewServer(cfg, client, submissions, jobs, chunks, events.NewBus(jobs, time.Second), nil, nil)
}

// wavHead is a minimal RIFF/WAVE prefix that passes the magic-byte sniff.
var wavHead = append([]byte("RIFF\x24\x00\x00\x00WAVE"), make([]byte, 32)...)

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestCreateSubmissionHandler(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartUpload(t, "meeting.wav", wavHead, nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.createSubmissionHandler(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp submissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Submission)
	assert.Equal(t, "meeting.wav", resp.Submission.OriginalFilename)
	assert.Equal(t, "audio/wav", resp.Submission.MimeType)

	require.NotNil(t, resp.Job, "autoProcess defaults on")
	assert.Equal(t, models.JobTranscribe, resp.Job.JobType)
	assert.Equal(t, models.JobPending, resp.Job.Status)
}

func TestCreateSubmissionHandler_AutoProcessOff(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartUpload(t, "raw.wav", wavHead, map[string]string{"autoProcess": "false"})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.createSubmissionHandler(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp submissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Job)
}

func TestCreateSubmissionHandler_UnsupportedFormat(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartUpload(t, "notes.txt", []byte("plain text, not audio"), nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.createSubmissionHandler(c)
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected echo.HTTPError")
	assert.Equal(t, http.StatusBadRequest, he.Code)
	assert.Contains(t, he.Message, "unsupported audio format")
}

func TestCreateSubmissionHandler_MissingFile(t *testing.T) {
	s := newTestServer(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.createSubmissionHandler(c)
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected echo.HTTPError")
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestListSubmissionsHandler_Validation(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name   string
		query  string
		errMsg string
	}{
		{name: "invalid minDuration", query: "minDuration=abc", errMsg: "invalid minDuration"},
		{name: "invalid maxDuration", query: "maxDuration=-", errMsg: "invalid maxDuration"},
		{name: "limit too high", query: "limit=500", errMsg: "invalid limit"},
		{name: "negative offset", query: "offset=-1", errMsg: "invalid offset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/submissions?"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := s.listSubmissionsHandler(c)
			require.Error(t, err)
			he, ok := err.(*echo.HTTPError)
			require.True(t, ok, "expected echo.HTTPError")
			assert.Equal(t, http.StatusBadRequest, he.Code)
			assert.Contains(t, he.Message, tt.errMsg)
		})
	}
}

func TestDeleteSubmissionHandler_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/submissions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetectAudioMime(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want string
	}{
		{name: "wav", head: []byte("RIFF\x00\x00\x00\x00WAVE"), want: "audio/wav"},
		{name: "flac", head: []byte("fLaC\x00\x00\x00\x22"), want: "audio/flac"},
		{name: "ogg", head: []byte("OggS\x00\x02\x00\x00"), want: "audio/ogg"},
		{name: "m4a", head: []byte("\x00\x00\x00\x20ftypM4A "), want: "audio/mp4"},
		{name: "mp3 id3", head: []byte("ID3\x04\x00\x00"), want: "audio/mpeg"},
		{name: "mp3 frame sync", head: []byte{0xFF, 0xFB, 0x90, 0x00}, want: "audio/mpeg"},
		{name: "riff but not wave", head: []byte("RIFF\x00\x00\x00\x00AVI "), want: ""},
		{name: "text", head: []byte("hello world!"), want: ""},
		{name: "empty", head: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectAudioMime(tt.head))
		})
	}
}
