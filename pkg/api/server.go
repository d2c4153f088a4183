// Package api exposes the HTTP and WebSocket surface: submission uploads,
// job and session queries, queue statistics, health, the job event stream,
// and the broadcaster/viewer stream sockets.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/scribehub/scribed/pkg/config"
	"github.com/scribehub/scribed/pkg/database"
	"github.com/scribehub/scribed/pkg/events"
	"github.com/scribehub/scribed/pkg/queue"
	"github.com/scribehub/scribed/pkg/services"
	"github.com/scribehub/scribed/pkg/stream"
)

// Server is the HTTP server with all route handlers.
type Server struct {
	cfg         *config.Config
	dbClient    *database.Client
	submissions *services.SubmissionService
	jobs        *services.JobService
	chunks      *services.ChunkService
	bus         *events.Bus
	hub         *stream.Hub
	processor   *queue.Processor

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer creates the server and registers its routes.
func NewServer(cfg *config.Config, dbClient *database.Client, submissions *services.SubmissionService, jobs *services.JobService, chunks *services.ChunkService, bus *events.Bus, hub *stream.Hub, processor *queue.Processor) *Server {
	s := &Server{
		cfg:         cfg,
		dbClient:    dbClient,
		submissions: submissions,
		jobs:        jobs,
		chunks:      chunks,
		bus:         bus,
		hub:         hub,
		processor:   processor,
	}

	e := echo.New()
	e.Use(securityHeaders())
	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/health", s.healthHandler)

	apiGroup := e.Group("/api")
	apiGroup.POST("/submissions", s.createSubmissionHandler)
	apiGroup.GET("/submissions", s.listSubmissionsHandler)
	apiGroup.GET("/submissions/:id", s.getSubmissionHandler)
	apiGroup.DELETE("/submissions/:id", s.deleteSubmissionHandler)
	apiGroup.GET("/submissions/:id/jobs", s.listSubmissionJobsHandler)

	apiGroup.GET("/jobs", s.listJobsHandler)
	apiGroup.GET("/jobs/:id", s.getJobHandler)
	apiGroup.GET("/queue/status", s.queueStatusHandler)

	apiGroup.GET("/sessions", s.listSessionsHandler)
	apiGroup.GET("/sessions/:id", s.getSessionHandler)

	e.GET("/jobs/events", s.jobEventsHandler)
	e.GET("/stream/broadcast", s.broadcastHandler)
	e.GET("/stream/watch", s.watchHandler)
}

// Start listens on addr and blocks until the server closes.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
