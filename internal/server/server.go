// Package server exposes the HTTP API: session management, ingestion
// (synchronous, async via the job queue, and raw text), query with
// optional SSE streaming, index health and admin operations.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/edupilot/edupilot/internal/config"
	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/index"
	"github.com/edupilot/edupilot/internal/ingest"
	"github.com/edupilot/edupilot/internal/jobs"
	"github.com/edupilot/edupilot/internal/query"
	"github.com/edupilot/edupilot/internal/ratelimit"
	"github.com/edupilot/edupilot/internal/rerank"
	"github.com/edupilot/edupilot/internal/session"
	"github.com/edupilot/edupilot/internal/store"
	"github.com/edupilot/edupilot/internal/stream"
	"github.com/edupilot/edupilot/internal/telemetry"
	"github.com/edupilot/edupilot/internal/upload"
)

// Deps carries everything the HTTP layer serves.
type Deps struct {
	Config       *config.Config
	Sessions     *session.Store
	Orchestrator *query.Orchestrator
	Bridge       *stream.Bridge
	Pipeline     *ingest.Pipeline
	Uploads      *upload.Store
	Queue        *jobs.Queue
	Limiter      *ratelimit.Limiter
	IngestLimit  *ratelimit.Limiter
	Metrics      *telemetry.Registry
	Index        *index.Hybrid
	Store        store.ChunkStore
	Rerank       *rerank.Client
	Logger       *slog.Logger
}

// Server is the HTTP front of EduPilot.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

// New builds the server with all routes and middleware registered.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, deps: deps, logger: deps.Logger, started: time.Now()}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if deps.Config.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(deps.Config.Server.BodyLimit))
	}
	e.Use(s.requestLogger())

	e.GET("/healthz", s.handleHealthz)

	v1 := e.Group("/v1")
	if !deps.Config.Auth.AllowAnonymous {
		v1.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey: []byte(deps.Config.Auth.JWTSecret),
			ErrorHandler: func(c echo.Context, err error) error {
				return apperr.New(apperr.KindAuth, "missing or invalid token")
			},
		}))
	}

	v1.POST("/session", s.handleCreateSession)
	v1.GET("/session/:id", s.handleGetSession)
	v1.PATCH("/session/:id", s.handlePatchSession)
	v1.DELETE("/session/:id", s.handleDeleteSession)
	v1.POST("/session/:id/slots", s.handleUpdateSlots)
	v1.GET("/slots", s.handleSlotCatalog)

	v1.POST("/query", s.handleQuery, s.rateLimit(deps.Limiter))

	v1.POST("/ingest", s.handleIngestText, s.rateLimit(deps.IngestLimit))
	v1.POST("/ingest-upload", s.handleIngestUpload, s.rateLimit(deps.IngestLimit))

	v1.POST("/uploads", s.handleUpload, s.rateLimit(deps.IngestLimit))
	v1.GET("/uploads/:id", s.handleGetUpload)

	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.POST("/jobs/:id/cancel", s.handleCancelJob)

	v1.GET("/documents", s.handleListDocuments)
	v1.DELETE("/documents/:id", s.handleDeleteDocument)
	v1.GET("/chunks/:id", s.handleGetChunk)

	v1.GET("/index/health", s.handleIndexHealth)
	v1.POST("/index/rebuild", s.handleIndexRebuild)

	v1.GET("/metrics", s.handleMetrics)
	v1.GET("/status", s.handleStatus)

	admin := v1.Group("/admin")
	admin.GET("/retrieval", s.handleGetRetrievalTuning)
	admin.PUT("/retrieval", s.handlePutRetrievalTuning)
	admin.GET("/prompts", s.handleGetPrompts)
	admin.PUT("/prompts", s.handlePutPrompts)
	admin.POST("/sessions/sweep", s.handleSweepSessions)
	admin.POST("/uploads/sweep", s.handleSweepUploads)
	admin.POST("/ratelimit/prune", s.handlePruneRateLimit)

	return s
}

// Start serves until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.deps.Config.Server.Port)
	s.logger.Info("server_listening", slog.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// errorHandler maps structured errors onto JSON responses.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		status := ae.HTTPStatus()
		if ae.Kind == apperr.KindRateLimit {
			if retry := ratelimit.RetryAfter(ae); retry > 0 {
				seconds := int(retry.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			}
		}
		body := map[string]any{
			"error": map[string]any{
				"code":    string(ae.Kind),
				"message": ae.Message,
			},
		}
		if len(ae.Details) > 0 {
			body["error"].(map[string]any)["details"] = ae.Details
		}
		if writeErr := c.JSON(status, body); writeErr != nil {
			s.logger.Error("error_response_failed", slog.String("error", writeErr.Error()))
		}
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprintf("%v", he.Message)
		_ = c.JSON(he.Code, map[string]any{
			"error": map[string]any{"code": "http", "message": msg},
		})
		return
	}

	s.logger.Error("unhandled_error", slog.String("error", err.Error()))
	_ = c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{"code": "internal", "message": "internal error"},
	})
}

// requestLogger records one structured line per request.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if c.Path() == "/healthz" {
				return err
			}
			s.logger.Info("http_request",
				slog.String("method", c.Request().Method),
				slog.String("path", c.Path()),
				slog.Int("status", c.Response().Status),
				slog.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
				slog.Duration("took", time.Since(start)))
			return err
		}
	}
}

// rateLimit admits requests per principal through the given limiter.
func (s *Server) rateLimit(limiter *ratelimit.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil {
				return next(c)
			}
			if err := limiter.Allow(principal(c)); err != nil {
				s.count("http_rate_limited")
				return err
			}
			return next(c)
		}
	}
}

func (s *Server) count(name string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Inc(name)
	}
}
