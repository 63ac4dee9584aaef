package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/jobs"
	"github.com/edupilot/edupilot/internal/query"
	"github.com/edupilot/edupilot/internal/session"
	"github.com/edupilot/edupilot/internal/telemetry"
	"github.com/edupilot/edupilot/internal/upload"
)

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// --- sessions ---

func (s *Server) handleCreateSession(c echo.Context) error {
	var req struct {
		Language string `json:"language"`
	}
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	if req.Language == "" {
		req.Language = "en"
	}

	sess, err := s.deps.Sessions.Create(subject(c), req.Language)
	if err != nil {
		return err
	}
	s.count("sessions_created")
	return c.JSON(http.StatusCreated, sess)
}

// authorizeSessionWrite enforces ownership: a session created by an
// authenticated user may only be mutated by that user. Anonymous
// sessions carry no owner and stay open.
func (s *Server) authorizeSessionWrite(c echo.Context, id string) error {
	sess, err := s.deps.Sessions.Get(id)
	if err != nil {
		return err
	}
	if sess.UserID != "" && sess.UserID != subject(c) {
		return apperr.New(apperr.KindAuth, "session belongs to another user")
	}
	return nil
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.deps.Sessions.Get(c.Param("id"))
	if err != nil {
		return err
	}
	// The owner reads their own sessions; admins may read any.
	if sess.UserID != "" && sess.UserID != subject(c) && !isAdmin(c) {
		return apperr.New(apperr.KindAuth, "session belongs to another user")
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if err := s.authorizeSessionWrite(c, c.Param("id")); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			// Deleting an unknown session stays a no-op.
			return c.NoContent(http.StatusNoContent)
		}
		return err
	}
	if err := s.deps.Sessions.Delete(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUpdateSlots(c echo.Context) error {
	var req struct {
		Set   map[string]string `json:"set"`
		Reset []string          `json:"reset"`
	}
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}

	if err := s.authorizeSessionWrite(c, c.Param("id")); err != nil {
		return err
	}
	sess, slotErrors, err := s.deps.Sessions.UpdateSlots(c.Param("id"), req.Set, req.Reset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session":       sess,
		"slot_errors":   slotErrors,
		"missing_slots": session.MissingRequired(sess.Slots),
	})
}

func (s *Server) handlePatchSession(c echo.Context) error {
	var req struct {
		Title    *string `json:"title"`
		Pinned   *bool   `json:"pinned"`
		Archived *bool   `json:"archived"`
	}
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}

	if err := s.authorizeSessionWrite(c, c.Param("id")); err != nil {
		return err
	}
	sess, err := s.deps.Sessions.UpdateSettings(c.Param("id"), req.Title, req.Pinned, req.Archived)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSlotCatalog(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"slots":    session.Catalog(),
		"required": session.RequiredSlots(),
	})
}

// --- query ---

func (s *Server) handleQuery(c echo.Context) error {
	var req query.Request
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}

	if req.SessionID != "" {
		if err := s.authorizeSessionWrite(c, req.SessionID); err != nil && apperr.IsKind(err, apperr.KindAuth) {
			return err
		}
	}

	wantStream := c.QueryParam("stream") == "1" || c.QueryParam("stream") == "true"
	if !wantStream {
		resp, err := s.deps.Orchestrator.Execute(c.Request().Context(), req, query.Events{})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, resp)
	}

	if !strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream") {
		return apperr.Validation("streaming requires Accept: text/event-stream")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flush := func() { c.Response().Flush() }
	_, err := s.deps.Bridge.Stream(c.Request().Context(), c.Response(), flush, req)
	return err
}

// --- ingestion ---

func (s *Server) handleIngestText(c echo.Context) error {
	var req struct {
		Filename      string `json:"filename"`
		MimeType      string `json:"mime_type"`
		Text          string `json:"text"`
		ContentBase64 string `json:"content_base64"`
		Source        string `json:"source"`
	}
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}

	var data []byte
	switch {
	case req.Text != "":
		data = []byte(req.Text)
		if req.MimeType == "" {
			req.MimeType = "text/plain"
		}
	case req.ContentBase64 != "":
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			return apperr.Validation("content_base64 is not valid base64")
		}
		data = decoded
	default:
		return apperr.Validation("either text or content_base64 is required")
	}

	if req.Source == "" {
		req.Source = "api"
	}
	doc, err := s.deps.Pipeline.IngestBytes(c.Request().Context(), data, req.Filename, req.MimeType, req.Source)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, doc)
}

func (s *Server) handleIngestUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return apperr.Validation("multipart field \"file\" is required")
	}

	src, err := file.Open()
	if err != nil {
		return apperr.Internal("open upload", err)
	}
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(src)
	if err != nil {
		return apperr.Internal("read upload", err)
	}

	purpose := upload.Purpose(c.FormValue("purpose"))
	if purpose == "" {
		purpose = upload.PurposeRAG
	}
	meta, err := s.deps.Uploads.Put(data, file.Filename, file.Header.Get("Content-Type"), purpose)
	if err != nil {
		return err
	}

	async := c.QueryParam("async") == "1" || c.QueryParam("async") == "true"
	if async {
		job, err := s.deps.Queue.Enqueue("upload", meta.ID, meta.Filename, meta.MimeType)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, map[string]any{
			"upload": meta,
			"job":    job,
		})
	}

	doc, err := s.deps.Pipeline.IngestBytes(c.Request().Context(), data, meta.Filename, meta.MimeType, "upload")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"upload":   meta,
		"document": doc,
	})
}

// handleUpload stores bytes without touching the knowledge base; chat
// uploads are attached to query turns by ID.
func (s *Server) handleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return apperr.Validation("multipart field \"file\" is required")
	}

	src, err := file.Open()
	if err != nil {
		return apperr.Internal("open upload", err)
	}
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(src)
	if err != nil {
		return apperr.Internal("read upload", err)
	}

	purpose := upload.Purpose(c.FormValue("purpose"))
	if purpose == "" {
		purpose = upload.PurposeChat
	}
	meta, err := s.deps.Uploads.Put(data, file.Filename, file.Header.Get("Content-Type"), purpose)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, meta)
}

func (s *Server) handleGetUpload(c echo.Context) error {
	meta, err := s.deps.Uploads.Stat(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meta)
}

// --- jobs ---

func (s *Server) handleListJobs(c echo.Context) error {
	var states []jobs.State
	if raw := c.QueryParam("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			states = append(states, jobs.State(strings.TrimSpace(part)))
		}
	}
	list, err := s.deps.Queue.List(states...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(c echo.Context) error {
	job, err := s.deps.Queue.Get(c.Param("id"))
	if err != nil {
		return err
	}
	trail, err := s.deps.Queue.AuditTrail(job.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"job": job, "audit": trail})
}

func (s *Server) handleCancelJob(c echo.Context) error {
	if err := s.deps.Queue.Cancel(c.Param("id")); err != nil {
		return err
	}
	job, err := s.deps.Queue.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// --- documents and chunks ---

func (s *Server) handleListDocuments(c echo.Context) error {
	docs, err := s.deps.Store.ListDocuments(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	if err := s.deps.Pipeline.DeleteDocument(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleGetChunk returns one chunk; with ?q= the response also carries
// the [start,end) rune spans where the query terms match the chunk text.
func (s *Server) handleGetChunk(c echo.Context) error {
	ck, err := s.deps.Store.GetChunk(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	var spans [][2]int
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		spans = query.HighlightSpans(q, ck.Text)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"chunk":      ck,
		"highlights": spans,
	})
}

// --- index ---

func (s *Server) handleIndexHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Index.Health())
}

func (s *Server) handleIndexRebuild(c echo.Context) error {
	start := time.Now()
	if err := s.deps.Pipeline.RebuildIndex(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"health":      s.deps.Index.Health(),
		"took_millis": time.Since(start).Milliseconds(),
	})
}

// --- observability ---

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Metrics.RecordSnapshot())
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	storeHealthy := s.deps.Store.Health(ctx) == nil
	health := s.deps.Index.Health()

	breaker := "closed"
	if s.deps.Rerank != nil {
		breaker = s.deps.Rerank.BreakerState()
	}

	level := telemetry.Status(telemetry.StatusInput{
		IndexReady:    health.Ready,
		IndexDegraded: health.Degraded,
		StoreHealthy:  storeHealthy,
		CircuitState:  breaker,
	})

	return c.JSON(http.StatusOK, map[string]any{
		"status":         level,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"store_healthy":  storeHealthy,
		"index":          health,
		"rerank_breaker": breaker,
		"sessions":       s.deps.Sessions.Count(),
	})
}

// --- admin ---

func (s *Server) handleGetRetrievalTuning(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Orchestrator.Tuning())
}

func (s *Server) handlePutRetrievalTuning(c echo.Context) error {
	var t query.Tuning
	if err := c.Bind(&t); err != nil {
		return apperr.Validation("malformed request body")
	}
	applied, err := s.deps.Orchestrator.SetTuning(t)
	if err != nil {
		return err
	}
	s.count("admin_retrieval_tuned")
	return c.JSON(http.StatusOK, applied)
}

func (s *Server) handleGetPrompts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Orchestrator.Prompts())
}

func (s *Server) handlePutPrompts(c echo.Context) error {
	var p query.PromptSet
	if err := c.Bind(&p); err != nil {
		return apperr.Validation("malformed request body")
	}
	s.count("admin_prompts_updated")
	return c.JSON(http.StatusOK, s.deps.Orchestrator.SetPrompts(p))
}

func (s *Server) handleSweepSessions(c echo.Context) error {
	removed := s.deps.Sessions.SweepExpired()
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleSweepUploads(c echo.Context) error {
	removed, err := s.deps.Uploads.SweepExpired()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handlePruneRateLimit(c echo.Context) error {
	pruned := 0
	if s.deps.Limiter != nil {
		pruned += s.deps.Limiter.Prune()
	}
	if s.deps.IngestLimit != nil {
		pruned += s.deps.IngestLimit.Prune()
	}
	return c.JSON(http.StatusOK, map[string]int{"pruned": pruned})
}
