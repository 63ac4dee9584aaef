package query

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edupilot/edupilot/internal/chunk"
	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/index"
	"github.com/edupilot/edupilot/internal/rerank"
	"github.com/edupilot/edupilot/internal/session"
	"github.com/edupilot/edupilot/internal/store"
	"github.com/edupilot/edupilot/internal/telemetry"
)

const noContextEN = "I couldn't find relevant material in the knowledge base for this question. Try rephrasing it, or ask your consultant to upload the related documents."

const noContextZH = "知识库中没有找到与这个问题相关的资料。请尝试换一种问法，或让顾问上传相关文档。"

const degradedEN = "The answer service is temporarily unavailable. Please review the cited source material below; a consultant will follow up shortly."

const degradedZH = "回答服务暂时不可用。请先参考下方引用的资料，顾问会尽快跟进。"

// streakKey is the session metadata key tracking consecutive
// low-confidence answers.
const streakKey = "low_confidence_streak"

// StoppedMarker is appended to a partial answer cut off by cancellation.
const StoppedMarker = "[generation_stopped]"

// Orchestrator runs consultation turns.
type Orchestrator struct {
	sessions    *session.Store
	searcher    Searcher
	reranker    Reranker
	generator   Generator
	docs        DocumentSource
	attachments AttachmentSource
	metrics     *telemetry.Registry
	logger      *slog.Logger
	config      Config

	// turnLocks serializes turns per session so concurrent requests
	// append their user/assistant pairs in arrival order.
	turnLocks sync.Map

	tuningMu sync.RWMutex
	tuning   Tuning

	promptsMu sync.RWMutex
	prompts   PromptSet
}

// New creates the orchestrator.
func New(sessions *session.Store, searcher Searcher, reranker Reranker, generator Generator, docs DocumentSource, metrics *telemetry.Registry, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.KCite <= 0 {
		cfg.KCite = DefaultKCite
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = index.DefaultAlpha
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 2 * time.Minute
	}
	if metrics == nil {
		metrics = telemetry.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessions:  sessions,
		searcher:  searcher,
		reranker:  reranker,
		generator: generator,
		docs:      docs,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
		tuning:    Tuning{TopK: cfg.TopK, KCite: cfg.KCite, Alpha: cfg.Alpha},
		prompts:   DefaultPrompts(),
	}
}

// WithAttachments enables per-turn upload attachments. Requests naming
// attachments are rejected until a source is installed.
func (o *Orchestrator) WithAttachments(src AttachmentSource) *Orchestrator {
	o.attachments = src
	return o
}

// execution carries one turn's state across phases.
type execution struct {
	req       Request
	events    Events
	language  string
	question  string
	sess      session.Session
	missing   []string
	retrieved []rerank.Candidate
	chunks    map[string]chunk.Chunk
	citations []Citation
	passages  []passage
	messages  []Message
	answer    string
	resp      Response
	started   time.Time
	phases    map[string]int64
}

// Execute runs one turn. events hooks fire for streaming consumers;
// pass the zero Events for a plain request/response turn.
func (o *Orchestrator) Execute(ctx context.Context, req Request, events Events) (Response, error) {
	ex := &execution{
		req:     req,
		events:  events,
		started: time.Now(),
		phases:  make(map[string]int64),
	}

	if id := strings.TrimSpace(req.SessionID); id != "" {
		mu := o.turnLock(id)
		mu.Lock()
		defer mu.Unlock()
	}

	type step struct {
		name string
		run  func(context.Context, *execution) (bool, error)
	}
	steps := []step{
		{"validate", o.phaseValidate},
		{"session", o.phaseSession},
		{"attachments", o.phaseAttachments},
		{"retrieve", o.phaseRetrieve},
		{"rerank", o.phaseRerank},
		{"assemble", o.phaseAssemble},
		{"prompt", o.phasePrompt},
		{"generate", o.phaseGenerate},
		{"citations", o.phaseCitations},
		{"confidence", o.phaseConfidence},
		{"persist", o.phasePersist},
	}

	for _, s := range steps {
		phaseStart := time.Now()
		done, err := s.run(ctx, ex)
		elapsed := time.Since(phaseStart)
		ex.phases[s.name] = elapsed.Milliseconds()
		o.metrics.ObservePhase("query_"+s.name, elapsed)
		if err != nil {
			o.metrics.Inc("query_errors::" + string(apperr.KindOf(err)))
			return ex.resp, err
		}
		if done {
			break
		}
	}

	ex.resp.Diagnostics.PhaseMillis = ex.phases
	ex.resp.Diagnostics.TookMillis = time.Since(ex.started).Milliseconds()
	o.metrics.Inc("query_total")
	o.metrics.Inc("query_language::" + ex.language)
	o.metrics.ObservePhase("query_turn", time.Since(ex.started))

	o.logger.Info("query_answered",
		slog.String("session_id", ex.req.SessionID),
		slog.String("language", ex.language),
		slog.Int("citations", len(ex.resp.Citations)),
		slog.Float64("coverage", ex.resp.Diagnostics.CitationCoverage),
		slog.Bool("low_confidence", ex.resp.Diagnostics.LowConfidence),
		slog.Duration("took", time.Since(ex.started)))
	return ex.resp, nil
}

func (o *Orchestrator) phaseValidate(_ context.Context, ex *execution) (bool, error) {
	ex.req.Query = strings.TrimSpace(ex.req.Query)
	if ex.req.Query == "" {
		return false, apperr.Validation("query is required")
	}
	tun := o.Tuning()
	if ex.req.TopK <= 0 {
		ex.req.TopK = tun.TopK
	}
	if ex.req.KCite <= 0 {
		ex.req.KCite = tun.KCite
	}
	if ex.req.KCite > ex.req.TopK {
		ex.req.KCite = ex.req.TopK
	}
	if ex.req.Alpha <= 0 || ex.req.Alpha > 1 {
		ex.req.Alpha = tun.Alpha
	}

	switch ex.req.Language {
	case "":
		ex.language = chunk.DetectLanguage(ex.req.Query)
	case "en", "zh":
		ex.language = ex.req.Language
	default:
		return false, apperr.Validation("language must be \"en\" or \"zh\"")
	}

	ex.question = ex.req.Query
	ex.resp.Language = ex.language
	return false, nil
}

func (o *Orchestrator) phaseSession(_ context.Context, ex *execution) (bool, error) {
	sess, err := o.sessions.AppendMessage(ex.req.SessionID, session.Message{
		Role:        "user",
		Content:     ex.req.Query,
		Language:    ex.language,
		Attachments: ex.req.Attachments,
	})
	if err != nil {
		return false, err
	}
	ex.sess = sess
	ex.missing = session.MissingRequired(sess.Slots)
	ex.resp.SessionID = sess.ID
	ex.resp.Diagnostics.MissingSlots = ex.missing
	return false, nil
}

// phaseAttachments folds the extracted text of any attached uploads into
// the retrieval question, each bounded to attachmentMaxRunes.
func (o *Orchestrator) phaseAttachments(ctx context.Context, ex *execution) (bool, error) {
	if len(ex.req.Attachments) == 0 {
		return false, nil
	}
	if o.attachments == nil {
		return false, apperr.Validation("attachments are not supported here")
	}

	parts := []string{ex.req.Query}
	for _, id := range ex.req.Attachments {
		text, err := o.attachments.AttachmentText(ctx, id)
		if err != nil {
			return false, err
		}
		text = truncateRunes(strings.TrimSpace(text), attachmentMaxRunes)
		if text != "" {
			parts = append(parts, text)
		}
	}
	ex.question = strings.Join(parts, "\n\n")
	o.metrics.Inc("query_attachments")
	return false, nil
}

func (o *Orchestrator) phaseRetrieve(ctx context.Context, ex *execution) (bool, error) {
	if !ex.req.ragEnabled() {
		o.metrics.Inc("query_rag_disabled")
		return false, nil
	}

	out, err := o.searcher.Search(ctx, ex.question, ex.req.TopK, ex.req.Alpha)
	if err != nil {
		return false, err
	}

	ex.resp.Diagnostics.GenerationID = out.GenerationID
	ex.resp.Diagnostics.IndexDegraded = out.Degraded
	ex.resp.Diagnostics.Retrieved = len(out.Results)

	if len(out.Results) == 0 {
		return true, o.finishWithoutContext(ex)
	}

	ex.chunks = make(map[string]chunk.Chunk, len(out.Results))
	topScore := 0.0
	for _, r := range out.Results {
		ex.chunks[r.Chunk.ID] = r.Chunk
		ex.retrieved = append(ex.retrieved, rerank.Candidate{
			ChunkID: r.Chunk.ID,
			Text:    r.Chunk.Text,
			Score:   r.Score,
		})
		if r.Score > topScore {
			topScore = r.Score
		}
	}
	ex.resp.Diagnostics.TopScore = topScore
	return false, nil
}

// finishWithoutContext short-circuits a turn that retrieved nothing.
func (o *Orchestrator) finishWithoutContext(ex *execution) error {
	o.metrics.Inc("query_no_context")
	ex.answer = noContextEN
	if ex.language == "zh" {
		ex.answer = noContextZH
	}
	ex.resp.Answer = ex.answer
	ex.resp.Diagnostics.LowConfidence = true
	ex.resp.Diagnostics.AnswerFallback = "no_context"

	if err := o.emitCitations(ex); err != nil {
		return err
	}
	if err := o.emitDelta(ex, ex.answer); err != nil {
		return err
	}
	return o.persistTurn(ex)
}

func (o *Orchestrator) phaseRerank(ctx context.Context, ex *execution) (bool, error) {
	if o.reranker == nil || len(ex.retrieved) == 0 {
		return false, nil
	}
	outcome, err := o.reranker.Rerank(ctx, ex.question, ex.language, ex.retrieved)
	if err != nil {
		return false, err
	}

	ex.resp.Diagnostics.Reranked = outcome.Reranked
	ex.resp.Diagnostics.RerankFallback = outcome.FallbackReason

	reordered := make([]rerank.Candidate, 0, len(outcome.Results))
	for _, r := range outcome.Results {
		reordered = append(reordered, r.Candidate)
	}
	ex.retrieved = reordered
	return false, nil
}

func (o *Orchestrator) phaseAssemble(ctx context.Context, ex *execution) (bool, error) {
	docs := make(map[string]store.Document)

	// Only the strongest k_cite candidates become context and citations.
	candidates := ex.retrieved
	if len(candidates) > ex.req.KCite {
		candidates = candidates[:ex.req.KCite]
	}

	for i, cand := range candidates {
		c, ok := ex.chunks[cand.ChunkID]
		if !ok {
			continue
		}

		doc, cached := docs[c.DocID]
		if !cached {
			if o.docs != nil {
				if d, err := o.docs.GetDocument(ctx, c.DocID); err == nil {
					doc = d
				}
			}
			docs[c.DocID] = doc
		}
		title := doc.Title
		if title == "" {
			title = c.DocID
		}

		marker := i + 1
		snip := snippet(c.Text)
		ex.citations = append(ex.citations, Citation{
			Marker:     marker,
			ChunkID:    c.ID,
			DocID:      c.DocID,
			Title:      title,
			SourceName: doc.Source,
			URL:        doc.URL,
			Snippet:    snip,
			Score:      cand.Score,
			Highlights: HighlightSpans(ex.req.Query, snip),
		})
		ex.passages = append(ex.passages, passage{Marker: marker, Title: title, Text: c.Text})
	}

	return false, o.emitCitations(ex)
}

func (o *Orchestrator) phasePrompt(_ context.Context, ex *execution) (bool, error) {
	ex.messages = buildMessages(ex.language, ex.sess, ex.question, ex.passages, ex.req.ExplainLikeNew, o.Prompts())
	return false, nil
}

func (o *Orchestrator) phaseGenerate(ctx context.Context, ex *execution) (bool, error) {
	genCtx, cancel := context.WithTimeout(ctx, o.config.GenerateTimeout)
	defer cancel()

	var answer string
	var err error
	if ex.events.OnDelta != nil {
		answer, err = o.generator.ChatStream(genCtx, ex.messages, ex.events.OnDelta)
	} else {
		answer, err = o.generator.Chat(genCtx, ex.messages)
	}

	if err != nil {
		if apperr.KindOf(err) == apperr.KindCancelled {
			// The client went away mid-generation. Whatever streamed so
			// far is still part of the conversation: cut it back to a
			// sentence boundary, mark it stopped and persist it so the
			// session history stays a faithful turn record.
			ex.answer = TrimPartial(answer)
			ex.resp.Answer = ex.answer
			ex.resp.Citations = ex.citations
			ex.resp.Diagnostics.LowConfidence = true
			ex.resp.Diagnostics.AnswerFallback = "cancelled"
			o.metrics.Inc("query_cancelled")
			if persistErr := o.persistTurn(ex); persistErr != nil {
				o.logger.Warn("cancel_persist_failed",
					slog.String("session_id", ex.req.SessionID),
					slog.String("error", persistErr.Error()))
			}
			return false, err
		}
		// Provider exhausted: degrade to a sources-only answer instead
		// of failing the whole turn.
		o.metrics.Inc("query_degraded_answer")
		o.logger.Warn("generation_degraded",
			slog.String("session_id", ex.req.SessionID),
			slog.String("error", err.Error()))
		fallback := degradedEN
		if ex.language == "zh" {
			fallback = degradedZH
		}
		ex.answer = fallback
		ex.resp.Diagnostics.AnswerFallback = "provider_unavailable"
		ex.resp.Diagnostics.LowConfidence = true
		if emitErr := o.emitDelta(ex, fallback); emitErr != nil {
			return false, emitErr
		}
		ex.resp.Answer = fallback
		return false, nil
	}

	ex.answer = answer
	ex.resp.Answer = answer
	return false, nil
}

func (o *Orchestrator) phaseCitations(_ context.Context, ex *execution) (bool, error) {
	if ex.events.OnDelta != nil {
		// Streamed answers are already on the wire; markers stay as
		// generated and the full citation list stands.
		ex.resp.Citations = ex.citations
		return false, nil
	}

	rewritten, kept := rewriteMarkers(ex.answer, ex.citations)
	ex.answer = rewritten
	ex.resp.Answer = rewritten
	ex.resp.Citations = kept
	return false, nil
}

func (o *Orchestrator) phaseConfidence(_ context.Context, ex *execution) (bool, error) {
	if !ex.req.ragEnabled() {
		// A plain conversation carries no citation contract to measure.
		return false, nil
	}

	coverage := citationCoverage(ex.answer, ex.citations, ex.req.KCite)
	ex.resp.Diagnostics.CitationCoverage = coverage

	if coverage < 0.5 || ex.resp.Diagnostics.TopScore < o.config.ConfidenceThreshold {
		ex.resp.Diagnostics.LowConfidence = true
	}
	return false, nil
}

func (o *Orchestrator) phasePersist(_ context.Context, ex *execution) (bool, error) {
	return false, o.persistTurn(ex)
}

// persistTurn appends the assistant message and maintains the
// low-confidence streak that drives review_suggested.
func (o *Orchestrator) persistTurn(ex *execution) error {
	cited := make([]string, 0, len(ex.resp.Citations))
	for _, c := range ex.resp.Citations {
		cited = append(cited, c.ChunkID)
	}

	if _, err := o.sessions.AppendMessage(ex.sess.ID, session.Message{
		Role:      "assistant",
		Content:   ex.answer,
		Language:  ex.language,
		Citations: cited,
	}); err != nil {
		return err
	}

	streak := 0
	if ex.resp.Diagnostics.LowConfidence {
		streak = 1
		if ex.sess.Metadata[streakKey] == "1" || ex.sess.Metadata[streakKey] == "2" {
			streak = 2
			ex.resp.Diagnostics.ReviewSuggested = true
			o.metrics.Inc("query_review_suggested")
		}
	}

	value := ""
	if streak > 0 {
		value = strconv.Itoa(streak)
	}
	if _, err := o.sessions.UpdateMetadata(ex.sess.ID, map[string]string{streakKey: value}); err != nil {
		return err
	}

	if ex.resp.Diagnostics.LowConfidence {
		o.metrics.Inc("query_low_confidence")
	}
	return nil
}

// turnLock returns the mutex serializing turns for one session.
func (o *Orchestrator) turnLock(sessionID string) *sync.Mutex {
	mu, _ := o.turnLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// TrimPartial cuts an interrupted answer back to its last complete
// sentence and appends the stopped marker. Already-trimmed text passes
// through unchanged.
func TrimPartial(partial string) string {
	partial = strings.TrimSpace(partial)
	if strings.HasSuffix(partial, StoppedMarker) {
		return partial
	}
	if partial == "" {
		return StoppedMarker
	}

	runes := []rune(partial)
	cut := -1
	for i := len(runes) - 1; i >= 0; i-- {
		switch runes[i] {
		case '.', '!', '?', '。', '！', '？', '；', ';':
			cut = i
		}
		if cut >= 0 {
			break
		}
	}
	if cut >= 0 {
		partial = strings.TrimSpace(string(runes[:cut+1]))
	}
	return partial + " " + StoppedMarker
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func (o *Orchestrator) emitCitations(ex *execution) error {
	if ex.events.OnCitations == nil {
		return nil
	}
	return ex.events.OnCitations(ex.citations)
}

func (o *Orchestrator) emitDelta(ex *execution, text string) error {
	if ex.events.OnDelta == nil {
		return nil
	}
	return ex.events.OnDelta(text)
}
