// Package query orchestrates one consultation turn: load the session,
// retrieve and rerank supporting chunks, build the prompt, generate the
// answer and attach citations with confidence diagnostics. Every phase
// is timed into the metrics registry.
package query

import (
	"context"
	"time"

	"github.com/edupilot/edupilot/internal/index"
	"github.com/edupilot/edupilot/internal/rerank"
	"github.com/edupilot/edupilot/internal/store"
)

const (
	// DefaultTopK is how many chunks back an answer.
	DefaultTopK = 6

	// DefaultKCite is how many of the top-ranked chunks become citation
	// candidates and prompt context.
	DefaultKCite = 3

	// DefaultConfidenceThreshold is the retrieval score below which the
	// top hit alone marks an answer low-confidence.
	DefaultConfidenceThreshold = 0.2

	// historyWindow is how many prior session messages enter the prompt.
	historyWindow = 8

	// snippetMaxRunes bounds a citation snippet.
	snippetMaxRunes = 280

	// attachmentMaxRunes bounds the extracted text of one attachment
	// folded into the retrieval question.
	attachmentMaxRunes = 1500
)

// Request is one consultation turn.
type Request struct {
	SessionID string  `json:"session_id"`
	Query     string  `json:"query"`
	Language  string  `json:"language,omitempty"`
	TopK      int     `json:"top_k,omitempty"`
	KCite     int     `json:"k_cite,omitempty"`
	Alpha     float64 `json:"alpha,omitempty"`
	// UseRAG disables retrieval when explicitly false; the turn becomes a
	// plain conversation with no citations. Absent means enabled.
	UseRAG *bool `json:"use_rag,omitempty"`
	// ExplainLikeNew asks for beginner-level phrasing, for students new
	// to the application process.
	ExplainLikeNew bool `json:"explain_like_new,omitempty"`
	// Attachments names uploads whose extracted text (OCR, transcription
	// or plain text) is folded into this turn's retrieval question.
	Attachments []string `json:"attachment_upload_ids,omitempty"`
}

func (r Request) ragEnabled() bool {
	return r.UseRAG == nil || *r.UseRAG
}

// Citation is one cited source of the answer. Highlights are [start,end)
// rune spans within Snippet where query terms matched.
type Citation struct {
	Marker     int      `json:"marker"`
	ChunkID    string   `json:"chunk_id"`
	DocID      string   `json:"doc_id"`
	Title      string   `json:"title"`
	SourceName string   `json:"source_name,omitempty"`
	URL        string   `json:"url,omitempty"`
	Snippet    string   `json:"snippet"`
	Score      float64  `json:"score"`
	Highlights [][2]int `json:"highlights,omitempty"`
}

// Diagnostics reports how the answer was produced.
type Diagnostics struct {
	GenerationID     int64            `json:"generation_id"`
	Retrieved        int              `json:"retrieved"`
	IndexDegraded    bool             `json:"index_degraded,omitempty"`
	Reranked         bool             `json:"reranked"`
	RerankFallback   string           `json:"rerank_fallback,omitempty"`
	AnswerFallback   string           `json:"answer_fallback,omitempty"`
	TopScore         float64          `json:"top_score"`
	CitationCoverage float64          `json:"citation_coverage"`
	LowConfidence    bool             `json:"low_confidence"`
	ReviewSuggested  bool             `json:"review_suggested"`
	MissingSlots     []string         `json:"missing_slots,omitempty"`
	PhaseMillis      map[string]int64 `json:"phase_millis,omitempty"`
	TookMillis       int64            `json:"took_millis"`
}

// Response is the completed turn.
type Response struct {
	SessionID   string      `json:"session_id"`
	Language    string      `json:"language"`
	Answer      string      `json:"answer"`
	Citations   []Citation  `json:"citations"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Events receives intermediate results during execution. Either hook may
// be nil. OnCitations always fires before the first OnDelta, so streaming
// consumers can emit the citation frame ahead of any answer text.
type Events struct {
	OnCitations func(citations []Citation) error
	OnDelta     func(delta string) error
}

// Searcher is the retrieval side of the hybrid index.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, alpha float64) (index.SearchOutput, error)
}

// Reranker reorders retrieval candidates.
type Reranker interface {
	Rerank(ctx context.Context, query, language string, candidates []rerank.Candidate) (rerank.Outcome, error)
}

// Generator produces the answer text.
type Generator interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	ChatStream(ctx context.Context, messages []Message, onDelta func(delta string) error) (string, error)
}

// Message mirrors the provider chat message shape so the orchestrator
// does not depend on the provider package directly.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AttachmentSource resolves an upload ID into its extracted text.
type AttachmentSource interface {
	AttachmentText(ctx context.Context, uploadID string) (string, error)
}

// DocumentSource resolves document titles for citations.
type DocumentSource interface {
	GetDocument(ctx context.Context, docID string) (store.Document, error)
}

// Config tunes the orchestrator.
type Config struct {
	TopK                int
	KCite               int
	Alpha               float64
	ConfidenceThreshold float64
	// GenerateTimeout bounds the answer generation phase.
	GenerateTimeout time.Duration
}
