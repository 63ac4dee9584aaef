package query

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edupilot/edupilot/internal/chunk"
	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/index"
	"github.com/edupilot/edupilot/internal/rerank"
	"github.com/edupilot/edupilot/internal/session"
	"github.com/edupilot/edupilot/internal/store"
	"github.com/edupilot/edupilot/internal/telemetry"
)

type fakeSearcher struct {
	out      index.SearchOutput
	err      error
	gotQuery string
	gotTopK  int
	gotAlpha float64
}

func (f *fakeSearcher) Search(_ context.Context, query string, topK int, alpha float64) (index.SearchOutput, error) {
	f.gotQuery = query
	f.gotTopK = topK
	f.gotAlpha = alpha
	return f.out, f.err
}

type fakeReranker struct {
	reverse bool
	reason  string
}

func (f *fakeReranker) Rerank(_ context.Context, _, _ string, candidates []rerank.Candidate) (rerank.Outcome, error) {
	out := rerank.Outcome{Reranked: f.reason == "", FallbackReason: f.reason}
	ordered := make([]rerank.Candidate, len(candidates))
	copy(ordered, candidates)
	if f.reverse {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}
	for _, c := range ordered {
		out.Results = append(out.Results, rerank.Ranked{Candidate: c, Scored: out.Reranked})
	}
	return out, nil
}

type fakeGenerator struct {
	answer string
	err    error
	prompt []Message
}

func (f *fakeGenerator) Chat(_ context.Context, messages []Message) (string, error) {
	f.prompt = messages
	return f.answer, f.err
}

func (f *fakeGenerator) ChatStream(_ context.Context, messages []Message, onDelta func(string) error) (string, error) {
	f.prompt = messages
	if f.err != nil {
		return "", f.err
	}
	if err := onDelta(f.answer); err != nil {
		return "", err
	}
	return f.answer, nil
}

func searchHits(scores map[string]float64) index.SearchOutput {
	out := index.SearchOutput{GenerationID: 1}
	for id, score := range scores {
		out.Results = append(out.Results, index.Result{
			Chunk: chunk.Chunk{
				ID:    id,
				DocID: "doc-1",
				Text: fmt.Sprintf("Chunk %s. Tuition at public universities in Germany is about 300 euros per semester. "+
					"Scholarships such as DAAD cover living costs for qualified applicants.", id),
			},
			Score: score,
		})
	}
	return out
}

func newFixture(t *testing.T, searcher Searcher, reranker Reranker, gen Generator) (*Orchestrator, *session.Store, *telemetry.Registry) {
	t.Helper()
	sessions, err := session.NewStore("", 0, nil)
	require.NoError(t, err)

	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.PutDocument(context.Background(), store.Document{
		ID:     "doc-1",
		Source: "curated",
		Title:  "Germany Study Guide",
		URL:    "https://example.edu/germany-guide",
	}, nil))

	metrics := telemetry.NewRegistry()
	o := New(sessions, searcher, reranker, gen, st, metrics, nil, Config{})
	return o, sessions, metrics
}

func createSession(t *testing.T, sessions *session.Store, language string) string {
	t.Helper()
	sess, err := sessions.Create("", language)
	require.NoError(t, err)
	return sess.ID
}

func TestExecuteFullTurn(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.9, "kb::0001": 0.5})}
	gen := &fakeGenerator{answer: "Public universities charge about 300 euros per semester. [1] DAAD scholarships cover living costs. [2]"}
	o, sessions, metrics := newFixture(t, searcher, &fakeReranker{}, gen)
	sid := createSession(t, sessions, "en")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "How much is tuition in Germany?"}, Events{})
	require.NoError(t, err)

	assert.Equal(t, "en", resp.Language)
	assert.Len(t, resp.Citations, 2)
	assert.Equal(t, 1, resp.Citations[0].Marker)
	assert.Equal(t, "Germany Study Guide", resp.Citations[0].Title)
	assert.Equal(t, "curated", resp.Citations[0].SourceName)
	assert.Equal(t, "https://example.edu/germany-guide", resp.Citations[0].URL)

	// Highlight spans index into the snippet and land on query terms.
	require.NotEmpty(t, resp.Citations[0].Highlights)
	snip := []rune(resp.Citations[0].Snippet)
	for _, span := range resp.Citations[0].Highlights {
		require.LessOrEqual(t, span[1], len(snip))
		assert.Less(t, span[0], span[1])
	}
	first := resp.Citations[0].Highlights[0]
	assert.Equal(t, "tuition", strings.ToLower(string(snip[first[0]:first[1]])))
	assert.True(t, resp.Diagnostics.Reranked)
	assert.InDelta(t, 0.9, resp.Diagnostics.TopScore, 1e-9)
	assert.InDelta(t, 1.0, resp.Diagnostics.CitationCoverage, 1e-9)
	assert.False(t, resp.Diagnostics.LowConfidence)
	assert.Equal(t, int64(1), metrics.Counter("query_total"))

	// Both turns landed in the session.
	sess, err := sessions.Get(sid)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.Role("user"), sess.Messages[0].Role)
	assert.Equal(t, session.Role("assistant"), sess.Messages[1].Role)
	assert.Len(t, sess.Messages[1].Citations, 2)
}

func TestExecuteValidation(t *testing.T) {
	o, sessions, _ := newFixture(t, &fakeSearcher{}, nil, &fakeGenerator{})
	sid := createSession(t, sessions, "en")

	_, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "   "}, Events{})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = o.Execute(context.Background(), Request{SessionID: sid, Query: "q", Language: "fr"}, Events{})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = o.Execute(context.Background(), Request{SessionID: "missing", Query: "q"}, Events{})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestExecuteDetectsChinese(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.8})}
	gen := &fakeGenerator{answer: "德国公立大学每学期约300欧元。[1]"}
	o, sessions, _ := newFixture(t, searcher, &fakeReranker{}, gen)
	sid := createSession(t, sessions, "zh")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "德国留学费用是多少？"}, Events{})
	require.NoError(t, err)
	assert.Equal(t, "zh", resp.Language)
	assert.Contains(t, gen.prompt[0].Content, "EduPilot")
}

func TestExecuteNoContextShortCircuit(t *testing.T) {
	o, sessions, metrics := newFixture(t, &fakeSearcher{out: index.SearchOutput{GenerationID: 3}}, &fakeReranker{}, &fakeGenerator{answer: "never used"})
	sid := createSession(t, sessions, "zh")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "上海有哪些校区？", Language: "zh"}, Events{})
	require.NoError(t, err)

	assert.Equal(t, noContextZH, resp.Answer)
	assert.Empty(t, resp.Citations)
	assert.True(t, resp.Diagnostics.LowConfidence)
	assert.Equal(t, "no_context", resp.Diagnostics.AnswerFallback)
	assert.Equal(t, int64(3), resp.Diagnostics.GenerationID)
	assert.Equal(t, int64(1), metrics.Counter("query_no_context"))

	// The fixed body is still persisted as the assistant turn.
	sess, err := sessions.Get(sid)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, noContextZH, sess.Messages[1].Content)
}

func TestExecuteDegradedOnProviderFailure(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.7})}
	gen := &fakeGenerator{err: apperr.Provider("model down", true, nil)}
	o, sessions, metrics := newFixture(t, searcher, &fakeReranker{}, gen)
	sid := createSession(t, sessions, "en")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "tuition?", Language: "en"}, Events{})
	require.NoError(t, err)

	assert.Equal(t, degradedEN, resp.Answer)
	assert.Equal(t, "provider_unavailable", resp.Diagnostics.AnswerFallback)
	assert.True(t, resp.Diagnostics.LowConfidence)
	// Sources survive so the client can still show material.
	assert.Len(t, resp.Citations, 1)
	assert.Equal(t, int64(1), metrics.Counter("query_degraded_answer"))
}

func TestExecuteCancellationPropagates(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.7})}
	gen := &fakeGenerator{err: apperr.Cancelled("client gone")}
	o, sessions, _ := newFixture(t, searcher, &fakeReranker{}, gen)
	sid := createSession(t, sessions, "en")

	_, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "tuition?"}, Events{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
}

func TestExecuteCancelledPersistsPartialAnswer(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.8})}
	gen := &fakeGenerator{answer: "Tuition is about 300 euros per semester. And scholar", err: apperr.Cancelled("client gone")}
	o, sessions, metrics := newFixture(t, searcher, &fakeReranker{}, gen)
	sid := createSession(t, sessions, "en")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "tuition?"}, Events{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))

	want := "Tuition is about 300 euros per semester. " + StoppedMarker
	assert.Equal(t, want, resp.Answer)
	assert.True(t, resp.Diagnostics.LowConfidence)
	assert.Equal(t, "cancelled", resp.Diagnostics.AnswerFallback)
	assert.Equal(t, int64(1), metrics.Counter("query_cancelled"))

	// The interrupted turn still lands in the session history.
	sess, err := sessions.Get(sid)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.Role("assistant"), sess.Messages[1].Role)
	assert.Equal(t, want, sess.Messages[1].Content)
}

// gatedGenerator blocks its first call until released so a test can hold
// one turn open while another arrives.
type gatedGenerator struct {
	taken   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedGenerator) Chat(_ context.Context, _ []Message) (string, error) {
	if g.taken.CompareAndSwap(false, true) {
		g.entered <- struct{}{}
		<-g.release
		return "First answer. [1]", nil
	}
	return "Second answer. [1]", nil
}

func (g *gatedGenerator) ChatStream(ctx context.Context, messages []Message, _ func(string) error) (string, error) {
	return g.Chat(ctx, messages)
}

func TestExecuteSerializesTurnsPerSession(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.8})}
	gen := &gatedGenerator{entered: make(chan struct{}), release: make(chan struct{})}
	o, sessions, _ := newFixture(t, searcher, nil, gen)
	sid := createSession(t, sessions, "en")

	first := make(chan error, 1)
	go func() {
		_, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "first question?"}, Events{})
		first <- err
	}()
	<-gen.entered

	second := make(chan error, 1)
	go func() {
		_, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "second question?"}, Events{})
		second <- err
	}()

	// The second turn must wait for the first to finish its whole
	// append-generate-persist cycle.
	select {
	case <-second:
		t.Fatal("second turn completed while the first was still generating")
	case <-time.After(50 * time.Millisecond):
	}

	close(gen.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	sess, err := sessions.Get(sid)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 4)
	assert.Equal(t, "first question?", sess.Messages[0].Content)
	assert.Equal(t, "First answer. [1]", sess.Messages[1].Content)
	assert.Equal(t, "second question?", sess.Messages[2].Content)
	assert.Equal(t, "Second answer. [1]", sess.Messages[3].Content)
}

func TestExecuteRerankFallbackReported(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.7})}
	gen := &fakeGenerator{answer: "Answer. [1]"}
	o, sessions, _ := newFixture(t, searcher, &fakeReranker{reason: "circuit_open"}, gen)
	sid := createSession(t, sessions, "en")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "tuition?"}, Events{})
	require.NoError(t, err)
	assert.False(t, resp.Diagnostics.Reranked)
	assert.Equal(t, "circuit_open", resp.Diagnostics.RerankFallback)
}

func TestExecuteMissingSlotsReported(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.7})}
	o, sessions, _ := newFixture(t, searcher, &fakeReranker{}, &fakeGenerator{answer: "A. [1]"})
	sid := createSession(t, sessions, "en")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "tuition?"}, Events{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"degree_level", "target_country"}, resp.Diagnostics.MissingSlots)

	_, slotErrs, err := sessions.UpdateSlots(sid, map[string]string{
		"degree_level":   "master",
		"target_country": "germany",
	}, nil)
	require.NoError(t, err)
	require.Empty(t, slotErrs)

	resp, err = o.Execute(context.Background(), Request{SessionID: sid, Query: "tuition?"}, Events{})
	require.NoError(t, err)
	assert.Empty(t, resp.Diagnostics.MissingSlots)
}

func TestExecuteReviewSuggestedAfterTwoLowTurns(t *testing.T) {
	o, sessions, _ := newFixture(t, &fakeSearcher{out: index.SearchOutput{}}, &fakeReranker{}, &fakeGenerator{})
	sid := createSession(t, sessions, "en")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "first?"}, Events{})
	require.NoError(t, err)
	assert.True(t, resp.Diagnostics.LowConfidence)
	assert.False(t, resp.Diagnostics.ReviewSuggested)

	resp, err = o.Execute(context.Background(), Request{SessionID: sid, Query: "second?"}, Events{})
	require.NoError(t, err)
	assert.True(t, resp.Diagnostics.ReviewSuggested)
}

func TestExecuteConfidentTurnResetsStreak(t *testing.T) {
	lowSearcher := &fakeSearcher{out: index.SearchOutput{}}
	o, sessions, _ := newFixture(t, lowSearcher, &fakeReranker{}, &fakeGenerator{answer: "Good answer. [1]"})
	sid := createSession(t, sessions, "en")

	_, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "first?"}, Events{})
	require.NoError(t, err)

	o.searcher = &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.9})}
	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "second?"}, Events{})
	require.NoError(t, err)
	assert.False(t, resp.Diagnostics.LowConfidence)

	o.searcher = lowSearcher
	resp, err = o.Execute(context.Background(), Request{SessionID: sid, Query: "third?"}, Events{})
	require.NoError(t, err)
	assert.False(t, resp.Diagnostics.ReviewSuggested)
}

func TestExecuteStreamingOrder(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.8})}
	gen := &fakeGenerator{answer: "Streamed answer. [1]"}
	o, sessions, _ := newFixture(t, searcher, &fakeReranker{}, gen)
	sid := createSession(t, sessions, "en")

	var order []string
	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "tuition?"}, Events{
		OnCitations: func(citations []Citation) error {
			order = append(order, "citations")
			assert.Len(t, citations, 1)
			return nil
		},
		OnDelta: func(delta string) error {
			order = append(order, "delta")
			return nil
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, order)
	assert.Equal(t, "citations", order[0])
	assert.Equal(t, "Streamed answer. [1]", resp.Answer)
}

func TestExecuteLowCoverageMarksLowConfidence(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{
		"kb::0000": 0.9, "kb::0001": 0.8, "kb::0002": 0.7, "kb::0003": 0.6,
	})}
	gen := &fakeGenerator{answer: "Only the first candidate is cited. [1]"}
	o, sessions, _ := newFixture(t, searcher, &fakeReranker{}, gen)
	sid := createSession(t, sessions, "en")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "tuition?", KCite: 4}, Events{})
	require.NoError(t, err)
	assert.Len(t, resp.Citations, 1)
	assert.InDelta(t, 0.25, resp.Diagnostics.CitationCoverage, 1e-9)
	assert.True(t, resp.Diagnostics.LowConfidence)
}

func TestExecuteKCiteLimitsCandidates(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{
		"kb::0000": 0.9, "kb::0001": 0.8, "kb::0002": 0.7,
	})}
	gen := &fakeGenerator{answer: "Both sources agree. [1][2]"}
	o, sessions, _ := newFixture(t, searcher, nil, gen)
	sid := createSession(t, sessions, "en")

	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "tuition?", KCite: 2}, Events{})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Diagnostics.Retrieved)
	assert.Len(t, resp.Citations, 2)
	assert.InDelta(t, 1.0, resp.Diagnostics.CitationCoverage, 1e-9)
}

func TestExecuteExplainLikeNewChangesPrompt(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.8})}
	gen := &fakeGenerator{answer: "Simple answer. [1]"}
	o, sessions, _ := newFixture(t, searcher, nil, gen)
	sid := createSession(t, sessions, "en")

	_, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "What is an APS certificate?", ExplainLikeNew: true}, Events{})
	require.NoError(t, err)
	require.NotEmpty(t, gen.prompt)
	assert.Contains(t, gen.prompt[0].Content, "new to the application process")
}

func TestExecuteWithRAGDisabled(t *testing.T) {
	boom := &fakeSearcher{err: apperr.Internal("search must not run", nil)}
	gen := &fakeGenerator{answer: "Happy to help with general questions."}
	o, sessions, metrics := newFixture(t, boom, &fakeReranker{}, gen)
	sid := createSession(t, sessions, "en")

	useRAG := false
	resp, err := o.Execute(context.Background(), Request{SessionID: sid, Query: "hello there", UseRAG: &useRAG}, Events{})
	require.NoError(t, err)

	assert.Equal(t, "Happy to help with general questions.", resp.Answer)
	assert.Empty(t, resp.Citations)
	assert.Zero(t, resp.Diagnostics.Retrieved)
	assert.Zero(t, resp.Diagnostics.CitationCoverage)
	assert.False(t, resp.Diagnostics.LowConfidence)
	assert.Equal(t, int64(1), metrics.Counter("query_rag_disabled"))

	// The turn still lands in the session like any other.
	sess, err := sessions.Get(sid)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
}

type fakeAttachments map[string]string

func (f fakeAttachments) AttachmentText(_ context.Context, uploadID string) (string, error) {
	text, ok := f[uploadID]
	if !ok {
		return "", apperr.NotFound("upload", uploadID)
	}
	return text, nil
}

func TestExecuteAttachmentsExpandRetrievalQuestion(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.9})}
	gen := &fakeGenerator{answer: "Your grades meet the usual bar. [1]"}
	o, sessions, _ := newFixture(t, searcher, nil, gen)
	o.WithAttachments(fakeAttachments{"up-1": "Transcript: GPA 3.6, TOEFL 102."})
	sid := createSession(t, sessions, "en")

	resp, err := o.Execute(context.Background(), Request{
		SessionID:   sid,
		Query:       "Do my grades qualify for a German master's program?",
		Attachments: []string{"up-1"},
	}, Events{})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Answer)

	// Both the question and the extracted attachment text drive retrieval
	// and reach the model.
	assert.Contains(t, searcher.gotQuery, "Do my grades qualify")
	assert.Contains(t, searcher.gotQuery, "GPA 3.6")
	require.NotEmpty(t, gen.prompt)
	assert.Contains(t, gen.prompt[len(gen.prompt)-1].Content, "GPA 3.6")

	sess, err := sessions.Get(sid)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Messages)
	assert.Equal(t, []string{"up-1"}, sess.Messages[0].Attachments)
	assert.Equal(t, "Do my grades qualify for a German master's program?", sess.Messages[0].Content)
}

func TestExecuteAttachmentTextBounded(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.9})}
	gen := &fakeGenerator{answer: "Noted. [1]"}
	o, sessions, _ := newFixture(t, searcher, nil, gen)
	o.WithAttachments(fakeAttachments{"up-1": strings.Repeat("奖", 2000)})
	sid := createSession(t, sessions, "en")

	_, err := o.Execute(context.Background(), Request{
		SessionID:   sid,
		Query:       "Summarize my scholarship letter",
		Attachments: []string{"up-1"},
	}, Events{})
	require.NoError(t, err)
	assert.Equal(t, 1500, strings.Count(searcher.gotQuery, "奖"))
}

func TestExecuteAttachmentsRequireSource(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.9})}
	o, sessions, _ := newFixture(t, searcher, nil, &fakeGenerator{answer: "unused"})
	sid := createSession(t, sessions, "en")

	_, err := o.Execute(context.Background(), Request{
		SessionID:   sid,
		Query:       "What about my transcript?",
		Attachments: []string{"up-1"},
	}, Events{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestExecuteAttachmentNotFound(t *testing.T) {
	searcher := &fakeSearcher{out: searchHits(map[string]float64{"kb::0000": 0.9})}
	o, sessions, _ := newFixture(t, searcher, nil, &fakeGenerator{answer: "unused"})
	o.WithAttachments(fakeAttachments{})
	sid := createSession(t, sessions, "en")

	_, err := o.Execute(context.Background(), Request{
		SessionID:   sid,
		Query:       "What about my transcript?",
		Attachments: []string{"up-gone"},
	}, Events{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
