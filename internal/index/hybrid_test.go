package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edupilot/edupilot/internal/chunk"
	"github.com/edupilot/edupilot/internal/embed"
	apperr "github.com/edupilot/edupilot/internal/errors"
)

func corpusChunks() []chunk.Chunk {
	texts := []string{
		"Tuition at public universities in Germany is free for most programs.",
		"Canadian universities require IELTS or TOEFL scores for admission.",
		"Scholarship deadlines for US graduate programs fall in December.",
		"Student visa processing in Australia takes four to six weeks.",
		"留学德国的公立大学大部分专业免学费。",
	}
	chunks := make([]chunk.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = chunk.Chunk{
			ID:    chunk.ChunkID("kb", i),
			DocID: "kb",
			Text:  text,
		}
	}
	return chunks
}

func newTestIndex(t *testing.T) *Hybrid {
	t.Helper()
	h := NewHybrid(embed.NewStaticEmbedder(), Config{Alpha: 0.6}, nil)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestSearchBeforeFirstRebuild(t *testing.T) {
	h := newTestIndex(t)

	out, err := h.Search(context.Background(), "tuition", 5, -1)
	require.NoError(t, err)
	assert.Empty(t, out.Results)
	assert.Zero(t, out.GenerationID)
}

func TestRebuildAndSearch(t *testing.T) {
	h := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, h.Rebuild(ctx, corpusChunks()))

	out, err := h.Search(ctx, "scholarship deadlines for graduate programs", 3, -1)
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.False(t, out.Degraded)
	assert.Equal(t, "kb::0002", out.Results[0].Chunk.ID)

	// Scores are ranked descending.
	for i := 1; i < len(out.Results); i++ {
		assert.GreaterOrEqual(t, out.Results[i-1].Score, out.Results[i].Score)
	}
}

func TestSearchChineseQuery(t *testing.T) {
	h := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, h.Rebuild(ctx, corpusChunks()))

	out, err := h.Search(ctx, "德国大学免学费", 3, -1)
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "kb::0004", out.Results[0].Chunk.ID)
}

func TestRebuildEmptyCorpus(t *testing.T) {
	h := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, h.Rebuild(ctx, nil))
	out, err := h.Search(ctx, "anything", 5, -1)
	require.NoError(t, err)
	assert.Empty(t, out.Results)

	hl := h.Health()
	assert.True(t, hl.Ready)
	assert.Zero(t, hl.ChunkCount)
}

func TestRebuildIncrementsGeneration(t *testing.T) {
	h := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, h.Rebuild(ctx, corpusChunks()))
	first := h.Generation()
	require.NoError(t, h.Rebuild(ctx, corpusChunks()))

	assert.Equal(t, first+1, h.Generation())
}

func TestRebuildSwapIsAtomic(t *testing.T) {
	h := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, h.Rebuild(ctx, corpusChunks()))

	// Queries racing a rebuild always see a complete generation.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = h.Rebuild(ctx, corpusChunks())
		}
	}()

	for i := 0; i < 200; i++ {
		out, err := h.Search(ctx, "tuition in Germany", 3, -1)
		require.NoError(t, err)
		require.NotEmpty(t, out.Results)
	}
	<-done
}

func TestSearchValidation(t *testing.T) {
	h := newTestIndex(t)

	_, err := h.Search(context.Background(), "q", 0, -1)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestSearchTopKBounds(t *testing.T) {
	h := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, h.Rebuild(ctx, corpusChunks()))

	out, err := h.Search(ctx, "universities", 2, -1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out.Results), 2)
}

// failingEmbedder simulates a provider outage.
type failingEmbedder struct{ embed.Embedder }

func newFailingEmbedder() *failingEmbedder {
	return &failingEmbedder{Embedder: embed.NewStaticEmbedder()}
}

func (f *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, apperr.Provider("embed provider down", true, nil)
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, apperr.Provider("embed provider down", true, nil)
}

func TestRebuildDegradesWhenEmbedFails(t *testing.T) {
	h := NewHybrid(newFailingEmbedder(), Config{Alpha: 0.6}, nil)
	defer h.Close()
	ctx := context.Background()

	require.NoError(t, h.Rebuild(ctx, corpusChunks()))

	hl := h.Health()
	assert.True(t, hl.Degraded)

	// Lexical-only search still answers.
	out, err := h.Search(ctx, "tuition Germany", 3, -1)
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.True(t, out.Degraded)
	assert.Equal(t, "kb::0000", out.Results[0].Chunk.ID)

	// The failure is on the health record, not just in the logs.
	require.NotEmpty(t, hl.Errors)
	assert.Contains(t, hl.Errors[0], "embed provider down")
}

func TestHealthErrorHistoryBounded(t *testing.T) {
	h := NewHybrid(newFailingEmbedder(), Config{Alpha: 0.6}, nil)
	defer h.Close()
	ctx := context.Background()

	for i := 0; i < maxRebuildErrs+3; i++ {
		require.NoError(t, h.Rebuild(ctx, corpusChunks()))
	}
	assert.Len(t, h.Health().Errors, maxRebuildErrs)
}

func TestHealthReflectsGeneration(t *testing.T) {
	h := newTestIndex(t)
	ctx := context.Background()

	hl := h.Health()
	assert.False(t, hl.Ready)

	require.NoError(t, h.Rebuild(ctx, corpusChunks()))
	hl = h.Health()
	assert.True(t, hl.Ready)
	assert.Equal(t, len(corpusChunks()), hl.ChunkCount)
	assert.Equal(t, 1, hl.DocCount)
	assert.False(t, hl.BuiltAt.IsZero())
	assert.Equal(t, "static", hl.EmbedModel)
}

func TestSearchDeterministicAcrossRepeats(t *testing.T) {
	h := newTestIndex(t)
	ctx := context.Background()

	var chunks []chunk.Chunk
	for i := 0; i < 20; i++ {
		chunks = append(chunks, chunk.Chunk{
			ID:    chunk.ChunkID("d", i),
			DocID: "d",
			Text:  fmt.Sprintf("topic %d admission requirements and application fees", i),
		})
	}
	require.NoError(t, h.Rebuild(ctx, chunks))

	first, err := h.Search(ctx, "admission requirements", 5, -1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := h.Search(ctx, "admission requirements", 5, -1)
		require.NoError(t, err)
		require.Len(t, again.Results, len(first.Results))
		for j := range first.Results {
			assert.Equal(t, first.Results[j].Chunk.ID, again.Results[j].Chunk.ID)
		}
	}
}
