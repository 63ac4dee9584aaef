package index

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/cjk" // bilingual analyzer
	"github.com/coder/hnsw"

	"github.com/edupilot/edupilot/internal/chunk"
	"github.com/edupilot/edupilot/internal/embed"
	apperr "github.com/edupilot/edupilot/internal/errors"
)

const (
	// DefaultAlpha weights dense similarity against BM25 in fusion.
	DefaultAlpha = 0.6

	// candidateFactor controls the per-channel candidate pool: each
	// channel contributes its top 2*k before fusion.
	candidateFactor = 2

	bilingualAnalyzer = "cjk"
)

// Config configures the hybrid index.
type Config struct {
	// Alpha is the dense weight in fusion, in [0,1].
	Alpha float64
	// HNSW tuning; zero values use the library defaults.
	M        int
	EfSearch int
}

// Result is one ranked retrieval hit.
type Result struct {
	Chunk   chunk.Chunk `json:"chunk"`
	Score   float64     `json:"score"`
	Dense   float64     `json:"dense_score"`
	Lexical float64     `json:"lexical_score"`
}

// SearchOutput carries the ranked hits plus retrieval diagnostics.
type SearchOutput struct {
	Results      []Result `json:"results"`
	GenerationID int64    `json:"generation_id"`
	// Degraded is set when dense retrieval was unavailable and the
	// ranking is lexical-only.
	Degraded bool `json:"degraded"`
}

// Hybrid owns the current generation and serializes rebuilds.
type Hybrid struct {
	embedder embed.Embedder
	config   Config
	logger   *slog.Logger

	rebuildMu  sync.Mutex
	rebuilding atomic.Bool
	genSeq     atomic.Int64
	current    atomic.Pointer[Generation]

	errsMu      sync.Mutex
	rebuildErrs []string
}

// maxRebuildErrs bounds the rebuild failure history kept for Health.
const maxRebuildErrs = 8

// NewHybrid creates an empty hybrid index. It serves empty results until
// the first Rebuild.
func NewHybrid(embedder embed.Embedder, cfg Config, logger *slog.Logger) *Hybrid {
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultAlpha
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hybrid{embedder: embedder, config: cfg, logger: logger}
}

// Rebuild builds a fresh generation from the given chunks and swaps it
// in atomically. Rebuilds are serialized; queries keep using the old
// generation until the swap. Embedding happens before any swap, so a
// provider failure degrades to a lexical-only generation instead of
// leaving a half-built index.
func (h *Hybrid) Rebuild(ctx context.Context, chunks []chunk.Chunk) error {
	h.rebuildMu.Lock()
	defer h.rebuildMu.Unlock()
	h.rebuilding.Store(true)
	defer h.rebuilding.Store(false)

	start := time.Now()

	var vectors [][]float32
	degraded := false
	if h.embedder != nil && len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		var err error
		vectors, err = h.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if apperr.IsKind(err, apperr.KindCancelled) || ctx.Err() != nil {
				return apperr.Cancelled("rebuild cancelled")
			}
			h.logger.Warn("rebuild_embed_failed",
				slog.String("error", err.Error()),
				slog.Int("chunks", len(chunks)))
			h.recordRebuildErr("embed: " + err.Error())
			vectors = nil
			degraded = true
		}
	} else if h.embedder == nil {
		degraded = len(chunks) > 0
	}

	gen, err := h.buildGeneration(chunks, vectors, degraded)
	if err != nil {
		h.recordRebuildErr(err.Error())
		return err
	}

	old := h.current.Swap(gen)
	// The old generation may still be referenced by in-flight queries;
	// bleve memory indexes are GC-reclaimed, so only release explicitly
	// when nothing can read it (Close path).
	_ = old

	h.logger.Info("index_rebuilt",
		slog.Int64("generation", gen.ID),
		slog.Int("chunks", gen.ChunkCount()),
		slog.Int("docs", gen.DocCount()),
		slog.Bool("degraded", gen.Degraded),
		slog.Duration("took", time.Since(start)))
	return nil
}

func (h *Hybrid) buildGeneration(chunks []chunk.Chunk, vectors [][]float32, degraded bool) (*Generation, error) {
	mapping := bleve.NewIndexMapping()
	mapping.DefaultAnalyzer = bilingualAnalyzer

	lex, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, apperr.Internal("create keyword index", err)
	}

	gen := &Generation{
		ID:       h.genSeq.Add(1),
		BuiltAt:  time.Now().UTC(),
		Degraded: degraded,
		lex:      lex,
		chunks:   make(map[string]chunk.Chunk, len(chunks)),
	}
	if h.embedder != nil {
		gen.EmbedModel = h.embedder.ModelName()
	}

	batch := lex.NewBatch()
	docs := make(map[string]struct{})
	for _, c := range chunks {
		gen.chunks[c.ID] = c
		docs[c.DocID] = struct{}{}
		if err := batch.Index(c.ID, map[string]any{"text": c.Text}); err != nil {
			_ = lex.Close()
			return nil, apperr.Internal("index chunk", err)
		}
	}
	gen.docCount = len(docs)
	if err := lex.Batch(batch); err != nil {
		_ = lex.Close()
		return nil, apperr.Internal("flush keyword index", err)
	}

	if !degraded && len(vectors) == len(chunks) && len(chunks) > 0 {
		graph := hnsw.NewGraph[uint64]()
		graph.Distance = hnsw.CosineDistance
		if h.config.M > 0 {
			graph.M = h.config.M
		}
		if h.config.EfSearch > 0 {
			graph.EfSearch = h.config.EfSearch
		}

		gen.vectors = vectors
		gen.chunkIDs = make([]string, len(chunks))
		for i, c := range chunks {
			gen.chunkIDs[i] = c.ID
			graph.Add(hnsw.MakeNode(uint64(i), vectors[i]))
		}
		gen.graph = graph
	}

	return gen, nil
}

// Search runs hybrid retrieval against the current generation. alpha < 0
// uses the configured default. An index with no generation yet, or an
// empty corpus, returns empty results rather than an error.
func (h *Hybrid) Search(ctx context.Context, query string, topK int, alpha float64) (SearchOutput, error) {
	if topK <= 0 {
		return SearchOutput{}, apperr.Validation("top_k must be positive")
	}
	if alpha < 0 || alpha > 1 {
		alpha = h.config.Alpha
	}

	gen := h.current.Load()
	if gen == nil || gen.ChunkCount() == 0 {
		return SearchOutput{GenerationID: generationID(gen)}, nil
	}

	out := SearchOutput{GenerationID: gen.ID, Degraded: gen.Degraded}
	poolSize := candidateFactor * topK

	lexScores, err := h.searchLexical(ctx, gen, query, poolSize)
	if err != nil {
		return SearchOutput{}, err
	}

	var denseScores map[string]float64
	if gen.graph != nil {
		denseScores, err = h.searchDense(ctx, gen, query, poolSize)
		if err != nil {
			if apperr.IsKind(err, apperr.KindCancelled) {
				return SearchOutput{}, err
			}
			// Dense channel down: serve lexical-only rather than fail.
			h.logger.Warn("dense_search_degraded", slog.String("error", err.Error()))
			out.Degraded = true
			denseScores = nil
		}
	} else {
		out.Degraded = true
	}

	candidates := unionCandidates(denseScores, lexScores)
	effAlpha := alpha
	if denseScores == nil {
		effAlpha = 0
	}

	fused := fuse(candidates, effAlpha)
	if len(fused) > topK {
		fused = fused[:topK]
	}

	for _, f := range fused {
		c, ok := gen.Chunk(f.chunkID)
		if !ok {
			continue
		}
		out.Results = append(out.Results, Result{
			Chunk:   c,
			Score:   f.score,
			Dense:   f.dense,
			Lexical: f.lexical,
		})
	}
	return out, nil
}

func (h *Hybrid) searchLexical(ctx context.Context, gen *Generation, query string, limit int) (map[string]float64, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("text")
	req := bleve.NewSearchRequest(matchQuery)
	req.Size = limit

	res, err := gen.lex.SearchInContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Cancelled("search cancelled")
		}
		return nil, apperr.Internal("keyword search", err)
	}

	scores := make(map[string]float64, len(res.Hits))
	for _, hit := range res.Hits {
		scores[hit.ID] = hit.Score
	}
	return scores, nil
}

func (h *Hybrid) searchDense(ctx context.Context, gen *Generation, query string, limit int) (map[string]float64, error) {
	if h.embedder == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Cancelled("search cancelled")
	}

	qvec, err := h.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	nodes := gen.graph.Search(qvec, limit)
	scores := make(map[string]float64, len(nodes))
	for _, node := range nodes {
		idx := int(node.Key)
		if idx >= len(gen.chunkIDs) {
			continue
		}
		// Vectors are unit length, so the dot product is the cosine.
		scores[gen.chunkIDs[idx]] = embed.CosineSimilarity(qvec, gen.vectors[idx])
	}
	return scores, nil
}

func unionCandidates(dense, lexical map[string]float64) []candidate {
	byID := make(map[string]*candidate, len(dense)+len(lexical))
	for id, s := range dense {
		byID[id] = &candidate{chunkID: id, dense: s, hasDense: true}
	}
	for id, s := range lexical {
		if c, ok := byID[id]; ok {
			c.lexical = s
			c.hasLex = true
		} else {
			byID[id] = &candidate{chunkID: id, lexical: s, hasLex: true}
		}
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	return out
}

// recordRebuildErr appends a rebuild failure to the bounded history
// surfaced by Health.
func (h *Hybrid) recordRebuildErr(msg string) {
	h.errsMu.Lock()
	defer h.errsMu.Unlock()
	h.rebuildErrs = append(h.rebuildErrs, msg)
	if len(h.rebuildErrs) > maxRebuildErrs {
		h.rebuildErrs = h.rebuildErrs[len(h.rebuildErrs)-maxRebuildErrs:]
	}
}

// Health reports the current generation status.
func (h *Hybrid) Health() Health {
	gen := h.current.Load()
	hl := Health{
		Ready:      gen != nil,
		Rebuilding: h.rebuilding.Load(),
	}
	if gen != nil {
		hl.GenerationID = gen.ID
		hl.ChunkCount = gen.ChunkCount()
		hl.DocCount = gen.DocCount()
		hl.BuiltAt = gen.BuiltAt
		hl.Degraded = gen.Degraded
		hl.EmbedModel = gen.EmbedModel
	}

	h.errsMu.Lock()
	if len(h.rebuildErrs) > 0 {
		hl.Errors = append([]string(nil), h.rebuildErrs...)
	}
	h.errsMu.Unlock()
	return hl
}

// Generation returns the current generation ID, zero before the first
// rebuild.
func (h *Hybrid) Generation() int64 {
	return generationID(h.current.Load())
}

// Close releases the current generation.
func (h *Hybrid) Close() error {
	if gen := h.current.Swap(nil); gen != nil {
		gen.close()
	}
	return nil
}

func generationID(gen *Generation) int64 {
	if gen == nil {
		return 0
	}
	return gen.ID
}
