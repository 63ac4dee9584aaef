package index

import (
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/coder/hnsw"

	"github.com/edupilot/edupilot/internal/chunk"
)

// Generation is one immutable build of the hybrid index. Queries hold a
// generation pointer for their whole lifetime, so a concurrent rebuild
// never changes results mid-query.
type Generation struct {
	ID       int64
	BuiltAt  time.Time
	Degraded bool

	EmbedModel string

	lex      bleve.Index
	graph    *hnsw.Graph[uint64]
	vectors  [][]float32
	chunkIDs []string
	chunks   map[string]chunk.Chunk
	docCount int
}

// ChunkCount returns the number of indexed chunks.
func (g *Generation) ChunkCount() int {
	if g == nil {
		return 0
	}
	return len(g.chunks)
}

// DocCount returns the number of distinct documents.
func (g *Generation) DocCount() int {
	if g == nil {
		return 0
	}
	return g.docCount
}

// Chunk returns the indexed chunk for an ID.
func (g *Generation) Chunk(id string) (chunk.Chunk, bool) {
	c, ok := g.chunks[id]
	return c, ok
}

// close releases the bleve index. Only called once no query can hold
// this generation anymore.
func (g *Generation) close() {
	if g != nil && g.lex != nil {
		_ = g.lex.Close()
	}
}

// Health is a point-in-time index status snapshot.
type Health struct {
	Ready        bool      `json:"ready"`
	GenerationID int64     `json:"generation_id"`
	ChunkCount   int       `json:"chunk_count"`
	DocCount     int       `json:"doc_count"`
	BuiltAt      time.Time `json:"built_at"`
	Degraded     bool      `json:"degraded"`
	EmbedModel   string    `json:"embed_model,omitempty"`
	Rebuilding   bool      `json:"rebuilding"`
	// Errors holds the most recent rebuild failures, newest last.
	Errors []string `json:"errors,omitempty"`
}
