// Package chunk segments normalized document text into overlapping
// semantic chunks with stable IDs and character-offset anchors. Chunks are
// the unit of retrieval: hybrid search scores them, citations point back
// into them.
package chunk

import "fmt"

// Default chunking parameters. 800/120 keeps chunks inside typical
// embedding context windows while preserving cross-sentence context.
const (
	DefaultMaxChars = 800
	DefaultOverlap  = 120
)

// Chunk is a contiguous span of a normalized document.
type Chunk struct {
	// ID is globally unique: "<doc_id>::<ordinal 04d>".
	ID string `json:"chunk_id"`
	// DocID is the parent document.
	DocID string `json:"doc_id"`
	// Text is the chunk content, including any overlap with the
	// preceding chunk.
	Text string `json:"text"`
	// StartIdx/EndIdx are character (rune) offsets into the normalized
	// document text. EndIdx is exclusive.
	StartIdx int `json:"start_idx"`
	EndIdx   int `json:"end_idx"`
	// Metadata carries page, section, paragraph and language anchors.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PageSpan maps a rune-offset range of the normalized text to a source
// page (PDF extraction fills these; plain text has none).
type PageSpan struct {
	StartIdx int
	EndIdx   int
	Page     int
}

// Options configures the chunker.
type Options struct {
	// Language selects boundary detection: "zh" breaks on full-width
	// punctuation, anything else uses English sentence rules.
	Language string
	// MaxChars bounds chunk length in runes (default 800).
	MaxChars int
	// Overlap is the maximum repeated tail between adjacent chunks (default 120).
	Overlap int
	// Pages optionally anchors offsets to source pages.
	Pages []PageSpan
}

// ChunkError indicates chunking could not proceed.
type ChunkError struct {
	DocID  string
	Reason string
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %s: %s", e.DocID, e.Reason)
}

// ChunkID formats the stable chunk identifier for a document ordinal.
func ChunkID(docID string, ordinal int) string {
	return fmt.Sprintf("%s::%04d", docID, ordinal)
}
