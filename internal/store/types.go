// Package store persists documents and their chunks in SQLite. Replacing
// a document's chunks is atomic: readers either see the old chunk set or
// the new one, never a mix.
package store

import (
	"context"
	"time"

	"github.com/edupilot/edupilot/internal/chunk"
)

// Document is the ingestion-level record a chunk set belongs to. The
// doc ID keys the source identity, so re-ingesting the same source with
// changed content updates the record in place and bumps Version.
type Document struct {
	ID         string    `json:"doc_id"`
	Source     string    `json:"source"`
	Title      string    `json:"title"`
	Language   string    `json:"language"`
	MimeType   string    `json:"mime_type"`
	URL        string    `json:"url,omitempty"`
	SHA256     string    `json:"sha256"`
	ChunkCount int       `json:"chunk_count"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChunkStore is the persistence boundary for documents and chunks.
type ChunkStore interface {
	// PutDocument atomically replaces the document record and its full
	// chunk set. Re-ingesting the same doc ID swaps the chunks in one
	// transaction and increments the stored version.
	PutDocument(ctx context.Context, doc Document, chunks []chunk.Chunk) error

	// GetDocument returns the document record.
	GetDocument(ctx context.Context, docID string) (Document, error)

	// ListDocuments returns all document records ordered by ID.
	ListDocuments(ctx context.Context) ([]Document, error)

	// DeleteDocument removes the document and its chunks. Deleting an
	// unknown document is a no-op.
	DeleteDocument(ctx context.Context, docID string) error

	// GetChunk returns a single chunk by its ID.
	GetChunk(ctx context.Context, chunkID string) (chunk.Chunk, error)

	// AllChunks returns a point-in-time snapshot of every chunk, ordered
	// by chunk ID. Index rebuilds consume this.
	AllChunks(ctx context.Context) ([]chunk.Chunk, error)

	// ChunkCount returns the number of stored chunks.
	ChunkCount(ctx context.Context) (int, error)

	// Health verifies the store is reachable.
	Health(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}
