// Package ingest runs the document pipeline: extract text, chunk it,
// persist the chunk set, and rebuild the search index. The same pipeline
// backs synchronous ingestion, the job queue workers and the drop
// directory watcher.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/edupilot/edupilot/internal/chunk"
	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/extract"
	"github.com/edupilot/edupilot/internal/jobs"
	"github.com/edupilot/edupilot/internal/store"
	"github.com/edupilot/edupilot/internal/telemetry"
	"github.com/edupilot/edupilot/internal/upload"
)

// Index is the part of the search index the pipeline drives.
type Index interface {
	Rebuild(ctx context.Context, chunks []chunk.Chunk) error
}

// Pipeline wires extraction, chunking, storage and indexing together.
type Pipeline struct {
	extractor *extract.Extractor
	chunker   *chunk.Chunker
	store     store.ChunkStore
	index     Index
	metrics   *telemetry.Registry
	logger    *slog.Logger
}

// NewPipeline creates the ingest pipeline.
func NewPipeline(extractor *extract.Extractor, chunker *chunk.Chunker, st store.ChunkStore, index Index, metrics *telemetry.Registry, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extractor: extractor,
		chunker:   chunker,
		store:     st,
		index:     index,
		metrics:   metrics,
		logger:    logger,
	}
}

// IngestBytes runs one document through the full pipeline and returns the
// stored document record. The document ID is derived from the source and
// filename, so re-ingesting the same file with changed content replaces
// the document and bumps its version; the content hash is kept as the
// checksum.
func (p *Pipeline) IngestBytes(ctx context.Context, data []byte, filename, mimeType, source string) (store.Document, error) {
	start := time.Now()

	result, err := p.extractor.Extract(ctx, data, filename, mimeType)
	if err != nil {
		p.metrics.Inc("ingest_failed")
		return store.Document{}, err
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	docID := docIDFor(source, filename, digest)
	language := chunk.DetectLanguage(result.Text)

	chunks, err := p.chunker.Split(docID, result.Text, chunk.Options{
		Language: language,
		Pages:    result.Pages,
	})
	if err != nil {
		p.metrics.Inc("ingest_failed")
		return store.Document{}, apperr.Extraction("empty", "document produced no chunks", err)
	}

	doc := store.Document{
		ID:         docID,
		Source:     source,
		Title:      titleFrom(filename),
		Language:   language,
		MimeType:   mimeType,
		SHA256:     digest,
		ChunkCount: len(chunks),
	}
	if err := p.store.PutDocument(ctx, doc, chunks); err != nil {
		p.metrics.Inc("ingest_failed")
		return store.Document{}, err
	}
	// Read back the stored record: the store assigns version and
	// preserves created_at across re-ingests.
	doc, err = p.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}

	if err := p.RebuildIndex(ctx); err != nil {
		// The chunks are persisted; the index catches up on the next
		// rebuild. Surface the error so callers can report it.
		p.logger.Error("index_rebuild_after_ingest_failed",
			slog.String("doc_id", docID),
			slog.String("error", err.Error()))
		return store.Document{}, err
	}

	p.metrics.Inc("ingest_documents")
	p.metrics.Add("ingest_chunks", int64(len(chunks)))
	p.logger.Info("document_ingested",
		slog.String("doc_id", docID),
		slog.String("source", source),
		slog.String("language", language),
		slog.String("method", result.Method),
		slog.Int("chunks", len(chunks)),
		slog.Duration("took", time.Since(start)))
	return doc, nil
}

// DeleteDocument removes a document and rebuilds the index without it.
func (p *Pipeline) DeleteDocument(ctx context.Context, docID string) error {
	if err := p.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	return p.RebuildIndex(ctx)
}

// RebuildIndex rebuilds the index from the full persisted chunk set.
func (p *Pipeline) RebuildIndex(ctx context.Context) error {
	chunks, err := p.store.AllChunks(ctx)
	if err != nil {
		return err
	}
	return p.index.Rebuild(ctx, chunks)
}

// JobHandler adapts the pipeline for queue workers: the job's upload is
// read back by ID and pushed through the pipeline.
func (p *Pipeline) JobHandler(uploads *upload.Store) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) (string, int, error) {
		data, meta, err := uploads.Get(job.UploadID)
		if err != nil {
			return "", 0, err
		}
		doc, err := p.IngestBytes(ctx, data, meta.Filename, meta.MimeType, job.Source)
		if err != nil {
			return "", 0, err
		}
		return doc.ID, doc.ChunkCount, nil
	}
}

// docIDFor keys the document on its source identity. Payloads with no
// filename fall back to the content hash.
func docIDFor(source, filename, digest string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." {
		return "doc-" + digest[:12]
	}
	sum := sha256.Sum256([]byte(source + "/" + name))
	return "doc-" + hex.EncodeToString(sum[:])[:12]
}

func titleFrom(filename string) string {
	base := filepath.Base(filename)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." {
		return "untitled"
	}
	return base
}
