package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/edupilot/edupilot/internal/chunk"
	apperr "github.com/edupilot/edupilot/internal/errors"
)

// SQLiteStore implements ChunkStore on a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ ChunkStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the store at path. An empty path
// creates an in-memory store for testing. WAL mode allows the serve
// process and CLI ingest to share the file.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer prevents SQLITE_BUSY churn under concurrent ingest.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores DSN journal params; set pragmas explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		doc_id      TEXT PRIMARY KEY,
		source      TEXT NOT NULL,
		title       TEXT NOT NULL DEFAULT '',
		language    TEXT NOT NULL DEFAULT 'en',
		mime_type   TEXT NOT NULL DEFAULT '',
		url         TEXT NOT NULL DEFAULT '',
		sha256      TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		version     INTEGER NOT NULL DEFAULT 1,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id  TEXT PRIMARY KEY,
		doc_id    TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		text      TEXT NOT NULL,
		start_idx INTEGER NOT NULL,
		end_idx   INTEGER NOT NULL,
		metadata  TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutDocument replaces the document and its chunks in one transaction.
func (s *SQLiteStore) PutDocument(ctx context.Context, doc Document, chunks []chunk.Chunk) error {
	if doc.ID == "" {
		return apperr.Validation("document id is required")
	}
	for _, c := range chunks {
		if c.DocID != doc.ID {
			return apperr.Validation(fmt.Sprintf("chunk %s does not belong to document %s", c.ID, doc.ID))
		}
	}

	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.ChunkCount = len(chunks)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Preserve the original created_at across re-ingests and bump the
	// monotonically increasing version.
	var createdAt time.Time
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT created_at, version FROM documents WHERE doc_id = ?`, doc.ID).
		Scan(&createdAt, &version)
	switch {
	case err == nil:
		doc.CreatedAt = createdAt
		doc.Version = version + 1
	case err == sql.ErrNoRows:
		doc.Version = 1
	default:
		return apperr.Internal("read document", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, source, title, language, mime_type, url, sha256, chunk_count, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			source = excluded.source,
			title = excluded.title,
			language = excluded.language,
			mime_type = excluded.mime_type,
			url = excluded.url,
			sha256 = excluded.sha256,
			chunk_count = excluded.chunk_count,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Source, doc.Title, doc.Language, doc.MimeType, doc.URL, doc.SHA256,
		doc.ChunkCount, doc.Version, doc.CreatedAt, doc.UpdatedAt); err != nil {
		return apperr.Internal("upsert document", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, doc.ID); err != nil {
		return apperr.Internal("clear old chunks", err)
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (chunk_id, doc_id, text, start_idx, end_idx, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperr.Internal("prepare chunk insert", err)
	}
	defer func() { _ = insert.Close() }()

	for _, c := range chunks {
		md, err := json.Marshal(c.Metadata)
		if err != nil {
			return apperr.Internal("marshal chunk metadata", err)
		}
		if _, err := insert.ExecContext(ctx, c.ID, c.DocID, c.Text, c.StartIdx, c.EndIdx, string(md)); err != nil {
			return apperr.Internal("insert chunk", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Internal("commit document", err)
	}
	return nil
}

// GetDocument returns the document record.
func (s *SQLiteStore) GetDocument(ctx context.Context, docID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, source, title, language, mime_type, url, sha256, chunk_count, version, created_at, updated_at
		FROM documents WHERE doc_id = ?`, docID).
		Scan(&doc.ID, &doc.Source, &doc.Title, &doc.Language, &doc.MimeType, &doc.URL,
			&doc.SHA256, &doc.ChunkCount, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return Document{}, apperr.NotFound("document", docID)
	}
	if err != nil {
		return Document{}, apperr.Internal("read document", err)
	}
	return doc, nil
}

// ListDocuments returns all documents ordered by ID.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, source, title, language, mime_type, url, sha256, chunk_count, version, created_at, updated_at
		FROM documents ORDER BY doc_id`)
	if err != nil {
		return nil, apperr.Internal("list documents", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Source, &doc.Title, &doc.Language, &doc.MimeType, &doc.URL,
			&doc.SHA256, &doc.ChunkCount, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, apperr.Internal("scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes the document and cascades to its chunks.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, docID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = ?`, docID); err != nil {
		return apperr.Internal("delete document", err)
	}
	return nil
}

// GetChunk returns a single chunk by ID.
func (s *SQLiteStore) GetChunk(ctx context.Context, chunkID string) (chunk.Chunk, error) {
	var c chunk.Chunk
	var md string
	err := s.db.QueryRowContext(ctx, `
		SELECT chunk_id, doc_id, text, start_idx, end_idx, metadata
		FROM chunks WHERE chunk_id = ?`, chunkID).
		Scan(&c.ID, &c.DocID, &c.Text, &c.StartIdx, &c.EndIdx, &md)
	if err == sql.ErrNoRows {
		return chunk.Chunk{}, apperr.NotFound("chunk", chunkID)
	}
	if err != nil {
		return chunk.Chunk{}, apperr.Internal("read chunk", err)
	}
	if err := json.Unmarshal([]byte(md), &c.Metadata); err != nil {
		return chunk.Chunk{}, apperr.Internal("decode chunk metadata", err)
	}
	return c, nil
}

// AllChunks returns every chunk ordered by chunk ID. The single-writer
// connection pool means this reads a consistent snapshot.
func (s *SQLiteStore) AllChunks(ctx context.Context) ([]chunk.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, doc_id, text, start_idx, end_idx, metadata
		FROM chunks ORDER BY chunk_id`)
	if err != nil {
		return nil, apperr.Internal("list chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []chunk.Chunk
	for rows.Next() {
		var c chunk.Chunk
		var md string
		if err := rows.Scan(&c.ID, &c.DocID, &c.Text, &c.StartIdx, &c.EndIdx, &md); err != nil {
			return nil, apperr.Internal("scan chunk", err)
		}
		if err := json.Unmarshal([]byte(md), &c.Metadata); err != nil {
			return nil, apperr.Internal("decode chunk metadata", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkCount returns the number of stored chunks.
func (s *SQLiteStore) ChunkCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, apperr.Internal("count chunks", err)
	}
	return n, nil
}

// Health pings the database.
func (s *SQLiteStore) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Internal("store unreachable", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
