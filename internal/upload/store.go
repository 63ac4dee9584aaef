// Package upload stores raw uploaded files on disk with JSON sidecar
// metadata. Uploads are retained for a configurable period and swept
// once expired; ingestion reads bytes back by upload ID.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

// Purpose is what an upload is for.
type Purpose string

const (
	// PurposeChat uploads are attachments answered about in one query.
	PurposeChat Purpose = "chat"
	// PurposeRAG uploads are ingested into the knowledge base.
	PurposeRAG Purpose = "rag"
)

// DefaultRetention is how long uploads are kept.
const DefaultRetention = 30 * 24 * time.Hour

// Meta is the sidecar record stored next to an upload's bytes.
type Meta struct {
	ID        string    `json:"upload_id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	Purpose   Purpose   `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists uploads under a directory, one <id> byte file plus one
// <id>.json sidecar each.
type Store struct {
	dir       string
	retention time.Duration
	maxSize   int64
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates an upload store rooted at dir. maxSize bounds a
// single upload in bytes; zero means no bound.
func NewStore(dir string, retention time.Duration, maxSize int64, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, apperr.Validation("upload directory is required")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Store{dir: dir, retention: retention, maxSize: maxSize, logger: logger, now: time.Now}, nil
}

// Put stores one upload and returns its metadata.
func (s *Store) Put(data []byte, filename, mimeType string, purpose Purpose) (Meta, error) {
	if len(data) == 0 {
		return Meta{}, apperr.Validation("upload is empty")
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return Meta{}, apperr.Validation(fmt.Sprintf(
			"upload of %d bytes exceeds limit of %d bytes", len(data), s.maxSize))
	}
	if purpose != PurposeChat && purpose != PurposeRAG {
		return Meta{}, apperr.Validation(fmt.Sprintf("unknown upload purpose %q", purpose))
	}

	sum := sha256.Sum256(data)
	now := s.now().UTC()
	meta := Meta{
		ID:        uuid.NewString(),
		Filename:  filepath.Base(filename),
		MimeType:  mimeType,
		Size:      int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}

	if err := s.writeAtomic(s.bytesPath(meta.ID), data); err != nil {
		return Meta{}, err
	}
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Meta{}, apperr.Internal("encode upload metadata", err)
	}
	if err := s.writeAtomic(s.metaPath(meta.ID), sidecar); err != nil {
		_ = os.Remove(s.bytesPath(meta.ID))
		return Meta{}, err
	}

	s.logger.Info("upload_stored",
		slog.String("upload_id", meta.ID),
		slog.String("purpose", string(purpose)),
		slog.Int64("size", meta.Size))
	return meta, nil
}

// Get returns an upload's bytes and metadata. Expired uploads are
// reported as not found.
func (s *Store) Get(id string) ([]byte, Meta, error) {
	meta, err := s.Stat(id)
	if err != nil {
		return nil, Meta{}, err
	}

	data, err := os.ReadFile(s.bytesPath(id))
	if os.IsNotExist(err) {
		return nil, Meta{}, apperr.NotFound("upload", id)
	}
	if err != nil {
		return nil, Meta{}, apperr.Internal("read upload", err)
	}
	return data, meta, nil
}

// Stat returns only the metadata.
func (s *Store) Stat(id string) (Meta, error) {
	if !validID(id) {
		return Meta{}, apperr.Validation("malformed upload id")
	}

	raw, err := os.ReadFile(s.metaPath(id))
	if os.IsNotExist(err) {
		return Meta{}, apperr.NotFound("upload", id)
	}
	if err != nil {
		return Meta{}, apperr.Internal("read upload metadata", err)
	}

	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, apperr.Internal("decode upload metadata", err)
	}
	if s.now().After(meta.ExpiresAt) {
		_ = s.Delete(id)
		return Meta{}, apperr.NotFound("upload", id)
	}
	return meta, nil
}

// Delete removes an upload. Deleting an unknown ID is a no-op.
func (s *Store) Delete(id string) error {
	if !validID(id) {
		return apperr.Validation("malformed upload id")
	}
	if err := os.Remove(s.bytesPath(id)); err != nil && !os.IsNotExist(err) {
		return apperr.Internal("delete upload", err)
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return apperr.Internal("delete upload metadata", err)
	}
	return nil
}

// SweepExpired deletes uploads past retention and returns the count.
func (s *Store) SweepExpired() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, apperr.Internal("scan upload directory", err)
	}

	removed := 0
	now := s.now()
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		if now.After(meta.ExpiresAt) {
			if err := s.Delete(meta.ID); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Info("uploads_swept", slog.Int("removed", removed))
	}
	return removed, nil
}

func (s *Store) bytesPath(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// validID rejects anything that could escape the upload directory.
func validID(id string) bool {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return true
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return apperr.Internal("create temp upload file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperr.Internal("write upload", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Internal("close upload file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Internal("finalize upload file", err)
	}
	return nil
}
