package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), time.Hour, 1024, nil)
	require.NoError(t, err)
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	data := []byte("university handbook contents")

	meta, err := s.Put(data, "handbook.txt", "text/plain", PurposeRAG)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, "handbook.txt", meta.Filename)
	assert.Equal(t, int64(len(data)), meta.Size)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.SHA256)

	got, gotMeta, err := s.Get(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, meta.ID, gotMeta.ID)
}

func TestPutValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put(nil, "f", "text/plain", PurposeChat)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = s.Put(make([]byte, 2048), "f", "text/plain", PurposeChat)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = s.Put([]byte("x"), "f", "text/plain", "archive")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestFilenameStripsDirectories(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.Put([]byte("x"), "../../etc/passwd", "text/plain", PurposeChat)
	require.NoError(t, err)
	assert.Equal(t, "passwd", meta.Filename)
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Get("00000000-0000-0000-0000-000000000000")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, _, err = s.Get("../sneaky")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.Put([]byte("bytes"), "f.txt", "text/plain", PurposeChat)
	require.NoError(t, err)

	require.NoError(t, s.Delete(meta.ID))
	require.NoError(t, s.Delete(meta.ID))

	_, _, err = s.Get(meta.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestExpiryAndSweep(t *testing.T) {
	s := newTestStore(t)

	old, err := s.Put([]byte("old"), "old.txt", "text/plain", PurposeRAG)
	require.NoError(t, err)

	// Move past retention, then store a fresh upload.
	base := time.Now()
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh, err := s.Put([]byte("fresh"), "fresh.txt", "text/plain", PurposeRAG)
	require.NoError(t, err)

	// Expired uploads read as not found.
	_, _, err = s.Get(old.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	removed, err := s.SweepExpired()
	require.NoError(t, err)
	// Get already collected the expired one lazily.
	assert.LessOrEqual(t, removed, 1)

	_, _, err = s.Get(fresh.ID)
	assert.NoError(t, err)
}
