package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

// DefaultTTL is how long an idle session stays alive.
const DefaultTTL = 14 * 24 * time.Hour

// Role identifies a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in the session history. History is append-only.
type Message struct {
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Language    string    `json:"language,omitempty"`
	Citations   []string  `json:"citations,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is one consultation's accumulated state. UserID is the owning
// principal; sessions created anonymously have an empty UserID.
type Session struct {
	ID        string               `json:"session_id"`
	UserID    string               `json:"user_id,omitempty"`
	Language  string               `json:"language"`
	Title     string               `json:"title,omitempty"`
	Pinned    bool                 `json:"pinned,omitempty"`
	Archived  bool                 `json:"archived,omitempty"`
	Slots     map[string]SlotValue `json:"slots"`
	Messages  []Message            `json:"messages"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// clone returns a deep copy so callers never alias store-internal state.
func (s *Session) clone() Session {
	out := *s
	out.Slots = make(map[string]SlotValue, len(s.Slots))
	for k, v := range s.Slots {
		out.Slots[k] = v
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// Store holds sessions in memory and persists them as one JSON file with
// atomic replace. Expired sessions are collected lazily on access plus
// via SweepExpired.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	path     string
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a session store persisting under dir. An empty dir
// keeps sessions in memory only.
func NewStore(dir string, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
		s.path = filepath.Join(dir, "sessions.json")
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create starts a new session owned by userID (empty for anonymous).
// language defaults to "en".
func (s *Store) Create(userID, language string) (Session, error) {
	if language == "" {
		language = "en"
	}
	if language != "en" && language != "zh" {
		return Session{}, apperr.Validation(fmt.Sprintf("unsupported language %q", language))
	}

	now := s.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Language:  language,
		Slots:     make(map[string]SlotValue),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	err := s.save()
	s.mu.Unlock()
	if err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// Get returns the session, refreshing nothing. Expired sessions are
// removed and reported as not found.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.liveLocked(id)
	if err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// liveLocked fetches a session, lazily deleting it when expired. Caller
// holds the write lock.
func (s *Store) liveLocked(id string) (*Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session", id)
	}
	if s.now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		_ = s.save()
		return nil, apperr.NotFound("session", id)
	}
	return sess, nil
}

// UpdateSlots applies resets first, then sets. Each invalid value is
// reported in the returned error map and leaves the slot's prior value
// in place; valid updates in the same call still apply. Any update
// refreshes the TTL.
func (s *Store) UpdateSlots(id string, set map[string]string, reset []string) (Session, map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.liveLocked(id)
	if err != nil {
		return Session{}, nil, err
	}

	for _, name := range reset {
		if _, ok := catalog[name]; !ok {
			return Session{}, nil, apperr.Validation(fmt.Sprintf("unknown slot %q", name))
		}
		delete(sess.Slots, name)
	}

	slotErrors := make(map[string]string)
	for name, raw := range set {
		value, err := ValidateSlot(name, raw)
		if err != nil {
			if ae, ok := err.(*apperr.Error); ok {
				slotErrors[name] = ae.Message
			} else {
				slotErrors[name] = err.Error()
			}
			continue
		}
		sess.Slots[name] = value
	}

	s.touchLocked(sess)
	if err := s.save(); err != nil {
		return Session{}, nil, err
	}
	return sess.clone(), slotErrors, nil
}

// AppendMessage appends one turn to the history and refreshes the TTL.
func (s *Store) AppendMessage(id string, msg Message) (Session, error) {
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return Session{}, apperr.Validation(fmt.Sprintf("unknown message role %q", msg.Role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.liveLocked(id)
	if err != nil {
		return Session{}, err
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	sess.Messages = append(sess.Messages, msg)
	s.touchLocked(sess)
	if err := s.save(); err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// UpdateSettings updates the user-facing session settings. Nil fields
// are left unchanged. Any change refreshes the TTL.
func (s *Store) UpdateSettings(id string, title *string, pinned, archived *bool) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.liveLocked(id)
	if err != nil {
		return Session{}, err
	}

	if title != nil {
		sess.Title = *title
	}
	if pinned != nil {
		sess.Pinned = *pinned
	}
	if archived != nil {
		sess.Archived = *archived
	}
	s.touchLocked(sess)
	if err := s.save(); err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// UpdateMetadata merges metadata keys. Empty values delete keys.
func (s *Store) UpdateMetadata(id string, metadata map[string]string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.liveLocked(id)
	if err != nil {
		return Session{}, err
	}

	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string)
	}
	for k, v := range metadata {
		if v == "" {
			delete(sess.Metadata, k)
		} else {
			sess.Metadata[k] = v
		}
	}
	s.touchLocked(sess)
	if err := s.save(); err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// Delete removes a session. Deleting an unknown session is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	delete(s.sessions, id)
	return s.save()
}

// SweepExpired removes all expired sessions and returns the count.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		_ = s.save()
		s.logger.Info("sessions_swept", slog.Int("removed", removed))
	}
	return removed
}

// Count returns the number of live (non-expired) sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, sess := range s.sessions {
		if !now.After(sess.ExpiresAt) {
			n++
		}
	}
	return n
}

func (s *Store) touchLocked(sess *Session) {
	now := s.now().UTC()
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(s.ttl)
}

// save writes the session file atomically: temp file in the same
// directory, fsync, rename. Caller holds the lock.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return apperr.Internal("encode sessions", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".sessions-*.json")
	if err != nil {
		return apperr.Internal("create temp session file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperr.Internal("write sessions", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperr.Internal("sync sessions", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Internal("close session file", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Internal("replace session file", err)
	}
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}

	sessions := make(map[string]*Session)
	if err := json.Unmarshal(data, &sessions); err != nil {
		// A corrupt session file should not keep the service down.
		s.logger.Warn("session_file_corrupt",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return nil
	}

	for _, sess := range sessions {
		if sess.Slots == nil {
			sess.Slots = make(map[string]SlotValue)
		}
	}
	s.sessions = sessions
	return nil
}
