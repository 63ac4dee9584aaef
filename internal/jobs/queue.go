// Package jobs is the durable ingest queue. Jobs survive restarts in a
// bbolt file: workers claim the oldest runnable job, failures requeue
// with exponential delay until the attempt budget runs out, and every
// state change is appended to a per-job audit trail.
package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// DefaultMaxAttempts is the attempt budget for one job.
const DefaultMaxAttempts = 3

// retryBaseDelay and retryMaxDelay bound the requeue backoff:
// 5s * 2^attempts, capped at five minutes.
const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// StaleRunningAfter is how long a running job may go without progress
// before recovery requeues it (a worker crashed mid-job).
const StaleRunningAfter = 15 * time.Minute

var (
	bucketJobs  = []byte("jobs")
	bucketAudit = []byte("audit")
)

// Job is one ingest unit of work.
type Job struct {
	ID          string    `json:"job_id"`
	UploadID    string    `json:"upload_id,omitempty"`
	Source      string    `json:"source"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mime_type"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Error       string    `json:"error,omitempty"`
	DocID       string    `json:"doc_id,omitempty"`
	ChunkCount  int       `json:"chunk_count,omitempty"`
	NotBefore   time.Time `json:"not_before"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditEntry is one line of a job's history.
type AuditEntry struct {
	JobID   string    `json:"job_id"`
	Event   string    `json:"event"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
}

// Queue is the durable job store.
type Queue struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the queue database at path.
func Open(path string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init job database: %w", err)
	}

	return &Queue{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue adds a queued job and returns it.
func (q *Queue) Enqueue(source, uploadID, filename, mimeType string) (Job, error) {
	if source == "" {
		return Job{}, apperr.Validation("job source is required")
	}

	now := q.now().UTC()
	job := Job{
		ID:          uuid.NewString(),
		UploadID:    uploadID,
		Source:      source,
		Filename:    filename,
		MimeType:    mimeType,
		State:       StateQueued,
		MaxAttempts: DefaultMaxAttempts,
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		if err := putJob(tx, job); err != nil {
			return err
		}
		return q.audit(tx, job, "enqueued", source)
	})
	if err != nil {
		return Job{}, apperr.Internal("enqueue job", err)
	}

	q.logger.Info("job_enqueued",
		slog.String("job_id", job.ID),
		slog.String("source", source))
	return job, nil
}

// Get returns one job by ID.
func (q *Queue) Get(id string) (Job, error) {
	var job Job
	err := q.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketJobs).Get([]byte(id))
		if raw == nil {
			return apperr.NotFound("job", id)
		}
		return json.Unmarshal(raw, &job)
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// List returns jobs, optionally filtered by state, newest first.
func (q *Queue) List(states ...State) ([]Job, error) {
	filter := make(map[State]bool, len(states))
	for _, s := range states {
		filter[s] = true
	}

	var jobs []Job
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var job Job
			if err := json.Unmarshal(raw, &job); err != nil {
				return err
			}
			if len(filter) == 0 || filter[job.State] {
				jobs = append(jobs, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Internal("list jobs", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Claim atomically takes the oldest runnable queued job, marks it
// running and increments its attempt counter. ok is false when nothing
// is runnable.
func (q *Queue) Claim() (job Job, ok bool, err error) {
	now := q.now().UTC()

	err = q.db.Update(func(tx *bolt.Tx) error {
		var candidate *Job
		scanErr := tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var j Job
			if err := json.Unmarshal(raw, &j); err != nil {
				return err
			}
			if j.State != StateQueued || j.NotBefore.After(now) {
				return nil
			}
			if candidate == nil || j.CreatedAt.Before(candidate.CreatedAt) {
				candidate = &j
			}
			return nil
		})
		if scanErr != nil {
			return scanErr
		}
		if candidate == nil {
			return nil
		}

		candidate.State = StateRunning
		candidate.Attempts++
		candidate.Error = ""
		candidate.UpdatedAt = now
		if err := putJob(tx, *candidate); err != nil {
			return err
		}
		if err := q.audit(tx, *candidate, "claimed", ""); err != nil {
			return err
		}
		job = *candidate
		ok = true
		return nil
	})
	if err != nil {
		return Job{}, false, apperr.Internal("claim job", err)
	}
	return job, ok, nil
}

// MarkSucceeded finishes a running job.
func (q *Queue) MarkSucceeded(id, docID string, chunkCount int) error {
	return q.transition(id, StateRunning, func(job *Job) string {
		job.State = StateSucceeded
		job.DocID = docID
		job.ChunkCount = chunkCount
		return fmt.Sprintf("doc %s with %d chunks", docID, chunkCount)
	}, "succeeded")
}

// MarkFailed records a failure. The job requeues with exponential delay
// while attempts remain, and fails terminally once they are spent.
func (q *Queue) MarkFailed(id string, cause string) error {
	return q.transition(id, StateRunning, func(job *Job) string {
		job.Error = cause
		if job.Attempts >= job.MaxAttempts {
			job.State = StateFailed
			return cause
		}
		job.State = StateQueued
		job.NotBefore = q.now().UTC().Add(retryDelay(job.Attempts))
		return fmt.Sprintf("retry %d/%d after %s: %s",
			job.Attempts, job.MaxAttempts, retryDelay(job.Attempts), cause)
	}, "failed")
}

// Cancel withdraws a queued job. Running or finished jobs cannot be
// cancelled.
func (q *Queue) Cancel(id string) error {
	return q.transition(id, StateQueued, func(job *Job) string {
		job.State = StateCancelled
		return ""
	}, "cancelled")
}

// RecoverStale requeues running jobs that have not progressed within
// staleAfter, preserving their attempt counts. Call on startup and
// periodically.
func (q *Queue) RecoverStale(staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = StaleRunningAfter
	}
	now := q.now().UTC()
	cutoff := now.Add(-staleAfter)

	recovered := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		var stale []Job
		scanErr := tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var j Job
			if err := json.Unmarshal(raw, &j); err != nil {
				return err
			}
			if j.State == StateRunning && j.UpdatedAt.Before(cutoff) {
				stale = append(stale, j)
			}
			return nil
		})
		if scanErr != nil {
			return scanErr
		}

		for _, job := range stale {
			job.State = StateQueued
			job.NotBefore = now
			job.UpdatedAt = now
			if err := putJob(tx, job); err != nil {
				return err
			}
			if err := q.audit(tx, job, "recovered", "stale running job requeued"); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Internal("recover stale jobs", err)
	}

	if recovered > 0 {
		q.logger.Warn("stale_jobs_recovered", slog.Int("count", recovered))
	}
	return recovered, nil
}

// AuditTrail returns a job's history in order.
func (q *Queue) AuditTrail(id string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := q.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketAudit).Cursor()
		prefix := []byte(id + "/")
		for k, v := cursor.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = cursor.Next() {
			var entry AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Internal("read audit trail", err)
	}
	return entries, nil
}

func (q *Queue) transition(id string, from State, apply func(*Job) string, event string) error {
	now := q.now().UTC()
	err := q.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketJobs).Get([]byte(id))
		if raw == nil {
			return apperr.NotFound("job", id)
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return err
		}
		if job.State != from {
			return apperr.Validation(fmt.Sprintf(
				"job %s is %s, expected %s", id, job.State, from))
		}

		detail := apply(&job)
		job.UpdatedAt = now
		if err := putJob(tx, job); err != nil {
			return err
		}
		return q.audit(tx, job, event, detail)
	})
	if apperr.IsKind(err, apperr.KindNotFound) || apperr.IsKind(err, apperr.KindValidation) {
		return err
	}
	if err != nil {
		return apperr.Internal("update job", err)
	}
	return nil
}

func putJob(tx *bolt.Tx, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(job.ID), raw)
}

// audit appends one entry keyed job_id/seq so a cursor scan returns the
// trail in write order.
func (q *Queue) audit(tx *bolt.Tx, job Job, event, detail string) error {
	bucket := tx.Bucket(bucketAudit)
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}

	entry := AuditEntry{
		JobID:   job.ID,
		Event:   event,
		Detail:  detail,
		At:      q.now().UTC(),
		Attempt: job.Attempts,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(fmt.Sprintf("%s/%016d", job.ID, seq)), raw)
}

func retryDelay(attempts int) time.Duration {
	delay := retryBaseDelay << attempts
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
