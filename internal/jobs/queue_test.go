package jobs

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "jobs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueAndGet(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Enqueue("upload", "up-1", "handbook.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, job.State)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Zero(t, job.Attempts)

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "handbook.pdf", got.Filename)

	_, err = q.Get("missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = q.Enqueue("", "", "f", "m")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestClaimOldestFirst(t *testing.T) {
	q := newTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	first, err := q.Enqueue("watch", "", "a.txt", "text/plain")
	require.NoError(t, err)
	clock = base.Add(time.Second)
	second, err := q.Enqueue("watch", "", "b.txt", "text/plain")
	require.NoError(t, err)

	claimed, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, StateRunning, claimed.State)
	assert.Equal(t, 1, claimed.Attempts)

	claimed, ok, err = q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, claimed.ID)

	_, ok, err = q.Claim()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSuccessLifecycle(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Enqueue("upload", "up-9", "guide.txt", "text/plain")
	require.NoError(t, err)
	_, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.MarkSucceeded(job.ID, "doc-abc123", 17))

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, "doc-abc123", got.DocID)
	assert.Equal(t, 17, got.ChunkCount)

	// Finished jobs do not transition again.
	err = q.MarkFailed(job.ID, "late failure")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestFailureRequeuesWithDelay(t *testing.T) {
	q := newTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	job, err := q.Enqueue("upload", "", "flaky.txt", "text/plain")
	require.NoError(t, err)

	_, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.MarkFailed(job.ID, "provider down"))

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "provider down", got.Error)

	// Not runnable until the backoff elapses.
	_, ok, err = q.Claim()
	require.NoError(t, err)
	assert.False(t, ok)

	// One attempt down means a 5s*2^1 delay.
	clock = base.Add(6 * time.Second)
	_, ok, err = q.Claim()
	require.NoError(t, err)
	assert.False(t, ok)

	clock = base.Add(10 * time.Second)
	claimed, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, claimed.Attempts)
}

func TestRetryDelaySchedule(t *testing.T) {
	assert.Equal(t, 10*time.Second, retryDelay(1))
	assert.Equal(t, 20*time.Second, retryDelay(2))
	assert.Equal(t, 40*time.Second, retryDelay(3))
	assert.Equal(t, retryMaxDelay, retryDelay(12))
}

func TestFailureExhaustsAttempts(t *testing.T) {
	q := newTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	job, err := q.Enqueue("upload", "", "doomed.txt", "text/plain")
	require.NoError(t, err)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		clock = clock.Add(10 * time.Minute)
		claimed, ok, err := q.Claim()
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", attempt)
		assert.Equal(t, attempt, claimed.Attempts)
		require.NoError(t, q.MarkFailed(job.ID, "still broken"))
	}

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)

	clock = clock.Add(time.Hour)
	_, ok, err := q.Claim()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelQueuedOnly(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Enqueue("upload", "", "c.txt", "text/plain")
	require.NoError(t, err)
	require.NoError(t, q.Cancel(job.ID))

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)

	running, err := q.Enqueue("upload", "", "r.txt", "text/plain")
	require.NoError(t, err)
	_, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, apperr.IsKind(q.Cancel(running.ID), apperr.KindValidation))
}

func TestRecoverStalePreservesAttempts(t *testing.T) {
	q := newTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	job, err := q.Enqueue("upload", "", "stuck.txt", "text/plain")
	require.NoError(t, err)
	_, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)

	// Fresh running jobs are untouched.
	recovered, err := q.RecoverStale(15 * time.Minute)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	clock = base.Add(20 * time.Minute)
	recovered, err = q.RecoverStale(15 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, 1, got.Attempts)

	claimed, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, claimed.Attempts)
}

func TestListFiltersByState(t *testing.T) {
	q := newTestQueue(t)

	a, err := q.Enqueue("upload", "", "a.txt", "text/plain")
	require.NoError(t, err)
	_, err = q.Enqueue("upload", "", "b.txt", "text/plain")
	require.NoError(t, err)

	_, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.MarkSucceeded(a.ID, "doc-a", 3))

	queued, err := q.List(StateQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "b.txt", queued[0].Filename)

	all, err := q.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAuditTrail(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Enqueue("upload", "", "t.txt", "text/plain")
	require.NoError(t, err)
	_, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.MarkSucceeded(job.ID, "doc-t", 5))

	trail, err := q.AuditTrail(job.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, "enqueued", trail[0].Event)
	assert.Equal(t, "claimed", trail[1].Event)
	assert.Equal(t, "succeeded", trail[2].Event)
	assert.Equal(t, 1, trail[2].Attempt)
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.db")

	q, err := Open(path, nil)
	require.NoError(t, err)
	job, err := q.Enqueue("upload", "", "persist.txt", "text/plain")
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q2, err := Open(path, nil)
	require.NoError(t, err)
	defer func() { _ = q2.Close() }()

	got, err := q2.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
}

func TestWorkerProcessesJobs(t *testing.T) {
	q := newTestQueue(t)

	for range 3 {
		_, err := q.Enqueue("upload", "", "w.txt", "text/plain")
		require.NoError(t, err)
	}

	var handled atomic.Int32
	worker := NewWorker(q, func(_ context.Context, job Job) (string, int, error) {
		handled.Add(1)
		return "doc-" + job.ID[:8], 4, nil
	}, 2, nil)
	worker.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		succeeded, err := q.List(StateSucceeded)
		return err == nil && len(succeeded) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), handled.Load())
}

func TestWorkerRetriesFailedHandler(t *testing.T) {
	q := newTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	job, err := q.Enqueue("upload", "", "retry.txt", "text/plain")
	require.NoError(t, err)

	var calls atomic.Int32
	worker := NewWorker(q, func(context.Context, Job) (string, int, error) {
		if calls.Add(1) == 1 {
			return "", 0, apperr.Provider("transient", true, nil)
		}
		return "doc-ok", 2, nil
	}, 1, nil)

	claimed, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	worker.execute(context.Background(), claimed)

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)

	clock = base.Add(10 * time.Second)
	claimed, ok, err = q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	worker.execute(context.Background(), claimed)

	got, err = q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}
