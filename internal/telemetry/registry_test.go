package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	r := NewRegistry()

	r.Inc("queries_total")
	r.Inc("queries_total")
	r.Add("ingest_chunks", 42)

	assert.Equal(t, int64(2), r.Counter("queries_total"))
	assert.Equal(t, int64(42), r.Counter("ingest_chunks"))
	assert.Zero(t, r.Counter("never_seen"))
}

func TestCountersConcurrent(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Inc("hits")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), r.Counter("hits"))
}

func TestPhaseStats(t *testing.T) {
	r := NewRegistry()

	for i := 1; i <= 100; i++ {
		r.ObservePhase("retrieval", time.Duration(i)*time.Millisecond)
	}

	stats := r.PhaseStats("retrieval")
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, 50*time.Millisecond, stats.P50)
	assert.Equal(t, 95*time.Millisecond, stats.P95)

	assert.Zero(t, r.PhaseStats("unknown").Count)
}

func TestPhaseWindowEvictsOldest(t *testing.T) {
	r := NewRegistry()

	// Fill beyond the window with slow samples, then fast ones.
	for i := 0; i < DefaultPhaseWindow; i++ {
		r.ObservePhase("generation", time.Second)
	}
	for i := 0; i < DefaultPhaseWindow; i++ {
		r.ObservePhase("generation", time.Millisecond)
	}

	stats := r.PhaseStats("generation")
	assert.Equal(t, DefaultPhaseWindow, stats.Count)
	assert.Equal(t, time.Millisecond, stats.P95)
}

func TestSnapshotAndHistory(t *testing.T) {
	r := NewRegistry()
	r.Inc("queries_total")
	r.ObservePhase("rerank", 10*time.Millisecond)

	snap := r.RecordSnapshot()
	assert.Equal(t, int64(1), snap.Counters["queries_total"])
	assert.Equal(t, 1, snap.Phases["rerank"].Count)
	assert.False(t, snap.TakenAt.IsZero())

	// Snapshot is a copy, not a live view.
	r.Inc("queries_total")
	assert.Equal(t, int64(1), snap.Counters["queries_total"])

	require.Len(t, r.History(), 1)
}

func TestHistoryBounded(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < DefaultSnapshotHistory+10; i++ {
		r.Inc(fmt.Sprintf("c%d", i))
		r.RecordSnapshot()
	}
	assert.Len(t, r.History(), DefaultSnapshotHistory)
}

func TestRingOrder(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, ring.Items())
	assert.Equal(t, 3, ring.Size())
}

func TestStatusDigest(t *testing.T) {
	tests := []struct {
		name string
		in   StatusInput
		want StatusLevel
	}{
		{"all healthy", StatusInput{IndexReady: true, StoreHealthy: true, CircuitState: "closed"}, StatusGreen},
		{"store down", StatusInput{IndexReady: true, StoreHealthy: false}, StatusRed},
		{"index not ready", StatusInput{IndexReady: false, StoreHealthy: true}, StatusRed},
		{"index degraded", StatusInput{IndexReady: true, StoreHealthy: true, IndexDegraded: true}, StatusAmber},
		{"circuit open", StatusInput{IndexReady: true, StoreHealthy: true, CircuitState: "open"}, StatusAmber},
		{"circuit half open", StatusInput{IndexReady: true, StoreHealthy: true, CircuitState: "half_open"}, StatusAmber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.in))
		})
	}
}
