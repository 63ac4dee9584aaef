// Package telemetry collects service metrics: named counters, per-phase
// latency windows with percentiles, and a short history of snapshots
// backing the status endpoint. Everything stays in memory; nothing is
// reported externally.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultPhaseWindow is how many recent observations a phase keeps
	// for percentile computation.
	DefaultPhaseWindow = 256

	// DefaultSnapshotHistory is how many periodic snapshots are retained.
	DefaultSnapshotHistory = 30
)

// PhaseStats summarizes a phase's recent latency window.
type PhaseStats struct {
	Count int           `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	TakenAt  time.Time             `json:"taken_at"`
	Uptime   time.Duration         `json:"uptime"`
	Counters map[string]int64      `json:"counters"`
	Phases   map[string]PhaseStats `json:"phases"`
}

// StatusLevel is the coarse service health digest.
type StatusLevel string

const (
	StatusGreen StatusLevel = "green"
	StatusAmber StatusLevel = "amber"
	StatusRed   StatusLevel = "red"
)

// StatusInput carries the component states the digest is derived from.
type StatusInput struct {
	IndexReady    bool
	IndexDegraded bool
	StoreHealthy  bool
	CircuitState  string
}

// Registry is the process-wide metrics collector. Safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]int64
	phases    map[string]*Ring[time.Duration]
	history   *Ring[Snapshot]
	startTime time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]int64),
		phases:    make(map[string]*Ring[time.Duration]),
		history:   NewRing[Snapshot](DefaultSnapshotHistory),
		startTime: time.Now(),
	}
}

// Inc increments a named counter by one.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add increments a named counter by delta.
func (r *Registry) Add(name string, delta int64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// Counter returns the current value of a counter, zero if never set.
func (r *Registry) Counter(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// ObservePhase records one latency observation for a named phase.
func (r *Registry) ObservePhase(phase string, d time.Duration) {
	r.mu.Lock()
	ring, ok := r.phases[phase]
	if !ok {
		ring = NewRing[time.Duration](DefaultPhaseWindow)
		r.phases[phase] = ring
	}
	r.mu.Unlock()
	ring.Add(d)
}

// PhaseStats computes percentiles over the phase's recent window.
func (r *Registry) PhaseStats(phase string) PhaseStats {
	r.mu.RLock()
	ring, ok := r.phases[phase]
	r.mu.RUnlock()
	if !ok {
		return PhaseStats{}
	}
	return statsOf(ring.Items())
}

func statsOf(samples []time.Duration) PhaseStats {
	if len(samples) == 0 {
		return PhaseStats{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return PhaseStats{
		Count: len(sorted),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Snapshot captures the current counters and phase stats.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	phaseRings := make(map[string]*Ring[time.Duration], len(r.phases))
	for k, v := range r.phases {
		phaseRings[k] = v
	}
	r.mu.RUnlock()

	phases := make(map[string]PhaseStats, len(phaseRings))
	for name, ring := range phaseRings {
		phases[name] = statsOf(ring.Items())
	}

	return Snapshot{
		TakenAt:  time.Now().UTC(),
		Uptime:   time.Since(r.startTime),
		Counters: counters,
		Phases:   phases,
	}
}

// RecordSnapshot takes a snapshot and appends it to the history ring.
func (r *Registry) RecordSnapshot() Snapshot {
	snap := r.Snapshot()
	r.history.Add(snap)
	return snap
}

// History returns retained snapshots oldest first.
func (r *Registry) History() []Snapshot {
	return r.history.Items()
}

// Status derives the coarse health digest. Red means a core dependency
// is down; amber means the service answers but in a degraded mode.
func Status(in StatusInput) StatusLevel {
	if !in.StoreHealthy || !in.IndexReady {
		return StatusRed
	}
	if in.IndexDegraded || in.CircuitState == "open" || in.CircuitState == "half_open" {
		return StatusAmber
	}
	return StatusGreen
}
