package metrics

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of in-memory counters.
type Snapshot struct {
	Advances     int
	CacheHits    int
	Failures     int
	Spawns       int
	Terminations int
	Resolutions  int
	ByOutcome    map[string]int
	// Lifecycle lists "spawn <entry>" and "terminate <entry>" in the order
	// they happened.
	Lifecycle []string
}

// InMemoryRecorder keeps counters for CLI summaries and tests.
type InMemoryRecorder struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{snap: Snapshot{ByOutcome: make(map[string]int)}}
}

func (r *InMemoryRecorder) ObserveAdvance(_ string, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Advances++
	r.snap.ByOutcome[outcome]++
	switch outcome {
	case OutcomeCacheHit:
		r.snap.CacheHits++
	case OutcomeOK:
	default:
		r.snap.Failures++
	}
}

func (r *InMemoryRecorder) ObserveSpawn(entryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Spawns++
	r.snap.Lifecycle = append(r.snap.Lifecycle, "spawn "+entryID)
}

func (r *InMemoryRecorder) ObserveTerminate(entryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Terminations++
	r.snap.Lifecycle = append(r.snap.Lifecycle, "terminate "+entryID)
}

func (r *InMemoryRecorder) ObserveResolution(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Resolutions++
}

func (r *InMemoryRecorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.snap
	out.ByOutcome = make(map[string]int, len(r.snap.ByOutcome))
	for k, v := range r.snap.ByOutcome {
		out.ByOutcome[k] = v
	}
	out.Lifecycle = append([]string(nil), r.snap.Lifecycle...)
	return out
}
