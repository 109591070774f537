package metrics

import "time"

// Advance outcomes reported by tracer sessions.
const (
	OutcomeCacheHit     = "cache_hit"
	OutcomeOK           = "ok"
	OutcomeTracedError  = "traced_error"
	OutcomeTimeout      = "timeout"
	OutcomeExit         = "abnormal_exit"
	OutcomeSpawnFailure = "spawn_failure"
	OutcomeStopped      = "stopped"
	OutcomeBusy         = "busy"
)

// Recorder defines metric hooks for session and resolver instrumentation.
type Recorder interface {
	ObserveAdvance(entryID string, outcome string, duration time.Duration)
	ObserveSpawn(entryID string)
	ObserveTerminate(entryID string)
	ObserveResolution(functionID string, status string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) ObserveAdvance(string, string, time.Duration) {}
func (NoopRecorder) ObserveSpawn(string)                          {}
func (NoopRecorder) ObserveTerminate(string)                      {}
func (NoopRecorder) ObserveResolution(string, string)             {}
