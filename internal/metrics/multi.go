package metrics

import "time"

// MultiRecorder fans out metrics to multiple recorders.
type MultiRecorder struct {
	recorders []Recorder
}

func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	nonNil := make([]Recorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			nonNil = append(nonNil, r)
		}
	}
	return &MultiRecorder{recorders: nonNil}
}

func (m *MultiRecorder) ObserveAdvance(entryID string, outcome string, duration time.Duration) {
	for _, r := range m.recorders {
		r.ObserveAdvance(entryID, outcome, duration)
	}
}

func (m *MultiRecorder) ObserveSpawn(entryID string) {
	for _, r := range m.recorders {
		r.ObserveSpawn(entryID)
	}
}

func (m *MultiRecorder) ObserveTerminate(entryID string) {
	for _, r := range m.recorders {
		r.ObserveTerminate(entryID)
	}
}

func (m *MultiRecorder) ObserveResolution(functionID string, status string) {
	for _, r := range m.recorders {
		r.ObserveResolution(functionID, status)
	}
}
