package inference

import (
	"context"
	"sync/atomic"
)

// Monitor wraps an Engine and tracks consecutive failures so the health
// endpoint can report the process as degraded when the detector is down.
type Monitor struct {
	engine Engine

	// threshold is the number of consecutive failures after which Healthy
	// reports false.
	threshold int64

	consecutiveFailures atomic.Int64
}

const DefaultDegradedThreshold = 3

func NewMonitor(engine Engine, threshold int) *Monitor {
	if threshold <= 0 {
		threshold = DefaultDegradedThreshold
	}
	return &Monitor{engine: engine, threshold: int64(threshold)}
}

func (m *Monitor) Infer(ctx context.Context, frame Frame) (Annotation, error) {
	ann, err := m.engine.Infer(ctx, frame)
	if err != nil {
		m.consecutiveFailures.Add(1)
		return Annotation{}, err
	}
	m.consecutiveFailures.Store(0)
	return ann, nil
}

// Healthy reports whether the detector has responded successfully recently.
// Never blocks.
func (m *Monitor) Healthy() bool {
	return m.consecutiveFailures.Load() < m.threshold
}
