package metrics

import "sync"

// Event counter names used across the server. Names are intentionally simple;
// they surface as the `event` label on the /metrics endpoint.
const (
	AuthFailure             = "auth_failure"
	SessionsRejectedCap     = "sessions_rejected_capacity"
	FramesReceived          = "frames_received"
	FramesDispatched        = "frames_dispatched"
	FramesDroppedSuperseded = "frames_dropped_superseded"
	FramesDroppedDecode     = "frames_dropped_decode"
	FramesDroppedInference  = "frames_dropped_inference"
	FramesDroppedTimeout    = "frames_dropped_timeout"
	FramesDroppedRateLimit  = "frames_dropped_rate_limited"
	AnnotationsSent         = "annotations_sent"
	AnnotationsDiscarded    = "annotations_discarded"
	StatusSubscriberDropped = "status_subscribers_dropped"
	SessionsIdleClosed      = "sessions_idle_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to plug into a real metrics backend;
// this type exists to keep pipeline and session logic testable while still
// exposing drop counters over HTTP.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
