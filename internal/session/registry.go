package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/posekit/pose-relay/internal/metrics"
)

// Observer is notified after peer-count changes. The registry invokes it
// outside its own lock, so implementations may call back into the
// registry.
type Observer interface {
	PeerJoined(id, handle string, peerCount int)
	PeerLeft(id, handle string, peerCount int)
}

// Registry is the process-wide session table. A single mutex guards the
// map; sessions share no other mutable state, so no cross-session lock
// ordering exists.
type Registry struct {
	maxSessions int
	idleTimeout time.Duration
	metrics     *metrics.Metrics
	observer    Observer

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(maxSessions int, idleTimeout time.Duration, m *metrics.Metrics, observer Observer) *Registry {
	return &Registry{
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		metrics:     m,
		observer:    observer,
		sessions:    make(map[string]*Session),
	}
}

// Create allocates a new session in the Negotiating state. Session IDs
// are random and never reused.
func (r *Registry) Create(handle string) (*Session, error) {
	s := &Session{
		id:          uuid.NewString(),
		handle:      handle,
		createdAt:   time.Now(),
		idleTimeout: r.idleTimeout,
		state:       StateNegotiating,
		done:        make(chan struct{}),
	}
	s.lastActivity = s.createdAt
	s.onIdle = func() {
		r.metrics.Inc(metrics.SessionsIdleClosed)
	}
	s.onClose = func() {
		r.remove(s)
	}

	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.metrics.Inc(metrics.SessionsRejectedCap)
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	s.startIdleTimer()

	if r.observer != nil {
		r.observer.PeerJoined(s.id, s.handle, count)
	}
	return s, nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.PeerLeft(s.id, s.handle, count)
	}
}

func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Peers returns a snapshot of active peers for status events.
func (r *Registry) Peers() []PeerInfo {
	r.mu.Lock()
	out := make([]PeerInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, PeerInfo{ID: s.id, Handle: s.handle})
	}
	r.mu.Unlock()
	return out
}

// PeerInfo is the public identity of one active peer.
type PeerInfo struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// CloseAll tears down every active session; used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
