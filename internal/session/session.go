// Package session owns peer session lifecycle: the per-peer state
// machine, the concurrent registry, and idle-timeout enforcement.
package session

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrTooManySessions = errors.New("too many sessions")
	ErrSessionClosed   = errors.New("session closed")
)

// State is the lifecycle phase of one peer session.
type State int

const (
	StateNegotiating State = iota
	StateConnected
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one peer's server-side record. The connection handle itself
// is owned by the webrtcpeer layer; Session tracks state, activity, and
// teardown hooks.
type Session struct {
	id        string
	handle    string
	createdAt time.Time

	idleTimeout time.Duration
	onIdle      func()

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	idleTimer    *time.Timer
	done         chan struct{}
	onClose      func()
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Handle() string { return s.handle }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// Done is closed when the session reaches the terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MarkConnected records that the transport is established. Returns
// ErrSessionClosed when the session already tore down (e.g. the peer
// disconnected during negotiation).
func (s *Session) MarkConnected() error {
	return s.advance(StateConnected)
}

// MarkStreaming records the first observed frame. Later calls are no-ops.
func (s *Session) MarkStreaming() error {
	return s.advance(StateStreaming)
}

func (s *Session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosing, StateClosed:
		return ErrSessionClosed
	}
	if to > s.state {
		s.state = to
	}
	s.touchLocked()
	return nil
}

// Touch records peer activity and pushes the idle deadline out.
func (s *Session) Touch() {
	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)
	}
}

// AddOnClose registers an additional callback to run during teardown.
// If the session is already closed, fn runs synchronously.
func (s *Session) AddOnClose(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		fn()
		return
	}
	prev := s.onClose
	s.onClose = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	s.mu.Unlock()
}

// Close drives the session through Closing to Closed, running teardown
// hooks exactly once. Safe to call from any state and multiple times.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	onClose := s.onClose
	s.onClose = nil
	s.state = StateClosed
	close(s.done)
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (s *Session) startIdleTimer() {
	if s.idleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		if s.onIdle != nil {
			s.onIdle()
		}
		s.Close()
	})
	s.mu.Unlock()
}
