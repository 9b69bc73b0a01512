// Package status pushes peer-count and health events to WebSocket
// subscribers.
//
// Delivery is best-effort per subscriber: each subscriber gets a small
// buffered send queue and a dedicated writer goroutine; a subscriber that
// cannot keep up is dropped from the set rather than delaying broadcast
// to others.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/posekit/pose-relay/internal/metrics"
	"github.com/posekit/pose-relay/internal/session"
)

// Event kinds.
const (
	KindPeerJoined = "peer_joined"
	KindPeerLeft   = "peer_left"
	KindHeartbeat  = "heartbeat"
	// KindSnapshot is sent once to each new subscriber with the current
	// peer count.
	KindSnapshot = "snapshot"
)

// Event is one status message pushed to subscribers. Events are never
// persisted.
type Event struct {
	Kind      string             `json:"type"`
	PeerCount int                `json:"peerCount"`
	Peers     []session.PeerInfo `json:"peers,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

const (
	DefaultSendBuffer        = 8
	DefaultWriteTimeout      = 1 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
)

type Config struct {
	SendBuffer        int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Hub maintains the live subscriber set and the authoritative peer list
// copy used for snapshot and peer-list fields. It implements
// session.Observer.
type Hub struct {
	sendBuffer        int
	writeTimeout      time.Duration
	heartbeatInterval time.Duration
	metrics           *metrics.Metrics
	log               *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	subs  map[*subscriber]struct{}
	peers map[string]session.PeerInfo
}

func NewHub(cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		sendBuffer:        cfg.SendBuffer,
		writeTimeout:      cfg.WriteTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		metrics:           cfg.Metrics,
		log:               cfg.Logger,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin
			// middleware; accept all origins here so the hub is testable in
			// isolation.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs:  make(map[*subscriber]struct{}),
		peers: make(map[string]session.PeerInfo),
	}
}

// PeerJoined implements session.Observer.
func (h *Hub) PeerJoined(id, handle string, peerCount int) {
	h.mu.Lock()
	h.peers[id] = session.PeerInfo{ID: id, Handle: handle}
	h.mu.Unlock()
	h.broadcast(Event{Kind: KindPeerJoined, PeerCount: peerCount, Peers: h.peerList(), Timestamp: time.Now()})
}

// PeerLeft implements session.Observer.
func (h *Hub) PeerLeft(id, handle string, peerCount int) {
	h.mu.Lock()
	delete(h.peers, id)
	h.mu.Unlock()
	h.broadcast(Event{Kind: KindPeerLeft, PeerCount: peerCount, Peers: h.peerList(), Timestamp: time.Now()})
}

func (h *Hub) peerList() []session.PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return peerListLocked(h.peers)
}

func peerListLocked(peers map[string]session.PeerInfo) []session.PeerInfo {
	out := make([]session.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	return out
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run emits heartbeat events at the configured interval until ctx is
// done. Heartbeats let subscribers distinguish an idle room from a dead
// connection.
func (h *Hub) Run(done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.mu.Lock()
			count := len(h.peers)
			h.mu.Unlock()
			h.broadcast(Event{Kind: KindHeartbeat, PeerCount: count, Timestamp: time.Now()})
		}
	}
}

// broadcast marshals once and enqueues to every subscriber without
// blocking. A subscriber with a full queue is dropped.
func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal status event", "err", err)
		return
	}

	h.mu.Lock()
	var dropped []*subscriber
	for sub := range h.subs {
		select {
		case sub.send <- data:
		default:
			delete(h.subs, sub)
			dropped = append(dropped, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		h.metrics.Inc(metrics.StatusSubscriberDropped)
		h.log.Warn("dropping slow status subscriber", "remote_addr", sub.remoteAddr)
		sub.close()
	}
}

// ServeHTTP upgrades the request and streams status events until the
// client disconnects or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &subscriber{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, h.sendBuffer),
		remoteAddr: r.RemoteAddr,
	}

	// Enqueue the current room state before registering, so the snapshot
	// precedes any incremental events and no other goroutine can touch the
	// queue yet.
	h.mu.Lock()
	snapshot, err := json.Marshal(Event{
		Kind:      KindSnapshot,
		PeerCount: len(h.peers),
		Peers:     peerListLocked(h.peers),
		Timestamp: time.Now(),
	})
	if err == nil {
		sub.send <- snapshot
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go sub.writeLoop(h.writeTimeout)
	sub.readLoop()
}

type subscriber struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string

	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// readLoop consumes (and ignores) inbound messages so close frames and
// pings are processed, then unregisters on disconnect.
func (s *subscriber) readLoop() {
	defer func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		s.close()
	}()
	s.conn.SetReadLimit(1024)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writeLoop(writeTimeout time.Duration) {
	defer s.conn.Close()
	for data := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// Queue closed: the hub dropped us or the reader saw a disconnect.
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"),
		time.Now().Add(writeTimeout))
}
