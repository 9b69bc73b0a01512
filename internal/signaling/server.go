// Package signaling implements the HTTP offer/answer exchange that
// establishes WebRTC sessions.
package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/posekit/pose-relay/internal/metrics"
	"github.com/posekit/pose-relay/internal/room"
	"github.com/posekit/pose-relay/internal/session"
	"github.com/posekit/pose-relay/internal/webrtcpeer"
)

// maxOfferBodyBytes bounds POST /offer bodies. SDP offers are a few KiB;
// anything near this limit is hostile.
const maxOfferBodyBytes = 2 << 20

type Config struct {
	Room     *room.Room
	Registry *session.Registry
	WebRTC   *webrtc.API

	// Pipeline is the template for per-peer frame pipelines. ICEServers inside
	// it are passed to each PeerConnection.
	Pipeline webrtcpeer.PipelineConfig

	// ICEGatheringTimeout bounds how long the handler waits for candidate
	// gathering before answering with whatever has been gathered so far.
	ICEGatheringTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	room     *room.Room
	registry *session.Registry
	api      *webrtc.API
	pipeline webrtcpeer.PipelineConfig

	iceGatheringTimeout time.Duration

	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		room:                cfg.Room,
		registry:            cfg.Registry,
		api:                 cfg.WebRTC,
		pipeline:            cfg.Pipeline,
		iceGatheringTimeout: cfg.ICEGatheringTimeout,
		metrics:             cfg.Metrics,
		log:                 log,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /offer", s.handleOffer)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	req, err := parseOfferRequest(http.MaxBytesReader(w, r.Body, maxOfferBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_message", "invalid offer body")
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}

	// Password first: an attacker without the room password must not be able
	// to consume session slots or trigger PeerConnection allocation.
	if !s.room.Authenticate(req.Password) {
		s.metrics.Inc(metrics.AuthFailure)
		s.log.Warn("offer rejected: invalid password", "handle", req.Handle)
		writeJSONError(w, http.StatusForbidden, "invalid_password", "invalid password")
		return
	}

	handle := req.Handle
	if handle == "" {
		// Anonymous peers get a generated display handle.
		handle = "User" + uuid.NewString()[:6]
	}

	sess, err := s.registry.Create(handle)
	if errors.Is(err, session.ErrTooManySessions) {
		writeJSONError(w, http.StatusServiceUnavailable, "too_many_sessions", "too many sessions")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}

	peer, err := webrtcpeer.NewPeer(s.api, sess, s.pipeline)
	if err != nil {
		sess.Close()
		s.log.Error("peerconnection create failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to create peer connection")
		return
	}

	pc := peer.PeerConnection()
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  req.SDP,
	}); err != nil {
		peer.Close()
		writeJSONError(w, http.StatusBadRequest, "bad_sdp", "failed to set remote description")
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		peer.Close()
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to create answer")
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		peer.Close()
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to set local description")
		return
	}

	// No trickle over HTTP: wait for gathering, but only up to the configured
	// bound. A slow STUN server should degrade the answer, not stall clients.
	select {
	case <-gatherComplete:
	case <-time.After(s.iceGatheringTimeout):
		s.log.Debug("ice gathering timed out, answering with partial candidates", "session_id", sess.ID())
	case <-r.Context().Done():
		peer.Close()
		return
	}

	local := pc.LocalDescription()
	if local == nil {
		peer.Close()
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "no local description")
		return
	}

	s.log.Info("session negotiated", "session_id", sess.ID(), "handle", sess.Handle())
	writeJSON(w, http.StatusOK, answerResponse{
		SDP:    local.SDP,
		Type:   "answer",
		PeerID: sess.ID(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}
