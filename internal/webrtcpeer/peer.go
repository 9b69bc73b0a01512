package webrtcpeer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/posekit/pose-relay/internal/inference"
	"github.com/posekit/pose-relay/internal/metrics"
	"github.com/posekit/pose-relay/internal/pipeline"
	"github.com/posekit/pose-relay/internal/ratelimit"
	"github.com/posekit/pose-relay/internal/session"
)

// DataChannelLabelFrames is the label the browser must use for the channel
// carrying frame and annotation messages.
const DataChannelLabelFrames = "frames"

// PipelineConfig carries the per-peer frame pipeline settings.
type PipelineConfig struct {
	ICEServers       []webrtc.ICEServer
	Engine           inference.Engine
	InferenceTimeout time.Duration
	MaxFrameBytes    int
	// FramesPerSecond rate-limits inbound frames on the DataChannel.
	// <= 0 disables the limiter.
	FramesPerSecond int
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Peer binds one PeerConnection to one session and one frame dispatcher.
//
// Inbound "frames" DataChannel messages are parsed and submitted to the
// dispatcher; annotations come back through the sink and are written to the
// same channel. Whoever closes first (the browser, the idle timer, server
// shutdown) funnels through session.Close, which tears down the transport
// exactly once.
type Peer struct {
	pc      *webrtc.PeerConnection
	sess    *session.Session
	disp    *pipeline.Dispatcher
	limiter *ratelimit.FrameLimiter

	maxFrameBytes int
	metrics       *metrics.Metrics
	log           *slog.Logger

	mu     sync.Mutex
	frames *webrtc.DataChannel

	teardownOnce sync.Once
}

func NewPeer(api *webrtc.API, sess *session.Session, cfg PipelineConfig) (*Peer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", sess.ID())

	p := &Peer{
		pc:            pc,
		sess:          sess,
		maxFrameBytes: cfg.MaxFrameBytes,
		metrics:       cfg.Metrics,
		log:           log,
	}
	p.disp = pipeline.NewDispatcher(cfg.Engine, cfg.InferenceTimeout, p.deliver, cfg.Metrics, log)
	if cfg.FramesPerSecond > 0 {
		p.limiter = ratelimit.NewFrameLimiter(ratelimit.RealClock{}, cfg.FramesPerSecond)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabelFrames {
			log.Debug("ignoring datachannel with unexpected label", "label", dc.Label())
			_ = dc.Close()
			return
		}

		p.mu.Lock()
		if p.frames != nil {
			_ = p.frames.Close()
		}
		p.frames = dc
		p.mu.Unlock()

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			p.handleFrameMessage(msg)
		})
		dc.OnClose(func() {
			p.mu.Lock()
			if p.frames == dc {
				p.frames = nil
			}
			p.mu.Unlock()
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			_ = sess.MarkConnected()
			sess.Touch()
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			// Close asynchronously so we never block pion's internal loops on
			// dispatcher teardown.
			go p.Close()
		}
	})

	// The session is the single close funnel: idle timer, registry shutdown and
	// transport failure all end up here.
	sess.AddOnClose(func() {
		go p.teardown()
	})

	return p, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }
func (p *Peer) Session() *session.Session              { return p.sess }

// Close tears the peer down via the session so that registry bookkeeping and
// status broadcasts fire exactly once.
func (p *Peer) Close() {
	p.sess.Close()
}

func (p *Peer) teardown() {
	p.teardownOnce.Do(func() {
		p.disp.Close()
		if err := p.pc.Close(); err != nil {
			p.log.Debug("peerconnection close", "err", err)
		}
	})
}

func (p *Peer) handleFrameMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		// Frames are JSON text messages; binary is not part of the protocol.
		return
	}
	p.metrics.Inc(metrics.FramesReceived)

	if p.limiter != nil && !p.limiter.Allow() {
		p.metrics.Inc(metrics.FramesDroppedRateLimit)
		return
	}

	frame, err := pipeline.ParseFrameMessage(p.sess.ID(), msg.Data, p.maxFrameBytes)
	if err != nil {
		p.metrics.Inc(metrics.FramesDroppedDecode)
		p.log.Debug("dropping malformed frame", "err", err)
		return
	}

	_ = p.sess.MarkStreaming()
	p.sess.Touch()
	p.disp.Submit(frame)
}

// deliver is the dispatcher sink. It runs on the dispatcher goroutine, after
// Close it is never invoked again.
func (p *Peer) deliver(ann inference.Annotation) {
	p.mu.Lock()
	dc := p.frames
	p.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		p.metrics.Inc(metrics.AnnotationsDiscarded)
		return
	}

	data, err := pipeline.EncodeAnnotationMessage(ann)
	if err != nil {
		p.log.Error("encode annotation", "seq", ann.Seq, "err", err)
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		p.metrics.Inc(metrics.AnnotationsDiscarded)
		p.log.Debug("annotation send failed", "seq", ann.Seq, "err", err)
		return
	}
	p.metrics.Inc(metrics.AnnotationsSent)
	p.sess.Touch()
}
