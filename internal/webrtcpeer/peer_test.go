package webrtcpeer_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/posekit/pose-relay/internal/inference"
	"github.com/posekit/pose-relay/internal/metrics"
	"github.com/posekit/pose-relay/internal/session"
	"github.com/posekit/pose-relay/internal/webrtcpeer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type vnetPair struct {
	clientAPI *webrtc.API
	serverAPI *webrtc.API
}

// newVNetPair builds two pion APIs connected through an in-memory router so
// the test never touches real sockets.
func newVNetPair(t *testing.T) vnetPair {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	clientNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new client net: %v", err)
	}
	serverNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new server net: %v", err)
	}
	if err := router.AddNet(clientNet); err != nil {
		t.Fatalf("add client net: %v", err)
	}
	if err := router.AddNet(serverNet); err != nil {
		t.Fatalf("add server net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	newAPI := func(n *vnet.Net) *webrtc.API {
		se := webrtc.SettingEngine{}
		se.SetNet(n)
		se.LoggerFactory = webrtcpeer.NewLoggerFactory(discardLogger())
		return webrtc.NewAPI(webrtc.WithSettingEngine(se))
	}
	return vnetPair{clientAPI: newAPI(clientNet), serverAPI: newAPI(serverNet)}
}

func frameJSON(t *testing.T, seq uint64, payload []byte) string {
	t.Helper()
	msg := map[string]any{
		"type":       "frame",
		"seq":        seq,
		"capturedAt": time.Now().UnixMilli(),
		"image":      "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(payload),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return string(data)
}

func TestPeerFrameRoundTrip(t *testing.T) {
	pair := newVNetPair(t)

	engine := inference.EngineFunc(func(ctx context.Context, frame inference.Frame) (inference.Annotation, error) {
		return inference.Annotation{
			SessionID: frame.SessionID,
			Seq:       frame.Seq,
			Keypoints: []inference.Keypoint{
				{Part: "nose", X: 0.5, Y: 0.25, Score: 0.92},
			},
			ComputedAt: time.Now(),
		}, nil
	})

	m := metrics.New()
	reg := session.NewRegistry(0, time.Minute, m, nil)
	sess, err := reg.Create("alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	peer, err := webrtcpeer.NewPeer(pair.serverAPI, sess, webrtcpeer.PipelineConfig{
		Engine:           engine,
		InferenceTimeout: time.Second,
		MaxFrameBytes:    1 << 20,
		Metrics:          m,
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(peer.Close)

	clientPC, err := pair.clientAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new client pc: %v", err)
	}
	t.Cleanup(func() { _ = clientPC.Close() })

	serverPC := peer.PeerConnection()
	clientPC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = serverPC.AddICECandidate(c.ToJSON())
	})
	serverPC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = clientPC.AddICECandidate(c.ToJSON())
	})

	dc, err := clientPC.CreateDataChannel(webrtcpeer.DataChannelLabelFrames, nil)
	if err != nil {
		t.Fatalf("create datachannel: %v", err)
	}

	annotations := make(chan []byte, 16)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		annotations <- append([]byte(nil), msg.Data...)
	})

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, err := clientPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := clientPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	if err := serverPC.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote description: %v", err)
	}
	answer, err := serverPC.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := serverPC.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	if err := clientPC.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote description (client): %v", err)
	}

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for datachannel open")
	}

	if err := dc.SendText(frameJSON(t, 7, []byte("jpeg bytes"))); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	var got struct {
		Type      string `json:"type"`
		Seq       uint64 `json:"seq"`
		Keypoints []struct {
			Part  string  `json:"part"`
			Score float64 `json:"score"`
		} `json:"keypoints"`
	}
	select {
	case raw := <-annotations:
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal annotation: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for annotation")
	}

	if got.Type != "annotation" || got.Seq != 7 {
		t.Fatalf("annotation = %+v, want type=annotation seq=7", got)
	}
	if len(got.Keypoints) != 1 || got.Keypoints[0].Part != "nose" {
		t.Fatalf("keypoints = %+v, want nose", got.Keypoints)
	}
	if n := m.Get(metrics.FramesReceived); n != 1 {
		t.Fatalf("frames_received = %d, want 1", n)
	}
	// A delivered annotation counts as sent, never as discarded.
	deadline := time.Now().Add(2 * time.Second)
	for m.Get(metrics.AnnotationsSent) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("annotations_sent = %d, want 1", m.Get(metrics.AnnotationsSent))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := m.Get(metrics.AnnotationsDiscarded); n != 0 {
		t.Fatalf("annotations_discarded = %d, want 0", n)
	}
	if sess.State() != session.StateStreaming {
		t.Fatalf("session state = %v, want %v", sess.State(), session.StateStreaming)
	}
}

func TestPeerDropsMalformedFrames(t *testing.T) {
	pair := newVNetPair(t)

	inferCalls := make(chan struct{}, 16)
	engine := inference.EngineFunc(func(ctx context.Context, frame inference.Frame) (inference.Annotation, error) {
		inferCalls <- struct{}{}
		return inference.Annotation{SessionID: frame.SessionID, Seq: frame.Seq}, nil
	})

	m := metrics.New()
	reg := session.NewRegistry(0, time.Minute, m, nil)
	sess, err := reg.Create("bob")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	peer, err := webrtcpeer.NewPeer(pair.serverAPI, sess, webrtcpeer.PipelineConfig{
		Engine:           engine,
		InferenceTimeout: time.Second,
		MaxFrameBytes:    64, // small cap so the oversize case is easy to hit
		Metrics:          m,
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(peer.Close)

	clientPC, err := pair.clientAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new client pc: %v", err)
	}
	t.Cleanup(func() { _ = clientPC.Close() })

	serverPC := peer.PeerConnection()
	clientPC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = serverPC.AddICECandidate(c.ToJSON())
		}
	})
	serverPC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = clientPC.AddICECandidate(c.ToJSON())
		}
	})

	dc, err := clientPC.CreateDataChannel(webrtcpeer.DataChannelLabelFrames, nil)
	if err != nil {
		t.Fatalf("create datachannel: %v", err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, err := clientPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := clientPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	if err := serverPC.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote description: %v", err)
	}
	answer, err := serverPC.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := serverPC.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	if err := clientPC.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote description (client): %v", err)
	}

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for datachannel open")
	}

	oversize := frameJSON(t, 1, make([]byte, 4096))
	for _, raw := range []string{
		"not json",
		`{"type":"status"}`,
		`{"type":"frame","seq":2,"image":""}`,
		oversize,
	} {
		if err := dc.SendText(raw); err != nil {
			t.Fatalf("send %q: %v", raw, err)
		}
	}

	// A valid frame after the garbage proves the peer stayed up.
	if err := dc.SendText(frameJSON(t, 3, []byte("ok"))); err != nil {
		t.Fatalf("send valid frame: %v", err)
	}

	select {
	case <-inferCalls:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for valid frame to reach the engine")
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Get(metrics.FramesDroppedDecode) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("frames_dropped_decode = %d, want 4", m.Get(metrics.FramesDroppedDecode))
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-inferCalls:
		t.Fatal("engine saw more than the single valid frame")
	default:
	}
}

func TestPeerCloseReleasesSession(t *testing.T) {
	pair := newVNetPair(t)

	m := metrics.New()
	reg := session.NewRegistry(0, time.Minute, m, nil)
	sess, err := reg.Create("carol")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	peer, err := webrtcpeer.NewPeer(pair.serverAPI, sess, webrtcpeer.PipelineConfig{
		Engine: inference.EngineFunc(func(ctx context.Context, frame inference.Frame) (inference.Annotation, error) {
			return inference.Annotation{}, fmt.Errorf("unused")
		}),
		InferenceTimeout: time.Second,
		MaxFrameBytes:    1 << 20,
		Metrics:          m,
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}

	peer.Close()

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed after peer close")
	}
	if reg.ActiveSessions() != 0 {
		t.Fatalf("active sessions = %d, want 0", reg.ActiveSessions())
	}

	// Close is idempotent.
	peer.Close()
}
