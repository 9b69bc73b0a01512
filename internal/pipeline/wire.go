package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/posekit/pose-relay/internal/inference"
)

// Data channel wire format. Frames arrive as JSON text messages:
//
//	{"type":"frame","seq":3,"capturedAt":1712345678901,"image":"data:image/jpeg;base64,..."}
//
// and annotations are returned as:
//
//	{"type":"annotation","seq":3,"computedAt":1712345679050,"keypoints":[...]}
const (
	messageTypeFrame      = "frame"
	messageTypeAnnotation = "annotation"
)

var (
	ErrNotFrame     = errors.New("not a frame message")
	ErrFrameTooBig  = errors.New("frame payload exceeds size limit")
	ErrEmptyPayload = errors.New("frame payload is empty")
)

type frameMessage struct {
	Type       string `json:"type"`
	Seq        uint64 `json:"seq"`
	CapturedAt int64  `json:"capturedAt,omitempty"` // unix milliseconds
	Image      string `json:"image"`
}

type annotationMessage struct {
	Type       string               `json:"type"`
	Seq        uint64               `json:"seq"`
	ComputedAt int64                `json:"computedAt"` // unix milliseconds
	Keypoints  []inference.Keypoint `json:"keypoints"`
}

// ParseFrameMessage decodes one data channel message into a Frame. The
// image field may carry a data URL prefix ("data:image/jpeg;base64,"),
// which is stripped before base64 decoding. The decoded payload is capped
// at maxPayloadBytes.
func ParseFrameMessage(sessionID string, data []byte, maxPayloadBytes int) (inference.Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg frameMessage
	if err := dec.Decode(&msg); err != nil {
		return inference.Frame{}, fmt.Errorf("decode frame message: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return inference.Frame{}, errors.New("unexpected trailing data")
	}
	if msg.Type != messageTypeFrame {
		return inference.Frame{}, fmt.Errorf("%w: type=%q", ErrNotFrame, msg.Type)
	}

	b64 := msg.Image
	if i := strings.IndexByte(b64, ','); i >= 0 {
		b64 = b64[i+1:]
	}
	if b64 == "" {
		return inference.Frame{}, ErrEmptyPayload
	}
	if maxPayloadBytes > 0 && base64.StdEncoding.DecodedLen(len(b64)) > maxPayloadBytes {
		return inference.Frame{}, ErrFrameTooBig
	}

	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return inference.Frame{}, fmt.Errorf("decode frame payload: %w", err)
	}
	if len(payload) == 0 {
		return inference.Frame{}, ErrEmptyPayload
	}

	capturedAt := time.Now()
	if msg.CapturedAt > 0 {
		capturedAt = time.UnixMilli(msg.CapturedAt)
	}

	return inference.Frame{
		SessionID:  sessionID,
		Seq:        msg.Seq,
		Payload:    payload,
		CapturedAt: capturedAt,
	}, nil
}

// EncodeAnnotationMessage marshals an annotation for the outbound data
// channel.
func EncodeAnnotationMessage(ann inference.Annotation) ([]byte, error) {
	keypoints := ann.Keypoints
	if keypoints == nil {
		keypoints = []inference.Keypoint{}
	}
	return json.Marshal(annotationMessage{
		Type:       messageTypeAnnotation,
		Seq:        ann.Seq,
		ComputedAt: ann.ComputedAt.UnixMilli(),
		Keypoints:  keypoints,
	})
}
