// Package inference defines the contract with the external pose-detection
// stage and the data types that flow through the frame pipeline.
//
// The detector itself is an external collaborator: it is assumed to be
// invoked off the hot networking path and to have bounded but non-trivial
// latency.
package inference

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when an inference call exceeds its deadline.
	ErrTimeout = errors.New("inference timed out")
	// ErrUnavailable is returned when the detector cannot be reached.
	ErrUnavailable = errors.New("inference backend unavailable")
)

// Frame is a single decoded video frame awaiting inference. Frames are
// ephemeral: they are never persisted, and superseded frames are dropped.
type Frame struct {
	SessionID  string
	Seq        uint64
	Payload    []byte // raw image bytes (typically JPEG)
	CapturedAt time.Time
}

// Keypoint is one detected body-joint coordinate, normalized to [0,1]
// image space.
type Keypoint struct {
	Part  string  `json:"part"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Annotation is the pose result computed for exactly one surviving frame.
type Annotation struct {
	SessionID  string
	Seq        uint64
	Keypoints  []Keypoint
	ComputedAt time.Time
}

// Engine is the black-box pose detector. Implementations must respect ctx
// cancellation; the pipeline bounds every call with a deadline.
type Engine interface {
	Infer(ctx context.Context, frame Frame) (Annotation, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, frame Frame) (Annotation, error)

func (f EngineFunc) Infer(ctx context.Context, frame Frame) (Annotation, error) {
	return f(ctx, frame)
}
