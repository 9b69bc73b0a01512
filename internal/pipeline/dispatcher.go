// Package pipeline bounds memory and latency between a peer's inbound
// frame stream and the inference stage.
//
// Each session gets one Dispatcher. At most one frame is in flight to
// inference at any time, with at most one more queued as the next
// candidate. A newer frame always replaces the queued one (latest-wins);
// under sustained overload the pipeline degrades by dropping frames,
// never by buffering.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/posekit/pose-relay/internal/inference"
	"github.com/posekit/pose-relay/internal/metrics"
)

// Result reports what happened to a submitted frame at admission time.
type Result int

const (
	// Accepted means the frame was dispatched or queued as the pending
	// candidate. It may still be dropped later (superseded, inference error).
	Accepted Result = iota
	// DroppedClosed means the dispatcher is closed.
	DroppedClosed
)

// Sink receives annotations for delivery back to the originating peer.
// It is invoked from a single goroutine per dispatcher, in strictly
// increasing frame sequence order. Delivery accounting (sent vs
// discarded) belongs to the sink, which alone knows whether the write
// reached the peer.
type Sink func(inference.Annotation)

type Dispatcher struct {
	engine  inference.Engine
	timeout time.Duration
	sink    Sink
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	inFlight bool
	pending  *inference.Frame
	closed   bool

	wg sync.WaitGroup
}

func NewDispatcher(engine inference.Engine, timeout time.Duration, sink Sink, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		engine:  engine,
		timeout: timeout,
		sink:    sink,
		metrics: m,
		log:     log,
	}
}

// Submit admits a frame. If no frame is in flight the frame is dispatched
// immediately; otherwise it replaces any previously queued frame, which is
// counted as dropped. Submit never blocks on inference.
func (d *Dispatcher) Submit(frame inference.Frame) Result {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return DroppedClosed
	}

	if !d.inFlight {
		d.inFlight = true
		d.wg.Add(1)
		go d.run(frame)
		d.mu.Unlock()
		return Accepted
	}

	if d.pending != nil {
		d.metrics.Inc(metrics.FramesDroppedSuperseded)
	}
	d.pending = &frame
	d.mu.Unlock()
	return Accepted
}

// Close cancels the pending frame immediately and waits for any in-flight
// inference call to finish. Its result is discarded. After Close returns
// no further annotations are delivered and session-owned buffers may be
// reclaimed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.closed = true
	d.pending = nil
	d.mu.Unlock()

	d.wg.Wait()
}

// run processes frame and then any frames queued behind it, one at a
// time, on a single goroutine. Sequential processing is what guarantees
// per-session inference concurrency <= 1 and in-order annotation delivery.
func (d *Dispatcher) run(frame inference.Frame) {
	defer d.wg.Done()

	for {
		ann, err := d.infer(frame)

		d.mu.Lock()
		if d.closed {
			d.inFlight = false
			d.mu.Unlock()
			if err == nil {
				d.metrics.Inc(metrics.AnnotationsDiscarded)
			}
			return
		}
		d.mu.Unlock()

		switch {
		case err == nil:
			if d.sink != nil {
				d.sink(ann)
			}
		case errors.Is(err, inference.ErrTimeout):
			d.metrics.Inc(metrics.FramesDroppedTimeout)
			d.log.Warn("inference timed out, frame dropped", "session_id", frame.SessionID, "seq", frame.Seq)
		default:
			d.metrics.Inc(metrics.FramesDroppedInference)
			d.log.Warn("inference failed, frame dropped", "session_id", frame.SessionID, "seq", frame.Seq, "err", err)
		}

		d.mu.Lock()
		if d.closed || d.pending == nil {
			d.inFlight = false
			d.mu.Unlock()
			return
		}
		frame = *d.pending
		d.pending = nil
		d.mu.Unlock()
	}
}

func (d *Dispatcher) infer(frame inference.Frame) (inference.Annotation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.metrics.Inc(metrics.FramesDispatched)
	ann, err := d.engine.Infer(ctx, frame)
	if err == nil && ctx.Err() != nil {
		// The engine returned after the deadline; treat the frame as dropped
		// so staleness stays bounded by one inference round-trip.
		return inference.Annotation{}, inference.ErrTimeout
	}
	return ann, err
}
