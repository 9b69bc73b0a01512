package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEngine invokes a pose detector over HTTP. The detector exposes a
// single POST endpoint that accepts raw image bytes and responds with a
// JSON keypoint list:
//
//	POST <url>  (Content-Type: image/jpeg)
//	200 {"keypoints":[{"part":"nose","x":0.5,"y":0.2,"score":0.97}, ...]}
type HTTPEngine struct {
	url    string
	client *http.Client
}

func NewHTTPEngine(url string, timeout time.Duration) (*HTTPEngine, error) {
	if url == "" {
		return nil, errors.New("inference url must not be empty")
	}
	return &HTTPEngine{
		url: url,
		client: &http.Client{
			// The per-call deadline comes from ctx; this is a hard upper bound
			// against a detector that accepts the connection but never responds.
			Timeout: timeout + 5*time.Second,
		},
	}, nil
}

type detectorResponse struct {
	Keypoints []Keypoint `json:"keypoints"`
}

func (e *HTTPEngine) Infer(ctx context.Context, frame Frame) (Annotation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(frame.Payload))
	if err != nil {
		return Annotation{}, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Annotation{}, ErrTimeout
		}
		return Annotation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Annotation{}, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}

	var out detectorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Annotation{}, fmt.Errorf("decode detector response: %w", err)
	}

	return Annotation{
		SessionID:  frame.SessionID,
		Seq:        frame.Seq,
		Keypoints:  out.Keypoints,
		ComputedAt: time.Now(),
	}, nil
}
