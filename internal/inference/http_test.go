package inference

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPEngine_DecodesKeypoints(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s, want POST", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "image/jpeg" {
			t.Errorf("content-type=%q, want image/jpeg", got)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keypoints":[{"part":"nose","x":0.5,"y":0.25,"score":0.9}]}`))
	}))
	defer ts.Close()

	eng, err := NewHTTPEngine(ts.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}

	ann, err := eng.Infer(context.Background(), Frame{SessionID: "s1", Seq: 7, Payload: []byte("jpegdata")})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if string(gotBody) != "jpegdata" {
		t.Fatalf("detector received body %q", gotBody)
	}
	if ann.SessionID != "s1" || ann.Seq != 7 {
		t.Fatalf("annotation identity=%s/%d, want s1/7", ann.SessionID, ann.Seq)
	}
	if len(ann.Keypoints) != 1 || ann.Keypoints[0].Part != "nose" {
		t.Fatalf("keypoints=%#v", ann.Keypoints)
	}
}

func TestHTTPEngine_NonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer ts.Close()

	eng, err := NewHTTPEngine(ts.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}
	if _, err := eng.Infer(context.Background(), Frame{}); err == nil {
		t.Fatalf("Infer succeeded on 500 response")
	}
}

func TestHTTPEngine_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	eng, err := NewHTTPEngine(ts.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = eng.Infer(ctx, Frame{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Infer err=%v, want %v", err, ErrTimeout)
	}
}

func TestNewHTTPEngine_RequiresURL(t *testing.T) {
	if _, err := NewHTTPEngine("", time.Second); err == nil {
		t.Fatalf("NewHTTPEngine accepted empty url")
	}
}

func TestMonitor_TracksConsecutiveFailures(t *testing.T) {
	fail := true
	m := NewMonitor(EngineFunc(func(ctx context.Context, f Frame) (Annotation, error) {
		if fail {
			return Annotation{}, ErrUnavailable
		}
		return Annotation{SessionID: f.SessionID, Seq: f.Seq}, nil
	}), 2)

	if !m.Healthy() {
		t.Fatalf("monitor unhealthy before any calls")
	}

	_, _ = m.Infer(context.Background(), Frame{})
	if !m.Healthy() {
		t.Fatalf("monitor unhealthy after a single failure (threshold 2)")
	}

	_, _ = m.Infer(context.Background(), Frame{})
	if m.Healthy() {
		t.Fatalf("monitor healthy after reaching failure threshold")
	}

	fail = false
	if _, err := m.Infer(context.Background(), Frame{}); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if !m.Healthy() {
		t.Fatalf("monitor did not recover after success")
	}
}
