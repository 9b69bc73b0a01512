package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/posekit/pose-relay/internal/config"
	"github.com/posekit/pose-relay/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg config.Config, deps Deps) *Server {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	return New(cfg, testLogger(), BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"}, deps)
}

func TestHealthReportsActiveSessions(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{
		ActiveSessions:   func() int { return 5 },
		InferenceHealthy: func() bool { return true },
	})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"activeSessions"`
		UptimeSeconds  int64  `json:"uptimeSeconds"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.ActiveSessions != 5 {
		t.Fatalf("health = %+v, want ok with 5 sessions", resp)
	}
	if resp.UptimeSeconds < 0 {
		t.Fatalf("uptimeSeconds = %d", resp.UptimeSeconds)
	}
}

func TestHealthDegradedWhenInferenceDown(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{
		ActiveSessions:   func() int { return 0 },
		InferenceHealthy: func() bool { return false },
	})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when degraded", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"degraded"`) {
		t.Fatalf("body = %s, want degraded", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.FramesReceived)
	s := newTestServer(t, config.Config{}, Deps{Metrics: m})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `pose_relay_events_total{event="frames_received"} 1`) {
		t.Fatalf("metrics output missing counter:\n%s", rr.Body.String())
	}
}

func TestOriginPolicyBlocksUnlistedOrigin(t *testing.T) {
	s := newTestServer(t, config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
	}, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestOriginPolicyAllowsListedOriginWithCORS(t *testing.T) {
	s := newTestServer(t, config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
	}, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestOriginPolicyPreflight(t *testing.T) {
	s := newTestServer(t, config.Config{
		AllowedOrigins: []string{"*"},
	}, Deps{})

	req := httptest.NewRequest(http.MethodOptions, "/offer", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Fatalf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("X-Request-ID = %q, want req-42", got)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})
	s.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}
