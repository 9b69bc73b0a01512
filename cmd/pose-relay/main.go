package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/posekit/pose-relay/internal/config"
	"github.com/posekit/pose-relay/internal/httpserver"
	"github.com/posekit/pose-relay/internal/inference"
	"github.com/posekit/pose-relay/internal/metrics"
	"github.com/posekit/pose-relay/internal/room"
	"github.com/posekit/pose-relay/internal/session"
	"github.com/posekit/pose-relay/internal/signaling"
	"github.com/posekit/pose-relay/internal/status"
	"github.com/posekit/pose-relay/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// This does not start any networking; ICE sockets are only created once we
	// start creating PeerConnections.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	rm, err := room.New(cfg.RoomPassword)
	if err != nil {
		logger.Error("failed to create room", "err", err)
		os.Exit(2)
	}

	logger.Info("starting pose-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"inference_url", cfg.InferenceURL,
		"inference_timeout", cfg.InferenceTimeout,
		"max_frame_bytes", cfg.MaxFrameBytes,
		"max_frames_per_second", cfg.MaxFramesPerSecond,
		"max_sessions", cfg.MaxSessions,
		"session_idle_timeout", cfg.SessionIdleTimeout,
		"ice_gathering_timeout", cfg.ICEGatheringTimeout,
	)

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()

	hub := status.NewHub(status.Config{
		SendBuffer:        cfg.StatusSendBuffer,
		WriteTimeout:      cfg.StatusWriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Metrics:           m,
		Logger:            logger,
	})
	registry := session.NewRegistry(cfg.MaxSessions, cfg.SessionIdleTimeout, m, hub)

	engine, err := inference.NewHTTPEngine(cfg.InferenceURL, cfg.InferenceTimeout)
	if err != nil {
		logger.Error("failed to configure inference backend", "err", err)
		os.Exit(2)
	}
	monitor := inference.NewMonitor(engine, inference.DefaultDegradedThreshold)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Deps{
		Metrics:          m,
		ActiveSessions:   registry.ActiveSessions,
		InferenceHealthy: monitor.Healthy,
	})

	sig := signaling.NewServer(signaling.Config{
		Room:     rm,
		Registry: registry,
		WebRTC:   api,
		Pipeline: webrtcpeer.PipelineConfig{
			ICEServers:       cfg.ICEServers,
			Engine:           monitor,
			InferenceTimeout: cfg.InferenceTimeout,
			MaxFrameBytes:    cfg.MaxFrameBytes,
			FramesPerSecond:  cfg.MaxFramesPerSecond,
			Metrics:          m,
			Logger:           logger,
		},
		ICEGatheringTimeout: cfg.ICEGatheringTimeout,
		Metrics:             m,
		Logger:              logger,
	})
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /ws", hub)

	hubDone := make(chan struct{})
	go hub.Run(hubDone)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		close(hubDone)
		registry.CloseAll()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	registry.CloseAll()
	close(hubDone)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
