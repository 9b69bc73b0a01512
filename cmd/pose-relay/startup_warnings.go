package main

import (
	"log/slog"

	"github.com/posekit/pose-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is empty (browser clients fall back to same-host origin checks only)",
			"warning_code", "allowed_origins_empty",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.RoomPassword) < 8 {
		logger.Warn("startup security warning: ROOM_PASSWORD is shorter than 8 characters (weak against online guessing)",
			"warning_code", "room_password_short",
			"room_password_length", len(cfg.RoomPassword),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxFramesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_FRAMES_PER_SECOND is unset/0 (unlimited) while --mode=prod (a single session can saturate the inference backend)",
			"warning_code", "frame_rate_unlimited_in_prod",
			"max_frames_per_second", cfg.MaxFramesPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Warn on unusually large frame caps since each inbound frame is buffered
	// whole before decode.
	if cfg.MaxFrameBytes > 4<<20 { // 4MiB
		logger.Warn("startup security warning: MAX_FRAME_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "max_frame_bytes_large",
			"max_frame_bytes", cfg.MaxFrameBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
