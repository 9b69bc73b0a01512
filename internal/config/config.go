package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/posekit/pose-relay/internal/origin"
)

const (
	envVarListenAddr          = "POSE_RELAY_LISTEN_ADDR"
	envVarRoomPassword        = "ROOM_PASSWORD"
	envVarAllowedOrigins      = "ALLOWED_ORIGINS"
	envVarLogFormat           = "POSE_RELAY_LOG_FORMAT"
	envVarLogLevel            = "POSE_RELAY_LOG_LEVEL"
	envVarShutdownTimeout     = "POSE_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode                = "POSE_RELAY_MODE"
	envVarICEGatheringTimeout = "ICE_GATHERING_TIMEOUT"

	// Session lifecycle knobs.
	envVarSessionIdleTimeout = "SESSION_IDLE_TIMEOUT"
	envVarMaxSessions        = "MAX_SESSIONS"

	// Frame pipeline knobs.
	envVarInferenceURL       = "INFERENCE_URL"
	envVarInferenceTimeout   = "INFERENCE_TIMEOUT"
	envVarMaxFrameBytes      = "MAX_FRAME_BYTES"
	envVarMaxFramesPerSecond = "MAX_FRAMES_PER_SECOND"

	// Status WebSocket knobs.
	envVarHeartbeatInterval  = "HEARTBEAT_INTERVAL"
	envVarStatusSendBuffer   = "STATUS_SEND_BUFFER"
	envVarStatusWriteTimeout = "STATUS_WRITE_TIMEOUT"

	envVarStunURLs = "STUN_URLS"

	DefaultListenAddr              = "127.0.0.1:8020"
	DefaultShutdown                = 15 * time.Second
	DefaultICEGatherTimeout        = 2 * time.Second
	DefaultSessionIdleTimeout      = 60 * time.Second
	DefaultInferenceTimeout        = 10 * time.Second
	DefaultMaxFrameBytes           = 1 << 20 // 1MiB
	DefaultHeartbeatInterval       = 15 * time.Second
	DefaultStatusSendBuffer        = 8
	DefaultStatusWriteTimeout      = time.Second
	DefaultMode               Mode = ModeDev
)

const (
	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	envVarWebRTCUDPListenIP  = "WEBRTC_UDP_LISTEN_IP"
	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

const (
	flagWebRTCUDPPortMin  = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax  = "webrtc-udp-port-max"
	flagWebRTCUDPListenIP = "webrtc-udp-listen-ip"
)

// recommendedWebRTCUDPPortRangeSize is an intentionally conservative minimum.
// Each WebRTC session may consume multiple UDP ports (depending on ICE
// settings), and running out of ports manifests as hard-to-debug connectivity
// failures.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr          string
	RoomPassword        string
	AllowedOrigins      []string
	LogFormat           LogFormat
	LogLevel            slog.Level
	ShutdownTimeout     time.Duration
	ICEGatheringTimeout time.Duration
	Mode                Mode

	// SessionIdleTimeout closes sessions that neither complete negotiation nor
	// deliver frames within this window.
	SessionIdleTimeout time.Duration
	// MaxSessions caps concurrent sessions. <= 0 means unlimited.
	MaxSessions int

	// InferenceURL is the HTTP endpoint of the pose detector backend.
	InferenceURL     string
	InferenceTimeout time.Duration
	// MaxFrameBytes caps the decoded JPEG payload of a single inbound frame.
	MaxFrameBytes int
	// MaxFramesPerSecond rate-limits inbound frames per session. <= 0 disables.
	MaxFramesPerSecond int

	HeartbeatInterval  time.Duration
	StatusSendBuffer   int
	StatusWriteTimeout time.Duration

	ICEServers []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCUDPListenIP restricts which local interface address ICE will bind
	// UDP sockets to. 0.0.0.0 means "use library default".
	WebRTCUDPListenIP net.IP
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	roomPassword := envOrDefault(lookup, envVarRoomPassword, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	stunURLs := envOrDefault(lookup, envVarStunURLs, "")
	inferenceURL := envOrDefault(lookup, envVarInferenceURL, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionIdleTimeout, err := envDurationOrDefault(lookup, envVarSessionIdleTimeout, DefaultSessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	inferenceTimeout, err := envDurationOrDefault(lookup, envVarInferenceTimeout, DefaultInferenceTimeout)
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	statusWriteTimeout, err := envDurationOrDefault(lookup, envVarStatusWriteTimeout, DefaultStatusWriteTimeout)
	if err != nil {
		return Config{}, err
	}

	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}
	maxFrameBytes, err := envIntOrDefault(lookup, envVarMaxFrameBytes, DefaultMaxFrameBytes)
	if err != nil {
		return Config{}, err
	}
	maxFramesPerSecond, err := envIntOrDefault(lookup, envVarMaxFramesPerSecond, 0)
	if err != nil {
		return Config{}, err
	}
	statusSendBuffer, err := envIntOrDefault(lookup, envVarStatusSendBuffer, DefaultStatusSendBuffer)
	if err != nil {
		return Config{}, err
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}

	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)

	fs := flag.NewFlagSet("pose-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&roomPassword, "room-password", roomPassword, "Shared room password required on POST /offer (env "+envVarRoomPassword+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before answering POST /offer (env "+envVarICEGatheringTimeout+")")
	fs.DurationVar(&sessionIdleTimeout, "session-idle-timeout", sessionIdleTimeout, "Close sessions with no activity after this duration (env "+envVarSessionIdleTimeout+")")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent sessions (0 = unlimited; env "+envVarMaxSessions+")")
	fs.StringVar(&inferenceURL, "inference-url", inferenceURL, "HTTP endpoint of the pose detector backend (env "+envVarInferenceURL+")")
	fs.DurationVar(&inferenceTimeout, "inference-timeout", inferenceTimeout, "Per-frame inference deadline (env "+envVarInferenceTimeout+")")
	fs.IntVar(&maxFrameBytes, "max-frame-bytes", maxFrameBytes, "Max decoded frame payload size in bytes (env "+envVarMaxFrameBytes+")")
	fs.IntVar(&maxFramesPerSecond, "max-frames-per-second", maxFramesPerSecond, "Inbound frames/sec per session (0 = unlimited; env "+envVarMaxFramesPerSecond+")")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "Status WebSocket heartbeat interval (env "+envVarHeartbeatInterval+")")
	fs.IntVar(&statusSendBuffer, "status-send-buffer", statusSendBuffer, "Queued events per status subscriber before it is dropped (env "+envVarStatusSendBuffer+")")
	fs.DurationVar(&statusWriteTimeout, "status-write-timeout", statusWriteTimeout, "Write deadline for status WebSocket frames (env "+envVarStatusWriteTimeout+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs offered to peers (env "+envVarStunURLs+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if roomPassword == "" {
		return Config{}, fmt.Errorf("%s/--room-password must be set", envVarRoomPassword)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if sessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--session-idle-timeout must be > 0", envVarSessionIdleTimeout)
	}
	if strings.TrimSpace(inferenceURL) == "" {
		return Config{}, fmt.Errorf("%s/--inference-url must be set", envVarInferenceURL)
	}
	u, err := url.Parse(strings.TrimSpace(inferenceURL))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--inference-url %q: %w", envVarInferenceURL, inferenceURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("invalid %s/--inference-url %q (expected http:// or https://)", envVarInferenceURL, inferenceURL)
	}
	inferenceURL = strings.TrimSpace(inferenceURL)
	if inferenceTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--inference-timeout must be > 0", envVarInferenceTimeout)
	}
	if maxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-frame-bytes must be > 0", envVarMaxFrameBytes)
	}
	if heartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--heartbeat-interval must be > 0", envVarHeartbeatInterval)
	}
	if statusSendBuffer <= 0 {
		return Config{}, fmt.Errorf("%s/--status-send-buffer must be > 0", envVarStatusSendBuffer)
	}
	if statusWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--status-write-timeout must be > 0", envVarStatusWriteTimeout)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	iceServers, err := parseSTUNURLs(stunURLs)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--stun-urls: %w", envVarStunURLs, err)
	}

	return Config{
		ListenAddr:          listenAddr,
		RoomPassword:        roomPassword,
		AllowedOrigins:      allowedOrigins,
		LogFormat:           logFormat,
		LogLevel:            level,
		ShutdownTimeout:     shutdownTimeout,
		ICEGatheringTimeout: iceGatherTimeout,
		Mode:                mode,

		SessionIdleTimeout: sessionIdleTimeout,
		MaxSessions:        maxSessions,

		InferenceURL:     inferenceURL,
		InferenceTimeout: inferenceTimeout,
		MaxFrameBytes:    maxFrameBytes,

		MaxFramesPerSecond: maxFramesPerSecond,

		HeartbeatInterval:  heartbeatInterval,
		StatusSendBuffer:   statusSendBuffer,
		StatusWriteTimeout: statusWriteTimeout,

		ICEServers:         iceServers,
		WebRTCUDPPortRange: webrtcUDPPortRange,
		WebRTCUDPListenIP:  webrtcUDPListenIP,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip != nil && ip.IsUnspecified()
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func parseSTUNURLs(raw string) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var urls []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		scheme, _, found := strings.Cut(entry, ":")
		if !found || (strings.ToLower(scheme) != "stun" && strings.ToLower(scheme) != "stuns") {
			return nil, fmt.Errorf("invalid STUN URL %q (expected stun: or stuns:)", entry)
		}
		urls = append(urls, entry)
	}
	if len(urls) == 0 {
		return nil, nil
	}

	return []webrtc.ICEServer{{URLs: urls}}, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
