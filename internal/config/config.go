// Package config loads the relay's configuration from environment variables
// and flags, and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/carebridge/signaling-relay/internal/origin"
)

const (
	envVarListenAddr      = "SIGNALING_RELAY_LISTEN_ADDR"
	envVarMode            = "SIGNALING_RELAY_MODE"
	envVarLogFormat       = "SIGNALING_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SIGNALING_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNALING_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// WebSocket hardening knobs.
	envVarWSIdleTimeout          = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval         = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes        = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond   = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarUpgradesPerIPPerSecond = "MAX_UPGRADES_PER_IP_PER_SECOND"

	DefaultListenAddr = "127.0.0.1:4000"
	DefaultShutdown   = 15 * time.Second
	DefaultMode       = ModeDev

	DefaultWSIdleTimeout          = 60 * time.Second
	DefaultWSPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes        = int64(64 * 1024)
	DefaultMaxMessagesPerSecond   = 50
	DefaultUpgradesPerIPPerSecond = 10
)

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

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins restricts which browser origins may reach the signaling
	// socket and the CORS'd HTTP endpoints. Empty means same-host only.
	AllowedOrigins []string

	// WSIdleTimeout closes connections that haven't produced a pong or message
	// within the window; WSPingInterval drives the keepalive pings.
	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// UpgradesPerIPPerSecond bounds how fast a single IP may open new signaling
	// connections.
	UpgradesPerIPPerSecond float64

	// ICEServers is served to clients at /webrtc/ice so they can construct
	// RTCPeerConnections. The relay itself never dials these.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports a non-fatal ICE configuration problem captured at
// load time; /readyz surfaces it.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode := envOrDefault(lookup, envVarMode, string(DefaultMode))

	logFormatRaw := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(envMode))
	logLevelRaw := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(envMode))

	fs := flag.NewFlagSet("signaling-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP address to listen on")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(envMode)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatRaw)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelRaw)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)",
			envVarWSPingInterval, wsPingInterval, envVarWSIdleTimeout, wsIdleTimeout)
	}

	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	upgradesPerIP, err := envIntOrDefault(lookup, envVarUpgradesPerIPPerSecond, DefaultUpgradesPerIPPerSecond)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, ""))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      *listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,

		WSIdleTimeout:  wsIdleTimeout,
		WSPingInterval: wsPingInterval,

		MaxMessageBytes:      int64(maxMessageBytes),
		MaxMessagesPerSecond: maxMessagesPerSecond,

		UpgradesPerIPPerSecond: float64(upgradesPerIP),
	}

	// ICE configuration errors are captured rather than fatal: the relay can
	// sign calls without STUN/TURN (LAN peers), but /readyz reports the
	// problem so operators notice.
	iceServers, err := parseICEServers(lookup)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

// NewLogger builds the process logger from the loaded config.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

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
		return "", fmt.Errorf("invalid %s %q (expected dev or prod)", envVarMode, raw)
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
		normalized, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
