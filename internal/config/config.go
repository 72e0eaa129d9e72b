// Package config loads the signaler's configuration from the environment,
// with a small set of flag overrides for local development.
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
)

const (
	envVarListenAddr      = "BLITZ_LISTEN_ADDR"
	envVarMode            = "BLITZ_MODE"
	envVarLogFormat       = "BLITZ_LOG_FORMAT"
	envVarLogLevel        = "BLITZ_LOG_LEVEL"
	envVarShutdownTimeout = "BLITZ_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Signaling protocol knobs.
	envVarUsersPerRoomLimit = "USERS_PER_ROOM_LIMIT"

	// Credential provider (XIRSYS-compatible).
	envVarXirsysURL        = "XIRSYS_URL"
	envVarXirsysSecret     = "XIRSYS_SECRET"
	envVarXirsysTimeout    = "XIRSYS_TIMEOUT"
	envVarFallbackStunURLs = "FALLBACK_STUN_URLS"

	// WebSocket inbound hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr        = "127.0.0.1:3003"
	DefaultShutdown          = 15 * time.Second
	DefaultUsersPerRoomLimit = 100
	DefaultXirsysTimeout     = 5 * time.Second

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultMode Mode = ModeDev
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
	// endpoint. Empty means same-host only; a single "*" allows any origin.
	AllowedOrigins []string

	UsersPerRoomLimit int

	XirsysURL     string
	XirsysSecret  string
	XirsysTimeout time.Duration

	// FallbackICEServers is the static credential set used when the provider
	// reports bandwidth exhaustion, and the only set available in dev mode
	// without provider credentials.
	FallbackICEServers []webrtc.ICEServer

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

// XirsysConfigured reports whether the external credential provider is set
// up. In prod mode it is required; in dev mode the signaler degrades to the
// static STUN fallback.
func (c Config) XirsysConfigured() bool {
	return c.XirsysURL != "" && c.XirsysSecret != ""
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

	envLogFormat, _ := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, _ := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs := flag.NewFlagSet("blitz-signaler", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "listen address (host:port)")
	modeStr := fs.String("mode", modeDefault, "dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "log format (text or json)")
	logLevelStr := fs.String("log-level", logLevelDefault, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	usersPerRoomLimit, err := envIntOrDefault(lookup, envVarUsersPerRoomLimit, DefaultUsersPerRoomLimit)
	if err != nil {
		return Config{}, err
	}
	if usersPerRoomLimit <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarUsersPerRoomLimit)
	}

	xirsysURL := envOrDefault(lookup, envVarXirsysURL, "")
	xirsysSecret := envOrDefault(lookup, envVarXirsysSecret, "")
	if mode == ModeProd {
		if xirsysURL == "" {
			return Config{}, fmt.Errorf("%s must be set in prod mode", envVarXirsysURL)
		}
		if xirsysSecret == "" {
			return Config{}, fmt.Errorf("%s must be set in prod mode", envVarXirsysSecret)
		}
	}

	xirsysTimeout := DefaultXirsysTimeout
	if raw, ok := lookup(envVarXirsysTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarXirsysTimeout, raw, err)
		}
		xirsysTimeout = d
	}

	fallbackICEServers, err := parseFallbackSTUN(envOrDefault(lookup, envVarFallbackStunURLs, ""))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarFallbackStunURLs, err)
	}

	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      *listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		AllowedOrigins: splitCommaSeparated(envOrDefault(lookup, envVarAllowedOrigins, "")),

		UsersPerRoomLimit: usersPerRoomLimit,

		XirsysURL:     xirsysURL,
		XirsysSecret:  xirsysSecret,
		XirsysTimeout: xirsysTimeout,

		FallbackICEServers: fallbackICEServers,

		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
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

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
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
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}
