// Package config loads the call core's runtime configuration from the
// environment and constructs the process logger.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarSignalingURL   = "CALL_CORE_SIGNALING_URL"
	envVarSignalingToken = "CALL_CORE_SIGNALING_TOKEN"
	envVarSelfUserID     = "CALL_CORE_SELF_USER_ID"
	envVarLogFormat      = "CALL_CORE_LOG_FORMAT"
	envVarLogLevel       = "CALL_CORE_LOG_LEVEL"

	// Call lifecycle knobs.
	envVarRingTimeout         = "CALL_CORE_RING_TIMEOUT"
	envVarNegotiationTimeout  = "CALL_CORE_NEGOTIATION_TIMEOUT"
	envVarMediaAcquireTimeout = "CALL_CORE_MEDIA_ACQUIRE_TIMEOUT"
	envVarDisconnectGrace     = "CALL_CORE_DISCONNECT_GRACE"

	// Signaling transport hardening.
	envVarSendQueueBytes       = "CALL_CORE_SEND_QUEUE_BYTES"
	envVarMaxMessageBytes      = "CALL_CORE_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "CALL_CORE_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWSPingInterval       = "CALL_CORE_WS_PING_INTERVAL"
	envVarWSIdleTimeout        = "CALL_CORE_WS_IDLE_TIMEOUT"

	// Call history persistence. Empty disables recording.
	envVarHistoryDBPath = "CALL_CORE_HISTORY_DB_PATH"

	// Headless agent behavior.
	envVarAutoAccept = "CALL_CORE_AUTO_ACCEPT"
)

const (
	DefaultRingTimeout         = 30 * time.Second
	DefaultNegotiationTimeout  = 10 * time.Second
	DefaultMediaAcquireTimeout = 15 * time.Second
	DefaultDisconnectGrace     = 5 * time.Second

	DefaultSendQueueBytes       = 256 * 1024
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultWSPingInterval       = 20 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config carries every runtime knob of the call core.
type Config struct {
	// SignalingURL is the websocket endpoint of the signaling relay
	// (ws:// or wss://).
	SignalingURL string

	// SignalingToken is an opaque bearer token forwarded when dialing the
	// relay. Authentication itself is the relay's concern.
	SignalingToken string

	// SelfUserID is the local participant identity used in signaling payloads.
	SelfUserID string

	LogFormat LogFormat
	LogLevel  slog.Level

	ICEServers []webrtc.ICEServer

	RingTimeout         time.Duration
	NegotiationTimeout  time.Duration
	MediaAcquireTimeout time.Duration
	DisconnectGrace     time.Duration

	SendQueueBytes       int
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	WSPingInterval       time.Duration
	WSIdleTimeout        time.Duration

	HistoryDBPath string

	// AutoAccept makes the headless agent answer every ring. On by default;
	// turn it off for an observe-only agent.
	AutoAccept bool
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary environment lookup. Tests use
// this with a map-backed lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		SignalingURL:   envOrDefault(lookup, envVarSignalingURL, ""),
		SignalingToken: envOrDefault(lookup, envVarSignalingToken, ""),
		SelfUserID:     envOrDefault(lookup, envVarSelfUserID, ""),
		HistoryDBPath:  envOrDefault(lookup, envVarHistoryDBPath, ""),
	}

	format, err := parseLogFormat(envOrDefault(lookup, envVarLogFormat, string(LogFormatText)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogFormat = format

	level, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{envVarRingTimeout, DefaultRingTimeout, &cfg.RingTimeout},
		{envVarNegotiationTimeout, DefaultNegotiationTimeout, &cfg.NegotiationTimeout},
		{envVarMediaAcquireTimeout, DefaultMediaAcquireTimeout, &cfg.MediaAcquireTimeout},
		{envVarDisconnectGrace, DefaultDisconnectGrace, &cfg.DisconnectGrace},
		{envVarWSPingInterval, DefaultWSPingInterval, &cfg.WSPingInterval},
		{envVarWSIdleTimeout, DefaultWSIdleTimeout, &cfg.WSIdleTimeout},
	}
	for _, d := range durations {
		v, err := envDurationOrDefault(lookup, d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = v
	}

	cfg.SendQueueBytes, err = envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	maxMsg, err := envIntOrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxMsg)
	cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoAccept, err = envBoolOrDefault(lookup, envVarAutoAccept, true)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersEnv(lookup)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants that FromLookup cannot express per-field.
func (c Config) Validate() error {
	if c.SignalingURL != "" {
		u, err := url.Parse(c.SignalingURL)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envVarSignalingURL, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("invalid %s: scheme must be ws or wss, got %q", envVarSignalingURL, u.Scheme)
		}
	}
	if c.SendQueueBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarSendQueueBytes)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxMessageBytes)
	}
	if c.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxMessagesPerSecond)
	}
	return nil
}

// NewLogger builds the process logger from the configured format and level.
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

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
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
