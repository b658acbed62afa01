package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(mapLookup(nil))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}

	if cfg.RingTimeout != DefaultRingTimeout {
		t.Fatalf("RingTimeout = %v, want %v", cfg.RingTimeout, DefaultRingTimeout)
	}
	if cfg.NegotiationTimeout != DefaultNegotiationTimeout {
		t.Fatalf("NegotiationTimeout = %v, want %v", cfg.NegotiationTimeout, DefaultNegotiationTimeout)
	}
	if cfg.MediaAcquireTimeout != DefaultMediaAcquireTimeout {
		t.Fatalf("MediaAcquireTimeout = %v, want %v", cfg.MediaAcquireTimeout, DefaultMediaAcquireTimeout)
	}
	if cfg.DisconnectGrace != DefaultDisconnectGrace {
		t.Fatalf("DisconnectGrace = %v, want %v", cfg.DisconnectGrace, DefaultDisconnectGrace)
	}
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected log defaults: %v %v", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.MaxMessagesPerSecond != DefaultMaxMessagesPerSecond {
		t.Fatalf("MaxMessagesPerSecond = %d", cfg.MaxMessagesPerSecond)
	}
	if !cfg.AutoAccept {
		t.Fatalf("AutoAccept must default on")
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != DefaultSTUNURLs[0] {
		t.Fatalf("ICEServers = %v, want default stun fallback", cfg.ICEServers)
	}
}

func TestFromLookup_AutoAcceptOff(t *testing.T) {
	cfg, err := FromLookup(mapLookup(map[string]string{
		"CALL_CORE_AUTO_ACCEPT": "false",
	}))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.AutoAccept {
		t.Fatalf("AutoAccept still on")
	}
}

func TestFromLookup_ExplicitEmptyICEDisablesFallback(t *testing.T) {
	cfg, err := FromLookup(mapLookup(map[string]string{
		"CALL_CORE_ICE_SERVERS_JSON": "[]",
	}))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers = %v, want none", cfg.ICEServers)
	}
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg, err := FromLookup(mapLookup(map[string]string{
		"CALL_CORE_SIGNALING_URL": "wss://relay.example.com/signal",
		"CALL_CORE_RING_TIMEOUT":  "45s",
		"CALL_CORE_LOG_FORMAT":    "json",
		"CALL_CORE_LOG_LEVEL":     "debug",
	}))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.SignalingURL != "wss://relay.example.com/signal" {
		t.Fatalf("SignalingURL = %q", cfg.SignalingURL)
	}
	if cfg.RingTimeout != 45*time.Second {
		t.Fatalf("RingTimeout = %v", cfg.RingTimeout)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log config = %v %v", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestFromLookup_RejectsBadValues(t *testing.T) {
	cases := []map[string]string{
		{"CALL_CORE_SIGNALING_URL": "http://relay.example.com"},
		{"CALL_CORE_RING_TIMEOUT": "nope"},
		{"CALL_CORE_RING_TIMEOUT": "-5s"},
		{"CALL_CORE_LOG_LEVEL": "loud"},
		{"CALL_CORE_MAX_SIGNALING_MESSAGE_BYTES": "0"},
		{"CALL_CORE_AUTO_ACCEPT": "maybe"},
	}
	for _, env := range cases {
		if _, err := FromLookup(mapLookup(env)); err == nil {
			t.Fatalf("expected error for %v", env)
		}
	}
}

func TestParseICEServersJSON(t *testing.T) {
	servers, err := ParseICEServersJSON(`[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478"], "username": "u", "credential": "c"}
	]`)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun url %q", servers[0].URLs[0])
	}
}

func TestParseICEServersJSON_TurnRequiresCredentials(t *testing.T) {
	_, err := ParseICEServersJSON(`[{"urls": "turn:turn.example.com:3478"}]`)
	if err == nil || !strings.Contains(err.Error(), "username") {
		t.Fatalf("expected turn credential error, got %v", err)
	}
}

func TestFromLookup_ConvenienceICE(t *testing.T) {
	cfg, err := FromLookup(mapLookup(map[string]string{
		"CALL_CORE_STUN_URLS":       "stun:a.example.com, stun:b.example.com",
		"CALL_CORE_TURN_URLS":       "turn:t.example.com",
		"CALL_CORE_TURN_USERNAME":   "u",
		"CALL_CORE_TURN_CREDENTIAL": "c",
	}))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("expected 2 ice servers, got %d", len(cfg.ICEServers))
	}
	if len(cfg.ICEServers[0].URLs) != 2 {
		t.Fatalf("expected 2 stun urls, got %v", cfg.ICEServers[0].URLs)
	}
}
