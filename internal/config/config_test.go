package config

import (
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.SignalWSIdleTimeout != DefaultSignalWSIdleTimeout {
		t.Fatalf("SignalWSIdleTimeout=%v, want %v", cfg.SignalWSIdleTimeout, DefaultSignalWSIdleTimeout)
	}
	if cfg.SignalWSPingInterval != DefaultSignalWSPingInterval {
		t.Fatalf("SignalWSPingInterval=%v, want %v", cfg.SignalWSPingInterval, DefaultSignalWSPingInterval)
	}
	if cfg.MaxSignalMessageBytes != DefaultMaxSignalMessageBytes {
		t.Fatalf("MaxSignalMessageBytes=%d, want %d", cfg.MaxSignalMessageBytes, DefaultMaxSignalMessageBytes)
	}
	if cfg.SignalSendQueueDepth != DefaultSignalSendQueueDepth {
		t.Fatalf("SignalSendQueueDepth=%d, want %d", cfg.SignalSendQueueDepth, DefaultSignalSendQueueDepth)
	}
	if cfg.MaxRoomMembers != 0 {
		t.Fatalf("MaxRoomMembers=%d, want 0 (unlimited)", cfg.MaxRoomMembers)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("expected no ICE servers by default, got %v", cfg.ICEServers)
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("unexpected ICE config error: %v", cfg.ICEConfigError())
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestSignalKnobs_EnvOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarSignalWSIdleTimeout:        "90s",
		envVarSignalWSPingInterval:       "30s",
		envVarMaxSignalMessageBytes:      "32768",
		envVarMaxSignalMessagesPerSecond: "25",
		envVarSignalSendQueueDepth:       "16",
		envVarMaxRoomMembers:             "8",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignalWSIdleTimeout != 90*time.Second {
		t.Fatalf("SignalWSIdleTimeout=%v, want 90s", cfg.SignalWSIdleTimeout)
	}
	if cfg.SignalWSPingInterval != 30*time.Second {
		t.Fatalf("SignalWSPingInterval=%v, want 30s", cfg.SignalWSPingInterval)
	}
	if cfg.MaxSignalMessageBytes != 32768 {
		t.Fatalf("MaxSignalMessageBytes=%d, want 32768", cfg.MaxSignalMessageBytes)
	}
	if cfg.MaxSignalMessagesPerSecond != 25 {
		t.Fatalf("MaxSignalMessagesPerSecond=%d, want 25", cfg.MaxSignalMessagesPerSecond)
	}
	if cfg.SignalSendQueueDepth != 16 {
		t.Fatalf("SignalSendQueueDepth=%d, want 16", cfg.SignalSendQueueDepth)
	}
	if cfg.MaxRoomMembers != 8 {
		t.Fatalf("MaxRoomMembers=%d, want 8", cfg.MaxRoomMembers)
	}
}

func TestPingIntervalMustBeBelowIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalWSIdleTimeout:  "10s",
		envVarSignalWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ping-interval") {
		t.Fatalf("err=%v, expected mention of ping interval", err)
	}
}

func TestInvalidDurationEnv(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalWSIdleTimeout: "soon",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestInvalidMode(t *testing.T) {
	_, err := load(func(string) (string, bool) { return "", false }, []string{"--mode", "staging"})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestICEServersFromConvenienceEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envStunURLs: "stun:stun.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("len(ICEServers)=%d, want 1", len(cfg.ICEServers))
	}
	if got := cfg.ICEServers[0].URLs[0]; got != "stun:stun.example.com:3478" {
		t.Fatalf("url=%q", got)
	}
}

func TestICEServersErrorIsDeferred(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected deferred ICE config error for TURN without credentials")
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_AllowsStarAndNull(t *testing.T) {
	got, err := parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}
