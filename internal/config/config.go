package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meshtalk/signaling/internal/origin"
)

const (
	envVarListenAddr      = "MESHTALK_LISTEN_ADDR"
	envVarPublicBaseURL   = "MESHTALK_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "MESHTALK_LOG_FORMAT"
	envVarLogLevel        = "MESHTALK_LOG_LEVEL"
	envVarShutdownTimeout = "MESHTALK_SHUTDOWN_TIMEOUT"
	envVarMode            = "MESHTALK_MODE"
	envVarStaticDir       = "MESHTALK_STATIC_DIR"

	envVarTURNRESTSecret         = "MESHTALK_TURN_REST_SECRET"
	envVarTURNRESTTTL            = "MESHTALK_TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "MESHTALK_TURN_REST_USERNAME_PREFIX"

	// Signaling WebSocket hardening knobs.
	envVarSignalWSIdleTimeout        = "SIGNAL_WS_IDLE_TIMEOUT"
	envVarSignalWSPingInterval       = "SIGNAL_WS_PING_INTERVAL"
	envVarMaxSignalMessageBytes      = "MAX_SIGNAL_MESSAGE_BYTES"
	envVarMaxSignalMessagesPerSecond = "MAX_SIGNAL_MESSAGES_PER_SECOND"
	envVarSignalSendQueueDepth       = "SIGNAL_SEND_QUEUE_DEPTH"
	envVarMaxRoomMembers             = "MAX_ROOM_MEMBERS"

	DefaultListenAddr = "127.0.0.1:8787"
	DefaultShutdown   = 15 * time.Second

	DefaultSignalWSIdleTimeout        = 60 * time.Second
	DefaultSignalWSPingInterval       = 20 * time.Second
	DefaultMaxSignalMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalMessagesPerSecond = 50
	DefaultSignalSendQueueDepth       = 64

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "meshtalk"

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
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// StaticDir, when non-empty, is served at / for the browser client.
	StaticDir string

	SignalWSIdleTimeout  time.Duration
	SignalWSPingInterval time.Duration

	MaxSignalMessageBytes      int64
	MaxSignalMessagesPerSecond int

	// SignalSendQueueDepth bounds the per-member outbound envelope queue. A
	// member whose queue stays full is dropped rather than allowed to stall
	// the room broadcast.
	SignalSendQueueDepth int

	// MaxRoomMembers caps membership per room. <= 0 means unlimited.
	MaxRoomMembers int

	ICEServers   []ICEServer
	iceConfigErr error

	// TURNRESTSecret enables coturn-compatible ephemeral TURN credentials on
	// the /ice endpoint when non-empty.
	TURNRESTSecret         string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string
}

// TURNRESTEnabled reports whether /ice should mint ephemeral TURN credentials.
func (c Config) TURNRESTEnabled() bool {
	return c.TURNRESTSecret != ""
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
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
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	staticDir := envOrDefault(lookup, envVarStaticDir, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalWSIdleTimeout, DefaultSignalWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalWSPingInterval, DefaultSignalWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}

	maxSignalMessageBytes := DefaultMaxSignalMessageBytes
	if raw, ok := lookup(envVarMaxSignalMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalMessageBytes, raw, err)
		}
		maxSignalMessageBytes = n
	}

	maxSignalMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalMessagesPerSecond, DefaultMaxSignalMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalSendQueueDepth, err := envIntOrDefault(lookup, envVarSignalSendQueueDepth, DefaultSignalSendQueueDepth)
	if err != nil {
		return Config{}, err
	}
	maxRoomMembers, err := envIntOrDefault(lookup, envVarMaxRoomMembers, 0)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("meshtalk-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory of static client assets to serve at / (env "+envVarStaticDir+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSecret, "turn-rest-secret", turnRESTSecret, "Shared secret for ephemeral TURN credentials; empty disables ("+envVarTURNRESTSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of ephemeral TURN credentials ("+envVarTURNRESTTTL+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "Username prefix for ephemeral TURN credentials ("+envVarTURNRESTUsernamePrefix+")")

	fs.DurationVar(&signalWSIdleTimeout, "signal-ws-idle-timeout", signalWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalWSIdleTimeout+")")
	fs.DurationVar(&signalWSPingInterval, "signal-ws-ping-interval", signalWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signal-ws-idle-timeout; env "+envVarSignalWSPingInterval+")")
	fs.Int64Var(&maxSignalMessageBytes, "max-signal-message-bytes", maxSignalMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalMessageBytes+")")
	fs.IntVar(&maxSignalMessagesPerSecond, "max-signal-messages-per-second", maxSignalMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxSignalMessagesPerSecond+")")
	fs.IntVar(&signalSendQueueDepth, "signal-send-queue-depth", signalSendQueueDepth, "Per-member outbound envelope queue depth (env "+envVarSignalSendQueueDepth+")")
	fs.IntVar(&maxRoomMembers, "max-room-members", maxRoomMembers, "Maximum members per room (0 = unlimited; env "+envVarMaxRoomMembers+")")

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
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if signalWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signal-ws-idle-timeout must be > 0", envVarSignalWSIdleTimeout)
	}
	if signalWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signal-ws-ping-interval must be > 0", envVarSignalWSPingInterval)
	}
	if signalWSPingInterval >= signalWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signal-ws-ping-interval must be < %s/--signal-ws-idle-timeout", envVarSignalWSPingInterval, envVarSignalWSIdleTimeout)
	}
	if maxSignalMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signal-message-bytes must be > 0", envVarMaxSignalMessageBytes)
	}
	if maxSignalMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signal-messages-per-second must be > 0", envVarMaxSignalMessagesPerSecond)
	}
	if signalSendQueueDepth <= 0 {
		return Config{}, fmt.Errorf("%s/--signal-send-queue-depth must be > 0", envVarSignalSendQueueDepth)
	}
	if turnRESTSecret != "" {
		if turnRESTTTL <= 0 {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl must be > 0", envVarTURNRESTTTL)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}
	if staticDir != "" {
		info, err := os.Stat(staticDir)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--static-dir %q: %w", envVarStaticDir, staticDir, err)
		}
		if !info.IsDir() {
			return Config{}, fmt.Errorf("invalid %s/--static-dir %q: not a directory", envVarStaticDir, staticDir)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		StaticDir:       staticDir,

		SignalWSIdleTimeout:  signalWSIdleTimeout,
		SignalWSPingInterval: signalWSPingInterval,

		MaxSignalMessageBytes:      maxSignalMessageBytes,
		MaxSignalMessagesPerSecond: maxSignalMessagesPerSecond,
		SignalSendQueueDepth:       signalSendQueueDepth,
		MaxRoomMembers:             maxRoomMembers,

		TURNRESTSecret:         turnRESTSecret,
		TURNRESTTTL:            turnRESTTTL,
		TURNRESTUsernamePrefix: turnRESTUsernamePrefix,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
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

		o, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, o.Value)
	}

	return out, nil
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
