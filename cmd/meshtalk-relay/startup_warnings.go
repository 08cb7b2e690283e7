package main

import (
	"log/slog"
	"time"

	"github.com/meshtalk/signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.TURNRESTEnabled() {
		logger.Warn("startup security warning: MESHTALK_TURN_REST_SECRET is unset while --mode=prod (TURN entries are served without short-lived credentials)",
			"warning_code", "turn_rest_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRoomMembers <= 0 {
		logger.Warn("startup security warning: MAX_ROOM_MEMBERS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_room_members_unlimited_in_prod",
			"max_room_members", cfg.MaxRoomMembers,
			"mode", cfg.Mode,
		)
	}

	// Warn if the signaling frame cap is unusually large, since it weakens the
	// relay's oversized message DoS hardening.
	if cfg.MaxSignalMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNAL_MESSAGE_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "max_signal_message_large",
			"max_signal_message_bytes", cfg.MaxSignalMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.SignalWSIdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: SIGNAL_WS_IDLE_TIMEOUT is very large (idle sockets are held open longer)",
			"warning_code", "signal_ws_idle_timeout_large",
			"signal_ws_idle_timeout", cfg.SignalWSIdleTimeout,
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
