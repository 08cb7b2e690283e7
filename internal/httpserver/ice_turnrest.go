package httpserver

import (
	"strings"

	"github.com/meshtalk/signaling/internal/config"
)

// withTURNRESTCredentials returns a copy of servers with minted credentials
// stamped onto every TURN entry. STUN-only entries pass through unchanged.
func withTURNRESTCredentials(servers []config.ICEServer, username, credential string) []config.ICEServer {
	if len(servers) == 0 {
		// Preserve empty (non-nil) slices so JSON responses consistently encode as
		// `[]` rather than `null`.
		return servers
	}
	out := make([]config.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if iceServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func iceServerHasTURNURL(server config.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if asciiHasPrefixFold(url, "turn:") || asciiHasPrefixFold(url, "turns:") {
			return true
		}
	}
	return false
}

func asciiHasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c = c + ('a' - 'A')
		}
		if c != prefix[i] {
			return false
		}
	}
	return true
}
