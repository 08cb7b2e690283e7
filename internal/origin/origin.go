// Package origin canonicalizes browser Origin headers and decides whether an
// origin may reach the relay. With no allowlist configured the policy is
// same-host only; an allowlist replaces it with exact-match entries plus the
// "*" wildcard.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Origin is a canonicalized Origin header value.
//
// Value is "null" for opaque origins, otherwise scheme://host[:port] with the
// scheme and host lowercased and default ports stripped. Host is the
// host[:port] portion, empty for "null".
type Origin struct {
	Value  string
	Scheme string
	Host   string
}

// Normalize parses and canonicalizes an Origin header. It rejects anything
// that is not a plain http/https origin: userinfo, paths, queries, fragments,
// and out-of-range ports all fail.
//
// The opaque origin "null" is accepted and preserved.
func Normalize(header string) (Origin, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return Origin{}, false
	}
	if trimmed == "null" {
		return Origin{Value: "null"}, true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Origin{}, false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return Origin{}, false
	}
	if u.Path != "" && u.Path != "/" {
		return Origin{}, false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, false
	}

	host, ok := canonicalHost(u.Host, scheme)
	if !ok {
		return Origin{}, false
	}

	return Origin{
		Value:  scheme + "://" + host,
		Scheme: scheme,
		Host:   host,
	}, true
}

// Allowed reports whether the origin may access the given request host.
//
// A non-empty allowlist is authoritative: entries are "*" or canonical origin
// values as produced by Normalize. Without one, the origin's host[:port] must
// equal the request's Host header. The scheme is deliberately not compared
// against the request: behind a TLS-terminating proxy the relay sees HTTP
// while the browser origin is HTTPS.
func Allowed(o Origin, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, entry := range allowlist {
			if entry == "*" || entry == o.Value {
				return true
			}
		}
		return false
	}

	// "null" never matches a host-based default policy.
	if o.Scheme == "" {
		return false
	}

	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), o.Scheme)
	if !ok {
		return false
	}
	return o.Host == reqHost
}

// canonicalHost lowercases a host[:port] authority, validates the port, and
// strips it when it is the scheme's default. IPv6 literals keep their
// brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitAuthority(authority)
	if !ok {
		return "", false
	}

	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitAuthority splits host[:port], unwrapping brackets around IPv6
// literals. The port comes back unvalidated and empty when absent.
func splitAuthority(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = authority[1:end]
		rest := authority[end+1:]
		switch {
		case rest == "":
			return hostname, "", true
		case strings.HasPrefix(rest, ":") && len(rest) > 1:
			return hostname, rest[1:], true
		default:
			return "", "", false
		}
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		i := strings.IndexByte(authority, ':')
		if i == 0 || i == len(authority)-1 {
			return "", "", false
		}
		return authority[:i], authority[i+1:], true
	default:
		// An unbracketed IPv6 literal is not a valid authority.
		return "", "", false
	}
}
