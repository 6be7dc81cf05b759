// Package origin validates browser Origin headers for the relay's CORS and
// WebSocket-upgrade checks.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form, with default ports stripped.
//
// The special Origin value "null" (sandboxed frames, file:// pages) is
// accepted and returned as-is.
func Normalize(header string) (normalized string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host, ok := canonicalHost(u.Host, scheme)
	if !ok {
		return "", false
	}
	return scheme + "://" + host, true
}

// Allowed reports whether the normalized origin may use the relay.
//
// Each allowlist entry must be "*" or a normalized origin string. An empty
// allowlist falls back to same-host: the origin's host[:port] must match the
// request's Host header, with default ports treated as equivalent. Scheme is
// deliberately not compared because a TLS-terminating proxy may present the
// request as HTTP while the browser Origin is HTTPS.
func Allowed(normalized, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, entry := range allowlist {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	scheme, rest, found := strings.Cut(normalized, "://")
	if !found {
		// "null" and malformed values never match a host-based request.
		return false
	}
	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	return rest == reqHost
}

// canonicalHost lowercases host[:port], validates the port, and strips it
// when it is the scheme's default. IPv6 literals keep their brackets.
func canonicalHost(rawHost, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(rawHost)
	if !ok || hostname == "" {
		return "", false
	}
	hostname = strings.ToLower(hostname)

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

func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		rest := rawHost[end+1:]
		if rest == "" {
			return rawHost[1:end], "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return rawHost[1:end], rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}
