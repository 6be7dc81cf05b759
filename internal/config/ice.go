package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envVarICEServersJSON = "ICE_SERVERS_JSON"
	envVarSTUNURLs       = "STUN_URLS"
	envVarTURNURLs       = "TURN_URLS"
	envVarTURNUsername   = "TURN_USERNAME"
	envVarTURNCredential = "TURN_CREDENTIAL"
)

// parseICEServers reads STUN/TURN configuration for clients. ICE_SERVERS_JSON
// takes precedence; otherwise the convenience variables STUN_URLS, TURN_URLS,
// TURN_USERNAME and TURN_CREDENTIAL are assembled into server entries.
func parseICEServers(lookup func(string) (string, bool)) ([]webrtc.ICEServer, error) {
	if raw, ok := lookup(envVarICEServersJSON); ok && strings.TrimSpace(raw) != "" {
		servers, err := parseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envVarICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer

	if urls := splitURLs(envOrDefault(lookup, envVarSTUNURLs, "")); len(urls) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}

	turnURLs := splitURLs(envOrDefault(lookup, envVarTURNURLs, ""))
	if len(turnURLs) > 0 {
		username := envOrDefault(lookup, envVarTURNUsername, "")
		credential := envOrDefault(lookup, envVarTURNCredential, "")
		if username == "" || credential == "" {
			return nil, fmt.Errorf("%s set but %s or %s missing", envVarTURNURLs, envVarTURNUsername, envVarTURNCredential)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnURLs,
			Username:   username,
			Credential: credential,
		})
	}

	return servers, nil
}

func parseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		if len(entry.URLs) == 0 {
			return nil, fmt.Errorf("entry %d has no urls", i)
		}
		for _, u := range entry.URLs {
			if !validICEURL(u) {
				return nil, fmt.Errorf("entry %d has invalid url %q", i, u)
			}
			if isTURNURL(u) && (entry.Username == "" || entry.Credential == "") {
				return nil, fmt.Errorf("entry %d (%s) requires username and credential", i, u)
			}
		}
		server := webrtc.ICEServer{URLs: entry.URLs, Username: entry.Username}
		if entry.Credential != "" {
			server.Credential = entry.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func splitURLs(raw string) []string {
	var out []string
	for _, u := range strings.Split(raw, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		out = append(out, u)
	}
	return out
}

func validICEURL(u string) bool {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(u, scheme) {
			return true
		}
	}
	return false
}

func isTURNURL(u string) bool {
	return strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:")
}
