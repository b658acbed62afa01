package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envVarICEServersJSON = "CALL_CORE_ICE_SERVERS_JSON"

	envVarStunURLs       = "CALL_CORE_STUN_URLS"
	envVarTurnURLs       = "CALL_CORE_TURN_URLS"
	envVarTurnUsername   = "CALL_CORE_TURN_USERNAME"
	envVarTurnCredential = "CALL_CORE_TURN_CREDENTIAL"
)

// DefaultSTUNURLs apply when no ICE configuration is present at all, so a
// bare client still punches through common NATs. An explicit empty JSON list
// (`[]`) disables them; TURN always needs explicit configuration.
var DefaultSTUNURLs = []string{"stun:stun.l.google.com:19302"}

func parseICEServersEnv(lookup func(string) (string, bool)) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(envOrDefault(lookup, envVarICEServersJSON, "")); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envVarICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := parseICEServersConvenience(
		envOrDefault(lookup, envVarStunURLs, ""),
		envOrDefault(lookup, envVarTurnURLs, ""),
		envOrDefault(lookup, envVarTurnUsername, ""),
		envOrDefault(lookup, envVarTurnCredential, ""),
	)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: DefaultSTUNURLs}}, nil
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates CALL_CORE_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			urls = append(urls, u)
		}

		pcServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}

		if err := validateICEServer(pcServer); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// parseICEServersConvenience builds an ICE server list from the comma-separated
// convenience env vars.
func parseICEServersConvenience(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envVarStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envVarTurnUsername, envVarTurnCredential, envVarTurnURLs)
		}

		server := webrtc.ICEServer{
			URLs:       turnList,
			Username:   turnUsername,
			Credential: turnCredential,
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envVarTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
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

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, raw := range server.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedICEScheme(u) {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func isAllowedICEScheme(u string) bool {
	switch {
	case strings.HasPrefix(u, "stun:"),
		strings.HasPrefix(u, "stuns:"),
		strings.HasPrefix(u, "turn:"),
		strings.HasPrefix(u, "turns:"):
		return true
	default:
		return false
	}
}
