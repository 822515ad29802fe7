// Package config reads the user's ~/.terminal-remote/config file, a
// simple key=value format used to supply defaults for flags that the
// proxy and agent commands would otherwise require on every invocation
// (relay URL, socket path, pairing base URL).
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Keys recognized in the config file.
const (
	KeyRelayURL       = "relay_url"
	KeySocketPath     = "socket_path"
	KeyPairingBaseURL = "pairing_base_url"
	KeyShell          = "shell"
	KeyAgentName      = "agent_name"
)

// Values holds the parsed key=value pairs.
type Values map[string]string

// Load reads ~/.terminal-remote/config, returning an empty Values (not an
// error) if the file does not exist.
func Load() (Values, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Values{}, nil
	}
	return loadPath(filepath.Join(home, ".terminal-remote", "config"))
}

func loadPath(path string) (Values, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Values{}, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	values := make(Values)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

// Get returns the value for key, or def if unset.
func (v Values) Get(key, def string) string {
	if val, ok := v[key]; ok && val != "" {
		return val
	}
	return def
}

// PairingBaseFromRelayURL derives an http(s) pairing base URL from a
// relay WebSocket URL, e.g. "ws://host:8080/ws/agent" ->
// "http://host:8080/pair". Used as the agent's fallback when no explicit
// pairing base URL is configured.
func PairingBaseFromRelayURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("config: bad relay URL: %w", err)
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/pair", scheme, u.Host), nil
}
