package nostr

import (
	"errors"
	"net/url"
	"strings"

	"nostr-engine/internal/util"
)

var (
	ErrInvalidRelayURL = errors.New("invalid relay url")
	ErrBlockedRelayURL = errors.New("relay url blocked: internal host")
)

// NormalizeRelayURL returns the canonical pool key for a relay address:
// lowercase scheme and host, default ports dropped, no trailing slash.
func NormalizeRelayURL(relayURL string) (string, error) {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || strings.Count(relayURL, "://") != 1 {
		return "", ErrInvalidRelayURL
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", ErrInvalidRelayURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", ErrInvalidRelayURL
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || strings.Contains(host, " ") {
		return "", ErrInvalidRelayURL
	}
	if util.IsInternalHost(host) {
		return "", ErrBlockedRelayURL
	}
	if !util.IsLoopbackHost(host) && !strings.Contains(host, ".") {
		return "", ErrInvalidRelayURL
	}

	port := parsed.Port()
	if (scheme == "wss" && port == "443") || (scheme == "ws" && port == "80") {
		port = ""
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if strings.Contains(host, ":") {
		b.WriteString("[" + host + "]")
	} else {
		b.WriteString(host)
	}
	if port != "" {
		b.WriteString(":" + port)
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		b.WriteString(path)
	}
	return b.String(), nil
}
