package stream

import (
	"fmt"
	"net/url"
	"strings"
)

const DefaultPath = "/api/v1/monitoring/ws"

// Endpoint derives the stream address from the REST base address by
// switching to the matching WebSocket scheme and appending path.
func Endpoint(apiBase, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api base url %q has no host", apiBase)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api base url scheme %q", u.Scheme)
	}

	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// WithToken appends the bearer token as the token query parameter. The
// handshake cannot carry an Authorization header from a browser, so the
// backend reads it from the query.
func WithToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint: %w", err)
	}
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// redact hides the token in a stream address so it can be logged.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "<invalid stream url>"
	}
	query := u.Query()
	if query.Has("token") {
		query.Set("token", "***")
		u.RawQuery = query.Encode()
	}
	return u.String()
}
