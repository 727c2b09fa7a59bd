package utils

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SetTCPNoDelay enables TCP_NODELAY on a TCP connection to disable Nagle's algorithm.
// Returns nil for non-TCP connections (e.g., Unix sockets).
func SetTCPNoDelay(conn net.Conn) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(true)
	}
	return nil
}

// TCPNoDelayListener wraps a net.Listener to enable TCP_NODELAY on accepted connections.
type TCPNoDelayListener struct {
	net.Listener
}

// Accept accepts a connection and enables TCP_NODELAY.
func (l *TCPNoDelayListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if err := SetTCPNoDelay(conn); err != nil {
		log.Debug().Err(err).Msg("failed to set TCP_NODELAY on accepted connection")
	}
	return conn, nil
}

// NewTCPNoDelayListener wraps a listener to enable TCP_NODELAY on accepted connections.
func NewTCPNoDelayListener(l net.Listener) *TCPNoDelayListener {
	return &TCPNoDelayListener{Listener: l}
}

// defaultWebSocketUpgrader provides a permissive upgrader used across cmd binaries
var defaultWebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeWebSocket upgrades the request/response to a WebSocket connection using DefaultWebSocketUpgrader
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error) {
	return defaultWebSocketUpgrader.Upgrade(w, r, responseHeader)
}

// NormalizeHubURL takes various user-friendly server inputs and
// converts them into a proper WebSocket URL.
// Examples:
//   - "wss://localhost:8081/ws" -> unchanged
//   - "ws://localhost:8081/ws"  -> unchanged
//   - "http://example.com"      -> "ws://example.com/ws"
//   - "https://example.com"     -> "wss://example.com/ws"
//   - "localhost:8081"          -> "wss://localhost:8081/ws"
//   - "example.com"             -> "wss://example.com/ws"
func NormalizeHubURL(raw string) (string, error) {
	server := strings.TrimSpace(raw)
	if server == "" {
		return "", fmt.Errorf("hub server is empty")
	}

	// Already a WebSocket URL
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		return server, nil
	}

	// HTTP/HTTPS -> WS/WSS with default /ws path
	if strings.HasPrefix(server, "http://") || strings.HasPrefix(server, "https://") {
		u, err := url.Parse(server)
		if err != nil {
			return "", fmt.Errorf("invalid hub server %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = "/ws"
		}
		return u.String(), nil
	}

	// Bare host[:port][/path] -> assume WSS and /ws if no path
	u, err := url.Parse("wss://" + server)
	if err != nil {
		return "", fmt.Errorf("invalid hub server %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid hub server %q: missing host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// IsHexString reports whether s contains only hexadecimal characters
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
