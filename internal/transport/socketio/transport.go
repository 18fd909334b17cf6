// Package socketio implements transport.Transport with Engine.IO v4 and
// Socket.IO v5 framing over a websocket-only connection.
//
// Each opened connection joins the namespace given by its path (for example
// /conversation/abc123) and sends its credentials in the CONNECT packet.
// Inbound events are decoded on the read goroutine and handed to a single
// dispatch goroutine, so listeners run one at a time in arrival order.
package socketio

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/convstream/internal/transport"
)

// Config configures the transport.
type Config struct {
	URL               string        // server base URL (http, https, ws or wss)
	Header            http.Header   // extra handshake headers
	HandshakeTimeout  time.Duration // dial plus Engine.IO and namespace handshake
	WriteTimeout      time.Duration // write deadline for each frame
	Reconnect         bool          // redial after drops and failed dials
	ReconnectBaseWait time.Duration
	ReconnectMaxWait  time.Duration
	ReconnectAttempts int // consecutive failed dials before connect_failed; 0 = unlimited
	BufferSize        int // initial inbox capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		Reconnect:         true,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  30 * time.Second,
		ReconnectAttempts: 5,
		BufferSize:        1024,
	}
}

// Transport opens Socket.IO connections to one server.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// New creates a transport. Zero durations fall back to DefaultConfig values.
func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = max(def.ReconnectMaxWait, cfg.ReconnectBaseWait)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}
}

// Open creates an unstarted connection. Call Connect on it after binding
// listeners.
func (t *Transport) Open(opts transport.OpenOptions) (transport.Conn, error) {
	if len(opts.Transports) > 0 && !slices.Contains(opts.Transports, transport.ModeWebSocket) {
		return nil, fmt.Errorf("unsupported transports %v: only %s is available", opts.Transports, transport.ModeWebSocket)
	}
	if opts.Path != "" && !strings.HasPrefix(opts.Path, "/") {
		return nil, fmt.Errorf("path %q must start with /", opts.Path)
	}
	if _, err := EngineURL(t.cfg.URL); err != nil {
		return nil, err
	}
	return newSocket(t.cfg, t.dialer, opts, t.logger), nil
}

// EngineURL converts a server base URL into the Engine.IO websocket endpoint.
func EngineURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", base)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", transport.ModeWebSocket)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
