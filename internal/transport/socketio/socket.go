package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/queue"
	"github.com/rickgao/convstream/internal/transport"
)

// Disconnect reasons, matching the Socket.IO client's wording.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonPingTimeout      = "ping timeout"
)

// Errors
var (
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrHandshake       = errors.New("handshake failed")
	ErrRejected        = errors.New("connection rejected")
)

type binding struct {
	id transport.ListenerID
	fn transport.Listener
}

type delivery struct {
	name    string
	payload any
}

// socket is one logical Socket.IO connection to a namespace. It redials at
// the transport level until it is disconnected or runs out of attempts.
type socket struct {
	cfg    Config
	path   string
	auth   transport.Auth
	dialer *websocket.Dialer
	logger *slog.Logger

	listenersMu sync.Mutex
	listeners   map[string][]binding

	// Inbound deliveries, drained by a single dispatch goroutine.
	inbox *queue.GrowableBuffer[delivery]

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once

	writeMu sync.Mutex

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool
}

func newSocket(cfg Config, dialer *websocket.Dialer, opts transport.OpenOptions, logger *slog.Logger) *socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		cfg:       cfg,
		path:      opts.Path,
		auth:      opts.Auth,
		dialer:    dialer,
		logger:    logger.With("path", opts.Path),
		listeners: make(map[string][]binding),
		inbox:     queue.NewGrowableBuffer[delivery](cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// On binds a listener.
func (s *socket) On(name string, fn transport.Listener) transport.ListenerID {
	id := transport.ListenerID(uuid.NewString())

	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners[name] = append(s.listeners[name], binding{id: id, fn: fn})
	return id
}

// Off unbinds a listener.
func (s *socket) Off(name string, id transport.ListenerID) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	bound := s.listeners[name]
	for i, b := range bound {
		if b.id == id {
			// copy so an in-flight dispatch keeps its own slice
			next := make([]binding, 0, len(bound)-1)
			next = append(next, bound[:i]...)
			next = append(next, bound[i+1:]...)
			s.listeners[name] = next
			return
		}
	}
}

// Connect starts the connection and dispatch goroutines once.
func (s *socket) Connect() {
	s.startOnce.Do(func() {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			return
		}
		go s.dispatchLoop()
		go s.run()
	})
}

// Emit sends [name, payload] as an EVENT packet.
func (s *socket) Emit(name string, payload any) error {
	s.mu.RLock()
	conn, connected := s.conn, s.connected
	s.mu.RUnlock()
	if !connected {
		return transport.ErrNotConnected
	}

	pkt, err := EventPacket(s.path, name, payload)
	if err != nil {
		return err
	}
	return s.write(conn, message(pkt))
}

// Disconnect closes the connection, stops reconnecting, and delivers a
// final disconnect event to whoever is still listening.
func (s *socket) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn, wasConnected := s.conn, s.connected
	s.connected = false
	s.mu.Unlock()

	// Queue the final event before run can close the inbox on its way out.
	if wasConnected {
		s.inbox.Send(delivery{name: transport.EventDisconnect, payload: ReasonClientDisconnect})
	}

	// Cancel before closing so the read loop does not report a drop.
	s.cancel()

	if conn != nil {
		if wasConnected {
			if err := s.write(conn, message(Packet{Type: PacketDisconnect, Namespace: s.path})); err != nil {
				s.logger.Debug("failed to send disconnect packet", "error", err)
			}
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
		}
		conn.Close()
	}

	s.inbox.Close()

	s.logger.Debug("socket disconnected by client")
}

// Connected reports whether the namespace handshake has completed and the
// connection has not dropped since.
func (s *socket) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Path returns the namespace path.
func (s *socket) Path() string {
	return s.path
}

// run dials, serves, and redials with exponential backoff.
func (s *socket) run() {
	defer s.inbox.Close()

	wait := s.cfg.ReconnectBaseWait
	failures := 0

	for {
		conn, open, err := s.dial()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			failures++
			s.logger.Warn("connect failed", "attempt", failures, "error", err)
			s.deliver(transport.EventConnectError, &transport.ConnectError{Message: "connect error", Err: err})

			if errors.Is(err, ErrRejected) {
				// The server refused the namespace; redialing will not help.
				return
			}
			if !s.cfg.Reconnect || (s.cfg.ReconnectAttempts > 0 && failures >= s.cfg.ReconnectAttempts) {
				s.deliver(transport.EventConnectFailed, &transport.ConnectError{
					Message: fmt.Sprintf("gave up after %d attempts", failures),
					Err:     err,
				})
				return
			}
			if !s.sleep(wait) {
				return
			}
			wait = min(wait*2, s.cfg.ReconnectMaxWait)
			continue
		}

		failures = 0
		wait = s.cfg.ReconnectBaseWait

		if !s.attach(conn) {
			conn.Close()
			return
		}
		s.logger.Debug("socket connected", "sid", open.SID)
		s.deliver(transport.EventConnect, nil)

		reason := s.readLoop(conn, open)
		s.detach(conn)
		conn.Close()

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Info("socket dropped", "reason", reason)
		s.deliver(transport.EventDisconnect, reason)

		if !s.cfg.Reconnect || reason == ReasonServerDisconnect {
			return
		}
		if !s.sleep(wait) {
			return
		}
	}
}

// dial opens the websocket and completes the Engine.IO and namespace
// handshakes.
func (s *socket) dial() (*websocket.Conn, OpenPayload, error) {
	target, err := EngineURL(s.cfg.URL)
	if err != nil {
		return nil, OpenPayload{}, err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := s.dialer.DialContext(ctx, target, headerOrNil(s.cfg.Header))
	if err != nil {
		return nil, OpenPayload{}, fmt.Errorf("dial: %w", err)
	}

	open, err := s.handshake(conn)
	if err != nil {
		conn.Close()
		return nil, OpenPayload{}, err
	}
	return conn, open, nil
}

func (s *socket) handshake(conn *websocket.Conn) (OpenPayload, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	conn.SetReadDeadline(deadline)

	_, data, err := conn.ReadMessage()
	if err != nil {
		return OpenPayload{}, fmt.Errorf("%w: read open: %v", ErrHandshake, err)
	}
	pkt, err := DecodeEngine(data)
	if err != nil || pkt.Type != EngineOpen {
		return OpenPayload{}, fmt.Errorf("%w: expected open packet, got %q", ErrHandshake, data)
	}
	var open OpenPayload
	if err := json.Unmarshal([]byte(pkt.Data), &open); err != nil {
		return OpenPayload{}, fmt.Errorf("%w: decode open: %v", ErrHandshake, err)
	}

	auth, err := json.Marshal(s.auth)
	if err != nil {
		return OpenPayload{}, fmt.Errorf("marshal auth: %w", err)
	}
	if err := s.write(conn, message(Packet{Type: PacketConnect, Namespace: s.path, Data: auth})); err != nil {
		return OpenPayload{}, fmt.Errorf("%w: send connect: %v", ErrHandshake, err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return OpenPayload{}, fmt.Errorf("%w: await connect: %v", ErrHandshake, err)
		}
		ep, err := DecodeEngine(data)
		if err != nil {
			continue
		}
		switch ep.Type {
		case EnginePing:
			if err := s.write(conn, EnginePacket{Type: EnginePong}.Encode()); err != nil {
				return OpenPayload{}, fmt.Errorf("%w: pong: %v", ErrHandshake, err)
			}
		case EngineClose:
			return OpenPayload{}, fmt.Errorf("%w: closed by server", ErrHandshake)
		case EngineMessage:
			sp, err := DecodePacket(ep.Data)
			if err != nil || sp.Namespace != s.namespace() {
				continue
			}
			switch sp.Type {
			case PacketConnect:
				conn.SetReadDeadline(time.Time{})
				return open, nil
			case PacketConnectError:
				return OpenPayload{}, fmt.Errorf("%w: %s", ErrRejected, sp.ErrorMessage())
			}
		}
	}
}

// readLoop serves one live connection and returns the disconnect reason.
func (s *socket) readLoop(conn *websocket.Conn, open OpenPayload) string {
	liveness := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	extend := func() {
		if liveness > 0 {
			conn.SetReadDeadline(time.Now().Add(liveness))
		}
	}
	extend()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("no ping received, connection stale",
					"error", ErrStaleConnection,
					"timeout", liveness,
				)
				return ReasonPingTimeout
			}
			return ReasonTransportClose
		}

		pkt, err := DecodeEngine(data)
		if err != nil {
			s.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		switch pkt.Type {
		case EnginePing:
			extend()
			if err := s.write(conn, EnginePacket{Type: EnginePong}.Encode()); err != nil {
				s.logger.Debug("failed to send pong", "error", err)
			}
		case EngineClose:
			return ReasonTransportClose
		case EngineMessage:
			if reason, done := s.handlePacket(pkt.Data); done {
				return reason
			}
		}
	}
}

func (s *socket) handlePacket(data string) (string, bool) {
	sp, err := DecodePacket(data)
	if err != nil {
		s.logger.Debug("dropping malformed packet", "error", err)
		return "", false
	}
	if sp.Namespace != s.namespace() {
		return "", false
	}

	switch sp.Type {
	case PacketDisconnect:
		return ReasonServerDisconnect, true
	case PacketEvent:
		name, payload, err := sp.Event()
		if err != nil {
			s.logger.Debug("dropping malformed event", "error", err)
			return "", false
		}
		if name == transport.EventMessage {
			ev, err := event.Decode(payload)
			if err != nil {
				s.logger.Warn("dropping undecodable event", "error", err)
				return "", false
			}
			s.deliver(name, ev)
			return "", false
		}
		s.deliver(name, payload)
	}
	return "", false
}

// dispatchLoop invokes listeners serially, in arrival order.
func (s *socket) dispatchLoop() {
	for {
		d, ok := s.inbox.Receive()
		if !ok {
			return
		}

		s.listenersMu.Lock()
		bound := s.listeners[d.name]
		s.listenersMu.Unlock()

		for _, b := range bound {
			b.fn(d.payload)
		}
	}
}

func (s *socket) deliver(name string, payload any) {
	if !s.inbox.Send(delivery{name: name, payload: payload}) {
		s.logger.Debug("inbox closed, dropping delivery", "event", name)
	}
}

func (s *socket) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	s.connected = true
	return true
}

func (s *socket) detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.connected = false
	}
}

func (s *socket) write(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *socket) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *socket) namespace() string {
	if s.path == "" {
		return DefaultNamespace
	}
	return s.path
}

var _ transport.Conn = (*socket)(nil)

// headerOrNil keeps a nil header nil so the dialer adds nothing.
func headerOrNil(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	return h.Clone()
}
