// Package transport defines the contract between the session controller and
// a persistent, named-event connection to the agent server.
package transport

import (
	"errors"
	"fmt"
)

// Event names delivered by a Conn.
const (
	EventConnect       = "connect"
	EventMessage       = "oh_event"
	EventConnectError  = "connect_error"
	EventConnectFailed = "connect_failed"
	EventDisconnect    = "disconnect"
)

// ChannelAction is the outbound channel for client events.
const ChannelAction = "oh_action"

// ModeWebSocket is the only transport mode the controller requests.
const ModeWebSocket = "websocket"

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// Auth carries connection-time credentials. Empty fields are omitted.
type Auth struct {
	Token       string `json:"token,omitempty"`
	GitHubToken string `json:"githubToken,omitempty"`
}

// OpenOptions describes the connection to open.
type OpenOptions struct {
	Path       string   // e.g. /conversation/<id>
	Auth       Auth     // connection-time credentials
	Transports []string // allowed modes; the controller requests websocket only
}

// ConnectError is the payload of connect_error and connect_failed.
type ConnectError struct {
	Message string
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Listener receives an event's payload. For oh_event the payload is an
// event.Event; for connect_error and connect_failed it is a *ConnectError;
// for disconnect it is the reason string; for connect it is nil.
type Listener func(payload any)

// ListenerID identifies a bound listener so it can be unbound.
type ListenerID string

// Conn is a single logical connection. Listeners are invoked serially, in
// arrival order, from one goroutine owned by the Conn.
type Conn interface {
	// On binds a listener to a named event.
	On(name string, fn Listener) ListenerID

	// Off unbinds a listener. Unknown ids are ignored.
	Off(name string, id ListenerID)

	// Connect starts connecting in the background. Calling it again is a no-op.
	Connect()

	// Emit sends a payload on a named channel.
	Emit(name string, payload any) error

	// Disconnect closes the connection and stops reconnecting.
	Disconnect()

	// Connected reports whether the connection is currently live.
	Connected() bool

	// Path returns the path the connection was opened against.
	Path() string
}

// Transport opens connections.
type Transport interface {
	Open(opts OpenOptions) (Conn, error)
}
