package session

import (
	"time"

	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/identity"
)

// State is the connection state exposed to consumers.
type State int

const (
	Stopped State = iota
	Opening
	Active
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Opening:
		return "opening"
	case Active:
		return "active"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// TelemetrySocketError is captured on connect_error and connect_failed.
const TelemetrySocketError = "socket_error"

// DefaultTeardownDelay is how long Unmount waits before closing.
const DefaultTeardownDelay = 100 * time.Millisecond

// Inputs are the values a reconciliation pass acts on.
type Inputs struct {
	Enabled            bool
	Identity           identity.Identity
	SelectedRepository string // recorded, never forces a reconnect
}

// Config configures the Controller.
type Config struct {
	TeardownDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TeardownDelay: DefaultTeardownDelay}
}

// Sink receives every inbound event from the live connection. Ingest may
// call Emit but must not call Reconcile or Close on the same controller.
type Sink interface {
	Ingest(ev event.Event)
}

// IdentitySource is told to forget the current session after a disconnect
// or a connection error, so the next identity it supplies drives a retry.
type IdentitySource interface {
	ClearSession()
}

// IdentitySourceFunc adapts a function to IdentitySource.
type IdentitySourceFunc func()

func (f IdentitySourceFunc) ClearSession() { f() }

// Telemetry receives fire-and-forget named events.
type Telemetry interface {
	Capture(name string)
}

// TelemetryFunc adapts a function to Telemetry.
type TelemetryFunc func(name string)

func (f TelemetryFunc) Capture(name string) { f(name) }

// Stats provides counters about the controller.
type Stats struct {
	State          State
	Path           string // path of the current connection, "" if none
	Opened         int64  // connections opened
	Closed         int64  // connections closed by the controller
	StaleCallbacks int64  // callbacks ignored because their epoch was replaced
	TeardownsFired int64
}
