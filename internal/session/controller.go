package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/identity"
	"github.com/rickgao/convstream/internal/transport"
)

// ErrClosed is returned by Reconcile after Close.
var ErrClosed = errors.New("controller closed")

// handlerBinding is one listener bound during a reconciliation pass.
type handlerBinding struct {
	conn transport.Conn
	name string
	id   transport.ListenerID
}

// Controller owns the single connection for one client. Reconciliation and
// transport callbacks are serialized under mu. The transport is never called
// with mu held except for non-blocking binds.
type Controller struct {
	transport transport.Transport
	sink      Sink
	cfg       Config
	logger    *slog.Logger
	source    IdentitySource
	telemetry Telemetry
	onChange  func()

	// deliver is held across the epoch check and sink delivery of one
	// message, and by every pass that changes the epoch. Taken before mu.
	deliver sync.Mutex

	mu       sync.Mutex
	state    State
	conn     transport.Conn
	epoch    string
	prev     identity.Identity
	repo     string
	bound    []handlerBinding
	teardown context.CancelFunc
	closed   bool
	stats    Stats
}

// Option configures a Controller.
type Option func(*Controller)

// WithIdentitySource sets the collaborator cleared on disconnect and error.
func WithIdentitySource(s IdentitySource) Option {
	return func(c *Controller) {
		c.source = s
	}
}

// WithTelemetry sets the telemetry collaborator.
func WithTelemetry(t Telemetry) Option {
	return func(c *Controller) {
		c.telemetry = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithOnChange sets a function called after every state change. It runs
// without the controller lock held.
func WithOnChange(fn func()) Option {
	return func(c *Controller) {
		c.onChange = fn
	}
}

// NewController creates a controller in the Stopped state.
func NewController(cfg Config, t transport.Transport, sink Sink, opts ...Option) *Controller {
	if cfg.TeardownDelay <= 0 {
		cfg.TeardownDelay = DefaultTeardownDelay
	}

	c := &Controller{
		transport: t,
		sink:      sink,
		cfg:       cfg,
		state:     Stopped,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "session")
	return c
}

// Reconcile brings the connection in line with in. It closes the connection
// when disabled or when no session is designated, replaces it when the
// identity resolver says so, and otherwise keeps it.
func (c *Controller) Reconcile(in Inputs) error {
	c.deliver.Lock()
	defer c.deliver.Unlock()
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	c.unbindLocked()

	if !in.Enabled {
		changed, old := c.stopLocked()
		c.mu.Unlock()
		disconnect(old)
		c.logger.Debug("reconcile: disabled")
		c.notify(changed)
		return nil
	}

	if in.Identity.SessionID == "" {
		changed, old := c.stopLocked()
		c.mu.Unlock()
		disconnect(old)
		c.logger.Debug("reconcile: no session designated")
		c.notify(changed)
		return nil
	}

	var old transport.Conn
	fresh := false
	if identity.ShouldReplace(c.prev, in.Identity, c.addressedLocked()) {
		old = c.closeLocked()

		path := identity.SessionPath(in.Identity.SessionID)
		conn, err := c.transport.Open(transport.OpenOptions{
			Path: path,
			Auth: transport.Auth{
				Token:       in.Identity.PrimaryToken,
				GitHubToken: in.Identity.SecondaryToken,
			},
			Transports: []string{transport.ModeWebSocket},
		})
		if err != nil {
			changed := c.setStateLocked(Error)
			c.mu.Unlock()
			disconnect(old)
			c.notify(changed)
			return fmt.Errorf("open %s: %w", path, err)
		}

		c.conn = conn
		c.epoch = uuid.NewString()
		c.stats.Opened++
		fresh = true
		c.logger.Info("opened connection", "path", path, "epoch", c.epoch)
	}

	c.bindLocked()
	c.prev = in.Identity
	c.repo = in.SelectedRepository

	// Start only after the handlers are bound so no callback is missed.
	if fresh {
		c.conn.Connect()
	}
	c.mu.Unlock()
	disconnect(old)
	return nil
}

// Mount cancels a pending teardown, keeping the connection as it is.
func (c *Controller) Mount() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.teardown != nil {
		c.teardown()
		c.teardown = nil
		c.logger.Debug("pending teardown cancelled")
	}
}

// Unmount schedules the connection to be closed after the teardown delay.
// A Mount before the delay elapses cancels it.
func (c *Controller) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.teardown != nil {
		c.teardown()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.teardown = cancel
	go c.teardownAfter(ctx, c.cfg.TeardownDelay)
}

func (c *Controller) teardownAfter(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	c.deliver.Lock()
	defer c.deliver.Unlock()
	c.mu.Lock()
	// Mount cancels under the lock, so this check cannot race with it.
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.teardown = nil
	c.stats.TeardownsFired++
	c.unbindLocked()
	changed, old := c.stopLocked()
	c.mu.Unlock()
	disconnect(old)

	c.logger.Debug("teardown fired")
	c.notify(changed)
}

// Close closes the connection immediately and rejects further passes.
func (c *Controller) Close() error {
	c.deliver.Lock()
	defer c.deliver.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	if c.teardown != nil {
		c.teardown()
		c.teardown = nil
	}
	c.unbindLocked()
	changed, old := c.stopLocked()
	c.mu.Unlock()
	disconnect(old)

	c.notify(changed)
	return nil
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Emit sends payload on the given channel of the live connection.
func (c *Controller) Emit(name string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !conn.Connected() {
		return transport.ErrNotConnected
	}
	return conn.Emit(name, payload)
}

// Stats returns current statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.State = c.state
	if c.conn != nil {
		s.Path = c.conn.Path()
	}
	return s
}

// SelectedRepository returns the repository recorded by the last pass.
func (c *Controller) SelectedRepository() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo
}

func (c *Controller) bindLocked() {
	conn, epoch := c.conn, c.epoch
	on := func(name string, fn func(epoch string, payload any)) {
		id := conn.On(name, func(payload any) { fn(epoch, payload) })
		c.bound = append(c.bound, handlerBinding{conn: conn, name: name, id: id})
	}

	on(transport.EventConnect, c.handleConnect)
	on(transport.EventMessage, c.handleMessage)
	on(transport.EventConnectError, c.handleError)
	on(transport.EventConnectFailed, c.handleError)
	on(transport.EventDisconnect, c.handleDisconnect)
}

func (c *Controller) unbindLocked() {
	for _, b := range c.bound {
		b.conn.Off(b.name, b.id)
	}
	c.bound = nil
}

// addressedLocked returns the connection as an identity.Addressed, keeping
// a missing connection a true nil.
func (c *Controller) addressedLocked() identity.Addressed {
	if c.conn == nil {
		return nil
	}
	return c.conn
}

// closeLocked detaches the connection and returns it. The caller must
// disconnect it after releasing mu.
func (c *Controller) closeLocked() transport.Conn {
	conn := c.conn
	if conn == nil {
		return nil
	}
	c.logger.Info("closing connection", "path", conn.Path(), "epoch", c.epoch)
	c.conn = nil
	c.epoch = ""
	c.stats.Closed++
	return conn
}

func (c *Controller) stopLocked() (bool, transport.Conn) {
	old := c.closeLocked()
	return c.setStateLocked(Stopped), old
}

// disconnect closes a detached connection. It may block on the transport.
func disconnect(conn transport.Conn) {
	if conn != nil {
		conn.Disconnect()
	}
}

func (c *Controller) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.logger.Debug("state change", "from", c.state, "to", s)
	c.state = s
	return true
}

// currentLocked reports whether a callback captured in epoch may still act.
func (c *Controller) currentLocked(epoch string) bool {
	if c.epoch == "" || epoch != c.epoch {
		c.stats.StaleCallbacks++
		return false
	}
	return true
}

func (c *Controller) handleConnect(epoch string, _ any) {
	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(Opening)
	c.mu.Unlock()

	c.notify(changed)
}

func (c *Controller) handleMessage(epoch string, payload any) {
	ev, ok := payload.(event.Event)
	if !ok {
		c.logger.Debug("ignoring non-event payload", "type", fmt.Sprintf("%T", payload))
		return
	}

	// deliver keeps the epoch from changing until the sink has the event.
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	current := c.currentLocked(epoch)
	c.mu.Unlock()
	if !current {
		return
	}

	// The sink may call Emit, so it runs without mu.
	if c.sink != nil {
		c.sink.Ingest(ev)
	}

	c.mu.Lock()
	changed := false
	if ev.AgentState() == event.AgentStateInit {
		changed = c.setStateLocked(Active)
	}
	// Once Active, error observations are application-level.
	if c.state != Active && ev.IsError() {
		changed = c.setStateLocked(Error) || changed
	}
	c.mu.Unlock()

	c.notify(changed)
}

func (c *Controller) handleError(epoch string, payload any) {
	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(Error)
	c.mu.Unlock()

	c.logger.Warn("socket error", "error", payload)
	if c.telemetry != nil {
		c.telemetry.Capture(TelemetrySocketError)
	}
	c.clearSession()
	c.notify(changed)
}

func (c *Controller) handleDisconnect(epoch string, payload any) {
	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(Stopped)
	c.mu.Unlock()

	c.logger.Info("socket disconnected", "reason", payload)
	c.clearSession()
	c.notify(changed)
}

func (c *Controller) clearSession() {
	if c.source != nil {
		c.source.ClearSession()
	}
}

func (c *Controller) notify(changed bool) {
	if changed && c.onChange != nil {
		c.onChange()
	}
}
