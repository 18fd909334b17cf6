// Package client is the externally observable surface of a conversation
// stream: connection state, the loading signal, the event log, and Send.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/ingest"
	"github.com/rickgao/convstream/internal/rate"
	"github.com/rickgao/convstream/internal/session"
	"github.com/rickgao/convstream/internal/transport"
)

// Config configures a Client.
type Config struct {
	Session       session.Config
	RateWindow    time.Duration // trailing window for the loading signal
	RateThreshold int           // message count above which the client is behind
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Session:       session.DefaultConfig(),
		RateWindow:    rate.DefaultWindow,
		RateThreshold: rate.DefaultThreshold,
	}
}

// Snapshot is the observed value of a client at one instant.
type Snapshot struct {
	State             session.State
	IsLoadingMessages bool
	Events            []event.Event
	Version           uint64 // event log version the events were read at
}

// Stats provides counters about outbound sends.
type Stats struct {
	Sent         int64
	NotConnected int64
	SendFailures int64
	Events       int
	Session      session.Stats
}

type options struct {
	logger     *slog.Logger
	now        func() time.Time
	dispatcher ingest.Dispatcher
	archivers  []ingest.Archiver
	source     session.IdentitySource
	telemetry  session.Telemetry
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the time source for the loading signal.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithDispatcher sets the assistant-message dispatcher.
func WithDispatcher(d ingest.Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

// WithArchiver adds an archive sink for every ingested event.
func WithArchiver(a ingest.Archiver) Option {
	return func(o *options) {
		o.archivers = append(o.archivers, a)
	}
}

// WithIdentitySource sets the collaborator cleared on disconnect and error.
func WithIdentitySource(s session.IdentitySource) Option {
	return func(o *options) {
		o.source = s
	}
}

// WithTelemetry sets the telemetry collaborator.
func WithTelemetry(t session.Telemetry) Option {
	return func(o *options) {
		o.telemetry = t
	}
}

// Client composes the session controller and the ingestion pipeline.
// A nil *Client reads as stopped with no events, and Send fails with
// transport.ErrNotConnected.
type Client struct {
	controller *session.Controller
	pipeline   *ingest.Pipeline
	now        func() time.Time
	logger     *slog.Logger
	updates    chan struct{}

	// decay fires notify when the loading signal is due to turn off.
	decayMu sync.Mutex
	decay   *time.Timer
	closed  bool

	sent         atomic.Int64
	notConnected atomic.Int64
	sendFailures atomic.Int64
}

// New creates a client. It does not connect until Reconcile is called.
func New(cfg Config, t transport.Transport, opts ...Option) *Client {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}

	c := &Client{
		now:     o.now,
		logger:  o.logger.With("component", "client"),
		updates: make(chan struct{}, 1),
	}

	monitor := rate.NewMonitor(cfg.RateWindow, cfg.RateThreshold)

	pipeOpts := []ingest.Option{
		ingest.WithClock(o.now),
		ingest.WithLogger(o.logger),
	}
	if o.dispatcher != nil {
		pipeOpts = append(pipeOpts, ingest.WithDispatcher(o.dispatcher))
	}
	for _, a := range o.archivers {
		pipeOpts = append(pipeOpts, ingest.WithArchiver(a))
	}
	c.pipeline = ingest.NewPipeline(monitor, pipeOpts...)
	c.pipeline.OnChange(c.onIngest)

	sessOpts := []session.Option{
		session.WithLogger(o.logger),
		session.WithOnChange(c.notify),
	}
	if o.source != nil {
		sessOpts = append(sessOpts, session.WithIdentitySource(o.source))
	}
	if o.telemetry != nil {
		sessOpts = append(sessOpts, session.WithTelemetry(o.telemetry))
	}
	c.controller = session.NewController(cfg.Session, t, c.pipeline, sessOpts...)

	return c
}

// State returns the connection state.
func (c *Client) State() session.State {
	if c == nil {
		return session.Stopped
	}
	return c.controller.State()
}

// IsLoadingMessages reports whether message events are still arriving
// faster than the rate threshold.
func (c *Client) IsLoadingMessages() bool {
	if c == nil {
		return false
	}
	return c.pipeline.Monitor().Behind(c.now())
}

// Events returns a copy of the event log in arrival order.
func (c *Client) Events() []event.Event {
	if c == nil {
		return nil
	}
	return c.pipeline.Log().Snapshot()
}

// LastSequenced returns the most recent event with an integer id.
func (c *Client) LastSequenced() (event.Event, bool) {
	if c == nil {
		return nil, false
	}
	return c.pipeline.LastSequenced()
}

// Snapshot computes the observed value from the current state, loading
// signal and event log.
func (c *Client) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{State: session.Stopped}
	}
	log := c.pipeline.Log()
	return Snapshot{
		State:             c.controller.State(),
		IsLoadingMessages: c.IsLoadingMessages(),
		Events:            log.Snapshot(),
		Version:           log.Version(),
	}
}

// Updates receives a value after state or event log changes. Notifications
// are coalesced; read Snapshot after each one.
func (c *Client) Updates() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.updates
}

// Send emits ev on the action channel. With no live connection it logs and
// returns transport.ErrNotConnected.
func (c *Client) Send(ev event.Event) error {
	if c == nil {
		slog.Default().Warn("websocket is not connected", "error", transport.ErrNotConnected)
		return transport.ErrNotConnected
	}

	err := c.controller.Emit(transport.ChannelAction, ev)
	switch {
	case err == nil:
		c.sent.Add(1)
	case errors.Is(err, transport.ErrNotConnected):
		c.notConnected.Add(1)
		c.logger.Warn("websocket is not connected", "action", ev.Action())
	default:
		c.sendFailures.Add(1)
		c.logger.Error("send failed", "action", ev.Action(), "error", err)
	}
	return err
}

// Reconcile applies new inputs to the controller.
func (c *Client) Reconcile(in session.Inputs) error {
	if c == nil {
		return transport.ErrNotConnected
	}
	return c.controller.Reconcile(in)
}

// Mount cancels a pending teardown.
func (c *Client) Mount() {
	if c != nil {
		c.controller.Mount()
	}
}

// Unmount schedules a debounced teardown.
func (c *Client) Unmount() {
	if c != nil {
		c.controller.Unmount()
	}
}

// Close closes the connection immediately.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.decayMu.Lock()
	c.closed = true
	if c.decay != nil {
		c.decay.Stop()
	}
	c.decayMu.Unlock()
	return c.controller.Close()
}

// Stats returns current statistics.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Sent:         c.sent.Load(),
		NotConnected: c.notConnected.Load(),
		SendFailures: c.sendFailures.Load(),
		Events:       c.pipeline.Log().Len(),
		Session:      c.controller.Stats(),
	}
}

func (c *Client) onIngest() {
	c.notify()
	c.armDecay()
}

// armDecay schedules a notification for when the loading signal clears.
// Each ingest moves the deadline.
func (c *Client) armDecay() {
	d, ok := c.pipeline.Monitor().Until(c.now())
	if !ok {
		return
	}

	c.decayMu.Lock()
	defer c.decayMu.Unlock()
	if c.closed {
		return
	}
	if c.decay == nil {
		c.decay = time.AfterFunc(d, c.decayed)
		return
	}
	c.decay.Reset(d)
}

func (c *Client) decayed() {
	c.notify()
	// Still behind when later messages extended the window.
	c.armDecay()
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

type contextKey struct{}

// WithContext returns a context carrying c.
func WithContext(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the client carried by ctx, or nil.
func FromContext(ctx context.Context) *Client {
	c, _ := ctx.Value(contextKey{}).(*Client)
	return c
}

// SendFromContext sends ev through the client carried by ctx. With no client
// it fails with transport.ErrNotConnected.
func SendFromContext(ctx context.Context, ev event.Event) error {
	return FromContext(ctx).Send(ev)
}
