// Package ingest appends inbound events to the session's event log, keeps
// the resume cursor, feeds the rate monitor, and fans events out to sinks.
package ingest

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/rate"
)

// Dispatcher receives assistant-facing events, i.e. those without a
// transport-internal token marker.
type Dispatcher interface {
	HandleAssistantMessage(ev event.Event)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ev event.Event)

// HandleAssistantMessage calls f(ev).
func (f DispatcherFunc) HandleAssistantMessage(ev event.Event) { f(ev) }

// Archiver receives every appended event.
type Archiver interface {
	Archive(ev event.Event, receivedAt time.Time)
}

// Pipeline owns the event log.
type Pipeline struct {
	log        *Log
	monitor    *rate.Monitor
	dispatcher Dispatcher
	archivers  []Archiver
	now        func() time.Time
	logger     *slog.Logger

	mu            sync.RWMutex
	lastSequenced event.Event
	onChange      func()
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDispatcher sets the assistant-message dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(p *Pipeline) {
		p.dispatcher = d
	}
}

// WithArchiver adds an archive sink.
func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) {
		p.archivers = append(p.archivers, a)
	}
}

// WithClock overrides the time source used for rate recording.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates a pipeline feeding the given rate monitor.
func NewPipeline(monitor *rate.Monitor, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:     NewLog(),
		monitor: monitor,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.monitor == nil {
		p.monitor = rate.NewMonitor(rate.DefaultWindow, rate.DefaultThreshold)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Ingest records one inbound event. It never fails.
func (p *Pipeline) Ingest(ev event.Event) {
	receivedAt := p.now()

	if ev.Action() == event.ActionMessage {
		p.monitor.Record(receivedAt)
	}

	idx := p.log.Append(ev)

	if _, ok := ev.ID(); ok {
		p.mu.Lock()
		p.lastSequenced = ev
		p.mu.Unlock()
	}

	p.logger.Debug("event ingested",
		"index", idx,
		"action", ev.Action(),
		"observation", ev.Observation(),
	)

	for _, a := range p.archivers {
		a.Archive(ev, receivedAt)
	}

	if !ev.HasToken() && p.dispatcher != nil {
		p.dispatcher.HandleAssistantMessage(ev)
	}

	p.mu.RLock()
	notify := p.onChange
	p.mu.RUnlock()
	if notify != nil {
		notify()
	}
}

// Log returns the event log. Callers must only read from it.
func (p *Pipeline) Log() *Log {
	return p.log
}

// Monitor returns the rate monitor fed by this pipeline.
func (p *Pipeline) Monitor() *rate.Monitor {
	return p.monitor
}

// LastSequenced returns the most recently appended event with an integer id.
func (p *Pipeline) LastSequenced() (event.Event, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSequenced, p.lastSequenced != nil
}

// OnChange registers a function called after every ingest.
func (p *Pipeline) OnChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}
