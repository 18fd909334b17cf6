package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/rickgao/convstream/internal/archive"
	"github.com/rickgao/convstream/internal/client"
	"github.com/rickgao/convstream/internal/config"
	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/identity"
	"github.com/rickgao/convstream/internal/session"
	"github.com/rickgao/convstream/internal/transport"
)

type fakeConn struct {
	mu        sync.Mutex
	listeners map[string]map[transport.ListenerID]transport.Listener
	nextID    int
	connected    bool
	disconnected bool
	emitted      []any
}

func (f *fakeConn) On(name string, fn transport.Listener) transport.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := transport.ListenerID(fmt.Sprintf("l%d", f.nextID))
	if f.listeners[name] == nil {
		f.listeners[name] = make(map[transport.ListenerID]transport.Listener)
	}
	f.listeners[name][id] = fn
	return id
}

func (f *fakeConn) Off(name string, id transport.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners[name], id)
}

func (f *fakeConn) Connect() {}

func (f *fakeConn) Emit(_ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.emitted = append(f.emitted, payload)
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Path() string { return "" }

func (f *fakeConn) fire(name string, payload any) {
	f.mu.Lock()
	if name == transport.EventConnect {
		f.connected = true
	}
	var fns []transport.Listener
	for _, fn := range f.listeners[name] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

type fakeTransport struct {
	conn *fakeConn
}

func (t *fakeTransport) Open(transport.OpenOptions) (transport.Conn, error) {
	t.conn = &fakeConn{listeners: make(map[string]map[transport.ListenerID]transport.Listener)}
	return t.conn, nil
}

func connectedClient(t *testing.T) (*client.Client, *fakeConn) {
	t.Helper()
	tr := &fakeTransport{}
	c := client.New(client.DefaultConfig(), tr)
	t.Cleanup(func() { c.Close() })

	if err := c.Reconcile(session.Inputs{
		Enabled:  true,
		Identity: identity.Identity{SessionID: "abc123"},
	}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	tr.conn.fire(transport.EventConnect, nil)
	return c, tr.conn
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeArchive struct{ m archive.Metrics }

func (a fakeArchive) Stats() archive.Metrics { return a.m }

func getHealth(t *testing.T, deps healthDeps) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	createHealthHandler(deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid health JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler(t *testing.T) {
	t.Run("stopped client is degraded", func(t *testing.T) {
		code, body := getHealth(t, healthDeps{})
		if code != http.StatusOK {
			t.Errorf("code = %d, want 200", code)
		}
		if body["status"] != "degraded" {
			t.Errorf("status = %v, want degraded", body["status"])
		}
		sess := body["components"].(map[string]any)["session"].(map[string]any)
		if sess["state"] != "stopped" {
			t.Errorf("state = %v, want stopped", sess["state"])
		}
	})

	t.Run("active client with archive", func(t *testing.T) {
		c, conn := connectedClient(t)
		conn.fire(transport.EventMessage, event.Event{
			"id":     1,
			"extras": map[string]any{"agent_state": "init"},
		})

		code, body := getHealth(t, healthDeps{
			client:  c,
			db:      fakePinger{},
			archive: fakeArchive{m: archive.Metrics{Received: 1, Inserts: 1}},
		})
		if code != http.StatusOK {
			t.Errorf("code = %d, want 200", code)
		}
		if body["status"] != "healthy" {
			t.Errorf("status = %v, want healthy", body["status"])
		}
		components := body["components"].(map[string]any)
		if components["archive_db"] != "connected" {
			t.Errorf("archive_db = %v, want connected", components["archive_db"])
		}
		if arch := components["archive"].(map[string]any); arch["inserts"] != float64(1) {
			t.Errorf("archive inserts = %v, want 1", arch["inserts"])
		}
	})

	t.Run("database down is unhealthy", func(t *testing.T) {
		c, _ := connectedClient(t)
		code, body := getHealth(t, healthDeps{client: c, db: fakePinger{err: errors.New("connection refused")}})
		if code != http.StatusServiceUnavailable {
			t.Errorf("code = %d, want 503", code)
		}
		if body["status"] != "unhealthy" {
			t.Errorf("status = %v, want unhealthy", body["status"])
		}
	})
}

func TestDebugEvents(t *testing.T) {
	c, conn := connectedClient(t)
	for i := 1; i <= 5; i++ {
		conn.fire(transport.EventMessage, event.Event{"id": i})
	}

	rec := httptest.NewRecorder()
	createHealthHandler(healthDeps{client: c}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/events?limit=2", nil))

	var body struct {
		Count   int           `json:"count"`
		Showing int           `json:"showing"`
		Events  []event.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Count != 5 || body.Showing != 2 {
		t.Errorf("count = %d showing = %d, want 5 and 2", body.Count, body.Showing)
	}
	if id, _ := body.Events[1].ID(); id != 5 {
		t.Errorf("last event id = %d, want 5", id)
	}
}

func TestSendLines(t *testing.T) {
	c, conn := connectedClient(t)

	sendLines(context.Background(), c, strings.NewReader("hello\n\n  \nworld\n"), slog.Default())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.emitted) != 2 {
		t.Fatalf("emitted = %d, want 2", len(conn.emitted))
	}
	ev := conn.emitted[1].(event.Event)
	if ev.Action() != "message" {
		t.Errorf("action = %q, want message", ev.Action())
	}
	if args := ev["args"].(map[string]any); args["content"] != "world" {
		t.Errorf("content = %v, want world", args["content"])
	}
}

func TestEventPrinter(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		ev      event.Event
		want    string
	}{
		{
			name: "action",
			ev:   event.Event{"id": 3, "action": "message", "message": "hi"},
			want: "[3] message hi\n",
		},
		{
			name: "observation without id",
			ev:   event.Event{"observation": "error", "message": "boom"},
			want: "[-] error boom\n",
		},
		{
			name:    "verbose",
			verbose: true,
			ev:      event.Event{"id": 1},
			want:    `{"id":1}` + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := &eventPrinter{w: &buf, verbose: tt.verbose}
			p.print(tt.ev)
			if buf.String() != tt.want {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON record, got %q", out)
	}
}

func TestCloseClient(t *testing.T) {
	c, conn := connectedClient(t)

	closeClient(c, slog.Default())

	conn.mu.Lock()
	disconnected := conn.disconnected
	conn.mu.Unlock()
	if !disconnected {
		t.Error("expected the connection to close immediately")
	}
	if c.State() != session.Stopped {
		t.Errorf("State = %v, want stopped", c.State())
	}
	if got := c.Stats().Session.TeardownsFired; got != 0 {
		t.Errorf("TeardownsFired = %d, want 0", got)
	}

	// A second close is quiet.
	closeClient(c, slog.Default())
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"ascii cut", "hello world", 8, "hello..."},
		{"multibyte kept whole", "héllo wörld", 8, "héllo..."},
		{"cjk", "日本語のテキスト", 5, "日本..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
			}
		})
	}
}
