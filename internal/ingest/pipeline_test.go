package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/rate"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []event.Event
}

func (d *recordingDispatcher) HandleAssistantMessage(ev event.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

type recordingArchiver struct {
	count int
	last  time.Time
}

func (a *recordingArchiver) Archive(ev event.Event, receivedAt time.Time) {
	a.count++
	a.last = receivedAt
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestPipeline_OutOfOrderIDs(t *testing.T) {
	p := NewPipeline(nil)

	for _, id := range []int{3, 1, 5} {
		p.Ingest(event.Event{"id": float64(id)})
	}

	last, ok := p.LastSequenced()
	if !ok {
		t.Fatal("LastSequenced() returned false")
	}
	if id, _ := last.ID(); id != 5 {
		t.Errorf("LastSequenced id = %d, want 5", id)
	}

	events := p.Log().Snapshot()
	want := []int64{3, 1, 5}
	if len(events) != len(want) {
		t.Fatalf("log length = %d, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if id, _ := ev.ID(); id != want[i] {
			t.Errorf("events[%d] id = %d, want %d", i, id, want[i])
		}
	}
}

func TestPipeline_LastWriteWinsByArrival(t *testing.T) {
	p := NewPipeline(nil)
	p.Ingest(event.Event{"id": float64(10)})
	p.Ingest(event.Event{"id": float64(2)})

	last, _ := p.LastSequenced()
	if id, _ := last.ID(); id != 2 {
		t.Errorf("LastSequenced id = %d, want 2", id)
	}
}

func TestPipeline_MalformedIDStillAppended(t *testing.T) {
	p := NewPipeline(nil)
	p.Ingest(event.Event{"id": float64(4)})
	p.Ingest(event.Event{"id": "not-a-number"})
	p.Ingest(event.Event{"observation": "run"})

	if p.Log().Len() != 3 {
		t.Errorf("log length = %d, want 3", p.Log().Len())
	}
	last, _ := p.LastSequenced()
	if id, _ := last.ID(); id != 4 {
		t.Errorf("LastSequenced id = %d, want 4", id)
	}
}

func TestPipeline_NoSequencedEvent(t *testing.T) {
	p := NewPipeline(nil)
	p.Ingest(event.Event{"action": "run"})

	if _, ok := p.LastSequenced(); ok {
		t.Error("LastSequenced() = true, want false without integer ids")
	}
}

func TestPipeline_DispatchSkipsTokenEvents(t *testing.T) {
	d := &recordingDispatcher{}
	p := NewPipeline(nil, WithDispatcher(d))

	p.Ingest(event.Event{"action": "message"})
	p.Ingest(event.Event{"action": "message", "token": "abc"})
	p.Ingest(event.Event{"observation": "error"})

	if len(d.events) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(d.events))
	}
	if d.events[1].Observation() != "error" {
		t.Errorf("second dispatched event = %v, want the error observation", d.events[1])
	}
	if p.Log().Len() != 3 {
		t.Errorf("log length = %d, want 3", p.Log().Len())
	}
}

func TestPipeline_MessagesFeedMonitor(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	monitor := rate.NewMonitor(250*time.Millisecond, 0)
	p := NewPipeline(monitor, WithClock(fixedClock(now)))

	p.Ingest(event.Event{"observation": "run"})
	if monitor.Len() != 0 {
		t.Errorf("monitor Len() = %d, want 0 for non-message event", monitor.Len())
	}

	p.Ingest(event.Event{"action": "message"})
	if monitor.Len() != 1 {
		t.Errorf("monitor Len() = %d, want 1", monitor.Len())
	}
	if !monitor.Behind(now.Add(10 * time.Millisecond)) {
		t.Error("monitor Behind() = false right after a message")
	}
}

func TestPipeline_ArchiverAndOnChange(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	a := &recordingArchiver{}
	p := NewPipeline(nil, WithArchiver(a), WithClock(fixedClock(now)))

	changes := 0
	p.OnChange(func() { changes++ })

	p.Ingest(event.Event{"token": "x"})
	p.Ingest(event.Event{"action": "message"})

	if a.count != 2 {
		t.Errorf("archived %d events, want 2", a.count)
	}
	if !a.last.Equal(now) {
		t.Errorf("archived receivedAt = %v, want %v", a.last, now)
	}
	if changes != 2 {
		t.Errorf("OnChange called %d times, want 2", changes)
	}
}

func TestLog_SnapshotIsStable(t *testing.T) {
	l := NewLog()
	l.Append(event.Event{"id": float64(1)})
	snap := l.Snapshot()
	v := l.Version()

	l.Append(event.Event{"id": float64(2)})

	if len(snap) != 1 {
		t.Errorf("snapshot length = %d, want 1", len(snap))
	}
	if l.Version() == v {
		t.Error("Version() did not change after Append")
	}
	if ev, ok := l.At(1); !ok || ev["id"] != float64(2) {
		t.Errorf("At(1) = %v, %v", ev, ok)
	}
	if _, ok := l.At(5); ok {
		t.Error("At(5) = true, want false")
	}
	if got := l.Since(1); len(got) != 1 {
		t.Errorf("Since(1) length = %d, want 1", len(got))
	}
	if got := l.Since(9); got != nil {
		t.Errorf("Since(9) = %v, want nil", got)
	}
}
