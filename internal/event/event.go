// Package event defines the structured records exchanged with the agent
// server. Events are opaque maps; only a handful of fields are interpreted.
package event

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Recognized field values.
const (
	AgentStateInit   = "init"
	ObservationError = "error"
	ActionMessage    = "message"
)

// Field names.
const (
	FieldID          = "id"
	FieldAction      = "action"
	FieldObservation = "observation"
	FieldExtras      = "extras"
	FieldAgentState  = "agent_state"
	FieldToken       = "token"
)

// Event is a structured record. Treat it as immutable once created.
type Event map[string]any

// Decode parses a JSON object into an Event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev == nil {
		return nil, fmt.Errorf("decode event: not an object")
	}
	return ev, nil
}

// ID returns the sequence number if the id field parses as an integer.
// Numeric strings are accepted by their leading integer digits.
func (e Event) ID() (int64, bool) {
	switch v := e[FieldID].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		return parseLeadingInt(v.String())
	case string:
		return parseLeadingInt(v)
	}
	return 0, false
}

// Action returns the action kind, or "".
func (e Event) Action() string {
	return e.str(FieldAction)
}

// Observation returns the observation kind, or "".
func (e Event) Observation() string {
	return e.str(FieldObservation)
}

// Extras returns the extras sub-record, or nil.
func (e Event) Extras() map[string]any {
	extras, _ := e[FieldExtras].(map[string]any)
	return extras
}

// AgentState returns extras.agent_state, or "".
func (e Event) AgentState() string {
	s, _ := e.Extras()[FieldAgentState].(string)
	return s
}

// HasToken reports whether the event carries a truthy transport-internal
// token marker. Such events are streaming fragments, not assistant messages.
func (e Event) HasToken() bool {
	switch v := e[FieldToken].(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	}
	return true
}

// IsError reports whether the event is an error observation.
func (e Event) IsError() bool {
	return e.Observation() == ObservationError
}

// Clone returns a shallow copy.
func (e Event) Clone() Event {
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

func (e Event) str(key string) string {
	s, _ := e[key].(string)
	return s
}

// parseLeadingInt mimics lenient integer parsing: optional whitespace and
// sign, then at least one digit; trailing characters are ignored.
func parseLeadingInt(s string) (int64, bool) {
	s = strings.TrimLeft(s, " \t\n\r")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
