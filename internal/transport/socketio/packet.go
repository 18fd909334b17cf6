package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EngineType is an Engine.IO v4 packet type.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// PacketType is a Socket.IO v5 packet type.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
)

// DefaultNamespace is the root namespace; it is never written on the wire.
const DefaultNamespace = "/"

var errEmptyPacket = errors.New("empty packet")

// OpenPayload is the body of the Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// EnginePacket is a decoded Engine.IO frame.
type EnginePacket struct {
	Type EngineType
	Data string
}

// Encode returns the text frame for the packet.
func (p EnginePacket) Encode() []byte {
	return append([]byte{byte(p.Type)}, p.Data...)
}

// DecodeEngine parses a text frame.
func DecodeEngine(frame []byte) (EnginePacket, error) {
	if len(frame) == 0 {
		return EnginePacket{}, errEmptyPacket
	}
	t := EngineType(frame[0])
	if t < EngineOpen || t > EngineNoop {
		return EnginePacket{}, fmt.Errorf("unknown engine packet type %q", frame[0])
	}
	return EnginePacket{Type: t, Data: string(frame[1:])}, nil
}

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	AckID     int64
	HasAck    bool
	Data      json.RawMessage
}

// Encode returns the Socket.IO string form, without the engine prefix.
func (p Packet) Encode() string {
	var b strings.Builder
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.HasAck {
		b.WriteString(strconv.FormatInt(p.AckID, 10))
	}
	b.Write(p.Data)
	return b.String()
}

// DecodePacket parses the Socket.IO string form.
func DecodePacket(s string) (Packet, error) {
	if s == "" {
		return Packet{}, errEmptyPacket
	}

	p := Packet{Type: PacketType(s[0]), Namespace: DefaultNamespace}
	if p.Type < PacketConnect || p.Type > '6' {
		return Packet{}, fmt.Errorf("unknown socket packet type %q", s[0])
	}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			// namespace with no payload, e.g. "1/chat"
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:end]
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(rest[:digits], 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("parse ack id: %w", err)
		}
		p.AckID, p.HasAck = id, true
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("invalid packet payload")
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EventPacket builds an EVENT packet carrying [name, payload].
func EventPacket(namespace, name string, payload any) (Packet, error) {
	data, err := json.Marshal([]any{name, payload})
	if err != nil {
		return Packet{}, fmt.Errorf("marshal event %s: %w", name, err)
	}
	return Packet{Type: PacketEvent, Namespace: namespace, Data: data}, nil
}

// Event splits an EVENT packet into its name and first argument.
func (p Packet) Event() (string, json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, fmt.Errorf("not an event packet")
	}
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return "", nil, fmt.Errorf("decode event args: %w", err)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("event packet without name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("decode event name: %w", err)
	}
	if len(args) == 1 {
		return name, nil, nil
	}
	return name, args[1], nil
}

// ErrorMessage extracts the message from a CONNECT_ERROR payload.
func (p Packet) ErrorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	var s string
	if err := json.Unmarshal(p.Data, &s); err == nil && s != "" {
		return s
	}
	return "connection refused"
}

// message wraps a Socket.IO packet in an engine message frame.
func message(p Packet) []byte {
	return EnginePacket{Type: EngineMessage, Data: p.Encode()}.Encode()
}
