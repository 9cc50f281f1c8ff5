package socketio

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Engine.IO v4 packet types (first byte of every websocket frame).
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
)

// PacketType is the Socket.IO v5 packet type carried inside an engine message.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
)

// Packet is one decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	ID        *int
	Data      json.RawMessage
}

func parseOptionalNamespace(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return s, ""
	}
	return s[:comma], s[comma+1:]
}

func parseOptionalIDPrefix(s string) (id *int, rest string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

// DecodePacket parses the payload of an engine message frame (without the
// leading engine type byte).
func DecodePacket(payload string) (Packet, error) {
	if payload == "" {
		return Packet{}, errors.New("empty payload")
	}
	typ := PacketType(payload[0])
	switch typ {
	case PacketConnect, PacketDisconnect, PacketEvent, PacketAck, PacketConnectError:
	default:
		return Packet{}, errors.New("unknown packet type")
	}

	ns, rest := parseOptionalNamespace(payload[1:])
	pkt := Packet{Type: typ, Namespace: ns}
	if typ == PacketEvent || typ == PacketAck {
		pkt.ID, rest = parseOptionalIDPrefix(rest)
	}
	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, errors.New("invalid packet data")
		}
		pkt.Data = json.RawMessage(rest)
	}
	return pkt, nil
}

// Encode renders the packet as an engine message payload (without the
// leading engine type byte).
func (p Packet) Encode() string {
	var b strings.Builder
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.Itoa(*p.ID))
	}
	b.Write(p.Data)
	return b.String()
}

// Args decodes the JSON array carried by event and ack packets.
func (p Packet) Args() ([]json.RawMessage, error) {
	if len(p.Data) == 0 {
		return nil, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(p.Data, &arr); err != nil {
		return nil, err
	}
	return arr, nil
}

// Event splits an event packet into its name and arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, errors.New("not an event packet")
	}
	arr, err := p.Args()
	if err != nil {
		return "", nil, err
	}
	if len(arr) == 0 {
		return "", nil, errors.New("missing event name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, errors.New("invalid event name")
	}
	return name, arr[1:], nil
}

func EventPacket(namespace string, id *int, event string, args ...any) (Packet, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketEvent, Namespace: namespace, ID: id, Data: data}, nil
}

func AckPacket(namespace string, id int, args ...any) (Packet, error) {
	if args == nil {
		args = make([]any, 0)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketAck, Namespace: namespace, ID: &id, Data: data}, nil
}

func ConnectPacket(namespace string, payload any) (Packet, error) {
	pkt := Packet{Type: PacketConnect, Namespace: namespace}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Packet{}, err
		}
		pkt.Data = data
	}
	return pkt, nil
}

// connectError is the body of a CONNECT_ERROR packet.
type connectError struct {
	Message string `json:"message"`
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int64  `json:"maxPayload"`
}
