// Package socketio is a minimal Socket.IO v4 client over a single websocket
// (no long-polling upgrade). It covers what the push transport needs:
// namespace connect with auth, server events, client emits with acks, and
// engine-level heartbeats.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout                  = 10 * time.Second
	defaultHandshakeTimeout       = 20 * time.Second
	defaultPingInterval           = 25 * time.Second
	defaultPingTimeout            = 20 * time.Second
	maxPayload              int64 = 100 << 20
)

// Disconnect reasons, named after the ones Socket.IO clients report.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

var ErrClosed = errors.New("socketio: connection closed")

type Options struct {
	// Path defaults to /socket.io/.
	Path      string
	Namespace string
	Header    http.Header
	// Auth is sent with the namespace CONNECT packet.
	Auth             any
	HandshakeTimeout time.Duration
	// OnEvent is invoked sequentially from the read loop.
	OnEvent func(event string, args []json.RawMessage)
}

type Conn struct {
	ws        *websocket.Conn
	namespace string
	onEvent   func(event string, args []json.RawMessage)

	pingInterval time.Duration
	pingTimeout  time.Duration

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	closed   atomic.Bool
	done     chan struct{}
	reasonMu sync.Mutex
	reason   string
}

// Dial opens the websocket, completes the Engine.IO handshake and connects
// to the namespace. The returned connection reads in the background until
// closed.
func Dial(ctx context.Context, rawURL string, opts Options) (*Conn, error) {
	wsURL, err := websocketURL(rawURL, opts.Path)
	if err != nil {
		return nil, err
	}
	if opts.Namespace == "" {
		opts.Namespace = "/"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	ws.SetReadLimit(maxPayload)

	c := &Conn{
		ws:           ws,
		namespace:    opts.Namespace,
		onEvent:      opts.OnEvent,
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
		pendingAck:   make(map[int]chan []json.RawMessage),
		done:         make(chan struct{}),
	}

	deadline := time.Now().Add(opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.handshake(deadline, opts.Auth); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func websocketURL(rawURL, path string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported socket url scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Conn) handshake(deadline time.Time, auth any) error {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return err
	}

	msg, err := c.readText()
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	if msg == "" || msg[0] != EngineOpen {
		return fmt.Errorf("unexpected first packet %q", truncate(msg, 32))
	}
	var open openPacket
	if err := json.Unmarshal([]byte(msg[1:]), &open); err != nil {
		return fmt.Errorf("decode open packet: %w", err)
	}
	if open.PingInterval > 0 {
		c.pingInterval = time.Duration(open.PingInterval) * time.Millisecond
	}
	if open.PingTimeout > 0 {
		c.pingTimeout = time.Duration(open.PingTimeout) * time.Millisecond
	}

	connect, err := ConnectPacket(c.namespace, auth)
	if err != nil {
		return err
	}
	if err := c.writeText(string(EngineMessage) + connect.Encode()); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	for {
		msg, err := c.readText()
		if err != nil {
			return fmt.Errorf("await connect: %w", err)
		}
		if msg == "" {
			continue
		}
		switch msg[0] {
		case EnginePing:
			if err := c.writeText(string(EnginePong)); err != nil {
				return err
			}
			continue
		case EngineMessage:
		default:
			continue
		}

		pkt, err := DecodePacket(msg[1:])
		if err != nil || pkt.Namespace != c.namespace {
			continue
		}
		switch pkt.Type {
		case PacketConnect:
			return c.ws.SetReadDeadline(time.Time{})
		case PacketConnectError:
			var ce connectError
			_ = json.Unmarshal(pkt.Data, &ce)
			if ce.Message == "" {
				ce.Message = string(pkt.Data)
			}
			return fmt.Errorf("connect rejected: %s", ce.Message)
		}
	}
}

func (c *Conn) readText() (string, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if typ == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (c *Conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Conn) readLoop() {
	for {
		// the server pings every pingInterval; silence past pingTimeout is fatal
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
		msg, err := c.readText()
		if err != nil {
			if c.closed.Load() {
				return
			}
			var netErr net.Error
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.shutdown(ReasonPingTimeout)
			case errors.As(err, &closeErr):
				c.shutdown(ReasonTransportClose)
			default:
				c.shutdown(ReasonTransportError)
			}
			return
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle processes one frame and reports whether the loop should continue.
func (c *Conn) handle(msg string) bool {
	if msg == "" {
		return true
	}
	switch msg[0] {
	case EnginePing:
		if err := c.writeText(string(EnginePong)); err != nil {
			c.shutdown(ReasonTransportError)
			return false
		}
	case EngineClose:
		c.shutdown(ReasonTransportClose)
		return false
	case EngineMessage:
		pkt, err := DecodePacket(msg[1:])
		if err != nil || pkt.Namespace != c.namespace {
			return true
		}
		switch pkt.Type {
		case PacketEvent:
			name, args, err := pkt.Event()
			if err != nil {
				return true
			}
			if c.onEvent != nil {
				c.onEvent(name, args)
			}
		case PacketAck:
			if pkt.ID == nil {
				return true
			}
			args, err := pkt.Args()
			if err != nil {
				return true
			}
			c.resolveAck(*pkt.ID, args)
		case PacketDisconnect, PacketConnectError:
			c.shutdown(ReasonServerDisconnect)
			return false
		}
	}
	return true
}

// Emit sends an event without waiting for acknowledgement.
func (c *Conn) Emit(event string, args ...any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	pkt, err := EventPacket(c.namespace, nil, event, args...)
	if err != nil {
		return err
	}
	return c.writeText(string(EngineMessage) + pkt.Encode())
}

// EmitWithAck sends an event and waits for the server's acknowledgement,
// the connection closing, or ctx ending.
func (c *Conn) EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan []json.RawMessage, 1)
	c.pendingAck[id] = ch
	c.ackMu.Unlock()

	pkt, err := EventPacket(c.namespace, &id, event, args...)
	if err != nil {
		c.dropAck(id)
		return nil, err
	}
	if err := c.writeText(string(EngineMessage) + pkt.Encode()); err != nil {
		c.dropAck(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		c.dropAck(id)
		return nil, ErrClosed
	case <-ctx.Done():
		c.dropAck(id)
		return nil, fmt.Errorf("ack %s: %w", event, ctx.Err())
	}
}

func (c *Conn) dropAck(id int) {
	c.ackMu.Lock()
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
}

func (c *Conn) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- args:
	default:
	}
}

// Close disconnects from the namespace and closes the socket.
func (c *Conn) Close() error {
	if c.closed.Load() {
		return nil
	}
	disconnect := Packet{Type: PacketDisconnect, Namespace: c.namespace}
	_ = c.writeText(string(EngineMessage) + disconnect.Encode())
	c.shutdown(ReasonClientDisconnect)
	return nil
}

func (c *Conn) shutdown(reason string) {
	if c.closed.Swap(true) {
		return
	}
	c.reasonMu.Lock()
	c.reason = reason
	c.reasonMu.Unlock()
	_ = c.ws.Close()
	close(c.done)
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Reason reports why the connection closed; empty while open.
func (c *Conn) Reason() string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.reason
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
