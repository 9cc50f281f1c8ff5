// Package socketiotest provides an in-process Socket.IO v4 server for tests,
// in the spirit of net/http/httptest.
package socketiotest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AndyTargino/vex-client-sdk/internal/socketio"
)

type Server struct {
	*httptest.Server

	// OnConnect may reject a namespace connect by returning an error.
	OnConnect func(c *Conn, auth json.RawMessage) error
	// OnEvent handles client events; its result is sent as the ack when the
	// client asked for one.
	OnEvent func(c *Conn, event string, args []json.RawMessage) []any

	PingInterval time.Duration
	PingTimeout  time.Duration

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*Conn
	dials int
}

type Conn struct {
	SID string
	ws  *websocket.Conn

	sendMu sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// NewServer starts a server; configure the hooks before the client dials.
func NewServer() *Server {
	s := &Server{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{SID: uuid.NewString(), ws: ws, closed: make(chan struct{})}
	defer c.Drop()

	open, _ := json.Marshal(map[string]any{
		"sid":          c.SID,
		"upgrades":     []string{},
		"pingInterval": s.PingInterval.Milliseconds(),
		"pingTimeout":  s.PingTimeout.Milliseconds(),
		"maxPayload":   1000000,
	})
	if err := c.write(string(socketio.EngineOpen) + string(open)); err != nil {
		return
	}

	go c.pingLoop(s.PingInterval)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg := string(data)
		if msg == "" || msg[0] != socketio.EngineMessage {
			continue
		}
		pkt, err := socketio.DecodePacket(msg[1:])
		if err != nil {
			continue
		}
		switch pkt.Type {
		case socketio.PacketConnect:
			if s.OnConnect != nil {
				if err := s.OnConnect(c, pkt.Data); err != nil {
					data, _ := json.Marshal(map[string]string{"message": err.Error()})
					reject := socketio.Packet{Type: socketio.PacketConnectError, Namespace: pkt.Namespace, Data: data}
					_ = c.write(string(socketio.EngineMessage) + reject.Encode())
					continue
				}
			}
			ok, _ := socketio.ConnectPacket(pkt.Namespace, map[string]string{"sid": c.SID})
			_ = c.write(string(socketio.EngineMessage) + ok.Encode())
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
		case socketio.PacketEvent:
			name, args, err := pkt.Event()
			if err != nil {
				continue
			}
			var ack []any
			if s.OnEvent != nil {
				ack = s.OnEvent(c, name, args)
			}
			if pkt.ID != nil {
				reply, _ := socketio.AckPacket(pkt.Namespace, *pkt.ID, ack...)
				_ = c.write(string(socketio.EngineMessage) + reply.Encode())
			}
		case socketio.PacketDisconnect:
			return
		}
	}
}

// Conns returns the connections that completed a namespace connect.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Dials counts websocket connection attempts, successful or not.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// WaitForConns blocks until at least n connections exist or timeout passes.
func (s *Server) WaitForConns(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.Conns()) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Latest returns the most recent connection, or nil.
func (s *Server) Latest() *Conn {
	conns := s.Conns()
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func (c *Conn) write(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.write(string(socketio.EnginePing)); err != nil {
				return
			}
		}
	}
}

// Emit sends an event to the client.
func (c *Conn) Emit(event string, args ...any) error {
	pkt, err := socketio.EventPacket("/", nil, event, args...)
	if err != nil {
		return err
	}
	return c.write(string(socketio.EngineMessage) + pkt.Encode())
}

// Disconnect sends a namespace DISCONNECT, as a server-side socket.disconnect().
func (c *Conn) Disconnect() {
	pkt := socketio.Packet{Type: socketio.PacketDisconnect}
	_ = c.write(string(socketio.EngineMessage) + pkt.Encode())
	c.Drop()
}

// Drop closes the socket without any goodbye.
func (c *Conn) Drop() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
