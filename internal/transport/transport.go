// Package transport holds the persistent push connection for one session:
// connect, subscribe, reconnect with resubscribe, and the fast-path send.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
	"github.com/AndyTargino/vex-client-sdk/internal/socketio"
)

const (
	DefaultConnectTimeout    = 60 * time.Second
	DefaultSubscribeTimeout  = 10 * time.Second
	DefaultSendTimeout       = 300 * time.Second
	DefaultReconnectDelay    = time.Second
	DefaultReconnectMaxDelay = 5 * time.Second
	DefaultReconnectAttempts = 5

	eventSubscribe   = "subscribe"
	eventUnsubscribe = "unsubscribe"
	eventSend        = "message:send"
)

var ErrNotConnected = errors.New("transport: not connected")

type Options struct {
	URL       string
	Token     string
	SessionID string

	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration
	SendTimeout      time.Duration

	// Reconnection of the socket itself. The orchestrator's reconnection
	// policy takes over once these attempts are exhausted.
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

type Callbacks struct {
	// OnEvent receives forwarded events in arrival order.
	OnEvent func(name string, data json.RawMessage)
	// OnConnect fires after every successful connect and subscribe.
	OnConnect    func()
	OnDisconnect func(reason string)
	// OnFailed fires once the connection is gone for good.
	OnFailed func(err error)
}

// State is a snapshot of the connection. Subscribed implies Connected.
type State struct {
	Connected         bool `json:"connected"`
	Subscribed        bool `json:"subscribed"`
	ReconnectAttempts int  `json:"reconnectAttempts"`
}

type Transport struct {
	opts Options
	cb   Callbacks

	mu     sync.Mutex
	conn   *socketio.Conn
	state  State
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options, cb Callbacks) *Transport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultReconnectAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:   opts,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the backend and subscribes to the session's event stream.
// Once it returns nil the transport reconnects on its own until it either
// succeeds or reports OnFailed.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return apperrors.Destroyed()
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, err := t.establish(ctx)
	if err != nil {
		return apperrors.Transport(err)
	}
	if !t.adopt(conn) {
		_ = conn.Close()
		return apperrors.Destroyed()
	}

	log.Info().
		Str("sessionId", t.opts.SessionID).
		Msg("push transport connected")

	if t.cb.OnConnect != nil {
		t.cb.OnConnect()
	}
	go t.supervise(conn)
	return nil
}

func (t *Transport) establish(ctx context.Context) (*socketio.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	conn, err := socketio.Dial(dialCtx, t.opts.URL, socketio.Options{
		Auth:             map[string]string{"token": t.opts.Token},
		HandshakeTimeout: t.opts.ConnectTimeout,
		OnEvent:          t.handleEvent,
	})
	if err != nil {
		return nil, err
	}

	if err := t.subscribe(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (t *Transport) subscribe(ctx context.Context, conn *socketio.Conn) error {
	subCtx, cancel := context.WithTimeout(ctx, t.opts.SubscribeTimeout)
	defer cancel()

	resp, err := conn.EmitWithAck(subCtx, eventSubscribe, map[string]string{"sessionId": t.opts.SessionID})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.opts.SessionID, err)
	}
	if _, err := parseAck(resp); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.opts.SessionID, err)
	}
	return nil
}

// adopt installs conn as the live connection unless the transport was closed
// in the meantime.
func (t *Transport) adopt(conn *socketio.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conn = conn
	t.state = State{Connected: true, Subscribed: true}
	return true
}

// supervise waits for conn to drop and drives socket-level reconnection.
func (t *Transport) supervise(conn *socketio.Conn) {
	for {
		select {
		case <-conn.Done():
		case <-t.ctx.Done():
			return
		}

		reason := conn.Reason()
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.conn = nil
		t.state.Connected = false
		t.state.Subscribed = false
		t.mu.Unlock()

		log.Warn().
			Str("sessionId", t.opts.SessionID).
			Str("reason", reason).
			Msg("push transport disconnected")

		if t.cb.OnDisconnect != nil {
			t.cb.OnDisconnect(reason)
		}

		// the server hung up on purpose; retrying would only be refused again
		if reason == socketio.ReasonServerDisconnect {
			t.fail(fmt.Errorf("push transport: %s", reason))
			return
		}

		next, ok := t.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

func (t *Transport) reconnect() (*socketio.Conn, bool) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, false
		}
		if t.state.ReconnectAttempts >= t.opts.MaxReconnectAttempts {
			attempts := t.state.ReconnectAttempts
			t.mu.Unlock()
			t.fail(fmt.Errorf("push transport: gave up after %d reconnect attempts", attempts))
			return nil, false
		}
		t.state.ReconnectAttempts++
		attempt := t.state.ReconnectAttempts
		t.mu.Unlock()

		delay := reconnectDelay(t.opts.ReconnectDelay, t.opts.ReconnectMaxDelay, attempt)
		select {
		case <-time.After(delay):
		case <-t.ctx.Done():
			return nil, false
		}

		conn, err := t.establish(t.ctx)
		if err != nil {
			log.Warn().Err(err).
				Str("sessionId", t.opts.SessionID).
				Int("attempt", attempt).
				Msg("push transport reconnect failed")
			continue
		}
		if !t.adopt(conn) {
			_ = conn.Close()
			return nil, false
		}

		log.Info().
			Str("sessionId", t.opts.SessionID).
			Int("attempt", attempt).
			Msg("push transport reconnected")

		if t.cb.OnConnect != nil {
			t.cb.OnConnect()
		}
		return conn, true
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	log.Error().Err(err).
		Str("sessionId", t.opts.SessionID).
		Msg("push transport failed")

	if t.cb.OnFailed != nil {
		t.cb.OnFailed(err)
	}
}

func reconnectDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	return min(delay, maxDelay)
}

func (t *Transport) handleEvent(name string, args []json.RawMessage) {
	var data json.RawMessage
	if len(args) > 0 {
		data = args[0]
	}
	if !ShouldForward(name, data) {
		log.Debug().
			Str("sessionId", t.opts.SessionID).
			Str("event", name).
			Msg("suppressed transient connection event")
		return
	}
	if t.cb.OnEvent != nil {
		t.cb.OnEvent(name, data)
	}
}

// Send delivers a message over the live connection and returns the backend's
// acknowledgement payload.
func (t *Transport) Send(ctx context.Context, to string, content, options json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, apperrors.Destroyed()
	}
	if conn == nil {
		return nil, ErrNotConnected
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.opts.SendTimeout)
	defer cancel()

	msg := sendRequest{SessionID: t.opts.SessionID, To: to, Content: content, Options: options}
	resp, err := conn.EmitWithAck(sendCtx, eventSend, msg)
	if err != nil {
		return nil, apperrors.Transport(err)
	}
	return parseAck(resp)
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Connected
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close unsubscribes and tears the connection down. No callbacks fire
// afterwards.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.state = State{}
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		_ = conn.Emit(eventUnsubscribe, map[string]string{"sessionId": t.opts.SessionID})
		_ = conn.Close()
	}
}
