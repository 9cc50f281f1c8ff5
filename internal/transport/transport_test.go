package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndyTargino/vex-client-sdk/internal/socketio/socketiotest"
)

type recorder struct {
	mu          sync.Mutex
	events      []string
	connects    int
	disconnects []string
	failed      chan error
	eventCh     chan string
	connectCh   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		failed:    make(chan error, 1),
		eventCh:   make(chan string, 16),
		connectCh: make(chan struct{}, 16),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnEvent: func(name string, data json.RawMessage) {
			r.mu.Lock()
			r.events = append(r.events, name)
			r.mu.Unlock()
			r.eventCh <- name
		},
		OnConnect: func() {
			r.mu.Lock()
			r.connects++
			r.mu.Unlock()
			r.connectCh <- struct{}{}
		},
		OnDisconnect: func(reason string) {
			r.mu.Lock()
			r.disconnects = append(r.disconnects, reason)
			r.mu.Unlock()
		},
		OnFailed: func(err error) {
			r.failed <- err
		},
	}
}

// newBackend returns a fake push backend acknowledging subscribe and
// message:send, and recording the session ids it was asked to subscribe.
func newBackend(t *testing.T) (*socketiotest.Server, *backendState) {
	t.Helper()
	srv := socketiotest.NewServer()
	t.Cleanup(srv.Close)

	b := &backendState{}
	srv.OnConnect = func(c *socketiotest.Conn, auth json.RawMessage) error {
		if b.refuse.Load() {
			return assert.AnError
		}
		return nil
	}
	srv.OnEvent = func(c *socketiotest.Conn, event string, args []json.RawMessage) []any {
		switch event {
		case "subscribe":
			var req struct {
				SessionID string `json:"sessionId"`
			}
			_ = json.Unmarshal(args[0], &req)
			b.mu.Lock()
			b.subscribed = append(b.subscribed, req.SessionID)
			b.mu.Unlock()
			return []any{map[string]any{"success": true}}
		case "message:send":
			var req sendRequest
			_ = json.Unmarshal(args[0], &req)
			if req.To == "bad" {
				return []any{map[string]any{"success": false, "error": "invalid recipient"}}
			}
			return []any{map[string]any{"success": true, "data": map[string]string{"id": "msg-1", "to": req.To}}}
		}
		return nil
	}
	return srv, b
}

type backendState struct {
	refuse     atomic.Bool
	mu         sync.Mutex
	subscribed []string
}

func (b *backendState) Subscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestTransport_ConnectAndSend(t *testing.T) {
	srv, backend := newBackend(t)
	rec := newRecorder()

	tr := New(Options{URL: srv.URL, Token: "tok", SessionID: "s-1"}, rec.callbacks())
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	waitFor(t, rec.connectCh)

	assert.Equal(t, State{Connected: true, Subscribed: true}, tr.State())
	assert.Equal(t, []string{"s-1"}, backend.Subscribed())

	t.Run("send returns ack data", func(t *testing.T) {
		resp, err := tr.Send(context.Background(), "5511999", json.RawMessage(`{"text":"hi"}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"msg-1","to":"5511999"}`, string(resp))
	})

	t.Run("send surfaces rejection", func(t *testing.T) {
		_, err := tr.Send(context.Background(), "bad", json.RawMessage(`{}`), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid recipient")
	})

	t.Run("events forwarded", func(t *testing.T) {
		require.NoError(t, srv.Latest().Emit("messages.upsert", map[string]any{"messages": []any{}}))
		select {
		case name := <-rec.eventCh:
			assert.Equal(t, "messages.upsert", name)
		case <-time.After(2 * time.Second):
			t.Fatal("event not forwarded")
		}
	})
}

func TestTransport_ConnectFailure(t *testing.T) {
	srv := socketiotest.NewServer()
	defer srv.Close()
	srv.OnEvent = func(c *socketiotest.Conn, event string, args []json.RawMessage) []any {
		return []any{map[string]any{"success": false, "error": "unknown session"}}
	}

	tr := New(Options{URL: srv.URL, SessionID: "missing"}, Callbacks{})
	defer tr.Close()

	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session")
	assert.False(t, tr.Connected())
}

func TestTransport_SubscribeTimeout(t *testing.T) {
	srv := socketiotest.NewServer()
	defer srv.Close()
	block := make(chan struct{})
	defer close(block)
	srv.OnEvent = func(c *socketiotest.Conn, event string, args []json.RawMessage) []any {
		<-block
		return nil
	}

	tr := New(Options{URL: srv.URL, SessionID: "s-1", SubscribeTimeout: 50 * time.Millisecond}, Callbacks{})
	defer tr.Close()

	start := time.Now()
	require.Error(t, tr.Connect(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestTransport_ReconnectResubscribes(t *testing.T) {
	srv, backend := newBackend(t)
	rec := newRecorder()

	tr := New(Options{
		URL:            srv.URL,
		SessionID:      "s-1",
		ReconnectDelay: 10 * time.Millisecond,
	}, rec.callbacks())
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	waitFor(t, rec.connectCh)

	srv.Latest().Drop()
	waitFor(t, rec.connectCh)

	assert.True(t, tr.Connected())
	assert.Equal(t, 0, tr.State().ReconnectAttempts)
	assert.Equal(t, []string{"s-1", "s-1"}, backend.Subscribed())
	assert.Equal(t, 2, srv.Dials())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.disconnects, 1)
}

func TestTransport_ServerDisconnectFails(t *testing.T) {
	srv, _ := newBackend(t)
	rec := newRecorder()

	tr := New(Options{URL: srv.URL, SessionID: "s-1", ReconnectDelay: 10 * time.Millisecond}, rec.callbacks())
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	waitFor(t, rec.connectCh)

	srv.Latest().Disconnect()

	select {
	case err := <-rec.failed:
		assert.Contains(t, err.Error(), "io server disconnect")
	case <-time.After(2 * time.Second):
		t.Fatal("expected failure")
	}
	assert.False(t, tr.Connected())
	assert.Equal(t, 1, srv.Dials())
}

func TestTransport_ReconnectExhausted(t *testing.T) {
	srv, backend := newBackend(t)
	rec := newRecorder()

	tr := New(Options{
		URL:                  srv.URL,
		SessionID:            "s-1",
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, rec.callbacks())
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	waitFor(t, rec.connectCh)

	backend.refuse.Store(true)
	srv.Latest().Drop()

	select {
	case err := <-rec.failed:
		assert.Contains(t, err.Error(), "2 reconnect attempts")
	case <-time.After(2 * time.Second):
		t.Fatal("expected failure")
	}
	assert.Equal(t, 2, tr.State().ReconnectAttempts)
}

func TestTransport_Close(t *testing.T) {
	srv, _ := newBackend(t)
	rec := newRecorder()

	tr := New(Options{URL: srv.URL, SessionID: "s-1"}, rec.callbacks())
	require.NoError(t, tr.Connect(context.Background()))
	waitFor(t, rec.connectCh)

	tr.Close()
	tr.Close()

	assert.Equal(t, State{}, tr.State())
	_, err := tr.Send(context.Background(), "x", json.RawMessage(`{}`), nil)
	assert.Error(t, err)
	assert.Error(t, tr.Connect(context.Background()))

	select {
	case err := <-rec.failed:
		t.Fatalf("unexpected failure callback: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestShouldForward(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		want  bool
	}{
		{"other event", "messages.upsert", `{}`, true},
		{"open", "connection.update", `{"connection":"open"}`, true},
		{"transient close", "connection.update", `{"connection":"close","reason":"connection_lost"}`, false},
		{"close without reason", "connection.update", `{"connection":"close"}`, false},
		{"logged out", "connection.update", `{"connection":"close","reason":"logged_out"}`, true},
		{"max attempts", "connection.update", `{"connection":"close","reason":"max_reconnect_attempts"}`, true},
		{"nested reason", "connection.update", `{"connection":"close","lastDisconnect":{"reason":"logged_out"}}`, true},
		{"unparseable", "connection.update", `not json`, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldForward(tc.event, json.RawMessage(tc.data)))
		})
	}
}

func TestReconnectDelay(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second
	assert.Equal(t, 100*time.Millisecond, reconnectDelay(base, maxDelay, 1))
	assert.Equal(t, 200*time.Millisecond, reconnectDelay(base, maxDelay, 2))
	assert.Equal(t, 800*time.Millisecond, reconnectDelay(base, maxDelay, 4))
	assert.Equal(t, time.Second, reconnectDelay(base, maxDelay, 10))
}
