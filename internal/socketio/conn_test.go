package socketio_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndyTargino/vex-client-sdk/internal/socketio"
	"github.com/AndyTargino/vex-client-sdk/internal/socketio/socketiotest"
)

func TestDial_ConnectAndEvents(t *testing.T) {
	srv := socketiotest.NewServer()
	defer srv.Close()

	var gotAuth json.RawMessage
	srv.OnConnect = func(c *socketiotest.Conn, auth json.RawMessage) error {
		gotAuth = auth
		return nil
	}
	srv.OnEvent = func(c *socketiotest.Conn, event string, args []json.RawMessage) []any {
		if event == "echo" {
			return []any{json.RawMessage(args[0])}
		}
		return nil
	}

	var mu sync.Mutex
	var events []string
	received := make(chan struct{}, 10)

	conn, err := socketio.Dial(context.Background(), srv.URL, socketio.Options{
		Auth: map[string]string{"token": "t-1"},
		OnEvent: func(event string, args []json.RawMessage) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			received <- struct{}{}
		},
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.JSONEq(t, `{"token":"t-1"}`, string(gotAuth))
	require.True(t, srv.WaitForConns(1, time.Second))

	t.Run("ack round trip", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		resp, err := conn.EmitWithAck(ctx, "echo", map[string]int{"n": 7})
		require.NoError(t, err)
		require.Len(t, resp, 1)
		assert.JSONEq(t, `{"n":7}`, string(resp[0]))
	})

	t.Run("server events are delivered in order", func(t *testing.T) {
		srv.Latest().Emit("first", map[string]int{"i": 1})
		srv.Latest().Emit("second", map[string]int{"i": 2})

		for i := 0; i < 2; i++ {
			select {
			case <-received:
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for events")
			}
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"first", "second"}, events)
	})
}

func TestDial_Rejected(t *testing.T) {
	srv := socketiotest.NewServer()
	defer srv.Close()
	srv.OnConnect = func(c *socketiotest.Conn, auth json.RawMessage) error {
		return errors.New("invalid token")
	}

	_, err := socketio.Dial(context.Background(), srv.URL, socketio.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestConn_CloseReasons(t *testing.T) {
	t.Run("server disconnect", func(t *testing.T) {
		srv := socketiotest.NewServer()
		defer srv.Close()

		conn, err := socketio.Dial(context.Background(), srv.URL, socketio.Options{})
		require.NoError(t, err)
		require.True(t, srv.WaitForConns(1, time.Second))

		srv.Latest().Disconnect()

		select {
		case <-conn.Done():
		case <-time.After(time.Second):
			t.Fatal("connection not closed")
		}
		assert.Equal(t, socketio.ReasonServerDisconnect, conn.Reason())
	})

	t.Run("dropped socket", func(t *testing.T) {
		srv := socketiotest.NewServer()
		defer srv.Close()

		conn, err := socketio.Dial(context.Background(), srv.URL, socketio.Options{})
		require.NoError(t, err)
		require.True(t, srv.WaitForConns(1, time.Second))

		srv.Latest().Drop()

		select {
		case <-conn.Done():
		case <-time.After(time.Second):
			t.Fatal("connection not closed")
		}
		assert.Contains(t, []string{socketio.ReasonTransportClose, socketio.ReasonTransportError}, conn.Reason())
	})

	t.Run("client close fails pending acks", func(t *testing.T) {
		srv := socketiotest.NewServer()
		defer srv.Close()
		block := make(chan struct{})
		defer close(block)
		srv.OnEvent = func(c *socketiotest.Conn, event string, args []json.RawMessage) []any {
			<-block
			return nil
		}

		conn, err := socketio.Dial(context.Background(), srv.URL, socketio.Options{})
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, err := conn.EmitWithAck(context.Background(), "slow")
			errCh <- err
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, conn.Close())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, socketio.ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("pending ack not released")
		}
		assert.Equal(t, socketio.ReasonClientDisconnect, conn.Reason())

		_, err = conn.EmitWithAck(context.Background(), "after-close")
		assert.ErrorIs(t, err, socketio.ErrClosed)
	})
}

func TestConn_AckTimeout(t *testing.T) {
	srv := socketiotest.NewServer()
	defer srv.Close()
	block := make(chan struct{})
	defer close(block)
	srv.OnEvent = func(c *socketiotest.Conn, event string, args []json.RawMessage) []any {
		<-block
		return nil
	}

	conn, err := socketio.Dial(context.Background(), srv.URL, socketio.Options{})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = conn.EmitWithAck(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
