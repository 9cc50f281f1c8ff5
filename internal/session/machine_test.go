package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndyTargino/vex-client-sdk/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.SessionStatus
		want     bool
	}{
		{model.SessionStatusConnecting, model.SessionStatusQRCode, true},
		{model.SessionStatusConnecting, model.SessionStatusOpen, true},
		{model.SessionStatusQRCode, model.SessionStatusConnecting, true},
		{model.SessionStatusQRCode, model.SessionStatusOpen, true},
		{model.SessionStatusOpen, model.SessionStatusClose, true},
		{model.SessionStatusClose, model.SessionStatusConnecting, true},
		{model.SessionStatusClose, model.SessionStatusOpen, false},
		{model.SessionStatusOpen, model.SessionStatusQRCode, false},
		{model.SessionStatusClose, model.SessionStatusQRCode, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestMachine(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("starts connecting", func(t *testing.T) {
		m := NewMachine("", now)
		assert.Equal(t, model.SessionStatusConnecting, m.Status())
		assert.Empty(t, m.SessionID())
	})

	t.Run("session id is immutable once assigned", func(t *testing.T) {
		m := NewMachine("", now)
		assert.True(t, m.Assign("abc"))
		assert.True(t, m.Assign("abc"))
		assert.True(t, m.Assign(""))
		assert.False(t, m.Assign("other"))
		assert.Equal(t, "abc", m.SessionID())
	})

	t.Run("pairing flow", func(t *testing.T) {
		m := NewMachine("s", now)
		steps := m.Advance(model.SessionStatusQRCode, "qr-1", "", "", now)
		require.Len(t, steps, 1)
		assert.Equal(t, "qr-1", steps[0].QR)

		steps = m.Advance(model.SessionStatusQRCode, "qr-1", "", "", now)
		assert.Empty(t, steps, "same code is not a transition")

		steps = m.Advance(model.SessionStatusQRCode, "qr-2", "", "", now)
		require.Len(t, steps, 1)
		assert.Equal(t, model.SessionStatusQRCode, steps[0].From)
		assert.Equal(t, "qr-2", m.QR())

		steps = m.Advance(model.SessionStatusOpen, "", "", "5511999", now)
		require.Len(t, steps, 1)
		assert.Equal(t, model.SessionStatusOpen, m.Status())
		assert.Empty(t, m.QR())
		assert.Equal(t, "5511999", m.Identity())
	})

	t.Run("close recovers through connecting", func(t *testing.T) {
		m := NewMachine("s", now)
		m.Advance(model.SessionStatusOpen, "", "", "", now)
		m.Advance(model.SessionStatusClose, "", "connection_lost", "", now)

		steps := m.Advance(model.SessionStatusOpen, "", "", "", now)
		require.Len(t, steps, 2)
		assert.Equal(t, model.SessionStatusConnecting, steps[0].To)
		assert.Equal(t, model.SessionStatusOpen, steps[1].To)
	})

	t.Run("invalid status ignored", func(t *testing.T) {
		m := NewMachine("s", now)
		assert.Empty(t, m.Advance("bogus", "", "", "", now))
		assert.Equal(t, model.SessionStatusConnecting, m.Status())
	})

	t.Run("record", func(t *testing.T) {
		later := now.Add(time.Minute)
		m := NewMachine("s", now)
		m.Advance(model.SessionStatusOpen, "", "", "5511", later)

		s := m.Session(model.TransportModePush)
		assert.Equal(t, "s", s.ID)
		assert.Equal(t, model.SessionStatusOpen, s.Status)
		assert.Equal(t, model.TransportModePush, s.Mode)
		require.NotNil(t, s.LastKnownIdentity)
		assert.Equal(t, "5511", *s.LastKnownIdentity)
		assert.Equal(t, now, s.CreatedAt)
		assert.Equal(t, later, s.UpdatedAt)
	})
}

func TestReconnectDelay(t *testing.T) {
	initial := time.Second
	maxDelay := 30 * time.Second

	var prev time.Duration
	for attempt := 0; attempt < 10; attempt++ {
		d := ReconnectDelay(initial, maxDelay, 2, attempt, 0)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, maxDelay)
		prev = d
	}
	assert.Equal(t, time.Second, ReconnectDelay(initial, maxDelay, 2, 0, 0))
	assert.Equal(t, 8*time.Second, ReconnectDelay(initial, maxDelay, 2, 3, 0))
	assert.Equal(t, 30*time.Second, ReconnectDelay(initial, maxDelay, 2, 9, 0))

	jittered := ReconnectDelay(initial, maxDelay, 2, 0, 0.999)
	assert.Greater(t, jittered, time.Second)
	assert.Less(t, jittered, 1100*time.Millisecond)
}

func TestEmitter(t *testing.T) {
	e := NewEmitter()
	var got []string
	unsubscribe := e.Subscribe(func(ev model.Event) { got = append(got, ev.Name) })

	e.Emit(model.Event{Name: "a"}, model.Event{Name: "b"})
	unsubscribe()
	e.Emit(model.Event{Name: "c"})

	assert.Equal(t, []string{"a", "b"}, got)

	e.Subscribe(func(model.Event) {})
	assert.Equal(t, 1, e.Len())
	e.Clear()
	assert.Equal(t, 0, e.Len())
}
