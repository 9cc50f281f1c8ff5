package sse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_InProcess(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	a := b.Subscribe("s-1")
	other := b.Subscribe("s-2")
	assert.Equal(t, 2, b.TotalClients())

	require.NoError(t, b.Publish(context.Background(), "s-1", "qrcode", map[string]string{"qr": "abc"}))

	select {
	case ev := <-a.Events:
		assert.Equal(t, "qrcode", ev.Type)
		assert.JSONEq(t, `{"qr":"abc"}`, string(ev.Data))
	default:
		t.Fatal("expected event")
	}
	assert.Empty(t, other.Events)

	b.Unsubscribe(a)
	b.Unsubscribe(a)
	assert.Equal(t, 0, b.ClientCount("s-1"))

	select {
	case <-a.Done:
	default:
		t.Fatal("done not closed")
	}
}

func TestBroker_DropsWhenFull(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	c := b.Subscribe("s-1")

	for i := 0; i < clientBufferSize+5; i++ {
		require.NoError(t, b.Publish(context.Background(), "s-1", "tick", i))
	}
	assert.Len(t, c.Events, clientBufferSize)
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker(nil)
	c := b.Subscribe("s-1")
	b.Close()

	<-c.Done
	assert.Equal(t, 0, b.TotalClients())
}
