package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndyTargino/vex-client-sdk/internal/api"
	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
	"github.com/AndyTargino/vex-client-sdk/internal/model"
	"github.com/AndyTargino/vex-client-sdk/internal/transport"
)

type fakeBackend struct {
	mu          sync.Mutex
	status      *api.Status
	initState   api.SessionState
	initErr     error
	initCalls   []api.InitSessionRequest
	pollStates  []api.SessionState
	pollCalls   int
	events      [][]api.PolledEvent
	healthy     bool
	healthCalls int
	sent        []api.SendMessageRequest
	sendErr     error
	logouts     int
}

func newFakeBackend(state api.SessionState) *fakeBackend {
	return &fakeBackend{status: api.NewStatus(), initState: state, healthy: true}
}

func (b *fakeBackend) InitSession(_ context.Context, req api.InitSessionRequest) (*api.SessionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initCalls = append(b.initCalls, req)
	if b.initErr != nil {
		return nil, b.initErr
	}
	state := b.initState
	return &state, nil
}

func (b *fakeBackend) SessionStatus(_ context.Context, sessionID string) (*api.SessionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollCalls++
	if len(b.pollStates) == 0 {
		state := b.initState
		return &state, nil
	}
	state := b.pollStates[0]
	if len(b.pollStates) > 1 {
		b.pollStates = b.pollStates[1:]
	}
	return &state, nil
}

func (b *fakeBackend) PendingEvents(_ context.Context, sessionID string) ([]api.PolledEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil, nil
	}
	batch := b.events[0]
	b.events = b.events[1:]
	return batch, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, sessionID string, req api.SendMessageRequest) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.sent = append(b.sent, req)
	return json.RawMessage(`{"via":"http"}`), nil
}

func (b *fakeBackend) Logout(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logouts++
	return nil
}

func (b *fakeBackend) HealthCheck(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthCalls++
	return b.healthy
}

func (b *fakeBackend) Status() *api.Status {
	return b.status
}

func (b *fakeBackend) setHealthy(ok bool) {
	b.mu.Lock()
	b.healthy = ok
	b.mu.Unlock()
}

func (b *fakeBackend) setInitErr(err error) {
	b.mu.Lock()
	b.initErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) counts() (inits, polls, health int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.initCalls), b.pollCalls, b.healthCalls
}

type fakePush struct {
	mu         sync.Mutex
	sessionID  string
	cb         transport.Callbacks
	connectErr error
	connected  bool
	sendErr    error
	sends      int
	closed     bool
}

func (p *fakePush) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	return nil
}

func (p *fakePush) Send(context.Context, string, json.RawMessage, json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends++
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	return json.RawMessage(`{"via":"push"}`), nil
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.connected = false
}

func (p *fakePush) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type pushFactory struct {
	mu         sync.Mutex
	connectErr error
	created    []*fakePush
}

func (f *pushFactory) New(sessionID string, cb transport.Callbacks) PushTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePush{sessionID: sessionID, cb: cb, connectErr: f.connectErr}
	f.created = append(f.created, p)
	return p
}

func (f *pushFactory) all() []*fakePush {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePush(nil), f.created...)
}

type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *eventLog) add(ev model.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Name)
	}
	return out
}

func (l *eventLog) has(name string) bool {
	for _, n := range l.names() {
		if n == name {
			return true
		}
	}
	return false
}

// connections returns the connection.update payloads in order.
func (l *eventLog) connections() []model.ConnectionUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.ConnectionUpdate
	for _, ev := range l.events {
		if cu, ok := ev.Data.(*model.ConnectionUpdate); ok {
			out = append(out, *cu)
		}
	}
	return out
}

func identity(o *Orchestrator) string {
	info := o.Info()
	if info.LastKnownIdentity == nil {
		return ""
	}
	return *info.LastKnownIdentity
}

func fastOptions(b Backend) Options {
	return Options{
		Backend:               b,
		PollInterval:          10 * time.Millisecond,
		HealthCheckInterval:   20 * time.Millisecond,
		ReconnectInitialDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:     20 * time.Millisecond,
		Jitter:                func() float64 { return 0 },
	}
}

func start(t *testing.T, opts Options) (*Orchestrator, *eventLog) {
	t.Helper()
	o := New(opts)
	log := &eventLog{}
	o.Subscribe(log.add)
	require.NoError(t, o.Start())
	t.Cleanup(o.Destroy)
	require.Eventually(t, func() bool { return log.has(model.EventSessionInit) }, 2*time.Second, 2*time.Millisecond)
	return o, log
}

func TestOrchestrator_InitWithPairingCode(t *testing.T) {
	backend := newFakeBackend(api.SessionState{SessionID: "new-1", Status: model.SessionStatusConnecting, QRCode: "2@abc"})
	opts := fastOptions(backend)
	opts.WebhookURL = "https://relay.example.com/api/v1/vex/webhooks"

	o, log := start(t, opts)

	assert.Equal(t, model.SessionStatusQRCode, o.Status())
	assert.Equal(t, "new-1", o.SessionID())
	assert.Equal(t, model.TransportModeWebhook, o.Mode())
	assert.Equal(t, []string{model.EventConnectionUpdate, model.EventQRCode, model.EventSessionInit}, log.names())

	log.mu.Lock()
	qr := log.events[1].Data.(*model.QRCode)
	init := log.events[2].Data.(*model.SessionInit)
	log.mu.Unlock()
	assert.Equal(t, "2@abc", qr.Code)
	assert.Equal(t, model.TransportModeWebhook, init.Mode)

	backend.mu.Lock()
	require.Len(t, backend.initCalls, 1)
	assert.Empty(t, backend.initCalls[0].SessionID)
	assert.Equal(t, opts.WebhookURL, backend.initCalls[0].WebhookURL)
	backend.mu.Unlock()

	// webhook mode holds no transport and runs no timers
	time.Sleep(50 * time.Millisecond)
	_, polls, health := backend.counts()
	assert.Zero(t, polls)
	assert.Zero(t, health)
}

func TestOrchestrator_PushMode(t *testing.T) {
	backend := newFakeBackend(api.SessionState{SessionID: "s-1", Status: model.SessionStatusOpen})
	factory := &pushFactory{}
	opts := fastOptions(backend)
	opts.SessionID = "s-1"
	opts.PushEnabled = true
	opts.NewTransport = factory.New

	o, log := start(t, opts)

	assert.Equal(t, model.TransportModePush, o.Mode())
	assert.Equal(t, model.SessionStatusOpen, o.Status())
	require.Len(t, factory.all(), 1)
	assert.True(t, o.Info().PushConnected)

	time.Sleep(50 * time.Millisecond)
	_, polls, health := backend.counts()
	assert.Zero(t, polls, "push mode must not poll")
	assert.Zero(t, health, "push mode must not health check")

	t.Run("events from the transport are emitted", func(t *testing.T) {
		push := factory.all()[0]
		push.cb.OnEvent(model.EventMessagesUpsert, json.RawMessage(`{"messages":[{"messageTimestamp":"1700000000"}]}`))

		require.True(t, log.has(model.EventMessagesUpsert))
	})

	t.Run("fast path send", func(t *testing.T) {
		resp, err := o.SendMessage(context.Background(), "5511", json.RawMessage(`{"text":"hi"}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"via":"push"}`, string(resp))
	})

	t.Run("fast path failure falls back to http", func(t *testing.T) {
		push := factory.all()[0]
		push.mu.Lock()
		push.sendErr = errors.New("ack timeout")
		push.mu.Unlock()

		resp, err := o.SendMessage(context.Background(), "5511", json.RawMessage(`{"text":"hi"}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"via":"http"}`, string(resp))
		backend.mu.Lock()
		assert.Len(t, backend.sent, 1)
		backend.mu.Unlock()
	})

	t.Run("transport failure falls back to polling", func(t *testing.T) {
		push := factory.all()[0]
		push.cb.OnFailed(errors.New("gave up"))

		assert.Equal(t, model.TransportModePoll, o.Mode())
		assert.True(t, push.isClosed())
		require.Eventually(t, func() bool {
			_, polls, _ := backend.counts()
			return polls > 0
		}, time.Second, 2*time.Millisecond)

		// a late callback from the dead transport changes nothing
		push.cb.OnFailed(errors.New("again"))
		assert.Equal(t, model.TransportModePoll, o.Mode())
	})

	t.Run("reconnect gives push another chance", func(t *testing.T) {
		require.NoError(t, o.Reconnect(context.Background()))
		assert.Equal(t, model.TransportModePush, o.Mode())
		assert.Len(t, factory.all(), 2)

		_, pollsBefore, _ := backend.counts()
		time.Sleep(40 * time.Millisecond)
		_, pollsAfter, _ := backend.counts()
		assert.Equal(t, pollsBefore, pollsAfter, "polling stopped after switching to push")
	})
}

func TestOrchestrator_PushConnectFailureFallsBackToPoll(t *testing.T) {
	backend := newFakeBackend(api.SessionState{SessionID: "s-1", Status: model.SessionStatusOpen})
	factory := &pushFactory{connectErr: errors.New("dial refused")}
	opts := fastOptions(backend)
	opts.PushEnabled = true
	opts.NewTransport = factory.New

	o, log := start(t, opts)

	assert.Equal(t, model.TransportModePoll, o.Mode())
	log.mu.Lock()
	init := log.events[len(log.events)-1].Data.(*model.SessionInit)
	log.mu.Unlock()
	assert.Equal(t, model.TransportModePoll, init.Mode)

	require.Eventually(t, func() bool {
		_, polls, health := backend.counts()
		return polls > 1 && health > 0
	}, time.Second, 2*time.Millisecond)
}

func TestOrchestrator_PollMode(t *testing.T) {
	backend := newFakeBackend(api.SessionState{SessionID: "s-1", Status: model.SessionStatusConnecting})
	backend.pollStates = []api.SessionState{
		{SessionID: "s-1", Status: model.SessionStatusConnecting, QRCode: "qr-1"},
		{SessionID: "s-1", Status: model.SessionStatusConnecting, QRCode: "qr-2"},
		{SessionID: "s-1", Status: model.SessionStatusOpen, Phone: "5511"},
	}
	backend.events = [][]api.PolledEvent{{
		{Event: model.EventMessagesUpsert, Data: json.RawMessage(`{"messages":[{"key":{"id":"m1"}}]}`), Timestamp: float64(1700000000000)},
		{Event: "presence.update", Data: json.RawMessage(`{"id":"x"}`), Timestamp: "1700000000001"},
	}}

	o, log := start(t, fastOptions(backend))

	require.Eventually(t, func() bool { return o.Status() == model.SessionStatusOpen }, time.Second, 2*time.Millisecond)
	assert.Equal(t, model.TransportModePoll, o.Mode())

	var qrs []string
	log.mu.Lock()
	for _, ev := range log.events {
		if qr, ok := ev.Data.(*model.QRCode); ok {
			qrs = append(qrs, qr.Code)
		}
	}
	log.mu.Unlock()
	assert.Equal(t, []string{"qr-1", "qr-2"}, qrs)
	assert.True(t, log.has(model.EventMessagesUpsert))
	assert.True(t, log.has("presence.update"))
	assert.Equal(t, "5511", identity(o))
}

func TestOrchestrator_HealthCheckReconnects(t *testing.T) {
	backend := newFakeBackend(api.SessionState{SessionID: "s-1", Status: model.SessionStatusOpen})
	o, log := start(t, fastOptions(backend))

	var transitions []bool
	var mu sync.Mutex
	backend.status.Subscribe(func(online bool) {
		mu.Lock()
		transitions = append(transitions, online)
		mu.Unlock()
	})

	backend.setHealthy(false)
	require.Eventually(t, func() bool {
		for _, cu := range log.connections() {
			if cu.Reason == model.CloseReasonBackendUnreachable {
				assert.False(t, cu.Terminal)
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, model.SessionStatusClose, o.Status())
	assert.Equal(t, model.TransportModeNone, o.Mode())

	backend.setHealthy(true)
	require.Eventually(t, func() bool { return o.Status() == model.SessionStatusOpen }, time.Second, 2*time.Millisecond)
	assert.Equal(t, model.TransportModePoll, o.Mode())
	assert.Equal(t, 0, o.Info().ReconnectAttempts)

	mu.Lock()
	assert.Equal(t, []bool{false, true}, transitions)
	mu.Unlock()
}

func TestOrchestrator_GivesUpAfterMaxAttempts(t *testing.T) {
	backend := newFakeBackend(api.SessionState{})
	backend.initErr = &apperrors.APIError{StatusCode: 503, Message: "unavailable"}
	opts := fastOptions(backend)
	opts.MaxReconnectAttempts = 2

	o := New(opts)
	log := &eventLog{}
	o.Subscribe(log.add)
	require.NoError(t, o.Start())
	defer o.Destroy()

	require.Eventually(t, func() bool {
		for _, cu := range log.connections() {
			if cu.Terminal {
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond)

	inits, _, _ := backend.counts()
	assert.Equal(t, 3, inits)
	assert.Equal(t, model.SessionStatusClose, o.Status())

	closes := log.connections()
	last := closes[len(closes)-1]
	assert.Equal(t, model.CloseReasonMaxReconnectAttempts, last.Reason)
	assert.True(t, last.Terminal)
	assert.False(t, log.has(model.EventSessionInit))
}

func TestOrchestrator_ImmediateReconnectKeepsRetrying(t *testing.T) {
	backend := newFakeBackend(api.SessionState{SessionID: "s-1", Status: model.SessionStatusConnecting})
	backend.initErr = &apperrors.APIError{StatusCode: 503, Message: "unavailable"}
	opts := fastOptions(backend)
	opts.ReconnectInitialDelay = time.Nanosecond
	opts.ReconnectMaxDelay = time.Nanosecond
	opts.MaxReconnectAttempts = 1000

	o := New(opts)
	log := &eventLog{}
	o.Subscribe(log.add)
	require.NoError(t, o.Start())
	defer o.Destroy()

	require.Eventually(t, func() bool {
		inits, _, _ := backend.counts()
		return inits >= 5
	}, 2*time.Second, time.Millisecond)

	backend.setInitErr(nil)
	require.Eventually(t, func() bool { return log.has(model.EventSessionInit) }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "s-1", o.SessionID())
}

func TestOrchestrator_InjectEvent(t *testing.T) {
	backend := newFakeBackend(api.SessionState{SessionID: "s-1", Status: model.SessionStatusConnecting})
	opts := fastOptions(backend)
	opts.WebhookURL = "https://relay.example.com/hook"
	o, log := start(t, opts)

	t.Run("connection update drives state", func(t *testing.T) {
		require.NoError(t, o.InjectEvent(model.EventConnectionUpdate, json.RawMessage(`{"connection":"open","me":{"id":"5511@s.whatsapp.net"}}`)))
		assert.Equal(t, model.SessionStatusOpen, o.Status())
		assert.Equal(t, "5511@s.whatsapp.net", identity(o))
	})

	t.Run("malformed payload is emitted raw", func(t *testing.T) {
		require.NoError(t, o.InjectEvent(model.EventMessagesUpsert, json.RawMessage(`"not-an-object"`)))

		log.mu.Lock()
		ev := log.events[len(log.events)-1]
		log.mu.Unlock()
		assert.Equal(t, model.EventMessagesUpsert, ev.Name)
		assert.Equal(t, "s-1", ev.SessionID)
		opaque, ok := ev.Data.(model.Opaque)
		require.True(t, ok)
		assert.Equal(t, `"not-an-object"`, string(opaque.Raw))
	})

	t.Run("invalid base64 keeps the field", func(t *testing.T) {
		require.NoError(t, o.InjectEvent(model.EventMessagesUpsert, json.RawMessage(`{"messages":[{"messageTimestamp":"42","message":{"imageMessage":{"jpegThumbnail":"%%%"}}}]}`)))

		log.mu.Lock()
		ev := log.events[len(log.events)-1]
		log.mu.Unlock()
		mu, ok := ev.Data.(*model.MessagesUpsert)
		require.True(t, ok)
		msg := mu.Messages[0]
		assert.Equal(t, int64(42), msg["messageTimestamp"])
		image := msg["message"].(map[string]any)["imageMessage"].(map[string]any)
		assert.Equal(t, "%%%", image["jpegThumbnail"])
	})
}

func TestOrchestrator_SendRequiresSession(t *testing.T) {
	backend := newFakeBackend(api.SessionState{})
	o := New(fastOptions(backend))
	defer o.Destroy()

	_, err := o.SendMessage(context.Background(), "5511", json.RawMessage(`{}`), nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionNotInitialized))
	assert.True(t, apperrors.IsCode(o.Logout(context.Background()), apperrors.ErrCodeSessionNotInitialized))
}

func TestOrchestrator_Logout(t *testing.T) {
	backend := newFakeBackend(api.SessionState{SessionID: "s-1", Status: model.SessionStatusOpen})
	o, log := start(t, fastOptions(backend))

	require.NoError(t, o.Logout(context.Background()))
	assert.Equal(t, model.SessionStatusClose, o.Status())
	assert.Equal(t, model.TransportModeNone, o.Mode())

	closes := log.connections()
	assert.Equal(t, model.CloseReasonLoggedOut, closes[len(closes)-1].Reason)

	_, polls, _ := backend.counts()
	time.Sleep(40 * time.Millisecond)
	_, after, _ := backend.counts()
	assert.Equal(t, polls, after)
}

func TestOrchestrator_Destroy(t *testing.T) {
	backend := newFakeBackend(api.SessionState{SessionID: "s-1", Status: model.SessionStatusOpen})
	factory := &pushFactory{}
	opts := fastOptions(backend)
	opts.PushEnabled = true
	opts.NewTransport = factory.New
	o, log := start(t, opts)

	o.Destroy()
	o.Destroy()

	assert.True(t, o.Destroyed())
	assert.True(t, factory.all()[0].isClosed())

	closes := log.connections()
	final := closes[len(closes)-1]
	assert.Equal(t, model.SessionStatusClose, final.Connection)
	assert.Equal(t, model.CloseReasonDestroyed, final.Reason)
	assert.True(t, final.Terminal)
	assert.Equal(t, 0, o.emitter.Len())

	count := len(log.names())
	assert.True(t, apperrors.IsCode(o.InjectEvent("qrcode", json.RawMessage(`"x"`)), apperrors.ErrCodeSessionDestroyed))
	_, err := o.SendMessage(context.Background(), "5511", json.RawMessage(`{}`), nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionDestroyed))
	assert.True(t, apperrors.IsCode(o.Reconnect(context.Background()), apperrors.ErrCodeSessionDestroyed))
	assert.True(t, apperrors.IsCode(o.Logout(context.Background()), apperrors.ErrCodeSessionDestroyed))
	assert.True(t, apperrors.IsCode(o.Start(), apperrors.ErrCodeSessionDestroyed))
	assert.Len(t, log.names(), count)
}
