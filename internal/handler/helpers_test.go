package handler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AndyTargino/vex-client-sdk/internal/api"
	"github.com/AndyTargino/vex-client-sdk/internal/model"
	"github.com/AndyTargino/vex-client-sdk/internal/outbox"
	"github.com/AndyTargino/vex-client-sdk/internal/service"
	"github.com/AndyTargino/vex-client-sdk/internal/session"
	"github.com/AndyTargino/vex-client-sdk/internal/sse"
)

type stubBackend struct {
	mu     sync.Mutex
	status *api.Status
	nextID string
	sent   []api.SendMessageRequest
}

func (b *stubBackend) InitSession(_ context.Context, req api.InitSessionRequest) (*api.SessionState, error) {
	id := req.SessionID
	if id == "" {
		id = b.nextID
	}
	return &api.SessionState{SessionID: id, Status: model.SessionStatusQRCode, QRCode: "2@abc"}, nil
}

func (b *stubBackend) SessionStatus(_ context.Context, sessionID string) (*api.SessionState, error) {
	return &api.SessionState{SessionID: sessionID, Status: model.SessionStatusQRCode, QRCode: "2@abc"}, nil
}

func (b *stubBackend) PendingEvents(context.Context, string) ([]api.PolledEvent, error) {
	return nil, nil
}

func (b *stubBackend) SendMessage(_ context.Context, _ string, req api.SendMessageRequest) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, req)
	return json.RawMessage(`{"messageId":"m-1"}`), nil
}

func (b *stubBackend) Logout(context.Context, string) error {
	return nil
}

func (b *stubBackend) HealthCheck(context.Context) bool {
	return true
}

func (b *stubBackend) Status() *api.Status {
	return b.status
}

func (b *stubBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type testEnv struct {
	backend *stubBackend
	broker  *sse.Broker
	manager *service.SessionManager
	router  chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend := &stubBackend{status: api.NewStatus(), nextID: "sess-new"}
	broker := sse.NewBroker(nil)
	manager := service.NewSessionManager(context.Background(), backend, service.SessionManagerOptions{
		Session: session.Options{
			WebhookURL:            "https://hooks.example.com" + WebhookPath,
			ReconnectInitialDelay: 5 * time.Millisecond,
			ReconnectMaxDelay:     20 * time.Millisecond,
		},
		Outbox: outbox.Options{
			MaxQueueSize:    100,
			MaxAge:          time.Hour,
			MaxAttempts:     10,
			BaseDelay:       5 * time.Millisecond,
			MaxDelay:        10 * time.Millisecond,
			PersistInterval: time.Hour,
		},
		Broker: broker,
	})
	t.Cleanup(func() {
		_ = manager.Shutdown(context.Background())
		broker.Close()
	})

	r := chi.NewRouter()
	r.Mount("/v1/sessions", NewSessionHandler(manager, NewEventsHandler(broker, manager)).Routes())
	return &testEnv{backend: backend, broker: broker, manager: manager, router: r}
}
