package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
	"github.com/AndyTargino/vex-client-sdk/internal/model"
	"github.com/AndyTargino/vex-client-sdk/internal/outbox"
	"github.com/AndyTargino/vex-client-sdk/internal/repository"
	"github.com/AndyTargino/vex-client-sdk/internal/session"
	"github.com/AndyTargino/vex-client-sdk/internal/sse"
)

const registryTimeout = 5 * time.Second

// Outbox notices forwarded to SSE clients.
const (
	EventOutboxSent    = "outbox.sent"
	EventOutboxFailed  = "outbox.failed"
	EventOutboxExpired = "outbox.expired"
)

type SessionManagerOptions struct {
	// Session is the template for every orchestrator; SessionID and
	// Backend are filled in per session.
	Session session.Options
	// Outbox configures the shared outbox; Send is provided by the manager.
	Outbox outbox.Options
	Broker *sse.Broker
	// Sessions is optional; without it nothing survives a restart except
	// the outbox.
	Sessions repository.SessionRepository
}

// SessionManager hosts the orchestrators of this process. It owns the
// outbox and keeps it in step with the backend's online status.
type SessionManager struct {
	backend  session.Backend
	template session.Options
	outbox   *outbox.Outbox
	broker   *sse.Broker
	repo     repository.SessionRepository

	mu       sync.RWMutex
	sessions map[string]*session.Orchestrator
	// orchestrators still waiting for the backend to assign an id
	starting map[*session.Orchestrator]struct{}
	closed   bool

	unsubscribeStatus func()
}

func NewSessionManager(ctx context.Context, backend session.Backend, opts SessionManagerOptions) *SessionManager {
	m := &SessionManager{
		backend:  backend,
		template: opts.Session,
		broker:   opts.Broker,
		repo:     opts.Sessions,
		sessions: make(map[string]*session.Orchestrator),
		starting: make(map[*session.Orchestrator]struct{}),
	}

	outboxOpts := opts.Outbox
	outboxOpts.Send = m.deliver
	outboxOpts.OnNotice = m.onNotice
	m.outbox = outbox.New(ctx, outboxOpts)

	status := backend.Status()
	m.unsubscribeStatus = status.Subscribe(func(online bool) {
		if online {
			m.outbox.SetOnline()
		} else {
			m.outbox.SetOffline()
		}
	})
	if !status.Online() {
		m.outbox.SetOffline()
	}
	return m
}

func (m *SessionManager) Outbox() *outbox.Outbox {
	return m.outbox
}

// Open starts an orchestrator. With an empty id a new backend session is
// created and Open waits until the backend assigns its id or ctx ends. An
// existing id is resumed without waiting.
func (m *SessionManager) Open(ctx context.Context, sessionID string) (*session.Orchestrator, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperrors.Destroyed()
	}
	if existing, ok := m.sessions[sessionID]; ok && sessionID != "" {
		m.mu.Unlock()
		return existing, nil
	}

	opts := m.template
	opts.SessionID = sessionID
	opts.Backend = m.backend
	orch := session.New(opts)

	if sessionID != "" {
		m.sessions[sessionID] = orch
	} else {
		m.starting[orch] = struct{}{}
	}
	m.mu.Unlock()

	initialized := make(chan struct{})
	var once sync.Once
	orch.Subscribe(func(ev model.Event) {
		if ev.Name == model.EventSessionInit {
			m.register(orch)
			once.Do(func() { close(initialized) })
		}
		m.onEvent(orch, ev)
	})

	if err := orch.Start(); err != nil {
		m.forget(orch)
		return nil, err
	}

	log.Info().
		Str("sessionId", sessionID).
		Msg("session opened")

	if sessionID != "" {
		return orch, nil
	}

	select {
	case <-initialized:
		return orch, nil
	case <-ctx.Done():
		m.forget(orch)
		orch.Destroy()
		return nil, apperrors.Transport(ctx.Err())
	}
}

func (m *SessionManager) register(orch *session.Orchestrator) {
	id := orch.SessionID()
	m.mu.Lock()
	delete(m.starting, orch)
	if m.closed || orch.Destroyed() {
		m.mu.Unlock()
		return
	}
	m.sessions[id] = orch
	m.mu.Unlock()

	m.persist(orch)
}

func (m *SessionManager) forget(orch *session.Orchestrator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.starting, orch)
	if id := orch.SessionID(); id != "" && m.sessions[id] == orch {
		delete(m.sessions, id)
	}
}

func (m *SessionManager) persist(orch *session.Orchestrator) {
	if m.repo == nil {
		return
	}
	info := orch.Info()
	if info.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	if _, err := m.repo.Upsert(ctx, model.UpsertSessionParams{
		ID:       info.ID,
		Status:   info.Status,
		Identity: info.LastKnownIdentity,
		Mode:     info.Mode,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", info.ID).Msg("failed to persist session")
	}
}

// onEvent forwards every event to SSE clients and keeps the registry's
// status current.
func (m *SessionManager) onEvent(orch *session.Orchestrator, ev model.Event) {
	if ev.SessionID == "" {
		return
	}

	if m.broker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		if err := m.broker.Publish(ctx, ev.SessionID, ev.Name, ev); err != nil {
			log.Warn().Err(err).
				Str("sessionId", ev.SessionID).
				Str("event", ev.Name).
				Msg("failed to publish event")
		}
		cancel()
	}

	cu, ok := ev.Data.(*model.ConnectionUpdate)
	// a destroyed orchestrator keeps its last real status so it resumes on restart
	if !ok || cu.Reason == model.CloseReasonDestroyed || m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := m.repo.UpdateStatus(ctx, ev.SessionID, orch.Status(), orch.Mode()); err != nil {
		log.Error().Err(err).Str("sessionId", ev.SessionID).Msg("failed to update session status")
	}
}

func (m *SessionManager) onNotice(n outbox.Notice) {
	if n.Kind == outbox.NoticeError {
		log.Error().Err(n.Err).Msg("outbox storage error")
		return
	}
	if n.Op == nil || m.broker == nil {
		return
	}

	var eventType string
	switch n.Kind {
	case outbox.NoticeSent:
		eventType = EventOutboxSent
	case outbox.NoticeFailed:
		eventType = EventOutboxFailed
	case outbox.NoticeExpired:
		eventType = EventOutboxExpired
	default:
		return
	}

	payload := struct {
		*model.QueuedSendOperation
		Error string `json:"error,omitempty"`
	}{QueuedSendOperation: n.Op}
	if n.Err != nil {
		payload.Error = n.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := m.broker.Publish(ctx, n.Op.SessionID, eventType, payload); err != nil {
		log.Warn().Err(err).Str("sessionId", n.Op.SessionID).Msg("failed to publish outbox notice")
	}
}

// deliver is the outbox's send function.
func (m *SessionManager) deliver(ctx context.Context, op model.QueuedSendOperation) error {
	orch, err := m.Get(op.SessionID)
	if err != nil {
		return err
	}
	_, err = orch.SendMessage(ctx, op.Target, op.Payload, op.Options)
	return err
}

// Lookup finds a live orchestrator for the webhook receiver.
func (m *SessionManager) Lookup(sessionID string) (*session.Orchestrator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orch, ok := m.sessions[sessionID]
	if !ok || orch.Destroyed() {
		return nil, false
	}
	return orch, true
}

func (m *SessionManager) Get(sessionID string) (*session.Orchestrator, error) {
	orch, ok := m.Lookup(sessionID)
	if !ok {
		return nil, apperrors.NotFound("session")
	}
	return orch, nil
}

// SessionView is a session as reported by the daemon's API.
type SessionView struct {
	session.Info
	PendingOutbox int `json:"pendingOutbox"`
}

func (m *SessionManager) View(sessionID string) (*SessionView, error) {
	orch, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionView{Info: orch.Info(), PendingOutbox: m.outbox.Len(sessionID)}, nil
}

// List returns every registered session, oldest first.
func (m *SessionManager) List() []SessionView {
	m.mu.RLock()
	orchs := make([]*session.Orchestrator, 0, len(m.sessions))
	for _, orch := range m.sessions {
		orchs = append(orchs, orch)
	}
	m.mu.RUnlock()

	views := make([]SessionView, 0, len(orchs))
	for _, orch := range orchs {
		info := orch.Info()
		views = append(views, SessionView{Info: info, PendingOutbox: m.outbox.Len(info.ID)})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Send delivers a message right away, over push when connected and HTTP
// otherwise.
func (m *SessionManager) Send(ctx context.Context, sessionID, to string, content, options json.RawMessage) (json.RawMessage, error) {
	orch, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return orch.SendMessage(ctx, to, content, options)
}

// Enqueue hands a message to the outbox for at-least-once delivery.
func (m *SessionManager) Enqueue(sessionID, to string, content, options json.RawMessage) (model.QueuedSendOperation, error) {
	if _, err := m.Get(sessionID); err != nil {
		return model.QueuedSendOperation{}, err
	}
	return m.outbox.Enqueue(sessionID, to, content, options)
}

func (m *SessionManager) Reconnect(ctx context.Context, sessionID string) error {
	orch, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return orch.Reconnect(ctx)
}

func (m *SessionManager) Logout(ctx context.Context, sessionID string) error {
	orch, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return orch.Logout(ctx)
}

// Close destroys the orchestrator and removes it from the registry.
func (m *SessionManager) Close(ctx context.Context, sessionID string) error {
	orch, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	m.forget(orch)
	orch.Destroy()

	if m.repo != nil {
		if err := m.repo.Delete(ctx, sessionID); err != nil {
			return apperrors.Database(err)
		}
	}
	log.Info().Str("sessionId", sessionID).Msg("session closed")
	return nil
}

// Restore reopens every session the registry holds as not closed.
func (m *SessionManager) Restore(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	sessions, err := m.repo.ListResumable(ctx)
	if err != nil {
		return 0, apperrors.Database(err)
	}

	restored := 0
	for _, s := range sessions {
		if _, err := m.Open(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to restore session")
			continue
		}
		restored++
	}
	log.Info().Int("count", restored).Msg("sessions restored")
	return restored, nil
}

// Shutdown destroys every orchestrator and closes the outbox, flushing it.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	orchs := make([]*session.Orchestrator, 0, len(m.sessions)+len(m.starting))
	for _, orch := range m.sessions {
		orchs = append(orchs, orch)
	}
	for orch := range m.starting {
		orchs = append(orchs, orch)
	}
	m.sessions = make(map[string]*session.Orchestrator)
	m.starting = make(map[*session.Orchestrator]struct{})
	m.mu.Unlock()

	m.unsubscribeStatus()
	for _, orch := range orchs {
		orch.Destroy()
	}
	return m.outbox.Close(ctx)
}
