// Package session runs one backend session: initialization, transport
// selection between webhook, push and poll, health checks, reconnection and
// outbound sends. State lives in a Machine, consumers subscribe through an
// Emitter, and the Orchestrator wires both to the network.
package session

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AndyTargino/vex-client-sdk/internal/api"
	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
	"github.com/AndyTargino/vex-client-sdk/internal/model"
	"github.com/AndyTargino/vex-client-sdk/internal/normalize"
	"github.com/AndyTargino/vex-client-sdk/internal/transport"
)

const (
	DefaultPollInterval          = 5 * time.Second
	DefaultHealthCheckInterval   = 30 * time.Second
	DefaultReconnectInitialDelay = time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultReconnectMultiplier   = 2.0
)

// Backend is the REST surface the orchestrator needs; *api.Client
// implements it.
type Backend interface {
	InitSession(ctx context.Context, req api.InitSessionRequest) (*api.SessionState, error)
	SessionStatus(ctx context.Context, sessionID string) (*api.SessionState, error)
	PendingEvents(ctx context.Context, sessionID string) ([]api.PolledEvent, error)
	SendMessage(ctx context.Context, sessionID string, req api.SendMessageRequest) (json.RawMessage, error)
	Logout(ctx context.Context, sessionID string) error
	HealthCheck(ctx context.Context) bool
	Status() *api.Status
}

// PushTransport is the persistent connection used in push mode;
// *transport.Transport implements it.
type PushTransport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, to string, content, options json.RawMessage) (json.RawMessage, error)
	Connected() bool
	Close()
}

// TransportFactory builds the push transport for a session.
type TransportFactory func(sessionID string, cb transport.Callbacks) PushTransport

type Options struct {
	// SessionID resumes an existing backend session; empty creates one.
	SessionID string
	Backend   Backend

	// WebhookURL selects webhook mode when set.
	WebhookURL  string
	PushEnabled bool
	// NewTransport is required for push mode.
	NewTransport TransportFactory

	PollInterval          time.Duration
	HealthCheckInterval   time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMultiplier   float64
	// MaxReconnectAttempts of 0 retries forever.
	MaxReconnectAttempts int

	Now    func() time.Time
	Jitter func() float64
}

type Orchestrator struct {
	opts    Options
	backend Backend
	emitter *Emitter

	mu                sync.Mutex
	machine           *Machine
	mode              model.TransportMode
	push              PushTransport
	pushFailed        bool
	pollTimer         *time.Timer
	healthTimer       *time.Timer
	reconnectTimer    *time.Timer
	reconnectGen      uint64
	generation        uint64
	reconnectAttempts int
	healthy           bool
	initializing      bool
	destroyed         bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an orchestrator in the connecting state. Nothing touches the
// network until Start, so listeners can subscribe first.
func New(opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if opts.ReconnectInitialDelay <= 0 {
		opts.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if opts.ReconnectMultiplier <= 0 {
		opts.ReconnectMultiplier = DefaultReconnectMultiplier
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:    opts,
		backend: opts.Backend,
		emitter: NewEmitter(),
		machine: NewMachine(opts.SessionID, opts.Now()),
		mode:    model.TransportModeNone,
		healthy: true,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers fn for every event of this session and returns a
// function removing it.
func (o *Orchestrator) Subscribe(fn func(model.Event)) func() {
	return o.emitter.Subscribe(fn)
}

// Start initializes the session in the background.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return apperrors.Destroyed()
	}
	go func() {
		_ = o.initialize(o.ctx)
	}()
	return nil
}

func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.SessionID()
}

func (o *Orchestrator) Status() model.SessionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.Status()
}

func (o *Orchestrator) Mode() model.TransportMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *Orchestrator) Destroyed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed
}

// Info is a point-in-time view of the session.
type Info struct {
	model.Session
	QR                string `json:"qr,omitempty"`
	PushConnected     bool   `json:"pushConnected"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

func (o *Orchestrator) Info() Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Info{
		Session:           o.machine.Session(o.mode),
		QR:                o.machine.QR(),
		PushConnected:     o.push != nil && o.push.Connected(),
		ReconnectAttempts: o.reconnectAttempts,
	}
}

// initialize calls the backend's session-init, publishes the resulting state
// and selects the transport. Failures schedule a reconnect.
func (o *Orchestrator) initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return apperrors.Destroyed()
	}
	if o.initializing {
		o.mu.Unlock()
		return nil
	}
	o.initializing = true
	req := api.InitSessionRequest{SessionID: o.machine.SessionID(), WebhookURL: o.opts.WebhookURL}
	o.mu.Unlock()

	state, err := o.backend.InitSession(ctx, req)

	o.mu.Lock()
	o.initializing = false
	if o.destroyed {
		o.mu.Unlock()
		return apperrors.Destroyed()
	}
	if err != nil {
		o.mu.Unlock()
		log.Warn().Err(err).
			Str("sessionId", req.SessionID).
			Msg("session init failed")
		o.scheduleReconnect()
		return err
	}

	if !o.machine.Assign(state.SessionID) {
		log.Warn().
			Str("sessionId", o.machine.SessionID()).
			Str("backendSessionId", state.SessionID).
			Msg("backend returned a different session id, keeping ours")
	}
	o.reconnectAttempts = 0
	o.healthy = true

	to := model.SessionStatusConnecting
	switch {
	case state.Status == model.SessionStatusOpen:
		to = model.SessionStatusOpen
	case state.QRCode != "":
		to = model.SessionStatusQRCode
	}
	events := o.advanceLocked(to, state.QRCode, "", state.Phone)
	sessionID := o.machine.SessionID()
	o.mu.Unlock()

	o.backend.Status().MarkOnline()
	o.emitter.Emit(events...)

	log.Info().
		Str("sessionId", sessionID).
		Str("status", string(to)).
		Msg("session initialized")

	mode := o.selectTransport()

	o.mu.Lock()
	init := o.eventLocked(model.EventSessionInit, &model.SessionInit{
		SessionID: sessionID,
		Status:    o.machine.Status(),
		Mode:      mode,
	})
	o.mu.Unlock()
	o.emitter.Emit(init)
	return nil
}

// selectTransport tears down the current mode and starts webhook, push or
// poll mode, in that order of preference.
func (o *Orchestrator) selectTransport() model.TransportMode {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return model.TransportModeNone
	}
	stale := o.teardownLocked()

	switch {
	case o.opts.WebhookURL != "":
		o.mode = model.TransportModeWebhook
		o.mu.Unlock()
		closeTransport(stale)
		return model.TransportModeWebhook

	case o.opts.PushEnabled && o.opts.NewTransport != nil && !o.pushFailed:
		o.mode = model.TransportModePush
		gen := o.generation
		tr := o.opts.NewTransport(o.machine.SessionID(), o.pushCallbacks(gen))
		o.push = tr
		o.mu.Unlock()
		closeTransport(stale)

		if err := tr.Connect(o.ctx); err != nil {
			o.pushFailedFallback(gen, err)
			return o.Mode()
		}
		return model.TransportModePush

	default:
		o.startPollLocked()
		o.mu.Unlock()
		closeTransport(stale)
		return model.TransportModePoll
	}
}

func closeTransport(tr PushTransport) {
	if tr != nil {
		tr.Close()
	}
}

// teardownLocked stops every mode-specific duty and returns the push
// transport for the caller to close outside the lock. Callbacks of the old
// mode see a stale generation and do nothing.
func (o *Orchestrator) teardownLocked() PushTransport {
	o.generation++
	if o.pollTimer != nil {
		o.pollTimer.Stop()
		o.pollTimer = nil
	}
	if o.healthTimer != nil {
		o.healthTimer.Stop()
		o.healthTimer = nil
	}
	tr := o.push
	o.push = nil
	o.mode = model.TransportModeNone
	return tr
}

func (o *Orchestrator) pushCallbacks(gen uint64) transport.Callbacks {
	return transport.Callbacks{
		OnEvent: func(name string, data json.RawMessage) {
			if !o.current(gen) {
				return
			}
			_ = o.InjectEvent(name, data)
		},
		OnConnect: func() {
			log.Debug().Str("sessionId", o.SessionID()).Msg("push transport subscribed")
		},
		OnDisconnect: func(reason string) {
			// the transport reconnects on its own; state follows backend events only
			log.Debug().Str("sessionId", o.SessionID()).Str("reason", reason).Msg("push transport dropped")
		},
		OnFailed: func(err error) {
			o.pushFailedFallback(gen, err)
		},
	}
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.destroyed && o.generation == gen
}

// pushFailedFallback switches to poll mode for the rest of this instance's
// life, unless gen was superseded.
func (o *Orchestrator) pushFailedFallback(gen uint64, err error) {
	o.mu.Lock()
	if o.destroyed || o.generation != gen {
		o.mu.Unlock()
		return
	}
	o.pushFailed = true
	stale := o.teardownLocked()
	o.startPollLocked()
	sessionID := o.machine.SessionID()
	o.mu.Unlock()
	closeTransport(stale)

	log.Warn().Err(err).
		Str("sessionId", sessionID).
		Msg("push transport failed, falling back to polling")
}

func (o *Orchestrator) startPollLocked() {
	o.mode = model.TransportModePoll
	gen := o.generation
	o.schedulePollLocked(gen, 0)
	o.scheduleHealthLocked(gen)
}

func (o *Orchestrator) schedulePollLocked(gen uint64, delay time.Duration) {
	if o.pollTimer != nil {
		o.pollTimer.Stop()
	}
	o.pollTimer = time.AfterFunc(delay, func() { o.poll(gen) })
}

func (o *Orchestrator) scheduleHealthLocked(gen uint64) {
	if o.healthTimer != nil {
		o.healthTimer.Stop()
	}
	o.healthTimer = time.AfterFunc(o.opts.HealthCheckInterval, func() { o.healthCheck(gen) })
}

// poll fetches status and pending events once, then schedules the next run.
func (o *Orchestrator) poll(gen uint64) {
	o.mu.Lock()
	if o.destroyed || o.generation != gen {
		o.mu.Unlock()
		return
	}
	sessionID := o.machine.SessionID()
	o.mu.Unlock()

	if state, err := o.backend.SessionStatus(o.ctx, sessionID); err != nil {
		log.Debug().Err(err).Str("sessionId", sessionID).Msg("poll status failed")
	} else {
		o.applyPolledState(gen, state)
	}

	if events, err := o.backend.PendingEvents(o.ctx, sessionID); err != nil {
		log.Debug().Err(err).Str("sessionId", sessionID).Msg("poll events failed")
	} else {
		for _, ev := range events {
			if !o.current(gen) {
				return
			}
			_ = o.injectAt(ev.Event, ev.Data, ev.Time())
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed || o.generation != gen {
		return
	}
	o.schedulePollLocked(gen, o.opts.PollInterval)
}

// applyPolledState detects QR changes and connect/disconnect transitions.
func (o *Orchestrator) applyPolledState(gen uint64, state *api.SessionState) {
	o.mu.Lock()
	if o.destroyed || o.generation != gen {
		o.mu.Unlock()
		return
	}
	to := state.Status
	if state.QRCode != "" && to != model.SessionStatusOpen {
		to = model.SessionStatusQRCode
	}
	events := o.advanceLocked(to, state.QRCode, "", state.Phone)
	o.mu.Unlock()
	o.emitter.Emit(events...)
}

func (o *Orchestrator) healthCheck(gen uint64) {
	if !o.current(gen) {
		return
	}
	ok := o.backend.HealthCheck(o.ctx)

	o.mu.Lock()
	if o.destroyed || o.generation != gen {
		o.mu.Unlock()
		return
	}
	wasHealthy := o.healthy
	o.healthy = ok
	if ok || !wasHealthy {
		o.scheduleHealthLocked(gen)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	log.Warn().Str("sessionId", o.SessionID()).Msg("health check failed")
	o.handleOffline()
}

// handleOffline stops the active mode, publishes the disconnect and starts
// reconnecting.
func (o *Orchestrator) handleOffline() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.healthy = false
	stale := o.teardownLocked()
	events := o.advanceLocked(model.SessionStatusClose, "", model.CloseReasonBackendUnreachable, "")
	o.mu.Unlock()
	closeTransport(stale)

	o.backend.Status().MarkOffline()
	o.emitter.Emit(events...)
	o.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless one is already pending.
// Past MaxReconnectAttempts it emits a terminal close instead.
func (o *Orchestrator) scheduleReconnect() {
	o.mu.Lock()
	if o.destroyed || o.reconnectTimer != nil {
		o.mu.Unlock()
		return
	}
	if limit := o.opts.MaxReconnectAttempts; limit > 0 && o.reconnectAttempts >= limit {
		attempts := o.reconnectAttempts
		events := o.advanceLocked(model.SessionStatusClose, "", model.CloseReasonMaxReconnectAttempts, "")
		if len(events) == 0 {
			events = []model.Event{o.connectionEventLocked(model.SessionStatusClose, "", model.CloseReasonMaxReconnectAttempts)}
		}
		markTerminal(events)
		sessionID := o.machine.SessionID()
		o.mu.Unlock()

		log.Error().
			Str("sessionId", sessionID).
			Int("attempts", attempts).
			Msg("giving up reconnecting")
		o.emitter.Emit(events...)
		return
	}

	delay := ReconnectDelay(o.opts.ReconnectInitialDelay, o.opts.ReconnectMaxDelay, o.opts.ReconnectMultiplier, o.reconnectAttempts, o.opts.Jitter())
	o.reconnectAttempts++
	attempt := o.reconnectAttempts
	o.reconnectGen++
	gen := o.reconnectGen
	o.reconnectTimer = time.AfterFunc(delay, func() { o.attemptReconnect(gen) })
	sessionID := o.machine.SessionID()
	o.mu.Unlock()

	log.Info().
		Str("sessionId", sessionID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")
}

func markTerminal(events []model.Event) {
	for _, ev := range events {
		if cu, ok := ev.Data.(*model.ConnectionUpdate); ok && cu.Connection == model.SessionStatusClose {
			cu.Terminal = true
		}
	}
}

// attemptReconnect probes health before retrying the full initialization.
func (o *Orchestrator) attemptReconnect(gen uint64) {
	o.mu.Lock()
	if o.destroyed || o.reconnectTimer == nil || o.reconnectGen != gen {
		o.mu.Unlock()
		return
	}
	o.reconnectTimer = nil
	o.mu.Unlock()

	if !o.backend.HealthCheck(o.ctx) {
		o.scheduleReconnect()
		return
	}

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	events := o.advanceLocked(model.SessionStatusConnecting, "", "", "")
	o.mu.Unlock()
	o.emitter.Emit(events...)

	_ = o.initialize(o.ctx)
}

// InjectEvent is the entry point for events arriving from any transport,
// including the webhook receiver.
func (o *Orchestrator) InjectEvent(name string, raw json.RawMessage) error {
	return o.injectAt(name, raw, o.opts.Now())
}

// injectAt normalizes and emits one event. A payload that fails to
// normalize is emitted raw.
func (o *Orchestrator) injectAt(name string, raw json.RawMessage, at time.Time) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return apperrors.Destroyed()
	}
	sessionID := o.machine.SessionID()
	o.mu.Unlock()

	ev, err := normalize.Event(name, raw, at)
	if err != nil {
		log.Warn().Err(err).
			Str("sessionId", sessionID).
			Str("event", name).
			Msg("emitting raw event payload")
		ev = model.Event{Name: name, ReceivedAt: at, Data: model.Opaque{Raw: raw}}
	}
	ev.SessionID = sessionID

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return apperrors.Destroyed()
	}
	switch data := ev.Data.(type) {
	case *model.ConnectionUpdate:
		to := data.Connection
		if to == "" && data.QR != "" {
			to = model.SessionStatusQRCode
		}
		o.machine.Advance(to, data.QR, data.Reason, data.Identity, o.opts.Now())
	case *model.QRCode:
		o.machine.Advance(model.SessionStatusQRCode, data.Code, "", "", o.opts.Now())
	}
	o.mu.Unlock()

	o.emitter.Emit(ev)
	return nil
}

// advanceLocked applies a status change and returns the events describing
// it: one connection.update per step, plus a qrcode event for a new code.
func (o *Orchestrator) advanceLocked(to model.SessionStatus, qr, reason, identity string) []model.Event {
	steps := o.machine.Advance(to, qr, reason, identity, o.opts.Now())
	events := make([]model.Event, 0, len(steps)+1)
	for _, step := range steps {
		events = append(events, o.connectionEventLocked(step.To, step.QR, step.Reason))
		if step.To == model.SessionStatusQRCode && step.QR != "" {
			events = append(events, o.eventLocked(model.EventQRCode, &model.QRCode{Code: step.QR}))
		}
	}
	return events
}

func (o *Orchestrator) connectionEventLocked(status model.SessionStatus, qr, reason string) model.Event {
	return o.eventLocked(model.EventConnectionUpdate, &model.ConnectionUpdate{
		Connection: status,
		QR:         qr,
		Reason:     reason,
		Identity:   o.machine.Identity(),
	})
}

func (o *Orchestrator) eventLocked(name string, data model.Payload) model.Event {
	return model.Event{
		Name:       name,
		SessionID:  o.machine.SessionID(),
		Data:       data,
		ReceivedAt: o.opts.Now(),
	}
}

// SendMessage sends over the push connection when it is up and falls back
// to the REST endpoint. It never queues; use the outbox for that.
func (o *Orchestrator) SendMessage(ctx context.Context, to string, content, options json.RawMessage) (json.RawMessage, error) {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return nil, apperrors.Destroyed()
	}
	sessionID := o.machine.SessionID()
	push := o.push
	o.mu.Unlock()
	if sessionID == "" {
		return nil, apperrors.NotInitialized()
	}

	if push != nil && push.Connected() {
		resp, err := push.Send(ctx, to, content, options)
		if err == nil {
			return resp, nil
		}
		log.Warn().Err(err).
			Str("sessionId", sessionID).
			Msg("push send failed, retrying over http")
	}

	return o.backend.SendMessage(ctx, sessionID, api.SendMessageRequest{To: to, Content: content, Options: options})
}

// Reconnect drops the current transport and initializes again right away,
// giving push mode another chance.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return apperrors.Destroyed()
	}
	stale := o.teardownLocked()
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
		o.reconnectTimer = nil
	}
	o.reconnectAttempts = 0
	o.pushFailed = false
	events := o.advanceLocked(model.SessionStatusConnecting, "", "", "")
	o.mu.Unlock()
	closeTransport(stale)

	o.emitter.Emit(events...)
	return o.initialize(ctx)
}

// Logout ends the session on the backend and stops every transport. The
// orchestrator stays usable; Reconnect starts pairing again.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return apperrors.Destroyed()
	}
	sessionID := o.machine.SessionID()
	o.mu.Unlock()
	if sessionID == "" {
		return apperrors.NotInitialized()
	}

	if err := o.backend.Logout(ctx, sessionID); err != nil {
		return err
	}

	o.mu.Lock()
	stale := o.teardownLocked()
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
		o.reconnectTimer = nil
	}
	events := o.advanceLocked(model.SessionStatusClose, "", model.CloseReasonLoggedOut, "")
	o.mu.Unlock()
	closeTransport(stale)

	o.emitter.Emit(events...)
	return nil
}

// Destroy cancels all timers, closes the push connection, emits a final
// close event and drops every listener. Safe to call more than once.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	stale := o.teardownLocked()
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
		o.reconnectTimer = nil
	}
	o.machine.Advance(model.SessionStatusClose, "", model.CloseReasonDestroyed, "", o.opts.Now())
	final := o.connectionEventLocked(model.SessionStatusClose, "", model.CloseReasonDestroyed)
	final.Data.(*model.ConnectionUpdate).Terminal = true
	o.destroyed = true
	sessionID := o.machine.SessionID()
	o.mu.Unlock()

	o.cancel()
	closeTransport(stale)
	o.emitter.Emit(final)
	o.emitter.Clear()

	log.Info().Str("sessionId", sessionID).Msg("session destroyed")
}
