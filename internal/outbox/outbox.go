// Package outbox is a durable at-least-once queue of outbound sends. Each
// session has its own FIFO drained sequentially; a failed operation moves to
// the tail of its queue and the drain is rescheduled with backoff, so one
// poison message never blocks the rest.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
	"github.com/AndyTargino/vex-client-sdk/internal/model"
)

const (
	DefaultMaxQueueSize    = 10000
	DefaultMaxAge          = 48 * time.Hour
	DefaultMaxAttempts     = 100
	DefaultBaseDelay       = 5 * time.Second
	DefaultMaxDelay        = 60 * time.Second
	DefaultPersistInterval = 5 * time.Second

	jitterRatio = 0.2
)

// SendFunc delivers one operation. A nil error removes it from the queue.
type SendFunc func(ctx context.Context, op model.QueuedSendOperation) error

type Options struct {
	MaxQueueSize    int
	MaxAge          time.Duration
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	PersistInterval time.Duration

	// Store is optional; without one the queue lives in memory only.
	Store Store
	Send  SendFunc
	// OnNotice, when set, is subscribed before persisted state loads so it
	// also sees expiries found at startup.
	OnNotice func(Notice)

	// Now and Jitter are overridable for tests. Jitter returns a value in
	// [0, 1).
	Now    func() time.Time
	Jitter func() float64
}

type Outbox struct {
	opts Options

	mu         sync.Mutex
	queues     map[string][]*model.QueuedSendOperation
	processing map[string]bool
	timers     map[string]*time.Timer
	online     bool
	dirty      bool
	closed     bool

	notifier notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads any persisted state, drops what already expired and starts the
// persistence loop. Processing starts as soon as the outbox is online, which
// it is until SetOffline is called.
func New(ctx context.Context, opts Options) *Outbox {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = DefaultPersistInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		opts:       opts,
		queues:     make(map[string][]*model.QueuedSendOperation),
		processing: make(map[string]bool),
		timers:     make(map[string]*time.Timer),
		online:     true,
		ctx:        runCtx,
		cancel:     cancel,
	}

	if opts.OnNotice != nil {
		o.notifier.subscribe(opts.OnNotice)
	}
	o.load(ctx)

	o.wg.Add(1)
	go o.persistLoop()

	o.mu.Lock()
	for sessionID, q := range o.queues {
		if len(q) > 0 {
			o.scheduleLocked(sessionID, 0)
		}
	}
	o.mu.Unlock()
	return o
}

func (o *Outbox) load(ctx context.Context) {
	if o.opts.Store == nil {
		return
	}
	persisted, err := o.opts.Store.Load(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load outbox, starting empty")
		o.notifier.emit(Notice{Kind: NoticeError, Err: err})
		return
	}

	now := o.opts.Now()
	var expired []Notice
	total := 0
	for sessionID, ops := range persisted {
		for i := range ops {
			op := ops[i]
			if now.Sub(op.EnqueuedAt) > o.opts.MaxAge {
				expired = append(expired, Notice{Kind: NoticeExpired, Op: op.Clone(), Err: apperrors.OutboxExpired()})
				continue
			}
			if op.SessionID == "" {
				op.SessionID = sessionID
			}
			o.queues[sessionID] = append(o.queues[sessionID], &op)
			total++
		}
	}
	if len(expired) > 0 {
		o.dirty = true
	}

	log.Info().
		Int("pending", total).
		Int("expired", len(expired)).
		Msg("outbox loaded")

	o.notifier.emit(expired...)
}

// Subscribe registers fn for outbox notices and returns a function removing
// it. fn runs on the goroutine that produced the notice.
func (o *Outbox) Subscribe(fn func(Notice)) func() {
	return o.notifier.subscribe(fn)
}

// Enqueue appends a send to the session's queue, evicting the oldest entry
// when the queue is full.
func (o *Outbox) Enqueue(sessionID, target string, payload, options json.RawMessage) (model.QueuedSendOperation, error) {
	if sessionID == "" {
		return model.QueuedSendOperation{}, apperrors.MissingRequired("sessionId")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return model.QueuedSendOperation{}, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to generate operation id", err)
	}
	op := &model.QueuedSendOperation{
		ID:         id.String(),
		SessionID:  sessionID,
		Target:     target,
		Payload:    payload,
		Options:    options,
		EnqueuedAt: o.opts.Now(),
	}

	var notices []Notice
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return model.QueuedSendOperation{}, apperrors.OutboxClosed()
	}
	q := o.queues[sessionID]
	for len(q) >= o.opts.MaxQueueSize {
		notices = append(notices, Notice{Kind: NoticeExpired, Op: q[0].Clone(), Err: apperrors.OutboxExpired()})
		q = q[1:]
	}
	o.queues[sessionID] = append(q, op)
	o.dirty = true
	if o.online {
		o.scheduleLocked(sessionID, 0)
	}
	queued := op.Clone()
	o.mu.Unlock()

	if len(notices) > 0 {
		log.Warn().
			Str("sessionId", sessionID).
			Int("evicted", len(notices)).
			Msg("outbox queue full, evicted oldest")
	}
	o.notifier.emit(notices...)
	return *queued, nil
}

// SetOnline resumes processing of every non-empty queue.
func (o *Outbox) SetOnline() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.online || o.closed {
		return
	}
	o.online = true
	for sessionID, q := range o.queues {
		if len(q) > 0 {
			o.scheduleLocked(sessionID, 0)
		}
	}
	log.Info().Msg("outbox online, resuming delivery")
}

// SetOffline cancels scheduled processing. Attempts already in flight finish.
func (o *Outbox) SetOffline() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.online {
		return
	}
	o.online = false
	for sessionID, timer := range o.timers {
		timer.Stop()
		delete(o.timers, sessionID)
	}
	log.Info().Msg("outbox offline, delivery paused")
}

func (o *Outbox) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// scheduleLocked replaces any pending drain of sessionID with one firing
// after delay.
func (o *Outbox) scheduleLocked(sessionID string, delay time.Duration) {
	if o.closed {
		return
	}
	if t, ok := o.timers[sessionID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		if o.timers[sessionID] != timer {
			o.mu.Unlock()
			return
		}
		delete(o.timers, sessionID)
		o.mu.Unlock()
		o.ProcessQueue(sessionID)
	})
	o.timers[sessionID] = timer
}

// ProcessQueue drains the session's queue until it is empty, the outbox goes
// offline, or a delivery fails. Only one drain per session runs at a time.
func (o *Outbox) ProcessQueue(sessionID string) {
	o.mu.Lock()
	if o.processing[sessionID] || o.closed {
		o.mu.Unlock()
		return
	}
	o.processing[sessionID] = true
	o.wg.Add(1)
	o.mu.Unlock()

	defer o.wg.Done()
	for {
		op, notices, ok := o.next(sessionID)
		o.notifier.emit(notices...)
		if !ok {
			return
		}

		err := o.opts.Send(o.ctx, *op.Clone())

		notices, cont := o.settle(sessionID, op, err)
		o.notifier.emit(notices...)
		if !cont {
			return
		}
	}
}

// next purges expired and exhausted operations and returns the head of the
// queue, or false after clearing the processing flag.
func (o *Outbox) next(sessionID string) (*model.QueuedSendOperation, []Notice, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var notices []Notice
	now := o.opts.Now()
	q := o.queues[sessionID]
	kept := q[:0]
	for _, op := range q {
		if now.Sub(op.EnqueuedAt) > o.opts.MaxAge {
			notices = append(notices, Notice{Kind: NoticeExpired, Op: op.Clone(), Err: apperrors.OutboxExpired()})
			continue
		}
		kept = append(kept, op)
	}
	if len(kept) != len(q) {
		o.dirty = true
	}
	q = kept

	for len(q) > 0 && q[0].AttemptCount >= o.opts.MaxAttempts {
		notices = append(notices, Notice{Kind: NoticeFailed, Op: q[0].Clone(), Err: apperrors.OutboxExhausted(q[0].AttemptCount)})
		q = q[1:]
		o.dirty = true
	}
	o.setQueueLocked(sessionID, q)

	if len(q) == 0 || !o.online || o.closed {
		o.processing[sessionID] = false
		return nil, notices, false
	}
	return q[0], notices, true
}

// settle records the outcome of one attempt and reports whether draining
// continues.
func (o *Outbox) settle(sessionID string, op *model.QueuedSendOperation, sendErr error) ([]Notice, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	q := o.queues[sessionID]
	idx := -1
	for i, queued := range q {
		if queued == op {
			idx = i
			break
		}
	}

	if sendErr == nil {
		if idx >= 0 {
			o.setQueueLocked(sessionID, append(q[:idx:idx], q[idx+1:]...))
			o.dirty = true
		}
		return []Notice{{Kind: NoticeSent, Op: op.Clone()}}, true
	}

	if o.closed && errors.Is(sendErr, context.Canceled) {
		// interrupted by Close, not a delivery attempt
		o.processing[sessionID] = false
		return nil, false
	}

	now := o.opts.Now()
	msg := sendErr.Error()
	op.AttemptCount++
	op.LastAttemptAt = &now
	op.LastError = &msg
	o.dirty = true

	if idx < 0 {
		// evicted while in flight
		return nil, true
	}
	rest := append(q[:idx:idx], q[idx+1:]...)

	if op.AttemptCount >= o.opts.MaxAttempts {
		o.setQueueLocked(sessionID, rest)
		log.Warn().
			Str("sessionId", sessionID).
			Str("opId", op.ID).
			Int("attempts", op.AttemptCount).
			Msg("outbox operation exhausted")
		return []Notice{{Kind: NoticeFailed, Op: op.Clone(), Err: apperrors.OutboxExhausted(op.AttemptCount)}}, true
	}

	o.setQueueLocked(sessionID, append(rest, op))
	delay := o.backoff(op.AttemptCount)
	o.processing[sessionID] = false
	if o.online {
		o.scheduleLocked(sessionID, delay)
	}

	log.Debug().Err(sendErr).
		Str("sessionId", sessionID).
		Str("opId", op.ID).
		Int("attempts", op.AttemptCount).
		Dur("retryIn", delay).
		Msg("outbox delivery failed")

	return []Notice{{Kind: NoticeRetry, Op: op.Clone(), Err: sendErr, Delay: delay}}, false
}

func (o *Outbox) setQueueLocked(sessionID string, q []*model.QueuedSendOperation) {
	if len(q) == 0 {
		delete(o.queues, sessionID)
		return
	}
	o.queues[sessionID] = q
}

// backoff returns min(base*2^(attempts-1), max) stretched by up to 20%.
func (o *Outbox) backoff(attempts int) time.Duration {
	delay := o.opts.BaseDelay
	for i := 1; i < attempts && delay < o.opts.MaxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, o.opts.MaxDelay)
	return time.Duration(float64(delay) * (1 + jitterRatio*o.opts.Jitter()))
}

// Len returns the number of pending operations for sessionID.
func (o *Outbox) Len(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[sessionID])
}

// Pending returns copies of the session's queued operations in order.
func (o *Outbox) Pending(sessionID string) []model.QueuedSendOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[sessionID]
	out := make([]model.QueuedSendOperation, 0, len(q))
	for _, op := range q {
		out = append(out, *op.Clone())
	}
	return out
}

// Stats reports pending counts per session.
func (o *Outbox) Stats() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := make(map[string]int, len(o.queues))
	for sessionID, q := range o.queues {
		stats[sessionID] = len(q)
	}
	return stats
}

// Close stops timers, cancels in-flight sends, waits for drains to return
// and writes the final state.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for sessionID, timer := range o.timers {
		timer.Stop()
		delete(o.timers, sessionID)
	}
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	err := o.Flush(ctx)
	o.notifier.clear()
	return err
}
