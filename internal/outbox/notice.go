package outbox

import (
	"sync"
	"time"

	"github.com/AndyTargino/vex-client-sdk/internal/model"
)

type NoticeKind string

const (
	NoticeSent    NoticeKind = "sent"
	NoticeFailed  NoticeKind = "failed"
	NoticeExpired NoticeKind = "expired"
	NoticeRetry   NoticeKind = "retry"
	NoticeError   NoticeKind = "error"
)

// Notice reports what happened to an operation. Op is nil for NoticeError,
// which carries a persistence failure.
type Notice struct {
	Kind  NoticeKind
	Op    *model.QueuedSendOperation
	Err   error
	Delay time.Duration
}

type notifier struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Notice)
}

func (n *notifier) subscribe(fn func(Notice)) func() {
	n.mu.Lock()
	if n.listeners == nil {
		n.listeners = make(map[int]func(Notice))
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

func (n *notifier) emit(notices ...Notice) {
	if len(notices) == 0 {
		return
	}
	n.mu.Lock()
	fns := make([]func(Notice), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, notice := range notices {
		for _, fn := range fns {
			fn(notice)
		}
	}
}

func (n *notifier) clear() {
	n.mu.Lock()
	n.listeners = nil
	n.mu.Unlock()
}
