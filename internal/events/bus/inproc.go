package bus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loopdev/loopdev/internal/common/logger"
)

// InProcBus is a process-local event bus. It is the default when no NATS
// URL is configured and the bus used by tests.
type InProcBus struct {
	mu     sync.RWMutex
	subs   map[int64]*inprocSub
	nextID int64
	closed bool
	logger *logger.Logger
}

type inprocSub struct {
	id      int64
	subject string
	handler EventHandler
	bus     *InProcBus
}

// NewInProcBus creates an in-process event bus.
func NewInProcBus(log *logger.Logger) *InProcBus {
	return &InProcBus{
		subs:   make(map[int64]*inprocSub),
		logger: log.WithFields(zap.String("component", "inproc-bus")),
	}
}

// Publish delivers the event synchronously to every matching subscriber.
// Handler panics are isolated so one bad consumer cannot kill a loop task.
func (b *InProcBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	var matched []*inprocSub
	for _, sub := range b.subs {
		if subjectMatches(sub.subject, subject) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(sub, event)
	}
	return nil
}

func (b *InProcBus) deliver(sub *inprocSub, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subject", sub.subject),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// Subscribe registers a handler for a subject pattern.
func (b *InProcBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &inprocSub{id: b.nextID, subject: subject, handler: handler, bus: b}
	b.subs[sub.id] = sub
	return sub, nil
}

func (s *inprocSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

// Close drops all subscriptions.
func (b *InProcBus) Close() {
	b.mu.Lock()
	b.subs = make(map[int64]*inprocSub)
	b.closed = true
	b.mu.Unlock()
}

// IsConnected reports whether the bus accepts publishes.
func (b *InProcBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// subjectMatches supports exact subjects and the NATS-style trailing
// wildcard ">" (e.g. "loop.>" matches "loop.iteration.start").
func subjectMatches(pattern, subject string) bool {
	if pattern == subject || pattern == ">" {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, ">"))
	}
	return false
}
