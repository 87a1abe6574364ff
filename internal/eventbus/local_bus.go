package eventbus

import (
	"context"
	"sync"
)

// LocalBus delivers events between components living in the same process.
// Every subscriber gets its own copy of the payload on a fresh goroutine,
// so a slow handler never blocks the publisher.
type LocalBus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[string]map[uint64]Handler
}

// processBus backs mock-transport nodes so that nodes created in the same
// process share one event space.
var processBus = NewLocalBus()

func NewLocalBus() *LocalBus {
	return &LocalBus{subscribers: make(map[string]map[uint64]Handler)}
}

func (b *LocalBus) Publish(ctx context.Context, event string, payload []byte) error {
	event, err := normalizeEvent(event)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subscribers[event]))
	for _, h := range b.subscribers[event] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		msg := append([]byte(nil), payload...)
		go h(msg)
	}
	return nil
}

func (b *LocalBus) Subscribe(event string, handler Handler) (*Subscription, error) {
	event, err := normalizeEvent(event)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subscribers[event] == nil {
		b.subscribers[event] = make(map[uint64]Handler)
	}
	b.subscribers[event][id] = handler
	b.mu.Unlock()

	return newSubscription(event, func() { b.unsubscribe(event, id) }), nil
}

// Subscribers reports how many listeners are attached to event.
func (b *LocalBus) Subscribers(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[event])
}

func (b *LocalBus) unsubscribe(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers[event], id)
	if len(b.subscribers[event]) == 0 {
		delete(b.subscribers, event)
	}
}
