package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrNotConnected     = errors.New("event bus not connected")
	ErrInvalidEvent     = errors.New("event name is required")
	ErrNilHandler       = errors.New("event handler is required")
	ErrEmptyPayload     = errors.New("event payload is empty")
	ErrNoTransport      = errors.New("transport backend is not available in this build")
	ErrUnknownTransport = errors.New("unknown transport")
	ErrInvalidBootstrap = errors.New("invalid bootstrap node address")
)

// Handler receives a raw event payload. Handlers run on their own goroutine
// and must not retain the slice after returning.
type Handler func(payload []byte)

// Bus is the shared event space that initiators and responders talk over.
type Bus interface {
	Publish(ctx context.Context, event string, payload []byte) error
	Subscribe(event string, handler Handler) (*Subscription, error)
}

// Subscription is an owned listener registration. Close detaches it; calling
// Close more than once is a no-op.
type Subscription struct {
	event  string
	once   sync.Once
	mu     sync.Mutex
	closed bool
	detach func()
}

func newSubscription(event string, detach func()) *Subscription {
	return &Subscription{event: event, detach: detach}
}

func (s *Subscription) Event() string {
	if s == nil {
		return ""
	}
	return s.event
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.detach != nil {
			s.detach()
		}
	})
}

func (s *Subscription) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func normalizeEvent(event string) (string, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return "", ErrInvalidEvent
	}
	return event, nil
}
