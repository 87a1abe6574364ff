package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalBusDeliversToEverySubscriber(t *testing.T) {
	bus := NewLocalBus()
	got := make(chan string, 4)
	for i := 0; i < 2; i++ {
		if _, err := bus.Subscribe("discovery:wallet:request", func(p []byte) { got <- string(p) }); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if _, err := bus.Subscribe("discovery:wallet:response", func(p []byte) { got <- "wrong:" + string(p) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "discovery:wallet:request", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			if msg != "hello" {
				t.Fatalf("unexpected delivery %q", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected extra delivery %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := NewLocalBus()
	sub, err := bus.Subscribe("evt", func([]byte) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if bus.Subscribers("evt") != 1 || !sub.Active() {
		t.Fatal("expected one active subscriber")
	}
	sub.Close()
	sub.Close()
	if bus.Subscribers("evt") != 0 || sub.Active() {
		t.Fatal("expected subscription to be detached")
	}
}

func TestLocalBusRejectsInvalidInput(t *testing.T) {
	bus := NewLocalBus()
	if _, err := bus.Subscribe(" ", func([]byte) {}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if _, err := bus.Subscribe("evt", nil); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("expected ErrNilHandler, got %v", err)
	}
	if err := bus.Publish(context.Background(), "evt", nil); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "evt", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
