package events

import (
	"context"
	"testing"
	"time"

	"identitycore/pkg/domain"
)

func receive[T any](t *testing.T, ch <-chan Message[T]) Message[T] {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message[T]{}
}

func TestBroker_PublishToSubscribers(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()
	ctx := context.Background()
	a, c := b.Subscribe(ctx), b.Subscribe(ctx)
	if b.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers")
	}
	b.Publish(42)
	if msg := receive(t, a); msg.Payload != 42 || msg.Timestamp.IsZero() {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg := receive(t, c); msg.Payload != 42 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestBroker_DropsWhenFull(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()
	sub := b.Subscribe(context.Background())
	b.Publish(1)
	b.Publish(2)
	if msg := receive(t, sub); msg.Payload != 1 {
		t.Fatalf("expected first message, got %d", msg.Payload)
	}
	select {
	case msg := <-sub:
		t.Fatalf("expected dropped message, got %d", msg.Payload)
	default:
	}
}

func TestBroker_UnsubscribeOnCancel(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-sub:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber removed")
	}
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	b := NewBroker[int]()
	sub := b.Subscribe(context.Background())
	b.Close()
	b.Close()
	if _, ok := <-sub; ok {
		t.Fatalf("expected closed subscriber")
	}
	if _, ok := <-b.Subscribe(context.Background()); ok {
		t.Fatalf("subscribe after close should return closed channel")
	}
	b.Publish(1)
}

func TestBrokerSink_PublishesEvents(t *testing.T) {
	b := NewBroker[domain.Event]()
	defer b.Close()
	sub := b.Subscribe(context.Background())
	sink := NewBrokerSink(b)
	if err := sink.Append(context.Background(), domain.IdentityCreated("alice", hash(1)), domain.AuthorizedTokenCreated("alice", hash(1), hash(2))); err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg := receive(t, sub); msg.Payload.Kind != domain.EventIdentityCreated {
		t.Fatalf("unexpected first event %+v", msg.Payload)
	}
	if msg := receive(t, sub); msg.Payload.TokenID != hash(2) {
		t.Fatalf("unexpected second event %+v", msg.Payload)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Append(ctx, domain.IdentityCreated("bob", hash(3))); err == nil {
		t.Fatalf("expected cancelled context error")
	}
}
