package events

import (
	"context"
	"sync"
	"time"

	"identitycore/pkg/domain"
)

const defaultBufferSize = 64

// Message wraps a published payload with its publication time.
type Message[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Broker fans published payloads out to subscriber channels.
type Broker[T any] struct {
	subs       map[chan Message[T]]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size < 0 {
		size = 0
	}
	return &Broker[T]{
		subs:       make(map[chan Message[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe returns a channel that is closed when ctx is cancelled or the
// broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Message[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Message[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Message[T], b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		select {
		case <-b.done:
			return
		default:
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers payload to every subscriber. Full subscribers miss the
// message; Publish never blocks.
func (b *Broker[T]) Publish(payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	msg := Message[T]{Payload: payload, Timestamp: time.Now()}
	for sub := range b.subs {
		select {
		case sub <- msg:
		default:
		}
	}
}

// Close shuts the broker down and closes every subscriber channel.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// BrokerSink publishes registry events to in-process subscribers.
type BrokerSink struct {
	Broker *Broker[domain.Event]
}

// NewBrokerSink wraps broker as a domain.EventSink.
func NewBrokerSink(broker *Broker[domain.Event]) BrokerSink {
	return BrokerSink{Broker: broker}
}

// Append implements domain.EventSink.
func (s BrokerSink) Append(ctx context.Context, events ...domain.Event) error {
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Broker.Publish(evt)
	}
	return nil
}
