package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"identitycore/pkg/domain"
)

// DefaultStream is the Redis stream events are added to when none is configured.
const DefaultStream = "identitycore:events"

// StreamAdder is the subset of the go-redis client used by StreamSink.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamSink appends each event to a Redis stream as {kind, event} fields,
// where event holds the JSON encoded record.
type StreamSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

// StreamOption customises a StreamSink.
type StreamOption func(*StreamSink)

// WithMaxLen caps the stream at approximately n entries.
func WithMaxLen(n int64) StreamOption {
	return func(s *StreamSink) { s.maxLen = n }
}

// NewStreamSink returns a sink adding to stream via client.
func NewStreamSink(client StreamAdder, stream string, opts ...StreamOption) (*StreamSink, error) {
	if client == nil {
		return nil, errors.New("redis stream sink requires a client")
	}
	if stream == "" {
		stream = DefaultStream
	}
	s := &StreamSink{client: client, stream: stream}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Stream returns the target stream name.
func (s *StreamSink) Stream() string { return s.stream }

// Append implements domain.EventSink. Delivery stops at the first failure.
func (s *StreamSink) Append(ctx context.Context, events ...domain.Event) error {
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", evt.Kind, err)
		}
		args := &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]any{
				"kind":  string(evt.Kind),
				"event": string(payload),
			},
		}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		if err := s.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("xadd %s: %w", s.stream, err)
		}
	}
	return nil
}

// NewRedisClient parses url and pings the server. An empty url returns a nil
// client, meaning Redis is not configured.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
