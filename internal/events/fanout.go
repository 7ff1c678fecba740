package events

import (
	"context"

	"golang.org/x/sync/errgroup"

	"identitycore/pkg/domain"
)

// Fanout delivers every batch to all of its sinks concurrently. Each sink
// sees the batch in commit order; the first failure is returned once all
// sinks have finished.
type Fanout []domain.EventSink

// NewFanout drops nil sinks.
func NewFanout(sinks ...domain.EventSink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Append implements domain.EventSink.
func (f Fanout) Append(ctx context.Context, events ...domain.Event) error {
	if len(f) == 0 || len(events) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, sink := range f {
		g.Go(func() error {
			return sink.Append(ctx, events...)
		})
	}
	return g.Wait()
}
