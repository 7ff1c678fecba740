// Package events delivers committed registry events to in-process and
// external consumers. Every sink implements domain.EventSink.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"identitycore/pkg/domain"
)

// Log is the append-only record of emitted events. When constructed with a
// writer each appended event is also written as one JSON line.
type Log struct {
	mu     sync.Mutex
	events []domain.Event
	enc    *json.Encoder
	closer io.Closer
}

// NewLog returns an in-memory event log.
func NewLog() *Log {
	return &Log{}
}

// NewJSONLog mirrors appended events to w as JSON lines.
func NewJSONLog(w io.Writer) *Log {
	l := &Log{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	return l
}

// OpenFileLog appends JSON lines to path, creating parent directories.
func OpenFileLog(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return NewJSONLog(f), nil
}

// Append implements domain.EventSink.
func (l *Log) Append(_ context.Context, events ...domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range events {
		l.events = append(l.events, evt)
		if l.enc == nil {
			continue
		}
		if err := l.enc.Encode(evt); err != nil {
			return fmt.Errorf("write event %s: %w", evt.Kind, err)
		}
	}
	return nil
}

// Events returns a copy of every appended event in order.
func (l *Log) Events() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len reports how many events have been appended.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Close releases the underlying writer when it is closable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.enc = nil
	return err
}
