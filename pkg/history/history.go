// Package history persists channel traffic and answers historical queries
// for handlers that need conversational context. Appends are best-effort and
// never block or fail dispatch.
package history

import (
	"context"
	"fmt"
	"time"
)

// Record is one stored message.
type Record struct {
	Channel   string
	EventID   string
	SenderID  string
	Text      string
	Timestamp time.Time
}

// PersistenceError reports a store failure. It is logged by the recorder and
// never propagates into dispatch or delivery.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Recorder stores inbound traffic. Append enqueues without blocking the
// caller; records are written in the order Append was called. Query starts a
// fresh cursor on every call and returns records ordered by timestamp
// ascending.
type Recorder interface {
	Append(rec Record)
	Query(ctx context.Context, channel string, from, to time.Time) ([]Record, error)
	Close() error
}

// NopRecorder is the recorder used when persistence is disabled: appends are
// no-ops and queries yield nothing.
type NopRecorder struct{}

func (NopRecorder) Append(Record) {}

func (NopRecorder) Query(context.Context, string, time.Time, time.Time) ([]Record, error) {
	return nil, nil
}

func (NopRecorder) Close() error { return nil }
