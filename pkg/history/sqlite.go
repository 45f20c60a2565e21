package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const appendQueueSize = 1024

// SQLiteRecorder stores records in a local sqlite database. A single writer
// goroutine drains an append queue, so write order always matches the order
// Append was called in, independent of how long any handler runs.
type SQLiteRecorder struct {
	db      *sql.DB
	queue   chan Record
	done    chan struct{}
	stopped chan struct{}
	closeMu sync.Mutex
	closed  bool
	log     *slog.Logger
}

// NewSQLiteRecorder opens (creating if needed) the database at path and
// starts the writer goroutine. Use ":memory:" for an in-process store.
func NewSQLiteRecorder(path string, log *slog.Logger) (*SQLiteRecorder, error) {
	if path == "" {
		return nil, fmt.Errorf("history: empty db path")
	}
	if log == nil {
		log = slog.Default()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: creating dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	r := &SQLiteRecorder{
		db:      db,
		queue:   make(chan Record, appendQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log.With("component", "history.sqlite"),
	}
	go r.writeLoop()

	return r, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	event_id TEXT NOT NULL UNIQUE,
	channel TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	text TEXT NOT NULL,
	ts TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages (channel, ts);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("history: migrate messages: %w", err)
	}
	return nil
}

// Append enqueues one record. When the queue is full the record is dropped
// with a warning; persistence is best-effort and must never stall intake.
func (r *SQLiteRecorder) Append(rec Record) {
	select {
	case r.queue <- rec:
	case <-r.done:
	default:
		r.log.Warn("Append queue full, dropping record", "event_id", rec.EventID, "channel", rec.Channel)
	}
}

func (r *SQLiteRecorder) writeLoop() {
	defer close(r.stopped)
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			// Drain whatever was enqueued before Close.
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *SQLiteRecorder) write(rec Record) {
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO messages (event_id, channel, sender_id, text, ts) VALUES (?, ?, ?, ?, ?)`,
		rec.EventID, rec.Channel, rec.SenderID, rec.Text, rec.Timestamp.UTC(),
	)
	if err != nil {
		perr := &PersistenceError{Op: "append", Err: err}
		r.log.Error("Failed to store record", "event_id", rec.EventID, "error", perr)
	}
}

// Query returns the records for channel with timestamps in [from, to],
// ordered ascending. Each call runs a fresh statement.
func (r *SQLiteRecorder) Query(ctx context.Context, channel string, from, to time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id, channel, sender_id, text, ts FROM messages
		 WHERE channel = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC`,
		channel, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, &PersistenceError{Op: "query", Err: err}
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EventID, &rec.Channel, &rec.SenderID, &rec.Text, &rec.Timestamp); err != nil {
			return nil, &PersistenceError{Op: "query", Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "query", Err: err}
	}

	return records, nil
}

// Close stops the writer after draining pending appends and closes the
// database.
func (r *SQLiteRecorder) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	<-r.stopped
	return r.db.Close()
}
