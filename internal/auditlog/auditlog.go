// Package auditlog persists a best-effort, append-only record of VM
// lifecycle and configuration events to a single-table SQLite database.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const queueDepth = 256

// Event is one row of the audit trail.
type Event struct {
	Seq     int64     `json:"seq"`
	Type    string    `json:"type"`
	Payload string    `json:"payload"`
	Ts      time.Time `json:"ts"`
}

// Log owns the SQLite handle and a bounded queue feeding a single
// append worker, so event producers never block on disk IO.
type Log struct {
	db     *sql.DB
	queue  chan queuedEvent
	done   chan struct{}
	closed chan struct{}
}

type queuedEvent struct {
	eventType string
	payload   interface{}
	ts        time.Time
}

// Open opens (or creates) the audit database at dbPath and starts its
// append worker.
func Open(dbPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}

	l := &Log{
		db:     db,
		queue:  make(chan queuedEvent, queueDepth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go l.worker()
	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq     INTEGER PRIMARY KEY AUTOINCREMENT,
			type    TEXT NOT NULL,
			payload TEXT NOT NULL,
			ts      TEXT NOT NULL
		)
	`)
	return err
}

// Append enqueues an event for durable append. Non-blocking: if the
// queue is full, the event is dropped, since the audit trail is
// explicitly best-effort.
func (l *Log) Append(eventType string, payload interface{}) {
	select {
	case l.queue <- queuedEvent{eventType: eventType, payload: payload, ts: time.Now().UTC()}:
	default:
	}
}

func (l *Log) worker() {
	defer close(l.closed)
	for {
		select {
		case ev := <-l.queue:
			l.writeOne(ev)
		case <-l.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-l.queue:
					l.writeOne(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) writeOne(ev queuedEvent) {
	payload, err := json.Marshal(ev.payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", err.Error()))
	}
	_, _ = l.db.Exec(
		`INSERT INTO events (type, payload, ts) VALUES (?, ?, ?)`,
		ev.eventType, string(payload), ev.ts.Format(time.RFC3339Nano),
	)
}

// List returns audit events in ascending seq order, optionally bounded
// by limit (0 means no limit) and starting after sinceSeq.
func (l *Log) List(ctx context.Context, sinceSeq int64, limit int) ([]Event, error) {
	query := `SELECT seq, type, payload, ts FROM events WHERE seq > ? ORDER BY seq ASC`
	args := []interface{}{sinceSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.Seq, &e.Type, &e.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit event timestamp: %w", err)
		}
		e.Ts = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close stops the append worker, flushing any queued events, and
// closes the database. Calling Close again is a no-op.
func (l *Log) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	close(l.done)
	<-l.closed
	return l.db.Close()
}
