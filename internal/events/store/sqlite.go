package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codesdk/codesdk/internal/common/logger"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// sqliteDriver persists events in a local SQLite database.
type sqliteDriver struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the events database at dbPath.
func NewSQLite(dbPath string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open events database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	drv := &sqliteDriver{db: db}
	if err := drv.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize events schema: %w", err)
	}
	return newStore(drv, log), nil
}

func (d *sqliteDriver) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		session_id     TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		time           DATETIME NOT NULL,
		schema_version INTEGER NOT NULL,
		type           TEXT NOT NULL,
		task_id        TEXT DEFAULT '',
		runtime_name   TEXT DEFAULT '',
		trace_json     TEXT NOT NULL,
		runtime_json   TEXT NOT NULL,
		payload_json   TEXT,
		PRIMARY KEY (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_events_session_task ON events(session_id, task_id);
	`
	_, err := d.db.Exec(schema)
	return err
}

func (d *sqliteDriver) insert(ctx context.Context, ev *v1.Event) error {
	traceJSON, runtimeJSON, payloadJSON, err := encodeEventColumns(ev)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, time, schema_version, type, task_id, runtime_name, trace_json, runtime_json, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Trace.SessionID, ev.Seq, ev.Time.UTC(), ev.SchemaVersion, string(ev.Type),
		ev.Trace.TaskID, ev.Runtime.Name, traceJSON, runtimeJSON, payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (d *sqliteDriver) list(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Event, error) {
	query := `
		SELECT seq, time, schema_version, type, trace_json, runtime_json, payload_json
		FROM events WHERE session_id = ? AND seq > ? ORDER BY seq`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return d.query(ctx, query, args...)
}

func (d *sqliteDriver) listByTask(ctx context.Context, sessionID, taskID string, afterSeq int64, limit int) ([]*v1.Event, error) {
	query := `
		SELECT seq, time, schema_version, type, trace_json, runtime_json, payload_json
		FROM events WHERE session_id = ? AND task_id = ? AND seq > ? ORDER BY seq`
	args := []any{sessionID, taskID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return d.query(ctx, query, args...)
}

func (d *sqliteDriver) query(ctx context.Context, query string, args ...any) ([]*v1.Event, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*v1.Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (d *sqliteDriver) lastSeq(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return last, nil
}

func (d *sqliteDriver) close() error {
	return d.db.Close()
}

// encodeEventColumns serializes the structured parts of an event for storage.
func encodeEventColumns(ev *v1.Event) (traceJSON, runtimeJSON string, payloadJSON sql.NullString, err error) {
	tb, err := json.Marshal(ev.Trace)
	if err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("failed to marshal trace: %w", err)
	}
	rb, err := json.Marshal(ev.Runtime)
	if err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("failed to marshal runtime: %w", err)
	}
	if ev.Payload != nil {
		pb, err := json.Marshal(ev.Payload)
		if err != nil {
			return "", "", sql.NullString{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(pb), Valid: true}
	}
	return string(tb), string(rb), payloadJSON, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(row rowScanner) (*v1.Event, error) {
	var (
		ev          v1.Event
		evTime      time.Time
		evType      string
		traceJSON   string
		runtimeJSON string
		payloadJSON sql.NullString
	)
	if err := row.Scan(&ev.Seq, &evTime, &ev.SchemaVersion, &evType, &traceJSON, &runtimeJSON, &payloadJSON); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Time = evTime.UTC()
	ev.Type = v1.EventType(evType)
	if err := json.Unmarshal([]byte(traceJSON), &ev.Trace); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace: %w", err)
	}
	if err := json.Unmarshal([]byte(runtimeJSON), &ev.Runtime); err != nil {
		return nil, fmt.Errorf("failed to unmarshal runtime: %w", err)
	}
	if payloadJSON.Valid {
		if err := json.Unmarshal([]byte(payloadJSON.String), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &ev, nil
}
