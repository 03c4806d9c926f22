package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/codesdk/codesdk/internal/common/logger"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// postgresDriver persists events in PostgreSQL via the pgx stdlib driver.
type postgresDriver struct {
	db *sql.DB
}

// NewPostgres connects to PostgreSQL and ensures the events schema exists.
func NewPostgres(dsn string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	drv := &postgresDriver{db: db}
	if err := drv.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize events schema: %w", err)
	}
	return newStore(drv, log), nil
}

func (d *postgresDriver) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		session_id     TEXT NOT NULL,
		seq            BIGINT NOT NULL,
		time           TIMESTAMPTZ NOT NULL,
		schema_version INTEGER NOT NULL,
		type           TEXT NOT NULL,
		task_id        TEXT NOT NULL DEFAULT '',
		runtime_name   TEXT NOT NULL DEFAULT '',
		trace_json     JSONB NOT NULL,
		runtime_json   JSONB NOT NULL,
		payload_json   JSONB,
		PRIMARY KEY (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_events_session_task ON events(session_id, task_id);
	`
	_, err := d.db.Exec(schema)
	return err
}

func (d *postgresDriver) insert(ctx context.Context, ev *v1.Event) error {
	traceJSON, runtimeJSON, payloadJSON, err := encodeEventColumns(ev)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, time, schema_version, type, task_id, runtime_name, trace_json, runtime_json, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.Trace.SessionID, ev.Seq, ev.Time.UTC(), ev.SchemaVersion, string(ev.Type),
		ev.Trace.TaskID, ev.Runtime.Name, traceJSON, runtimeJSON, payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (d *postgresDriver) list(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Event, error) {
	query := `
		SELECT seq, time, schema_version, type, trace_json, runtime_json, payload_json
		FROM events WHERE session_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	return d.query(ctx, query, args...)
}

func (d *postgresDriver) listByTask(ctx context.Context, sessionID, taskID string, afterSeq int64, limit int) ([]*v1.Event, error) {
	query := `
		SELECT seq, time, schema_version, type, trace_json, runtime_json, payload_json
		FROM events WHERE session_id = $1 AND task_id = $2 AND seq > $3 ORDER BY seq`
	args := []any{sessionID, taskID, afterSeq}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}
	return d.query(ctx, query, args...)
}

func (d *postgresDriver) query(ctx context.Context, query string, args ...any) ([]*v1.Event, error) {
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

func (d *postgresDriver) lastSeq(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = $1`, sessionID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return last, nil
}

func (d *postgresDriver) close() error {
	return d.db.Close()
}
