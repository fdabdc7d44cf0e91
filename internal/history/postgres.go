package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

// PostgresMirror durably persists finished Records to a Postgres table, for
// deployments that want build history to outlive the daemon process beyond
// what the JSONL file offers (queryable by project, retained under a
// separate backup policy). It is optional: a nil *PostgresMirror is never
// constructed unless RCOMP_HISTORY_DSN is configured.
//
// Grounded on the internal/database/supabase.go (an
// env-var-driven optional durable backend wrapping the finished-record
// shape), reworked from the Supabase REST client to a plain
// database/sql+lib/pq connection since no component here needs Supabase's
// hosted auth/realtime features, only a durable INSERT sink.
type PostgresMirror struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS build_history (
	id BIGINT PRIMARY KEY,
	project_id TEXT NOT NULL,
	worker_id TEXT,
	command TEXT NOT NULL,
	exit_code INT NOT NULL,
	location TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	bytes_uploaded BIGINT NOT NULL,
	bytes_downloaded BIGINT NOT NULL,
	timing JSONB NOT NULL,
	cancellation JSONB
)`

// NewPostgresMirror opens dsn (e.g. from RCOMP_HISTORY_DSN) and ensures the
// build_history table exists.
func NewPostgresMirror(dsn string) (*PostgresMirror, error) {
	if dsn == "" {
		return nil, fmt.Errorf("history: RCOMP_HISTORY_DSN must be set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: opening postgres mirror: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: pinging postgres mirror: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: creating build_history table: %w", err)
	}
	return &PostgresMirror{db: db}, nil
}

// NewPostgresMirrorFromEnv reads RCOMP_HISTORY_DSN and constructs a mirror,
// returning (nil, nil) when the variable is unset — the daemon treats that
// as "no durable SQL mirror configured", not an error.
func NewPostgresMirrorFromEnv() (*PostgresMirror, error) {
	dsn := os.Getenv("RCOMP_HISTORY_DSN")
	if dsn == "" {
		return nil, nil
	}
	return NewPostgresMirror(dsn)
}

// Close closes the underlying connection pool.
func (m *PostgresMirror) Close() error {
	return m.db.Close()
}

// Append inserts record, satisfying the Mirror interface. A record id
// collision (should never happen given History's monotone counter) is
// reported rather than silently upserted, since a duplicate id indicates a
// bug in id allocation worth surfacing.
func (m *PostgresMirror) Append(record Record) error {
	timingJSON, err := json.Marshal(record.Timing)
	if err != nil {
		return fmt.Errorf("history: marshaling timing for record %d: %w", record.ID, err)
	}
	var cancellationJSON []byte
	if record.Cancellation != nil {
		cancellationJSON, err = json.Marshal(record.Cancellation)
		if err != nil {
			return fmt.Errorf("history: marshaling cancellation for record %d: %w", record.ID, err)
		}
	}

	_, err = m.db.Exec(
		`INSERT INTO build_history
			(id, project_id, worker_id, command, exit_code, location, started_at, completed_at,
			 duration_ms, bytes_uploaded, bytes_downloaded, timing, cancellation)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		record.ID, record.ProjectID, record.WorkerID, record.Command, record.ExitCode,
		string(record.Location), record.StartedAt, record.CompletedAt,
		record.Duration.Milliseconds(), record.BytesUploaded, record.BytesDownloaded,
		timingJSON, cancellationJSON,
	)
	if err != nil {
		return fmt.Errorf("history: inserting record %d: %w", record.ID, err)
	}
	return nil
}
