package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quok-it/benchbot/pkg/models"
)

// SinkName identifies the SQLite store in logs and metrics
const SinkName = "sqlite"

// SessionFilter narrows List results
type SessionFilter struct {
	Marketplace string
	Limit       int
}

// SessionStore persists rental session records
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a new session store
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Name returns the sink name
func (s *SessionStore) Name() string {
	return SinkName
}

// Save inserts the session or replaces the stored copy with the same id
func (s *SessionStore) Save(ctx context.Context, session *models.RentalSession) error {
	benchmarks, err := json.Marshal(session.Benchmarks)
	if err != nil {
		return fmt.Errorf("failed to encode benchmarks: %w", err)
	}
	errs := session.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to encode errors: %w", err)
	}

	query := `
		INSERT INTO rental_sessions (
			session_id, client_id, cluster_name, marketplace, gpu_model,
			instance_id, start_time,
			boot_success, boot_time_ms, ssh_success, ssh_latency_ms,
			benchmarks, errors,
			termination_time, termination_status, updated_at
		) VALUES (
			?, ?, ?, ?, ?,
			?, ?,
			?, ?, ?, ?,
			?, ?,
			?, ?, ?
		)
		ON CONFLICT(session_id) DO UPDATE SET
			instance_id = excluded.instance_id,
			boot_success = excluded.boot_success,
			boot_time_ms = excluded.boot_time_ms,
			ssh_success = excluded.ssh_success,
			ssh_latency_ms = excluded.ssh_latency_ms,
			benchmarks = excluded.benchmarks,
			errors = excluded.errors,
			termination_time = excluded.termination_time,
			termination_status = excluded.termination_status,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		session.SessionID, session.ClientID, session.ClusterName, session.Marketplace, session.GPUModel,
		nullString(session.InstanceID), session.StartTime,
		nullBool(session.BootSuccess), nullFloat(session.BootTimeMs),
		nullBool(session.SSHSuccess), nullFloat(session.SSHLatencyMs),
		string(benchmarks), string(errorsJSON),
		nullTimePtr(session.TerminationTime), nullString(string(session.TerminationStatus)),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

const selectColumns = `
	session_id, client_id, cluster_name, marketplace, gpu_model,
	instance_id, start_time,
	boot_success, boot_time_ms, ssh_success, ssh_latency_ms,
	benchmarks, errors,
	termination_time, termination_status
`

// Get retrieves a session by ID
func (s *SessionStore) Get(ctx context.Context, id string) (*models.RentalSession, error) {
	query := `SELECT ` + selectColumns + ` FROM rental_sessions WHERE session_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// List returns sessions newest first
func (s *SessionStore) List(ctx context.Context, filter SessionFilter) ([]*models.RentalSession, error) {
	query := `SELECT ` + selectColumns + ` FROM rental_sessions WHERE 1=1`

	var args []interface{}

	if filter.Marketplace != "" {
		query += " AND marketplace = ?"
		args = append(args, filter.Marketplace)
	}

	query += " ORDER BY start_time DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.RentalSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// Ping checks the database connection
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.RentalSession, error) {
	session := &models.RentalSession{}
	var instanceID, terminationStatus sql.NullString
	var bootSuccess, sshSuccess sql.NullBool
	var bootTimeMs, sshLatencyMs sql.NullFloat64
	var terminationTime sql.NullTime
	var benchmarks, errorsJSON string

	err := row.Scan(
		&session.SessionID, &session.ClientID, &session.ClusterName, &session.Marketplace, &session.GPUModel,
		&instanceID, &session.StartTime,
		&bootSuccess, &bootTimeMs, &sshSuccess, &sshLatencyMs,
		&benchmarks, &errorsJSON,
		&terminationTime, &terminationStatus,
	)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	session.InstanceID = instanceID.String
	session.TerminationStatus = models.TerminationStatus(terminationStatus.String)
	if bootSuccess.Valid {
		session.BootSuccess = &bootSuccess.Bool
	}
	if bootTimeMs.Valid {
		session.BootTimeMs = &bootTimeMs.Float64
	}
	if sshSuccess.Valid {
		session.SSHSuccess = &sshSuccess.Bool
	}
	if sshLatencyMs.Valid {
		session.SSHLatencyMs = &sshLatencyMs.Float64
	}
	if terminationTime.Valid {
		t := terminationTime.Time
		session.TerminationTime = &t
	}

	if err := json.Unmarshal([]byte(benchmarks), &session.Benchmarks); err != nil {
		return nil, fmt.Errorf("failed to decode benchmarks: %w", err)
	}
	if session.Benchmarks == nil {
		session.Benchmarks = make(map[string]any)
	}
	if err := json.Unmarshal([]byte(errorsJSON), &session.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors: %w", err)
	}
	if session.Errors == nil {
		session.Errors = []string{}
	}

	return session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullTimePtr converts an optional time to sql.NullTime
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
