package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/store/migrations"
)

// SQLStore is a PostgreSQL-backed StateStore, for deployments that
// want the state store to live alongside other managed databases
// rather than as a local file.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore connects to dsn, applies pending migrations, and
// returns a ready SQLStore.
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, ErrInternal(fmt.Errorf("connect postgres: %w", err))
	}
	if err := migrations.Apply(db.DB); err != nil {
		db.Close()
		return nil, ErrInternal(err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) GetEnclave(ctx context.Context, id domain.EnclaveID) (*EnclaveState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM enclaves WHERE id = $1`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ErrInternal(err)
	}
	var state EnclaveState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, ErrSerialization(err)
	}
	return &state, nil
}

func (s *SQLStore) ListEnclaves(ctx context.Context) ([]EnclaveState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM enclaves ORDER BY id`)
	if err != nil {
		return nil, ErrInternal(err)
	}
	defer rows.Close()

	var out []EnclaveState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, ErrInternal(err)
		}
		var state EnclaveState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, ErrSerialization(err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertEnclave(ctx context.Context, state *EnclaveState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return ErrSerialization(err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO enclaves (id, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
	`, state.Desired.ID, data)
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *SQLStore) DeleteEnclave(ctx context.Context, id domain.EnclaveID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ErrInternal(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM enclaves WHERE id = $1`, id); err != nil {
		return ErrInternal(err)
	}
	prefix := string(id) + "/%"
	if _, err := tx.ExecContext(ctx, `DELETE FROM tf_state WHERE key LIKE $1`, prefix); err != nil {
		return ErrInternal(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tf_locks WHERE key LIKE $1`, prefix); err != nil {
		return ErrInternal(err)
	}
	if err := tx.Commit(); err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *SQLStore) UpsertPartition(ctx context.Context, enclaveID domain.EnclaveID, state *PartitionState) error {
	enc, err := s.GetEnclave(ctx, enclaveID)
	if err != nil {
		return err
	}
	if enc == nil {
		return ErrEnclaveNotFound(string(enclaveID))
	}
	if enc.Partitions == nil {
		enc.Partitions = make(map[string]PartitionState)
	}
	enc.Partitions[string(state.Desired.ID)] = *state
	return s.UpsertEnclave(ctx, enc)
}

func (s *SQLStore) DeletePartition(ctx context.Context, enclaveID domain.EnclaveID, partitionID domain.PartitionID) error {
	enc, err := s.GetEnclave(ctx, enclaveID)
	if err != nil {
		return err
	}
	if enc == nil {
		return nil
	}
	delete(enc.Partitions, string(partitionID))
	return s.UpsertEnclave(ctx, enc)
}

func (s *SQLStore) AppendEvent(ctx context.Context, event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return ErrSerialization(err)
	}
	var enclaveID *domain.EnclaveID
	if id, ok := event.RelatedEnclave(); ok {
		enclaveID = &id
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (enclave_id, kind, payload, at) VALUES ($1, $2, $3, $4)
	`, enclaveID, event.Kind, data, event.At)
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *SQLStore) ListEvents(ctx context.Context, enclaveID *domain.EnclaveID, limit int) ([]AuditEvent, error) {
	var rows *sql.Rows
	var err error
	if enclaveID != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT payload FROM events WHERE enclave_id = $1 ORDER BY seq DESC LIMIT $2
		`, *enclaveID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT payload FROM events ORDER BY seq DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, ErrInternal(err)
	}
	defer rows.Close()

	var reversed []AuditEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, ErrInternal(err)
		}
		var ev AuditEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, ErrSerialization(err)
		}
		reversed = append(reversed, ev)
	}
	// Query returns newest-first; flip back to chronological to match the
	// embedded backend's contract.
	out := make([]AuditEvent, len(reversed))
	for i, ev := range reversed {
		out[len(reversed)-1-i] = ev
	}
	return out, rows.Err()
}

func (s *SQLStore) GetTfState(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM tf_state WHERE key = $1`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ErrInternal(err)
	}
	return data, nil
}

func (s *SQLStore) PutTfState(ctx context.Context, key string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tf_state (key, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
	`, key, state)
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *SQLStore) DeleteTfState(ctx context.Context, key string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ErrInternal(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tf_state WHERE key = $1`, key); err != nil {
		return ErrInternal(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tf_locks WHERE key = $1`, key); err != nil {
		return ErrInternal(err)
	}
	if err := tx.Commit(); err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *SQLStore) LockTfState(ctx context.Context, key string, lockInfo []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ErrInternal(err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, `SELECT lock_info FROM tf_locks WHERE key = $1 FOR UPDATE`, key).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return ErrInternal(err)
	}
	if existing != nil {
		return ErrLockConflict(lockHolder(existing))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tf_locks (key, lock_info, locked_at) VALUES ($1, $2, now())
	`, key, lockInfo); err != nil {
		return ErrInternal(err)
	}
	if err := tx.Commit(); err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *SQLStore) UnlockTfState(ctx context.Context, key string, lockID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ErrInternal(err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, `SELECT lock_info FROM tf_locks WHERE key = $1 FOR UPDATE`, key).Scan(&existing)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return ErrInternal(err)
	}
	if lockID == "" || lockHolder(existing) == lockID {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tf_locks WHERE key = $1`, key); err != nil {
			return ErrInternal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *SQLStore) UpsertIacRun(ctx context.Context, run *IacRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iac_runs (id, enclave_id, partition_id, operation, started_at, finished_at, status, exit_code, log, reconcile_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			status = EXCLUDED.status,
			exit_code = EXCLUDED.exit_code,
			log = EXCLUDED.log
	`, run.ID, run.EnclaveID, run.PartitionID, run.Operation, run.StartedAt,
		nullableTime(run.FinishedAt), run.Status, nullableInt(run.ExitCode), run.Log, nullableUUID(run.ReconcileRunID))
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (s *SQLStore) ListIacRuns(ctx context.Context, enclaveID domain.EnclaveID, partitionID domain.PartitionID) ([]IacRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, enclave_id, partition_id, operation, started_at, finished_at, status, exit_code, log, reconcile_run_id
		FROM iac_runs
		WHERE enclave_id = $1 AND partition_id = $2
		ORDER BY started_at DESC
		LIMIT 100
	`, enclaveID, partitionID)
	if err != nil {
		return nil, ErrInternal(err)
	}
	defer rows.Close()
	return scanIacRuns(rows)
}

func (s *SQLStore) GetIacRun(ctx context.Context, runID uuid.UUID) (*IacRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, enclave_id, partition_id, operation, started_at, finished_at, status, exit_code, log, reconcile_run_id
		FROM iac_runs WHERE id = $1
	`, runID)
	if err != nil {
		return nil, ErrInternal(err)
	}
	defer rows.Close()
	runs, err := scanIacRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func scanIacRuns(rows *sql.Rows) ([]IacRun, error) {
	var out []IacRun
	for rows.Next() {
		var run IacRun
		var finishedAt sql.NullTime
		var exitCode sql.NullInt64
		var reconcileRunID sql.NullString
		if err := rows.Scan(&run.ID, &run.EnclaveID, &run.PartitionID, &run.Operation,
			&run.StartedAt, &finishedAt, &run.Status, &exitCode, &run.Log, &reconcileRunID); err != nil {
			return nil, ErrInternal(err)
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			run.ExitCode = &v
		}
		if reconcileRunID.Valid {
			id, err := uuid.Parse(reconcileRunID.String)
			if err == nil {
				run.ReconcileRunID = &id
			}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullableUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}
