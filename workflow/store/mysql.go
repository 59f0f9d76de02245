package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/flowloom/wfengine/workflow"
)

// MySQLInstanceStore is a MySQL/MariaDB-backed workflow.InstanceRepository
// and workflow.AsyncStateRepository, for shared, multi-process deployments
// where several Engine processes execute instances of the same workflows.
// Adapted from the teacher's graph/store.MySQLStore: same connection-pool
// sizing and auto-migrated InnoDB schema, generalized the same way
// SQLiteInstanceStore is from a generic per-run step-history table to one
// row per WorkflowInstance, one per labeled checkpoint, and one per async
// task, with the optimistic-concurrency CAS the teacher's MySQLStore[S]
// never needed.
type MySQLInstanceStore struct {
	db *sql.DB
}

// NewMySQLInstanceStore opens a MySQL connection pool for dsn (see
// go-sql-driver/mysql's DSN format) and migrates its schema.
//
// Example DSN: "user:password@tcp(127.0.0.1:3306)/workflows?parseTime=true"
func NewMySQLInstanceStore(dsn string) (*MySQLInstanceStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow/store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("workflow/store: ping mysql: %w", err)
	}

	s := &MySQLInstanceStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLInstanceStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			instance_id VARCHAR(255) PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			version INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			current_step_id VARCHAR(255) NOT NULL,
			rec_version BIGINT NOT NULL,
			payload JSON NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			INDEX idx_workflow_status (workflow_id, status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_instance_checkpoints (
			label VARCHAR(255) PRIMARY KEY,
			payload JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_async_states (
			task_id VARCHAR(255) PRIMARY KEY,
			instance_id VARCHAR(255) NOT NULL,
			step_id VARCHAR(255) NOT NULL,
			payload JSON NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			INDEX idx_async_instance (instance_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("workflow/store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLInstanceStore) Close() error {
	return s.db.Close()
}

func (s *MySQLInstanceStore) Save(ctx context.Context, instance *workflow.WorkflowInstance) error {
	payload, err := marshalInstance(instance)
	if err != nil {
		return err
	}

	var currentVersion int64
	err = s.db.QueryRowContext(ctx, `SELECT rec_version FROM workflow_instances WHERE instance_id = ?`, instance.InstanceID).Scan(&currentVersion)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO workflow_instances
				(instance_id, workflow_id, version, status, current_step_id, rec_version, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			instance.InstanceID, instance.WorkflowID, instance.Version, instance.Status.String(), instance.CurrentStepID,
			1, payload, instance.CreatedAt, instance.UpdatedAt)
		if err != nil {
			return err
		}
		instance.SetRecVersion(1)
		return nil
	case err != nil:
		return fmt.Errorf("workflow/store: load version: %w", err)
	}

	if currentVersion > instance.RecVersion() {
		return workflow.ErrStaleVersion
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = ?, current_step_id = ?, rec_version = ?, payload = ?, updated_at = ?
		WHERE instance_id = ? AND rec_version = ?`,
		instance.Status.String(), instance.CurrentStepID, currentVersion+1, payload, instance.UpdatedAt,
		instance.InstanceID, currentVersion)
	if err != nil {
		return fmt.Errorf("workflow/store: update: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return workflow.ErrStaleVersion
	}
	instance.SetRecVersion(currentVersion + 1)
	return nil
}

func (s *MySQLInstanceStore) Load(ctx context.Context, instanceID string) (*workflow.WorkflowInstance, error) {
	var payload string
	var recVersion int64
	err := s.db.QueryRowContext(ctx, `SELECT payload, rec_version FROM workflow_instances WHERE instance_id = ?`, instanceID).Scan(&payload, &recVersion)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workflow/store: load: %w", err)
	}
	inst, err := unmarshalInstance(payload)
	if err != nil {
		return nil, err
	}
	inst.SetRecVersion(recVersion)
	return inst, nil
}

func (s *MySQLInstanceStore) ListByStatus(ctx context.Context, status workflow.Status) ([]*workflow.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload, rec_version FROM workflow_instances WHERE status = ?`, status.String())
	if err != nil {
		return nil, fmt.Errorf("workflow/store: list: %w", err)
	}
	defer rows.Close()

	var out []*workflow.WorkflowInstance
	for rows.Next() {
		var payload string
		var recVersion int64
		if err := rows.Scan(&payload, &recVersion); err != nil {
			return nil, err
		}
		inst, err := unmarshalInstance(payload)
		if err != nil {
			return nil, err
		}
		inst.SetRecVersion(recVersion)
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *MySQLInstanceStore) SaveCheckpoint(ctx context.Context, label string, instance *workflow.WorkflowInstance) error {
	payload, err := marshalInstance(instance)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instance_checkpoints (label, payload) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload), created_at = CURRENT_TIMESTAMP`,
		label, payload)
	return err
}

func (s *MySQLInstanceStore) LoadCheckpoint(ctx context.Context, label string) (*workflow.WorkflowInstance, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM workflow_instance_checkpoints WHERE label = ?`, label).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workflow/store: load checkpoint: %w", err)
	}
	return unmarshalInstance(payload)
}

// SaveAsyncState persists one AsyncStepState transition, upserted by taskID.
func (s *MySQLInstanceStore) SaveAsyncState(ctx context.Context, state workflow.AsyncStepState) error {
	payload, err := json.Marshal(asyncStatePayload{
		TaskID:             state.TaskID,
		WorkflowInstanceID: state.WorkflowInstanceID,
		StepID:             state.StepID,
		State:              int(state.State),
		ImmediateData:      state.ImmediateData,
		ResultSnapshot:     state.ResultSnapshot,
		ErrorSnapshot:      state.ErrorSnapshot,
		CreatedAt:          state.CreatedAt,
		UpdatedAt:          state.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("workflow/store: marshal async state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_async_states (task_id, instance_id, step_id, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`,
		state.TaskID, state.WorkflowInstanceID, state.StepID, payload, state.UpdatedAt)
	return err
}

func (s *MySQLInstanceStore) LoadAsyncState(ctx context.Context, taskID string) (workflow.AsyncStepState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM workflow_async_states WHERE task_id = ?`, taskID).Scan(&payload)
	if err == sql.ErrNoRows {
		return workflow.AsyncStepState{}, workflow.ErrNotFound
	}
	if err != nil {
		return workflow.AsyncStepState{}, fmt.Errorf("workflow/store: load async state: %w", err)
	}
	return unmarshalAsyncState(payload)
}

func (s *MySQLInstanceStore) ListAsyncStateByInstance(ctx context.Context, instanceID string) ([]workflow.AsyncStepState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM workflow_async_states WHERE instance_id = ?`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("workflow/store: list async states: %w", err)
	}
	defer rows.Close()

	var out []workflow.AsyncStepState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		st, err := unmarshalAsyncState(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
