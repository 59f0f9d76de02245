// Package store provides persistence implementations for workflow.Engine:
// an in-memory default lives in the workflow package itself; SQLite and
// MySQL backends for production use live here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowloom/wfengine/workflow"
)

// SQLiteInstanceStore is a SQLite-backed workflow.InstanceRepository and
// workflow.AsyncStateRepository. Adapted from the teacher's
// graph/store.SQLiteStore: same WAL-mode, single-writer connection setup
// and auto-migrated schema, generalized from a generic-state step-history
// table to one row per WorkflowInstance plus a labeled-checkpoint table and
// an async-task-state table, with the optimistic-concurrency CAS the
// teacher's Store[S] never needed (MemStore/SQLiteStore there never exposed
// concurrent writers racing on the same run).
//
// Designed for single-process workflows needing restart durability;
// suitable for development and small production deployments. For
// multi-writer production use, see MySQLInstanceStore.
type SQLiteInstanceStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// NewSQLiteInstanceStore opens (creating if necessary) a SQLite database at
// path and migrates its schema. Pass ":memory:" for an ephemeral store
// useful in tests that still want to exercise the SQL code path.
func NewSQLiteInstanceStore(path string) (*SQLiteInstanceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("workflow/store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("workflow/store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteInstanceStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			instance_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			current_step_id TEXT NOT NULL,
			rec_version INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON workflow_instances(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_instance_checkpoints (
			label TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_async_states (
			task_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_async_states_instance ON workflow_async_states(instance_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("workflow/store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteInstanceStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteInstanceStore) Save(ctx context.Context, instance *workflow.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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

func (s *SQLiteInstanceStore) Load(ctx context.Context, instanceID string) (*workflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

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

func (s *SQLiteInstanceStore) ListByStatus(ctx context.Context, status workflow.Status) ([]*workflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

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

func (s *SQLiteInstanceStore) SaveCheckpoint(ctx context.Context, label string, instance *workflow.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := marshalInstance(instance)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instance_checkpoints (label, payload) VALUES (?, ?)
		ON CONFLICT(label) DO UPDATE SET payload = excluded.payload, created_at = CURRENT_TIMESTAMP`,
		label, payload)
	return err
}

func (s *SQLiteInstanceStore) LoadCheckpoint(ctx context.Context, label string) (*workflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

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

// SaveAsyncState persists one AsyncStepState transition (C5/C7), upserted by
// taskID so repeated progress transitions overwrite the same row.
func (s *SQLiteInstanceStore) SaveAsyncState(ctx context.Context, state workflow.AsyncStepState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		ON CONFLICT(task_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		state.TaskID, state.WorkflowInstanceID, state.StepID, payload, state.UpdatedAt)
	return err
}

func (s *SQLiteInstanceStore) LoadAsyncState(ctx context.Context, taskID string) (workflow.AsyncStepState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

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

func (s *SQLiteInstanceStore) ListAsyncStateByInstance(ctx context.Context, instanceID string) ([]workflow.AsyncStepState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

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

// instancePayload is the JSON-serializable mirror of a WorkflowInstance,
// since WorkflowInstance's unexported fields (recVersion) and
// reflect.Type-valued fields (SuspensionData.NextInputClass,
// OriginalStepInputType) are not directly marshalable. Type fields are
// recorded by name only, for diagnostics, and come back nil after a reload;
// the engine's Resume skips the assignability check when NextInputClass is
// nil — see DESIGN.md for the full rationale.
type instancePayload struct {
	InstanceID    string                     `json:"instanceId"`
	WorkflowID    string                     `json:"workflowId"`
	Version       int                        `json:"version"`
	Status        int                        `json:"status"`
	CurrentStepID string                     `json:"currentStepId"`
	RecVersion    int64                      `json:"recVersion"`
	ErrorInfo     *workflow.ErrorInfo        `json:"errorInfo,omitempty"`
	Suspension    *suspensionPayload         `json:"suspension,omitempty"`
	Context       contextPayload             `json:"context"`
	CreatedAt     time.Time                  `json:"createdAt"`
	UpdatedAt     time.Time                  `json:"updatedAt"`
}

type suspensionPayload struct {
	PromptToUser          string         `json:"promptToUser"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	OriginalStepInput     any            `json:"originalStepInput,omitempty"`
	OriginalStepInputType string         `json:"originalStepInputType,omitempty"`
	SuspendedStepID       string         `json:"suspendedStepId"`
	NextInputClassName    string         `json:"nextInputClassName,omitempty"`
}

// contextPayload is the serializable mirror of workflow.WorkflowContext,
// built from its exported SnapshotContext/ContextFromSnapshot pair so the store package
// never needs access to the context's private fields.
type contextPayload struct {
	StepOutputs     map[string]any `json:"stepOutputs"`
	StepOutputOrder []string       `json:"stepOutputOrder"`
	ContextValues   map[string]any `json:"contextValues"`
	TriggerData     any            `json:"triggerData"`
}

type asyncStatePayload struct {
	TaskID             string    `json:"taskId"`
	WorkflowInstanceID string    `json:"workflowInstanceId"`
	StepID             string    `json:"stepId"`
	State              int       `json:"state"`
	ImmediateData      any       `json:"immediateData,omitempty"`
	ResultSnapshot     any       `json:"resultSnapshot,omitempty"`
	ErrorSnapshot      string    `json:"errorSnapshot,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func marshalInstance(instance *workflow.WorkflowInstance) (string, error) {
	snap := workflow.SnapshotContext(instance.Context)
	p := instancePayload{
		InstanceID:    instance.InstanceID,
		WorkflowID:    instance.WorkflowID,
		Version:       instance.Version,
		Status:        int(instance.Status),
		CurrentStepID: instance.CurrentStepID,
		RecVersion:    instance.RecVersion(),
		ErrorInfo:     instance.ErrorInfo,
		Context: contextPayload{
			StepOutputs:     snap.StepOutputs,
			StepOutputOrder: snap.StepOutputOrder,
			ContextValues:   snap.ContextValues,
			TriggerData:     snap.TriggerData,
		},
		CreatedAt: instance.CreatedAt,
		UpdatedAt: instance.UpdatedAt,
	}
	if instance.Suspension != nil {
		sp := &suspensionPayload{
			PromptToUser:      instance.Suspension.PromptToUser,
			Metadata:          instance.Suspension.Metadata,
			OriginalStepInput: instance.Suspension.OriginalStepInput,
			SuspendedStepID:   instance.Suspension.SuspendedStepID,
		}
		if instance.Suspension.OriginalStepInputType != nil {
			sp.OriginalStepInputType = instance.Suspension.OriginalStepInputType.String()
		}
		if instance.Suspension.NextInputClass != nil {
			sp.NextInputClassName = instance.Suspension.NextInputClass.String()
		}
		p.Suspension = sp
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("workflow/store: marshal instance: %w", err)
	}
	return string(b), nil
}

func unmarshalInstance(payload string) (*workflow.WorkflowInstance, error) {
	var p instancePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("workflow/store: unmarshal instance: %w", err)
	}
	inst := &workflow.WorkflowInstance{
		InstanceID:    p.InstanceID,
		WorkflowID:    p.WorkflowID,
		Version:       p.Version,
		Status:        workflow.Status(p.Status),
		CurrentStepID: p.CurrentStepID,
		ErrorInfo:     p.ErrorInfo,
		Context: workflow.ContextFromSnapshot(workflow.ContextSnapshot{
			StepOutputs:     p.Context.StepOutputs,
			StepOutputOrder: p.Context.StepOutputOrder,
			ContextValues:   p.Context.ContextValues,
			TriggerData:     p.Context.TriggerData,
		}),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Suspension != nil {
		inst.Suspension = &workflow.SuspensionData{
			PromptToUser:      p.Suspension.PromptToUser,
			Metadata:          p.Suspension.Metadata,
			OriginalStepInput: p.Suspension.OriginalStepInput,
			SuspendedStepID:   p.Suspension.SuspendedStepID,
		}
	}
	// Baseline from the payload; Load/ListByStatus override this immediately
	// after with the authoritative rec_version table column. For a checkpoint
	// (which has no such column) the payload value is the only source.
	inst.SetRecVersion(p.RecVersion)
	return inst, nil
}

func unmarshalAsyncState(payload string) (workflow.AsyncStepState, error) {
	var p asyncStatePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return workflow.AsyncStepState{}, fmt.Errorf("workflow/store: unmarshal async state: %w", err)
	}
	return workflow.AsyncStepState{
		TaskID:             p.TaskID,
		WorkflowInstanceID: p.WorkflowInstanceID,
		StepID:             p.StepID,
		State:              workflow.AsyncStatus(p.State),
		ImmediateData:      p.ImmediateData,
		ResultSnapshot:     p.ResultSnapshot,
		ErrorSnapshot:      p.ErrorSnapshot,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}, nil
}
