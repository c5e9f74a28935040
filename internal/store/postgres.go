package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const instanceColumns = `saga_id, correlation_id, definition, status, current_step,
	       cancel_requested, resume_attempts, failure_reason, input, steps,
	       version, create_time_ms, update_time_ms`

// PostgresStore 基于 PostgreSQL 的实例存储
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建存储
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InitSchema 初始化表结构
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, CreateTableSQL)
	return err
}

// Create 写入 SAGA_STARTED 事件并建立快照
func (s *PostgresStore) Create(ctx context.Context, ev Event) (*Instance, error) {
	inst, err := Fold(nil, ev)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}

	steps, err := json.Marshal(inst.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		INSERT INTO saga.instances
		(saga_id, correlation_id, definition, status, current_step, cancel_requested,
		 resume_attempts, failure_reason, input, steps, version, create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = tx.ExecContext(ctx, query,
		inst.SagaID, inst.CorrelationID, inst.Definition, string(inst.Status),
		inst.CurrentStep, inst.CancelRequested, inst.ResumeAttempts, inst.FailureReason,
		nullJSON(inst.Input), steps, inst.Version, inst.CreateTimeMs, inst.UpdateTimeMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCorrelation
		}
		return nil, fmt.Errorf("insert instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inst, nil
}

// Append 追加事件并推进快照（乐观并发控制）
func (s *PostgresStore) Append(ctx context.Context, expectedVersion int64, ev Event) (*Instance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + instanceColumns + `
		FROM saga.instances
		WHERE saga_id = $1
		FOR UPDATE
	`
	inst, err := scanInstance(tx.QueryRowContext(ctx, query, ev.SagaID))
	if err != nil {
		return nil, err
	}
	if inst.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next, err := Fold(inst, ev)
	if err != nil {
		return nil, err
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}

	steps, err := json.Marshal(next.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}

	update := `
		UPDATE saga.instances
		SET status = $1, current_step = $2, cancel_requested = $3, resume_attempts = $4,
		    failure_reason = $5, steps = $6, version = $7, update_time_ms = $8
		WHERE saga_id = $9 AND version = $10
	`
	result, err := tx.ExecContext(ctx, update,
		string(next.Status), next.CurrentStep, next.CancelRequested, next.ResumeAttempts,
		next.FailureReason, steps, next.Version, next.UpdateTimeMs,
		next.SagaID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update instance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// Get 获取实例快照
func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM saga.instances
		WHERE saga_id = $1
	`
	return scanInstance(s.db.QueryRowContext(ctx, query, sagaID))
}

// GetByCorrelationID 通过 correlationId 获取实例
func (s *PostgresStore) GetByCorrelationID(ctx context.Context, correlationID string) (*Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM saga.instances
		WHERE correlation_id = $1
	`
	return scanInstance(s.db.QueryRowContext(ctx, query, correlationID))
}

// Events 读取完整事件日志
func (s *PostgresStore) Events(ctx context.Context, sagaID string) ([]Event, error) {
	query := `
		SELECT saga_id, version, type, step, payload, reason, create_time_ms
		FROM saga.events
		WHERE saga_id = $1
		ORDER BY version ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.SagaID, &ev.Version, &ev.Type, &ev.Step, &payload, &ev.Reason, &ev.CreateTimeMs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrSagaNotFound
	}
	return events, nil
}

// List 按状态列出实例
func (s *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + instanceColumns + `
		FROM saga.instances
	`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY update_time_ms DESC LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY update_time_ms DESC LIMIT $1`
		args = append(args, limit)
	}

	return s.queryInstances(ctx, query, args...)
}

// ListStuck 列出活跃但长时间未推进的实例
func (s *PostgresStore) ListStuck(ctx context.Context, updatedBeforeMs int64, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + instanceColumns + `
		FROM saga.instances
		WHERE status IN ('STARTED', 'STEP_RUNNING', 'COMPENSATING')
		  AND update_time_ms < $1
		ORDER BY update_time_ms ASC
		LIMIT $2
	`
	return s.queryInstances(ctx, query, updatedBeforeMs, limit)
}

// CountByStatus 按状态统计
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM saga.instances GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// DeleteTerminalBefore 清理早于指定时间进入终态的实例及其事件日志
func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, beforeMs int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	deleteEvents := `
		DELETE FROM saga.events
		WHERE saga_id IN (
			SELECT saga_id FROM saga.instances
			WHERE status IN ('COMPLETED', 'COMPENSATED') AND update_time_ms < $1
		)
	`
	if _, err := tx.ExecContext(ctx, deleteEvents, beforeMs); err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}

	deleteInstances := `
		DELETE FROM saga.instances
		WHERE status IN ('COMPLETED', 'COMPENSATED') AND update_time_ms < $1
	`
	result, err := tx.ExecContext(ctx, deleteInstances, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("delete instances: %w", err)
	}
	deleted, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var status string
	var input, steps []byte
	err := row.Scan(
		&inst.SagaID, &inst.CorrelationID, &inst.Definition, &status, &inst.CurrentStep,
		&inst.CancelRequested, &inst.ResumeAttempts, &inst.FailureReason, &input, &steps,
		&inst.Version, &inst.CreateTimeMs, &inst.UpdateTimeMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("scan instance: %w", err)
	}

	inst.Status = Status(status)
	inst.Input = input
	if err := json.Unmarshal(steps, &inst.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return &inst, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev Event) error {
	query := `
		INSERT INTO saga.events (saga_id, version, type, step, payload, reason, create_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.ExecContext(ctx, query,
		ev.SagaID, ev.Version, string(ev.Type), ev.Step, nullJSON(ev.Payload), ev.Reason, ev.CreateTimeMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nullJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
