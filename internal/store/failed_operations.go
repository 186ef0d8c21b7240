package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"logging-server/internal/metadata"
)

const failedOperationColumns = `id, operation_type, payload, retry_count, max_retries, next_retry_at,
	status, last_error, resolved_at, created_at`

// InsertFailedOperation queues a unit of work for replay.
func (s *Store) InsertFailedOperation(ctx context.Context, op *metadata.FailedOperation) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Status == "" {
		op.Status = metadata.OperationQueued
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.NextRetryAt.IsZero() {
		op.NextRetryAt = op.CreatedAt
	}
	pb := s.Dialect.NewParamBuilder()
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO _failed_operations (id, operation_type, payload, retry_count, max_retries,
		 next_retry_at, status, last_error, created_at, updated_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(op.ID), pb.Add(op.OperationType), pb.Add(op.Payload), pb.Add(op.RetryCount),
			pb.Add(op.MaxRetries), pb.Add(s.Dialect.TimeParam(op.NextRetryAt)), pb.Add(op.Status),
			pb.Add(op.LastError), pb.Add(s.Dialect.TimeParam(op.CreatedAt)), pb.Add(s.Dialect.TimeParam(op.CreatedAt))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert failed operation: %w", s.Dialect.MapError(err))
	}
	return nil
}

// GetFailedOperation loads one failed operation by id.
func (s *Store) GetFailedOperation(ctx context.Context, id string) (*metadata.FailedOperation, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM _failed_operations WHERE id = %s", failedOperationColumns, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	return scanFailedOperation(row), nil
}

// ListDueFailedOperations returns queued operations whose next_retry_at has
// elapsed, oldest first.
func (s *Store) ListDueFailedOperations(ctx context.Context, now time.Time, limit int) ([]*metadata.FailedOperation, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf(`SELECT %s FROM _failed_operations
		 WHERE status = %s AND next_retry_at <= %s
		 ORDER BY next_retry_at ASC
		 LIMIT %s`,
			failedOperationColumns, pb.Add(metadata.OperationQueued), pb.Add(s.Dialect.TimeParam(now)), pb.Add(limit)),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list due failed operations: %w", err)
	}
	return scanFailedOperations(rows), nil
}

// ListFailedOperations returns the newest operations, optionally filtered by status.
func (s *Store) ListFailedOperations(ctx context.Context, status string, limit int) ([]*metadata.FailedOperation, error) {
	pb := s.Dialect.NewParamBuilder()
	where := ""
	if status != "" {
		where = " WHERE status = " + pb.Add(status)
	}
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM _failed_operations%s ORDER BY created_at DESC LIMIT %s",
			failedOperationColumns, where, pb.Add(limit)),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list failed operations: %w", err)
	}
	return scanFailedOperations(rows), nil
}

// MarkFailedOperationSucceeded moves an operation to its terminal success state.
func (s *Store) MarkFailedOperationSucceeded(ctx context.Context, id string, at time.Time) error {
	pb := s.Dialect.NewParamBuilder()
	ts := s.Dialect.TimeParam(at)
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf("UPDATE _failed_operations SET status = %s, resolved_at = %s, updated_at = %s WHERE id = %s",
			pb.Add(metadata.OperationSucceeded), pb.Add(ts), pb.Add(ts), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("mark failed operation %s succeeded: %w", id, err)
	}
	return nil
}

// RescheduleFailedOperation records a retry outcome: the new retry count,
// next due time, status (queued or abandoned) and last error.
func (s *Store) RescheduleFailedOperation(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, status, lastError string) error {
	pb := s.Dialect.NewParamBuilder()
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf(`UPDATE _failed_operations
		 SET retry_count = %s, next_retry_at = %s, status = %s, last_error = %s, updated_at = %s
		 WHERE id = %s`,
			pb.Add(retryCount), pb.Add(s.Dialect.TimeParam(nextRetryAt)), pb.Add(status),
			pb.Add(lastError), pb.Add(s.Dialect.TimeParam(time.Now())), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("reschedule failed operation %s: %w", id, err)
	}
	return nil
}

// RequeueFailedOperation makes a non-succeeded operation due at the given time.
func (s *Store) RequeueFailedOperation(ctx context.Context, id string, at time.Time) error {
	pb := s.Dialect.NewParamBuilder()
	ts := s.Dialect.TimeParam(at)
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf(`UPDATE _failed_operations SET status = %s, next_retry_at = %s, updated_at = %s
		 WHERE id = %s AND status <> %s`,
			pb.Add(metadata.OperationQueued), pb.Add(ts), pb.Add(ts), pb.Add(id), pb.Add(metadata.OperationSucceeded)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("requeue failed operation %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanFailedOperations(rows []map[string]any) []*metadata.FailedOperation {
	ops := make([]*metadata.FailedOperation, 0, len(rows))
	for _, row := range rows {
		ops = append(ops, scanFailedOperation(row))
	}
	return ops
}

func scanFailedOperation(row map[string]any) *metadata.FailedOperation {
	op := &metadata.FailedOperation{
		ID:            toString(row["id"]),
		OperationType: toString(row["operation_type"]),
		Payload:       toString(row["payload"]),
		RetryCount:    toInt(row["retry_count"]),
		MaxRetries:    toInt(row["max_retries"]),
		Status:        toString(row["status"]),
		LastError:     toString(row["last_error"]),
		ResolvedAt:    toTimePtr(row["resolved_at"]),
	}
	if t, ok := toTime(row["next_retry_at"]); ok {
		op.NextRetryAt = t
	}
	if t, ok := toTime(row["created_at"]); ok {
		op.CreatedAt = t
	}
	return op
}
