// Package db provides durable storage operations for the sync engine.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/dukantech/shopsync/internal/errors"
	"github.com/dukantech/shopsync/internal/models"
)

const operationColumns = `operation_id, owner_id, device_id, operation_type, target_collection,
	document_id, payload, payload_hash, base_version, status, retry_count, last_error,
	priority, dependency_group, step_number, total_steps, next_retry_at, created_at,
	first_attempt_at, last_attempt_at, synced_at`

// eligibleWhere selects operations ready for dispatch for one tenant:
// PENDING or RETRY, past their retry deadline, and for grouped operations
// only when every lower step is already SYNCED, no sibling is in flight and
// no sibling sits unresolved in the dead-letter queue. The dead-letter
// check keeps the tail of a half-failed group from replicating after its
// head was moved out of the queue; resurrecting the entry unblocks the
// group in step order.
const eligibleWhere = `
	q.owner_id = ?
	AND q.status IN ('PENDING', 'RETRY')
	AND q.next_retry_at <= ?
	AND (q.dependency_group IS NULL
		OR (NOT EXISTS (
			SELECT 1 FROM sync_queue p
			WHERE p.owner_id = q.owner_id
			  AND p.dependency_group = q.dependency_group
			  AND (p.status = 'IN_PROGRESS'
				   OR (p.step_number < q.step_number AND p.status <> 'SYNCED'))
		)
		AND NOT EXISTS (
			SELECT 1 FROM dead_letter_queue d
			WHERE d.owner_id = q.owner_id
			  AND d.dependency_group = q.dependency_group
			  AND d.is_resolved = 0
		)))`

// eligibleOrder ranks by effective priority with aging: every agingInterval
// of queue age buys one priority level, so a low-priority grouped operation
// cannot be starved indefinitely by newer high-priority work.
const eligibleOrder = `
	ORDER BY q.priority - ((? - q.created_at) / ?) ASC, q.created_at ASC, q.step_number ASC`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row scanner) (*models.QueuedOperation, error) {
	var op models.QueuedOperation
	var group sql.NullString
	err := row.Scan(
		&op.OperationID, &op.OwnerID, &op.DeviceID, &op.OperationType, &op.TargetCollection,
		&op.DocumentID, &op.Payload, &op.PayloadHash, &op.BaseVersion, &op.Status,
		&op.RetryCount, &op.LastError, &op.Priority, &group, &op.StepNumber,
		&op.TotalSteps, &op.NextRetryAt, &op.CreatedAt, &op.FirstAttemptAt,
		&op.LastAttemptAt, &op.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	if group.Valid {
		op.DependencyGroup = group.String
	}
	return &op, nil
}

// InsertOperation inserts a queue row. The deterministic primary key makes
// the insert idempotent: enqueuing the same logical mutation twice leaves
// exactly one row. Returns whether a new row was inserted.
func (s *Store) InsertOperation(ctx context.Context, ex Execer, op *models.QueuedOperation) (bool, error) {
	query := `
	INSERT OR IGNORE INTO sync_queue (` + operationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := ex.ExecContext(ctx, query,
		op.OperationID, op.OwnerID, op.DeviceID, op.OperationType, op.TargetCollection,
		op.DocumentID, []byte(op.Payload), op.PayloadHash, op.BaseVersion, op.Status,
		op.RetryCount, op.LastError, op.Priority, nullable(op.DependencyGroup),
		op.StepNumber, op.TotalSteps, op.NextRetryAt, op.CreatedAt,
		op.FirstAttemptAt, op.LastAttemptAt, op.SyncedAt,
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to insert operation", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetOperation retrieves one operation, scoped to its owner.
func (s *Store) GetOperation(ctx context.Context, ownerID string, opID models.UUID) (*models.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_queue WHERE owner_id = ? AND operation_id = ?`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	op, err := scanOperation(stmt.QueryRowContext(ctx, ownerID, opID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s not found", opID))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load operation", err)
	}
	return op, nil
}

// NextEligible returns up to limit dispatch-ready operations for a tenant in
// selection order. agingMillis is the priority-aging interval.
func (s *Store) NextEligible(ctx context.Context, ownerID string, now, agingMillis int64, limit int) ([]*models.QueuedOperation, error) {
	query := `SELECT ` + qualifiedOperationColumns() + ` FROM sync_queue q WHERE` +
		eligibleWhere + eligibleOrder + ` LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, ownerID, now, now, agingMillis, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query eligible operations", err)
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ClaimNext atomically selects the highest-ranked eligible operation and
// flips it to IN_PROGRESS. Returns nil when nothing is eligible. The select
// and the guarded update share one transaction, so two workers can never
// claim the same operation or two siblings of one dependency group.
func (s *Store) ClaimNext(ctx context.Context, ownerID string, now, agingMillis int64) (*models.QueuedOperation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin claim transaction", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + qualifiedOperationColumns() + ` FROM sync_queue q WHERE` +
		eligibleWhere + eligibleOrder + ` LIMIT 1`

	op, err := scanOperation(tx.QueryRowContext(ctx, query, ownerID, now, now, agingMillis))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to select eligible operation", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, last_attempt_at = ?,
			first_attempt_at = CASE WHEN first_attempt_at = 0 THEN ? ELSE first_attempt_at END
		WHERE owner_id = ? AND operation_id = ? AND status IN ('PENDING', 'RETRY')`,
		models.StatusInProgress, now, now, ownerID, op.OperationID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to claim operation", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Lost the claim race
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit claim", err)
	}

	op.Status = models.StatusInProgress
	op.LastAttemptAt = now
	if op.FirstAttemptAt == 0 {
		op.FirstAttemptAt = now
	}
	return op, nil
}

// ReleaseStaleClaims returns IN_PROGRESS rows claimed at or before cutoff
// to RETRY. A crash between claim and settle would otherwise strand the
// row (and block its dependency group) forever, since eligibility only
// admits PENDING and RETRY. Reports how many rows were released.
func (s *Store) ReleaseStaleClaims(ctx context.Context, ownerID string, cutoff int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?
		WHERE owner_id = ? AND status = ? AND last_attempt_at <= ?`,
		models.StatusRetry, ownerID, models.StatusInProgress, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to release stale claims", err)
	}
	return result.RowsAffected()
}

// MarkSynced transitions IN_PROGRESS -> SYNCED.
func (s *Store) MarkSynced(ctx context.Context, ex Execer, ownerID string, opID models.UUID, now int64) error {
	return s.transition(ctx, ex, `
		UPDATE sync_queue SET status = ?, synced_at = ?, last_error = ''
		WHERE owner_id = ? AND operation_id = ? AND status = ?`,
		models.StatusSynced, now, ownerID, opID, models.StatusInProgress)
}

// MarkRetry transitions IN_PROGRESS -> RETRY with the next attempt time.
func (s *Store) MarkRetry(ctx context.Context, ex Execer, ownerID string, opID models.UUID, nextRetryAt int64, lastErr string) error {
	return s.transition(ctx, ex, `
		UPDATE sync_queue SET status = ?, retry_count = retry_count + 1, last_error = ?, next_retry_at = ?
		WHERE owner_id = ? AND operation_id = ? AND status = ?`,
		models.StatusRetry, lastErr, nextRetryAt, ownerID, opID, models.StatusInProgress)
}

// MarkFailed transitions IN_PROGRESS -> FAILED. FAILED operations are not
// retried automatically; RequeueFailed is the manual path back to PENDING.
func (s *Store) MarkFailed(ctx context.Context, ex Execer, ownerID string, opID models.UUID, lastErr string) error {
	return s.transition(ctx, ex, `
		UPDATE sync_queue SET status = ?, retry_count = retry_count + 1, last_error = ?
		WHERE owner_id = ? AND operation_id = ? AND status = ?`,
		models.StatusFailed, lastErr, ownerID, opID, models.StatusInProgress)
}

// RequeueFailed transitions FAILED -> PENDING with a fresh attempt budget.
func (s *Store) RequeueFailed(ctx context.Context, ex Execer, ownerID string, opID models.UUID, now int64) error {
	return s.transition(ctx, ex, `
		UPDATE sync_queue SET status = ?, retry_count = 0, last_error = '', next_retry_at = ?
		WHERE owner_id = ? AND operation_id = ? AND status = ?`,
		models.StatusPending, now, ownerID, opID, models.StatusFailed)
}

// DeleteOperation removes a queue row, used by the dead-letter move.
func (s *Store) DeleteOperation(ctx context.Context, ex Execer, ownerID string, opID models.UUID) error {
	result, err := ex.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE owner_id = ? AND operation_id = ?`, ownerID, opID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete operation", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s not found", opID))
	}
	return nil
}

// ListOperationsByStatus lists a tenant's operations in one state.
func (s *Store) ListOperationsByStatus(ctx context.Context, ownerID string, status models.OperationStatus, limit int) ([]*models.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_queue
		WHERE owner_id = ? AND status = ? ORDER BY created_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, ownerID, status, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list operations", err)
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Counts returns the per-tenant queue/conflict/dead-letter snapshot.
func (s *Store) Counts(ctx context.Context, ownerID string) (*models.QueueCounts, error) {
	counts := &models.QueueCounts{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue WHERE owner_id = ? GROUP BY status`, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count queue", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.OperationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case models.StatusPending:
			counts.Pending = n
		case models.StatusInProgress:
			counts.InProgress = n
		case models.StatusRetry:
			counts.Retry = n
		case models.StatusFailed:
			counts.Failed = n
		case models.StatusSynced:
			counts.Synced = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflict_log WHERE owner_id = ? AND is_resolved = 0`, ownerID).
		Scan(&counts.Conflicts); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count conflicts", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE owner_id = ? AND is_resolved = 0`, ownerID).
		Scan(&counts.DeadLetter); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count dead letters", err)
	}

	return counts, nil
}

// transition runs a guarded UPDATE and reports an error when the operation
// was not in the expected source state.
func (s *Store) transition(ctx context.Context, ex Execer, query string, args ...interface{}) error {
	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update operation status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound, "operation not found in expected state")
	}
	return nil
}

// qualifiedOperationColumns prefixes every column with the queue alias used
// by the eligibility query.
func qualifiedOperationColumns() string {
	return `q.operation_id, q.owner_id, q.device_id, q.operation_type, q.target_collection,
	q.document_id, q.payload, q.payload_hash, q.base_version, q.status, q.retry_count, q.last_error,
	q.priority, q.dependency_group, q.step_number, q.total_steps, q.next_retry_at, q.created_at,
	q.first_attempt_at, q.last_attempt_at, q.synced_at`
}
