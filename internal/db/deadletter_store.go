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

const deadLetterColumns = `id, original_operation_id, owner_id, device_id, operation_type,
	target_collection, document_id, payload, payload_hash, base_version, priority,
	dependency_group, step_number, total_steps, failure_reason, total_attempts,
	first_attempt_at, last_attempt_at, moved_at, is_resolved, resolution_notes`

func scanDeadLetter(row scanner) (*models.DeadLetterEntry, error) {
	var entry models.DeadLetterEntry
	var group sql.NullString
	err := row.Scan(
		&entry.ID, &entry.OriginalOperationID, &entry.OwnerID, &entry.DeviceID,
		&entry.OperationType, &entry.TargetCollection, &entry.DocumentID, &entry.Payload,
		&entry.PayloadHash, &entry.BaseVersion, &entry.Priority, &group,
		&entry.StepNumber, &entry.TotalSteps, &entry.FailureReason, &entry.TotalAttempts,
		&entry.FirstAttemptAt, &entry.LastAttemptAt, &entry.MovedAt,
		&entry.IsResolved, &entry.ResolutionNotes,
	)
	if err != nil {
		return nil, err
	}
	if group.Valid {
		entry.DependencyGroup = group.String
	}
	return &entry, nil
}

// InsertDeadLetter appends a dead-letter entry with the full original
// operation context.
func (s *Store) InsertDeadLetter(ctx context.Context, ex Execer, entry *models.DeadLetterEntry) error {
	query := `
	INSERT INTO dead_letter_queue (` + deadLetterColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ex.ExecContext(ctx, query,
		entry.ID, entry.OriginalOperationID, entry.OwnerID, entry.DeviceID,
		entry.OperationType, entry.TargetCollection, entry.DocumentID, []byte(entry.Payload),
		entry.PayloadHash, entry.BaseVersion, entry.Priority, nullable(entry.DependencyGroup),
		entry.StepNumber, entry.TotalSteps, entry.FailureReason, entry.TotalAttempts,
		entry.FirstAttemptAt, entry.LastAttemptAt, entry.MovedAt,
		entry.IsResolved, entry.ResolutionNotes,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert dead-letter entry", err)
	}
	return nil
}

// GetDeadLetter retrieves one entry, scoped to its owner.
func (s *Store) GetDeadLetter(ctx context.Context, ownerID string, id models.UUID) (*models.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_queue WHERE owner_id = ? AND id = ?`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	entry, err := scanDeadLetter(stmt.QueryRowContext(ctx, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead-letter entry %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load dead-letter entry", err)
	}
	return entry, nil
}

// ListDeadLetters lists a tenant's dead-letter entries, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, ownerID string, unresolvedOnly bool, limit int) ([]*models.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_queue WHERE owner_id = ?`
	if unresolvedOnly {
		query += ` AND is_resolved = 0`
	}
	query += ` ORDER BY moved_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list dead-letter entries", err)
	}
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ResolveDeadLetter records the manual resolution metadata. Only the
// resolution fields are mutable on a dead-letter entry.
func (s *Store) ResolveDeadLetter(ctx context.Context, ex Execer, ownerID string, id models.UUID, notes string) error {
	result, err := ex.ExecContext(ctx, `
		UPDATE dead_letter_queue SET is_resolved = 1, resolution_notes = ?
		WHERE owner_id = ? AND id = ? AND is_resolved = 0`,
		notes, ownerID, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to resolve dead-letter entry", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound, "dead-letter entry not found or already resolved")
	}
	return nil
}
