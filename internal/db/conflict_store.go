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

const conflictColumns = `id, operation_id, owner_id, collection, document_id, local_version,
	server_version, resolution, local_payload, server_payload, merged_payload,
	is_resolved, detected_at, resolved_at`

func scanConflict(row scanner) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	var merged []byte
	err := row.Scan(
		&rec.ID, &rec.OperationID, &rec.OwnerID, &rec.Collection, &rec.DocumentID,
		&rec.LocalVersion, &rec.ServerVersion, &rec.Resolution, &rec.LocalPayload,
		&rec.ServerPayload, &merged, &rec.IsResolved, &rec.DetectedAt, &rec.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if merged != nil {
		rec.MergedPayload = merged
	}
	return &rec, nil
}

// InsertConflict appends a conflict record. Records are write-once; a new
// divergence of the same document produces a new record.
func (s *Store) InsertConflict(ctx context.Context, ex Execer, rec *models.ConflictRecord) error {
	query := `
	INSERT INTO conflict_log (` + conflictColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var merged interface{}
	if rec.MergedPayload != nil {
		merged = []byte(rec.MergedPayload)
	}
	_, err := ex.ExecContext(ctx, query,
		rec.ID, rec.OperationID, rec.OwnerID, rec.Collection, rec.DocumentID,
		rec.LocalVersion, rec.ServerVersion, rec.Resolution, []byte(rec.LocalPayload),
		[]byte(rec.ServerPayload), merged, rec.IsResolved, rec.DetectedAt, rec.ResolvedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert conflict record", err)
	}
	return nil
}

// GetConflict retrieves one conflict record, scoped to its owner.
func (s *Store) GetConflict(ctx context.Context, ownerID string, id models.UUID) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_log WHERE owner_id = ? AND id = ?`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rec, err := scanConflict(stmt.QueryRowContext(ctx, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("conflict record %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load conflict record", err)
	}
	return rec, nil
}

// ListConflicts lists a tenant's conflict records, optionally only the
// unresolved ones, newest first.
func (s *Store) ListConflicts(ctx context.Context, ownerID string, unresolvedOnly bool, limit int) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_log WHERE owner_id = ?`
	if unresolvedOnly {
		query += ` AND is_resolved = 0`
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflict records", err)
	}
	defer rows.Close()

	var recs []*models.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CloseConflict sets the resolution fields of an unresolved record. A record
// already carrying resolved_at is immutable and the call fails.
func (s *Store) CloseConflict(ctx context.Context, ex Execer, ownerID string, id models.UUID, resolution models.Resolution, now int64) error {
	result, err := ex.ExecContext(ctx, `
		UPDATE conflict_log SET resolution = ?, is_resolved = 1, resolved_at = ?
		WHERE owner_id = ? AND id = ? AND resolved_at = 0`,
		resolution, now, ownerID, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to close conflict record", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound, "conflict record not found or already resolved")
	}
	return nil
}
