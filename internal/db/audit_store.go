// Package db provides durable storage operations for the sync engine.
package db

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/dukantech/shopsync/internal/errors"
	"github.com/dukantech/shopsync/internal/models"
)

const auditColumns = `seq, owner_id, action, target_table, record_id, old_value, new_value,
	device_id, timestamp, previous_hash, current_hash`

func scanAuditEntry(row scanner) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	var oldValue, newValue []byte
	err := row.Scan(
		&entry.Seq, &entry.OwnerID, &entry.Action, &entry.TargetTable, &entry.RecordID,
		&oldValue, &newValue, &entry.DeviceID, &entry.Timestamp,
		&entry.PreviousHash, &entry.CurrentHash,
	)
	if err != nil {
		return nil, err
	}
	if oldValue != nil {
		entry.OldValue = oldValue
	}
	if newValue != nil {
		entry.NewValue = newValue
	}
	return &entry, nil
}

// ChainHead returns the newest audit entry for a tenant, or nil for an
// empty chain. Callers appending must read the head inside the same
// transaction as the insert.
func (s *Store) ChainHead(ctx context.Context, ex Execer, ownerID string) (*models.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log
		WHERE owner_id = ? ORDER BY seq DESC LIMIT 1`

	entry, err := scanAuditEntry(ex.QueryRowContext(ctx, query, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load audit chain head", err)
	}
	return entry, nil
}

// InsertAuditEntry appends one pre-hashed entry to the log and fills in the
// assigned sequence number.
func (s *Store) InsertAuditEntry(ctx context.Context, ex Execer, entry *models.AuditEntry) error {
	query := `
	INSERT INTO audit_log (owner_id, action, target_table, record_id, old_value, new_value,
		device_id, timestamp, previous_hash, current_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var oldValue, newValue interface{}
	if entry.OldValue != nil {
		oldValue = []byte(entry.OldValue)
	}
	if entry.NewValue != nil {
		newValue = []byte(entry.NewValue)
	}

	result, err := ex.ExecContext(ctx, query,
		entry.OwnerID, entry.Action, entry.TargetTable, entry.RecordID, oldValue, newValue,
		entry.DeviceID, entry.Timestamp, entry.PreviousHash, entry.CurrentHash,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert audit entry", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	entry.Seq = seq
	return nil
}

// ListAuditRange returns a tenant's audit entries with fromSeq <= seq <=
// toSeq in chain order. toSeq <= 0 means "to the head".
func (s *Store) ListAuditRange(ctx context.Context, ownerID string, fromSeq, toSeq int64) ([]*models.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE owner_id = ? AND seq >= ?`
	args := []interface{}{ownerID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list audit entries", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
