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

// UpsertDocument writes a shadow copy of a remote document. Last write wins
// on the (owner, collection, document) key.
func (s *Store) UpsertDocument(ctx context.Context, ex Execer, ownerID, collection, documentID string, payload []byte, version int64, isDeleted bool, now int64) error {
	query := `
	INSERT INTO local_documents (owner_id, collection, document_id, payload, version, is_deleted, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (owner_id, collection, document_id) DO UPDATE SET
		payload = excluded.payload,
		version = excluded.version,
		is_deleted = excluded.is_deleted,
		updated_at = excluded.updated_at
	`
	deleted := 0
	if isDeleted {
		deleted = 1
	}
	_, err := ex.ExecContext(ctx, query, ownerID, collection, documentID, payload, version, deleted, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to upsert local document", err)
	}
	return nil
}

// GetDocument reads a shadow document.
func (s *Store) GetDocument(ctx context.Context, ownerID, collection, documentID string) (*models.Document, error) {
	query := `SELECT document_id, payload, version, is_deleted, updated_at
		FROM local_documents WHERE owner_id = ? AND collection = ? AND document_id = ?`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var doc models.Document
	var deleted int
	err = stmt.QueryRowContext(ctx, ownerID, collection, documentID).
		Scan(&doc.ID, &doc.Body, &doc.Version, &deleted, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("document %s/%s not found", collection, documentID))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load local document", err)
	}
	doc.IsDeleted = deleted != 0
	return &doc, nil
}

// DocumentCache adapts the shadow document table to the conflict
// resolver's cache contract.
type DocumentCache struct {
	store *Store
	now   func() int64
}

// NewDocumentCache creates a DocumentCache.
func NewDocumentCache(store *Store, now func() int64) *DocumentCache {
	return &DocumentCache{store: store, now: now}
}

// ApplyRemote overwrites the local shadow copy with server state inside the
// caller's transaction. An empty payload records a remote deletion.
func (c *DocumentCache) ApplyRemote(ctx context.Context, tx Execer, ownerID, collection, documentID string, payload []byte, version int64) error {
	deleted := len(payload) == 0
	if deleted {
		payload = []byte("null")
	}
	return c.store.UpsertDocument(ctx, tx, ownerID, collection, documentID, payload, version, deleted, c.now())
}
