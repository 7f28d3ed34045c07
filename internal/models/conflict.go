// Package models provides data model definitions for the shopsync engine.
package models

import (
	"encoding/json"
	"time"
)

// Resolution identifies how a version conflict was (or is to be) settled.
type Resolution string

const (
	ResolutionServerWins Resolution = "SERVER_WINS"
	ResolutionLocalWins  Resolution = "LOCAL_WINS"
	ResolutionMerged     Resolution = "MERGED"
	ResolutionManual     Resolution = "MANUAL"
)

// ConflictRecord captures a divergence between the local and remote version
// of a document. A record is immutable once ResolvedAt is set; re-resolving
// the same divergence inserts a new record.
type ConflictRecord struct {
	ID            UUID            `db:"id" json:"id"`
	OperationID   UUID            `db:"operation_id" json:"operation_id"`
	OwnerID       string          `db:"owner_id" json:"owner_id"`
	Collection    string          `db:"collection" json:"collection"`
	DocumentID    string          `db:"document_id" json:"document_id"`
	LocalVersion  int64           `db:"local_version" json:"local_version"`
	ServerVersion int64           `db:"server_version" json:"server_version"`
	Resolution    Resolution      `db:"resolution" json:"resolution"`
	LocalPayload  json.RawMessage `db:"local_payload" json:"local_payload"`
	ServerPayload json.RawMessage `db:"server_payload" json:"server_payload"`
	MergedPayload json.RawMessage `db:"merged_payload" json:"merged_payload,omitempty"`
	IsResolved    bool            `db:"is_resolved" json:"is_resolved"`
	DetectedAt    int64           `db:"detected_at" json:"detected_at"`
	ResolvedAt    int64           `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
