// Package models provides data model definitions for the shopsync engine.
package models

import (
	"encoding/json"
	"time"
)

// Audit actions recorded by the engine.
const (
	AuditActionSynced       = "synced"
	AuditActionConflict     = "conflict"
	AuditActionRejected     = "rejected"
	AuditActionDeadLettered = "dead_lettered"
	AuditActionResurrected  = "resurrected"
	AuditActionRequeued     = "requeued"
)

// AuditEntry is one link in the tamper-evident audit chain. CurrentHash is
// computed over PreviousHash plus the canonical serialization of the entry
// without its hash fields, so any retroactive edit breaks the chain from
// that entry onward.
type AuditEntry struct {
	Seq          int64           `db:"seq" json:"seq"`
	OwnerID      string          `db:"owner_id" json:"owner_id"`
	Action       string          `db:"action" json:"action"`
	TargetTable  string          `db:"target_table" json:"target_table"`
	RecordID     string          `db:"record_id" json:"record_id"`
	OldValue     json.RawMessage `db:"old_value" json:"old_value,omitempty"`
	NewValue     json.RawMessage `db:"new_value" json:"new_value,omitempty"`
	DeviceID     string          `db:"device_id" json:"device_id"`
	Timestamp    int64           `db:"timestamp" json:"timestamp"`
	PreviousHash string          `db:"previous_hash" json:"previous_hash"`
	CurrentHash  string          `db:"current_hash" json:"current_hash"`
}

// TableName returns the table name for AuditEntry.
func (AuditEntry) TableName() string {
	return "audit_log"
}

// Time returns the Timestamp as time.Time.
func (a *AuditEntry) Time() time.Time {
	return time.UnixMilli(a.Timestamp)
}
