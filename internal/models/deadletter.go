// Package models provides data model definitions for the shopsync engine.
package models

import (
	"encoding/json"
	"time"
)

// DeadLetterEntry is the terminal failure record for an operation that
// exhausted its retries. The entry keeps the full original context so the
// operation can be diagnosed and resurrected manually. Only the resolution
// fields are mutable after creation.
type DeadLetterEntry struct {
	ID                  UUID            `db:"id" json:"id"`
	OriginalOperationID UUID            `db:"original_operation_id" json:"original_operation_id"`
	OwnerID             string          `db:"owner_id" json:"owner_id"`
	DeviceID            string          `db:"device_id" json:"device_id"`
	OperationType       OperationType   `db:"operation_type" json:"operation_type"`
	TargetCollection    string          `db:"target_collection" json:"target_collection"`
	DocumentID          string          `db:"document_id" json:"document_id"`
	Payload             json.RawMessage `db:"payload" json:"payload"`
	PayloadHash         string          `db:"payload_hash" json:"payload_hash"`
	BaseVersion         int64           `db:"base_version" json:"base_version"`
	Priority            int             `db:"priority" json:"priority"`
	DependencyGroup     string          `db:"dependency_group" json:"dependency_group,omitempty"`
	StepNumber          int             `db:"step_number" json:"step_number"`
	TotalSteps          int             `db:"total_steps" json:"total_steps"`
	FailureReason       string          `db:"failure_reason" json:"failure_reason"`
	TotalAttempts       int             `db:"total_attempts" json:"total_attempts"`
	FirstAttemptAt      int64           `db:"first_attempt_at" json:"first_attempt_at"`
	LastAttemptAt       int64           `db:"last_attempt_at" json:"last_attempt_at"`
	MovedAt             int64           `db:"moved_at" json:"moved_at"`
	IsResolved          bool            `db:"is_resolved" json:"is_resolved"`
	ResolutionNotes     string          `db:"resolution_notes" json:"resolution_notes,omitempty"`
}

// TableName returns the table name for DeadLetterEntry.
func (DeadLetterEntry) TableName() string {
	return "dead_letter_queue"
}

// MovedAtTime returns MovedAt as time.Time.
func (d *DeadLetterEntry) MovedAtTime() time.Time {
	return time.UnixMilli(d.MovedAt)
}

// ToOperation rebuilds a fresh PENDING operation from the stored context.
// The deterministic operation ID is preserved; the attempt history is not.
func (d *DeadLetterEntry) ToOperation(now int64) *QueuedOperation {
	return &QueuedOperation{
		OperationID:      d.OriginalOperationID,
		OwnerID:          d.OwnerID,
		DeviceID:         d.DeviceID,
		OperationType:    d.OperationType,
		TargetCollection: d.TargetCollection,
		DocumentID:       d.DocumentID,
		Payload:          d.Payload,
		PayloadHash:      d.PayloadHash,
		BaseVersion:      d.BaseVersion,
		Status:           StatusPending,
		Priority:         d.Priority,
		DependencyGroup:  d.DependencyGroup,
		StepNumber:       d.StepNumber,
		TotalSteps:       d.TotalSteps,
		NextRetryAt:      now,
		CreatedAt:        now,
	}
}
