// Package models provides data model definitions for the shopsync engine.
package models

import (
	"encoding/json"
	"time"
)

// OperationType identifies the kind of remote mutation an operation carries.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// OperationStatus is the queue state machine state of an operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "PENDING"
	StatusInProgress OperationStatus = "IN_PROGRESS"
	StatusSynced     OperationStatus = "SYNCED"
	StatusFailed     OperationStatus = "FAILED"
	StatusRetry      OperationStatus = "RETRY"
	StatusDeadLetter OperationStatus = "DEAD_LETTER"
)

// Terminal reports whether the status is a terminal state.
func (s OperationStatus) Terminal() bool {
	return s == StatusSynced || s == StatusDeadLetter
}

// QueuedOperation is one pending mutation in the durable sync queue.
// The operation ID is a pure function of the logical mutation so that
// enqueuing the same mutation twice yields at most one queue row and at
// most one remote effect.
type QueuedOperation struct {
	OperationID      UUID            `db:"operation_id" json:"operation_id"`
	OwnerID          string          `db:"owner_id" json:"owner_id"`
	DeviceID         string          `db:"device_id" json:"device_id"`
	OperationType    OperationType   `db:"operation_type" json:"operation_type"`
	TargetCollection string          `db:"target_collection" json:"target_collection"`
	DocumentID       string          `db:"document_id" json:"document_id"`
	Payload          json.RawMessage `db:"payload" json:"payload"`
	PayloadHash      string          `db:"payload_hash" json:"payload_hash"`
	BaseVersion      int64           `db:"base_version" json:"base_version"`
	Status           OperationStatus `db:"status" json:"status"`
	RetryCount       int             `db:"retry_count" json:"retry_count"`
	LastError        string          `db:"last_error" json:"last_error,omitempty"`
	Priority         int             `db:"priority" json:"priority"`
	DependencyGroup  string          `db:"dependency_group" json:"dependency_group,omitempty"`
	StepNumber       int             `db:"step_number" json:"step_number"`
	TotalSteps       int             `db:"total_steps" json:"total_steps"`
	NextRetryAt      int64           `db:"next_retry_at" json:"next_retry_at"`
	CreatedAt        int64           `db:"created_at" json:"created_at"`
	FirstAttemptAt   int64           `db:"first_attempt_at" json:"first_attempt_at,omitempty"`
	LastAttemptAt    int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	SyncedAt         int64           `db:"synced_at" json:"synced_at,omitempty"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "sync_queue"
}

// Grouped reports whether the operation belongs to a dependency group.
func (o *QueuedOperation) Grouped() bool {
	return o.DependencyGroup != ""
}

// CreatedAtTime returns CreatedAt as time.Time.
func (o *QueuedOperation) CreatedAtTime() time.Time {
	return time.UnixMilli(o.CreatedAt)
}

// QueueCounts is a per-tenant snapshot of queue depth by state, used by
// status displays and metrics.
type QueueCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Retry      int `json:"retry"`
	Failed     int `json:"failed"`
	Synced     int `json:"synced"`
	DeadLetter int `json:"dead_letter"`
	Conflicts  int `json:"conflicts"`
}
