// Package remote defines the contract between the sync engine and the
// remote document store. Implementations wrap whatever transport the
// deployment uses; the engine only sees versioned document writes.
package remote

import "context"

// WriteStatus is the remote store's verdict on one write.
type WriteStatus string

const (
	// StatusOK means the document was applied and carries a new version.
	StatusOK WriteStatus = "ok"
	// StatusVersionConflict means the expected version did not match; the
	// server's current payload and version are returned.
	StatusVersionConflict WriteStatus = "version_conflict"
	// StatusRejected means the remote store refused the document
	// (validation); retrying the same payload cannot succeed.
	StatusRejected WriteStatus = "rejected"
)

// WriteRequest addresses one remote mutation. OperationID travels with the
// request so the remote store can no-op a replay it has already applied,
// which is what makes retries after ambiguous timeouts safe.
type WriteRequest struct {
	OperationID     string
	OwnerID         string
	Collection      string
	DocumentID      string
	Payload         []byte
	PayloadHash     string
	ExpectedVersion int64
}

// WriteResult is the remote store's response to a write.
type WriteResult struct {
	Status WriteStatus

	// NewVersion is set when Status is StatusOK.
	NewVersion int64

	// ServerPayload and ServerVersion are set when Status is
	// StatusVersionConflict.
	ServerPayload []byte
	ServerVersion int64

	// Reason is set when Status is StatusRejected.
	Reason string
}

// Store is the narrow interface the engine consumes. Transport failures
// and timeouts surface as errors; everything the store decided is
// expressed through WriteResult. Implementations must treat a replayed
// OperationID as already applied.
type Store interface {
	// PutDocument creates or updates a document under an optimistic
	// version check.
	PutDocument(ctx context.Context, req *WriteRequest) (*WriteResult, error)

	// DeleteDocument removes a document under an optimistic version check.
	DeleteDocument(ctx context.Context, req *WriteRequest) (*WriteResult, error)
}
