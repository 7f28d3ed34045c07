// Package txn provides the transaction coordinator that makes local row
// mutations and queue inserts commit or roll back as one unit.
package txn

import (
	"context"
	"database/sql"

	"github.com/dukantech/shopsync/internal/errors"
)

// Coordinator wraps multi-step local mutations in a single SQLite
// transaction. Queue insertion happens inside the same callback, so a
// partial failure leaves neither the mutated rows nor the queue entry
// behind.
type Coordinator struct {
	db *sql.DB
}

// New creates a Coordinator over the given database handle.
func New(db *sql.DB) *Coordinator {
	return &Coordinator{db: db}
}

// RunAtomic executes fn inside one transaction. An error from fn rolls the
// whole unit back and is returned unchanged; begin/commit failures are
// categorized as ATOMIC_COMMIT. Nothing is persisted on any failure.
func (c *Coordinator) RunAtomic(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrAtomicCommit, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrAtomicCommit, "failed to commit transaction", err)
	}
	return nil
}

// AtomicOp is one independent unit in a batch.
type AtomicOp struct {
	Name string
	Fn   func(tx *sql.Tx) error
}

// BatchResult reports the outcome of one batch member.
type BatchResult struct {
	Name string
	Err  error
}

// RunBatch executes a list of independent atomic operations. Each runs in
// its own transaction: one failing neither rolls back nor blocks the
// others. Results are returned in input order.
func (c *Coordinator) RunBatch(ctx context.Context, ops []AtomicOp) []BatchResult {
	results := make([]BatchResult, 0, len(ops))
	for _, op := range ops {
		err := c.RunAtomic(ctx, op.Fn)
		results = append(results, BatchResult{Name: op.Name, Err: err})
	}
	return results
}
