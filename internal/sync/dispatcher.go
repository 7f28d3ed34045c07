package sync

import (
	"context"
	"database/sql"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/dukantech/shopsync/internal/codec"
	"github.com/dukantech/shopsync/internal/errors"
	"github.com/dukantech/shopsync/internal/models"
	"github.com/dukantech/shopsync/internal/sync/remote"
)

// RunSummary reports what one sync run did.
type RunSummary struct {
	Succeeded    int `json:"succeeded"`
	Conflicted   int `json:"conflicted"`
	Retried      int `json:"retried"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Total returns the number of operations the run touched.
func (s *RunSummary) Total() int {
	return s.Succeeded + s.Conflicted + s.Retried + s.Failed + s.DeadLettered
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSucceeded
	outcomeConflicted
	outcomeRetried
	outcomeFailed
	outcomeDeadLettered
)

func (o outcome) String() string {
	switch o {
	case outcomeSucceeded:
		return "synced"
	case outcomeConflicted:
		return "conflict"
	case outcomeRetried:
		return "retried"
	case outcomeFailed:
		return "failed"
	case outcomeDeadLettered:
		return "dead_lettered"
	default:
		return "none"
	}
}

// TriggerSync drains the tenant's eligible operations with the configured
// worker pool and returns a summary. Each worker claims, dispatches and
// settles one operation at a time; claims are serialized by the store, so
// workers never contend for a row or violate group ordering. The run ends
// when the batch limit is reached, the queue has no eligible work, or ctx
// is cancelled.
func (e *Engine) TriggerSync(ctx context.Context, ownerID string) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{}

	// A crash between claim and settle leaves rows IN_PROGRESS with no
	// worker attached; anything claimed longer ago than two remote timeouts
	// goes back to RETRY before this run starts claiming.
	cutoff := e.now() - 2*e.cfg.Sync.RemoteTimeout.Milliseconds()
	released, err := e.store.ReleaseStaleClaims(ctx, ownerID, cutoff)
	if err != nil {
		return summary, err
	}
	if released > 0 {
		e.log.Warn("released stale claims", map[string]interface{}{
			"owner_id": ownerID,
			"released": released,
		})
	}

	var mu stdsync.Mutex
	var wg stdsync.WaitGroup
	budget := int64(e.cfg.Sync.BatchLimit)

	workers := e.cfg.Sync.Workers
	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				if atomic.AddInt64(&budget, -1) < 0 {
					return
				}

				op, err := e.store.ClaimNext(ctx, ownerID, e.now(), e.cfg.Sync.AgingInterval.Milliseconds())
				if err != nil {
					e.log.Error("claim failed, stopping worker", err, map[string]interface{}{
						"owner_id": ownerID,
					})
					return
				}
				if op == nil {
					return
				}

				result := e.process(ctx, op)
				e.metrics.IncOutcome(result.String())

				mu.Lock()
				switch result {
				case outcomeSucceeded:
					summary.Succeeded++
				case outcomeConflicted:
					summary.Conflicted++
				case outcomeRetried:
					summary.Retried++
				case outcomeFailed:
					summary.Failed++
				case outcomeDeadLettered:
					summary.DeadLettered++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	e.metrics.ObserveRun(time.Since(start))

	e.log.Info("sync run complete", map[string]interface{}{
		"owner_id":      ownerID,
		"succeeded":     summary.Succeeded,
		"conflicted":    summary.Conflicted,
		"retried":       summary.Retried,
		"failed":        summary.Failed,
		"dead_lettered": summary.DeadLettered,
		"duration_ms":   time.Since(start).Milliseconds(),
	})

	return summary, ctx.Err()
}

// process dispatches one claimed operation and settles its new state.
func (e *Engine) process(ctx context.Context, op *models.QueuedOperation) outcome {
	// The stored hash guards against local corruption between enqueue and
	// dispatch. A corrupt payload is never sent; the failure is treated as
	// transient so the operation eventually dead-letters with its reason
	// intact.
	if err := codec.VerifyStrict(op.Payload, op.PayloadHash); err != nil {
		return e.settleTransient(ctx, op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Sync.RemoteTimeout)
	defer cancel()

	req := &remote.WriteRequest{
		OperationID:     op.OperationID.String(),
		OwnerID:         op.OwnerID,
		Collection:      op.TargetCollection,
		DocumentID:      op.DocumentID,
		Payload:         op.Payload,
		PayloadHash:     op.PayloadHash,
		ExpectedVersion: op.BaseVersion,
	}

	var res *remote.WriteResult
	var err error
	if op.OperationType == models.OperationDelete {
		res, err = e.remote.DeleteDocument(callCtx, req)
	} else {
		res, err = e.remote.PutDocument(callCtx, req)
	}
	if err != nil {
		return e.settleTransient(ctx, op, errors.Wrap(errors.ErrTransientNetwork, "remote write failed", err))
	}

	switch res.Status {
	case remote.StatusOK:
		return e.settleSynced(ctx, op)

	case remote.StatusVersionConflict:
		result, rerr := e.resolver.Resolve(ctx, op, res.ServerPayload, res.ServerVersion)
		if rerr != nil {
			return e.settleTransient(ctx, op, rerr)
		}
		e.publish(EventConflict, op)
		if result.FinalStatus == models.StatusFailed {
			e.publish(EventFailed, op)
		} else {
			e.publish(EventSynced, op)
		}
		return outcomeConflicted

	default:
		return e.settleRejected(ctx, op, res.Reason)
	}
}

// settleSynced retires a successfully replicated operation. Settlement
// writes run on a context detached from the run's cancellation: a cancelled
// run must still record the outcome of the attempt it already made, or the
// row stays IN_PROGRESS and blocks its dependency group across restarts.
func (e *Engine) settleSynced(ctx context.Context, op *models.QueuedOperation) outcome {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	err := e.coord.RunAtomic(ctx, func(tx *sql.Tx) error {
		if err := e.store.MarkSynced(ctx, tx, op.OwnerID, op.OperationID, now); err != nil {
			return err
		}
		return e.chain.Append(ctx, tx, &models.AuditEntry{
			OwnerID:     op.OwnerID,
			Action:      models.AuditActionSynced,
			TargetTable: op.TargetCollection,
			RecordID:    op.DocumentID,
			NewValue:    op.Payload,
			DeviceID:    op.DeviceID,
			Timestamp:   now,
		})
	})
	if err != nil {
		e.log.ErrorWithCode("failed to settle synced operation", string(errors.CodeOf(err)), err, map[string]interface{}{
			"operation_id": op.OperationID.String(),
		})
		return outcomeNone
	}

	e.publish(EventSynced, op)
	return outcomeSucceeded
}

// settleRejected parks a permanently refused operation as FAILED.
func (e *Engine) settleRejected(ctx context.Context, op *models.QueuedOperation, reason string) outcome {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	err := e.coord.RunAtomic(ctx, func(tx *sql.Tx) error {
		if err := e.store.MarkFailed(ctx, tx, op.OwnerID, op.OperationID, reason); err != nil {
			return err
		}
		return e.chain.Append(ctx, tx, &models.AuditEntry{
			OwnerID:     op.OwnerID,
			Action:      models.AuditActionRejected,
			TargetTable: op.TargetCollection,
			RecordID:    op.DocumentID,
			OldValue:    op.Payload,
			DeviceID:    op.DeviceID,
			Timestamp:   now,
		})
	})
	if err != nil {
		e.log.ErrorWithCode("failed to settle rejected operation", string(errors.CodeOf(err)), err, map[string]interface{}{
			"operation_id": op.OperationID.String(),
		})
		return outcomeNone
	}

	e.publish(EventFailed, op)
	return outcomeFailed
}

// settleTransient schedules a retry, or moves the operation to the
// dead-letter queue once the attempt budget is spent.
func (e *Engine) settleTransient(ctx context.Context, op *models.QueuedOperation, cause error) outcome {
	ctx = context.WithoutCancel(ctx)
	attempts := op.RetryCount + 1
	if attempts > e.cfg.Sync.MaxRetries {
		return e.deadLetter(ctx, op, cause, attempts)
	}

	delay := e.backoff.NextDelay(attempts)
	now := e.now()
	err := e.store.MarkRetry(ctx, e.store.DB(), op.OwnerID, op.OperationID, now+delay.Milliseconds(), cause.Error())
	if err != nil {
		e.log.ErrorWithCode("failed to schedule retry", string(errors.CodeOf(err)), err, map[string]interface{}{
			"operation_id": op.OperationID.String(),
		})
		return outcomeNone
	}

	e.log.Debug("operation scheduled for retry", map[string]interface{}{
		"operation_id": op.OperationID.String(),
		"attempt":      attempts,
		"delay_ms":     delay.Milliseconds(),
	})
	e.publish(EventRetried, op)
	return outcomeRetried
}

// deadLetter atomically moves an exhausted operation out of the queue: the
// queue row is deleted, the dead-letter entry inserted and the audit entry
// appended in one transaction, so the operation is never lost or visible
// in both places.
func (e *Engine) deadLetter(ctx context.Context, op *models.QueuedOperation, cause error, attempts int) outcome {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	entry := &models.DeadLetterEntry{
		ID:                  e.newID(),
		OriginalOperationID: op.OperationID,
		OwnerID:             op.OwnerID,
		DeviceID:            op.DeviceID,
		OperationType:       op.OperationType,
		TargetCollection:    op.TargetCollection,
		DocumentID:          op.DocumentID,
		Payload:             op.Payload,
		PayloadHash:         op.PayloadHash,
		BaseVersion:         op.BaseVersion,
		Priority:            op.Priority,
		DependencyGroup:     op.DependencyGroup,
		StepNumber:          op.StepNumber,
		TotalSteps:          op.TotalSteps,
		FailureReason:       cause.Error(),
		TotalAttempts:       attempts,
		FirstAttemptAt:      op.FirstAttemptAt,
		LastAttemptAt:       op.LastAttemptAt,
		MovedAt:             now,
	}

	err := e.coord.RunAtomic(ctx, func(tx *sql.Tx) error {
		if err := e.store.DeleteOperation(ctx, tx, op.OwnerID, op.OperationID); err != nil {
			return err
		}
		if err := e.store.InsertDeadLetter(ctx, tx, entry); err != nil {
			return err
		}
		return e.chain.Append(ctx, tx, &models.AuditEntry{
			OwnerID:     op.OwnerID,
			Action:      models.AuditActionDeadLettered,
			TargetTable: op.TargetCollection,
			RecordID:    op.DocumentID,
			OldValue:    op.Payload,
			DeviceID:    op.DeviceID,
			Timestamp:   now,
		})
	})
	if err != nil {
		e.log.ErrorWithCode("failed to dead-letter operation", string(errors.CodeOf(err)), err, map[string]interface{}{
			"operation_id": op.OperationID.String(),
		})
		return outcomeNone
	}

	e.log.Warn("operation moved to dead-letter queue", map[string]interface{}{
		"operation_id": op.OperationID.String(),
		"attempts":     attempts,
		"reason":       cause.Error(),
	})
	e.publish(EventDeadLettered, op)
	return outcomeDeadLettered
}
