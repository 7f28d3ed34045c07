// Package conflict resolves version conflicts between queued local
// operations and the remote document store, according to per-collection
// policies. Every divergence leaves a durable conflict record regardless of
// how it is settled.
package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukantech/shopsync/internal/audit"
	"github.com/dukantech/shopsync/internal/codec"
	"github.com/dukantech/shopsync/internal/db"
	"github.com/dukantech/shopsync/internal/errors"
	"github.com/dukantech/shopsync/internal/logging"
	"github.com/dukantech/shopsync/internal/models"
	"github.com/dukantech/shopsync/internal/sync/remote"
	"github.com/dukantech/shopsync/internal/txn"
)

// CacheWriter applies remote state to the local shadow copy when a conflict
// resolves in the server's favor. It joins the resolver's transaction so the
// local overwrite commits together with the conflict record and audit entry.
type CacheWriter interface {
	ApplyRemote(ctx context.Context, tx db.Execer, ownerID, collection, documentID string, payload []byte, version int64) error
}

// Merger produces a merged document for collections under MERGED policy.
// The resolver transports the result; it never inspects it.
type Merger interface {
	Merge(ctx context.Context, collection string, local, server []byte) ([]byte, error)
}

// Outcome reports how one conflict was settled.
type Outcome struct {
	Record     *models.ConflictRecord
	Resolution models.Resolution
	// FinalStatus is the queue status the operation ended in: SYNCED when
	// the divergence was settled automatically, FAILED when it escalated
	// to manual review.
	FinalStatus models.OperationStatus
}

// Options configures a Resolver.
type Options struct {
	Store       *db.Store
	Coordinator *txn.Coordinator
	Chain       *audit.Chain
	Remote      remote.Store
	Cache       CacheWriter
	// Merger may be nil; collections under MERGED policy then escalate to
	// MANUAL.
	Merger Merger
	// Policies maps collection name to resolution policy.
	Policies map[string]models.Resolution
	// DefaultPolicy applies to collections absent from Policies.
	DefaultPolicy models.Resolution
	// Timeout bounds each re-push against the remote store.
	Timeout time.Duration
	Now     func() int64
	NewID   func() models.UUID
}

// Resolver settles version conflicts for the dispatcher.
type Resolver struct {
	store         *db.Store
	txn           *txn.Coordinator
	chain         *audit.Chain
	remote        remote.Store
	cache         CacheWriter
	merger        Merger
	policies      map[string]models.Resolution
	defaultPolicy models.Resolution
	timeout       time.Duration
	now           func() int64
	newID         func() models.UUID
	log           *logging.Logger
}

// NewResolver creates a Resolver from options.
func NewResolver(opts Options) *Resolver {
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = models.ResolutionManual
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.NewID == nil {
		opts.NewID = func() models.UUID { return models.UUID(uuid.NewString()) }
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Resolver{
		store:         opts.Store,
		txn:           opts.Coordinator,
		chain:         opts.Chain,
		remote:        opts.Remote,
		cache:         opts.Cache,
		merger:        opts.Merger,
		policies:      opts.Policies,
		defaultPolicy: opts.DefaultPolicy,
		timeout:       opts.Timeout,
		now:           opts.Now,
		newID:         opts.NewID,
		log:           logging.WithComponent("conflict"),
	}
}

// PolicyFor returns the resolution policy for a collection.
func (r *Resolver) PolicyFor(collection string) models.Resolution {
	if policy, ok := r.policies[collection]; ok {
		return policy
	}
	return r.defaultPolicy
}

// Resolve settles a version conflict detected while dispatching op. The
// returned error is non-nil only for transient failures, in which case
// nothing was persisted and the dispatcher retries the whole operation.
func (r *Resolver) Resolve(ctx context.Context, op *models.QueuedOperation, serverPayload []byte, serverVersion int64) (*Outcome, error) {
	policy := r.PolicyFor(op.TargetCollection)

	r.log.Info("resolving version conflict", map[string]interface{}{
		"operation_id":   op.OperationID.String(),
		"collection":     op.TargetCollection,
		"document_id":    op.DocumentID,
		"local_version":  op.BaseVersion,
		"server_version": serverVersion,
		"policy":         string(policy),
	})

	switch policy {
	case models.ResolutionServerWins:
		return r.resolveServerWins(ctx, op, serverPayload, serverVersion)
	case models.ResolutionLocalWins:
		return r.resolveLocalWins(ctx, op, serverPayload, serverVersion)
	case models.ResolutionMerged:
		return r.resolveMerged(ctx, op, serverPayload, serverVersion)
	default:
		return r.escalateManual(ctx, op, serverPayload, serverVersion, "collection policy requires manual review")
	}
}

// resolveServerWins accepts the server's state: the local shadow copy is
// overwritten, the operation is retired as SYNCED, and the record, local
// overwrite and audit entry commit as one transaction.
func (r *Resolver) resolveServerWins(ctx context.Context, op *models.QueuedOperation, serverPayload []byte, serverVersion int64) (*Outcome, error) {
	now := r.now()
	rec := r.newRecord(op, serverPayload, serverVersion, now)
	rec.Resolution = models.ResolutionServerWins
	rec.IsResolved = true
	rec.ResolvedAt = now

	err := r.txn.RunAtomic(ctx, func(tx *sql.Tx) error {
		if err := r.store.InsertConflict(ctx, tx, rec); err != nil {
			return err
		}
		if r.cache != nil {
			if err := r.cache.ApplyRemote(ctx, tx, op.OwnerID, op.TargetCollection, op.DocumentID, serverPayload, serverVersion); err != nil {
				return err
			}
		}
		if err := r.store.MarkSynced(ctx, tx, op.OwnerID, op.OperationID, now); err != nil {
			return err
		}
		return r.appendAudit(ctx, tx, op, serverPayload, now)
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{Record: rec, Resolution: models.ResolutionServerWins, FinalStatus: models.StatusSynced}, nil
}

// resolveLocalWins re-pushes the local payload against the server's current
// version, exactly once. A second divergence during the re-push means the
// document is contended, and the conflict escalates to manual review
// instead of looping.
func (r *Resolver) resolveLocalWins(ctx context.Context, op *models.QueuedOperation, serverPayload []byte, serverVersion int64) (*Outcome, error) {
	res, err := r.push(ctx, op, op.Payload, op.PayloadHash, serverVersion)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientNetwork, "local-wins re-push failed", err)
	}

	switch res.Status {
	case remote.StatusOK:
		now := r.now()
		rec := r.newRecord(op, serverPayload, serverVersion, now)
		rec.Resolution = models.ResolutionLocalWins
		rec.IsResolved = true
		rec.ResolvedAt = now

		err := r.txn.RunAtomic(ctx, func(tx *sql.Tx) error {
			if err := r.store.InsertConflict(ctx, tx, rec); err != nil {
				return err
			}
			if err := r.store.MarkSynced(ctx, tx, op.OwnerID, op.OperationID, now); err != nil {
				return err
			}
			return r.appendAudit(ctx, tx, op, op.Payload, now)
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{Record: rec, Resolution: models.ResolutionLocalWins, FinalStatus: models.StatusSynced}, nil

	case remote.StatusVersionConflict:
		return r.escalateManual(ctx, op, res.ServerPayload, res.ServerVersion,
			fmt.Sprintf("document changed again during local-wins re-push (server version %d)", res.ServerVersion))

	default:
		return r.escalateManual(ctx, op, serverPayload, serverVersion,
			fmt.Sprintf("local-wins re-push rejected: %s", res.Reason))
	}
}

// resolveMerged asks the domain merger for a combined document and pushes
// it against the server's current version.
func (r *Resolver) resolveMerged(ctx context.Context, op *models.QueuedOperation, serverPayload []byte, serverVersion int64) (*Outcome, error) {
	if r.merger == nil {
		return r.escalateManual(ctx, op, serverPayload, serverVersion, "no merger configured for MERGED policy")
	}

	merged, err := r.merger.Merge(ctx, op.TargetCollection, op.Payload, serverPayload)
	if err != nil {
		r.log.Warn("merge failed, escalating to manual", map[string]interface{}{
			"operation_id": op.OperationID.String(),
			"error":        err.Error(),
		})
		return r.escalateManual(ctx, op, serverPayload, serverVersion, fmt.Sprintf("merge failed: %v", err))
	}

	canonical, err := codec.Canonicalize(merged)
	if err != nil {
		return r.escalateManual(ctx, op, serverPayload, serverVersion, fmt.Sprintf("merged payload not canonicalizable: %v", err))
	}
	mergedHash := codec.HashPayload(canonical)

	res, err := r.push(ctx, op, canonical, mergedHash, serverVersion)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientNetwork, "merged re-push failed", err)
	}

	switch res.Status {
	case remote.StatusOK:
		now := r.now()
		rec := r.newRecord(op, serverPayload, serverVersion, now)
		rec.Resolution = models.ResolutionMerged
		rec.MergedPayload = canonical
		rec.IsResolved = true
		rec.ResolvedAt = now

		err := r.txn.RunAtomic(ctx, func(tx *sql.Tx) error {
			if err := r.store.InsertConflict(ctx, tx, rec); err != nil {
				return err
			}
			if r.cache != nil {
				if err := r.cache.ApplyRemote(ctx, tx, op.OwnerID, op.TargetCollection, op.DocumentID, canonical, res.NewVersion); err != nil {
					return err
				}
			}
			if err := r.store.MarkSynced(ctx, tx, op.OwnerID, op.OperationID, now); err != nil {
				return err
			}
			return r.appendAudit(ctx, tx, op, canonical, now)
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{Record: rec, Resolution: models.ResolutionMerged, FinalStatus: models.StatusSynced}, nil

	case remote.StatusVersionConflict:
		return r.escalateManual(ctx, op, res.ServerPayload, res.ServerVersion,
			fmt.Sprintf("document changed again during merged re-push (server version %d)", res.ServerVersion))

	default:
		return r.escalateManual(ctx, op, serverPayload, serverVersion,
			fmt.Sprintf("merged re-push rejected: %s", res.Reason))
	}
}

// escalateManual parks the divergence for a human: an unresolved record is
// written and the operation moves to FAILED, off the automatic retry path.
func (r *Resolver) escalateManual(ctx context.Context, op *models.QueuedOperation, serverPayload []byte, serverVersion int64, reason string) (*Outcome, error) {
	now := r.now()
	rec := r.newRecord(op, serverPayload, serverVersion, now)
	rec.Resolution = models.ResolutionManual

	err := r.txn.RunAtomic(ctx, func(tx *sql.Tx) error {
		if err := r.store.InsertConflict(ctx, tx, rec); err != nil {
			return err
		}
		if err := r.store.MarkFailed(ctx, tx, op.OwnerID, op.OperationID, reason); err != nil {
			return err
		}
		return r.appendAudit(ctx, tx, op, serverPayload, now)
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{Record: rec, Resolution: models.ResolutionManual, FinalStatus: models.StatusFailed}, nil
}

func (r *Resolver) push(ctx context.Context, op *models.QueuedOperation, payload []byte, payloadHash string, expectedVersion int64) (*remote.WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := &remote.WriteRequest{
		OperationID:     op.OperationID.String(),
		OwnerID:         op.OwnerID,
		Collection:      op.TargetCollection,
		DocumentID:      op.DocumentID,
		Payload:         payload,
		PayloadHash:     payloadHash,
		ExpectedVersion: expectedVersion,
	}
	if op.OperationType == models.OperationDelete {
		return r.remote.DeleteDocument(ctx, req)
	}
	return r.remote.PutDocument(ctx, req)
}

func (r *Resolver) newRecord(op *models.QueuedOperation, serverPayload []byte, serverVersion int64, now int64) *models.ConflictRecord {
	return &models.ConflictRecord{
		ID:            r.newID(),
		OperationID:   op.OperationID,
		OwnerID:       op.OwnerID,
		Collection:    op.TargetCollection,
		DocumentID:    op.DocumentID,
		LocalVersion:  op.BaseVersion,
		ServerVersion: serverVersion,
		LocalPayload:  op.Payload,
		ServerPayload: serverPayload,
		DetectedAt:    now,
	}
}

func (r *Resolver) appendAudit(ctx context.Context, tx db.Execer, op *models.QueuedOperation, newValue []byte, now int64) error {
	return r.chain.Append(ctx, tx, &models.AuditEntry{
		OwnerID:     op.OwnerID,
		Action:      models.AuditActionConflict,
		TargetTable: op.TargetCollection,
		RecordID:    op.DocumentID,
		OldValue:    op.Payload,
		NewValue:    newValue,
		DeviceID:    op.DeviceID,
		Timestamp:   now,
	})
}
