package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukantech/shopsync/internal/audit"
	"github.com/dukantech/shopsync/internal/codec"
	"github.com/dukantech/shopsync/internal/config"
	"github.com/dukantech/shopsync/internal/db"
	"github.com/dukantech/shopsync/internal/errors"
	"github.com/dukantech/shopsync/internal/logging"
	"github.com/dukantech/shopsync/internal/metrics"
	"github.com/dukantech/shopsync/internal/models"
	"github.com/dukantech/shopsync/internal/sync/conflict"
	"github.com/dukantech/shopsync/internal/sync/remote"
	"github.com/dukantech/shopsync/internal/txn"
)

// operationNamespace is the UUIDv5 namespace for deterministic operation
// IDs. It must never change: the same logical mutation has to produce the
// same ID across app restarts and devices.
var operationNamespace = uuid.MustParse("9f2c1e84-5b6d-4a3f-8e07-c41d92a6b358")

// OperationID derives the deterministic ID of a logical mutation. Two
// enqueue calls describing the same mutation collapse onto one queue row
// and at most one remote effect.
func OperationID(ownerID string, opType models.OperationType, collection, documentID, payloadHash, group string, step int) models.UUID {
	identity := strings.Join([]string{
		ownerID, string(opType), collection, documentID, payloadHash, group, strconv.Itoa(step),
	}, "\x1f")
	return models.UUID(uuid.NewSHA1(operationNamespace, []byte(identity)).String())
}

// EnqueueRequest describes one local mutation to be replicated.
type EnqueueRequest struct {
	OwnerID    string
	DeviceID   string
	Type       models.OperationType
	Collection string
	DocumentID string
	// Record is the document body; it is canonicalized and hashed at
	// enqueue time. Nil is valid for DELETE.
	Record interface{}
	// BaseVersion is the remote version this mutation was computed
	// against; the optimistic concurrency check compares it server-side.
	BaseVersion int64
	// Priority ranks dispatch order; lower dispatches first.
	Priority int
	// DependencyGroup, when set, serializes this operation behind lower
	// StepNumbers of the same group.
	DependencyGroup string
	StepNumber      int
	TotalSteps      int
}

// Options wires an Engine's collaborators. Store, Coordinator, Chain,
// Remote and Resolver are required; the rest default sensibly.
type Options struct {
	Config      *config.Config
	Store       *db.Store
	Coordinator *txn.Coordinator
	Chain       *audit.Chain
	Remote      remote.Store
	Resolver    *conflict.Resolver
	Backoff     BackoffStrategy
	Bus         *EventBus
	Metrics     *metrics.Metrics
	Now         func() int64
	NewID       func() models.UUID
}

// Engine is the synchronization engine: it owns the durable queue and
// drives operations through dispatch, retry, conflict resolution and
// dead-lettering.
type Engine struct {
	cfg      *config.Config
	store    *db.Store
	coord    *txn.Coordinator
	chain    *audit.Chain
	remote   remote.Store
	resolver *conflict.Resolver
	backoff  BackoffStrategy
	bus      *EventBus
	metrics  *metrics.Metrics
	now      func() int64
	newID    func() models.UUID
	log      *logging.Logger
}

// NewEngine creates an Engine from options.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Coordinator == nil || opts.Chain == nil || opts.Remote == nil || opts.Resolver == nil {
		return nil, errors.New(errors.ErrInvalid, "engine requires store, coordinator, chain, remote and resolver")
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Backoff == nil {
		opts.Backoff = NewExponentialBackoff(
			opts.Config.Sync.BackoffInitial, opts.Config.Sync.BackoffMax, opts.Config.Sync.BackoffJitter)
	}
	if opts.Bus == nil {
		opts.Bus = NewEventBus(opts.Config.Events)
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.NewID == nil {
		opts.NewID = func() models.UUID { return models.UUID(uuid.NewString()) }
	}

	if opts.Metrics != nil {
		m := opts.Metrics
		opts.Bus.SetDropHook(m.IncEventsDropped)
	}

	return &Engine{
		cfg:      opts.Config,
		store:    opts.Store,
		coord:    opts.Coordinator,
		chain:    opts.Chain,
		remote:   opts.Remote,
		resolver: opts.Resolver,
		backoff:  opts.Backoff,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		now:      opts.Now,
		newID:    opts.NewID,
		log:      logging.WithComponent("engine"),
	}, nil
}

// Enqueue validates, serializes and durably queues one mutation. The bool
// reports whether a new queue row was created; false means the identical
// mutation was already queued and the call was a no-op.
func (e *Engine) Enqueue(ctx context.Context, req *EnqueueRequest) (*models.QueuedOperation, bool, error) {
	op, err := e.buildOperation(req)
	if err != nil {
		return nil, false, err
	}

	var inserted bool
	err = e.coord.RunAtomic(ctx, func(tx *sql.Tx) error {
		var insErr error
		inserted, insErr = e.store.InsertOperation(ctx, tx, op)
		return insErr
	})
	if err != nil {
		return nil, false, err
	}

	if inserted {
		e.publish(EventEnqueued, op)
	}
	return op, inserted, nil
}

// EnqueueAtomic commits a local mutation and its queue entries as one
// transaction: either the local rows and every operation land together, or
// nothing does. When more than one request is given and none carries a
// dependency group, the requests are placed in a fresh group in argument
// order, so they replicate in exactly that order. Mixing requests with and
// without an explicit group in one batch is rejected: silently grouping
// some of them would change the caller's ordering intent.
func (e *Engine) EnqueueAtomic(ctx context.Context, reqs []*EnqueueRequest, local func(tx *sql.Tx) error) ([]*models.QueuedOperation, error) {
	if len(reqs) == 0 {
		return nil, errors.New(errors.ErrInvalid, "no operations to enqueue")
	}

	if len(reqs) > 1 {
		grouped := 0
		for _, req := range reqs {
			if req.DependencyGroup != "" {
				grouped++
			}
		}
		switch {
		case grouped == 0:
			group := e.newID().String()
			for i, req := range reqs {
				req.DependencyGroup = group
				req.StepNumber = i + 1
				req.TotalSteps = len(reqs)
			}
		case grouped != len(reqs):
			return nil, errors.New(errors.ErrInvalid, "atomic enqueue cannot mix grouped and ungrouped operations")
		}
	}

	ops := make([]*models.QueuedOperation, 0, len(reqs))
	for _, req := range reqs {
		op, err := e.buildOperation(req)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	inserted := make([]bool, len(ops))
	err := e.coord.RunAtomic(ctx, func(tx *sql.Tx) error {
		if local != nil {
			if err := local(tx); err != nil {
				return err
			}
		}
		for i, op := range ops {
			ok, err := e.store.InsertOperation(ctx, tx, op)
			if err != nil {
				return err
			}
			inserted[i] = ok
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, op := range ops {
		if inserted[i] {
			e.publish(EventEnqueued, op)
		}
	}
	return ops, nil
}

// Status returns the current queue row of one operation.
func (e *Engine) Status(ctx context.Context, ownerID string, opID models.UUID) (*models.QueuedOperation, error) {
	return e.store.GetOperation(ctx, ownerID, opID)
}

// Counts returns the tenant's queue snapshot and refreshes depth gauges.
func (e *Engine) Counts(ctx context.Context, ownerID string) (*models.QueueCounts, error) {
	counts, err := e.store.Counts(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveCounts(ownerID, counts)
	return counts, nil
}

// Subscribe returns a channel of queue lifecycle events and a cancel
// function.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.bus.Subscribe()
}

// ListConflicts lists a tenant's conflict records.
func (e *Engine) ListConflicts(ctx context.Context, ownerID string, unresolvedOnly bool, limit int) ([]*models.ConflictRecord, error) {
	return e.store.ListConflicts(ctx, ownerID, unresolvedOnly, limit)
}

// ListDeadLetters lists a tenant's dead-letter entries.
func (e *Engine) ListDeadLetters(ctx context.Context, ownerID string, unresolvedOnly bool, limit int) ([]*models.DeadLetterEntry, error) {
	return e.store.ListDeadLetters(ctx, ownerID, unresolvedOnly, limit)
}

// RequeueFailed moves a FAILED operation back to PENDING with a fresh
// retry budget. This is the manual recovery path after a rejection or an
// unresolved conflict was dealt with.
func (e *Engine) RequeueFailed(ctx context.Context, ownerID string, opID models.UUID) error {
	now := e.now()
	err := e.coord.RunAtomic(ctx, func(tx *sql.Tx) error {
		if err := e.store.RequeueFailed(ctx, tx, ownerID, opID, now); err != nil {
			return err
		}
		return e.chain.Append(ctx, tx, &models.AuditEntry{
			OwnerID:     ownerID,
			Action:      models.AuditActionRequeued,
			TargetTable: models.QueuedOperation{}.TableName(),
			RecordID:    opID.String(),
			Timestamp:   now,
		})
	})
	if err != nil {
		return err
	}

	op, getErr := e.store.GetOperation(ctx, ownerID, opID)
	if getErr == nil {
		e.publish(EventRequeued, op)
	}
	return nil
}

// CloseConflict records a human's verdict on an unresolved conflict
// record. It does not touch the queue; combine with RequeueFailed when the
// operation should run again.
func (e *Engine) CloseConflict(ctx context.Context, ownerID string, recordID models.UUID, resolution models.Resolution) error {
	now := e.now()
	return e.coord.RunAtomic(ctx, func(tx *sql.Tx) error {
		if err := e.store.CloseConflict(ctx, tx, ownerID, recordID, resolution, now); err != nil {
			return err
		}
		return e.chain.Append(ctx, tx, &models.AuditEntry{
			OwnerID:     ownerID,
			Action:      models.AuditActionConflict,
			TargetTable: models.ConflictRecord{}.TableName(),
			RecordID:    recordID.String(),
			NewValue:    []byte(fmt.Sprintf("%q", resolution)),
			Timestamp:   now,
		})
	})
}

// ResurrectDeadLetter re-queues a dead-lettered operation as a fresh
// PENDING entry with a zeroed attempt budget, marks the entry resolved and
// audits the move. The resurrected operation keeps its deterministic ID.
func (e *Engine) ResurrectDeadLetter(ctx context.Context, ownerID string, entryID models.UUID, notes string) (*models.QueuedOperation, error) {
	entry, err := e.store.GetDeadLetter(ctx, ownerID, entryID)
	if err != nil {
		return nil, err
	}
	if entry.IsResolved {
		return nil, errors.New(errors.ErrInvalid, "dead-letter entry is already resolved")
	}

	now := e.now()
	op := entry.ToOperation(now)

	err = e.coord.RunAtomic(ctx, func(tx *sql.Tx) error {
		inserted, err := e.store.InsertOperation(ctx, tx, op)
		if err != nil {
			return err
		}
		if !inserted {
			return errors.New(errors.ErrInvalid, "operation is already queued")
		}
		if err := e.store.ResolveDeadLetter(ctx, tx, ownerID, entryID, notes); err != nil {
			return err
		}
		return e.chain.Append(ctx, tx, &models.AuditEntry{
			OwnerID:     ownerID,
			Action:      models.AuditActionResurrected,
			TargetTable: models.DeadLetterEntry{}.TableName(),
			RecordID:    entryID.String(),
			NewValue:    op.Payload,
			DeviceID:    op.DeviceID,
			Timestamp:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(EventResurrected, op)
	return op, nil
}

// VerifyAudit replays the tenant's audit chain over [fromSeq, toSeq].
func (e *Engine) VerifyAudit(ctx context.Context, ownerID string, fromSeq, toSeq int64) (*audit.VerifyResult, error) {
	return e.chain.Verify(ctx, ownerID, fromSeq, toSeq)
}

// buildOperation validates a request and turns it into a queue row.
func (e *Engine) buildOperation(req *EnqueueRequest) (*models.QueuedOperation, error) {
	if req.OwnerID == "" || req.Collection == "" || req.DocumentID == "" {
		return nil, errors.New(errors.ErrInvalid, "owner, collection and document id are required")
	}
	switch req.Type {
	case models.OperationCreate, models.OperationUpdate, models.OperationDelete:
	default:
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown operation type %q", req.Type))
	}
	if req.DependencyGroup != "" {
		if req.StepNumber < 1 || req.TotalSteps < req.StepNumber {
			return nil, errors.New(errors.ErrInvalid, "grouped operations need step_number and total_steps")
		}
	}

	payload, hash, err := codec.Encode(req.Record)
	if err != nil {
		return nil, err
	}

	now := e.now()
	return &models.QueuedOperation{
		OperationID:      OperationID(req.OwnerID, req.Type, req.Collection, req.DocumentID, hash, req.DependencyGroup, req.StepNumber),
		OwnerID:          req.OwnerID,
		DeviceID:         req.DeviceID,
		OperationType:    req.Type,
		TargetCollection: req.Collection,
		DocumentID:       req.DocumentID,
		Payload:          payload,
		PayloadHash:      hash,
		BaseVersion:      req.BaseVersion,
		Status:           models.StatusPending,
		Priority:         req.Priority,
		DependencyGroup:  req.DependencyGroup,
		StepNumber:       req.StepNumber,
		TotalSteps:       req.TotalSteps,
		NextRetryAt:      now,
		CreatedAt:        now,
	}, nil
}

func (e *Engine) publish(kind EventKind, op *models.QueuedOperation) {
	e.bus.Publish(Event{
		Kind:        kind,
		OwnerID:     op.OwnerID,
		OperationID: op.OperationID.String(),
		Collection:  op.TargetCollection,
		DocumentID:  op.DocumentID,
		Timestamp:   e.now(),
	})
}
