package db

import (
	"context"
	"fmt"
	"testing"

	apperrors "github.com/dukantech/shopsync/internal/errors"
	"github.com/dukantech/shopsync/internal/models"
)

const testAging = int64(60_000)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store := NewStore(database.DB)
	t.Cleanup(func() { store.Close() })
	return store
}

func testOp(owner, doc string, created int64) *models.QueuedOperation {
	return &models.QueuedOperation{
		OperationID:      models.UUID(fmt.Sprintf("op-%s-%s-%d", owner, doc, created)),
		OwnerID:          owner,
		DeviceID:         "device-1",
		OperationType:    models.OperationUpdate,
		TargetCollection: "products",
		DocumentID:       doc,
		Payload:          []byte(`{"price":1}`),
		PayloadHash:      "0000000000000000000000000000000000000000000000000000000000000000",
		Status:           models.StatusPending,
		NextRetryAt:      created,
		CreatedAt:        created,
	}
}

func mustInsert(t *testing.T, s *Store, op *models.QueuedOperation) {
	t.Helper()
	inserted, err := s.InsertOperation(context.Background(), s.DB(), op)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if !inserted {
		t.Fatalf("operation %s was not inserted", op.OperationID)
	}
}

func TestInsertOperationIgnoresDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := testOp("shop-1", "doc-1", 100)
	mustInsert(t, s, op)

	inserted, err := s.InsertOperation(ctx, s.DB(), op)
	if err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert should be ignored")
	}
}

func TestClaimNextFlipsToInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, testOp("shop-1", "doc-1", 100))

	op, err := s.ClaimNext(ctx, "shop-1", 200, testAging)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if op == nil {
		t.Fatal("expected a claimed operation")
	}
	if op.Status != models.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", op.Status)
	}
	if op.FirstAttemptAt != 200 || op.LastAttemptAt != 200 {
		t.Fatalf("attempt timestamps not set: first=%d last=%d", op.FirstAttemptAt, op.LastAttemptAt)
	}

	// Nothing else is eligible while it is in flight.
	again, err := s.ClaimNext(ctx, "shop-1", 201, testAging)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if again != nil {
		t.Fatalf("claimed an IN_PROGRESS operation: %s", again.OperationID)
	}
}

func TestClaimRespectsRetryDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := testOp("shop-1", "doc-1", 100)
	op.NextRetryAt = 500
	mustInsert(t, s, op)

	got, err := s.ClaimNext(ctx, "shop-1", 400, testAging)
	if err != nil {
		t.Fatalf("claim errored: %v", err)
	}
	if got != nil {
		t.Fatal("operation claimed before its retry deadline")
	}

	got, err = s.ClaimNext(ctx, "shop-1", 500, testAging)
	if err != nil {
		t.Fatalf("claim errored: %v", err)
	}
	if got == nil {
		t.Fatal("operation not claimable at its deadline")
	}
}

func TestClaimOrderHonorsPriorityAndAging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testOp("shop-1", "old-low", 0)
	old.Priority = 3
	mustInsert(t, s, old)

	fresh := testOp("shop-1", "fresh-high", 100_000)
	fresh.Priority = 0
	fresh.NextRetryAt = 100_000
	mustInsert(t, s, fresh)

	// Shortly after enqueue the high-priority operation goes first.
	got, err := s.ClaimNext(ctx, "shop-1", 110_000, testAging)
	if err != nil || got == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if got.DocumentID != "fresh-high" {
		t.Fatalf("expected the high-priority operation first, got %s", got.DocumentID)
	}
	if err := s.MarkRetry(ctx, s.DB(), "shop-1", got.OperationID, 10_000_000, "park it"); err != nil {
		t.Fatalf("parking failed: %v", err)
	}

	// Re-insert the scenario far in the future: the old operation has aged
	// enough to outrank a fresh high-priority one.
	fresh2 := testOp("shop-1", "fresh-high-2", 400_000)
	fresh2.NextRetryAt = 400_000
	mustInsert(t, s, fresh2)

	got, err = s.ClaimNext(ctx, "shop-1", 400_001, testAging)
	if err != nil || got == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if got.DocumentID != "old-low" {
		t.Fatalf("aged operation should outrank fresh work, got %s", got.DocumentID)
	}
}

func TestGroupEligibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		op := testOp("shop-1", fmt.Sprintf("step-%d", i), int64(100+i))
		op.DependencyGroup = "bill-42"
		op.StepNumber = i
		op.TotalSteps = 3
		op.NextRetryAt = int64(100 + i)
		mustInsert(t, s, op)
	}

	// Only step 1 is eligible.
	first, err := s.ClaimNext(ctx, "shop-1", 1000, testAging)
	if err != nil || first == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if first.StepNumber != 1 {
		t.Fatalf("expected step 1 first, got step %d", first.StepNumber)
	}

	// While step 1 is in flight, no sibling may start.
	if got, _ := s.ClaimNext(ctx, "shop-1", 1001, testAging); got != nil {
		t.Fatalf("claimed step %d while step 1 in flight", got.StepNumber)
	}

	// A failed step blocks the rest of the group.
	if err := s.MarkRetry(ctx, s.DB(), "shop-1", first.OperationID, 5000, "boom"); err != nil {
		t.Fatalf("retry mark failed: %v", err)
	}
	if got, _ := s.ClaimNext(ctx, "shop-1", 2000, testAging); got != nil {
		t.Fatalf("claimed step %d past an unsynced predecessor", got.StepNumber)
	}

	// Once step 1 is SYNCED, step 2 unblocks.
	first, err = s.ClaimNext(ctx, "shop-1", 5000, testAging)
	if err != nil || first == nil || first.StepNumber != 1 {
		t.Fatalf("expected step 1 again, got %+v (err %v)", first, err)
	}
	if err := s.MarkSynced(ctx, s.DB(), "shop-1", first.OperationID, 5001); err != nil {
		t.Fatalf("sync mark failed: %v", err)
	}

	second, err := s.ClaimNext(ctx, "shop-1", 5002, testAging)
	if err != nil || second == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if second.StepNumber != 2 {
		t.Fatalf("expected step 2, got step %d", second.StepNumber)
	}
}

func TestTransitionsAreGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := testOp("shop-1", "doc-1", 100)
	mustInsert(t, s, op)

	// PENDING cannot jump straight to SYNCED.
	err := s.MarkSynced(ctx, s.DB(), "shop-1", op.OperationID, 200)
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected guarded transition to fail, got %v", err)
	}

	claimed, err := s.ClaimNext(ctx, "shop-1", 200, testAging)
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.MarkSynced(ctx, s.DB(), "shop-1", op.OperationID, 201); err != nil {
		t.Fatalf("valid transition failed: %v", err)
	}

	// SYNCED is terminal.
	if err := s.MarkFailed(ctx, s.DB(), "shop-1", op.OperationID, "nope"); err == nil {
		t.Fatal("terminal state accepted a transition")
	}
}

func TestCountsSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, testOp("shop-1", "doc-1", 100))
	mustInsert(t, s, testOp("shop-1", "doc-2", 101))
	mustInsert(t, s, testOp("shop-2", "doc-3", 102))

	counts, err := s.Counts(ctx, "shop-1")
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts.Pending != 2 {
		t.Fatalf("expected 2 pending for shop-1, got %d", counts.Pending)
	}

	counts, err = s.Counts(ctx, "shop-2")
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts.Pending != 1 {
		t.Fatalf("expected 1 pending for shop-2, got %d", counts.Pending)
	}
}

func TestGetOperationIsTenantScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := testOp("shop-1", "doc-1", 100)
	mustInsert(t, s, op)

	if _, err := s.GetOperation(ctx, "shop-2", op.OperationID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("cross-tenant read should be NOT_FOUND, got %v", err)
	}
}

func TestConflictRecordImmutableOnceResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &models.ConflictRecord{
		ID:            "conflict-1",
		OperationID:   "op-1",
		OwnerID:       "shop-1",
		Collection:    "products",
		DocumentID:    "doc-1",
		LocalVersion:  1,
		ServerVersion: 2,
		Resolution:    models.ResolutionManual,
		LocalPayload:  []byte(`{}`),
		ServerPayload: []byte(`{}`),
		DetectedAt:    100,
	}
	if err := s.InsertConflict(ctx, s.DB(), rec); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := s.CloseConflict(ctx, s.DB(), "shop-1", rec.ID, models.ResolutionServerWins, 200); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.CloseConflict(ctx, s.DB(), "shop-1", rec.ID, models.ResolutionLocalWins, 300); err == nil {
		t.Fatal("resolved record accepted a second close")
	}
}

func TestDocumentShadowUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDocument(ctx, s.DB(), "shop-1", "products", "doc-1", []byte(`{"v":1}`), 1, false, 100); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := s.UpsertDocument(ctx, s.DB(), "shop-1", "products", "doc-1", []byte(`{"v":2}`), 2, false, 200); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	doc, err := s.GetDocument(ctx, "shop-1", "products", "doc-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc.Version != 2 || string(doc.Body) != `{"v":2}` {
		t.Fatalf("upsert did not overwrite: %+v", doc)
	}

	if _, err := s.GetDocument(ctx, "shop-2", "products", "doc-1"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("cross-tenant read should be NOT_FOUND, got %v", err)
	}
}

func TestMigratorIsIdempotentAndVersioned(t *testing.T) {
	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	m := NewMigrator(database.DB)
	if err := m.Up(); err != nil {
		t.Fatalf("first up failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second up should be a no-op: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("version lookup failed: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("listing migrations failed: %v", err)
	}
	for _, mig := range applied {
		if len(mig.Checksum) != 64 {
			t.Fatalf("migration V%d has no checksum", mig.Version)
		}
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, testOp("shop-1", "doc-1", 100))

	op, err := s.ClaimNext(ctx, "shop-1", 200, testAging)
	if err != nil || op == nil {
		t.Fatalf("claim failed: %v", err)
	}

	// A claim newer than the cutoff is left alone.
	released, err := s.ReleaseStaleClaims(ctx, "shop-1", 150)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released != 0 {
		t.Fatalf("released %d live claims", released)
	}

	released, err = s.ReleaseStaleClaims(ctx, "shop-1", 200)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 released claim, got %d", released)
	}

	got, err := s.GetOperation(ctx, "shop-1", op.OperationID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.StatusRetry {
		t.Fatalf("stale claim should return to RETRY, got %s", got.Status)
	}

	// The released operation is claimable again.
	again, err := s.ClaimNext(ctx, "shop-1", 300, testAging)
	if err != nil || again == nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if again.OperationID != op.OperationID {
		t.Fatalf("reclaimed the wrong operation: %s", again.OperationID)
	}
}

func TestDeadLetteredSiblingBlocksGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		op := testOp("shop-1", fmt.Sprintf("step-%d", i), int64(100+i))
		op.DependencyGroup = "bill-7"
		op.StepNumber = i
		op.TotalSteps = 2
		mustInsert(t, s, op)
	}

	// Move step 1 out of the queue the way the dead-letter path does.
	step1 := testOp("shop-1", "step-1", 101)
	if err := s.DeleteOperation(ctx, s.DB(), "shop-1", step1.OperationID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	entry := &models.DeadLetterEntry{
		ID:                  "dl-1",
		OriginalOperationID: step1.OperationID,
		OwnerID:             "shop-1",
		DeviceID:            "device-1",
		OperationType:       models.OperationUpdate,
		TargetCollection:    "products",
		DocumentID:          "step-1",
		Payload:             []byte(`{"price":1}`),
		PayloadHash:         step1.PayloadHash,
		DependencyGroup:     "bill-7",
		StepNumber:          1,
		TotalSteps:          2,
		FailureReason:       "remote unavailable",
		TotalAttempts:       3,
		MovedAt:             500,
	}
	if err := s.InsertDeadLetter(ctx, s.DB(), entry); err != nil {
		t.Fatalf("dead-letter insert failed: %v", err)
	}

	// The unresolved entry keeps the surviving sibling off the wire.
	if got, _ := s.ClaimNext(ctx, "shop-1", 1000, testAging); got != nil {
		t.Fatalf("claimed step %d past a dead-lettered sibling", got.StepNumber)
	}

	if err := s.ResolveDeadLetter(ctx, s.DB(), "shop-1", entry.ID, "requeued"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	got, err := s.ClaimNext(ctx, "shop-1", 1001, testAging)
	if err != nil || got == nil {
		t.Fatalf("claim after resolution failed: %v", err)
	}
	if got.StepNumber != 2 {
		t.Fatalf("expected step 2, got step %d", got.StepNumber)
	}
}
