package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	syncpkg "github.com/dukantech/shopsync/internal/sync"
)

type fakeEngine struct {
	mu     sync.Mutex
	owners []string
}

func (f *fakeEngine) TriggerSync(ctx context.Context, ownerID string) (*syncpkg.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners = append(f.owners, ownerID)
	return &syncpkg.RunSummary{Succeeded: 1}, nil
}

func (f *fakeEngine) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.owners)
}

func TestSyncNowRunsSynchronously(t *testing.T) {
	engine := &fakeEngine{}
	s := New(engine, DefaultConfig())

	summary, err := s.SyncNow(context.Background(), "shop-1")
	if err != nil {
		t.Fatalf("sync now failed: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if engine.runs() != 1 {
		t.Fatalf("expected 1 run, got %d", engine.runs())
	}
}

func TestOfflineSkipsRuns(t *testing.T) {
	engine := &fakeEngine{}
	s := New(engine, DefaultConfig())
	s.SetOnlineStatus(false)

	if _, err := s.SyncNow(context.Background(), "shop-1"); err == nil {
		t.Fatal("offline sync should fail")
	}
	if s.TriggerSync(context.Background()) {
		t.Fatal("offline trigger should be refused")
	}
	if engine.runs() != 0 {
		t.Fatalf("offline scheduler still ran %d times", engine.runs())
	}
}

func TestPeriodicLoopSyncsRegisteredOwners(t *testing.T) {
	engine := &fakeEngine{}
	s := New(engine, &Config{Interval: 10 * time.Millisecond, RunTimeout: time.Second})
	s.RegisterOwner("shop-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for engine.runs() == 0 {
		select {
		case <-deadline:
			t.Fatal("periodic loop never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !s.IsRunning() {
		t.Fatal("scheduler should report running")
	}
}

func TestStartIsIdempotentAndStopWaits(t *testing.T) {
	engine := &fakeEngine{}
	s := New(engine, &Config{Interval: time.Hour, RunTimeout: time.Second})

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // no-op
	s.Stop()

	if s.IsRunning() {
		t.Fatal("scheduler should be stopped")
	}
}

func TestTriggerRefusedWhileRunInFlight(t *testing.T) {
	block := make(chan struct{})
	engine := &blockingEngine{block: block, started: make(chan struct{})}
	s := New(engine, DefaultConfig())
	s.RegisterOwner("shop-1")

	if !s.TriggerSync(context.Background()) {
		t.Fatal("first trigger should start")
	}
	// Wait for the run to actually start before asserting.
	<-engine.started
	if s.TriggerSync(context.Background()) {
		t.Fatal("second trigger should be refused while a run is in flight")
	}
	close(block)
}

type blockingEngine struct {
	startOnce sync.Once
	started   chan struct{}
	block     chan struct{}
}

func (b *blockingEngine) TriggerSync(ctx context.Context, ownerID string) (*syncpkg.RunSummary, error) {
	b.startOnce.Do(func() { close(b.started) })
	<-b.block
	return &syncpkg.RunSummary{}, nil
}
