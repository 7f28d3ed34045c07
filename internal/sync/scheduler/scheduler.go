// Package scheduler provides background sync scheduling: periodic sync
// runs while online, with manual triggers layered on top.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/dukantech/shopsync/internal/errors"
	"github.com/dukantech/shopsync/internal/logging"
	syncpkg "github.com/dukantech/shopsync/internal/sync"
)

// Engine is the slice of the sync engine the scheduler drives.
type Engine interface {
	TriggerSync(ctx context.Context, ownerID string) (*syncpkg.RunSummary, error)
}

// Config holds scheduler configuration.
type Config struct {
	// Interval is how often a sync run starts while online.
	Interval time.Duration
	// RunTimeout bounds one full sync run.
	RunTimeout time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:   time.Minute,
		RunTimeout: 5 * time.Minute,
	}
}

// Scheduler periodically drains the sync queue for every registered tenant.
// While offline no runs start; queued operations simply accumulate until
// the status flips back.
type Scheduler struct {
	engine     Engine
	interval   time.Duration
	runTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu           sync.RWMutex
	owners       map[string]struct{}
	isRunning    bool
	isOnline     bool
	inProgress   bool
	lastSyncTime time.Time
	log          *logging.Logger
}

// New creates a Scheduler.
func New(engine Engine, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		engine:     engine,
		interval:   config.Interval,
		runTimeout: config.RunTimeout,
		stopCh:     make(chan struct{}),
		owners:     make(map[string]struct{}),
		isOnline:   true,
		log:        logging.WithComponent("scheduler"),
	}
}

// RegisterOwner adds a tenant to the periodic sync rotation.
func (s *Scheduler) RegisterOwner(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[ownerID] = struct{}{}
}

// DeregisterOwner removes a tenant from the rotation.
func (s *Scheduler) DeregisterOwner(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, ownerID)
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Info("background sync scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})
}

// Stop shuts the scheduler down and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.log.Info("background sync scheduler stopped")
}

// SetOnlineStatus flips the connectivity flag. While offline, periodic and
// manual runs are skipped rather than burning the retry budget of every
// queued operation.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isOnline != isOnline {
		s.log.Info("online status changed", map[string]interface{}{
			"was_online": s.isOnline,
			"is_online":  isOnline,
		})
	}
	s.isOnline = isOnline
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if s.tryBegin() {
				go s.runAll(ctx)
			}
		}
	}
}

// TriggerSync starts an immediate run for all registered tenants. Returns
// false when a run is already in flight or the scheduler is offline.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.IsOnline() {
		return false
	}
	if !s.tryBegin() {
		return false
	}
	go s.runAll(ctx)
	return true
}

// SyncNow runs one tenant's sync synchronously and returns its summary.
func (s *Scheduler) SyncNow(ctx context.Context, ownerID string) (*syncpkg.RunSummary, error) {
	if !s.IsOnline() {
		return nil, errors.New(errors.ErrTransientNetwork, "scheduler is offline")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	summary, err := s.engine.TriggerSync(runCtx, ownerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()
	return summary, nil
}

func (s *Scheduler) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress {
		return false
	}
	s.inProgress = true
	return true
}

func (s *Scheduler) runAll(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()

	s.mu.RLock()
	owners := make([]string, 0, len(s.owners))
	for owner := range s.owners {
		owners = append(owners, owner)
	}
	s.mu.RUnlock()

	for _, owner := range owners {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
		summary, err := s.engine.TriggerSync(runCtx, owner)
		cancel()

		if err != nil {
			s.log.ErrorWithCode("periodic sync failed", string(errors.CodeOf(err)), err,
				map[string]interface{}{"owner_id": owner})
			continue
		}

		if summary.Total() > 0 {
			s.log.Info("periodic sync completed", map[string]interface{}{
				"owner_id":      owner,
				"succeeded":     summary.Succeeded,
				"conflicted":    summary.Conflicted,
				"retried":       summary.Retried,
				"failed":        summary.Failed,
				"dead_lettered": summary.DeadLettered,
			})
		}
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	IsRunning      bool
	IsOnline       bool
	SyncInProgress bool
	LastSyncTime   *time.Time
	Owners         int
}

// GetStatus returns the scheduler's current state.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.inProgress,
		Owners:         len(s.owners),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline reports whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning reports whether the background loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
