// Package scheduler runs sync cycles in the background: a periodic full
// cycle while online, and a shorter retry tick that only fires when the
// outbound queue still holds undelivered actions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/logging"
	syncpkg "github.com/petlink/core/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine         syncpkg.SyncEngineInterface
	syncInterval   time.Duration
	retryInterval  time.Duration
	cycleTimeout   time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to run a full cycle when online (default: 15 minutes)
	RetryInterval time.Duration // How often to look for undelivered actions (default: 1 minute)
	CycleTimeout  time.Duration // Upper bound on one scheduled cycle (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		RetryInterval: 1 * time.Minute,
		CycleTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. Zero fields in config fall back to
// the defaults.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}

	s := &Scheduler{
		engine:        engine,
		syncInterval:  config.SyncInterval,
		retryInterval: config.RetryInterval,
		cycleTimeout:  config.CycleTimeout,
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
	}
	if s.syncInterval <= 0 {
		s.syncInterval = def.SyncInterval
	}
	if s.retryInterval <= 0 {
		s.retryInterval = def.RetryInterval
	}
	if s.cycleTimeout <= 0 {
		s.cycleTimeout = def.CycleTimeout
	}
	return s
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.retryLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"retry_interval": s.retryInterval.String(),
	})
}

// Stop stops the background sync scheduler and waits for its loops to exit.
// A scheduled cycle already running is allowed to finish.
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

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler. Scheduled
// cycles are skipped while offline. Coming back online requests a cycle
// right away so that queued actions drain without waiting for a tick.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	if isOnline && running {
		s.engine.Trigger()
	}
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
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
			s.runSync(ctx)
		}
	}
}

// retryLoop requests a cycle when actions are waiting on the queue. The
// engine skips actions whose backoff has not elapsed, so an early request
// is harmless.
func (s *Scheduler) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retryInterval)
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
			snap, err := s.engine.Snapshot(ctx)
			if err != nil {
				logging.Error("Failed to read queue state", err, nil)
				continue
			}
			if snap.Queue.Pending+snap.Queue.Failed > 0 {
				logging.Debug("Undelivered actions waiting, requesting cycle",
					map[string]interface{}{"pending": snap.Queue.Pending, "failed": snap.Queue.Failed})
				s.engine.Trigger()
			}
		}
	}
}

// runSync executes one scheduled cycle. Overlapping ticks are dropped.
func (s *Scheduler) runSync(ctx context.Context) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	logging.Info("Starting periodic sync", nil)

	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	result, err := s.engine.RunCycle(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Periodic sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
		return
	}

	s.markSynced()
	logging.Info("Periodic sync completed", summary(result))
}

// TriggerSync requests an immediate cycle without waiting for it. It
// returns false when the scheduler is offline.
func (s *Scheduler) TriggerSync() bool {
	if !s.IsOnline() {
		return false
	}
	s.engine.Trigger()
	return true
}

// SyncNow runs a cycle and waits for it, regardless of online status.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.CycleResult, error) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	result, err := s.engine.RunCycle(syncCtx)
	if err != nil {
		return result, err
	}

	s.markSynced()
	logging.Info("Manual sync completed", summary(result))
	return result, nil
}

func (s *Scheduler) markSynced() {
	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()
}

func summary(r *syncpkg.CycleResult) map[string]interface{} {
	if r == nil {
		return nil
	}
	return map[string]interface{}{
		"completed": r.Completed,
		"retrying":  r.Retrying,
		"abandoned": r.Abandoned,
		"pulled":    r.Pulled,
		"discarded": r.Discarded,
		"coalesced": r.Coalesced,
	}
}

// SchedulerStatus is the combined scheduler and engine state.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	LastSyncTime   *time.Time
	SyncInProgress bool
	PendingItems   int
	Engine         *syncpkg.Snapshot
}

// GetStatus returns the current status of the scheduler. The engine
// snapshot is omitted when it cannot be read.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	s.mu.RUnlock()

	snap, err := s.engine.Snapshot(ctx)
	if err != nil {
		logging.Warn("Engine snapshot unavailable", map[string]interface{}{"error": err.Error()})
		return status
	}
	status.Engine = snap
	status.PendingItems = snap.Queue.Outstanding()
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
