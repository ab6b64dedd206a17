package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/sync/cache"
	"github.com/petlink/core/internal/sync/conflict"
	"github.com/petlink/core/internal/sync/queue"
	"github.com/petlink/core/internal/sync/remote"
	"github.com/petlink/core/internal/telemetry"
)

// DefaultRetention is how long completed actions are kept.
const DefaultRetention = 7 * 24 * time.Hour

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Duration   time.Duration `json:"duration" yaml:"duration"`

	Recovered int `json:"recovered" yaml:"recovered"`
	Executed  int `json:"executed" yaml:"executed"`
	Completed int `json:"completed" yaml:"completed"`
	Retrying  int `json:"retrying" yaml:"retrying"`
	Abandoned int `json:"abandoned" yaml:"abandoned"`

	Pulled     int `json:"pulled" yaml:"pulled"`
	Tombstones int `json:"tombstones" yaml:"tombstones"`
	Discarded  int `json:"discarded" yaml:"discarded"`
	Deferred   int `json:"deferred" yaml:"deferred"`
	Purged     int `json:"purged" yaml:"purged"`

	// Coalesced is set on the result returned to a caller whose request was
	// folded into a cycle already running.
	Coalesced bool   `json:"coalesced,omitempty" yaml:"coalesced,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Changed reports whether the cycle touched the queue or the cache.
func (r *CycleResult) Changed() bool {
	return r.Executed+r.Recovered+r.Pulled+r.Tombstones+r.Purged > 0
}

// CoordinatorConfig holds coordinator configuration.
type CoordinatorConfig struct {
	// OwnerIDs whose entities are pulled. Without owners the pull phase is
	// skipped.
	OwnerIDs  []models.UUID
	Retention time.Duration
}

// Coordinator runs sync cycles: drain the queue, pull deltas, purge.
// At most one cycle runs at a time.
type Coordinator struct {
	queue  *queue.Store
	cache  *cache.Store
	remote remote.Client
	exec   *Executor
	config CoordinatorConfig
	now    func() time.Time

	mu      gosync.Mutex
	idle    *gosync.Cond
	running bool
	rerun   bool
	last    *CycleResult
	lastErr error

	// intake orders intents against action selection: an intent holds it
	// exclusively from enqueue until its optimistic row is written.
	intake gosync.RWMutex

	trigger  chan struct{}
	onCycle  func(*CycleResult)
	loopOnce gosync.Once
	loops    gosync.WaitGroup
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(q *queue.Store, c *cache.Store, r remote.Client, exec *Executor, config CoordinatorConfig) *Coordinator {
	if config.Retention == 0 {
		config.Retention = DefaultRetention
	}
	coord := &Coordinator{
		queue:   q,
		cache:   c,
		remote:  r,
		exec:    exec,
		config:  config,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	coord.idle = gosync.NewCond(&coord.mu)
	return coord
}

// Start recovers actions left in flight by an unclean shutdown and starts
// serving Trigger requests until ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	n, err := c.queue.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Info("Recovered in-flight actions", map[string]interface{}{"count": n})
	}

	c.loopOnce.Do(func() {
		c.loops.Add(1)
		go c.triggerLoop(ctx)
	})
	return nil
}

// Wait blocks until the trigger loop has exited and no cycle is running.
// Cancel the context given to Start first. Callers must Wait before closing
// the database.
func (c *Coordinator) Wait() {
	c.loops.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.running {
		c.idle.Wait()
	}
}

// Trigger requests a cycle without waiting for it. Requests made while one
// is queued are merged.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Coordinator) triggerLoop(ctx context.Context) {
	defer c.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
			if _, err := c.RunCycle(ctx); err != nil {
				logging.Warn("Triggered sync cycle failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Running reports whether a cycle is in progress.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Last returns the result and error of the most recent finished cycle.
func (c *Coordinator) Last() (*CycleResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.lastErr
}

// RunCycle runs one sync cycle. A call made while another cycle is running
// does not start a second one: it marks the running cycle to repeat once
// finished and returns immediately with Coalesced set. The repeat runs even
// if the first pass failed; its result is the one returned.
//
// Cancelling ctx stops the cycle between actions; an action already sent is
// always carried to its next state.
func (c *Coordinator) RunCycle(ctx context.Context) (*CycleResult, error) {
	c.mu.Lock()
	if c.running {
		c.rerun = true
		c.mu.Unlock()
		return &CycleResult{Coalesced: true}, nil
	}
	c.running = true
	c.mu.Unlock()

	var (
		res *CycleResult
		err error
	)
	for {
		res, err = c.runOnce(ctx)

		c.mu.Lock()
		again := c.rerun && ctx.Err() == nil
		c.rerun = false
		if !again {
			c.running = false
			c.last, c.lastErr = res, err
			hook := c.onCycle
			c.idle.Broadcast()
			c.mu.Unlock()
			if hook != nil {
				hook(res)
			}
			break
		}
		c.mu.Unlock()
	}
	return res, err
}

func (c *Coordinator) runOnce(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{StartedAt: c.now()}
	err := c.cycle(ctx, res)

	res.FinishedAt = c.now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	if err != nil {
		res.Error = err.Error()
		res.Cancelled = apperrors.Is(err, apperrors.ErrCycleCancelled)
		telemetry.TrackError(err, map[string]interface{}{"phase": "cycle"})
	}
	record(res)

	logging.Info("Sync cycle finished", map[string]interface{}{
		"executed":   res.Executed,
		"completed":  res.Completed,
		"retrying":   res.Retrying,
		"abandoned":  res.Abandoned,
		"pulled":     res.Pulled,
		"tombstones": res.Tombstones,
		"discarded":  res.Discarded,
		"purged":     res.Purged,
		"error":      res.Error,
	})
	return res, err
}

func (c *Coordinator) cycle(ctx context.Context, res *CycleResult) error {
	// Only this process marks rows in flight and no other cycle is running,
	// so any in-flight row here was orphaned by an aborted cycle.
	n, err := c.queue.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	res.Recovered = n

	if err := c.drain(ctx, res); err != nil {
		return err
	}
	if err := c.pull(ctx, res); err != nil {
		return err
	}

	if c.config.Retention > 0 {
		purged, err := c.queue.PurgeCompleted(ctx, c.now().Add(-c.config.Retention))
		if err != nil {
			return err
		}
		res.Purged = purged
	}
	return nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrCycleCancelled, "sync cycle cancelled", err)
	}
	return nil
}

// drain executes eligible actions one at a time, oldest first. Each action
// is attempted at most once per cycle. A failed action keeps later actions
// of its entity waiting; unrelated entities carry on.
func (c *Coordinator) drain(ctx context.Context, res *CycleResult) error {
	var attempted []models.UUID
	for {
		if err := cancelled(ctx); err != nil {
			return err
		}

		c.intake.RLock()
		action, err := c.queue.NextPending(ctx, c.now(), attempted...)
		c.intake.RUnlock()
		if err != nil {
			return err
		}
		if action == nil {
			return nil
		}
		attempted = append(attempted, action.ID)

		outcome, err := c.exec.Execute(ctx, action)
		if apperrors.Is(err, apperrors.ErrInvalidTransition) || apperrors.Is(err, apperrors.ErrNotFound) {
			// Discarded or resubmitted between selection and execution.
			continue
		}
		if err != nil {
			return err
		}

		res.Executed++
		switch outcome {
		case OutcomeCompleted:
			res.Completed++
		case OutcomeRetrying:
			res.Retrying++
		case OutcomeAbandoned:
			res.Abandoned++
		}
		telemetry.RecordCount("actions."+outcome.String(), 1, map[string]string{"kind": string(action.Kind)})
	}
}

type pullStats struct {
	mu         gosync.Mutex
	pulled     int
	tombstones int
	discarded  int
	deferred   int
}

func (s *pullStats) add(pulled, tombstones, discarded, deferred int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulled += pulled
	s.tombstones += tombstones
	s.discarded += discarded
	s.deferred += deferred
}

// pull fetches deltas for every owner and entity kind concurrently and
// merges them through the conflict resolver.
func (c *Coordinator) pull(ctx context.Context, res *CycleResult) error {
	if len(c.config.OwnerIDs) == 0 {
		return nil
	}
	if err := cancelled(ctx); err != nil {
		return err
	}

	resync := c.exec.takeResync()
	stats := &pullStats{}
	g, gctx := errgroup.WithContext(ctx)
	for _, owner := range c.config.OwnerIDs {
		g.Go(func() error {
			return pullKind(gctx, c, c.cache.Pets, owner, resync[models.KindPet], c.remote.PullPets, stats)
		})
		g.Go(func() error {
			return pullKind(gctx, c, c.cache.Alerts, owner, resync[models.KindAlert], c.remote.PullAlerts, stats)
		})
		g.Go(func() error {
			return pullKind(gctx, c, c.cache.Stories, owner, resync[models.KindSuccessStory], c.remote.PullStories, stats)
		})
	}
	err := g.Wait()

	res.Pulled = stats.pulled
	res.Tombstones = stats.tombstones
	res.Discarded = stats.discarded
	res.Deferred = stats.deferred
	if err != nil {
		c.exec.requestResync(resync)
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		return fmt.Errorf("pull: %w", err)
	}
	return nil
}

type pullFunc[T any] func(ctx context.Context, ownerID models.UUID, since int64) (*remote.Delta[T], error)

func pullKind[T models.Entity](ctx context.Context, c *Coordinator, table *cache.Table[T], owner models.UUID, full bool, fetch pullFunc[T], stats *pullStats) error {
	var since int64
	if !full {
		w, err := table.ServerWatermark(ctx, owner)
		if err != nil {
			return err
		}
		since = w
	}

	start := time.Now()
	delta, err := fetch(ctx, owner, since)
	if err != nil {
		return remote.Classify(err)
	}
	telemetry.RecordTiming("pull.duration", time.Since(start), map[string]string{"kind": string(table.Kind())})
	if delta == nil {
		delta = &remote.Delta[T]{}
	}

	var pulled, tombstones, discarded, deferred int
	for _, item := range delta.Items {
		// A row with local changes still queued keeps its optimistic
		// version; the action's own response confirms it.
		busy, err := c.queue.HasBlocking(ctx, item.Meta().ID)
		if err != nil {
			return err
		}
		if busy {
			deferred++
			continue
		}

		d, err := table.Merge(ctx, item)
		if apperrors.Is(err, apperrors.ErrInvalid) {
			logging.Warn("Skipping invalid pulled item", map[string]interface{}{
				"kind":  table.Kind(),
				"error": err.Error(),
			})
			discarded++
			continue
		}
		if err != nil {
			return err
		}
		if d.Accept {
			pulled++
		} else {
			discarded++
		}
	}
	for _, ts := range delta.Tombstones {
		d, err := table.MergeTombstone(ctx, ts)
		if err != nil {
			return err
		}
		if d.Accept {
			tombstones++
		} else if d.Resolution == conflict.ResolutionStaleDiscarded {
			discarded++
		}
	}

	stats.add(pulled, tombstones, discarded, deferred)
	logging.Debug("Pulled delta", map[string]interface{}{
		"kind":       table.Kind(),
		"owner_id":   owner,
		"since":      since,
		"items":      len(delta.Items),
		"tombstones": len(delta.Tombstones),
	})
	return nil
}

func record(res *CycleResult) {
	telemetry.RecordTiming("cycle.duration", res.Duration, nil)
	telemetry.RecordCount("cycle.pulled", res.Pulled, nil)
	telemetry.RecordCount("cycle.discarded", res.Discarded, nil)
}
