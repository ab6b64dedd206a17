// Package sync provides the offline-first synchronization engine.
//
// User mutations are recorded as queued actions and reflected immediately
// as optimistic rows in the entity cache. Sync cycles deliver the queue to
// the remote service and pull server deltas back into the cache.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	apperrors "github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/sync/cache"
	"github.com/petlink/core/internal/sync/queue"
	"github.com/petlink/core/internal/sync/remote"
	"github.com/petlink/core/internal/uuid"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Config holds engine configuration.
type Config struct {
	OwnerIDs    []models.UUID
	CallTimeout time.Duration
	MaxRetries  int
	Backoff     *queue.Backoff
	Retention   time.Duration
	// Clock overrides the wall clock; nil means time.Now.
	Clock func() time.Time
}

// Snapshot is a point-in-time view of the engine for display.
type Snapshot struct {
	Status       SyncStatus   `json:"status" yaml:"status"`
	Queue        queue.Stats  `json:"queue" yaml:"queue"`
	Changes      uint64       `json:"changes" yaml:"changes"`
	EagerSync    bool         `json:"eager_sync" yaml:"eager_sync"`
	LastSyncedAt *time.Time   `json:"last_synced_at,omitempty" yaml:"last_synced_at,omitempty"`
	LastCycle    *CycleResult `json:"last_cycle,omitempty" yaml:"last_cycle,omitempty"`
	LastError    string       `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// SyncEngine is the entry point for the presentation layer. Its intents
// enqueue an action, apply the optimistic row and, unless eager sync is
// off, request a cycle.
type SyncEngine struct {
	queue  *queue.Store
	cache  *cache.Store
	exec   *Executor
	coord  *Coordinator
	owners []models.UUID
	now    func() time.Time

	eager   atomic.Bool
	changes atomic.Uint64
	subs    *broadcaster

	handlerMu gosync.RWMutex
	handler   SyncEventHandler

	// enqueued, when set, runs between an intent's enqueue and its
	// optimistic write.
	enqueued func(*models.QueuedAction)
}

// NewSyncEngine wires the stores, executor and coordinator over an
// already-migrated database.
func NewSyncEngine(db *sql.DB, client remote.Client, config Config) *SyncEngine {
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	q := queue.New(db, queue.WithClock(now))
	c := cache.New(db, cache.WithClock(now))
	exec := NewExecutor(q, c, client, ExecutorConfig{
		CallTimeout: config.CallTimeout,
		MaxRetries:  config.MaxRetries,
		Backoff:     config.Backoff,
	})
	exec.now = now
	coord := NewCoordinator(q, c, client, exec, CoordinatorConfig{
		OwnerIDs:  config.OwnerIDs,
		Retention: config.Retention,
	})
	coord.now = now

	e := &SyncEngine{
		queue:  q,
		cache:  c,
		exec:   exec,
		coord:  coord,
		owners: config.OwnerIDs,
		now:    now,
		subs:   newBroadcaster(),
	}
	e.eager.Store(true)
	coord.onCycle = e.cycleFinished
	return e
}

// Start recovers interrupted actions and begins serving eager triggers
// until ctx is done.
func (e *SyncEngine) Start(ctx context.Context) error {
	return e.coord.Start(ctx)
}

// Wait blocks until eager triggers have stopped and no cycle is running.
// Cancel the context given to Start first.
func (e *SyncEngine) Wait() {
	e.coord.Wait()
}

// RunCycle runs a sync cycle now. See Coordinator.RunCycle.
func (e *SyncEngine) RunCycle(ctx context.Context) (*CycleResult, error) {
	return e.coord.RunCycle(ctx)
}

// Trigger requests a cycle without waiting for it.
func (e *SyncEngine) Trigger() {
	e.coord.Trigger()
}

// SetEagerSync controls whether intents request a cycle immediately. With
// eager sync off the queue is only delivered by periodic or manual cycles.
func (e *SyncEngine) SetEagerSync(on bool) {
	e.eager.Store(on)
}

// SetEventHandler sets the handler notified after every cycle.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = handler
}

// Changes returns a counter that increases whenever queue or cache state
// visible to the UI changes.
func (e *SyncEngine) Changes() uint64 {
	return e.changes.Load()
}

// Subscribe returns a channel receiving the change counter after each
// change, and a function that ends the subscription.
func (e *SyncEngine) Subscribe() (<-chan uint64, func()) {
	return e.subs.subscribe()
}

// LastError returns the error of the most recent cycle, if it failed.
func (e *SyncEngine) LastError() error {
	_, err := e.coord.Last()
	return err
}

func (e *SyncEngine) changed() {
	e.subs.publish(e.changes.Add(1))
}

func (e *SyncEngine) cycleFinished(res *CycleResult) {
	if res.Changed() {
		e.changed()
	}

	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h == nil {
		return
	}

	event := SyncEvent{Type: SyncEventCompleted, Result: res, Timestamp: e.now()}
	if res.Error != "" {
		event.Type = SyncEventFailed
		event.Error = res.Error
	}
	h.OnSyncEvent(event)
}

// Snapshot returns queue counts, the change counter and the last cycle.
func (e *SyncEngine) Snapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Status:    SyncStatusIdle,
		Queue:     stats,
		Changes:   e.Changes(),
		EagerSync: e.eager.Load(),
	}
	last, lastErr := e.coord.Last()
	snap.LastCycle = last
	if lastErr != nil {
		snap.Status = SyncStatusFailed
		snap.LastError = lastErr.Error()
	}
	if e.coord.Running() {
		snap.Status = SyncStatusSyncing
	}

	var newest time.Time
	for _, owner := range e.owners {
		t, err := e.cache.LastSyncedAt(ctx, owner)
		if err != nil {
			return nil, err
		}
		if t.After(newest) {
			newest = t
		}
	}
	if !newest.IsZero() {
		snap.LastSyncedAt = &newest
	}
	return snap, nil
}

// CreatePet records a new pet. A missing PetID is generated.
func (e *SyncEngine) CreatePet(ctx context.Context, p models.CreatePetPayload) (*models.QueuedAction, error) {
	if p.PetID.IsZero() {
		p.PetID = models.UUID(uuid.New())
	}
	return e.Submit(ctx, p)
}

// UpdatePet records changes to a cached pet.
func (e *SyncEngine) UpdatePet(ctx context.Context, p models.UpdatePetPayload) (*models.QueuedAction, error) {
	return e.Submit(ctx, p)
}

// DeletePet records the deletion of a cached pet.
func (e *SyncEngine) DeletePet(ctx context.Context, petID models.UUID) (*models.QueuedAction, error) {
	return e.Submit(ctx, models.DeletePetPayload{PetID: petID})
}

// CreateAlert reports a cached pet missing. A missing AlertID is generated.
func (e *SyncEngine) CreateAlert(ctx context.Context, p models.CreateAlertPayload) (*models.QueuedAction, error) {
	if p.AlertID.IsZero() {
		p.AlertID = models.UUID(uuid.New())
	}
	return e.Submit(ctx, p)
}

// ResolveAlert closes a cached alert.
func (e *SyncEngine) ResolveAlert(ctx context.Context, alertID models.UUID, note string) (*models.QueuedAction, error) {
	return e.Submit(ctx, models.ResolveAlertPayload{AlertID: alertID, ResolvedAt: e.now().UnixMilli(), Note: note})
}

// CreateSuccessStory publishes a reunion story. A missing StoryID is
// generated.
func (e *SyncEngine) CreateSuccessStory(ctx context.Context, p models.CreateSuccessStoryPayload) (*models.QueuedAction, error) {
	if p.StoryID.IsZero() {
		p.StoryID = models.UUID(uuid.New())
	}
	return e.Submit(ctx, p)
}

// SubmitJSON decodes raw as the payload for kind and routes it through the
// matching intent, so create kinds get generated IDs.
func (e *SyncEngine) SubmitJSON(ctx context.Context, kind models.ActionKind, raw json.RawMessage) (*models.QueuedAction, error) {
	if !kind.Valid() {
		return nil, apperrors.New(apperrors.ErrUnknownAction, fmt.Sprintf("unknown action kind %q", kind))
	}
	p, err := models.DecodePayload(kind, raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid payload", err)
	}
	switch p := p.(type) {
	case models.CreatePetPayload:
		return e.CreatePet(ctx, p)
	case models.CreateAlertPayload:
		return e.CreateAlert(ctx, p)
	case models.CreateSuccessStoryPayload:
		return e.CreateSuccessStory(ctx, p)
	default:
		return e.Submit(ctx, p)
	}
}

// Submit enqueues any typed payload and applies its optimistic row. The
// payload is validated and its referenced entities checked before anything
// is written.
func (e *SyncEngine) Submit(ctx context.Context, p models.Payload) (*models.QueuedAction, error) {
	if err := e.queue.Validate(p); err != nil {
		return nil, err
	}
	if err := e.precheck(ctx, p); err != nil {
		return nil, err
	}

	action, err := e.admit(ctx, func() (*models.QueuedAction, error) {
		return e.queue.Enqueue(ctx, p)
	}, p)
	if action == nil {
		return nil, err
	}
	if err != nil {
		logging.Error("Failed to apply optimistic update", err, map[string]interface{}{
			"action_id": action.ID,
			"kind":      action.Kind,
		})
		e.changed()
		return action, err
	}

	e.changed()
	if e.eager.Load() {
		e.coord.Trigger()
	}
	return action, nil
}

// Discard deletes an abandoned action. Its optimistic effect was already
// undone when it was abandoned.
func (e *SyncEngine) Discard(ctx context.Context, actionID models.UUID) error {
	if _, err := e.queue.Discard(ctx, actionID); err != nil {
		return err
	}
	e.changed()
	return nil
}

// Resubmit returns an abandoned action to the queue, optionally with an
// edited payload, and reapplies its optimistic row.
func (e *SyncEngine) Resubmit(ctx context.Context, actionID models.UUID, p models.Payload) (*models.QueuedAction, error) {
	action, err := e.admit(ctx, func() (*models.QueuedAction, error) {
		return e.queue.Resubmit(ctx, actionID, p)
	}, nil)
	if action == nil {
		return nil, err
	}
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return action, err
	}

	e.changed()
	if e.eager.Load() {
		e.coord.Trigger()
	}
	return action, nil
}

// admit queues an action and writes its optimistic row while no cycle can
// select it, so a confirmation never lands before the optimistic write. A
// nil p means the payload is decoded from the queued action. The action is
// nil only when queueing failed.
func (e *SyncEngine) admit(ctx context.Context, enqueue func() (*models.QueuedAction, error), p models.Payload) (*models.QueuedAction, error) {
	e.coord.intake.Lock()
	defer e.coord.intake.Unlock()

	action, err := enqueue()
	if err != nil {
		return nil, err
	}
	if e.enqueued != nil {
		e.enqueued(action)
	}
	if p == nil {
		if p, err = action.Decode(); err != nil {
			return action, apperrors.Wrap(apperrors.ErrValidation, "decode resubmitted payload", err)
		}
	}
	return action, e.applyOptimistic(ctx, p)
}

// precheck rejects actions on entities the cache does not hold.
func (e *SyncEngine) precheck(ctx context.Context, p models.Payload) error {
	switch p := p.(type) {
	case models.UpdatePetPayload:
		return livePet(ctx, e.cache, p.PetID)
	case models.DeletePetPayload:
		return livePet(ctx, e.cache, p.PetID)
	case models.CreateAlertPayload:
		return livePet(ctx, e.cache, p.PetID)
	case models.CreateSuccessStoryPayload:
		return livePet(ctx, e.cache, p.PetID)
	case models.ResolveAlertPayload:
		alert, err := e.cache.Alerts.Get(ctx, p.AlertID)
		if err != nil {
			return err
		}
		if alert.Deleted() || !alert.Active() {
			return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("alert %s is not active", p.AlertID))
		}
	}
	return nil
}

func livePet(ctx context.Context, c *cache.Store, id models.UUID) error {
	pet, err := c.Pets.Get(ctx, id)
	if err != nil {
		return err
	}
	if pet.Deleted() {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("pet %s is deleted", id))
	}
	return nil
}

func (e *SyncEngine) applyOptimistic(ctx context.Context, p models.Payload) error {
	switch p := p.(type) {
	case models.CreatePetPayload:
		return e.cache.Pets.ApplyLocalOptimisticUpdate(ctx, p.Pet())
	case models.UpdatePetPayload:
		pet, err := e.cache.Pets.Get(ctx, p.PetID)
		if err != nil {
			return err
		}
		p.Apply(pet)
		return e.cache.Pets.ApplyLocalOptimisticUpdate(ctx, pet)
	case models.DeletePetPayload:
		return e.cache.Pets.ApplyLocalDelete(ctx, p.PetID, e.now().UnixMilli())
	case models.CreateAlertPayload:
		return e.cache.Alerts.ApplyLocalOptimisticUpdate(ctx, p.Alert())
	case models.ResolveAlertPayload:
		alert, err := e.cache.Alerts.Get(ctx, p.AlertID)
		if err != nil {
			return err
		}
		p.Apply(alert)
		return e.cache.Alerts.ApplyLocalOptimisticUpdate(ctx, alert)
	case models.CreateSuccessStoryPayload:
		return e.cache.Stories.ApplyLocalOptimisticUpdate(ctx, p.Story())
	}
	return apperrors.New(apperrors.ErrUnknownAction, fmt.Sprintf("no optimistic update for %T", p))
}

// Actions lists queued actions, optionally filtered by status.
func (e *SyncEngine) Actions(ctx context.Context, statuses ...models.ActionStatus) ([]*models.QueuedAction, error) {
	return e.queue.List(ctx, statuses...)
}

// Action returns one queued action.
func (e *SyncEngine) Action(ctx context.Context, id models.UUID) (*models.QueuedAction, error) {
	return e.queue.Get(ctx, id)
}

// Pets lists the owner's pets, optimistic rows included.
func (e *SyncEngine) Pets(ctx context.Context, ownerID models.UUID) ([]*models.Pet, error) {
	return e.cache.Pets.List(ctx, ownerID)
}

// Pet returns one cached pet.
func (e *SyncEngine) Pet(ctx context.Context, id models.UUID) (*models.Pet, error) {
	return e.cache.Pets.Get(ctx, id)
}

// Alerts lists the owner's alerts, optimistic rows included.
func (e *SyncEngine) Alerts(ctx context.Context, ownerID models.UUID) ([]*models.Alert, error) {
	return e.cache.Alerts.List(ctx, ownerID)
}

// Stories lists the owner's success stories, optimistic rows included.
func (e *SyncEngine) Stories(ctx context.Context, ownerID models.UUID) ([]*models.SuccessStory, error) {
	return e.cache.Stories.List(ctx, ownerID)
}

// Conflicts returns the most recent discarded stale versions.
func (e *SyncEngine) Conflicts(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	return e.cache.Conflicts(ctx, limit)
}
