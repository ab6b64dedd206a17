package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	apperrors "github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/sync/cache"
	"github.com/petlink/core/internal/sync/queue"
	"github.com/petlink/core/internal/sync/remote"
)

// Outcome is the result of executing one queued action.
type Outcome int

const (
	// OutcomeCompleted means the server applied the action.
	OutcomeCompleted Outcome = iota
	// OutcomeRetrying means the action failed transiently and is scheduled
	// for a later cycle.
	OutcomeRetrying
	// OutcomeAbandoned means the action will not be retried automatically.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DefaultCallTimeout bounds a single remote call.
const DefaultCallTimeout = 30 * time.Second

// ExecutorConfig holds executor configuration.
type ExecutorConfig struct {
	CallTimeout time.Duration
	// MaxRetries is the retry count at which a transiently failing action
	// is abandoned.
	MaxRetries int
	Backoff    *queue.Backoff
}

// Executor delivers one queued action at a time to the remote service and
// folds the server's answer back into the cache.
type Executor struct {
	queue       *queue.Store
	cache       *cache.Store
	remote      remote.Client
	backoff     *queue.Backoff
	callTimeout time.Duration
	maxRetries  int
	now         func() time.Time

	mu     gosync.Mutex
	resync map[models.EntityKind]bool
}

// NewExecutor creates a new Executor.
func NewExecutor(q *queue.Store, c *cache.Store, r remote.Client, config ExecutorConfig) *Executor {
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = queue.DefaultMaxRetries
	}
	if config.Backoff == nil {
		config.Backoff = queue.DefaultBackoff()
	}
	return &Executor{
		queue:       q,
		cache:       c,
		remote:      r,
		backoff:     config.Backoff,
		callTimeout: config.CallTimeout,
		maxRetries:  config.MaxRetries,
		now:         time.Now,
		resync:      make(map[models.EntityKind]bool),
	}
}

// Execute runs action through InFlight to Completed, Failed or Abandoned.
//
// Once the remote call is issued the action is carried to its next state
// even if ctx is cancelled; the call itself is bounded by the call timeout.
// A returned error means the stores could not record the result.
func (e *Executor) Execute(ctx context.Context, action *models.QueuedAction) (Outcome, error) {
	if err := e.queue.MarkInFlight(ctx, action.ID); err != nil {
		return 0, err
	}
	ctx = context.WithoutCancel(ctx)

	payload, err := action.Decode()
	if err != nil {
		return e.abandon(ctx, action, apperrors.Wrap(apperrors.ErrPermanentRequest, "undecodable payload", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	confirm, err := e.call(callCtx, action.ID, payload)
	cancel()

	if err == nil {
		if err := confirm(ctx); err != nil {
			return 0, err
		}
		if err := e.queue.MarkCompleted(ctx, action.ID); err != nil {
			return 0, err
		}
		logging.Debug("Action completed", map[string]interface{}{
			"action_id": action.ID,
			"kind":      action.Kind,
			"entity_id": action.EntityID,
		})
		return OutcomeCompleted, nil
	}

	err = remote.Classify(err)
	if apperrors.IsPermanent(err) {
		return e.abandon(ctx, action, err)
	}

	retries := action.RetryCount + 1
	if retries >= e.maxRetries {
		if err := e.queue.MarkExhausted(ctx, action.ID, err.Error()); err != nil {
			return 0, err
		}
		logging.Warn("Action abandoned after exhausting retries", map[string]interface{}{
			"action_id":   action.ID,
			"kind":        action.Kind,
			"retry_count": retries,
			"error":       err.Error(),
		})
		return OutcomeAbandoned, e.revert(ctx, action)
	}

	next := e.backoff.Next(action.RetryCount, e.now())
	if err := e.queue.MarkFailed(ctx, action.ID, err.Error(), next); err != nil {
		return 0, err
	}
	logging.Info("Action failed, will retry", map[string]interface{}{
		"action_id":     action.ID,
		"kind":          action.Kind,
		"retry_count":   retries,
		"next_retry_at": next.UnixMilli(),
		"error":         err.Error(),
	})
	return OutcomeRetrying, nil
}

func (e *Executor) abandon(ctx context.Context, action *models.QueuedAction, cause error) (Outcome, error) {
	if err := e.queue.MarkAbandoned(ctx, action.ID, cause.Error()); err != nil {
		return 0, err
	}
	logging.Warn("Action rejected", map[string]interface{}{
		"action_id": action.ID,
		"kind":      action.Kind,
		"entity_id": action.EntityID,
		"error":     cause.Error(),
	})
	return OutcomeAbandoned, e.revert(ctx, action)
}

// revert undoes the optimistic effect of an abandoned action. The draft of a
// rejected create is removed; any other kind schedules a full re-pull of its
// entity kind so the server version replaces the optimistic row.
func (e *Executor) revert(ctx context.Context, action *models.QueuedAction) error {
	kind := entityKindOf(action.Kind)
	switch action.Kind {
	case models.ActionCreatePet:
		_, err := e.cache.Pets.Delete(ctx, action.EntityID)
		return err
	case models.ActionCreateAlert:
		_, err := e.cache.Alerts.Delete(ctx, action.EntityID)
		return err
	case models.ActionCreateSuccessStory:
		_, err := e.cache.Stories.Delete(ctx, action.EntityID)
		return err
	}
	if kind != "" {
		e.mu.Lock()
		e.resync[kind] = true
		e.mu.Unlock()
	}
	return nil
}

// takeResync returns and clears the kinds that need a full re-pull.
func (e *Executor) takeResync() map[models.EntityKind]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.resync
	e.resync = make(map[models.EntityKind]bool)
	return out
}

// requestResync marks kinds for a full re-pull, used when a pull fails
// before it could honour an earlier request.
func (e *Executor) requestResync(kinds map[models.EntityKind]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range kinds {
		if v {
			e.resync[k] = true
		}
	}
}

// call dispatches payload to the remote client. On success it returns a
// function that records the server's canonical version in the cache.
func (e *Executor) call(ctx context.Context, key models.UUID, payload models.Payload) (func(context.Context) error, error) {
	switch p := payload.(type) {
	case models.CreatePetPayload:
		pet, err := e.remote.CreatePet(ctx, key, p)
		return confirmEntity(e.cache.Pets, pet), err
	case models.UpdatePetPayload:
		pet, err := e.remote.UpdatePet(ctx, key, p)
		return confirmEntity(e.cache.Pets, pet), err
	case models.DeletePetPayload:
		ts, err := e.remote.DeletePet(ctx, key, p)
		return func(ctx context.Context) error {
			var deletedAt int64
			if ts != nil {
				deletedAt = ts.DeletedAt
			}
			if deletedAt <= 0 {
				// No server timestamp: keep the row's server clock so the
				// pull watermark is unaffected.
				pet, err := e.cache.Pets.Get(ctx, p.PetID)
				if apperrors.Is(err, apperrors.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				deletedAt = pet.UpdatedAt
				if deletedAt <= 0 {
					deletedAt = e.now().UnixMilli()
				}
			}
			err := e.cache.Pets.MarkDeleted(ctx, p.PetID, deletedAt)
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return nil
			}
			return err
		}, err
	case models.CreateAlertPayload:
		alert, err := e.remote.CreateAlert(ctx, key, p)
		return confirmEntity(e.cache.Alerts, alert), err
	case models.ResolveAlertPayload:
		alert, err := e.remote.ResolveAlert(ctx, key, p)
		return confirmEntity(e.cache.Alerts, alert), err
	case models.CreateSuccessStoryPayload:
		story, err := e.remote.CreateSuccessStory(ctx, key, p)
		return confirmEntity(e.cache.Stories, story), err
	default:
		return nil, apperrors.New(apperrors.ErrUnknownAction, fmt.Sprintf("no remote call for %T", payload))
	}
}

func confirmEntity[T any, PT interface {
	*T
	models.Entity
}](table *cache.Table[PT], e PT) func(context.Context) error {
	return func(ctx context.Context) error {
		if e == nil {
			return nil
		}
		d, err := table.Merge(ctx, e)
		if err != nil {
			return err
		}
		if !d.Accept {
			logging.Debug("Server response older than cached row", map[string]interface{}{
				"kind":      table.Kind(),
				"entity_id": e.Meta().ID,
			})
		}
		return nil
	}
}

func entityKindOf(kind models.ActionKind) models.EntityKind {
	switch kind {
	case models.ActionCreatePet, models.ActionUpdatePet, models.ActionDeletePet:
		return models.KindPet
	case models.ActionCreateAlert, models.ActionResolveAlert:
		return models.KindAlert
	case models.ActionCreateSuccessStory:
		return models.KindSuccessStory
	}
	return ""
}
