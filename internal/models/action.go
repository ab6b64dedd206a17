package models

import (
	"encoding/json"
	"time"
)

// ActionKind enumerates user-initiated mutations that can be queued.
type ActionKind string

const (
	ActionCreatePet          ActionKind = "create_pet"
	ActionUpdatePet          ActionKind = "update_pet"
	ActionDeletePet          ActionKind = "delete_pet"
	ActionCreateAlert        ActionKind = "create_alert"
	ActionResolveAlert       ActionKind = "resolve_alert"
	ActionCreateSuccessStory ActionKind = "create_success_story"
)

// ActionKinds lists every known kind.
var ActionKinds = []ActionKind{
	ActionCreatePet,
	ActionUpdatePet,
	ActionDeletePet,
	ActionCreateAlert,
	ActionResolveAlert,
	ActionCreateSuccessStory,
}

// Valid reports whether k is a known kind.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ActionStatus is the lifecycle state of a queued action.
//
//	pending -> in_flight -> completed
//	                     -> failed -> (backoff) -> in_flight
//	                     -> abandoned
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionInFlight  ActionStatus = "in_flight"
	ActionFailed    ActionStatus = "failed"
	ActionAbandoned ActionStatus = "abandoned"
	ActionCompleted ActionStatus = "completed"
)

// Terminal reports whether no automatic transition leaves s.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionAbandoned
}

// QueuedAction is a durable record of a mutation awaiting delivery.
type QueuedAction struct {
	ID          UUID            `db:"id" json:"id"`
	Seq         int64           `db:"seq" json:"seq"`
	Kind        ActionKind      `db:"kind" json:"kind"`
	EntityID    UUID            `db:"entity_id" json:"entity_id"`
	ParentID    UUID            `db:"parent_id" json:"parent_id,omitempty"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      ActionStatus    `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedAction.
func (QueuedAction) TableName() string {
	return "action_queue"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (a *QueuedAction) CreatedAtTime() time.Time {
	return time.UnixMilli(a.CreatedAt)
}

// NextRetryTime returns NextRetryAt as time.Time.
func (a *QueuedAction) NextRetryTime() time.Time {
	return time.UnixMilli(a.NextRetryAt)
}

// Abandoned reports whether the action needs user attention.
func (a *QueuedAction) Abandoned() bool {
	return a.Status == ActionAbandoned
}

// Decode returns the typed payload for the action's kind.
func (a *QueuedAction) Decode() (Payload, error) {
	return DecodePayload(a.Kind, a.Payload)
}
