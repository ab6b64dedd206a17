// Package remote defines the contract of the PetLink API as consumed by the
// sync engine, an HTTP implementation and error classification.
package remote

import (
	"context"

	"github.com/petlink/core/internal/models"
)

// Delta is the result of a pull: entities changed at or after the requested
// watermark and deletions in the same window.
type Delta[T any] struct {
	Items      []T                `json:"items"`
	Tombstones []models.Tombstone `json:"tombstones"`
	ServerTime int64              `json:"server_time"`
}

// Client is the remote API. Every mutation takes the action ID as its
// idempotency key and must be safe to repeat with the same key.
type Client interface {
	CreatePet(ctx context.Context, key models.UUID, p models.CreatePetPayload) (*models.Pet, error)
	UpdatePet(ctx context.Context, key models.UUID, p models.UpdatePetPayload) (*models.Pet, error)
	DeletePet(ctx context.Context, key models.UUID, p models.DeletePetPayload) (*models.Tombstone, error)
	CreateAlert(ctx context.Context, key models.UUID, p models.CreateAlertPayload) (*models.Alert, error)
	ResolveAlert(ctx context.Context, key models.UUID, p models.ResolveAlertPayload) (*models.Alert, error)
	CreateSuccessStory(ctx context.Context, key models.UUID, p models.CreateSuccessStoryPayload) (*models.SuccessStory, error)

	PullPets(ctx context.Context, ownerID models.UUID, since int64) (*Delta[*models.Pet], error)
	PullAlerts(ctx context.Context, ownerID models.UUID, since int64) (*Delta[*models.Alert], error)
	PullStories(ctx context.Context, ownerID models.UUID, since int64) (*Delta[*models.SuccessStory], error)
}
