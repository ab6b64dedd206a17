package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Payload is the typed body of a queued action. Each ActionKind has exactly
// one payload type.
type Payload interface {
	// Kind returns the action kind this payload belongs to.
	Kind() ActionKind
	// Target returns the ID of the entity the action mutates.
	Target() UUID
	// Parent returns the ID of an entity the target depends on, if any.
	Parent() UUID
}

// Checker is implemented by payloads with rules struct tags cannot express.
type Checker interface {
	Check() error
}

// CreatePetPayload creates a pet profile. PetID is generated on the device
// and doubles as the server's deduplication key.
type CreatePetPayload struct {
	PetID     UUID   `json:"pet_id" validate:"required,uuid"`
	OwnerID   UUID   `json:"owner_id" validate:"required"`
	Name      string `json:"name" validate:"required,max=80"`
	Species   string `json:"species" validate:"required,max=40"`
	Breed     string `json:"breed,omitempty" validate:"max=80"`
	Color     string `json:"color,omitempty" validate:"max=40"`
	Microchip string `json:"microchip,omitempty" validate:"omitempty,numeric,len=15"`
	TagCode   string `json:"tag_code,omitempty" validate:"max=64"`
	PhotoURL  string `json:"photo_url,omitempty" validate:"omitempty,url"`
	Notes     string `json:"notes,omitempty" validate:"max=2000"`
}

func (CreatePetPayload) Kind() ActionKind { return ActionCreatePet }
func (p CreatePetPayload) Target() UUID   { return p.PetID }
func (CreatePetPayload) Parent() UUID     { return "" }

// Pet builds the entity the payload describes.
func (p CreatePetPayload) Pet() *Pet {
	return &Pet{
		SyncMeta:  SyncMeta{ID: p.PetID, OwnerID: p.OwnerID},
		Name:      p.Name,
		Species:   p.Species,
		Breed:     p.Breed,
		Color:     p.Color,
		Microchip: p.Microchip,
		TagCode:   p.TagCode,
		PhotoURL:  p.PhotoURL,
		Notes:     p.Notes,
	}
}

// UpdatePetPayload patches a pet; nil fields are left unchanged.
type UpdatePetPayload struct {
	PetID     UUID    `json:"pet_id" validate:"required"`
	Name      *string `json:"name,omitempty" validate:"omitempty,min=1,max=80"`
	Species   *string `json:"species,omitempty" validate:"omitempty,min=1,max=40"`
	Breed     *string `json:"breed,omitempty" validate:"omitempty,max=80"`
	Color     *string `json:"color,omitempty" validate:"omitempty,max=40"`
	Microchip *string `json:"microchip,omitempty" validate:"omitempty,numeric,len=15"`
	PhotoURL  *string `json:"photo_url,omitempty" validate:"omitempty,url"`
	Notes     *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
	Missing   *bool   `json:"missing,omitempty"`
}

func (UpdatePetPayload) Kind() ActionKind { return ActionUpdatePet }
func (p UpdatePetPayload) Target() UUID   { return p.PetID }
func (UpdatePetPayload) Parent() UUID     { return "" }

// Apply copies the set fields onto pet.
func (p UpdatePetPayload) Apply(pet *Pet) {
	if p.Name != nil {
		pet.Name = *p.Name
	}
	if p.Species != nil {
		pet.Species = *p.Species
	}
	if p.Breed != nil {
		pet.Breed = *p.Breed
	}
	if p.Color != nil {
		pet.Color = *p.Color
	}
	if p.Microchip != nil {
		pet.Microchip = *p.Microchip
	}
	if p.PhotoURL != nil {
		pet.PhotoURL = *p.PhotoURL
	}
	if p.Notes != nil {
		pet.Notes = *p.Notes
	}
	if p.Missing != nil {
		pet.Missing = *p.Missing
	}
}

// DeletePetPayload removes a pet profile.
type DeletePetPayload struct {
	PetID UUID `json:"pet_id" validate:"required"`
}

func (DeletePetPayload) Kind() ActionKind { return ActionDeletePet }
func (p DeletePetPayload) Target() UUID   { return p.PetID }
func (DeletePetPayload) Parent() UUID     { return "" }

// CreateAlertPayload reports a pet missing.
type CreateAlertPayload struct {
	AlertID      UUID            `json:"alert_id" validate:"required,uuid"`
	PetID        UUID            `json:"pet_id" validate:"required"`
	OwnerID      UUID            `json:"owner_id" validate:"required"`
	Latitude     float64         `json:"latitude" validate:"latitude"`
	Longitude    float64         `json:"longitude" validate:"longitude"`
	LocationText string          `json:"location_text,omitempty" validate:"max=200"`
	LastSeenAt   int64           `json:"last_seen_at,omitempty" validate:"gte=0"`
	Reward       decimal.Decimal `json:"reward"`
	ContactPhone string          `json:"contact_phone,omitempty" validate:"omitempty,e164"`
}

func (CreateAlertPayload) Kind() ActionKind { return ActionCreateAlert }
func (p CreateAlertPayload) Target() UUID   { return p.AlertID }
func (p CreateAlertPayload) Parent() UUID   { return p.PetID }

// Check rejects negative rewards.
func (p CreateAlertPayload) Check() error {
	if p.Reward.IsNegative() {
		return fmt.Errorf("reward must not be negative, got %s", p.Reward)
	}
	return nil
}

// Alert builds the entity the payload describes.
func (p CreateAlertPayload) Alert() *Alert {
	return &Alert{
		SyncMeta:     SyncMeta{ID: p.AlertID, OwnerID: p.OwnerID},
		PetID:        p.PetID,
		Status:       AlertActive,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		LocationText: p.LocationText,
		LastSeenAt:   p.LastSeenAt,
		Reward:       p.Reward,
		ContactPhone: p.ContactPhone,
	}
}

// ResolveAlertPayload closes an alert.
type ResolveAlertPayload struct {
	AlertID    UUID   `json:"alert_id" validate:"required"`
	ResolvedAt int64  `json:"resolved_at" validate:"gt=0"`
	Note       string `json:"note,omitempty" validate:"max=500"`
}

func (ResolveAlertPayload) Kind() ActionKind { return ActionResolveAlert }
func (p ResolveAlertPayload) Target() UUID   { return p.AlertID }
func (ResolveAlertPayload) Parent() UUID     { return "" }

// Apply marks alert resolved.
func (p ResolveAlertPayload) Apply(alert *Alert) {
	alert.Status = AlertResolved
	alert.ResolvedAt = p.ResolvedAt
	alert.ResolveNote = p.Note
}

// CreateSuccessStoryPayload publishes a reunion story.
type CreateSuccessStoryPayload struct {
	StoryID  UUID   `json:"story_id" validate:"required,uuid"`
	PetID    UUID   `json:"pet_id" validate:"required"`
	AlertID  UUID   `json:"alert_id,omitempty"`
	OwnerID  UUID   `json:"owner_id" validate:"required"`
	Title    string `json:"title" validate:"required,max=120"`
	Body     string `json:"body" validate:"required,max=10000"`
	PhotoURL string `json:"photo_url,omitempty" validate:"omitempty,url"`
}

func (CreateSuccessStoryPayload) Kind() ActionKind { return ActionCreateSuccessStory }
func (p CreateSuccessStoryPayload) Target() UUID   { return p.StoryID }
func (p CreateSuccessStoryPayload) Parent() UUID   { return p.PetID }

// Story builds the entity the payload describes.
func (p CreateSuccessStoryPayload) Story() *SuccessStory {
	return &SuccessStory{
		SyncMeta: SyncMeta{ID: p.StoryID, OwnerID: p.OwnerID},
		PetID:    p.PetID,
		AlertID:  p.AlertID,
		Title:    p.Title,
		Body:     p.Body,
		PhotoURL: p.PhotoURL,
	}
}

// DecodePayload unmarshals raw into the payload type registered for kind.
func DecodePayload(kind ActionKind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case ActionCreatePet:
		var v CreatePetPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionUpdatePet:
		var v UpdatePetPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionDeletePet:
		var v DeletePetPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionCreateAlert:
		var v CreateAlertPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionResolveAlert:
		var v ResolveAlertPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionCreateSuccessStory:
		var v CreateSuccessStoryPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
