package models

import "github.com/shopspring/decimal"

// Pet is a pet profile owned by a user. TagCode is the value encoded in the
// pet's QR tag.
type Pet struct {
	SyncMeta
	Name      string `db:"name" json:"name"`
	Species   string `db:"species" json:"species"`
	Breed     string `db:"breed" json:"breed,omitempty"`
	Color     string `db:"color" json:"color,omitempty"`
	Microchip string `db:"microchip" json:"microchip,omitempty"`
	TagCode   string `db:"tag_code" json:"tag_code,omitempty"`
	PhotoURL  string `db:"photo_url" json:"photo_url,omitempty"`
	Notes     string `db:"notes" json:"notes,omitempty"`
	Missing   bool   `db:"missing" json:"missing"`
}

// EntityKind implements Entity.
func (*Pet) EntityKind() EntityKind { return KindPet }

// TableName returns the table name for Pet.
func (Pet) TableName() string { return "pets" }

// Alert status values.
const (
	AlertActive   = "active"
	AlertResolved = "resolved"
)

// Alert is a missing-pet alert.
type Alert struct {
	SyncMeta
	PetID        UUID            `db:"pet_id" json:"pet_id"`
	Status       string          `db:"status" json:"status"`
	Latitude     float64         `db:"latitude" json:"latitude"`
	Longitude    float64         `db:"longitude" json:"longitude"`
	LocationText string          `db:"location_text" json:"location_text,omitempty"`
	LastSeenAt   int64           `db:"last_seen_at" json:"last_seen_at,omitempty"`
	Reward       decimal.Decimal `db:"reward" json:"reward"`
	ContactPhone string          `db:"contact_phone" json:"contact_phone,omitempty"`
	ResolvedAt   int64           `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolveNote  string          `db:"resolve_note" json:"resolve_note,omitempty"`
}

// EntityKind implements Entity.
func (*Alert) EntityKind() EntityKind { return KindAlert }

// TableName returns the table name for Alert.
func (Alert) TableName() string { return "alerts" }

// Active reports whether the alert is still open.
func (a *Alert) Active() bool { return a.Status == AlertActive }

// SuccessStory is a published reunion story.
type SuccessStory struct {
	SyncMeta
	PetID    UUID   `db:"pet_id" json:"pet_id"`
	AlertID  UUID   `db:"alert_id" json:"alert_id,omitempty"`
	Title    string `db:"title" json:"title"`
	Body     string `db:"body" json:"body"`
	PhotoURL string `db:"photo_url" json:"photo_url,omitempty"`
}

// EntityKind implements Entity.
func (*SuccessStory) EntityKind() EntityKind { return KindSuccessStory }

// TableName returns the table name for SuccessStory.
func (SuccessStory) TableName() string { return "success_stories" }
