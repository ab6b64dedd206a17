package cache

import "github.com/petlink/core/internal/models"

// Codec maps one entity kind onto its table. Columns, Values and Targets
// cover the kind-specific columns only; the shared sync columns are handled
// by Table.
type Codec[T models.Entity] struct {
	Kind    models.EntityKind
	Table   string
	Columns []string
	New     func() T
	Values  func(T) []interface{}
	Targets func(T) []interface{}
}

// PetCodec maps Pet onto the pets table.
var PetCodec = Codec[*models.Pet]{
	Kind:    models.KindPet,
	Table:   models.Pet{}.TableName(),
	Columns: []string{"name", "species", "breed", "color", "microchip", "tag_code", "photo_url", "notes", "missing"},
	New:     func() *models.Pet { return &models.Pet{} },
	Values: func(p *models.Pet) []interface{} {
		return []interface{}{p.Name, p.Species, p.Breed, p.Color, p.Microchip, p.TagCode, p.PhotoURL, p.Notes, p.Missing}
	},
	Targets: func(p *models.Pet) []interface{} {
		return []interface{}{&p.Name, &p.Species, &p.Breed, &p.Color, &p.Microchip, &p.TagCode, &p.PhotoURL, &p.Notes, &p.Missing}
	},
}

// AlertCodec maps Alert onto the alerts table.
var AlertCodec = Codec[*models.Alert]{
	Kind:  models.KindAlert,
	Table: models.Alert{}.TableName(),
	Columns: []string{"pet_id", "status", "latitude", "longitude", "location_text", "last_seen_at",
		"reward", "contact_phone", "resolved_at", "resolve_note"},
	New: func() *models.Alert { return &models.Alert{} },
	Values: func(a *models.Alert) []interface{} {
		return []interface{}{a.PetID, a.Status, a.Latitude, a.Longitude, a.LocationText, a.LastSeenAt,
			a.Reward.String(), a.ContactPhone, a.ResolvedAt, a.ResolveNote}
	},
	Targets: func(a *models.Alert) []interface{} {
		return []interface{}{&a.PetID, &a.Status, &a.Latitude, &a.Longitude, &a.LocationText, &a.LastSeenAt,
			&a.Reward, &a.ContactPhone, &a.ResolvedAt, &a.ResolveNote}
	},
}

// StoryCodec maps SuccessStory onto the success_stories table.
var StoryCodec = Codec[*models.SuccessStory]{
	Kind:    models.KindSuccessStory,
	Table:   models.SuccessStory{}.TableName(),
	Columns: []string{"pet_id", "alert_id", "title", "body", "photo_url"},
	New:     func() *models.SuccessStory { return &models.SuccessStory{} },
	Values: func(s *models.SuccessStory) []interface{} {
		return []interface{}{s.PetID, s.AlertID, s.Title, s.Body, s.PhotoURL}
	},
	Targets: func(s *models.SuccessStory) []interface{} {
		return []interface{}{&s.PetID, &s.AlertID, &s.Title, &s.Body, &s.PhotoURL}
	},
}
