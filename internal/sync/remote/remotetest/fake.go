// Package remotetest provides an in-memory PetLink API for tests and demos.
package remotetest

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/sync/remote"
)

// Fake is an in-memory remote.Client. Mutations are deduplicated by
// idempotency key and by entity ID, so a resent action returns the result of
// the first delivery.
type Fake struct {
	mu sync.Mutex

	clock   int64
	pets    map[models.UUID]*models.Pet
	alerts  map[models.UUID]*models.Alert
	stories map[models.UUID]*models.SuccessStory
	graves  map[models.UUID]grave

	responses map[models.UUID]interface{}
	failures  map[models.ActionKind][]failure
	calls     map[models.ActionKind]int
	applied   map[models.ActionKind]int
	keys      []models.UUID
	pulls     int
}

type grave struct {
	models.Tombstone
	owner models.UUID
}

type failure struct {
	err        error
	afterApply bool
}

var _ remote.Client = (*Fake)(nil)

// New creates an empty Fake whose clock starts at start (unix millis).
func New(start int64) *Fake {
	return &Fake{
		clock:     start,
		pets:      make(map[models.UUID]*models.Pet),
		alerts:    make(map[models.UUID]*models.Alert),
		stories:   make(map[models.UUID]*models.SuccessStory),
		graves:    make(map[models.UUID]grave),
		responses: make(map[models.UUID]interface{}),
		failures:  make(map[models.ActionKind][]failure),
		calls:     make(map[models.ActionKind]int),
		applied:   make(map[models.ActionKind]int),
	}
}

// Timeout is returned for scripted transient failures.
var Timeout error = &remote.StatusError{StatusCode: http.StatusGatewayTimeout, Message: "upstream timeout"}

// Invalid returns a validation rejection with the given message.
func Invalid(msg string) error {
	return &remote.StatusError{StatusCode: http.StatusUnprocessableEntity, Code: "validation_failed", Message: msg}
}

// Fail makes the next n calls of kind fail with err before reaching state.
func (f *Fake) Fail(kind models.ActionKind, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures[kind] = append(f.failures[kind], failure{err: err})
	}
}

// LoseResponse makes the next call of kind apply its mutation and then fail
// with a timeout, as when the response is lost in transit.
func (f *Fake) LoseResponse(kind models.ActionKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[kind] = append(f.failures[kind], failure{err: Timeout, afterApply: true})
}

// Calls returns how many times kind was invoked, failures included.
func (f *Fake) Calls(kind models.ActionKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// Applied returns how many times kind changed server state.
func (f *Fake) Applied(kind models.ActionKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[kind]
}

// Keys returns the idempotency keys received, in call order.
func (f *Fake) Keys() []models.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.UUID(nil), f.keys...)
}

// Pulls returns the number of pull calls served.
func (f *Fake) Pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

// Now returns the current server clock.
func (f *Fake) Now() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *Fake) tick() int64 {
	f.clock++
	return f.clock
}

// PutPet stores p as if another device had written it and returns the
// stored copy. A zero UpdatedAt is stamped with the server clock.
func (f *Fake) PutPet(p models.Pet) *models.Pet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.UpdatedAt == 0 {
		p.UpdatedAt = f.tick()
	}
	p.LastSyncedAt = 0
	f.pets[p.ID] = &p
	c := p
	return &c
}

// PutAlert stores a as if another device had written it.
func (f *Fake) PutAlert(a models.Alert) *models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.UpdatedAt == 0 {
		a.UpdatedAt = f.tick()
	}
	a.LastSyncedAt = 0
	f.alerts[a.ID] = &a
	c := a
	return &c
}

// RemovePet deletes a pet server-side and records a tombstone.
func (f *Fake) RemovePet(id models.UUID) models.Tombstone {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removePet(id)
}

func (f *Fake) removePet(id models.UUID) models.Tombstone {
	ts := models.Tombstone{ID: id, DeletedAt: f.tick()}
	var owner models.UUID
	if p, ok := f.pets[id]; ok {
		owner = p.OwnerID
	}
	delete(f.pets, id)
	f.graves[id] = grave{Tombstone: ts, owner: owner}
	return ts
}

// Pet returns the server copy of a pet.
func (f *Fake) Pet(id models.UUID) (*models.Pet, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pets[id]
	if !ok {
		return nil, false
	}
	c := *p
	return &c, true
}

// PetCount returns the number of live pets on the server.
func (f *Fake) PetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pets)
}

// mutate runs apply once per idempotency key, honouring scripted failures.
func mutate[T any](f *Fake, kind models.ActionKind, key models.UUID, apply func() (*T, error)) (*T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[kind]++
	f.keys = append(f.keys, key)

	var scripted *failure
	if queue := f.failures[kind]; len(queue) > 0 {
		scripted = &queue[0]
		f.failures[kind] = queue[1:]
		if !scripted.afterApply {
			return nil, scripted.err
		}
	}

	if prev, ok := f.responses[key]; ok {
		if scripted != nil {
			return nil, scripted.err
		}
		c := *(prev.(*T))
		return &c, nil
	}

	out, err := apply()
	if err != nil {
		return nil, err
	}
	f.applied[kind]++
	f.responses[key] = out

	if scripted != nil {
		return nil, scripted.err
	}
	c := *out
	return &c, nil
}

func notFound(what string, id models.UUID) error {
	return &remote.StatusError{StatusCode: http.StatusNotFound, Code: "not_found", Message: what + " " + id.String() + " not found"}
}

// CreatePet implements remote.Client.
func (f *Fake) CreatePet(_ context.Context, key models.UUID, p models.CreatePetPayload) (*models.Pet, error) {
	return mutate(f, models.ActionCreatePet, key, func() (*models.Pet, error) {
		if existing, ok := f.pets[p.PetID]; ok {
			c := *existing
			return &c, nil
		}
		pet := p.Pet()
		pet.UpdatedAt = f.tick()
		f.pets[pet.ID] = pet
		c := *pet
		return &c, nil
	})
}

// UpdatePet implements remote.Client.
func (f *Fake) UpdatePet(_ context.Context, key models.UUID, p models.UpdatePetPayload) (*models.Pet, error) {
	return mutate(f, models.ActionUpdatePet, key, func() (*models.Pet, error) {
		pet, ok := f.pets[p.PetID]
		if !ok {
			return nil, notFound("pet", p.PetID)
		}
		p.Apply(pet)
		pet.UpdatedAt = f.tick()
		c := *pet
		return &c, nil
	})
}

// DeletePet implements remote.Client.
func (f *Fake) DeletePet(_ context.Context, key models.UUID, p models.DeletePetPayload) (*models.Tombstone, error) {
	return mutate(f, models.ActionDeletePet, key, func() (*models.Tombstone, error) {
		if g, ok := f.graves[p.PetID]; ok {
			ts := g.Tombstone
			return &ts, nil
		}
		if _, ok := f.pets[p.PetID]; !ok {
			return nil, notFound("pet", p.PetID)
		}
		ts := f.removePet(p.PetID)
		return &ts, nil
	})
}

// CreateAlert implements remote.Client.
func (f *Fake) CreateAlert(_ context.Context, key models.UUID, p models.CreateAlertPayload) (*models.Alert, error) {
	return mutate(f, models.ActionCreateAlert, key, func() (*models.Alert, error) {
		if existing, ok := f.alerts[p.AlertID]; ok {
			c := *existing
			return &c, nil
		}
		pet, ok := f.pets[p.PetID]
		if !ok {
			return nil, notFound("pet", p.PetID)
		}
		alert := p.Alert()
		alert.UpdatedAt = f.tick()
		f.alerts[alert.ID] = alert
		pet.Missing = true
		pet.UpdatedAt = f.clock
		c := *alert
		return &c, nil
	})
}

// ResolveAlert implements remote.Client.
func (f *Fake) ResolveAlert(_ context.Context, key models.UUID, p models.ResolveAlertPayload) (*models.Alert, error) {
	return mutate(f, models.ActionResolveAlert, key, func() (*models.Alert, error) {
		alert, ok := f.alerts[p.AlertID]
		if !ok {
			return nil, notFound("alert", p.AlertID)
		}
		p.Apply(alert)
		alert.UpdatedAt = f.tick()
		if pet, ok := f.pets[alert.PetID]; ok {
			pet.Missing = false
			pet.UpdatedAt = f.clock
		}
		c := *alert
		return &c, nil
	})
}

// CreateSuccessStory implements remote.Client.
func (f *Fake) CreateSuccessStory(_ context.Context, key models.UUID, p models.CreateSuccessStoryPayload) (*models.SuccessStory, error) {
	return mutate(f, models.ActionCreateSuccessStory, key, func() (*models.SuccessStory, error) {
		if existing, ok := f.stories[p.StoryID]; ok {
			c := *existing
			return &c, nil
		}
		if _, ok := f.pets[p.PetID]; !ok {
			return nil, notFound("pet", p.PetID)
		}
		story := p.Story()
		story.UpdatedAt = f.tick()
		f.stories[story.ID] = story
		c := *story
		return &c, nil
	})
}

// PullPets implements remote.Client.
func (f *Fake) PullPets(_ context.Context, ownerID models.UUID, since int64) (*remote.Delta[*models.Pet], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++

	d := &remote.Delta[*models.Pet]{ServerTime: f.clock}
	for _, p := range f.pets {
		if p.OwnerID == ownerID && p.UpdatedAt >= since {
			c := *p
			d.Items = append(d.Items, &c)
		}
	}
	sort.Slice(d.Items, func(i, j int) bool { return d.Items[i].UpdatedAt < d.Items[j].UpdatedAt })
	for _, g := range f.graves {
		if g.owner == ownerID && g.DeletedAt >= since {
			d.Tombstones = append(d.Tombstones, g.Tombstone)
		}
	}
	return d, nil
}

// PullAlerts implements remote.Client.
func (f *Fake) PullAlerts(_ context.Context, ownerID models.UUID, since int64) (*remote.Delta[*models.Alert], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++

	d := &remote.Delta[*models.Alert]{ServerTime: f.clock}
	for _, a := range f.alerts {
		if a.OwnerID == ownerID && a.UpdatedAt >= since {
			c := *a
			d.Items = append(d.Items, &c)
		}
	}
	sort.Slice(d.Items, func(i, j int) bool { return d.Items[i].UpdatedAt < d.Items[j].UpdatedAt })
	return d, nil
}

// PullStories implements remote.Client.
func (f *Fake) PullStories(_ context.Context, ownerID models.UUID, since int64) (*remote.Delta[*models.SuccessStory], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++

	d := &remote.Delta[*models.SuccessStory]{ServerTime: f.clock}
	for _, s := range f.stories {
		if s.OwnerID == ownerID && s.UpdatedAt >= since {
			c := *s
			d.Items = append(d.Items, &c)
		}
	}
	sort.Slice(d.Items, func(i, j int) bool { return d.Items[i].UpdatedAt < d.Items[j].UpdatedAt })
	return d, nil
}
