// Package queue tests for the durable action queue.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petlink/core/internal/db"
	apperrors "github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/uuid"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fixedClock, *db.DB) {
	t.Helper()
	database, err := db.Setup(t.TempDir())
	if err != nil {
		t.Fatalf("db.Setup() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	clock := &fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	return New(database.DB, WithClock(clock.Now)), clock, database
}

func createPet(name string) models.CreatePetPayload {
	return models.CreatePetPayload{
		PetID:   models.UUID(uuid.New()),
		OwnerID: "owner-1",
		Name:    name,
		Species: "dog",
	}
}

func rename(id models.UUID, name string) models.UpdatePetPayload {
	return models.UpdatePetPayload{PetID: id, Name: &name}
}

// TestEnqueue verifies a new action starts Pending with zero retries.
func TestEnqueue(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	p := createPet("Max")
	action, err := s.Enqueue(ctx, p)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if action.ID.IsZero() {
		t.Error("Expected action ID to be set")
	}
	if action.Kind != models.ActionCreatePet {
		t.Errorf("Expected create_pet, got %s", action.Kind)
	}
	if action.EntityID != p.PetID {
		t.Errorf("EntityID = %s, want %s", action.EntityID, p.PetID)
	}
	if action.Status != models.ActionPending {
		t.Errorf("Expected Pending status, got %s", action.Status)
	}
	if action.RetryCount != 0 {
		t.Errorf("Expected RetryCount 0, got %d", action.RetryCount)
	}
	if action.CreatedAt != clock.Now().UnixMilli() {
		t.Errorf("CreatedAt = %d, want %d", action.CreatedAt, clock.Now().UnixMilli())
	}

	stored, err := s.Get(ctx, action.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	decoded, err := stored.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := decoded.(models.CreatePetPayload); got.Name != "Max" {
		t.Errorf("decoded name = %q, want Max", got.Name)
	}
}

// TestEnqueue_monotonicCreatedAt verifies created_at strictly increases even
// when the clock stands still or moves backwards.
func TestEnqueue_monotonicCreatedAt(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		if i == 3 {
			clock.Advance(-time.Minute)
		}
		action, err := s.Enqueue(ctx, createPet("Pet"))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if action.CreatedAt <= last {
			t.Errorf("CreatedAt %d not greater than previous %d", action.CreatedAt, last)
		}
		last = action.CreatedAt
	}
}

// TestEnqueue_validation verifies malformed payloads are rejected.
func TestEnqueue_validation(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	bad := createPet("")
	if _, err := s.Enqueue(ctx, bad); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("missing name: got %v, want VALIDATION_ERROR", err)
	}

	alert := models.CreateAlertPayload{
		AlertID: models.UUID(uuid.New()),
		PetID:   "pet-1",
		OwnerID: "owner-1",
		Reward:  decimal.NewFromInt(-5),
	}
	if _, err := s.Enqueue(ctx, alert); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("negative reward: got %v, want VALIDATION_ERROR", err)
	}

	if _, err := s.Enqueue(ctx, nil); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("nil payload: got %v, want VALIDATION_ERROR", err)
	}

	stats, _ := s.Stats(ctx)
	if stats.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after rejected enqueues", stats.Pending)
	}
}

// TestNextPending_order verifies the oldest action is returned and that
// NextPending does not change state.
func TestNextPending_order(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	first, _ := s.Enqueue(ctx, createPet("A"))
	s.Enqueue(ctx, createPet("B"))

	now := time.Now()
	for i := 0; i < 2; i++ {
		next, err := s.NextPending(ctx, now)
		if err != nil {
			t.Fatalf("NextPending failed: %v", err)
		}
		if next == nil || next.ID != first.ID {
			t.Fatalf("NextPending = %v, want %s", next, first.ID)
		}
	}

	next, _ := s.NextPending(ctx, now, first.ID)
	if next == nil || next.ID == first.ID {
		t.Errorf("NextPending with exclusion returned %v", next)
	}
}

// TestNextPending_empty verifies nil is returned for an empty queue.
func TestNextPending_empty(t *testing.T) {
	s, _, _ := newTestStore(t)

	next, err := s.NextPending(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("NextPending failed: %v", err)
	}
	if next != nil {
		t.Errorf("Expected nil, got %v", next)
	}
}

// TestNextPending_perEntityBlocking verifies a failed action holds back later
// actions on the same entity but not on other entities.
func TestNextPending_perEntityBlocking(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	pet := createPet("Max")
	create, _ := s.Enqueue(ctx, pet)
	update, _ := s.Enqueue(ctx, rename(pet.PetID, "Maximus"))
	other, _ := s.Enqueue(ctx, createPet("Bella"))

	if err := s.MarkInFlight(ctx, create.ID); err != nil {
		t.Fatal(err)
	}
	retryAt := clock.Now().Add(time.Minute)
	if err := s.MarkFailed(ctx, create.ID, "timeout", retryAt); err != nil {
		t.Fatal(err)
	}

	next, err := s.NextPending(ctx, clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != other.ID {
		t.Fatalf("NextPending = %v, want unrelated action %s", next, other.ID)
	}

	next, _ = s.NextPending(ctx, clock.Now(), other.ID)
	if next != nil {
		t.Fatalf("update %s must wait behind failed create, got %s", update.ID, next.ID)
	}

	// Once the deadline passes the failed create is due again, ahead of the update.
	next, _ = s.NextPending(ctx, retryAt, other.ID)
	if next == nil || next.ID != create.ID {
		t.Fatalf("NextPending after deadline = %v, want %s", next, create.ID)
	}
}

// TestNextPending_parentBlocking verifies a child create waits for its parent.
func TestNextPending_parentBlocking(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	pet := createPet("Max")
	create, _ := s.Enqueue(ctx, pet)
	alert, err := s.Enqueue(ctx, models.CreateAlertPayload{
		AlertID: models.UUID(uuid.New()),
		PetID:   pet.PetID,
		OwnerID: pet.OwnerID,
	})
	if err != nil {
		t.Fatalf("Enqueue alert failed: %v", err)
	}
	if alert.ParentID != pet.PetID {
		t.Fatalf("ParentID = %s, want %s", alert.ParentID, pet.PetID)
	}

	next, _ := s.NextPending(ctx, time.Now(), create.ID)
	if next != nil {
		t.Errorf("alert must wait for pet create, got %s", next.ID)
	}

	s.MarkInFlight(ctx, create.ID)
	s.MarkAbandoned(ctx, create.ID, "rejected")

	next, _ = s.NextPending(ctx, time.Now())
	if next == nil || next.ID != alert.ID {
		t.Errorf("abandoned parent should not block, got %v", next)
	}
}

// TestTransitions verifies the legal state machine edges.
func TestTransitions(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	action, _ := s.Enqueue(ctx, createPet("Max"))

	if err := s.MarkCompleted(ctx, action.ID); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Pending -> Completed: got %v, want INVALID_TRANSITION", err)
	}
	if err := s.MarkInFlight(ctx, action.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if err := s.MarkInFlight(ctx, action.ID); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("InFlight -> InFlight: got %v", err)
	}
	if err := s.MarkFailed(ctx, action.ID, "503", clock.Now().Add(time.Second)); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	got, _ := s.Get(ctx, action.ID)
	if got.Status != models.ActionFailed || got.RetryCount != 1 || got.LastError != "503" {
		t.Errorf("after MarkFailed: %+v", got)
	}

	if err := s.MarkInFlight(ctx, action.ID); err != nil {
		t.Fatalf("Failed -> InFlight: %v", err)
	}
	if err := s.MarkCompleted(ctx, action.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	got, _ = s.Get(ctx, action.ID)
	if got.Status != models.ActionCompleted || got.LastError != "" {
		t.Errorf("after MarkCompleted: %+v", got)
	}

	if err := s.MarkInFlight(ctx, "missing"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown id: got %v, want NOT_FOUND", err)
	}
}

// TestMarkAbandoned verifies permanent failure keeps retry_count.
func TestMarkAbandoned(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	action, _ := s.Enqueue(ctx, createPet("Max"))
	s.MarkInFlight(ctx, action.ID)
	if err := s.MarkAbandoned(ctx, action.ID, "422 invalid species"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, action.ID)
	if !got.Abandoned() || got.RetryCount != 0 {
		t.Errorf("got status %s retry %d, want abandoned/0", got.Status, got.RetryCount)
	}

	if err := s.MarkInFlight(ctx, action.ID); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Abandoned must be terminal, got %v", err)
	}
}

// TestMarkExhausted verifies the final transient failure is counted.
func TestMarkExhausted(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	action, _ := s.Enqueue(ctx, createPet("Max"))
	s.MarkInFlight(ctx, action.ID)
	if err := s.MarkExhausted(ctx, action.ID, "timeout"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, action.ID)
	if got.Status != models.ActionAbandoned || got.RetryCount != 1 {
		t.Errorf("got status %s retry %d, want abandoned/1", got.Status, got.RetryCount)
	}
}

// TestRecoverInFlight verifies interrupted rows become Pending after reopen.
func TestRecoverInFlight(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	database, err := db.Setup(dir)
	if err != nil {
		t.Fatal(err)
	}
	s := New(database.DB)
	action, _ := s.Enqueue(ctx, createPet("Max"))
	s.MarkInFlight(ctx, action.ID)
	database.Close()

	database, err = db.Setup(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	s = New(database.DB)

	n, err := s.RecoverInFlight(ctx)
	if err != nil {
		t.Fatalf("RecoverInFlight failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d, want 1", n)
	}
	next, _ := s.NextPending(ctx, time.Now())
	if next == nil || next.ID != action.ID {
		t.Errorf("NextPending = %v, want recovered %s", next, action.ID)
	}
}

// TestPurgeCompleted verifies only old completed rows are deleted.
func TestPurgeCompleted(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	old, _ := s.Enqueue(ctx, createPet("Old"))
	s.MarkInFlight(ctx, old.ID)
	s.MarkCompleted(ctx, old.ID)

	clock.Advance(48 * time.Hour)
	recent, _ := s.Enqueue(ctx, createPet("Recent"))
	s.MarkInFlight(ctx, recent.ID)
	s.MarkCompleted(ctx, recent.ID)
	s.Enqueue(ctx, createPet("Pending"))

	n, err := s.PurgeCompleted(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeCompleted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := s.Get(ctx, old.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("old row still present: %v", err)
	}

	stats, _ := s.Stats(ctx)
	if stats.Completed != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestDiscardAndResubmit verifies the user-facing recovery paths.
func TestDiscardAndResubmit(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	pet := createPet("Max")
	action, _ := s.Enqueue(ctx, rename(pet.PetID, "M"))

	if _, err := s.Resubmit(ctx, action.ID, nil); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Resubmit of pending action: got %v", err)
	}

	s.MarkInFlight(ctx, action.ID)
	s.MarkAbandoned(ctx, action.ID, "name too short")

	if _, err := s.Resubmit(ctx, action.ID, rename("other-pet", "Maximus")); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Resubmit with different target: got %v", err)
	}

	resubmitted, err := s.Resubmit(ctx, action.ID, rename(pet.PetID, "Maximus"))
	if err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	if resubmitted.Status != models.ActionPending || resubmitted.RetryCount != 0 {
		t.Errorf("resubmitted = %+v", resubmitted)
	}
	var body models.UpdatePetPayload
	if err := json.Unmarshal(resubmitted.Payload, &body); err != nil || *body.Name != "Maximus" {
		t.Errorf("payload = %s, err = %v", resubmitted.Payload, err)
	}

	s.MarkInFlight(ctx, action.ID)
	s.MarkAbandoned(ctx, action.ID, "still wrong")
	discarded, err := s.Discard(ctx, action.ID)
	if err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if discarded.ID != action.ID {
		t.Errorf("Discard returned %s", discarded.ID)
	}
	if _, err := s.Get(ctx, action.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("discarded row still present: %v", err)
	}
}

// TestHasBlocking verifies outstanding actions are reported per entity.
func TestHasBlocking(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	pet := createPet("Max")
	action, _ := s.Enqueue(ctx, pet)

	blocked, err := s.HasBlocking(ctx, pet.PetID)
	if err != nil || !blocked {
		t.Errorf("HasBlocking = %v, %v; want true", blocked, err)
	}

	s.MarkInFlight(ctx, action.ID)
	s.MarkCompleted(ctx, action.ID)
	if blocked, _ := s.HasBlocking(ctx, pet.PetID); blocked {
		t.Error("completed action should not block")
	}
}

// TestList verifies status filtering and queue order.
func TestList(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, createPet("A"))
	b, _ := s.Enqueue(ctx, createPet("B"))
	s.MarkInFlight(ctx, b.ID)
	s.MarkAbandoned(ctx, b.ID, "bad")

	all, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != a.ID || all[1].ID != b.ID {
		t.Errorf("List() order wrong: %v", all)
	}

	abandoned, _ := s.List(ctx, models.ActionAbandoned)
	if len(abandoned) != 1 || abandoned[0].ID != b.ID {
		t.Errorf("List(abandoned) = %v", abandoned)
	}
}

// TestStats_outstanding verifies the outstanding helper.
func TestStats_outstanding(t *testing.T) {
	stats := Stats{Pending: 1, InFlight: 2, Failed: 3, Abandoned: 4, Completed: 5}
	if stats.Outstanding() != 6 {
		t.Errorf("Outstanding() = %d, want 6", stats.Outstanding())
	}
}
