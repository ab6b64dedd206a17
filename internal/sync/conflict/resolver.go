// Package conflict decides which version of a cached entity survives when a
// new version arrives from the server.
//
// The rule is server-timestamp wins: an incoming version replaces the cached
// row when its updated_at is at least the cached one. An optimistic row has
// no server timestamp and is always replaced.
package conflict

import (
	"time"

	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/models"
)

// Resolution describes why a decision was made. It is stored in conflict_log.
type Resolution string

const (
	ResolutionInsert            Resolution = "insert"
	ResolutionReplaceOptimistic Resolution = "replace_optimistic"
	ResolutionIncomingWins      Resolution = "incoming_wins"
	ResolutionStaleDiscarded    Resolution = "stale_discarded"
)

// Decision is the outcome of comparing a cached row with an incoming version.
type Decision struct {
	Accept     bool
	Resolution Resolution
}

// Resolver applies the server-timestamp-wins rule.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// Decide compares cached (nil when the cache has no row) with incoming.
func (r *Resolver) Decide(cached, incoming *models.SyncMeta) Decision {
	switch {
	case cached == nil:
		return Decision{Accept: true, Resolution: ResolutionInsert}
	case cached.Optimistic():
		return Decision{Accept: true, Resolution: ResolutionReplaceOptimistic}
	case incoming.UpdatedAt >= cached.UpdatedAt:
		// Equal timestamps prefer incoming; identical content makes it a no-op.
		return Decision{Accept: true, Resolution: ResolutionIncomingWins}
	default:
		return Decision{Accept: false, Resolution: ResolutionStaleDiscarded}
	}
}

// Conflict is a stale incoming version that lost against the cache.
type Conflict struct {
	Kind     models.EntityKind
	Cached   *models.SyncMeta
	Incoming *models.SyncMeta
}

// Resolve runs Decide and, when the incoming version is discarded, returns
// the conflict_log entry describing it.
func (r *Resolver) Resolve(c *Conflict) (Decision, *models.ConflictLog, error) {
	if c == nil || c.Incoming == nil {
		return Decision{}, nil, ErrInvalidConflict
	}
	if c.Cached != nil && c.Cached.ID != c.Incoming.ID {
		return Decision{}, nil, ErrItemIDMismatch
	}

	d := r.Decide(c.Cached, c.Incoming)
	if d.Accept {
		return d, nil, nil
	}

	entry := &models.ConflictLog{
		EntityKind:      c.Kind,
		EntityID:        c.Incoming.ID,
		LocalUpdatedAt:  c.Cached.UpdatedAt,
		RemoteUpdatedAt: c.Incoming.UpdatedAt,
		Resolution:      string(d.Resolution),
		DetectedAt:      r.now().UnixMilli(),
	}

	logging.Info("Stale version discarded",
		map[string]interface{}{
			"entity_kind":      string(c.Kind),
			"entity_id":        c.Incoming.ID.String(),
			"local_timestamp":  c.Cached.UpdatedAt,
			"remote_timestamp": c.Incoming.UpdatedAt,
		})

	return d, entry, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: incoming version must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
