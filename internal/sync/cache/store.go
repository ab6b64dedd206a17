// Package cache provides the durable local mirror of server-owned entities.
//
// Each entity kind has its own table. Rows confirmed by the server carry a
// non-zero last_synced_at; rows written ahead of confirmation carry 0.
package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	apperrors "github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/sync/conflict"
)

// Store bundles the per-kind tables. All tables share one write lock.
type Store struct {
	Pets    *Table[*models.Pet]
	Alerts  *Table[*models.Alert]
	Stories *Table[*models.SuccessStory]

	db *sql.DB
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now      func() time.Time
	resolver *conflict.Resolver
}

// WithClock overrides the clock used for last_synced_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithResolver overrides the conflict resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// New creates a Store over an already-migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.resolver == nil {
		o.resolver = conflict.NewResolver()
	}

	s := &Store{db: db}
	s.Pets = newTable(db, &s.mu, PetCodec, o.resolver, o.now)
	s.Alerts = newTable(db, &s.mu, AlertCodec, o.resolver, o.now)
	s.Stories = newTable(db, &s.mu, StoryCodec, o.resolver, o.now)
	return s
}

// Conflicts returns the most recent conflict log entries, newest first.
func (s *Store) Conflicts(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_kind, entity_id, local_updated_at, remote_updated_at, resolution, detected_at
		 FROM conflict_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Storage("list conflicts", err)
	}
	defer rows.Close()

	var out []models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		var kind string
		if err := rows.Scan(&c.ID, &kind, &c.EntityID, &c.LocalUpdatedAt, &c.RemoteUpdatedAt, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, apperrors.Storage("scan conflict", err)
		}
		c.EntityKind = models.EntityKind(kind)
		out = append(out, c)
	}
	return out, apperrors.Storage("list conflicts", rows.Err())
}

// LastSyncedAt returns the latest local confirmation time across all kinds
// for the owner, for display.
func (s *Store) LastSyncedAt(ctx context.Context, ownerID models.UUID) (time.Time, error) {
	var latest int64
	for _, f := range []func(context.Context, models.UUID) (int64, error){
		s.Pets.LastSyncedAt, s.Alerts.LastSyncedAt, s.Stories.LastSyncedAt,
	} {
		v, err := f(ctx, ownerID)
		if err != nil {
			return time.Time{}, err
		}
		if v > latest {
			latest = v
		}
	}
	if latest == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(latest), nil
}
