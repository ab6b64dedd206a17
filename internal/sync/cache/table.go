package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/sync/conflict"
)

var metaColumns = []string{"id", "owner_id", "updated_at", "last_synced_at", "deleted_at"}

// Table is the cache table for one entity kind.
type Table[T models.Entity] struct {
	db       *sql.DB
	mu       *sync.Mutex
	codec    Codec[T]
	resolver *conflict.Resolver
	now      func() time.Time

	selectSQL string
	upsertSQL string
}

func newTable[T models.Entity](db *sql.DB, mu *sync.Mutex, codec Codec[T], resolver *conflict.Resolver, now func() time.Time) *Table[T] {
	cols := append(append([]string{}, metaColumns...), codec.Columns...)

	var updates []string
	for _, c := range cols[1:] {
		updates = append(updates, c+" = excluded."+c)
	}

	return &Table[T]{
		db:        db,
		mu:        mu,
		codec:     codec,
		resolver:  resolver,
		now:       now,
		selectSQL: "SELECT " + strings.Join(cols, ", ") + " FROM " + codec.Table,
		upsertSQL: "INSERT INTO " + codec.Table + " (" + strings.Join(cols, ", ") + ") VALUES (" +
			strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ") ON CONFLICT(id) DO UPDATE SET " +
			strings.Join(updates, ", "),
	}
}

// Kind returns the entity kind stored in the table.
func (t *Table[T]) Kind() models.EntityKind {
	return t.codec.Kind
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (t *Table[T]) write(ctx context.Context, ex execer, e T) error {
	m := e.Meta()
	var deleted interface{}
	if m.DeletedAt != nil {
		deleted = *m.DeletedAt
	}
	args := append([]interface{}{m.ID, m.OwnerID, m.UpdatedAt, m.LastSyncedAt, deleted}, t.codec.Values(e)...)
	_, err := ex.ExecContext(ctx, t.upsertSQL, args...)
	return apperrors.Storage(fmt.Sprintf("write %s", t.codec.Kind), err)
}

func (t *Table[T]) scan(row scanner) (T, error) {
	e := t.codec.New()
	m := e.Meta()
	var deleted sql.NullInt64
	dest := append([]interface{}{&m.ID, &m.OwnerID, &m.UpdatedAt, &m.LastSyncedAt, &deleted}, t.codec.Targets(e)...)
	if err := row.Scan(dest...); err != nil {
		var zero T
		return zero, err
	}
	if deleted.Valid {
		m.DeletedAt = models.Int64Ptr(deleted.Int64)
	}
	return e, nil
}

func (t *Table[T]) get(ctx context.Context, q queryer, id models.UUID) (T, error) {
	e, err := t.scan(q.QueryRowContext(ctx, t.selectSQL+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return e, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", t.codec.Kind, id))
	}
	return e, apperrors.Storage(fmt.Sprintf("get %s", t.codec.Kind), err)
}

// Upsert inserts or replaces e as a server-confirmed row, stamping
// last_synced_at with the current time.
func (t *Table[T]) Upsert(ctx context.Context, e T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.Meta().LastSyncedAt = t.now().UnixMilli()
	return t.write(ctx, t.db, e)
}

// ApplyLocalOptimisticUpdate writes a client-built version of e with the
// unconfirmed sentinel. When e carries no server timestamp the cached one is
// kept, so a never-confirmed row stays distinguishable from an edited one.
func (t *Table[T]) ApplyLocalOptimisticUpdate(ctx context.Context, e T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := e.Meta()
	if m.UpdatedAt == 0 {
		var cached int64
		err := t.db.QueryRowContext(ctx, "SELECT updated_at FROM "+t.codec.Table+" WHERE id = ?", m.ID).Scan(&cached)
		if err != nil && err != sql.ErrNoRows {
			return apperrors.Storage(fmt.Sprintf("read %s", t.codec.Kind), err)
		}
		m.UpdatedAt = cached
	}
	m.LastSyncedAt = 0
	return t.write(ctx, t.db, e)
}

// Get returns the cached row, including tombstoned ones.
func (t *Table[T]) Get(ctx context.Context, id models.UUID) (T, error) {
	return t.get(ctx, t.db, id)
}

// List returns the owner's live rows, optimistic ones included. Callers use
// Meta().Optimistic() to tell them apart.
func (t *Table[T]) List(ctx context.Context, ownerID models.UUID) ([]T, error) {
	return t.list(ctx, " WHERE owner_id = ? AND deleted_at IS NULL ORDER BY updated_at DESC, id", ownerID)
}

// ListConfirmed returns the owner's live rows that have synced at least once.
// A confirmed row with a pending local edit keeps its server updated_at and
// is included.
func (t *Table[T]) ListConfirmed(ctx context.Context, ownerID models.UUID) ([]T, error) {
	return t.list(ctx, " WHERE owner_id = ? AND deleted_at IS NULL AND (last_synced_at > 0 OR updated_at > 0) ORDER BY updated_at DESC, id", ownerID)
}

func (t *Table[T]) list(ctx context.Context, where string, args ...interface{}) ([]T, error) {
	rows, err := t.db.QueryContext(ctx, t.selectSQL+where, args...)
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("list %s", t.codec.Kind), err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		e, err := t.scan(rows)
		if err != nil {
			return nil, apperrors.Storage(fmt.Sprintf("scan %s", t.codec.Kind), err)
		}
		out = append(out, e)
	}
	return out, apperrors.Storage(fmt.Sprintf("list %s", t.codec.Kind), rows.Err())
}

// MarkDeleted tombstones a row as confirmed by the server. deletedAt is a
// server timestamp and raises updated_at.
func (t *Table[T]) MarkDeleted(ctx context.Context, id models.UUID, deletedAt int64) error {
	return t.tombstone(ctx, id, deletedAt, t.now().UnixMilli())
}

// ApplyLocalDelete tombstones a row ahead of server confirmation.
func (t *Table[T]) ApplyLocalDelete(ctx context.Context, id models.UUID, deletedAt int64) error {
	return t.tombstone(ctx, id, deletedAt, 0)
}

func (t *Table[T]) tombstone(ctx context.Context, id models.UUID, deletedAt, syncedAt int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	query := "UPDATE " + t.codec.Table + " SET deleted_at = ?, last_synced_at = ? WHERE id = ?"
	args := []interface{}{deletedAt, syncedAt, id}
	if syncedAt > 0 {
		query = "UPDATE " + t.codec.Table + " SET deleted_at = ?, last_synced_at = ?, updated_at = MAX(updated_at, ?) WHERE id = ?"
		args = []interface{}{deletedAt, syncedAt, deletedAt, id}
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("tombstone %s", t.codec.Kind), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", t.codec.Kind, id))
	}
	return nil
}

// Merge applies a server-confirmed version through the conflict resolver in
// a single transaction. A discarded version is recorded in conflict_log.
func (t *Table[T]) Merge(ctx context.Context, incoming T) (conflict.Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return conflict.Decision{}, apperrors.Storage("begin merge", err)
	}
	defer tx.Rollback()

	in := incoming.Meta()
	if in.ID.IsZero() {
		return conflict.Decision{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s without id", t.codec.Kind))
	}
	var cached *models.SyncMeta
	current, err := t.get(ctx, tx, in.ID)
	switch {
	case err == nil:
		cached = current.Meta()
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return conflict.Decision{}, err
	}

	d, entry, err := t.resolver.Resolve(&conflict.Conflict{Kind: t.codec.Kind, Cached: cached, Incoming: in})
	if err != nil {
		return conflict.Decision{}, apperrors.Wrap(apperrors.ErrInvalid, "resolve conflict", err)
	}

	if d.Accept {
		in.LastSyncedAt = t.now().UnixMilli()
		if err := t.write(ctx, tx, incoming); err != nil {
			return d, err
		}
	} else if err := insertConflict(ctx, tx, entry); err != nil {
		return d, err
	}

	if err := tx.Commit(); err != nil {
		return d, apperrors.Storage("commit merge", err)
	}
	return d, nil
}

// MergeTombstone applies a server deletion. A tombstone older than the
// cached version is discarded like any stale write; one for a row the cache
// never held is ignored.
func (t *Table[T]) MergeTombstone(ctx context.Context, ts models.Tombstone) (conflict.Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return conflict.Decision{}, apperrors.Storage("begin tombstone merge", err)
	}
	defer tx.Rollback()

	current, err := t.get(ctx, tx, ts.ID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return conflict.Decision{Accept: false, Resolution: conflict.ResolutionInsert}, nil
	}
	if err != nil {
		return conflict.Decision{}, err
	}

	in := &models.SyncMeta{ID: ts.ID, UpdatedAt: ts.DeletedAt, DeletedAt: models.Int64Ptr(ts.DeletedAt)}
	d, entry, err := t.resolver.Resolve(&conflict.Conflict{Kind: t.codec.Kind, Cached: current.Meta(), Incoming: in})
	if err != nil {
		return conflict.Decision{}, apperrors.Wrap(apperrors.ErrInvalid, "resolve conflict", err)
	}

	if d.Accept {
		_, err = tx.ExecContext(ctx,
			"UPDATE "+t.codec.Table+" SET deleted_at = ?, updated_at = MAX(updated_at, ?), last_synced_at = ? WHERE id = ?",
			ts.DeletedAt, ts.DeletedAt, t.now().UnixMilli(), ts.ID)
		if err != nil {
			return d, apperrors.Storage(fmt.Sprintf("tombstone %s", t.codec.Kind), err)
		}
	} else if err := insertConflict(ctx, tx, entry); err != nil {
		return d, err
	}

	if err := tx.Commit(); err != nil {
		return d, apperrors.Storage("commit tombstone merge", err)
	}
	return d, nil
}

// Delete removes a row that was created locally and never confirmed. It
// reports whether a row was removed.
func (t *Table[T]) Delete(ctx context.Context, id models.UUID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.db.ExecContext(ctx,
		"DELETE FROM "+t.codec.Table+" WHERE id = ? AND last_synced_at = 0 AND updated_at = 0", id)
	if err != nil {
		return false, apperrors.Storage(fmt.Sprintf("delete %s", t.codec.Kind), err)
	}
	n, err := res.RowsAffected()
	return n > 0, apperrors.Storage(fmt.Sprintf("delete %s", t.codec.Kind), err)
}

// ServerWatermark returns the newest server updated_at held for the owner.
// Rows never confirmed carry updated_at 0 and do not move it. Both sides of
// the comparison use the server clock, so it is the "since" value for delta
// pulls.
func (t *Table[T]) ServerWatermark(ctx context.Context, ownerID models.UUID) (int64, error) {
	var w int64
	err := t.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(updated_at), 0) FROM "+t.codec.Table+" WHERE owner_id = ?",
		ownerID).Scan(&w)
	return w, apperrors.Storage(fmt.Sprintf("read %s watermark", t.codec.Kind), err)
}

// LastSyncedAt returns the most recent local time a row of the owner was
// confirmed.
func (t *Table[T]) LastSyncedAt(ctx context.Context, ownerID models.UUID) (int64, error) {
	var w int64
	err := t.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(last_synced_at), 0) FROM "+t.codec.Table+" WHERE owner_id = ?",
		ownerID).Scan(&w)
	return w, apperrors.Storage(fmt.Sprintf("read %s last sync", t.codec.Kind), err)
}

// Count returns the number of live rows for the owner.
func (t *Table[T]) Count(ctx context.Context, ownerID models.UUID) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+t.codec.Table+" WHERE owner_id = ? AND deleted_at IS NULL",
		ownerID).Scan(&n)
	return n, apperrors.Storage(fmt.Sprintf("count %s", t.codec.Kind), err)
}

func insertConflict(ctx context.Context, ex execer, c *models.ConflictLog) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO conflict_log (entity_kind, entity_id, local_updated_at, remote_updated_at, resolution, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(c.EntityKind), c.EntityID, c.LocalUpdatedAt, c.RemoteUpdatedAt, c.Resolution, c.DetectedAt)
	return apperrors.Storage("insert conflict log", err)
}
