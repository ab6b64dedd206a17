// Package queue provides the durable action queue for offline mutations.
//
// Every user-initiated mutation becomes one row in action_queue. Rows are
// delivered in (created_at, seq) order; a row is held back while an earlier
// row for the same entity, or for the entity it depends on, is still
// pending, in flight or failed.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/uuid"
)

const columns = `seq, id, kind, entity_id, parent_id, payload, status, retry_count, next_retry_at, last_error, created_at, updated_at`

// Stats holds per-status row counts.
type Stats struct {
	Pending   int `json:"pending" yaml:"pending"`
	InFlight  int `json:"in_flight" yaml:"in_flight"`
	Failed    int `json:"failed" yaml:"failed"`
	Abandoned int `json:"abandoned" yaml:"abandoned"`
	Completed int `json:"completed" yaml:"completed"`
}

// Outstanding returns the number of rows still awaiting delivery.
func (s Stats) Outstanding() int {
	return s.Pending + s.InFlight + s.Failed
}

// Store is the SQLite-backed action queue. Writes are serialized by an
// internal mutex; each mutating call commits before returning.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	validate *validator.Validate
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over an already-migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks a payload without enqueuing it.
func (s *Store) Validate(p models.Payload) error {
	if p == nil {
		return apperrors.New(apperrors.ErrValidation, "payload is required")
	}
	if !p.Kind().Valid() {
		return apperrors.New(apperrors.ErrUnknownAction, fmt.Sprintf("unknown action kind %q", p.Kind()))
	}
	if err := s.validate.Struct(p); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("invalid %s payload", p.Kind()), err)
	}
	if c, ok := p.(models.Checker); ok {
		if err := c.Check(); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("invalid %s payload", p.Kind()), err)
		}
	}
	if p.Target().IsZero() {
		return apperrors.New(apperrors.ErrValidation, "payload has no target entity")
	}
	return nil
}

// Enqueue appends a Pending action for p. created_at is strictly greater
// than that of every row already in the queue.
func (s *Store) Enqueue(ctx context.Context, p models.Payload) (*models.QueuedAction, error) {
	if err := s.Validate(p); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Storage("begin enqueue", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM action_queue`).Scan(&last); err != nil {
		return nil, apperrors.Storage("read queue clock", err)
	}
	now := s.now().UnixMilli()
	createdAt := now
	if createdAt <= last {
		createdAt = last + 1
	}

	action := &models.QueuedAction{
		ID:        models.UUID(uuid.NewOrdered()),
		Kind:      p.Kind(),
		EntityID:  p.Target(),
		ParentID:  p.Parent(),
		Payload:   raw,
		Status:    models.ActionPending,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO action_queue (id, kind, entity_id, parent_id, payload, status, retry_count, next_retry_at, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, '', ?, ?)`,
		action.ID, string(action.Kind), action.EntityID, action.ParentID, string(raw),
		string(action.Status), action.CreatedAt, action.UpdatedAt)
	if err != nil {
		return nil, apperrors.Storage("insert action", err)
	}
	if action.Seq, err = res.LastInsertId(); err != nil {
		return nil, apperrors.Storage("read action seq", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Storage("commit enqueue", err)
	}

	logging.Debug("Action enqueued", map[string]interface{}{
		"action_id": action.ID.String(),
		"kind":      string(action.Kind),
		"entity_id": action.EntityID.String(),
	})
	return action, nil
}

// NextPending returns the oldest deliverable action, or nil when none is
// ready. A row is deliverable when it is Pending, or Failed with an elapsed
// next_retry_at, and no earlier non-terminal row targets its entity or its
// parent. Rows whose IDs appear in exclude are skipped. NextPending does not
// change any row.
func (s *Store) NextPending(ctx context.Context, now time.Time, exclude ...models.UUID) (*models.QueuedAction, error) {
	// created_at is monotonic in seq, so seq alone orders the queue.
	query := `SELECT ` + columns + ` FROM action_queue a
		WHERE (a.status = 'pending' OR (a.status = 'failed' AND a.next_retry_at <= ?))
		  AND NOT EXISTS (
			SELECT 1 FROM action_queue b
			WHERE b.seq < a.seq
			  AND b.status IN ('pending', 'in_flight', 'failed')
			  AND (b.entity_id = a.entity_id OR (a.parent_id != '' AND b.entity_id = a.parent_id))
		  )`
	args := []interface{}{now.UnixMilli()}
	if len(exclude) > 0 {
		query += ` AND a.id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY a.created_at, a.seq LIMIT 1`

	action, err := scanAction(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("select next pending", err)
	}
	return action, nil
}

// MarkInFlight moves a Pending or Failed action to InFlight.
func (s *Store) MarkInFlight(ctx context.Context, id models.UUID) error {
	return s.transition(ctx, id, models.ActionInFlight,
		[]models.ActionStatus{models.ActionPending, models.ActionFailed}, "")
}

// MarkCompleted moves an InFlight action to Completed.
func (s *Store) MarkCompleted(ctx context.Context, id models.UUID) error {
	return s.transition(ctx, id, models.ActionCompleted,
		[]models.ActionStatus{models.ActionInFlight}, `, last_error = ''`)
}

// MarkFailed moves an InFlight action to Failed, increments retry_count and
// records when it may next be attempted.
func (s *Store) MarkFailed(ctx context.Context, id models.UUID, errMsg string, nextRetryAt time.Time) error {
	return s.transition(ctx, id, models.ActionFailed,
		[]models.ActionStatus{models.ActionInFlight},
		`, retry_count = retry_count + 1, last_error = ?, next_retry_at = ?`,
		errMsg, nextRetryAt.UnixMilli())
}

// MarkAbandoned moves an InFlight action to Abandoned after a permanent
// rejection. retry_count is left unchanged.
func (s *Store) MarkAbandoned(ctx context.Context, id models.UUID, errMsg string) error {
	return s.transition(ctx, id, models.ActionAbandoned,
		[]models.ActionStatus{models.ActionInFlight}, `, last_error = ?`, errMsg)
}

// MarkExhausted moves an InFlight action to Abandoned after its final
// transient failure, counting that failure in retry_count.
func (s *Store) MarkExhausted(ctx context.Context, id models.UUID, errMsg string) error {
	return s.transition(ctx, id, models.ActionAbandoned,
		[]models.ActionStatus{models.ActionInFlight},
		`, retry_count = retry_count + 1, last_error = ?`, errMsg)
}

func (s *Store) transition(ctx context.Context, id models.UUID, to models.ActionStatus, from []models.ActionStatus, set string, setArgs ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE action_queue SET status = ?, updated_at = ?` + set +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args := []interface{}{string(to), s.now().UnixMilli()}
	args = append(args, setArgs...)
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Storage("update action status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Storage("update action status", err)
	}
	if n == 1 {
		return nil
	}

	current, err := s.statusOf(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.New(apperrors.ErrInvalidTransition,
		fmt.Sprintf("action %s: cannot move from %s to %s", id, current, to))
}

func (s *Store) statusOf(ctx context.Context, id models.UUID) (models.ActionStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM action_queue WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %s not found", id))
	}
	if err != nil {
		return "", apperrors.Storage("read action status", err)
	}
	return models.ActionStatus(status), nil
}

// RecoverInFlight returns rows left InFlight by an unclean shutdown to
// Pending. The outcome of their remote call is unknown, so they are resent.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE action_queue SET status = 'pending', next_retry_at = 0, updated_at = ? WHERE status = 'in_flight'`,
		s.now().UnixMilli())
	if err != nil {
		return 0, apperrors.Storage("recover in-flight actions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Storage("recover in-flight actions", err)
	}
	if n > 0 {
		logging.Warn("Recovered interrupted actions", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// PurgeCompleted deletes Completed rows last updated before olderThan.
func (s *Store) PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM action_queue WHERE status = 'completed' AND updated_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, apperrors.Storage("purge completed actions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Storage("purge completed actions", err)
	}
	return int(n), nil
}

// Get returns a single action.
func (s *Store) Get(ctx context.Context, id models.UUID) (*models.QueuedAction, error) {
	action, err := scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM action_queue WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Storage("get action", err)
	}
	return action, nil
}

// List returns actions in queue order, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...models.ActionStatus) ([]*models.QueuedAction, error) {
	query := `SELECT ` + columns + ` FROM action_queue`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage("list actions", err)
	}
	defer rows.Close()

	var actions []*models.QueuedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, apperrors.Storage("scan action", err)
		}
		actions = append(actions, action)
	}
	return actions, apperrors.Storage("list actions", rows.Err())
}

// Stats returns per-status counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM action_queue GROUP BY status`)
	if err != nil {
		return Stats{}, apperrors.Storage("count actions", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, apperrors.Storage("count actions", err)
		}
		switch models.ActionStatus(status) {
		case models.ActionPending:
			stats.Pending = n
		case models.ActionInFlight:
			stats.InFlight = n
		case models.ActionFailed:
			stats.Failed = n
		case models.ActionAbandoned:
			stats.Abandoned = n
		case models.ActionCompleted:
			stats.Completed = n
		}
	}
	return stats, apperrors.Storage("count actions", rows.Err())
}

// Discard deletes an Abandoned action at the user's request.
func (s *Store) Discard(ctx context.Context, id models.UUID) (*models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if action.Status != models.ActionAbandoned {
		return nil, apperrors.New(apperrors.ErrInvalidTransition,
			fmt.Sprintf("action %s is %s; only abandoned actions can be discarded", id, action.Status))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM action_queue WHERE id = ? AND status = 'abandoned'`, id); err != nil {
		return nil, apperrors.Storage("discard action", err)
	}
	return action, nil
}

// Resubmit returns an Abandoned action to Pending with a fresh retry budget.
// A non-nil p replaces the stored payload; it must have the same kind and
// target as the original.
func (s *Store) Resubmit(ctx context.Context, id models.UUID, p models.Payload) (*models.QueuedAction, error) {
	if p != nil {
		if err := s.Validate(p); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	action, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if action.Status != models.ActionAbandoned {
		return nil, apperrors.New(apperrors.ErrInvalidTransition,
			fmt.Sprintf("action %s is %s; only abandoned actions can be resubmitted", id, action.Status))
	}

	raw := action.Payload
	if p != nil {
		if p.Kind() != action.Kind || p.Target() != action.EntityID {
			return nil, apperrors.New(apperrors.ErrValidation, "resubmitted payload must keep the action kind and target")
		}
		if raw, err = json.Marshal(p); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
		}
		action.ParentID = p.Parent()
	}

	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`UPDATE action_queue SET status = 'pending', retry_count = 0, next_retry_at = 0, last_error = '',
		 payload = ?, parent_id = ?, updated_at = ? WHERE id = ? AND status = 'abandoned'`,
		string(raw), action.ParentID, now, id)
	if err != nil {
		return nil, apperrors.Storage("resubmit action", err)
	}

	action.Payload = raw
	action.Status = models.ActionPending
	action.RetryCount = 0
	action.NextRetryAt = 0
	action.LastError = ""
	action.UpdatedAt = now
	return action, nil
}

// HasBlocking reports whether entityID has any action still awaiting delivery.
func (s *Store) HasBlocking(ctx context.Context, entityID models.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_queue WHERE entity_id = ? AND status IN ('pending', 'in_flight', 'failed')`,
		entityID).Scan(&n)
	if err != nil {
		return false, apperrors.Storage("check entity actions", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row scanner) (*models.QueuedAction, error) {
	var a models.QueuedAction
	var kind, status string
	var payload []byte
	err := row.Scan(&a.Seq, &a.ID, &kind, &a.EntityID, &a.ParentID, &payload, &status,
		&a.RetryCount, &a.NextRetryAt, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Kind = models.ActionKind(kind)
	a.Status = models.ActionStatus(status)
	a.Payload = json.RawMessage(payload)
	return &a, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
