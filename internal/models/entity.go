package models

import "time"

// EntityKind names a server-owned entity type mirrored in the local cache.
type EntityKind string

const (
	KindPet          EntityKind = "pet"
	KindAlert        EntityKind = "alert"
	KindSuccessStory EntityKind = "success_story"
)

// SyncMeta carries the columns every cached entity shares.
//
// LastSyncedAt == 0 marks an optimistic row that has not yet been confirmed
// by the server.
type SyncMeta struct {
	ID           UUID   `db:"id" json:"id"`
	OwnerID      UUID   `db:"owner_id" json:"owner_id"`
	UpdatedAt    int64  `db:"updated_at" json:"updated_at"`
	LastSyncedAt int64  `db:"last_synced_at" json:"-"`
	DeletedAt    *int64 `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Optimistic reports whether the row is a local, unconfirmed version.
func (m *SyncMeta) Optimistic() bool {
	return m.LastSyncedAt == 0
}

// Deleted reports whether the row carries a tombstone.
func (m *SyncMeta) Deleted() bool {
	return m.DeletedAt != nil
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (m *SyncMeta) UpdatedAtTime() time.Time {
	return time.UnixMilli(m.UpdatedAt)
}

// Meta returns m itself so embedding types satisfy Entity.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// Entity is implemented by pointers to cached entity structs.
type Entity interface {
	Meta() *SyncMeta
	EntityKind() EntityKind
}

// Tombstone records a server-side deletion.
type Tombstone struct {
	ID        UUID  `json:"id"`
	DeletedAt int64 `json:"deleted_at"`
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
