package models

import "time"

// ConflictLog records an incoming version the resolver discarded as stale.
type ConflictLog struct {
	ID              int64      `db:"id" json:"id"`
	EntityKind      EntityKind `db:"entity_kind" json:"entity_kind"`
	EntityID        UUID       `db:"entity_id" json:"entity_id"`
	LocalUpdatedAt  int64      `db:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt int64      `db:"remote_updated_at" json:"remote_updated_at"`
	Resolution      string     `db:"resolution" json:"resolution"`
	DetectedAt      int64      `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
