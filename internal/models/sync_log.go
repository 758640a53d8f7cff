package models

import "time"

// Sync log operations.
const (
	SyncOpCreate = "create"
	SyncOpUpdate = "update"
	SyncOpSkip   = "skip"
	SyncOpError  = "error"
	SyncOpFetch  = "fetch"
)

// SyncLogEntry is one append-only audit row. Written best-effort: a failed
// audit write must never fail the operation being audited.
type SyncLogEntry struct {
	ID         string    `db:"id" json:"id"`
	SyncType   string    `db:"sync_type" json:"sync_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Operation  string    `db:"operation" json:"operation"`
	Endpoint   string    `db:"endpoint" json:"endpoint"`
	StatusCode *int      `db:"status_code" json:"status_code,omitempty"`
	DurationMs int64     `db:"duration_ms" json:"duration_ms"`
	Error      *string   `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
