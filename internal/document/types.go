package document

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Status is the publication state of a document.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPublished Status = "PUBLISHED"
	StatusArchived  Status = "ARCHIVED"
)

// Document is a workspace-scoped artifact. Audit fields reference workspace
// member ids, not user ids. Deletion is soft.
type Document struct {
	ID             string
	WorkspaceID    string
	Title          string
	Description    sql.NullString
	Metadata       json.RawMessage
	Status         Status
	CurrentVersion int
	LockedBy       sql.NullString
	LockedAt       sql.NullTime
	CreatedBy      string
	UpdatedBy      string
	DeletedAt      sql.NullTime
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Version is an immutable content snapshot. Numbers per document are
// contiguous from 1 and never reused.
type Version struct {
	ID         string
	DocumentID string
	Version    int
	Content    json.RawMessage
	AuthorID   string
	CreatedAt  time.Time
}
