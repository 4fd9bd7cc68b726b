// Package audit persists an append-only trail of security-relevant actions
// and mirrors each entry to the structured log.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"collabsphere.org/internal/ids"
	"collabsphere.org/internal/obs"
)

// Entry is one audited action. OrganisationID, Description, IPAddress and
// UserAgent are optional.
type Entry struct {
	UserID         string
	OrganisationID string
	Action         string
	Description    string
	IPAddress      string
	UserAgent      string
}

// Recorder appends audit entries to the store.
type Recorder struct {
	db *sql.DB
}

// NewRecorder constructs a Recorder.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Log appends an entry. The write is part of the caller's request, not a
// background job, so an error surfaces to the caller to decide on.
func (r *Recorder) Log(ctx context.Context, e Entry) error {
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		return errors.New("audit action is required")
	}
	if strings.TrimSpace(e.UserID) == "" {
		return errors.New("audit user id is required")
	}
	_, err := r.db.ExecContext(ctx, `
		insert into audit_log (id, user_id, organisation_id, action, description, ip_address, user_agent)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, ids.New(), e.UserID, nullIfEmpty(e.OrganisationID), e.Action,
		nullIfEmpty(e.Description), nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent))
	if err != nil {
		return err
	}
	fields := map[string]any{"user_id": e.UserID, "action": e.Action}
	if e.OrganisationID != "" {
		fields["organisation_id"] = e.OrganisationID
	}
	if e.Description != "" {
		fields["description"] = e.Description
	}
	obs.Event("audit", fields)
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
