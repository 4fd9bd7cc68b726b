// Package document owns the document lifecycle: append-only versioning, the
// lock state machine, and the publish/archive/restore transitions. Every
// read-then-write sequence runs in one transaction with the document row
// locked, so concurrent conflicting mutations resolve to exactly one winner.
package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"collabsphere.org/internal/apperr"
	"collabsphere.org/internal/audit"
	"collabsphere.org/internal/authz"
	"collabsphere.org/internal/ids"
)

// AuditLog records security-relevant actions.
type AuditLog interface {
	Log(ctx context.Context, e audit.Entry) error
}

// Service owns documents and their versions.
type Service struct {
	db    *sql.DB
	audit AuditLog
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithAudit attaches the audit collaborator.
func WithAudit(a AuditLog) ServiceOption {
	return func(s *Service) { s.audit = a }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the document service.
func NewService(db *sql.DB, opts ...ServiceOption) (*Service, error) {
	if db == nil {
		return nil, errors.New("document: database is required")
	}
	s := &Service{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// actor is the caller's workspace member row, which is the identity that
// document audit fields and lock ownership reference.
type actor struct {
	MemberID string
	Role     authz.WorkspaceRole
}

func (s *Service) actorIn(ctx context.Context, workspaceID string, id authz.Identity) (actor, error) {
	var a actor
	err := s.db.QueryRowContext(ctx, `
		select id, role from workspace_members
		where workspace_id = $1 and user_id = $2 and status = 'ACTIVE'
	`, workspaceID, id.UserID).Scan(&a.MemberID, &a.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return actor{}, fmt.Errorf("%w: you are not an active member of this workspace", apperr.ErrForbidden)
	}
	return a, err
}

func (s *Service) requireActor(ctx context.Context, workspaceID string, id authz.Identity, cap authz.Capability) (actor, error) {
	a, err := s.actorIn(ctx, workspaceID, id)
	if err != nil {
		return actor{}, err
	}
	if !authz.WorkspaceAllows(a.Role, cap) {
		return actor{}, fmt.Errorf("%w: your workspace role does not permit this action", apperr.ErrForbidden)
	}
	return a, nil
}

const documentColumns = `id, workspace_id, title, description, metadata, status,
	current_version, locked_by, locked_at, created_by, updated_by, deleted_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var meta []byte
	err := row.Scan(&d.ID, &d.WorkspaceID, &d.Title, &d.Description, &meta, &d.Status,
		&d.CurrentVersion, &d.LockedBy, &d.LockedAt, &d.CreatedBy, &d.UpdatedBy,
		&d.DeletedAt, &d.CreatedAt, &d.UpdatedAt)
	d.Metadata = meta
	return d, err
}

// lockedDocument loads the document inside the transaction with its row
// locked, so the state read here cannot change before the commit. The lookup
// is scoped to the workspace the caller was authorized in; a document id from
// another workspace reads as not found.
func lockedDocument(ctx context.Context, tx *sql.Tx, workspaceID, documentID string) (Document, error) {
	d, err := scanDocument(tx.QueryRowContext(ctx,
		`select `+documentColumns+` from documents where id = $1 and workspace_id = $2 and deleted_at is null for update`,
		documentID, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: document", apperr.ErrNotFound)
	}
	return d, err
}

// CreateInput carries the fields of a new document.
type CreateInput struct {
	Title       string
	Description string
	Metadata    json.RawMessage
	Content     json.RawMessage
}

// Create inserts the document as DRAFT with version 1 holding the initial
// content, atomically.
func (s *Service) Create(ctx context.Context, id authz.Identity, workspaceID string, in CreateInput) (Document, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Document{}, fmt.Errorf("%w: document title is required", apperr.ErrBadRequest)
	}
	a, err := s.requireActor(ctx, workspaceID, id, authz.CapDocumentEdit)
	if err != nil {
		return Document{}, err
	}
	if len(in.Metadata) == 0 {
		in.Metadata = json.RawMessage(`{}`)
	}
	if len(in.Content) == 0 {
		in.Content = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into documents (id, workspace_id, title, description, metadata, status, current_version, created_by, updated_by)
		values ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		returning `+documentColumns+`
	`, ids.New(), workspaceID, in.Title, nullIfEmpty(in.Description), []byte(in.Metadata),
		StatusDraft, a.MemberID)
	d, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into document_versions (id, document_id, version, content, author_id)
		values ($1, $2, 1, $3, $4)
	`, ids.New(), d.ID, []byte(in.Content), a.MemberID); err != nil {
		return Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return Document{}, err
	}
	return d, nil
}

// Get returns the document if the caller is an ACTIVE member of its
// workspace. Soft-deleted documents read as not found.
func (s *Service) Get(ctx context.Context, id authz.Identity, workspaceID, documentID string) (Document, error) {
	if !id.IsSuperAdmin() {
		if _, err := s.actorIn(ctx, workspaceID, id); err != nil {
			return Document{}, err
		}
	}
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		`select `+documentColumns+` from documents where id = $1 and workspace_id = $2 and deleted_at is null`,
		documentID, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: document", apperr.ErrNotFound)
	}
	return d, err
}

// List returns the live documents of a workspace, newest first.
func (s *Service) List(ctx context.Context, id authz.Identity, workspaceID string) ([]Document, error) {
	if !id.IsSuperAdmin() {
		if _, err := s.actorIn(ctx, workspaceID, id); err != nil {
			return nil, err
		}
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+documentColumns+` from documents
		where workspace_id = $1 and deleted_at is null
		order by created_at desc
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateInput carries an update. Content is mandatory: every update produces
// a new version. Nil title/description/metadata mean unchanged.
type UpdateInput struct {
	Title       *string
	Description *string
	Metadata    json.RawMessage
	Content     json.RawMessage
}

// Update appends version currentVersion+1 and advances the pointer in the
// same transaction. Rejected with Conflict when the document is ARCHIVED or
// locked by another member.
func (s *Service) Update(ctx context.Context, id authz.Identity, workspaceID, documentID string, in UpdateInput) (Document, error) {
	a, err := s.requireActor(ctx, workspaceID, id, authz.CapDocumentEdit)
	if err != nil {
		return Document{}, err
	}
	if len(in.Content) == 0 {
		return Document{}, fmt.Errorf("%w: content is required", apperr.ErrBadRequest)
	}
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return Document{}, fmt.Errorf("%w: document title cannot be empty", apperr.ErrBadRequest)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockedDocument(ctx, tx, workspaceID, documentID)
	if err != nil {
		return Document{}, err
	}
	if d.Status == StatusArchived {
		return Document{}, fmt.Errorf("%w: document is archived", apperr.ErrConflict)
	}
	if d.LockedBy.Valid && d.LockedBy.String != a.MemberID {
		return Document{}, fmt.Errorf("%w: document is locked by another member", apperr.ErrConflict)
	}

	next := d.CurrentVersion + 1
	if _, err := tx.ExecContext(ctx, `
		insert into document_versions (id, document_id, version, content, author_id)
		values ($1, $2, $3, $4, $5)
	`, ids.New(), d.ID, next, []byte(in.Content), a.MemberID); err != nil {
		return Document{}, err
	}

	var meta any
	if len(in.Metadata) > 0 {
		meta = []byte(in.Metadata)
	}
	row := tx.QueryRowContext(ctx, `
		update documents set
			title = coalesce($1, title),
			description = coalesce($2, description),
			metadata = coalesce($3, metadata),
			current_version = $4,
			updated_by = $5,
			updated_at = now()
		where id = $6
		returning `+documentColumns+`
	`, in.Title, in.Description, meta, next, a.MemberID, d.ID)
	updated, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return Document{}, err
	}
	return updated, nil
}

// Remove soft-deletes the document. Rejected when locked by another member.
func (s *Service) Remove(ctx context.Context, id authz.Identity, workspaceID, documentID string) error {
	a, err := s.requireActor(ctx, workspaceID, id, authz.CapDocumentEdit)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockedDocument(ctx, tx, workspaceID, documentID)
	if err != nil {
		return err
	}
	if d.LockedBy.Valid && d.LockedBy.String != a.MemberID {
		return fmt.Errorf("%w: document is locked by another member", apperr.ErrConflict)
	}
	if _, err := tx.ExecContext(ctx, `
		update documents set deleted_at = now(), updated_by = $1, updated_at = now() where id = $2
	`, a.MemberID, d.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// Lock acquires the edit lock. Re-locking by the holder is idempotent; a
// second locker observes the holder and fails Conflict. Archived documents
// cannot be locked.
func (s *Service) Lock(ctx context.Context, id authz.Identity, workspaceID, documentID string) (Document, error) {
	a, err := s.requireActor(ctx, workspaceID, id, authz.CapDocumentEdit)
	if err != nil {
		return Document{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockedDocument(ctx, tx, workspaceID, documentID)
	if err != nil {
		return Document{}, err
	}
	if d.Status == StatusArchived {
		return Document{}, fmt.Errorf("%w: document is archived", apperr.ErrConflict)
	}
	if d.LockedBy.Valid {
		if d.LockedBy.String == a.MemberID {
			// idempotent re-lock by the holder
			if err := tx.Commit(); err != nil {
				return Document{}, err
			}
			return d, nil
		}
		return Document{}, fmt.Errorf("%w: document is locked by another member", apperr.ErrConflict)
	}

	row := tx.QueryRowContext(ctx, `
		update documents set locked_by = $1, locked_at = $2, updated_at = now()
		where id = $3
		returning `+documentColumns+`
	`, a.MemberID, s.now(), d.ID)
	locked, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return Document{}, err
	}
	return locked, nil
}

// Unlock releases the lock. Only the holder or a workspace OWNER may do it;
// unlocking an unlocked document is a no-op.
func (s *Service) Unlock(ctx context.Context, id authz.Identity, workspaceID, documentID string) (Document, error) {
	a, err := s.requireActor(ctx, workspaceID, id, authz.CapDocumentEdit)
	if err != nil {
		return Document{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockedDocument(ctx, tx, workspaceID, documentID)
	if err != nil {
		return Document{}, err
	}
	if d.Status == StatusArchived {
		return Document{}, fmt.Errorf("%w: document is archived", apperr.ErrConflict)
	}
	if !d.LockedBy.Valid {
		if err := tx.Commit(); err != nil {
			return Document{}, err
		}
		return d, nil
	}
	if d.LockedBy.String != a.MemberID && a.Role != authz.WorkspaceOwner {
		return Document{}, fmt.Errorf("%w: only the lock holder or the workspace owner can unlock", apperr.ErrForbidden)
	}

	row := tx.QueryRowContext(ctx, `
		update documents set locked_by = null, locked_at = null, updated_at = now()
		where id = $1
		returning `+documentColumns+`
	`, d.ID)
	unlocked, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return Document{}, err
	}
	return unlocked, nil
}

// transition applies a status change with its legal source states checked
// under the row lock.
func (s *Service) transition(ctx context.Context, id authz.Identity, workspaceID, documentID string, from []Status, to Status) (Document, error) {
	a, err := s.requireActor(ctx, workspaceID, id, authz.CapDocumentOwner)
	if err != nil {
		return Document{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockedDocument(ctx, tx, workspaceID, documentID)
	if err != nil {
		return Document{}, err
	}
	legal := false
	for _, f := range from {
		if d.Status == f {
			legal = true
			break
		}
	}
	if !legal {
		return Document{}, fmt.Errorf("%w: cannot move a %s document to %s", apperr.ErrConflict, d.Status, to)
	}

	row := tx.QueryRowContext(ctx, `
		update documents set status = $1, updated_by = $2, updated_at = now()
		where id = $3
		returning `+documentColumns+`
	`, to, a.MemberID, d.ID)
	moved, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return Document{}, err
	}
	return moved, nil
}

// Publish moves DRAFT to PUBLISHED. OWNER only.
func (s *Service) Publish(ctx context.Context, id authz.Identity, workspaceID, documentID string) (Document, error) {
	d, err := s.transition(ctx, id, workspaceID, documentID, []Status{StatusDraft}, StatusPublished)
	if err != nil {
		return Document{}, err
	}
	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:      id.UserID,
			Action:      "document_published",
			Description: fmt.Sprintf("document %q published at version %d", d.Title, d.CurrentVersion),
		})
	}
	return d, nil
}

// Archive moves DRAFT or PUBLISHED to ARCHIVED. OWNER only.
func (s *Service) Archive(ctx context.Context, id authz.Identity, workspaceID, documentID string) (Document, error) {
	return s.transition(ctx, id, workspaceID, documentID, []Status{StatusDraft, StatusPublished}, StatusArchived)
}

// Restore moves ARCHIVED back to DRAFT. OWNER only.
func (s *Service) Restore(ctx context.Context, id authz.Identity, workspaceID, documentID string) (Document, error) {
	return s.transition(ctx, id, workspaceID, documentID, []Status{StatusArchived}, StatusDraft)
}

// ListVersions returns the version history, newest first.
func (s *Service) ListVersions(ctx context.Context, id authz.Identity, workspaceID, documentID string) ([]Version, error) {
	if !id.IsSuperAdmin() {
		if _, err := s.actorIn(ctx, workspaceID, id); err != nil {
			return nil, err
		}
	}
	rows, err := s.db.QueryContext(ctx, `
		select v.id, v.document_id, v.version, v.content, v.author_id, v.created_at
		from document_versions v
		join documents d on d.id = v.document_id
		where v.document_id = $1 and d.workspace_id = $2 and d.deleted_at is null
		order by v.version desc
	`, documentID, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var content []byte
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.Version, &content, &v.AuthorID, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Content = content
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: document", apperr.ErrNotFound)
	}
	return out, nil
}

func nullIfEmpty(v string) sql.NullString {
	v = strings.TrimSpace(v)
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
