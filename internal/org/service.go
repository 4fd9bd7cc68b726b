// Package org owns organisations: the tenant records, their memberships, and
// the invitation flow that brings new members in.
package org

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"collabsphere.org/internal/apperr"
	"collabsphere.org/internal/audit"
	"collabsphere.org/internal/authz"
	"collabsphere.org/internal/ids"
	"collabsphere.org/internal/obs"
	"collabsphere.org/internal/slug"
)

const (
	inviteTTL            = 48 * time.Hour
	inviteTokenBytes     = 32
	pgErrUniqueViolation = "23505"
)

// Mailer is the slice of the mail collaborator the org service needs.
type Mailer interface {
	SendOrganisationInviteEmail(ctx context.Context, email, orgName, token string) error
}

// AuditLog records security-relevant actions.
type AuditLog interface {
	Log(ctx context.Context, e audit.Entry) error
}

// Service owns organisations, memberships, and invites.
type Service struct {
	db     *sql.DB
	mailer Mailer
	audit  AuditLog
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithMailer attaches the mail collaborator.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) { s.mailer = m }
}

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

// NewService constructs the org service.
func NewService(db *sql.DB, opts ...ServiceOption) (*Service, error) {
	if db == nil {
		return nil, errors.New("org: database is required")
	}
	s := &Service{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const orgColumns = `id, name, slug, description, created_by, created_at, updated_at`

func scanOrg(row *sql.Row) (Organisation, error) {
	var o Organisation
	err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.Description, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// memberRole loads the caller's ACTIVE role in the organisation.
func (s *Service) memberRole(ctx context.Context, orgID, userID string) (authz.OrgRole, error) {
	var role authz.OrgRole
	err := s.db.QueryRowContext(ctx, `
		select role from organisation_members
		where organisation_id = $1 and user_id = $2 and status = 'ACTIVE'
	`, orgID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: you are not a member of this organisation", apperr.ErrForbidden)
	}
	return role, err
}

// require checks the capability for the caller. Super admins bypass the
// membership requirement entirely.
func (s *Service) require(ctx context.Context, id authz.Identity, orgID string, cap authz.Capability) error {
	if id.IsSuperAdmin() {
		return nil
	}
	role, err := s.memberRole(ctx, orgID, id.UserID)
	if err != nil {
		return err
	}
	if !authz.OrgAllows(role, cap) {
		return fmt.Errorf("%w: your role does not permit this action", apperr.ErrForbidden)
	}
	return nil
}

// Create registers a new organisation and makes the creator its OWNER, in
// one transaction.
func (s *Service) Create(ctx context.Context, id authz.Identity, name, description string) (Organisation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Organisation{}, fmt.Errorf("%w: organisation name is required", apperr.ErrBadRequest)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Organisation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into organisations (id, name, slug, description, created_by)
		values ($1, $2, $3, $4, $5)
		returning `+orgColumns+`
	`, ids.New(), name, slug.Make(name), nullIfEmpty(description), id.UserID)
	o, err := scanOrg(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return Organisation{}, fmt.Errorf("%w: organisation with this slug already exists", apperr.ErrConflict)
		}
		return Organisation{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into organisation_members (organisation_id, user_id, role, status)
		values ($1, $2, $3, $4)
	`, o.ID, id.UserID, authz.OrgOwner, StatusActive); err != nil {
		return Organisation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Organisation{}, err
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:         id.UserID,
			OrganisationID: o.ID,
			Action:         "organisation_created",
			Description:    fmt.Sprintf("organisation %q created", o.Name),
		})
	}
	return o, nil
}

// Get returns the organisation if the caller is a member.
func (s *Service) Get(ctx context.Context, id authz.Identity, orgID string) (Organisation, error) {
	if !id.IsSuperAdmin() {
		if _, err := s.memberRole(ctx, orgID, id.UserID); err != nil {
			return Organisation{}, err
		}
	}
	o, err := scanOrg(s.db.QueryRowContext(ctx,
		`select `+orgColumns+` from organisations where id = $1`, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return Organisation{}, fmt.Errorf("%w: organisation", apperr.ErrNotFound)
	}
	return o, err
}

// ListForUser returns the organisations the user holds an ACTIVE membership in,
// oldest membership first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Organisation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select o.id, o.name, o.slug, o.description, o.created_by, o.created_at, o.updated_at
		from organisations o
		join organisation_members m on m.organisation_id = o.id
		where m.user_id = $1 and m.status = 'ACTIVE'
		order by m.joined_at asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Organisation
	for rows.Next() {
		var o Organisation
		if err := rows.Scan(&o.ID, &o.Name, &o.Slug, &o.Description, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateInput carries the mutable organisation fields. Nil means unchanged.
type UpdateInput struct {
	Name        *string
	Description *string
}

// Update changes name and/or description. The slug never changes after
// creation, so links stay stable.
func (s *Service) Update(ctx context.Context, id authz.Identity, orgID string, in UpdateInput) (Organisation, error) {
	if err := s.require(ctx, id, orgID, authz.CapOrgUpdate); err != nil {
		return Organisation{}, err
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return Organisation{}, fmt.Errorf("%w: organisation name cannot be empty", apperr.ErrBadRequest)
	}

	row := s.db.QueryRowContext(ctx, `
		update organisations set
			name = coalesce($1, name),
			description = coalesce($2, description),
			updated_at = now()
		where id = $3
		returning `+orgColumns+`
	`, in.Name, in.Description, orgID)
	o, err := scanOrg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Organisation{}, fmt.Errorf("%w: organisation", apperr.ErrNotFound)
	}
	return o, err
}

// Delete removes the organisation. Memberships, invites, workspaces, and
// documents go with it via foreign keys.
func (s *Service) Delete(ctx context.Context, id authz.Identity, orgID string) error {
	if err := s.require(ctx, id, orgID, authz.CapOrgDelete); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `delete from organisations where id = $1`, orgID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: organisation", apperr.ErrNotFound)
	}
	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:         id.UserID,
			OrganisationID: orgID,
			Action:         "organisation_deleted",
			Description:    "organisation deleted",
		})
	}
	return nil
}

// ListMembers returns the members of the organisation, visible to any member.
func (s *Service) ListMembers(ctx context.Context, id authz.Identity, orgID string) ([]Member, error) {
	if !id.IsSuperAdmin() {
		if _, err := s.memberRole(ctx, orgID, id.UserID); err != nil {
			return nil, err
		}
	}
	rows, err := s.db.QueryContext(ctx, `
		select m.organisation_id, m.user_id, u.email, u.first_name, u.last_name, m.role, m.status, m.joined_at
		from organisation_members m
		join users u on u.id = m.user_id
		where m.organisation_id = $1
		order by m.joined_at asc
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.OrganisationID, &m.UserID, &m.Email, &m.FirstName, &m.LastName,
			&m.Role, &m.Status, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// countOwners counts ACTIVE OWNER memberships inside the transaction so the
// last-owner check and the mutation see the same state.
func countOwners(ctx context.Context, tx *sql.Tx, orgID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		select count(*) from organisation_members
		where organisation_id = $1 and role = 'OWNER' and status = 'ACTIVE'
	`, orgID).Scan(&n)
	return n, err
}

// UpdateMemberRole changes a member's organisation role. Demoting the last
// OWNER is rejected.
func (s *Service) UpdateMemberRole(ctx context.Context, id authz.Identity, orgID, targetUserID string, newRole authz.OrgRole) error {
	if err := s.require(ctx, id, orgID, authz.CapOrgMembers); err != nil {
		return err
	}
	if !authz.ValidOrgRole(newRole) {
		return fmt.Errorf("%w: unknown role %q", apperr.ErrBadRequest, newRole)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current authz.OrgRole
	err = tx.QueryRowContext(ctx, `
		select role from organisation_members
		where organisation_id = $1 and user_id = $2 and status = 'ACTIVE'
	`, orgID, targetUserID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: member", apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if current == authz.OrgOwner && newRole != authz.OrgOwner {
		owners, err := countOwners(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return fmt.Errorf("%w: organisation must retain at least one OWNER", apperr.ErrBadRequest)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		update organisation_members set role = $1
		where organisation_id = $2 and user_id = $3
	`, newRole, orgID, targetUserID); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveMember deletes a membership. Removing the last OWNER is rejected.
func (s *Service) RemoveMember(ctx context.Context, id authz.Identity, orgID, targetUserID string) error {
	if err := s.require(ctx, id, orgID, authz.CapOrgMembers); err != nil {
		return err
	}
	return s.removeMembership(ctx, orgID, targetUserID)
}

// Leave removes the caller's own membership. The last OWNER cannot leave.
func (s *Service) Leave(ctx context.Context, id authz.Identity, orgID string) error {
	if _, err := s.memberRole(ctx, orgID, id.UserID); err != nil {
		return err
	}
	return s.removeMembership(ctx, orgID, id.UserID)
}

func (s *Service) removeMembership(ctx context.Context, orgID, targetUserID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var role authz.OrgRole
	err = tx.QueryRowContext(ctx, `
		select role from organisation_members
		where organisation_id = $1 and user_id = $2 and status = 'ACTIVE'
	`, orgID, targetUserID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: member", apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if role == authz.OrgOwner {
		owners, err := countOwners(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return fmt.Errorf("%w: organisation must retain at least one OWNER", apperr.ErrBadRequest)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		delete from organisation_members where organisation_id = $1 and user_id = $2
	`, orgID, targetUserID); err != nil {
		return err
	}
	return tx.Commit()
}

func newInviteToken() (raw, hash string, err error) {
	buf := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = hex.EncodeToString(buf)
	return raw, hashInviteToken(raw), nil
}

func hashInviteToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateInvite issues an invitation and emails the raw token. If the mail
// cannot be sent the stored invite is deleted again so the address is not
// left with an invite it never saw.
func (s *Service) CreateInvite(ctx context.Context, id authz.Identity, orgID, email string, role authz.OrgRole) (Invite, error) {
	if err := s.require(ctx, id, orgID, authz.CapOrgInvite); err != nil {
		return Invite{}, err
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return Invite{}, fmt.Errorf("%w: valid email is required", apperr.ErrBadRequest)
	}
	if !authz.ValidOrgRole(role) {
		return Invite{}, fmt.Errorf("%w: unknown role %q", apperr.ErrBadRequest, role)
	}
	if role == authz.OrgOwner {
		return Invite{}, fmt.Errorf("%w: ownership is granted by promotion, not invitation", apperr.ErrBadRequest)
	}

	var orgName string
	err := s.db.QueryRowContext(ctx,
		`select name from organisations where id = $1`, orgID).Scan(&orgName)
	if errors.Is(err, sql.ErrNoRows) {
		return Invite{}, fmt.Errorf("%w: organisation", apperr.ErrNotFound)
	}
	if err != nil {
		return Invite{}, err
	}

	var alreadyMember bool
	if err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from organisation_members m
			join users u on u.id = m.user_id
			where m.organisation_id = $1 and u.email = $2 and m.status = 'ACTIVE'
		)
	`, orgID, email).Scan(&alreadyMember); err != nil {
		return Invite{}, err
	}
	if alreadyMember {
		return Invite{}, fmt.Errorf("%w: user is already a member of this organisation", apperr.ErrConflict)
	}

	raw, hash, err := newInviteToken()
	if err != nil {
		return Invite{}, err
	}
	inv := Invite{
		ID:             ids.New(),
		OrganisationID: orgID,
		Email:          email,
		Role:           role,
		TokenHash:      hash,
		InvitedBy:      id.UserID,
		ExpiresAt:      s.now().Add(inviteTTL),
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into organisation_invites (id, organisation_id, email, role, token_hash, invited_by, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, inv.ID, inv.OrganisationID, inv.Email, inv.Role, inv.TokenHash, inv.InvitedBy, inv.ExpiresAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return Invite{}, fmt.Errorf("%w: an invitation for this email is already pending", apperr.ErrConflict)
		}
		return Invite{}, err
	}

	if s.mailer == nil {
		return Invite{}, errors.New("org: mailer is not configured")
	}
	if err := s.mailer.SendOrganisationInviteEmail(ctx, email, orgName, raw); err != nil {
		// Compensate: an invite whose link never reached the address is junk.
		if _, delErr := s.db.ExecContext(ctx,
			`delete from organisation_invites where id = $1`, inv.ID); delErr != nil {
			obs.Event("org.invite.compensate_failed", map[string]any{"invite_id": inv.ID, "error": delErr.Error()})
		}
		return Invite{}, fmt.Errorf("failed to send invitation email: %w", err)
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:         id.UserID,
			OrganisationID: orgID,
			Action:         "invite_created",
			Description:    fmt.Sprintf("invited %s as %s", email, role),
		})
	}
	return inv, nil
}

// inviteByToken loads a pending invite by raw token. Accepted invites read
// as not found; expired invites are deleted on sight and read as gone.
func (s *Service) inviteByToken(ctx context.Context, rawToken string) (Invite, error) {
	var inv Invite
	err := s.db.QueryRowContext(ctx, `
		select id, organisation_id, email, role, token_hash, invited_by, expires_at, created_at, accepted_at
		from organisation_invites where token_hash = $1
	`, hashInviteToken(rawToken)).Scan(&inv.ID, &inv.OrganisationID, &inv.Email, &inv.Role,
		&inv.TokenHash, &inv.InvitedBy, &inv.ExpiresAt, &inv.CreatedAt, &inv.AcceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Invite{}, fmt.Errorf("%w: invitation", apperr.ErrNotFound)
	}
	if err != nil {
		return Invite{}, err
	}
	if inv.AcceptedAt.Valid {
		return Invite{}, fmt.Errorf("%w: invitation", apperr.ErrNotFound)
	}
	if s.now().After(inv.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `delete from organisation_invites where id = $1`, inv.ID)
		return Invite{}, fmt.Errorf("%w: invitation has expired", apperr.ErrGone)
	}
	return inv, nil
}

// PreviewInvite is the unauthenticated lookup behind the accept page.
func (s *Service) PreviewInvite(ctx context.Context, rawToken string) (InvitePreview, error) {
	inv, err := s.inviteByToken(ctx, rawToken)
	if err != nil {
		return InvitePreview{}, err
	}
	var orgName string
	if err := s.db.QueryRowContext(ctx,
		`select name from organisations where id = $1`, inv.OrganisationID).Scan(&orgName); err != nil {
		return InvitePreview{}, err
	}
	return InvitePreview{
		OrganisationName: orgName,
		Email:            inv.Email,
		Role:             inv.Role,
		ExpiresAt:        inv.ExpiresAt,
	}, nil
}

// AcceptInvite turns a valid invitation into an ACTIVE membership. The
// accepting account's email must match the invited address. The new
// organisation becomes the user's last-active one so the next token refresh
// lands in it.
func (s *Service) AcceptInvite(ctx context.Context, id authz.Identity, rawToken string) (Organisation, authz.OrgRole, error) {
	inv, err := s.inviteByToken(ctx, rawToken)
	if err != nil {
		return Organisation{}, "", err
	}
	if !strings.EqualFold(id.Email, inv.Email) {
		return Organisation{}, "", fmt.Errorf("%w: this invitation was issued to a different email", apperr.ErrForbidden)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Organisation{}, "", err
	}
	defer func() { _ = tx.Rollback() }()

	var status MemberStatus
	err = tx.QueryRowContext(ctx, `
		select status from organisation_members
		where organisation_id = $1 and user_id = $2
	`, inv.OrganisationID, id.UserID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			insert into organisation_members (organisation_id, user_id, role, status)
			values ($1, $2, $3, $4)
		`, inv.OrganisationID, id.UserID, inv.Role, StatusActive); err != nil {
			return Organisation{}, "", err
		}
	case err != nil:
		return Organisation{}, "", err
	case status == StatusActive:
		return Organisation{}, "", fmt.Errorf("%w: you are already a member of this organisation", apperr.ErrConflict)
	default:
		if _, err := tx.ExecContext(ctx, `
			update organisation_members set role = $1, status = $2, joined_at = now()
			where organisation_id = $3 and user_id = $4
		`, inv.Role, StatusActive, inv.OrganisationID, id.UserID); err != nil {
			return Organisation{}, "", err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		update organisation_invites set accepted_at = now() where id = $1
	`, inv.ID); err != nil {
		return Organisation{}, "", err
	}
	if _, err := tx.ExecContext(ctx, `
		update users set last_active_org_id = $1, updated_at = now() where id = $2
	`, inv.OrganisationID, id.UserID); err != nil {
		return Organisation{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return Organisation{}, "", err
	}

	o, err := scanOrg(s.db.QueryRowContext(ctx,
		`select `+orgColumns+` from organisations where id = $1`, inv.OrganisationID))
	if err != nil {
		return Organisation{}, "", err
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:         id.UserID,
			OrganisationID: inv.OrganisationID,
			Action:         "invite_accepted",
			Description:    fmt.Sprintf("joined as %s", inv.Role),
		})
	}
	return o, inv.Role, nil
}

func nullIfEmpty(v string) sql.NullString {
	v = strings.TrimSpace(v)
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
