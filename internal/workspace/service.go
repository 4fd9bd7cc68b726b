// Package workspace owns workspaces and their membership state machine,
// including external email invites and the bridging that activates them when
// the invited address registers an account.
package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"collabsphere.org/internal/apperr"
	"collabsphere.org/internal/authz"
	"collabsphere.org/internal/ids"
	"collabsphere.org/internal/obs"
	"collabsphere.org/internal/slug"
)

// Service owns workspace and membership state.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the workspace service.
func NewService(db *sql.DB, opts ...ServiceOption) (*Service, error) {
	if db == nil {
		return nil, errors.New("workspace: database is required")
	}
	s := &Service{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const workspaceColumns = `id, organisation_id, owner_id, name, slug, description, type,
	is_default, deleted_at, created_at, updated_at`

func scanWorkspace(row *sql.Row) (Workspace, error) {
	var w Workspace
	err := row.Scan(&w.ID, &w.OrganisationID, &w.OwnerID, &w.Name, &w.Slug, &w.Description,
		&w.Type, &w.IsDefault, &w.DeletedAt, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

const memberColumns = `id, workspace_id, user_id, external_email, role, status, source,
	joined_at, last_active_at, removed_at, created_at`

func scanMemberRows(rows *sql.Rows) (Member, error) {
	var m Member
	err := rows.Scan(&m.ID, &m.WorkspaceID, &m.UserID, &m.ExternalEmail, &m.Role, &m.Status,
		&m.Source, &m.JoinedAt, &m.LastActiveAt, &m.RemovedAt, &m.CreatedAt)
	return m, err
}

// activeMember loads the caller's ACTIVE membership. PENDING, REMOVED, and
// LEFT rows grant nothing regardless of stored role.
func (s *Service) activeMember(ctx context.Context, workspaceID, userID string) (Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+memberColumns+` from workspace_members
		where workspace_id = $1 and user_id = $2 and status = 'ACTIVE'
	`, workspaceID, userID)
	if err != nil {
		return Member{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Member{}, err
		}
		return Member{}, fmt.Errorf("%w: you are not an active member of this workspace", apperr.ErrForbidden)
	}
	return scanMemberRows(rows)
}

// require checks a workspace capability for the caller. Super admins bypass
// membership; they act without a member row.
func (s *Service) require(ctx context.Context, id authz.Identity, workspaceID string, cap authz.Capability) (Member, error) {
	if id.IsSuperAdmin() {
		return Member{}, nil
	}
	m, err := s.activeMember(ctx, workspaceID, id.UserID)
	if err != nil {
		return Member{}, err
	}
	if !authz.WorkspaceAllows(m.Role, cap) {
		return Member{}, fmt.Errorf("%w: your workspace role does not permit this action", apperr.ErrForbidden)
	}
	return m, nil
}

// CreateInput carries the fields of a new workspace.
type CreateInput struct {
	Name        string
	Description string
	IsDefault   bool
}

// dedupeSlug finds a free slug within the organisation scope by appending a
// numeric suffix. Runs inside the creating transaction so two concurrent
// creates with the same name cannot both win the bare slug.
func dedupeSlug(ctx context.Context, tx *sql.Tx, orgID sql.NullString, base string) (string, error) {
	candidate := base
	for n := 2; ; n++ {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			select exists(
				select 1 from workspaces
				where slug = $1 and organisation_id is not distinct from $2 and deleted_at is null
			)
		`, candidate, orgID).Scan(&exists)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

// Create makes a workspace in the caller's current context: ORG mode yields
// an organisation workspace, PERSONAL mode a personal one. The creator
// becomes its OWNER member.
func (s *Service) Create(ctx context.Context, id authz.Identity, in CreateInput) (Workspace, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Workspace{}, fmt.Errorf("%w: workspace name is required", apperr.ErrBadRequest)
	}

	wsType := TypePersonal
	var orgID sql.NullString
	if id.Mode == authz.ModeOrg {
		wsType = TypeOrganisation
		orgID = sql.NullString{String: id.OrgID, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Workspace{}, err
	}
	defer func() { _ = tx.Rollback() }()

	wsSlug, err := dedupeSlug(ctx, tx, orgID, slug.Make(in.Name))
	if err != nil {
		return Workspace{}, err
	}
	if in.IsDefault && orgID.Valid {
		// At most one default workspace per organisation.
		if _, err := tx.ExecContext(ctx, `
			update workspaces set is_default = false
			where organisation_id = $1 and is_default = true
		`, orgID.String); err != nil {
			return Workspace{}, err
		}
	}

	row := tx.QueryRowContext(ctx, `
		insert into workspaces (id, organisation_id, owner_id, name, slug, description, type, is_default)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning `+workspaceColumns+`
	`, ids.New(), orgID, id.UserID, in.Name, wsSlug, nullIfEmpty(in.Description), wsType, in.IsDefault)
	w, err := scanWorkspace(row)
	if err != nil {
		return Workspace{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into workspace_members (id, workspace_id, user_id, role, status, source, joined_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, ids.New(), w.ID, id.UserID, authz.WorkspaceOwner, StatusActive, SourceInternal, s.now()); err != nil {
		return Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return Workspace{}, err
	}
	return w, nil
}

// Get returns the workspace if the caller is an ACTIVE member. Soft-deleted
// workspaces read as not found.
func (s *Service) Get(ctx context.Context, id authz.Identity, workspaceID string) (Workspace, error) {
	if !id.IsSuperAdmin() {
		if _, err := s.activeMember(ctx, workspaceID, id.UserID); err != nil {
			return Workspace{}, err
		}
	}
	w, err := scanWorkspace(s.db.QueryRowContext(ctx,
		`select `+workspaceColumns+` from workspaces where id = $1 and deleted_at is null`, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, fmt.Errorf("%w: workspace", apperr.ErrNotFound)
	}
	return w, err
}

// List returns the live workspaces in the caller's current context where the
// caller is an ACTIVE member.
func (s *Service) List(ctx context.Context, id authz.Identity) ([]Workspace, error) {
	var orgID sql.NullString
	if id.Mode == authz.ModeOrg {
		orgID = sql.NullString{String: id.OrgID, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		select w.id, w.organisation_id, w.owner_id, w.name, w.slug, w.description, w.type,
			w.is_default, w.deleted_at, w.created_at, w.updated_at
		from workspaces w
		join workspace_members m on m.workspace_id = w.id
		where m.user_id = $1 and m.status = 'ACTIVE'
			and w.organisation_id is not distinct from $2
			and w.deleted_at is null
		order by w.created_at asc
	`, id.UserID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.OrganisationID, &w.OwnerID, &w.Name, &w.Slug, &w.Description,
			&w.Type, &w.IsDefault, &w.DeletedAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateInput carries the mutable workspace fields. Nil means unchanged.
type UpdateInput struct {
	Name        *string
	Description *string
}

// Update changes name and/or description. The slug stays stable.
func (s *Service) Update(ctx context.Context, id authz.Identity, workspaceID string, in UpdateInput) (Workspace, error) {
	if _, err := s.require(ctx, id, workspaceID, authz.CapMemberManage); err != nil {
		return Workspace{}, err
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return Workspace{}, fmt.Errorf("%w: workspace name cannot be empty", apperr.ErrBadRequest)
	}
	row := s.db.QueryRowContext(ctx, `
		update workspaces set
			name = coalesce($1, name),
			description = coalesce($2, description),
			updated_at = now()
		where id = $3 and deleted_at is null
		returning `+workspaceColumns+`
	`, in.Name, in.Description, workspaceID)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, fmt.Errorf("%w: workspace", apperr.ErrNotFound)
	}
	return w, err
}

// Delete soft-deletes the workspace. OWNER only.
func (s *Service) Delete(ctx context.Context, id authz.Identity, workspaceID string) error {
	if _, err := s.require(ctx, id, workspaceID, authz.CapDocumentOwner); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update workspaces set deleted_at = now(), updated_at = now()
		where id = $1 and deleted_at is null
	`, workspaceID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: workspace", apperr.ErrNotFound)
	}
	return nil
}

// AddInternalMembers adds existing users directly as ACTIVE members with the
// default MEMBER role. The already-member subset is silently skipped; if
// every requested user is already a member the call fails Conflict.
func (s *Service) AddInternalMembers(ctx context.Context, id authz.Identity, workspaceID string, userIDs []string) ([]Member, error) {
	if _, err := s.require(ctx, id, workspaceID, authz.CapMemberManage); err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("%w: no users given", apperr.ErrBadRequest)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	existing := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, `
		select user_id from workspace_members
		where workspace_id = $1 and status = 'ACTIVE' and user_id is not null
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, err
		}
		existing[uid] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var added []Member
	for _, uid := range userIDs {
		if existing[uid] {
			continue
		}
		m := Member{
			ID:          ids.New(),
			WorkspaceID: workspaceID,
			UserID:      sql.NullString{String: uid, Valid: true},
			Role:        authz.WorkspaceMember,
			Status:      StatusActive,
			Source:      SourceInternal,
			JoinedAt:    sql.NullTime{Time: s.now(), Valid: true},
		}
		if _, err := tx.ExecContext(ctx, `
			insert into workspace_members (id, workspace_id, user_id, role, status, source, joined_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, m.ID, m.WorkspaceID, uid, m.Role, m.Status, m.Source, m.JoinedAt.Time); err != nil {
			return nil, err
		}
		added = append(added, m)
		existing[uid] = true
	}
	if len(added) == 0 {
		return nil, fmt.Errorf("%w: all requested users are already members", apperr.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return added, nil
}

// AddExternalMembers invites by email. Only the workspace OWNER may invite
// outside the organisation. Addresses with a platform account get a PENDING
// row bound to that user; unknown addresses get a PENDING row carrying only
// the external identifier until the address registers.
func (s *Service) AddExternalMembers(ctx context.Context, id authz.Identity, workspaceID string, emails []string) ([]Member, error) {
	if _, err := s.require(ctx, id, workspaceID, authz.CapMemberExternal); err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, fmt.Errorf("%w: no valid recipients", apperr.ErrBadRequest)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var added []Member
	for _, email := range emails {
		email = strings.TrimSpace(strings.ToLower(email))
		if email == "" || !strings.Contains(email, "@") {
			continue
		}

		var userID sql.NullString
		err := tx.QueryRowContext(ctx,
			`select id from users where email = $1`, email).Scan(&userID.String)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// stays external until the address registers
		case err != nil:
			return nil, err
		default:
			userID.Valid = true
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `
			select exists(
				select 1 from workspace_members
				where workspace_id = $1 and status in ('ACTIVE', 'PENDING')
					and (user_id = $2 or external_email = $3)
			)
		`, workspaceID, userID, email).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		m := Member{
			ID:          ids.New(),
			WorkspaceID: workspaceID,
			UserID:      userID,
			Role:        authz.WorkspaceMember,
			Status:      StatusPending,
			Source:      SourceExternal,
		}
		if !userID.Valid {
			m.ExternalEmail = sql.NullString{String: email, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			insert into workspace_members (id, workspace_id, user_id, external_email, role, status, source)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, m.ID, m.WorkspaceID, m.UserID, m.ExternalEmail, m.Role, m.Status, m.Source); err != nil {
			return nil, err
		}
		added = append(added, m)
	}
	if len(added) == 0 {
		return nil, fmt.Errorf("%w: no valid recipients", apperr.ErrBadRequest)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return added, nil
}

// ActivatePendingInvites bridges external PENDING rows to the freshly
// registered user: the row is bound to the user id, the external identifier
// is cleared, and the membership becomes ACTIVE. Invoked right after
// registration; a failure here must not fail the registration, so the caller
// treats errors as telemetry.
func (s *Service) ActivatePendingInvites(ctx context.Context, userID, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	res, err := s.db.ExecContext(ctx, `
		update workspace_members
		set user_id = $1, external_email = null, status = 'ACTIVE', joined_at = now(), last_active_at = now()
		where external_email = $2 and status = 'PENDING'
	`, userID, email)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		obs.Event("workspace.invites.bridged", map[string]any{"user_id": userID, "count": n})
	}
	return nil
}

// ListMembers returns the workspace roster. Non-owners see only ACTIVE
// members; the OWNER and platform super admins also see PENDING and REMOVED
// rows.
func (s *Service) ListMembers(ctx context.Context, id authz.Identity, workspaceID string) ([]Member, error) {
	seeAll := id.IsSuperAdmin()
	if !seeAll {
		m, err := s.activeMember(ctx, workspaceID, id.UserID)
		if err != nil {
			return nil, err
		}
		seeAll = m.Role == authz.WorkspaceOwner
	}

	query := `select ` + memberColumns + ` from workspace_members where workspace_id = $1`
	if !seeAll {
		query += ` and status = 'ACTIVE'`
	}
	query += ` order by created_at asc`

	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		m, err := scanMemberRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// countOwners counts ACTIVE OWNER members inside the transaction.
func countOwners(ctx context.Context, tx *sql.Tx, workspaceID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		select count(*) from workspace_members
		where workspace_id = $1 and role = 'OWNER' and status = 'ACTIVE'
	`, workspaceID).Scan(&n)
	return n, err
}

func memberByID(ctx context.Context, tx *sql.Tx, workspaceID, memberID string) (role authz.WorkspaceRole, status MemberStatus, err error) {
	err = tx.QueryRowContext(ctx, `
		select role, status from workspace_members
		where id = $1 and workspace_id = $2
	`, memberID, workspaceID).Scan(&role, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: member", apperr.ErrNotFound)
	}
	return role, status, err
}

// UpdateMemberRole changes a member's workspace role. Demoting the last
// ACTIVE OWNER is rejected.
func (s *Service) UpdateMemberRole(ctx context.Context, id authz.Identity, workspaceID, memberID string, newRole authz.WorkspaceRole) error {
	if _, err := s.require(ctx, id, workspaceID, authz.CapMemberManage); err != nil {
		return err
	}
	if !authz.ValidWorkspaceRole(newRole) {
		return fmt.Errorf("%w: unknown role %q", apperr.ErrBadRequest, newRole)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	role, status, err := memberByID(ctx, tx, workspaceID, memberID)
	if err != nil {
		return err
	}
	if status != StatusActive {
		return fmt.Errorf("%w: member is not active", apperr.ErrBadRequest)
	}
	if role == authz.WorkspaceOwner && newRole != authz.WorkspaceOwner {
		owners, err := countOwners(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return fmt.Errorf("%w: workspace must retain at least one OWNER", apperr.ErrBadRequest)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`update workspace_members set role = $1 where id = $2`, newRole, memberID); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveMember marks a membership REMOVED. Removing the last ACTIVE OWNER is
// rejected.
func (s *Service) RemoveMember(ctx context.Context, id authz.Identity, workspaceID, memberID string) error {
	if _, err := s.require(ctx, id, workspaceID, authz.CapMemberManage); err != nil {
		return err
	}
	return s.closeMembership(ctx, workspaceID, memberID, StatusRemoved)
}

// Leave marks the caller's own membership LEFT. The last ACTIVE OWNER cannot
// leave.
func (s *Service) Leave(ctx context.Context, id authz.Identity, workspaceID string) error {
	m, err := s.activeMember(ctx, workspaceID, id.UserID)
	if err != nil {
		return err
	}
	return s.closeMembership(ctx, workspaceID, m.ID, StatusLeft)
}

func (s *Service) closeMembership(ctx context.Context, workspaceID, memberID string, to MemberStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	role, status, err := memberByID(ctx, tx, workspaceID, memberID)
	if err != nil {
		return err
	}
	if status != StatusActive && status != StatusPending {
		return fmt.Errorf("%w: member is not active", apperr.ErrBadRequest)
	}
	if role == authz.WorkspaceOwner && status == StatusActive {
		owners, err := countOwners(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return fmt.Errorf("%w: workspace must retain at least one OWNER", apperr.ErrBadRequest)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update workspace_members set status = $1, removed_at = now() where id = $2
	`, to, memberID); err != nil {
		return err
	}
	return tx.Commit()
}

func nullIfEmpty(v string) sql.NullString {
	v = strings.TrimSpace(v)
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
