package workspace

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"collabsphere.org/internal/apperr"
	"collabsphere.org/internal/authz"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	svc, err := NewService(db, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, mock, func() { db.Close() }
}

func orgIdentity(userID string) authz.Identity {
	return authz.Identity{
		UserID:   userID,
		Email:    userID + "@example.org",
		Platform: authz.PlatformUser,
		Mode:     authz.ModeOrg,
		OrgID:    "org-1",
		OrgRole:  authz.OrgMember,
	}
}

func memberRowCols() []string {
	return []string{"id", "workspace_id", "user_id", "external_email", "role", "status", "source",
		"joined_at", "last_active_at", "removed_at", "created_at"}
}

func activeMemberRow(memberID, userID string, role authz.WorkspaceRole) *sqlmock.Rows {
	return sqlmock.NewRows(memberRowCols()).
		AddRow(memberID, "ws-1", userID, nil, string(role), "ACTIVE", "INTERNAL",
			testNow, testNow, nil, testNow)
}

func expectActiveMember(mock sqlmock.Sqlmock, userID string, role authz.WorkspaceRole) {
	mock.ExpectQuery("from workspace_members").
		WithArgs("ws-1", userID).
		WillReturnRows(activeMemberRow("m-"+userID, userID, role))
}

func workspaceRowCols() []string {
	return []string{"id", "organisation_id", "owner_id", "name", "slug", "description", "type",
		"is_default", "deleted_at", "created_at", "updated_at"}
}

func TestCreateDedupesSlugAndMakesOwner(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	// "design" is taken, "design-2" is free.
	mock.ExpectQuery("select exists").WithArgs("design", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("select exists").WithArgs("design-2", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("insert into workspaces").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "user-1", "Design", "design-2",
			sqlmock.AnyArg(), string(TypeOrganisation), false).
		WillReturnRows(sqlmock.NewRows(workspaceRowCols()).
			AddRow("ws-1", "org-1", "user-1", "Design", "design-2", nil,
				string(TypeOrganisation), false, nil, testNow, testNow))
	mock.ExpectExec("insert into workspace_members").
		WithArgs(sqlmock.AnyArg(), "ws-1", "user-1", string(authz.WorkspaceOwner),
			string(StatusActive), string(SourceInternal), testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	w, err := svc.Create(context.Background(), orgIdentity("user-1"), CreateInput{Name: "Design"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.Slug != "design-2" {
		t.Fatalf("expected deduped slug, got %s", w.Slug)
	}
	if w.Type != TypeOrganisation {
		t.Fatalf("expected organisation workspace, got %s", w.Type)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateDefaultClearsPreviousDefault(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs("main", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("update workspaces set is_default = false").WithArgs("org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into workspaces").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "user-1", "Main", "main",
			sqlmock.AnyArg(), string(TypeOrganisation), true).
		WillReturnRows(sqlmock.NewRows(workspaceRowCols()).
			AddRow("ws-1", "org-1", "user-1", "Main", "main", nil,
				string(TypeOrganisation), true, nil, testNow, testNow))
	mock.ExpectExec("insert into workspace_members").
		WithArgs(sqlmock.AnyArg(), "ws-1", "user-1", string(authz.WorkspaceOwner),
			string(StatusActive), string(SourceInternal), testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if _, err := svc.Create(context.Background(), orgIdentity("user-1"), CreateInput{Name: "Main", IsDefault: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetRequiresActiveMembership(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectQuery("from workspace_members").
		WithArgs("ws-1", "user-9").
		WillReturnRows(sqlmock.NewRows(memberRowCols()))

	_, err := svc.Get(context.Background(), orgIdentity("user-9"), "ws-1")
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestUpdateForbiddenForPlainMember(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectActiveMember(mock, "user-2", authz.WorkspaceMember)

	name := "Renamed"
	_, err := svc.Update(context.Background(), orgIdentity("user-2"), "ws-1", UpdateInput{Name: &name})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestAddInternalMembersSkipsExisting(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectActiveMember(mock, "user-1", authz.WorkspaceEditor)
	mock.ExpectBegin()
	mock.ExpectQuery("select user_id from workspace_members").WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-2"))
	mock.ExpectExec("insert into workspace_members").
		WithArgs(sqlmock.AnyArg(), "ws-1", "user-3", string(authz.WorkspaceMember),
			string(StatusActive), string(SourceInternal), testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	added, err := svc.AddInternalMembers(context.Background(), orgIdentity("user-1"), "ws-1",
		[]string{"user-2", "user-3"})
	if err != nil {
		t.Fatalf("AddInternalMembers: %v", err)
	}
	if len(added) != 1 || added[0].UserID.String != "user-3" {
		t.Fatalf("expected only user-3 added, got %+v", added)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddInternalMembersAllExistingConflicts(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectActiveMember(mock, "user-1", authz.WorkspaceOwner)
	mock.ExpectBegin()
	mock.ExpectQuery("select user_id from workspace_members").WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-2").AddRow("user-3"))
	mock.ExpectRollback()

	_, err := svc.AddInternalMembers(context.Background(), orgIdentity("user-1"), "ws-1",
		[]string{"user-2", "user-3"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAddExternalMembersOwnerOnly(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// Editors manage internal membership but cannot invite outside addresses.
	expectActiveMember(mock, "user-2", authz.WorkspaceEditor)

	_, err := svc.AddExternalMembers(context.Background(), orgIdentity("user-2"), "ws-1",
		[]string{"stranger@example.org"})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for EDITOR, got %v", err)
	}
}

func TestAddExternalMembersSplitsKnownAndUnknown(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectActiveMember(mock, "user-1", authz.WorkspaceOwner)
	mock.ExpectBegin()
	// known@ has an account, stranger@ does not.
	mock.ExpectQuery("select id from users where email").WithArgs("known@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-7"))
	mock.ExpectQuery("select exists").WithArgs("ws-1", sqlmock.AnyArg(), "known@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into workspace_members").
		WithArgs(sqlmock.AnyArg(), "ws-1", sqlmock.AnyArg(), sqlmock.AnyArg(),
			string(authz.WorkspaceMember), string(StatusPending), string(SourceExternal)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select id from users where email").WithArgs("stranger@example.org").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select exists").WithArgs("ws-1", sqlmock.AnyArg(), "stranger@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into workspace_members").
		WithArgs(sqlmock.AnyArg(), "ws-1", sqlmock.AnyArg(), sqlmock.AnyArg(),
			string(authz.WorkspaceMember), string(StatusPending), string(SourceExternal)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	added, err := svc.AddExternalMembers(context.Background(), orgIdentity("user-1"), "ws-1",
		[]string{"Known@Example.org", "stranger@example.org"})
	if err != nil {
		t.Fatalf("AddExternalMembers: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("expected 2 members, got %d", len(added))
	}
	if !added[0].UserID.Valid || added[0].UserID.String != "user-7" {
		t.Fatalf("known address must bind to its user: %+v", added[0])
	}
	if added[0].ExternalEmail.Valid {
		t.Fatalf("known address must not carry an external identifier")
	}
	if added[1].UserID.Valid || !added[1].ExternalEmail.Valid || added[1].ExternalEmail.String != "stranger@example.org" {
		t.Fatalf("unknown address must carry only the external identifier: %+v", added[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestActivatePendingInvitesBridges(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectExec("update workspace_members").
		WithArgs("user-9", "new@example.org").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := svc.ActivatePendingInvites(context.Background(), "user-9", "New@Example.org"); err != nil {
		t.Fatalf("ActivatePendingInvites: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListMembersVisibility(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// A plain member only sees ACTIVE rows.
	expectActiveMember(mock, "user-2", authz.WorkspaceMember)
	mock.ExpectQuery(`status = 'ACTIVE'`).WithArgs("ws-1").
		WillReturnRows(activeMemberRow("m-1", "user-1", authz.WorkspaceOwner))

	members, err := svc.ListMembers(context.Background(), orgIdentity("user-2"), "ws-1")
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(members))
	}
}

func TestUpdateMemberRoleLastOwnerGuard(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectActiveMember(mock, "user-1", authz.WorkspaceOwner)
	mock.ExpectBegin()
	mock.ExpectQuery("select role, status from workspace_members").
		WithArgs("m-user-1", "ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"role", "status"}).AddRow("OWNER", "ACTIVE"))
	mock.ExpectQuery("select count").WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := svc.UpdateMemberRole(context.Background(), orgIdentity("user-1"), "ws-1", "m-user-1", authz.WorkspaceEditor)
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestLeaveSucceedsWithSecondOwner(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectActiveMember(mock, "user-1", authz.WorkspaceOwner)
	mock.ExpectBegin()
	mock.ExpectQuery("select role, status from workspace_members").
		WithArgs("m-user-1", "ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"role", "status"}).AddRow("OWNER", "ACTIVE"))
	mock.ExpectQuery("select count").WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec("update workspace_members set status").
		WithArgs(string(StatusLeft), "m-user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.Leave(context.Background(), orgIdentity("user-1"), "ws-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
