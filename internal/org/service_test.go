package org

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"collabsphere.org/internal/apperr"
	"collabsphere.org/internal/authz"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMailer struct {
	email   string
	orgName string
	token   string
	fail    bool
}

func (m *fakeMailer) SendOrganisationInviteEmail(_ context.Context, email, orgName, token string) error {
	if m.fail {
		return errors.New("smtp unavailable")
	}
	m.email, m.orgName, m.token = email, orgName, token
	return nil
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	opts = append([]ServiceOption{WithClock(func() time.Time { return testNow })}, opts...)
	svc, err := NewService(db, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, mock, func() { db.Close() }
}

// argCapture matches any string argument and records it, so a test can
// inspect values the service generates internally.
type argCapture struct{ dst *string }

func (a argCapture) Match(v driver.Value) bool {
	s, ok := v.(string)
	if ok {
		*a.dst = s
	}
	return ok
}

func hashCapture(dst *string) sqlmock.Argument { return argCapture{dst} }

func member(id string) authz.Identity {
	return authz.Identity{UserID: id, Email: id + "@example.org", Platform: authz.PlatformUser}
}

func orgRowCols() []string {
	return []string{"id", "name", "slug", "description", "created_by", "created_at", "updated_at"}
}

func orgRow() *sqlmock.Rows {
	return sqlmock.NewRows(orgRowCols()).
		AddRow("org-1", "Acme Corp", "acme-corp", nil, "user-1", testNow, testNow)
}

func expectRole(mock sqlmock.Sqlmock, orgID, userID string, role authz.OrgRole) {
	mock.ExpectQuery("select role from organisation_members").
		WithArgs(orgID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(string(role)))
}

func TestCreateMakesCreatorOwner(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("insert into organisations").
		WithArgs(sqlmock.AnyArg(), "Acme Corp", "acme-corp", sqlmock.AnyArg(), "user-1").
		WillReturnRows(orgRow())
	mock.ExpectExec("insert into organisation_members").
		WithArgs("org-1", "user-1", string(authz.OrgOwner), string(StatusActive)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	o, err := svc.Create(context.Background(), member("user-1"), "Acme Corp", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if o.Slug != "acme-corp" {
		t.Fatalf("unexpected slug: %s", o.Slug)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateDuplicateSlug(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("insert into organisations").
		WithArgs(sqlmock.AnyArg(), "Acme Corp", "acme-corp", sqlmock.AnyArg(), "user-1").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), member("user-1"), "Acme Corp", "")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestGetRequiresMembership(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectQuery("select role from organisation_members").
		WithArgs("org-1", "user-9").
		WillReturnError(sql.ErrNoRows)

	_, err := svc.Get(context.Background(), member("user-9"), "org-1")
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestGetSuperAdminBypassesMembership(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectQuery("from organisations where id").WithArgs("org-1").
		WillReturnRows(orgRow())

	admin := authz.Identity{UserID: "root-1", Platform: authz.PlatformSuperAdmin}
	o, err := svc.Get(context.Background(), admin, "org-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.ID != "org-1" {
		t.Fatalf("unexpected org: %+v", o)
	}
}

func TestUpdateRequiresCapability(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectRole(mock, "org-1", "user-2", authz.OrgGuest)

	name := "New Name"
	_, err := svc.Update(context.Background(), member("user-2"), "org-1", UpdateInput{Name: &name})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestUpdateKeepsSlug(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectRole(mock, "org-1", "user-1", authz.OrgManager)
	name := "Acme Industries"
	mock.ExpectQuery("update organisations set").
		WithArgs(&name, (*string)(nil), "org-1").
		WillReturnRows(sqlmock.NewRows(orgRowCols()).
			AddRow("org-1", "Acme Industries", "acme-corp", nil, "user-1", testNow, testNow))

	o, err := svc.Update(context.Background(), member("user-1"), "org-1", UpdateInput{Name: &name})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if o.Slug != "acme-corp" {
		t.Fatalf("slug must not change on rename, got %s", o.Slug)
	}
}

func TestDeleteRequiresAdminRole(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectRole(mock, "org-1", "user-3", authz.OrgManager)

	err := svc.Delete(context.Background(), member("user-3"), "org-1")
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for MANAGER, got %v", err)
	}
}

func TestUpdateMemberRoleLastOwnerGuard(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectRole(mock, "org-1", "user-1", authz.OrgOwner)
	mock.ExpectBegin()
	mock.ExpectQuery("select role from organisation_members").
		WithArgs("org-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("OWNER"))
	mock.ExpectQuery("select count").WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := svc.UpdateMemberRole(context.Background(), member("user-1"), "org-1", "user-1", authz.OrgAdmin)
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request for last owner demotion, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateMemberRolePromotesWhenAnotherOwnerExists(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectRole(mock, "org-1", "user-1", authz.OrgOwner)
	mock.ExpectBegin()
	mock.ExpectQuery("select role from organisation_members").
		WithArgs("org-1", "user-2").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("MEMBER"))
	mock.ExpectExec("update organisation_members set role").
		WithArgs(string(authz.OrgAdmin), "org-1", "user-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.UpdateMemberRole(context.Background(), member("user-1"), "org-1", "user-2", authz.OrgAdmin); err != nil {
		t.Fatalf("UpdateMemberRole: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLeaveLastOwnerGuard(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectRole(mock, "org-1", "user-1", authz.OrgOwner)
	mock.ExpectBegin()
	mock.ExpectQuery("select role from organisation_members").
		WithArgs("org-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("OWNER"))
	mock.ExpectQuery("select count").WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := svc.Leave(context.Background(), member("user-1"), "org-1")
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestCreateInviteSendsRawTokenStoresHash(t *testing.T) {
	mailer := &fakeMailer{}
	svc, mock, done := newTestService(t, WithMailer(mailer))
	defer done()

	var storedHash string
	expectRole(mock, "org-1", "user-1", authz.OrgAdmin)
	mock.ExpectQuery("select name from organisations").WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Acme Corp"))
	mock.ExpectQuery("select exists").WithArgs("org-1", "new@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into organisation_invites").
		WithArgs(sqlmock.AnyArg(), "org-1", "new@example.org", string(authz.OrgMember),
			hashCapture(&storedHash), "user-1", testNow.Add(inviteTTL)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	inv, err := svc.CreateInvite(context.Background(), member("user-1"), "org-1", "New@Example.org", authz.OrgMember)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if mailer.token == "" || len(mailer.token) != inviteTokenBytes*2 {
		t.Fatalf("mailed token has wrong shape: %q", mailer.token)
	}
	if storedHash == mailer.token {
		t.Fatalf("raw token must not be stored")
	}
	if storedHash != hashInviteToken(mailer.token) {
		t.Fatalf("stored value is not the hash of the mailed token")
	}
	if inv.Email != "new@example.org" {
		t.Fatalf("email not normalized: %s", inv.Email)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateInviteRejectsOwnerRole(t *testing.T) {
	svc, mock, done := newTestService(t, WithMailer(&fakeMailer{}))
	defer done()

	expectRole(mock, "org-1", "user-1", authz.OrgOwner)

	_, err := svc.CreateInvite(context.Background(), member("user-1"), "org-1", "new@example.org", authz.OrgOwner)
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestCreateInviteCompensatesOnMailFailure(t *testing.T) {
	svc, mock, done := newTestService(t, WithMailer(&fakeMailer{fail: true}))
	defer done()

	expectRole(mock, "org-1", "user-1", authz.OrgAdmin)
	mock.ExpectQuery("select name from organisations").WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Acme Corp"))
	mock.ExpectQuery("select exists").WithArgs("org-1", "new@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into organisation_invites").
		WithArgs(sqlmock.AnyArg(), "org-1", "new@example.org", string(authz.OrgMember),
			sqlmock.AnyArg(), "user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("delete from organisation_invites where id").WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := svc.CreateInvite(context.Background(), member("user-1"), "org-1", "new@example.org", authz.OrgMember); err == nil {
		t.Fatalf("expected mail failure to surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func inviteRowCols() []string {
	return []string{"id", "organisation_id", "email", "role", "token_hash", "invited_by",
		"expires_at", "created_at", "accepted_at"}
}

func TestPreviewInviteExpiredIsGone(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	raw := "deadbeef"
	mock.ExpectQuery("from organisation_invites where token_hash").
		WithArgs(hashInviteToken(raw)).
		WillReturnRows(sqlmock.NewRows(inviteRowCols()).
			AddRow("inv-1", "org-1", "new@example.org", "MEMBER", hashInviteToken(raw),
				"user-1", testNow.Add(-time.Hour), testNow.Add(-49*time.Hour), nil))
	mock.ExpectExec("delete from organisation_invites where id").WithArgs("inv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.PreviewInvite(context.Background(), raw)
	if !errors.Is(err, apperr.ErrGone) {
		t.Fatalf("expected gone, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcceptInviteAlreadyAcceptedReadsNotFound(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	raw := "deadbeef"
	mock.ExpectQuery("from organisation_invites where token_hash").
		WithArgs(hashInviteToken(raw)).
		WillReturnRows(sqlmock.NewRows(inviteRowCols()).
			AddRow("inv-1", "org-1", "new@example.org", "MEMBER", hashInviteToken(raw),
				"user-1", testNow.Add(time.Hour), testNow.Add(-time.Hour), testNow.Add(-30*time.Minute)))

	_, _, err := svc.AcceptInvite(context.Background(),
		authz.Identity{UserID: "user-2", Email: "new@example.org"}, raw)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for accepted invite, got %v", err)
	}
}

func TestAcceptInviteEmailMismatch(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	raw := "deadbeef"
	mock.ExpectQuery("from organisation_invites where token_hash").
		WithArgs(hashInviteToken(raw)).
		WillReturnRows(sqlmock.NewRows(inviteRowCols()).
			AddRow("inv-1", "org-1", "new@example.org", "MEMBER", hashInviteToken(raw),
				"user-1", testNow.Add(time.Hour), testNow.Add(-time.Hour), nil))

	_, _, err := svc.AcceptInvite(context.Background(),
		authz.Identity{UserID: "user-2", Email: "other@example.org"}, raw)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestAcceptInviteBridgesPendingMembership(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	raw := "deadbeef"
	mock.ExpectQuery("from organisation_invites where token_hash").
		WithArgs(hashInviteToken(raw)).
		WillReturnRows(sqlmock.NewRows(inviteRowCols()).
			AddRow("inv-1", "org-1", "new@example.org", "MEMBER", hashInviteToken(raw),
				"user-1", testNow.Add(time.Hour), testNow.Add(-time.Hour), nil))
	mock.ExpectBegin()
	mock.ExpectQuery("select status from organisation_members").
		WithArgs("org-1", "user-2").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING"))
	mock.ExpectExec("update organisation_members set role").
		WithArgs(string(authz.OrgMember), string(StatusActive), "org-1", "user-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update organisation_invites set accepted_at").WithArgs("inv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update users set last_active_org_id").WithArgs("org-1", "user-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("from organisations where id").WithArgs("org-1").
		WillReturnRows(orgRow())

	o, role, err := svc.AcceptInvite(context.Background(),
		authz.Identity{UserID: "user-2", Email: "New@Example.org"}, raw)
	if err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if o.ID != "org-1" || role != authz.OrgMember {
		t.Fatalf("unexpected result: %+v role=%s", o, role)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcceptInviteActiveMemberConflicts(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	raw := "deadbeef"
	mock.ExpectQuery("from organisation_invites where token_hash").
		WithArgs(hashInviteToken(raw)).
		WillReturnRows(sqlmock.NewRows(inviteRowCols()).
			AddRow("inv-1", "org-1", "new@example.org", "MEMBER", hashInviteToken(raw),
				"user-1", testNow.Add(time.Hour), testNow.Add(-time.Hour), nil))
	mock.ExpectBegin()
	mock.ExpectQuery("select status from organisation_members").
		WithArgs("org-1", "user-2").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("ACTIVE"))
	mock.ExpectRollback()

	_, _, err := svc.AcceptInvite(context.Background(),
		authz.Identity{UserID: "user-2", Email: "new@example.org"}, raw)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
