package auth

import (
	"context"
	"database/sql"
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
)

const (
	maxFailedAttempts = 3
	lockoutDuration   = 30 * time.Minute
	defaultVaultTTL   = 30 * 24 * time.Hour

	pgErrUniqueViolation = "23505"
)

// Mailer is the slice of the mail collaborator the auth service needs.
type Mailer interface {
	SendEmailOTP(ctx context.Context, email, otp string) error
	SendPasswordChangedAlert(ctx context.Context, email string) error
}

// AuditLog records security-relevant actions.
type AuditLog interface {
	Log(ctx context.Context, e audit.Entry) error
}

// Service owns users, credentials, sessions, and context resolution. All
// state lives in the store; the service itself is stateless per request.
type Service struct {
	db     *sql.DB
	tokens *Issuer
	mailer Mailer
	audit  AuditLog

	now         func() time.Time
	vaultTTL    time.Duration
	rotateVault bool
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

// WithVaultTTL configures the session lifetime.
func WithVaultTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.vaultTTL = ttl
		}
	}
}

// WithRotateOnRefresh enables vault token rotation on every refresh.
func WithRotateOnRefresh(rotate bool) ServiceOption {
	return func(s *Service) { s.rotateVault = rotate }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the auth service.
func NewService(db *sql.DB, tokens *Issuer, opts ...ServiceOption) (*Service, error) {
	if db == nil {
		return nil, errors.New("auth: database is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	s := &Service{
		db:       db,
		tokens:   tokens,
		now:      time.Now,
		vaultTTL: defaultVaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const userColumns = `id, email, first_name, last_name, password_hash, platform_role,
	failed_attempts, locked_until, last_active_org_id, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash,
		&u.PlatformRole, &u.FailedAttempts, &u.LockedUntil, &u.LastActiveOrgID,
		&u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Service) findUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email = $1`, email))
}

// FindUserByID loads a user record.
func (s *Service) FindUserByID(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: user", apperr.ErrNotFound)
	}
	return u, err
}

// ResolveContext computes whether the user operates in PERSONAL or ORG mode
// and which organisation. The stored last-active organisation is sticky; if
// it no longer matches an ACTIVE membership the earliest-joined one wins and
// is persisted as the new last-active organisation.
func (s *Service) ResolveContext(ctx context.Context, userID string) (Context, error) {
	rows, err := s.db.QueryContext(ctx, `
		select organisation_id, role from organisation_members
		where user_id = $1 and status = 'ACTIVE'
		order by joined_at asc
	`, userID)
	if err != nil {
		return Context{}, err
	}
	defer rows.Close()

	var memberships []OrgContext
	for rows.Next() {
		var m OrgContext
		if err := rows.Scan(&m.ID, &m.Role); err != nil {
			return Context{}, err
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return Context{}, err
	}
	if len(memberships) == 0 {
		return Context{Mode: authz.ModePersonal}, nil
	}

	var last sql.NullString
	err = s.db.QueryRowContext(ctx,
		`select last_active_org_id from users where id = $1`, userID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return Context{}, fmt.Errorf("%w: user", apperr.ErrNotFound)
	}
	if err != nil {
		return Context{}, err
	}

	selected := memberships[0]
	if last.Valid {
		for _, m := range memberships {
			if m.ID == last.String {
				selected = m
				break
			}
		}
	}
	if !last.Valid || last.String != selected.ID {
		if _, err := s.db.ExecContext(ctx,
			`update users set last_active_org_id = $1, updated_at = now() where id = $2`,
			selected.ID, userID); err != nil {
			return Context{}, err
		}
	}
	sel := selected
	return Context{Mode: authz.ModeOrg, Organisation: &sel}, nil
}

func (s *Service) createSession(ctx context.Context, user User, c Context, ip, ua string) (gate, vault string, err error) {
	gate, err = s.tokens.Sign(user, c)
	if err != nil {
		return "", "", err
	}
	vault, err = NewVaultToken()
	if err != nil {
		return "", "", err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into user_sessions (id, user_id, gate_token, vault_token, ip_address, user_agent, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, ids.New(), user.ID, gate, vault, nullIfEmpty(ip), nullIfEmpty(ua), s.now().Add(s.vaultTTL))
	if err != nil {
		return "", "", err
	}
	return gate, vault, nil
}

// Login authenticates credentials and establishes a session. Unknown email
// and wrong password produce the same failure; only a locked account reads
// differently.
func (s *Service) Login(ctx context.Context, email, password, ip, ua string) (LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		obs.CountLogin("invalid")
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := s.findUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		obs.CountLogin("invalid")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}

	now := s.now()
	if user.LockedUntil.Valid && now.Before(user.LockedUntil.Time) {
		obs.CountLogin("locked")
		obs.Event("auth.login.locked", map[string]any{"user_id": user.ID, "ip": ip})
		return LoginResult{}, ErrAccountLocked
	}
	if !user.PasswordHash.Valid {
		obs.CountLogin("invalid")
		return LoginResult{}, ErrInvalidCredentials
	}

	if VerifyPassword(user.PasswordHash.String, password) != nil {
		if err := s.recordFailedAttempt(ctx, user); err != nil {
			return LoginResult{}, err
		}
		obs.CountLogin("invalid")
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := s.recordSuccess(ctx, user); err != nil {
		return LoginResult{}, err
	}

	c, err := s.ResolveContext(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	gate, vault, err := s.createSession(ctx, user, c, ip, ua)
	if err != nil {
		return LoginResult{}, err
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:         user.ID,
			OrganisationID: orgIDOf(c),
			Action:         "login",
			Description:    "user logged in",
			IPAddress:      ip,
			UserAgent:      ua,
		})
	}
	obs.CountLogin("ok")
	return LoginResult{User: user, GateToken: gate, VaultToken: vault, Context: c}, nil
}

// recordFailedAttempt increments the counter and, on the third strike, locks
// the account for 30 minutes. The lockout does not reset the counter.
func (s *Service) recordFailedAttempt(ctx context.Context, user User) error {
	failed := user.FailedAttempts + 1
	locked := user.LockedUntil
	if failed >= maxFailedAttempts {
		locked = sql.NullTime{Time: s.now().Add(lockoutDuration), Valid: true}
		obs.Event("auth.account.locked", map[string]any{"user_id": user.ID})
	}
	_, err := s.db.ExecContext(ctx,
		`update users set failed_attempts = $1, locked_until = $2, updated_at = now() where id = $3`,
		failed, locked, user.ID)
	return err
}

// recordSuccess clears the counter and lockout, and only issues the write
// when there is something to clear.
func (s *Service) recordSuccess(ctx context.Context, user User) error {
	if user.FailedAttempts == 0 && !user.LockedUntil.Valid {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`update users set failed_attempts = 0, locked_until = null, updated_at = now() where id = $1`,
		user.ID)
	return err
}

// RegisterInput carries a new account's fields.
type RegisterInput struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
}

// Register creates a platform account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", apperr.ErrBadRequest)
	}
	if strings.TrimSpace(in.Password) == "" {
		return User{}, fmt.Errorf("%w: password is required", apperr.ErrBadRequest)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, first_name, last_name, password_hash, platform_role)
		values ($1, $2, $3, $4, $5, $6)
		returning `+userColumns+`
	`, ids.New(), in.Email, in.FirstName, in.LastName, hash, authz.PlatformUser)
	user, err := scanUser(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return User{}, fmt.Errorf("%w: user with this email already exists", apperr.ErrConflict)
		}
		return User{}, err
	}
	return user, nil
}

// RegisterAndLogin creates the account and immediately establishes a session.
// Context is resolved before minting the payload, same as Login.
func (s *Service) RegisterAndLogin(ctx context.Context, in RegisterInput, ip, ua string) (LoginResult, error) {
	user, err := s.Register(ctx, in)
	if err != nil {
		return LoginResult{}, err
	}
	c, err := s.ResolveContext(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	gate, vault, err := s.createSession(ctx, user, c, ip, ua)
	if err != nil {
		return LoginResult{}, err
	}
	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:      user.ID,
			Action:      "register",
			Description: "user registered and logged in",
			IPAddress:   ip,
			UserAgent:   ua,
		})
	}
	return LoginResult{User: user, GateToken: gate, VaultToken: vault, Context: c}, nil
}

const sessionColumns = `id, user_id, gate_token, vault_token, ip_address, user_agent,
	expires_at, created_at, last_seen_at`

func scanSession(row *sql.Row) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.GateToken, &sess.VaultToken,
		&sess.IPAddress, &sess.UserAgent, &sess.ExpiresAt, &sess.CreatedAt, &sess.LastSeenAt)
	return sess, err
}

func (s *Service) sessionByVaultToken(ctx context.Context, vaultToken string) (Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from user_sessions where vault_token = $1`, vaultToken))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if s.now().After(sess.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `delete from user_sessions where id = $1`, sess.ID)
		return Session{}, ErrSessionExpired
	}
	return sess, nil
}

// Refresh exchanges a vault token for a fresh gate token. With rotation
// enabled the vault token changes too; either way the session row is updated
// in place and its expiry is preserved.
func (s *Service) Refresh(ctx context.Context, vaultToken string) (LoginResult, error) {
	sess, err := s.sessionByVaultToken(ctx, vaultToken)
	if err != nil {
		return LoginResult{}, err
	}
	user, err := s.FindUserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return LoginResult{}, ErrSessionNotFound
		}
		return LoginResult{}, err
	}

	c, err := s.ResolveContext(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	gate, err := s.tokens.Sign(user, c)
	if err != nil {
		return LoginResult{}, err
	}

	vault := vaultToken
	if s.rotateVault {
		vault, err = NewVaultToken()
		if err != nil {
			return LoginResult{}, err
		}
		_, err = s.db.ExecContext(ctx,
			`update user_sessions set gate_token = $1, vault_token = $2 where id = $3`,
			gate, vault, sess.ID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`update user_sessions set gate_token = $1 where id = $2`, gate, sess.ID)
	}
	if err != nil {
		return LoginResult{}, err
	}
	obs.CountRefresh()
	return LoginResult{User: user, GateToken: gate, VaultToken: vault, Context: c}, nil
}

// Authenticate is the guard-level check run on every protected request:
// verify the gate token, then require a live session row referencing it.
func (s *Service) Authenticate(ctx context.Context, gateToken string) (authz.Identity, error) {
	claims, err := s.tokens.Verify(gateToken)
	if err != nil {
		return authz.Identity{}, err
	}
	var (
		sessionID string
		expiresAt time.Time
	)
	err = s.db.QueryRowContext(ctx,
		`select id, expires_at from user_sessions where gate_token = $1`, gateToken).
		Scan(&sessionID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Identity{}, ErrSessionNotFound
	}
	if err != nil {
		return authz.Identity{}, err
	}
	if s.now().After(expiresAt) {
		_, _ = s.db.ExecContext(ctx, `delete from user_sessions where id = $1`, sessionID)
		return authz.Identity{}, ErrSessionExpired
	}
	return claims.Identity(), nil
}

// Touch updates the session's last-activity timestamp. It runs as a side
// effect of every authenticated request, so failures are swallowed.
func (s *Service) Touch(ctx context.Context, gateToken string) {
	if gateToken == "" {
		return
	}
	_, err := s.db.ExecContext(ctx,
		`update user_sessions set last_seen_at = now() where gate_token = $1`, gateToken)
	if err != nil {
		obs.Event("auth.session.touch_failed", map[string]any{"error": err.Error()})
	}
}

// Logout deletes the session for the vault token. A missing session is not
// an error, logout is idempotent.
func (s *Service) Logout(ctx context.Context, vaultToken string) error {
	if vaultToken == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`delete from user_sessions where vault_token = $1`, vaultToken)
	return err
}

// RevokeAllSessions deletes every session of the user.
func (s *Service) RevokeAllSessions(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from user_sessions where user_id = $1`, userID)
	return err
}

// VaultTokenForGate resolves the vault token of the session holding the
// given gate token. Lets bearer-only clients without the session cookie
// perform operations keyed by the vault token.
func (s *Service) VaultTokenForGate(ctx context.Context, gateToken string) (string, error) {
	var vault string
	err := s.db.QueryRowContext(ctx,
		`select vault_token from user_sessions where gate_token = $1`, gateToken).Scan(&vault)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	return vault, err
}

// SwitchOrganisation moves the caller's context to another organisation they
// hold an ACTIVE membership in, and re-issues the gate token in place on the
// caller's session.
func (s *Service) SwitchOrganisation(ctx context.Context, vaultToken, orgID string) (LoginResult, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return LoginResult{}, fmt.Errorf("%w: organisation id is required", apperr.ErrBadRequest)
	}
	sess, err := s.sessionByVaultToken(ctx, vaultToken)
	if err != nil {
		return LoginResult{}, err
	}

	var role authz.OrgRole
	err = s.db.QueryRowContext(ctx, `
		select role from organisation_members
		where organisation_id = $1 and user_id = $2 and status = 'ACTIVE'
	`, orgID, sess.UserID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return LoginResult{}, fmt.Errorf("%w: you are not an active member of this organisation", apperr.ErrForbidden)
	}
	if err != nil {
		return LoginResult{}, err
	}

	if _, err := s.db.ExecContext(ctx,
		`update users set last_active_org_id = $1, updated_at = now() where id = $2`,
		orgID, sess.UserID); err != nil {
		return LoginResult{}, err
	}

	user, err := s.FindUserByID(ctx, sess.UserID)
	if err != nil {
		return LoginResult{}, err
	}
	c := Context{Mode: authz.ModeOrg, Organisation: &OrgContext{ID: orgID, Role: role}}
	gate, err := s.tokens.Sign(user, c)
	if err != nil {
		return LoginResult{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`update user_sessions set gate_token = $1 where id = $2`, gate, sess.ID); err != nil {
		return LoginResult{}, err
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:         user.ID,
			OrganisationID: orgID,
			Action:         "switch_organisation",
			Description:    "organisation context switched",
		})
	}
	return LoginResult{User: user, GateToken: gate, VaultToken: sess.VaultToken, Context: c}, nil
}

// ChangePassword verifies the current password, stores the new hash, and
// revokes every session of the user in the same transaction.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next, ip, ua string) error {
	user, err := s.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.PasswordHash.Valid {
		return fmt.Errorf("%w: password not set", apperr.ErrBadRequest)
	}
	if VerifyPassword(user.PasswordHash.String, current) != nil {
		return fmt.Errorf("%w: invalid current password", apperr.ErrBadRequest)
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`update users set password_hash = $1, updated_at = now() where id = $2`,
		hash, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`delete from user_sessions where user_id = $1`, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, audit.Entry{
			UserID:      userID,
			Action:      "password_changed",
			Description: "password changed and all sessions revoked",
			IPAddress:   ip,
			UserAgent:   ua,
		})
	}
	if s.mailer != nil {
		if err := s.mailer.SendPasswordChangedAlert(ctx, user.Email); err != nil {
			obs.Event("auth.password_alert.failed", map[string]any{"user_id": userID, "error": err.Error()})
		}
	}
	return nil
}

func orgIDOf(c Context) string {
	if c.Organisation == nil {
		return ""
	}
	return c.Organisation.ID
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
