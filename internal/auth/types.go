package auth

import (
	"database/sql"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collabsphere.org/internal/authz"
)

// User is a platform identity record. The password hash is nullable because
// federated accounts may not have one set.
type User struct {
	ID              string
	Email           string
	FirstName       string
	LastName        string
	PasswordHash    sql.NullString
	PlatformRole    authz.PlatformRole
	FailedAttempts  int
	LockedUntil     sql.NullTime
	LastActiveOrgID sql.NullString
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session pairs a signed gate token with its opaque vault token. The vault
// token is the durable handle: refresh and revocation key off it, while the
// gate token is re-minted in place on refresh and context switches.
type Session struct {
	ID         string
	UserID     string
	GateToken  string
	VaultToken string
	IPAddress  sql.NullString
	UserAgent  sql.NullString
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// OrgContext is the selected organisation inside an ORG-mode context.
type OrgContext struct {
	ID   string        `json:"id"`
	Role authz.OrgRole `json:"role"`
}

// Context is the PERSONAL-vs-ORG operating mode of a user. Organisation is
// nil exactly when Mode is PERSONAL.
type Context struct {
	Mode         authz.ContextMode `json:"mode"`
	Organisation *OrgContext       `json:"organisation"`
}

// GateContext is the context snapshot embedded in a signed gate token.
type GateContext struct {
	Mode    authz.ContextMode `json:"mode"`
	OrgID   *string           `json:"orgId"`
	OrgRole *authz.OrgRole    `json:"orgRole"`
}

// GateClaims is the self-contained payload of a gate token. It is immutable
// once signed; a context change requires minting a new token.
type GateClaims struct {
	Email string             `json:"email"`
	Role  authz.PlatformRole `json:"role"`
	Ctx   GateContext        `json:"ctx"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into the explicit identity value passed
// to authorization decisions.
func (c *GateClaims) Identity() authz.Identity {
	id := authz.Identity{
		UserID:   c.Subject,
		Email:    c.Email,
		Platform: c.Role,
		Mode:     c.Ctx.Mode,
	}
	if c.Ctx.OrgID != nil {
		id.OrgID = *c.Ctx.OrgID
	}
	if c.Ctx.OrgRole != nil {
		id.OrgRole = *c.Ctx.OrgRole
	}
	return id
}

func gateContext(c Context) GateContext {
	gc := GateContext{Mode: c.Mode}
	if c.Organisation != nil {
		gc.OrgID = &c.Organisation.ID
		gc.OrgRole = &c.Organisation.Role
	}
	return gc
}

// LoginResult is returned by every operation that establishes or refreshes a
// session.
type LoginResult struct {
	User       User
	GateToken  string
	VaultToken string
	Context    Context
}
