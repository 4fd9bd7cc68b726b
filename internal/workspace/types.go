package workspace

import (
	"database/sql"
	"time"

	"collabsphere.org/internal/authz"
)

// Type distinguishes personal workspaces from organisation-scoped ones.
type Type string

const (
	TypePersonal     Type = "PERSONAL"
	TypeOrganisation Type = "ORGANISATION"
)

// MemberStatus is the lifecycle state of a workspace membership. Only ACTIVE
// members hold any workspace capability.
type MemberStatus string

const (
	StatusActive  MemberStatus = "ACTIVE"
	StatusPending MemberStatus = "PENDING"
	StatusRemoved MemberStatus = "REMOVED"
	StatusLeft    MemberStatus = "LEFT"
)

// MemberSource records how a membership came to exist.
type MemberSource string

const (
	SourceInternal MemberSource = "INTERNAL"
	SourceExternal MemberSource = "EXTERNAL"
)

// Workspace is a container for documents, owned by a user and optionally
// scoped to an organisation. Deletion is soft: a deleted workspace reads as
// not found.
type Workspace struct {
	ID             string
	OrganisationID sql.NullString
	OwnerID        string
	Name           string
	Slug           string
	Description    sql.NullString
	Type           Type
	IsDefault      bool
	DeletedAt      sql.NullTime
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Member is a role-scoped membership record. Exactly one of UserID and
// ExternalEmail is set while an external invite is PENDING; bridging binds
// the row to a user id and clears the external identifier.
type Member struct {
	ID            string
	WorkspaceID   string
	UserID        sql.NullString
	ExternalEmail sql.NullString
	Role          authz.WorkspaceRole
	Status        MemberStatus
	Source        MemberSource
	JoinedAt      sql.NullTime
	LastActiveAt  sql.NullTime
	RemovedAt     sql.NullTime
	CreatedAt     time.Time
}
