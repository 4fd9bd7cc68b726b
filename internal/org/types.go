package org

import (
	"database/sql"
	"time"

	"collabsphere.org/internal/authz"
)

// MemberStatus is the lifecycle state of an organisation membership.
type MemberStatus string

const (
	StatusActive  MemberStatus = "ACTIVE"
	StatusPending MemberStatus = "PENDING"
)

// Organisation is a tenant. The slug is derived from the name at creation
// and stays stable across renames.
type Organisation struct {
	ID          string
	Name        string
	Slug        string
	Description sql.NullString
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Member is a user's standing inside an organisation.
type Member struct {
	OrganisationID string
	UserID         string
	Email          string
	FirstName      string
	LastName       string
	Role           authz.OrgRole
	Status         MemberStatus
	JoinedAt       time.Time
}

// Invite is a pending invitation. Only the hash of the invite token is
// stored; the raw token lives in the email link and nowhere else.
type Invite struct {
	ID             string
	OrganisationID string
	Email          string
	Role           authz.OrgRole
	TokenHash      string
	InvitedBy      string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	AcceptedAt     sql.NullTime
}

// InvitePreview is the unauthenticated view of an invite shown on the accept
// page.
type InvitePreview struct {
	OrganisationName string
	Email            string
	Role             authz.OrgRole
	ExpiresAt        time.Time
}
