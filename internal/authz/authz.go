// Package authz is the shared role vocabulary and the authorization decision
// tables. Three independent layers gate every mutation: platform role, then
// organisation role, then workspace role; a deny at any layer short-circuits.
// The decision functions are pure; callers re-read membership state from the
// store inside the same transaction as the mutation they guard.
package authz

// PlatformRole is the coarse account-level role.
type PlatformRole string

const (
	PlatformUser       PlatformRole = "USER"
	PlatformSuperAdmin PlatformRole = "SUPER_ADMIN"
)

// OrgRole ranks organisation members: OWNER > ADMIN > MANAGER > MEMBER > GUEST.
type OrgRole string

const (
	OrgOwner   OrgRole = "OWNER"
	OrgAdmin   OrgRole = "ADMIN"
	OrgManager OrgRole = "MANAGER"
	OrgMember  OrgRole = "MEMBER"
	OrgGuest   OrgRole = "GUEST"
)

// WorkspaceRole ranks workspace members.
type WorkspaceRole string

const (
	WorkspaceOwner  WorkspaceRole = "OWNER"
	WorkspaceEditor WorkspaceRole = "EDITOR"
	WorkspaceMember WorkspaceRole = "MEMBER"
)

// ContextMode is the operating mode embedded in a gate token.
type ContextMode string

const (
	ModePersonal ContextMode = "PERSONAL"
	ModeOrg      ContextMode = "ORG"
)

// Identity is the explicit authenticated identity passed by the caller into
// every authorization decision. It is never read from shared request state.
type Identity struct {
	UserID   string
	Email    string
	Platform PlatformRole
	Mode     ContextMode
	OrgID    string
	OrgRole  OrgRole
}

// IsSuperAdmin reports whether the identity bypasses membership checks where
// the operation grants that bypass.
func (id Identity) IsSuperAdmin() bool {
	return id.Platform == PlatformSuperAdmin
}

// Capability names a guarded operation class.
type Capability string

const (
	CapOrgUpdate      Capability = "org.update"
	CapOrgInvite      Capability = "org.invite"
	CapOrgDelete      Capability = "org.delete"
	CapOrgMembers     Capability = "org.members.manage"
	CapMemberManage   Capability = "workspace.member.manage"
	CapMemberExternal Capability = "workspace.member.external"
	CapDocumentEdit   Capability = "document.edit"
	CapDocumentOwner  Capability = "document.owner"
)

var orgGrants = map[Capability]map[OrgRole]bool{
	CapOrgUpdate:  {OrgOwner: true, OrgAdmin: true, OrgManager: true},
	CapOrgInvite:  {OrgOwner: true, OrgAdmin: true, OrgManager: true},
	CapOrgDelete:  {OrgOwner: true, OrgAdmin: true},
	CapOrgMembers: {OrgOwner: true, OrgAdmin: true},
}

var workspaceGrants = map[Capability]map[WorkspaceRole]bool{
	CapMemberManage:   {WorkspaceOwner: true, WorkspaceEditor: true},
	CapMemberExternal: {WorkspaceOwner: true},
	CapDocumentEdit:   {WorkspaceOwner: true, WorkspaceEditor: true},
	CapDocumentOwner:  {WorkspaceOwner: true},
}

// OrgAllows reports whether an organisation role grants a capability.
func OrgAllows(role OrgRole, cap Capability) bool {
	return orgGrants[cap][role]
}

// WorkspaceAllows reports whether a workspace role grants a capability.
func WorkspaceAllows(role WorkspaceRole, cap Capability) bool {
	return workspaceGrants[cap][role]
}

// ValidOrgRole reports whether the value is a known organisation role.
func ValidOrgRole(role OrgRole) bool {
	switch role {
	case OrgOwner, OrgAdmin, OrgManager, OrgMember, OrgGuest:
		return true
	}
	return false
}

// ValidWorkspaceRole reports whether the value is a known workspace role.
func ValidWorkspaceRole(role WorkspaceRole) bool {
	switch role {
	case WorkspaceOwner, WorkspaceEditor, WorkspaceMember:
		return true
	}
	return false
}
