package authz

import "testing"

func TestOrgGrants(t *testing.T) {
	cases := []struct {
		role OrgRole
		cap  Capability
		want bool
	}{
		{OrgOwner, CapOrgUpdate, true},
		{OrgAdmin, CapOrgUpdate, true},
		{OrgManager, CapOrgUpdate, true},
		{OrgMember, CapOrgUpdate, false},
		{OrgGuest, CapOrgUpdate, false},
		{OrgOwner, CapOrgInvite, true},
		{OrgManager, CapOrgInvite, true},
		{OrgMember, CapOrgInvite, false},
		{OrgOwner, CapOrgDelete, true},
		{OrgAdmin, CapOrgDelete, true},
		{OrgManager, CapOrgDelete, false},
	}
	for _, c := range cases {
		if got := OrgAllows(c.role, c.cap); got != c.want {
			t.Errorf("OrgAllows(%s, %s) = %v, want %v", c.role, c.cap, got, c.want)
		}
	}
}

func TestWorkspaceGrants(t *testing.T) {
	cases := []struct {
		role WorkspaceRole
		cap  Capability
		want bool
	}{
		{WorkspaceOwner, CapDocumentEdit, true},
		{WorkspaceEditor, CapDocumentEdit, true},
		{WorkspaceMember, CapDocumentEdit, false},
		{WorkspaceOwner, CapDocumentOwner, true},
		{WorkspaceEditor, CapDocumentOwner, false},
		{WorkspaceOwner, CapMemberManage, true},
		{WorkspaceEditor, CapMemberManage, true},
		{WorkspaceMember, CapMemberManage, false},
		{WorkspaceOwner, CapMemberExternal, true},
		{WorkspaceEditor, CapMemberExternal, false},
		{WorkspaceMember, CapMemberExternal, false},
	}
	for _, c := range cases {
		if got := WorkspaceAllows(c.role, c.cap); got != c.want {
			t.Errorf("WorkspaceAllows(%s, %s) = %v, want %v", c.role, c.cap, got, c.want)
		}
	}
}

func TestIdentitySuperAdmin(t *testing.T) {
	if (Identity{Platform: PlatformUser}).IsSuperAdmin() {
		t.Fatalf("USER must not be super admin")
	}
	if !(Identity{Platform: PlatformSuperAdmin}).IsSuperAdmin() {
		t.Fatalf("SUPER_ADMIN must be super admin")
	}
}

func TestRoleValidation(t *testing.T) {
	if !ValidOrgRole(OrgGuest) || ValidOrgRole("JESTER") {
		t.Fatalf("org role validation broken")
	}
	if !ValidWorkspaceRole(WorkspaceEditor) || ValidWorkspaceRole("VIEWER") {
		t.Fatalf("workspace role validation broken")
	}
}
