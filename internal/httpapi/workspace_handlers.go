package httpapi

import (
	"net/http"
	"time"

	"collabsphere.org/internal/authz"
	"collabsphere.org/internal/workspace"
)

type workspaceView struct {
	ID             string    `json:"id"`
	OrganisationID string    `json:"organisationId,omitempty"`
	OwnerID        string    `json:"ownerId"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	Description    string    `json:"description,omitempty"`
	Type           string    `json:"type"`
	IsDefault      bool      `json:"isDefault"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func viewWorkspace(ws workspace.Workspace) workspaceView {
	return workspaceView{
		ID:             ws.ID,
		OrganisationID: ws.OrganisationID.String,
		OwnerID:        ws.OwnerID,
		Name:           ws.Name,
		Slug:           ws.Slug,
		Description:    ws.Description.String,
		Type:           string(ws.Type),
		IsDefault:      ws.IsDefault,
		CreatedAt:      ws.CreatedAt,
		UpdatedAt:      ws.UpdatedAt,
	}
}

type workspaceMemberView struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId,omitempty"`
	ExternalEmail string     `json:"externalEmail,omitempty"`
	Role          string     `json:"role"`
	Status        string     `json:"status"`
	Source        string     `json:"source"`
	JoinedAt      *time.Time `json:"joinedAt,omitempty"`
}

func viewWorkspaceMember(m workspace.Member) workspaceMemberView {
	v := workspaceMemberView{
		ID:            m.ID,
		UserID:        m.UserID.String,
		ExternalEmail: m.ExternalEmail.String,
		Role:          string(m.Role),
		Status:        string(m.Status),
		Source:        string(m.Source),
	}
	if m.JoinedAt.Valid {
		t := m.JoinedAt.Time
		v.JoinedAt = &t
	}
	return v
}

func viewWorkspaceMembers(members []workspace.Member) []workspaceMemberView {
	out := make([]workspaceMemberView, 0, len(members))
	for _, m := range members {
		out = append(out, viewWorkspaceMember(m))
	}
	return out
}

func (a *API) handleWorkspaceCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		IsDefault   bool   `json:"isDefault"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	ws, err := a.workspaces.Create(r.Context(), id, workspace.CreateInput{
		Name:        req.Name,
		Description: req.Description,
		IsDefault:   req.IsDefault,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewWorkspace(ws))
}

func (a *API) handleWorkspaceList(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	list, err := a.workspaces.List(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make([]workspaceView, 0, len(list))
	for _, ws := range list {
		out = append(out, viewWorkspace(ws))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": out})
}

func (a *API) handleWorkspaceGet(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	ws, err := a.workspaces.Get(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWorkspace(ws))
}

func (a *API) handleWorkspaceUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	ws, err := a.workspaces.Update(r.Context(), id, r.PathValue("id"), workspace.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWorkspace(ws))
}

func (a *API) handleWorkspaceDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	if err := a.workspaces.Delete(r.Context(), id, r.PathValue("id")); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (a *API) handleWorkspaceMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	members, err := a.workspaces.ListMembers(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": viewWorkspaceMembers(members)})
}

func (a *API) handleWorkspaceAddInternal(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		UserIDs []string `json:"userIds"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	added, err := a.workspaces.AddInternalMembers(r.Context(), id, r.PathValue("id"), req.UserIDs)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"members": viewWorkspaceMembers(added)})
}

func (a *API) handleWorkspaceAddExternal(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Emails []string `json:"emails"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	added, err := a.workspaces.AddExternalMembers(r.Context(), id, r.PathValue("id"), req.Emails)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"members": viewWorkspaceMembers(added)})
}

func (a *API) handleWorkspaceMemberRole(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	err := a.workspaces.UpdateMemberRole(r.Context(), id, r.PathValue("id"), r.PathValue("memberID"), authz.WorkspaceRole(req.Role))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (a *API) handleWorkspaceMemberRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	if err := a.workspaces.RemoveMember(r.Context(), id, r.PathValue("id"), r.PathValue("memberID")); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (a *API) handleWorkspaceLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	if err := a.workspaces.Leave(r.Context(), id, r.PathValue("id")); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "left"})
}
