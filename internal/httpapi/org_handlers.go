package httpapi

import (
	"net/http"
	"time"

	"collabsphere.org/internal/auth"
	"collabsphere.org/internal/authz"
	"collabsphere.org/internal/obs"
	"collabsphere.org/internal/org"
)

type orgView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func viewOrg(o org.Organisation) orgView {
	return orgView{
		ID:          o.ID,
		Name:        o.Name,
		Slug:        o.Slug,
		Description: o.Description.String,
		CreatedBy:   o.CreatedBy,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

type orgMemberView struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	JoinedAt  time.Time `json:"joinedAt"`
}

func viewOrgMember(m org.Member) orgMemberView {
	return orgMemberView{
		UserID:    m.UserID,
		Email:     m.Email,
		FirstName: m.FirstName,
		LastName:  m.LastName,
		Role:      string(m.Role),
		Status:    string(m.Status),
		JoinedAt:  m.JoinedAt,
	}
}

func identityOr401(w http.ResponseWriter, r *http.Request) (authz.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	}
	return id, ok
}

func (a *API) handleOrgCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	o, err := a.orgs.Create(r.Context(), id, req.Name, req.Description)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOrg(o))
}

func (a *API) handleOrgList(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	list, err := a.orgs.ListForUser(r.Context(), id.UserID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make([]orgView, 0, len(list))
	for _, o := range list {
		out = append(out, viewOrg(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"organisations": out})
}

func (a *API) handleOrgGet(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	o, err := a.orgs.Get(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrg(o))
}

func (a *API) handleOrgUpdate(w http.ResponseWriter, r *http.Request) {
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
	o, err := a.orgs.Update(r.Context(), id, r.PathValue("id"), org.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrg(o))
}

func (a *API) handleOrgDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	if err := a.orgs.Delete(r.Context(), id, r.PathValue("id")); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (a *API) handleOrgMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	members, err := a.orgs.ListMembers(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make([]orgMemberView, 0, len(members))
	for _, m := range members {
		out = append(out, viewOrgMember(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": out})
}

func (a *API) handleOrgMemberRole(w http.ResponseWriter, r *http.Request) {
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
	err := a.orgs.UpdateMemberRole(r.Context(), id, r.PathValue("id"), r.PathValue("userID"), authz.OrgRole(req.Role))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (a *API) handleOrgMemberRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	if err := a.orgs.RemoveMember(r.Context(), id, r.PathValue("id"), r.PathValue("userID")); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (a *API) handleOrgLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	if err := a.orgs.Leave(r.Context(), id, r.PathValue("id")); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "left"})
}

func (a *API) handleInviteCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	inv, err := a.orgs.CreateInvite(r.Context(), id, r.PathValue("id"), req.Email, authz.OrgRole(req.Role))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        inv.ID,
		"email":     inv.Email,
		"role":      inv.Role,
		"expiresAt": inv.ExpiresAt,
	})
}

func (a *API) handleInvitePreview(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "invite token is required")
		return
	}
	p, err := a.orgs.PreviewInvite(r.Context(), token)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organisationName": p.OrganisationName,
		"email":            p.Email,
		"role":             p.Role,
		"expiresAt":        p.ExpiresAt,
	})
}

func (a *API) handleInviteAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	o, role, err := a.orgs.AcceptInvite(r.Context(), id, req.Token)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	resp := map[string]any{
		"organisation": viewOrg(o),
		"role":         role,
	}
	// The caller's gate token is re-minted in place so they land directly in
	// the accepted organisation's context. Membership is already committed at
	// this point, so a re-mint failure degrades to a stale context rather
	// than failing the accept; it is logged so the stale session is traceable.
	if vault := a.sessionVaultToken(r); vault != "" {
		res, err := a.auth.SwitchOrganisation(r.Context(), vault, o.ID)
		if err != nil {
			obs.Event("invite.remint_failed", map[string]any{
				"user_id":         id.UserID,
				"organisation_id": o.ID,
				"error":           err.Error(),
			})
		} else {
			resp["session"] = viewSession(res)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
