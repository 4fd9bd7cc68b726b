package httpapi

import (
	"net/http"

	"collabsphere.org/internal/auth"
	"collabsphere.org/internal/obs"
)

type userView struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

func viewUser(u auth.User) userView {
	return userView{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      string(u.PlatformRole),
	}
}

type sessionView struct {
	User      userView     `json:"user"`
	Context   auth.Context `json:"context"`
	GateToken string       `json:"gateToken"`
}

func viewSession(res auth.LoginResult) sessionView {
	return sessionView{
		User:      viewUser(res.User),
		Context:   res.Context,
		GateToken: res.GateToken,
	}
}

func (a *API) setVaultCookie(w http.ResponseWriter, token string) {
	secure := a.cfg.Production
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.VaultCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.cfg.VaultCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearVaultCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.VaultCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.Production,
		SameSite: http.SameSiteLaxMode,
	})
}

// vaultTokenFrom prefers the session cookie and falls back to the request
// body field, so API clients without a cookie jar can still refresh.
func (a *API) vaultTokenFrom(r *http.Request, body string) string {
	if c, err := r.Cookie(a.cfg.VaultCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return body
}

// sessionVaultToken resolves the caller's vault token, for authenticated
// routes where bearer-only clients carry no cookie: the gate token the guard
// verified identifies the session instead.
func (a *API) sessionVaultToken(r *http.Request) string {
	if token := a.vaultTokenFrom(r, ""); token != "" {
		return token
	}
	if gate, ok := auth.GateTokenFromContext(r.Context()); ok {
		if vault, err := a.auth.VaultTokenForGate(r.Context(), gate); err == nil {
			return vault
		}
	}
	return ""
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string `json:"email"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Password  string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	res, err := a.auth.RegisterAndLogin(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	}, clientIP(r), r.UserAgent())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	// Bind any workspace invites that were waiting on this email. Failure
	// here must not fail the registration.
	if err := a.workspaces.ActivatePendingInvites(r.Context(), res.User.ID, res.User.Email); err != nil {
		obs.Event("workspace.bridge_failed", map[string]any{
			"user_id": res.User.ID,
			"error":   err.Error(),
		})
	}
	a.setVaultCookie(w, res.VaultToken)
	writeJSON(w, http.StatusCreated, viewSession(res))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	res, err := a.auth.Login(r.Context(), req.Email, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.setVaultCookie(w, res.VaultToken)
	writeJSON(w, http.StatusOK, viewSession(res))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VaultToken string `json:"vaultToken"`
	}
	// The body is optional when the cookie is present.
	_ = decodeLenientJSON(r, &req)
	token := a.vaultTokenFrom(r, req.VaultToken)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := a.auth.Refresh(r.Context(), token)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.setVaultCookie(w, res.VaultToken)
	writeJSON(w, http.StatusOK, viewSession(res))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VaultToken string `json:"vaultToken"`
	}
	_ = decodeLenientJSON(r, &req)
	token := a.vaultTokenFrom(r, req.VaultToken)
	if token != "" {
		if err := a.auth.Logout(r.Context(), token); err != nil {
			handleDomainError(w, r, err)
			return
		}
	}
	a.clearVaultCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := a.auth.RevokeAllSessions(r.Context(), id.UserID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.clearVaultCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out_everywhere"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := a.auth.FindUserByID(r.Context(), id.UserID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	c := auth.Context{Mode: id.Mode}
	if id.OrgID != "" {
		c.Organisation = &auth.OrgContext{ID: id.OrgID, Role: id.OrgRole}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    viewUser(user),
		"context": c,
	})
}

func (a *API) handleSwitchOrganisation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganisationID string `json:"organisationId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	token := a.sessionVaultToken(r)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := a.auth.SwitchOrganisation(r.Context(), token, req.OrganisationID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(res))
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := a.auth.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword, clientIP(r), r.UserAgent()); err != nil {
		handleDomainError(w, r, err)
		return
	}
	// Every session is revoked, this one included.
	a.clearVaultCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

func (a *API) handleEmailChangeRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		NewEmail string `json:"newEmail"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := a.auth.RequestEmailChange(r.Context(), id.UserID, req.NewEmail); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "otp_sent"})
}

func (a *API) handleEmailChangeVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	user, err := a.auth.VerifyEmailOTP(r.Context(), id.UserID, req.Code)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": viewUser(user)})
}
