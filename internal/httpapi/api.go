// Package httpapi is the transport boundary: routing, the authentication
// guard, cookie handling, and the mapping from domain errors to status
// codes. Domain decisions live in the services it fronts.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"collabsphere.org/internal/auth"
	"collabsphere.org/internal/config"
	"collabsphere.org/internal/document"
	"collabsphere.org/internal/obs"
	"collabsphere.org/internal/org"
	"collabsphere.org/internal/workspace"
)

// ReadyProbe reports readiness, usually by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	cfg        config.Config
	auth       *auth.Service
	orgs       *org.Service
	workspaces *workspace.Service
	documents  *document.Service
	readyProbe ReadyProbe
	version    string
}

// New wires the routes.
func New(cfg config.Config, authSvc *auth.Service, orgSvc *org.Service,
	wsSvc *workspace.Service, docSvc *document.Service, rp ReadyProbe, version string) *API {

	a := &API{
		mux:        http.NewServeMux(),
		cfg:        cfg,
		auth:       authSvc,
		orgs:       orgSvc,
		workspaces: wsSvc,
		documents:  docSvc,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/metrics
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// session lifecycle
	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("GET /v1/auth/me", a.handleMe)
	a.mux.HandleFunc("POST /v1/auth/switch-organisation", a.handleSwitchOrganisation)
	a.mux.HandleFunc("POST /v1/auth/change-password", a.handleChangePassword)
	a.mux.HandleFunc("POST /v1/auth/email-change", a.handleEmailChangeRequest)
	a.mux.HandleFunc("POST /v1/auth/email-change/verify", a.handleEmailChangeVerify)

	// organisations
	a.mux.HandleFunc("POST /v1/organisations", a.handleOrgCreate)
	a.mux.HandleFunc("GET /v1/organisations", a.handleOrgList)
	a.mux.HandleFunc("GET /v1/organisations/{id}", a.handleOrgGet)
	a.mux.HandleFunc("PATCH /v1/organisations/{id}", a.handleOrgUpdate)
	a.mux.HandleFunc("DELETE /v1/organisations/{id}", a.handleOrgDelete)
	a.mux.HandleFunc("GET /v1/organisations/{id}/members", a.handleOrgMembers)
	a.mux.HandleFunc("PATCH /v1/organisations/{id}/members/{userID}", a.handleOrgMemberRole)
	a.mux.HandleFunc("DELETE /v1/organisations/{id}/members/{userID}", a.handleOrgMemberRemove)
	a.mux.HandleFunc("POST /v1/organisations/{id}/leave", a.handleOrgLeave)
	a.mux.HandleFunc("POST /v1/organisations/{id}/invites", a.handleInviteCreate)
	a.mux.HandleFunc("GET /v1/invites/preview", a.handleInvitePreview)
	a.mux.HandleFunc("POST /v1/invites/accept", a.handleInviteAccept)

	// workspaces
	a.mux.HandleFunc("POST /v1/workspaces", a.handleWorkspaceCreate)
	a.mux.HandleFunc("GET /v1/workspaces", a.handleWorkspaceList)
	a.mux.HandleFunc("GET /v1/workspaces/{id}", a.handleWorkspaceGet)
	a.mux.HandleFunc("PATCH /v1/workspaces/{id}", a.handleWorkspaceUpdate)
	a.mux.HandleFunc("DELETE /v1/workspaces/{id}", a.handleWorkspaceDelete)
	a.mux.HandleFunc("GET /v1/workspaces/{id}/members", a.handleWorkspaceMembers)
	a.mux.HandleFunc("POST /v1/workspaces/{id}/members", a.handleWorkspaceAddInternal)
	a.mux.HandleFunc("POST /v1/workspaces/{id}/members/external", a.handleWorkspaceAddExternal)
	a.mux.HandleFunc("PATCH /v1/workspaces/{id}/members/{memberID}", a.handleWorkspaceMemberRole)
	a.mux.HandleFunc("DELETE /v1/workspaces/{id}/members/{memberID}", a.handleWorkspaceMemberRemove)
	a.mux.HandleFunc("POST /v1/workspaces/{id}/leave", a.handleWorkspaceLeave)

	// documents
	a.mux.HandleFunc("POST /v1/workspaces/{id}/documents", a.handleDocumentCreate)
	a.mux.HandleFunc("GET /v1/workspaces/{id}/documents", a.handleDocumentList)
	a.mux.HandleFunc("GET /v1/workspaces/{id}/documents/{docID}", a.handleDocumentGet)
	a.mux.HandleFunc("PATCH /v1/workspaces/{id}/documents/{docID}", a.handleDocumentUpdate)
	a.mux.HandleFunc("DELETE /v1/workspaces/{id}/documents/{docID}", a.handleDocumentRemove)
	a.mux.HandleFunc("POST /v1/workspaces/{id}/documents/{docID}/lock", a.handleDocumentLock)
	a.mux.HandleFunc("POST /v1/workspaces/{id}/documents/{docID}/unlock", a.handleDocumentUnlock)
	a.mux.HandleFunc("POST /v1/workspaces/{id}/documents/{docID}/publish", a.handleDocumentPublish)
	a.mux.HandleFunc("POST /v1/workspaces/{id}/documents/{docID}/archive", a.handleDocumentArchive)
	a.mux.HandleFunc("POST /v1/workspaces/{id}/documents/{docID}/restore", a.handleDocumentRestore)
	a.mux.HandleFunc("GET /v1/workspaces/{id}/documents/{docID}/versions", a.handleDocumentVersions)

	return a
}

const (
	maxRequestBody  = 1 << 20
	rateLimitBurst  = 60
	rateLimitPerSec = 20
)

// Handler returns the full middleware stack around the routed mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, maxRequestBody)
	h = RateLimit(h, rateLimitBurst, rateLimitPerSec)
	h = obs.Instrument(h)
	h = Logging(h)
	h = RequestID(h)
	h = SecurityHeaders(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "collabsphere-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
