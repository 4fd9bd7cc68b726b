package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"collabsphere.org/internal/authz"
	"collabsphere.org/internal/document"
)

type documentView struct {
	ID             string          `json:"id"`
	WorkspaceID    string          `json:"workspaceId"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	Status         string          `json:"status"`
	CurrentVersion int             `json:"currentVersion"`
	LockedBy       string          `json:"lockedBy,omitempty"`
	LockedAt       *time.Time      `json:"lockedAt,omitempty"`
	CreatedBy      string          `json:"createdBy"`
	UpdatedBy      string          `json:"updatedBy"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func viewDocument(d document.Document) documentView {
	v := documentView{
		ID:             d.ID,
		WorkspaceID:    d.WorkspaceID,
		Title:          d.Title,
		Description:    d.Description.String,
		Metadata:       d.Metadata,
		Status:         string(d.Status),
		CurrentVersion: d.CurrentVersion,
		LockedBy:       d.LockedBy.String,
		CreatedBy:      d.CreatedBy,
		UpdatedBy:      d.UpdatedBy,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if d.LockedAt.Valid {
		t := d.LockedAt.Time
		v.LockedAt = &t
	}
	return v
}

type versionView struct {
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	Content   json.RawMessage `json:"content"`
	AuthorID  string          `json:"authorId"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (a *API) handleDocumentCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Title       string          `json:"title"`
		Description string          `json:"description"`
		Metadata    json.RawMessage `json:"metadata"`
		Content     json.RawMessage `json:"content"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	d, err := a.documents.Create(r.Context(), id, r.PathValue("id"), document.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
		Content:     req.Content,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewDocument(d))
}

func (a *API) handleDocumentList(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	list, err := a.documents.List(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make([]documentView, 0, len(list))
	for _, d := range list {
		out = append(out, viewDocument(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (a *API) handleDocumentGet(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	d, err := a.documents.Get(r.Context(), id, r.PathValue("id"), r.PathValue("docID"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDocument(d))
}

func (a *API) handleDocumentUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Title       *string         `json:"title"`
		Description *string         `json:"description"`
		Metadata    json.RawMessage `json:"metadata"`
		Content     json.RawMessage `json:"content"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	d, err := a.documents.Update(r.Context(), id, r.PathValue("id"), r.PathValue("docID"), document.UpdateInput{
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
		Content:     req.Content,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDocument(d))
}

func (a *API) handleDocumentRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	if err := a.documents.Remove(r.Context(), id, r.PathValue("id"), r.PathValue("docID")); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// docAction is the shared shape of lock/unlock/publish/archive/restore.
func (a *API) docAction(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id authz.Identity, workspaceID, documentID string) (document.Document, error)) {

	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	d, err := fn(r.Context(), id, r.PathValue("id"), r.PathValue("docID"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDocument(d))
}

func (a *API) handleDocumentLock(w http.ResponseWriter, r *http.Request) {
	a.docAction(w, r, a.documents.Lock)
}

func (a *API) handleDocumentUnlock(w http.ResponseWriter, r *http.Request) {
	a.docAction(w, r, a.documents.Unlock)
}

func (a *API) handleDocumentPublish(w http.ResponseWriter, r *http.Request) {
	a.docAction(w, r, a.documents.Publish)
}

func (a *API) handleDocumentArchive(w http.ResponseWriter, r *http.Request) {
	a.docAction(w, r, a.documents.Archive)
}

func (a *API) handleDocumentRestore(w http.ResponseWriter, r *http.Request) {
	a.docAction(w, r, a.documents.Restore)
}

func (a *API) handleDocumentVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	versions, err := a.documents.ListVersions(r.Context(), id, r.PathValue("id"), r.PathValue("docID"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make([]versionView, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionView{
			ID:        v.ID,
			Version:   v.Version,
			Content:   v.Content,
			AuthorID:  v.AuthorID,
			CreatedAt: v.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}
