package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"collabsphere.org/internal/apperr"
	"collabsphere.org/internal/auth"
	"collabsphere.org/internal/obs"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON parses the request body into dst and writes the 400 response
// itself on failure, so handlers only need to bail out.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is required")
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected data after JSON body")
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return err
	}
	return nil
}

// decodeLenientJSON tolerates an absent body. Used where the payload only
// supplements a cookie.
func decodeLenientJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// handleDomainError maps the domain error taxonomy onto transport status
// codes. Unauthorized stays deliberately generic, except for locked accounts
// where the caller must learn why the correct password stopped working;
// everything else surfaces the specific message the service attached.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusUnauthorized, "account temporarily locked, try again later")
	case errors.Is(err, apperr.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, apperr.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, apperr.ErrGone):
		writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, apperr.ErrBadRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		obs.Event("http.internal_error", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
