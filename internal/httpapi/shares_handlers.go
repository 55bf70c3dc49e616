package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"kadra.org/internal/authz"
	"kadra.org/internal/share"
)

type createGrantRequest struct {
	ResourceID   string     `json:"resource_id"`
	ResourceType string     `json:"resource_type"`
	GrantedTo    string     `json:"granted_to"`
	AccessLevel  string     `json:"access_level"`
	Note         string     `json:"note"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (a *API) handleSharesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createGrant(w, r)
	case http.MethodGet:
		a.listGrants(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	var req createGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.opts.Shares.Grant(r.Context(), actor, share.Grant{
		ResourceID:   req.ResourceID,
		ResourceType: req.ResourceType,
		GrantedTo:    req.GrantedTo,
		Level:        authz.ParseLevel(req.AccessLevel),
		Note:         req.Note,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		shareError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	grants, err := a.opts.Shares.ListForActor(r.Context(), actor)
	if err != nil {
		shareError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (a *API) handleShareResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/shares/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	if err := a.opts.Shares.Revoke(r.Context(), actor, id); err != nil {
		shareError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func shareError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, share.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "grant not found")
	case errors.Is(err, share.ErrDenied):
		writeError(w, r, http.StatusForbidden, "access denied")
	case errors.Is(err, share.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
