package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"kadra.org/internal/record"
)

type createRecordRequest struct {
	OrganizationID string         `json:"organization_id"`
	DepartmentID   string         `json:"department_id"`
	Kind           string         `json:"kind"`
	Title          string         `json:"title"`
	Fields         map[string]any `json:"fields"`
}

type updateRecordRequest struct {
	ExpectedVersion int64          `json:"expected_version"`
	Title           *string        `json:"title"`
	Fields          map[string]any `json:"fields"`
}

func (a *API) handleRecordsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRecord(w, r)
	case http.MethodGet:
		a.listRecords(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	var req createRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.opts.Records.Create(r.Context(), actor, record.Resource{
		OrganizationID: req.OrganizationID,
		DepartmentID:   req.DepartmentID,
		Kind:           req.Kind,
		Title:          req.Title,
		Fields:         req.Fields,
	})
	if err != nil {
		recordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) listRecords(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	orgID := strings.TrimSpace(r.URL.Query().Get("org"))
	if orgID == "" {
		writeError(w, r, http.StatusBadRequest, "org query parameter is required")
		return
	}
	list, err := a.opts.Records.ListVisible(r.Context(), actor, orgID)
	if err != nil {
		recordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": list})
}

func (a *API) handleRecordResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/records/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "record id is required")
		return
	}
	id := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "shares":
			a.recordShares(w, r, id)
		case "conversations":
			a.recordConversations(w, r, id)
		case "recordings":
			a.recordRecordings(w, r, id)
		default:
			writeError(w, r, http.StatusNotFound, "not found")
		}
		return
	}
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		res, err := a.opts.Records.Get(r.Context(), actor, id)
		if err != nil {
			recordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case http.MethodPatch:
		var req updateRecordRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		res, err := a.opts.Records.Update(r.Context(), actor, id, req.ExpectedVersion, record.Changes{
			Title:  req.Title,
			Fields: req.Fields,
		})
		if err != nil {
			recordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case http.MethodDelete:
		if err := a.opts.Records.Delete(r.Context(), actor, id); err != nil {
			recordError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) recordShares(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	grants, err := a.opts.Shares.ListForResource(r.Context(), actor, id)
	if err != nil {
		shareError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (a *API) recordConversations(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := a.opts.Records.Conversations(r.Context(), actor, id)
		if err != nil {
			recordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
	case http.MethodPost:
		conv, err := a.opts.Records.AddConversation(r.Context(), actor, id)
		if err != nil {
			recordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) recordRecordings(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := a.opts.Records.Recordings(r.Context(), actor, id)
		if err != nil {
			recordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recordings": list})
	case http.MethodPost:
		rec, err := a.opts.Records.AddRecording(r.Context(), actor, id)
		if err != nil {
			recordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// recordError maps domain errors onto status codes. The record service
// collapses denials into ErrNotFound so unauthorized callers cannot probe
// for existence; ErrDenied is kept as a safety net.
func recordError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, record.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "record not found")
	case errors.Is(err, record.ErrDenied):
		writeError(w, r, http.StatusForbidden, "access denied")
	case errors.Is(err, record.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, "version conflict")
	case errors.Is(err, record.ErrFrozen):
		writeError(w, r, http.StatusUnprocessableEntity, "frozen copy is immutable")
	case errors.Is(err, record.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
