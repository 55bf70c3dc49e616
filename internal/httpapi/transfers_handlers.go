package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"kadra.org/internal/transfer"
)

type createTransferRequest struct {
	EntityID     string `json:"entity_id"`
	ToUser       string `json:"to_user"`
	ToDepartment string `json:"to_department"`
	Comment      string `json:"comment"`
}

type transferResponse struct {
	transfer.Transfer
	Status transfer.Status `json:"status"`
}

func toTransferResponse(t transfer.Transfer) transferResponse {
	return transferResponse{Transfer: t, Status: t.StatusAt(time.Now().UTC())}
}

func (a *API) handleTransfersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createTransfer(w, r)
	case http.MethodGet:
		a.listTransfers(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	var req createTransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.opts.Transfers.Transfer(r.Context(), actor, transfer.Request{
		EntityID:     req.EntityID,
		ToUser:       req.ToUser,
		ToDepartment: req.ToDepartment,
		Comment:      req.Comment,
	})
	if err != nil {
		transferError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferResponse(t))
}

func (a *API) listTransfers(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	list, err := a.opts.Transfers.ListByActor(r.Context(), actor)
	if err != nil {
		transferError(w, r, err)
		return
	}
	out := make([]transferResponse, 0, len(list))
	for _, t := range list {
		out = append(out, toTransferResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": out})
}

func (a *API) handleTransferResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/transfers/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "transfer id is required")
		return
	}
	id := parts[0]

	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		t, err := a.opts.Transfers.Get(r.Context(), actor, id)
		if err != nil {
			transferError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransferResponse(t))
	case len(parts) == 1:
		methodNotAllowed(w, r, http.MethodGet)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		t, err := a.opts.Transfers.Cancel(r.Context(), actor, id)
		if err != nil {
			transferError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransferResponse(t))
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func transferError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, transfer.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "transfer not found")
	case errors.Is(err, transfer.ErrDenied):
		writeError(w, r, http.StatusForbidden, "access denied")
	case errors.Is(err, transfer.ErrInvalidState):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, transfer.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, transfer.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
