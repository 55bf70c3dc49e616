package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"kadra.org/internal/directory"
)

// Stream handles Server-Sent Events scoped to one organization. Subscribers
// must belong to the organization; superadmins may watch any.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.opts.Broker == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.actorID(w, r)
	if !ok {
		return
	}
	orgID := strings.TrimSpace(r.URL.Query().Get("org"))
	if orgID == "" {
		writeError(w, r, http.StatusBadRequest, "org query parameter is required")
		return
	}
	if allowed, err := a.mayStream(r.Context(), actor, orgID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	} else if !allowed {
		writeError(w, r, http.StatusForbidden, "access denied")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.opts.Broker.Subscribe(ctx, orgID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func (a *API) mayStream(ctx context.Context, actorID, orgID string) (bool, error) {
	if a.opts.Directory == nil {
		return false, nil
	}
	actor, err := a.opts.Directory.Actor(ctx, actorID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if actor.Superadmin {
		return true, nil
	}
	role, err := a.opts.Directory.OrgRole(ctx, orgID, actorID)
	if err != nil {
		return false, err
	}
	return role != directory.OrgRoleNone, nil
}
