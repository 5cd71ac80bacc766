package server

import (
	"net/http"

	"github.com/qcrbox/qcrbox/internal/model"
)

// HandleListApplications handles GET /applications.
func (h *Handlers) HandleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.registry.ListApplications(r.Context())
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "", apps)
}

// HandleListCommands handles GET /commands. The application_slug,
// application_version and name query parameters narrow the result.
func (h *Handlers) HandleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmds, err := h.registry.ListCommands(r.Context(), model.CommandFilter{
		ApplicationSlug:    q.Get("application_slug"),
		ApplicationVersion: q.Get("application_version"),
		Name:               q.Get("name"),
	})
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "", cmds)
}
