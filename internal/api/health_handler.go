package api

import (
	"net/http"

	"github.com/mcpguardian/mcpguardian/internal/store"
)

// healthHandler reports process liveness and database connectivity.
type healthHandler struct {
	store store.Store
}

func (h *healthHandler) check(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"db":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
