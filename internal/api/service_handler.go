package api

import (
	"net/http"
	"strconv"

	"github.com/mcpguardian/mcpguardian/internal/admin"
)

// serviceHandler exposes admin operations over HTTP.
type serviceHandler struct {
	svc *admin.Service
}

func (h *serviceHandler) create(w http.ResponseWriter, r *http.Request) {
	var params admin.CreateParams
	if err := decodeJSON(r, &params); err != nil {
		writeErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	view, err := h.svc.Create(r.Context(), params)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *serviceHandler) list(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.List(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *serviceHandler) get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *serviceHandler) update(w http.ResponseWriter, r *http.Request) {
	var params admin.UpdateParams
	if err := decodeJSON(r, &params); err != nil {
		writeErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	view, err := h.svc.Update(r.Context(), r.PathValue("name"), params)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *serviceHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("name")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *serviceHandler) snapshots(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	snaps, err := h.svc.Snapshots(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *serviceHandler) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	sn, err := h.svc.LatestSnapshot(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (h *serviceHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	sn, err := h.svc.Snapshot(r.Context(), r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (h *serviceHandler) diff(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Diff(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *serviceHandler) approve(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ApproveLatest(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *serviceHandler) clientConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.ClientConfig(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(cfg) //nolint:errcheck
}
