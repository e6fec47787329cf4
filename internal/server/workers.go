package server

import (
	"net/http"
	"strconv"

	"github.com/ssd-technologies/attest/internal/registry"
)

// defaultDiscoverMax is the discovery size when the query does not set max.
const defaultDiscoverMax = 3

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registry.Registration
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	profile := req.Profile()
	if err := s.coord.Registry().Register(profile); err != nil {
		writeError(w, statusFor(err), "agent_id and specialties are required")
		return
	}
	p, _ := s.coord.Registry().Get(profile.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Registry().Workers())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req registry.HeartbeatReport
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	status := req.Status
	if status == "" {
		status = registry.StatusActive
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}
	if !s.coord.Registry().Heartbeat(id, status, req.Load) {
		writeError(w, http.StatusNotFound, registry.ErrUnknownWorker.Error()+": "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDiscoverWorkers(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		writeError(w, http.StatusBadRequest, "category required")
		return
	}
	limit := defaultDiscoverMax
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		limit = n
	}
	workers := s.coord.Registry().Discover(r.Context(), category, limit)
	if workers == nil {
		workers = []registry.WorkerProfile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"category":    category,
		"specialties": registry.RequiredSpecialties(category),
		"workers":     workers,
	})
}
