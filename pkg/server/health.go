package server

import (
	"net/http"
	"time"

	"github.com/taniahq/tania/pkg/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": version.Version,
	}
	if s.queue != nil {
		body["queue_mode"] = s.queue.Mode()
	}
	if s.snapshots != nil {
		if snap := s.snapshots.Snapshot(); snap != nil {
			body["snapshot_version"] = snap.Version
			body["snapshot_age_seconds"] = int64(snap.Age(time.Now()).Seconds())
			body["snapshot_fallback"] = snap.IsFallback
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleVectorHealth(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unconfigured"})
		return
	}
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModelHealth(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unconfigured"})
		return
	}
	entries := s.models.Knowledge()
	models := make([]string, 0, len(entries))
	for _, entry := range entries {
		models = append(models, entry.Model)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"count":  len(entries),
		"models": models,
	})
}
