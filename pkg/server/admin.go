package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/taniahq/tania/pkg/logger"
)

// adminOnly guards admin routes with a bearer token. An unset token disables
// the whole surface rather than leaving it open.
func (s *Server) adminOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			writeError(w, http.StatusUnauthorized, "ADMIN_DISABLED")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "INVALID_TOKEN")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleConfigRefresh(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "REGISTRY_UNAVAILABLE")
		return
	}
	if err := s.snapshots.Refresh(r.Context()); err != nil {
		logger.G(r.Context()).WithError(err).Error("config refresh failed")
		writeError(w, http.StatusBadGateway, "REFRESH_FAILED")
		return
	}
	snap := s.snapshots.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"snapshot_version": snap.Version,
	})
}

func (s *Server) handleModelProbe(w http.ResponseWriter, r *http.Request) {
	if s.prober == nil {
		writeError(w, http.StatusServiceUnavailable, "PROBER_UNAVAILABLE")
		return
	}
	model := mux.Vars(r)["model"]
	caps, err := s.prober.Probe(r.Context(), model)
	if err != nil {
		logger.G(r.Context()).WithError(err).WithField("model", model).Error("model probe failed")
		writeError(w, http.StatusBadGateway, "PROBE_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":        model,
		"capabilities": caps,
	})
}

func (s *Server) handleModelSync(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, http.StatusServiceUnavailable, "MODELS_UNAVAILABLE")
		return
	}
	if err := s.models.LoadKnowledge(r.Context()); err != nil {
		logger.G(r.Context()).WithError(err).Error("model knowledge sync failed")
		writeError(w, http.StatusBadGateway, "SYNC_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"count":  len(s.models.Knowledge()),
	})
}
