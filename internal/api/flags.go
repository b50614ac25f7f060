package api

import (
	"encoding/json"
	"net/http"

	"github.com/ctfops/flagfarm/internal/clientconfig"
)

// handleListFlags implements GET /api/flags?start=N&count=M. count above
// 100 is a 400; start defaults to 0, count to 50.
func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	start, err := parseIntQuery(r, "start", 0)
	if err != nil || start < 0 {
		writeError(w, http.StatusBadRequest, "invalid start")
		return
	}
	count, err := parseIntQuery(r, "count", 50)
	if err != nil || count <= 0 {
		writeError(w, http.StatusBadRequest, "invalid count")
		return
	}
	if count > 100 {
		writeError(w, http.StatusBadRequest, "count must be <= 100")
		return
	}

	pages, err := s.store.Page(r.Context(), start, count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pages)
}

// handleConfig implements GET /api/config: the subset of server config a
// client needs to validate/merge with its own CLI flags. The response
// shape matches internal/clientconfig.ServerConfig exactly.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	resp := clientconfig.ServerConfig{
		FlagFormat:   s.cfg.FlagFormat,
		FlagLifetime: s.cfg.FlagLifetimeTicks,
		TickDuration: int(s.cfg.TickDuration.Seconds()),
		Teams:        s.cfg.Teams,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
