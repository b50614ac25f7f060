package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/ferrors"
)

// handleHfiDownload implements GET /hfi/{os}/{arch}: serves the
// platform-specific helper binary as an attachment, building it first if
// the cached artifact is missing or stale.
func (s *Server) handleHfiDownload(w http.ResponseWriter, r *http.Request) {
	if s.hfi == nil {
		writeError(w, http.StatusNotFound, "artifact store not configured")
		return
	}
	vars := mux.Vars(r)
	path, err := s.hfi.BinaryPath(vars["os"], vars["arch"])
	if err != nil {
		if errors.Is(err, ferrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unsupported platform")
			return
		}
		s.logger.Error("hfi: build/stat failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "build failed")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// handleHfiTimestamp implements GET /hfi/{os}/{arch}/timestamp.
func (s *Server) handleHfiTimestamp(w http.ResponseWriter, r *http.Request) {
	if s.hfi == nil {
		writeError(w, http.StatusNotFound, "artifact store not configured")
		return
	}
	vars := mux.Vars(r)
	ts, err := s.hfi.Timestamp(vars["os"], vars["arch"])
	if err != nil {
		if errors.Is(err, ferrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unsupported platform")
			return
		}
		s.logger.Error("hfi: timestamp failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "build missing")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"timestamp":%d}`, ts)
}
