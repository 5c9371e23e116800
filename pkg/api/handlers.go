package api

import (
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/OmgRod/PiBlock/pkg/pattern"
)

// handleReload handles POST /reload
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	n, err := s.state.Reload()
	if err != nil {
		s.logger.Warn("Blocklist reload failed", "dir", s.state.BlocklistDir(), "error", err)
		s.writeJSON(w, http.StatusInternalServerError, ReloadErrorResponse{Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, ReloadResponse{Loaded: n})
}

// handleStats handles GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.state.Stats()
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Queries: stats.Queries,
		Blocked: stats.Blocked,
	})
}

// handleLists handles GET /lists
func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	snapshot := s.state.Blocklist.Snapshot()
	patterns := slices.Sorted(maps.Keys(snapshot))
	if patterns == nil {
		patterns = []string{}
	}

	resp := ListsResponse{
		Count:    len(patterns),
		Patterns: patterns,
		Kinds:    pattern.Stats(snapshot),
	}
	if updated := s.state.Blocklist.LastUpdated(); !updated.IsZero() {
		resp.LastUpdated = updated.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleAdd handles POST /add
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req PatternRequest
	if err := decodeRequest(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	added, err := s.state.AddPattern(req.Pattern)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("Pattern added", "pattern", added)
	s.writeJSON(w, http.StatusOK, AddResponse{OK: true, Added: added})
}

// handleRemove handles POST /remove
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req PatternRequest
	if err := decodeRequest(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := s.state.RemovePattern(req.Pattern)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if removed {
		s.logger.Info("Pattern removed", "pattern", req.Pattern)
	}
	s.writeJSON(w, http.StatusOK, RemoveResponse{OK: removed})
}

// handleMode handles POST /mode
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decodeRequest(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode, err := s.state.SetMode(req.Mode, req.BlockIP)
	resp := ModeResponse{OK: true, Mode: mode.String()}
	if err != nil {
		// The mode is in force either way; blocked names get NXDOMAIN
		// until a usable target arrives.
		resp.Warning = err.Error()
	}

	s.writeJSON(w, http.StatusOK, resp)
}
