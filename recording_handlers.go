package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/golang/glog"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *statusServer) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", 405)
		return
	}
	resp := map[string]interface{}{
		"output":   s.state.Config.OutputPath,
		"snapshot": s.state.Session.Snapshot(),
	}
	if rep := s.state.report(); rep != nil {
		resp["report"] = rep
	}
	writeJSON(w, resp)
}

func (s *statusServer) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	if s.state.report() != nil {
		writeJSON(w, map[string]interface{}{"success": true, "message": "Not recording"})
		return
	}
	glog.Infof("Stop requested by %s", r.RemoteAddr)
	s.state.Session.Stop()

	go s.broadcastJSON(map[string]interface{}{
		"type":     "capture_status",
		"stopping": true,
	})
	writeJSON(w, map[string]interface{}{"success": true})
}

func (s *statusServer) handleCaptureConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", 405)
		return
	}
	writeJSON(w, s.state.Config)
}

// handleSessions lists recent sessions from the catalog, newest first.
func (s *statusServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", 405)
		return
	}
	if s.state.Catalog == nil {
		http.Error(w, "No session catalog configured", 404)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", 400)
			return
		}
		limit = n
	}
	entries, err := s.state.Catalog.List(r.Context(), limit)
	if err != nil {
		http.Error(w, "Catalog error: "+err.Error(), 500)
		return
	}
	writeJSON(w, entries)
}
