package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mattjoyce/hydra/internal/fleet"
)

// handleHealthz reports "ok" while every worker is alive, "degraded" otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	children := s.fleet.Children()
	live := 0
	for _, c := range children {
		if c.State != fleet.ChildExited {
			live++
		}
	}

	status := "ok"
	if live < len(children) {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        status,
		FleetID:       s.fleet.RunID(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		WorkersLive:   live,
		WorkersTotal:  len(children),
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	children := s.fleet.Children()
	out := WorkersResponse{
		FleetID: s.fleet.RunID(),
		Workers: make([]WorkerResponse, 0, len(children)),
	}
	for _, c := range children {
		wr := WorkerResponse{
			Index:     c.Index,
			Pid:       c.Pid,
			State:     c.State.String(),
			StartedAt: c.StartedAt,
			ExitCode:  c.ExitCode,
		}
		if c.State != fleet.ChildExited {
			if st, err := s.fleet.Stats(r.Context(), c); err == nil {
				wr.RSSBytes = st.RSS
				wr.RSS = st.RSSHuman()
				wr.CPUPercent = st.CPUPercent
				wr.Uptime = st.UptimeHuman()
			} else {
				s.logger.Debug("worker stats unavailable", "worker", c.Index, "error", err)
			}
		}
		out.Workers = append(out.Workers, wr)
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
