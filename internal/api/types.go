package api

import "time"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	FleetID       string `json:"fleet_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkersLive   int    `json:"workers_live"`
	WorkersTotal  int    `json:"workers_total"`
}

// WorkerResponse is one entry of GET /workers.
type WorkerResponse struct {
	Index      int       `json:"index"`
	Pid        int       `json:"pid"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	ExitCode   int       `json:"exit_code"`
	RSSBytes   uint64    `json:"rss_bytes,omitempty"`
	RSS        string    `json:"rss,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
	Uptime     string    `json:"uptime,omitempty"`
}

// WorkersResponse is returned by GET /workers.
type WorkersResponse struct {
	FleetID string           `json:"fleet_id"`
	Workers []WorkerResponse `json:"workers"`
}
