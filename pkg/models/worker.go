package models

import "time"

// Worker is a fleet node that holds platform sessions. Label is the
// human-assigned unique name; ID is the storage key.
type Worker struct {
	ID             string       `json:"id"`
	Label          string       `json:"worker_id"`
	Address        string       `json:"address"`
	Status         WorkerStatus `json:"status"`
	TotalRAMMB     int64        `json:"total_ram_mb"`
	UsedRAMMB      int64        `json:"used_ram_mb"`
	CPUPercent     float64      `json:"cpu_percent"`
	MaxSessions    int          `json:"max_sessions"`
	ActiveSessions int          `json:"active_sessions"`
	LoadScore      int          `json:"load_score"`
	PingMS         int          `json:"ping_ms"`
	RAMThresholdMB int64        `json:"ram_threshold_mb"`
	Priority       int          `json:"priority"`
	AuthToken      string       `json:"auth_token,omitempty"`
	Version        string       `json:"version,omitempty"`
	LastHeartbeat  *time.Time   `json:"last_heartbeat,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// AvailableSlots returns how many more sessions the worker can take.
func (w *Worker) AvailableSlots() int {
	slots := w.MaxSessions - w.ActiveSessions
	if slots < 0 {
		return 0
	}
	return slots
}

// HasCapacity reports whether the worker can accept a new placement:
// online, with a free slot, and under its RAM threshold.
func (w *Worker) HasCapacity() bool {
	return w.Status == WorkerStatusOnline &&
		w.ActiveSessions < w.MaxSessions &&
		w.UsedRAMMB < w.RAMThresholdMB
}

// Heartbeat is the metrics report a worker sends every cadence interval.
type Heartbeat struct {
	Label          string  `json:"worker_id"`
	UsedRAMMB      int64   `json:"used_ram_mb"`
	CPUPercent     float64 `json:"cpu_percent"`
	ActiveSessions int     `json:"active_sessions"`
	PingMS         int     `json:"ping_ms"`
	Version        string  `json:"version,omitempty"`
}

// RegisterWorkerRequest contains fields for registering a worker node
type RegisterWorkerRequest struct {
	Label          string `json:"worker_id"`
	Address        string `json:"address"`
	TotalRAMMB     int64  `json:"total_ram_mb"`
	MaxSessions    int    `json:"max_sessions"`
	RAMThresholdMB int64  `json:"ram_threshold_mb,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	AuthToken      string `json:"auth_token"`
	Version        string `json:"version,omitempty"`
}

// WorkerAnalytics is one heartbeat sample kept for capacity planning.
// Append-only.
type WorkerAnalytics struct {
	ID             string    `json:"id"`
	WorkerID       string    `json:"worker_id"`
	SampledAt      time.Time `json:"sampled_at"`
	UsedRAMMB      int64     `json:"used_ram_mb"`
	CPUPercent     float64   `json:"cpu_percent"`
	ActiveSessions int       `json:"active_sessions"`
	LoadScore      int       `json:"load_score"`
	PingMS         int       `json:"ping_ms"`
}
