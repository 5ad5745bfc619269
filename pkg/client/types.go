package client

import "time"

// Status is the supervisor's view of the backend as served by GET /status.
type Status struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	Running       bool       `json:"running"`
	PID           int        `json:"pid,omitempty"`
	Executable    string     `json:"executable"`
	Dir           string     `json:"dir"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
	StoppedAt     time.Time  `json:"stopped_at,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	StopRequested bool       `json:"stop_requested"`
	LastError     string     `json:"last_error,omitempty"`
	Health        *Health    `json:"health,omitempty"`
	Resources     *Resources `json:"resources,omitempty"`
	Ports         []int      `json:"ports"`
	LogPath       string     `json:"log_path"`
	LastRotation  time.Time  `json:"last_rotation"`
}

// Health is the outcome of the last readiness gate.
type Health struct {
	Ready      bool      `json:"ready"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Resources is the latest CPU and memory sample of the backend.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// LaunchResult is returned by start and restart.
type LaunchResult struct {
	OK        bool            `json:"ok"`
	PID       int             `json:"pid,omitempty"`
	Reclaimed []ReclaimResult `json:"reclaimed,omitempty"`
	Health    *Health         `json:"health,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ReclaimResult is the outcome of reclaiming one port.
type ReclaimResult struct {
	Port   int            `json:"port"`
	Owners []PortOwnerAct `json:"owners,omitempty"`
}

// PortOwnerAct is one listener found on a port and what was done to it.
type PortOwnerAct struct {
	PID     int    `json:"pid"`
	Cmdline string `json:"cmdline"`
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
}

// Event is one entry of the supervisor's recent event ring.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
