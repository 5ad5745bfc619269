package process

import "time"

// Status is a point-in-time snapshot of the supervised backend.
type Status struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Running       bool      `json:"running"`
	PID           int       `json:"pid,omitempty"`
	Executable    string    `json:"executable"`
	Dir           string    `json:"dir"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	StoppedAt     time.Time `json:"stopped_at,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	StopRequested bool      `json:"stop_requested"`
	LastError     string    `json:"last_error,omitempty"`
}

// StartReport describes what a Start call did.
type StartReport struct {
	PID            int
	Executable     string
	AlreadyRunning bool
	// Warnings holds non-fatal problems, such as a failed permission fix-up.
	Warnings []error
}
