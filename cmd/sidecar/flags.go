package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for run and serve
type RunFlags struct {
	// StopTimeout bounds shutdown once SIGINT/SIGTERM or a crash is seen.
	StopTimeout time.Duration
	Listen      string // serve only; overrides server.listen
}

// ReclaimFlags holds flags for the reclaim command
type ReclaimFlags struct {
	Port int
}

// HealthFlags holds flags for the health command
type HealthFlags struct {
	URL         string
	MaxAttempts int
	Interval    time.Duration
}

// APIFlags selects a running supervisor's control API.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Wait       time.Duration // stop only
	Limit      int           // events only
}
