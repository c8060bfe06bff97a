package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type StopFlags struct {
	Wait time.Duration
}

type RestartFlags struct {
	// Timeout < 0 means the config's restart_timeout.
	Timeout time.Duration
}
