package main

import "time"

// Operational limits — named constants for values used by main's wiring
// that aren't themselves configurable via config.txt, following the
// teacher's pattern of collecting these in one dedicated file.
const (
	// defaultRateLimitHz is the per-session control-packet rate the chat
	// listener's token bucket refills at.
	defaultRateLimitHz = 50.0

	// defaultRateLimitBurst is the token bucket's burst capacity.
	defaultRateLimitBurst = 100

	// maintenanceInterval is how often runMaintenance sweeps for expired
	// bans.
	maintenanceInterval = 10 * time.Minute

	// adminAPIShutdownGrace bounds how long the admin API's HTTP server is
	// given to drain in-flight requests during shutdown.
	adminAPIShutdownGrace = 5 * time.Second
)
