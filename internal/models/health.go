package models

import "time"

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the in-memory state of one probe.
type HealthCheckResult struct {
	Name                string       `json:"name"`
	Status              HealthStatus `json:"status"`
	Healthy             bool         `json:"healthy"`
	LastCheckedAt       time.Time    `json:"last_checked_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
}

// HealthStatusChange is emitted once per transition of a probe.
type HealthStatusChange struct {
	Probe string       `json:"probe"`
	From  HealthStatus `json:"from"`
	To    HealthStatus `json:"to"`
	Error string       `json:"error,omitempty"`
	At    time.Time    `json:"at"`
}

// Recovered reports a failing probe coming back.
func (c HealthStatusChange) Recovered() bool {
	return c.From == HealthUnhealthy && c.To == HealthHealthy
}
