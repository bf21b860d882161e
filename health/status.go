// Package health tracks component health and serves it over HTTP
package health

import (
	"time"
)

// Status values
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// Status represents the health state of a component or the whole pipeline
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == statusHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == statusDegraded
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    statusHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    statusDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    statusUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines component statuses into one system status. Any
// unhealthy component makes the system unhealthy; any degraded component
// makes it degraded.
func Aggregate(systemName string, statuses []Status) Status {
	agg := Status{
		Component:   systemName,
		Healthy:     true,
		Status:      statusHealthy,
		Message:     "all components healthy",
		Timestamp:   time.Now(),
		SubStatuses: statuses,
	}

	for _, s := range statuses {
		switch s.Status {
		case statusUnhealthy:
			agg.Healthy = false
			agg.Status = statusUnhealthy
			agg.Message = s.Component + ": " + s.Message
			return agg
		case statusDegraded:
			agg.Healthy = false
			agg.Status = statusDegraded
			agg.Message = s.Component + ": " + s.Message
		}
	}
	return agg
}
