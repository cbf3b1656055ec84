// Package health provides liveness/readiness checks for the ops endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check represents a single health check result
type Check struct {
	Name   string                 `json:"name"`
	Status Status                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Response represents the health endpoint response
type Response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// CheckFunc is a function that performs a health check
type CheckFunc func() Check

// Checker manages health checks for the application
type Checker struct {
	mu              sync.RWMutex
	livenessChecks  []CheckFunc
	readinessChecks []CheckFunc
}

// NewChecker creates a new health checker
func NewChecker() *Checker {
	return &Checker{}
}

// AddLivenessCheck adds a liveness check
func (c *Checker) AddLivenessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.livenessChecks = append(c.livenessChecks, check)
}

// AddReadinessCheck adds a readiness check
func (c *Checker) AddReadinessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks = append(c.readinessChecks, check)
}

func (c *Checker) runChecks(checks []CheckFunc) Response {
	response := Response{
		Status: StatusUp,
		Checks: make([]Check, 0, len(checks)),
	}
	for _, checkFunc := range checks {
		check := checkFunc()
		response.Checks = append(response.Checks, check)
		if check.Status == StatusDown {
			response.Status = StatusDown
		}
	}
	return response
}

// Liveness returns the liveness status
func (c *Checker) Liveness() Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runChecks(c.livenessChecks)
}

// Readiness returns the readiness status
func (c *Checker) Readiness() Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runChecks(c.readinessChecks)
}

// Health returns the combined health status
func (c *Checker) Health() Response {
	c.mu.RLock()
	allChecks := make([]CheckFunc, 0, len(c.livenessChecks)+len(c.readinessChecks))
	allChecks = append(allChecks, c.livenessChecks...)
	allChecks = append(allChecks, c.readinessChecks...)
	c.mu.RUnlock()
	return c.runChecks(allChecks)
}

// HandleHealth handles the /q/health endpoint
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	c.writeResponse(w, c.Health())
}

// HandleLive handles the /q/health/live endpoint
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	c.writeResponse(w, c.Liveness())
}

// HandleReady handles the /q/health/ready endpoint
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	c.writeResponse(w, c.Readiness())
}

func (c *Checker) writeResponse(w http.ResponseWriter, response Response) {
	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// PostgresCheck builds a readiness check from a database ping function
func PostgresCheck(ping func() error) CheckFunc {
	return namedCheck("postgres", ping)
}

// BrokerCheck builds a readiness check from a broker liveness function
func BrokerCheck(alive func() error) CheckFunc {
	return namedCheck("broker", alive)
}

// RedisCheck builds a readiness check from a redis ping function
func RedisCheck(ping func() error) CheckFunc {
	return namedCheck("redis", ping)
}

func namedCheck(name string, probe func() error) CheckFunc {
	return func() Check {
		if err := probe(); err != nil {
			return Check{
				Name:   name,
				Status: StatusDown,
				Data:   map[string]interface{}{"error": err.Error()},
			}
		}
		return Check{Name: name, Status: StatusUp}
	}
}
