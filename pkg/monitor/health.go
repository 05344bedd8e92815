// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor provides health checking for the bridge process, combining
// registered component checks with basic runtime information.
package monitor

import (
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	maxGoroutines = 10000
	slowCheck     = time.Second
)

// HealthChecker runs named checks and aggregates them into a HealthStatus.
// A failing critical check makes the process unhealthy; a failing
// non-critical check only degrades it.
type HealthChecker struct {
	mu sync.RWMutex

	status    string
	lastCheck time.Time
	started   time.Time
	version   string

	memStats       runtime.MemStats
	goroutineCount int

	checks map[string]HealthCheck
}

// HealthCheck represents a health check function
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	LastChecked time.Time
	LastError   error
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version,omitempty"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	Memory     MemoryInfo `json:"memory"`
	Goroutines int        `json:"goroutines"`
	GoVersion  string     `json:"go_version"`
	NumCPU     int        `json:"num_cpu"`
}

// MemoryInfo contains memory usage information
type MemoryInfo struct {
	Alloc   uint64  `json:"alloc"`
	Sys     uint64  `json:"sys"`
	NumGC   uint32  `json:"num_gc"`
	GCPause float64 `json:"gc_pause_ms"`
}

// NewHealthChecker creates a checker with the default goroutine check registered.
func NewHealthChecker() *HealthChecker {
	hc := &HealthChecker{
		status:  StatusHealthy,
		started: time.Now(),
		checks:  make(map[string]HealthCheck),
	}

	hc.RegisterCheck("goroutines", func() error {
		if count := runtime.NumGoroutine(); count > maxGoroutines {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	return hc
}

// SetVersion sets the version reported in HealthStatus.
func (hc *HealthChecker) SetVersion(v string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.version = v
}

// RegisterCheck registers a new health check, replacing any check with the same name.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
	}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	delete(hc.checks, name)
}

// Checks returns the registered check names in sorted order.
func (hc *HealthChecker) Checks() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks executes all registered health checks
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastCheck = now
	runtime.ReadMemStats(&hc.memStats)
	hc.goroutineCount = runtime.NumGoroutine()

	results := make(map[string]CheckResult, len(hc.checks))
	status := StatusHealthy

	for name, check := range hc.checks {
		start := time.Now()
		err := check.CheckFunc()
		if d := time.Since(start); d > slowCheck {
			log.Printf("[WARN] Health check '%s' took %v", name, d)
		}

		result := CheckResult{
			Status:      "passed",
			LastChecked: now,
			Critical:    check.Critical,
		}
		if err != nil {
			result.Status = "failed"
			result.Message = err.Error()
			if check.Critical {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
		}

		check.LastChecked = now
		check.LastError = err
		hc.checks[name] = check
		results[name] = result
	}

	hc.status = status

	return HealthStatus{
		Status:     status,
		Timestamp:  now,
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Version:    hc.version,
		Checks:     results,
		SystemInfo: hc.getSystemInfo(),
	}
}

// IsHealthy reports whether the last run had no failing critical check.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status != StatusUnhealthy
}

func (hc *HealthChecker) getSystemInfo() SystemInfo {
	var gcPause float64
	if hc.memStats.NumGC > 0 {
		gcPause = float64(hc.memStats.PauseNs[(hc.memStats.NumGC+255)%256]) / 1000000.0
	}

	return SystemInfo{
		Memory: MemoryInfo{
			Alloc:   hc.memStats.Alloc,
			Sys:     hc.memStats.Sys,
			NumGC:   hc.memStats.NumGC,
			GCPause: gcPause,
		},
		Goroutines: hc.goroutineCount,
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
	}
}
