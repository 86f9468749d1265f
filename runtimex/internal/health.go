// Package internal contains the runtime implementation.
package internal

import (
	"context"
	"sort"
	"sync"
)

// HealthChecker defines the interface for health checks.
// Implementations should perform quick checks and honor context deadlines.
type HealthChecker interface {
	// Name returns the name of the health check.
	Name() string
	// Check performs the health check and returns an error if unhealthy.
	Check(ctx context.Context) error
}

var (
	healthCheckers   []HealthChecker
	healthCheckersMu sync.RWMutex
)

// RegisterHealthChecker registers a global health checker. A checker with
// the same name replaces the earlier one.
func RegisterHealthChecker(checker HealthChecker) {
	healthCheckersMu.Lock()
	defer healthCheckersMu.Unlock()
	for i, c := range healthCheckers {
		if c.Name() == checker.Name() {
			healthCheckers[i] = checker
			return
		}
	}
	healthCheckers = append(healthCheckers, checker)
}

// UnregisterHealthChecker removes the checker registered under name.
func UnregisterHealthChecker(name string) {
	healthCheckersMu.Lock()
	defer healthCheckersMu.Unlock()
	for i, c := range healthCheckers {
		if c.Name() == name {
			healthCheckers = append(healthCheckers[:i], healthCheckers[i+1:]...)
			return
		}
	}
}

func snapshot() []HealthChecker {
	healthCheckersMu.RLock()
	defer healthCheckersMu.RUnlock()
	checkers := make([]HealthChecker, len(healthCheckers))
	copy(checkers, healthCheckers)
	return checkers
}

// CheckHealth runs all registered health checkers.
// Returns nil if all checks pass, otherwise returns the first error.
func CheckHealth(ctx context.Context) error {
	for _, checker := range snapshot() {
		if err := checker.Check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Name  string
	Error error
}

// CheckAll runs every checker and returns the results sorted by name.
func CheckAll(ctx context.Context) []CheckResult {
	checkers := snapshot()
	results := make([]CheckResult, 0, len(checkers))
	for _, checker := range checkers {
		results = append(results, CheckResult{Name: checker.Name(), Error: checker.Check(ctx)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// ClearHealthCheckers clears all registered health checkers (intended for testing).
func ClearHealthCheckers() {
	healthCheckersMu.Lock()
	defer healthCheckersMu.Unlock()
	healthCheckers = nil
}
