package runtimex

import (
	"context"

	"github.com/pnavarro/nova/runtimex/internal"
)

// HealthChecker is polled by the /health and /ready admin endpoints.
type HealthChecker = internal.HealthChecker

// RegisterHealthChecker adds checker to the process-wide registry,
// replacing any checker with the same name.
func RegisterHealthChecker(checker HealthChecker) {
	internal.RegisterHealthChecker(checker)
}

// UnregisterHealthChecker removes the checker registered under name.
func UnregisterHealthChecker(name string) {
	internal.UnregisterHealthChecker(name)
}

// CheckHealth runs every registered checker and returns the first failure.
func CheckHealth(ctx context.Context) error {
	return internal.CheckHealth(ctx)
}
