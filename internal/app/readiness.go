// Package app wires the pipeline into runnable processes: the HTTP router
// for the API server and the claim loop for the worker.
package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildDBCheck returns the readiness check over the connection pool.
func BuildDBCheck(pool Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
}
