// Package worker provides background task infrastructure for the gateway:
// the errgroup runner plus the usage recorder, health prober, and stats
// rollup workers that run beside the HTTP listener.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
