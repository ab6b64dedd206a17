package sync

import "context"

// SyncEngineInterface defines the engine surface used by the scheduler and
// the command-line and mobile front ends.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// RunCycle runs one sync cycle, or folds the request into the cycle
	// already running.
	RunCycle(ctx context.Context) (*CycleResult, error)

	// Trigger requests a cycle without waiting for it.
	Trigger()

	// Snapshot returns queue counts and the last cycle result.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// LastError returns the error of the most recent cycle, if it failed.
	LastError() error
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
