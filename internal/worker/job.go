package worker

import "context"

type JobType string

const (
	// Trace persists one run's trace.
	Trace JobType = "trace"
	// Stop retires the worker that receives it.
	Stop JobType = "stop"
)

// Job is one unit of background work. Jobs sharing a Key run in submission
// order relative to each other's dispatch, and keys are served round-robin.
type Job struct {
	Type JobType
	Key  string
	Run  func(ctx context.Context) error
}
