package orchestrator

import "errors"

// Sentinel error kinds, per spec §7's taxonomy. Every returned error
// wraps exactly one of these via fmt.Errorf("%w: ...", ...), so callers
// can discriminate with errors.Is regardless of the wrapped detail.
// Grounded on the teacher's resilience package, which favors a single
// structured error type per failure family over ad hoc string checks.
var (
	ErrInvalidArgument   = errors.New("orchestrator: invalid argument")
	ErrInvalidState      = errors.New("orchestrator: invalid state")
	ErrInvalidGraph      = errors.New("orchestrator: invalid task graph")
	ErrQueueFull         = errors.New("orchestrator: queue full")
	ErrResourceExhausted = errors.New("orchestrator: resource exhausted")
	ErrNotFound          = errors.New("orchestrator: not found")
	ErrTimeout           = errors.New("orchestrator: timeout")
	ErrCancelled         = errors.New("orchestrator: cancelled")
	ErrWorkerFailed      = errors.New("orchestrator: worker failed")
	ErrInternal          = errors.New("orchestrator: internal error")
)
