// Package graph holds the task data model and the dependency graph that
// tracks submission, readiness, and cascade behavior for the scheduler.
package graph

import (
	"time"

	"github.com/google/uuid"
)

// Priority is one of the four strict scheduling tiers.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Score maps the priority tier onto the 0..1 scale the Auto Strategy's
// policy table reasons about ("priority >= 0.8"): Critical=1.0,
// High=0.75, Medium=0.5, Low=0.25.
func (p Priority) Score() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.75
	case PriorityMedium:
		return 0.5
	default:
		return 0.25
	}
}

// Promote returns the next tier up, capped at Critical.
func (p Priority) Promote() Priority {
	if p == PriorityCritical {
		return PriorityCritical
	}
	return p - 1
}

// Type enumerates the recognized task types.
type Type string

const (
	TypeAnalyze   Type = "analyze"
	TypeProcess   Type = "process"
	TypeTransform Type = "transform"
	TypeValidate  Type = "validate"
	TypeAggregate Type = "aggregate"
	TypeCustom    Type = "custom"
)

// Status is the task state machine. See Graph for the allowed edges.
type Status string

const (
	StatusPending       Status = "pending"
	StatusWaiting       Status = "waiting" // backing off before a retry
	StatusReady         Status = "ready"   // eligible for queueing
	StatusQueued        Status = "queued"
	StatusAssigned      Status = "assigned"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusTimedOut      Status = "timed_out"
	StatusCancelled     Status = "cancelled"
	StatusCascadeFailed Status = "cascade_failed"
	StatusSkipped       Status = "skipped"
)

// IsTerminal reports whether a status can never transition further.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled, StatusCascadeFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// CascadePolicy controls how a failed task affects its dependents.
type CascadePolicy string

const (
	CascadeAbort    CascadePolicy = "abort" // default
	CascadeSkip     CascadePolicy = "skip"
	CascadeContinue CascadePolicy = "continue"
)

// ResourceEnvelope is the componentwise-compared resource reservation
// carried by both tasks (requirement) and workers (capacity).
type ResourceEnvelope struct {
	CPU      float64
	MemoryMB float64
}

// Fits reports whether this envelope (a requirement) fits within cap.
func (r ResourceEnvelope) Fits(cap ResourceEnvelope) bool {
	return r.CPU <= cap.CPU && r.MemoryMB <= cap.MemoryMB
}

// Requirements describes what a task needs to run.
type Requirements struct {
	Capabilities []string
	Resources    ResourceEnvelope
	Dependencies []string
}

// TaskResult records the outcome of a single execution attempt.
type TaskResult struct {
	Attempt    int
	WorkerID   string
	Status     Status
	Output     any
	Err        string
	StartedAt  time.Time
	EndedAt    time.Time
	TraceID    string // left empty by the scheduler and the worker pool
}

// Task is the unit of work submitted to the orchestrator.
type Task struct {
	ID       string
	Name     string
	Type     Type
	Priority Priority
	Input    any

	// Complexity is a caller-supplied 0..1 estimate of how demanding the
	// task is to execute, consulted by the Auto Strategy's policy
	// selection (spec §4.5, "complexity > 0.7" rule). Zero if unset.
	Complexity float64

	Requirements Requirements

	Deadline  time.Time // zero means no deadline
	Timeout   time.Duration
	MaxRetries int

	OnDependencyFailure CascadePolicy

	// Mutable fields, owned by the scheduler/graph. Never mutated by callers.
	Status         Status
	Attempts       int
	AssignedWorker string
	SubmittedAt    time.Time
	StartedAt      time.Time
	EndedAt        time.Time
	NextRetryAt    time.Time
	History        []TaskResult

	// dependents is populated by Graph, not the caller.
	dependents []string
}

// Dependents returns the ids of tasks that depend on this one.
func (t *Task) Dependents() []string {
	out := make([]string, len(t.dependents))
	copy(out, t.dependents)
	return out
}

// NewTaskID generates a fresh unique task id, used when the caller
// submits a task without one.
func NewTaskID() string {
	return uuid.NewString()
}

// Clone returns a shallow copy safe for handing to a caller without
// exposing the graph's internal pointer.
func (t *Task) Clone() *Task {
	c := *t
	c.History = append([]TaskResult(nil), t.History...)
	c.dependents = append([]string(nil), t.dependents...)
	c.Requirements.Capabilities = append([]string(nil), t.Requirements.Capabilities...)
	c.Requirements.Dependencies = append([]string(nil), t.Requirements.Dependencies...)
	return &c
}
