// Package worker implements the polymorphic worker abstraction and the
// pool that owns worker lifecycle, health, and concurrency gating.
// Grounded on the teacher's coordination.AgentMonitor liveness loop and
// coordination.LeaderElector's exponential backoff idiom, adapted from
// monitoring remote agents over a store to supervising in-process
// executors directly.
package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/meridianlabs/swarmctl/graph"
)

// State is a worker's lifecycle state.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateErrored      State = "errored"
)

// Live reports whether the worker may currently accept assignments.
func (s State) Live() bool {
	return s == StateReady || s == StateIdle || s == StateBusy
}

// Executor is the capability contract a concrete worker implementation
// fulfills: execute a task to completion or until ctx is cancelled, and
// report its own health on demand.
type Executor interface {
	Execute(ctx context.Context, task *graph.Task) (any, error)
	Health(ctx context.Context) error
}

// Worker wraps an Executor with pool bookkeeping: capability
// advertisement, resource capacity, concurrency gating via a weighted
// semaphore, and restart tracking.
type Worker struct {
	ID           string
	Capabilities []string
	Capacity     graph.ResourceEnvelope

	exec          Executor
	sem           *semaphore.Weighted
	maxConcurrent int64

	mu            sync.Mutex
	state         State
	inFlight      int64
	restarts      int
	lastErr       error
	lastHeartbeat time.Time
	idleSince     time.Time

	// outcomes tracks per-task-type attempt/success counts, consulted
	// by the Adaptive policy ("highest historical success rate for this
	// task type") via a snapshot handed out in scheduler.WorkerInfo.
	outcomes map[graph.Type]*typeOutcomes
}

type typeOutcomes struct {
	attempts int
	successes int
}

func (w *Worker) recordOutcome(taskType graph.Type, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outcomes == nil {
		w.outcomes = make(map[graph.Type]*typeOutcomes)
	}
	o, ok := w.outcomes[taskType]
	if !ok {
		o = &typeOutcomes{}
		w.outcomes[taskType] = o
	}
	o.attempts++
	if success {
		o.successes++
	}
}

// successRates returns a defensive snapshot of per-task-type success
// rates, suitable for handing to a Strategy.
func (w *Worker) successRates() map[graph.Type]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.successRatesLocked()
}

// successRatesLocked is successRates' body, callable when w.mu is
// already held (e.g. from Snapshot).
func (w *Worker) successRatesLocked() map[graph.Type]float64 {
	if len(w.outcomes) == 0 {
		return nil
	}
	out := make(map[graph.Type]float64, len(w.outcomes))
	for t, o := range w.outcomes {
		if o.attempts == 0 {
			continue
		}
		out[t] = float64(o.successes) / float64(o.attempts)
	}
	return out
}

// NewWorker constructs a ready worker. maxConcurrent bounds how many
// tasks it executes simultaneously; values below 1 are treated as 1.
func NewWorker(id string, capabilities []string, capacity graph.ResourceEnvelope, maxConcurrent int64, exec Executor) *Worker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Worker{
		ID:            id,
		Capabilities:  capabilities,
		Capacity:      capacity,
		exec:          exec,
		sem:           semaphore.NewWeighted(maxConcurrent),
		maxConcurrent: maxConcurrent,
		state:         StateReady,
		lastHeartbeat: time.Now(),
		idleSince:     time.Now(),
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastHeartbeat returns the time of the worker's last successful
// health check or task completion.
func (w *Worker) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHeartbeat
}

// Snapshot captures a checkpoint-safe view of a worker's configuration,
// lifecycle state, restart count, and per-task-type success metrics
// (spec §9's checkpoint format: "serialized worker configurations with
// their metrics and restart counts").
type Snapshot struct {
	ID           string
	Capabilities []string
	Capacity     graph.ResourceEnvelope
	State        State
	Restarts     int
	SuccessRate  map[graph.Type]float64
}

// Snapshot returns a Snapshot of the worker's current state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ID:           w.ID,
		Capabilities: append([]string(nil), w.Capabilities...),
		Capacity:     w.Capacity,
		State:        w.state,
		Restarts:     w.restarts,
		SuccessRate:  w.successRatesLocked(),
	}
}

func (w *Worker) hasCapability(need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]bool, len(w.Capabilities))
	for _, c := range w.Capabilities {
		set[c] = true
	}
	for _, n := range need {
		if !set[n] {
			return false
		}
	}
	return true
}

// load returns the fraction of concurrency capacity currently in use.
func (w *Worker) load() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return float64(w.inFlight) / float64(w.maxConcurrent)
}

func (w *Worker) tryAcquire() bool { return w.sem.TryAcquire(1) }
func (w *Worker) release()        { w.sem.Release(1) }

func (w *Worker) markHeartbeat() {
	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()
}

// IdleSince returns when the worker last became idle. It is the zero
// time while the worker is busy, terminating, or terminated.
func (w *Worker) IdleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateIdle && w.state != StateReady {
		return time.Time{}
	}
	return w.idleSince
}
