package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCyclic is returned when Submit would introduce a dependency cycle.
type ErrCyclic struct {
	TaskID string
}

func (e *ErrCyclic) Error() string {
	return fmt.Sprintf("task %s would create a cyclic dependency", e.TaskID)
}

// ErrUnknownDependency is returned when a task names a dependency that
// has never been submitted.
type ErrUnknownDependency struct {
	TaskID, DepID string
}

func (e *ErrUnknownDependency) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.DepID)
}

// Graph owns the task map and the dependency/dependent index. Exactly
// one mutex guards all of its mutable state, per the concurrency model
// in spec §5 ("never hold two mutexes simultaneously").
type Graph struct {
	mu    sync.Mutex
	tasks map[string]*Task

	// resultRetention is how long a terminal task is kept after it has
	// been both acknowledged (Result called) and terminated, before the
	// periodic sweep removes it. See DESIGN.md Open Question #1.
	resultRetention time.Duration
	acknowledged    map[string]bool
	terminatedAt    map[string]time.Time

	log zerolog.Logger
}

// New constructs an empty Graph.
func New(resultRetention time.Duration, log zerolog.Logger) *Graph {
	return &Graph{
		tasks:           make(map[string]*Task),
		acknowledged:    make(map[string]bool),
		terminatedAt:    make(map[string]time.Time),
		resultRetention: resultRetention,
		log:             log.With().Str("component", "graph").Logger(),
	}
}

// Submit registers a new task, or re-validates an existing, not-yet-
// terminal one (Submit of a live id is idempotent per spec, not a
// rejection — a caller may resubmit a task it already described to
// learn whether widening its dependencies is safe). Rejects with
// ErrCyclic if the task's dependency closure would become cyclic, with
// ErrUnknownDependency if a named dependency was never submitted, or
// with a plain error if the id belongs to an already-terminal task.
func (g *Graph) Submit(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, exists := g.tasks[t.ID]; exists {
		if prev.Status.IsTerminal() {
			return fmt.Errorf("task %s already submitted and terminal", t.ID)
		}
		for _, dep := range t.Requirements.Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return &ErrUnknownDependency{TaskID: t.ID, DepID: dep}
			}
		}
		if g.reaches(t.Requirements.Dependencies, t.ID, make(map[string]bool)) {
			return &ErrCyclic{TaskID: t.ID}
		}
		return nil
	}

	for _, dep := range t.Requirements.Dependencies {
		if _, ok := g.tasks[dep]; !ok {
			return &ErrUnknownDependency{TaskID: t.ID, DepID: dep}
		}
	}

	// Incremental DFS cycle check: can we reach t.ID starting from any
	// of its dependencies' own dependency closures? If a dependency
	// (transitively) depends on t, inserting t creates a cycle.
	if g.reaches(t.Requirements.Dependencies, t.ID, make(map[string]bool)) {
		return &ErrCyclic{TaskID: t.ID}
	}

	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	if t.OnDependencyFailure == "" {
		t.OnDependencyFailure = CascadeAbort
	}

	g.tasks[t.ID] = t
	for _, dep := range t.Requirements.Dependencies {
		d := g.tasks[dep]
		d.dependents = append(d.dependents, t.ID)
	}

	g.log.Info().Str("task_id", t.ID).Str("type", string(t.Type)).Msg("task submitted")
	return nil
}

// reaches reports whether, starting from any id in frontier, we can
// reach target by following dependency edges.
func (g *Graph) reaches(frontier []string, target string, seen map[string]bool) bool {
	for _, id := range frontier {
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		task, ok := g.tasks[id]
		if !ok {
			continue
		}
		if g.reaches(task.Requirements.Dependencies, target, seen) {
			return true
		}
	}
	return false
}

// Get returns a defensive copy of the task, or nil if unknown.
func (g *Graph) Get(id string) *Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil
	}
	return t.Clone()
}

// Acknowledge marks that the caller has observed a terminal task's
// result at least once, per DESIGN.md Open Question #1.
func (g *Graph) Acknowledge(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acknowledged[id] = true
}

// Ready returns task ids whose dependencies are all Completed or Skipped
// (or, for a CascadeContinue task, terminal in any status) and which
// are themselves still Pending/Waiting. Ordering is undefined; the
// caller (scheduler) is responsible for priority ordering.
func (g *Graph) Ready() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var ready []string
	for id, t := range g.tasks {
		if t.Status != StatusPending && t.Status != StatusWaiting {
			continue
		}
		if !t.NextRetryAt.IsZero() && now.Before(t.NextRetryAt) {
			continue // backing off after a failed attempt
		}
		if g.depsSatisfied(t) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready) // deterministic order for callers that care
	return ready
}

func (g *Graph) depsSatisfied(t *Task) bool {
	for _, dep := range t.Requirements.Dependencies {
		d, ok := g.tasks[dep]
		if !ok {
			return false
		}
		switch {
		case d.Status == StatusCompleted, d.Status == StatusSkipped:
		case t.OnDependencyFailure == CascadeContinue && d.Status.IsTerminal():
		default:
			return false
		}
	}
	return true
}

// MarkStatus transitions a task's status. It is the caller's
// responsibility to ensure only forward transitions are requested;
// MarkStatus defensively refuses to move a terminal task.
func (g *Graph) MarkStatus(id string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s already terminal (%s)", id, t.Status)
	}
	t.Status = status
	if status.IsTerminal() {
		t.EndedAt = time.Now()
		g.terminatedAt[id] = t.EndedAt
		g.cascade(t)
	}
	return nil
}

// RecordAttempt appends an execution attempt to a task's history and
// transitions it to nextStatus (Completed/Failed on exhaustion, or
// Waiting with nextRetryAt set for a scheduled retry). Refuses if the
// task is already terminal, to guard against a stale worker outcome
// arriving after a timeout already finalized the task.
func (g *Graph) RecordAttempt(id string, result TaskResult, nextStatus Status, nextRetryAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s already terminal (%s)", id, t.Status)
	}
	t.Attempts++
	t.History = append(t.History, result)
	t.NextRetryAt = nextRetryAt
	t.Status = nextStatus
	if nextStatus.IsTerminal() {
		t.EndedAt = time.Now()
		g.terminatedAt[id] = t.EndedAt
		g.cascade(t)
	}
	return nil
}

// cascade applies OnDependencyFailure to not-yet-started dependents of
// a task that just failed (Failed, TimedOut or Cancelled). Must be called with
// g.mu held.
func (g *Graph) cascade(t *Task) {
	if t.Status != StatusFailed && t.Status != StatusTimedOut && t.Status != StatusCancelled {
		return
	}
	for _, depID := range t.dependents {
		dep, ok := g.tasks[depID]
		if !ok || dep.Status.IsTerminal() || dep.Status == StatusRunning || dep.Status == StatusAssigned {
			continue
		}
		switch dep.OnDependencyFailure {
		case CascadeSkip:
			dep.Status = StatusSkipped
			dep.EndedAt = time.Now()
			g.terminatedAt[depID] = dep.EndedAt
			g.log.Info().Str("task_id", depID).Str("dependency", t.ID).Msg("skipped due to dependency failure")
			g.cascade(dep) // dep's own dependents re-evaluated as if it succeeded-empty
		case CascadeContinue:
			// Dependent is left untouched and becomes ready once the
			// failed dependency is terminal (see depsSatisfied). No
			// dependency-failed marker is attached to it.
		default: // CascadeAbort
			dep.Status = StatusCascadeFailed
			dep.EndedAt = time.Now()
			g.terminatedAt[depID] = dep.EndedAt
			g.log.Info().Str("task_id", depID).Str("dependency", t.ID).Msg("cascade failed")
			g.cascade(dep)
		}
	}
}

// Cancel marks a non-terminal task Cancelled and cascades per policy.
func (g *Graph) Cancel(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.Status.IsTerminal() {
		return nil // idempotent
	}
	t.Status = StatusCancelled
	t.EndedAt = time.Now()
	g.terminatedAt[id] = t.EndedAt
	g.cascade(t)
	return nil
}

// ActiveCount returns the number of tasks that have not yet reached a
// terminal status, used to enforce spec §6's maxQueueSize at Submit
// time rather than only at assignment time.
func (g *Graph) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.tasks {
		if !t.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Sweep removes terminal tasks that have been acknowledged and have
// outlived resultRetention. The orchestrator's sweep loop calls it every
// SweepInterval.
func (g *Graph) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, endedAt := range g.terminatedAt {
		if !g.acknowledged[id] {
			continue
		}
		if now.Sub(endedAt) < g.resultRetention {
			continue
		}
		delete(g.tasks, id)
		delete(g.terminatedAt, id)
		delete(g.acknowledged, id)
		removed++
	}
	return removed
}

// Snapshot returns copies of every task, for checkpointing.
func (g *Graph) Snapshot() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the graph's contents wholesale, used by checkpoint
// restore. Dependent sets are rebuilt from each task's Dependencies.
func (g *Graph) Restore(tasks []*Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = make(map[string]*Task, len(tasks))
	g.terminatedAt = make(map[string]time.Time)
	g.acknowledged = make(map[string]bool)
	for _, t := range tasks {
		c := t.Clone()
		c.dependents = nil
		g.tasks[c.ID] = c
		if c.Status.IsTerminal() {
			g.terminatedAt[c.ID] = c.EndedAt
		}
	}
	for _, t := range g.tasks {
		for _, dep := range t.Requirements.Dependencies {
			if d, ok := g.tasks[dep]; ok {
				d.dependents = append(d.dependents, t.ID)
			}
		}
	}
}
