// Package scheduler implements the tick-driven assignment loop: pulling
// dependency-ready tasks from the graph, admitting them through
// backpressure controls, assigning them to workers via a pluggable
// Strategy, and retrying or cascading on failure. Grounded on the
// teacher's scheduler.Scheduler worker()/poller() loop pair, adapted
// from polling a store to draining an in-process graph.Graph.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianlabs/swarmctl/graph"
	"github.com/meridianlabs/swarmctl/queue"
)

// WorkerInfo is a point-in-time snapshot of one pool worker, as seen by
// the scheduler for assignment decisions.
type WorkerInfo struct {
	ID           string
	Capabilities []string // capability tags, including "kind:<agent kind>" and "role:<tag>"
	Available    graph.ResourceEnvelope
	Load         float64                    // fraction of capacity currently in use, 0..1
	SuccessRate  map[graph.Type]float64     // historical success rate per task type, owned by the pool
}

// Outcome is what a dispatched task resolves to.
type Outcome struct {
	Result *graph.TaskResult
	Err    error
}

// Pool is the subset of worker-pool behavior the scheduler depends on.
// Implemented by worker.Pool; kept as a local interface per the
// teacher's ReconcilerInterface/StoreInterface pattern so this package
// never imports worker directly.
type Pool interface {
	// Candidates returns workers able to satisfy the given capability
	// and resource requirements, ordered arbitrarily.
	Candidates(capabilities []string, need graph.ResourceEnvelope) []WorkerInfo
	// Saturation reports the mean load across live workers, 0..1.
	Saturation() float64
	// Dispatch hands a task to workerID. The returned channel is
	// buffered (capacity 1) and receives exactly one Outcome, even if
	// the caller stops listening after a timeout.
	Dispatch(ctx context.Context, workerID string, task *graph.Task) (<-chan Outcome, error)
}

// Metrics is the live, pool-wide snapshot a Strategy needs to choose a
// policy. It is computed by the caller (the Scheduler for Pick, the
// orchestrator's autoscaler for ShouldScale) and passed by value, so
// Strategy implementations stay pure
// functions of their arguments (spec §5: "the Strategy must be pure
// with respect to external state").
type Metrics struct {
	Utilization float64 // pool.Saturation(), 0..1
	QueueDepth  int     // ready-queue length at decision time
	Backlog     int     // queue depth, kept distinct for ShouldScale call sites
}

// Strategy picks a worker from the eligible candidates for a task.
// Implemented by strategy.AutoStrategy.
type Strategy interface {
	Pick(task *graph.Task, candidates []WorkerInfo, metrics Metrics) (workerID string, ok bool)
}

// Emitter publishes scheduler lifecycle events, best-effort.
type Emitter interface {
	Emit(eventType, taskID string, fields map[string]any)
}

type trackedTask struct {
	taskID    string
	workerID  string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Scheduler is the tick-driven assignment loop described in spec §4.3.
type Scheduler struct {
	cfg      Config
	g        *graph.Graph
	q        *queue.Queue
	pool     Pool
	strategy Strategy
	emitter  Emitter
	log      zerolog.Logger

	circuit       *CircuitBreaker
	workerLimiter *TokenBucketLimiter

	mu      sync.Mutex
	queued  map[string]bool
	running map[string]*trackedTask

	paused atomic.Bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs a Scheduler. pool and strategy must be non-nil;
// emitter may be nil, in which case events are dropped.
func New(cfg Config, g *graph.Graph, q *queue.Queue, pool Pool, strategy Strategy, emitter Emitter, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		g:             g,
		q:             q,
		pool:          pool,
		strategy:      strategy,
		emitter:       emitter,
		log:           log.With().Str("component", "scheduler").Logger(),
		circuit:       NewCircuitBreaker(cfg.MaxQueueSize, cfg.CircuitSaturationThreshold, cfg.CircuitCooldown, cfg.CircuitTestLimit),
		workerLimiter: NewTokenBucketLimiter(20, 5),
		queued:        make(map[string]bool),
		running:       make(map[string]*trackedTask),
		stopCh:        make(chan struct{}),
	}
}

func (s *Scheduler) emit(eventType, taskID string, fields map[string]any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(eventType, taskID, fields)
}

// Start launches the tick loop and the aging loop as background
// goroutines. A second call to Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.agingLoop(ctx)
}

// Stop signals both loops to exit and waits for in-flight goroutines to
// notice; it does not cancel already-dispatched tasks.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := graph.NewTaskID()
			s.log.Error().
				Str("correlation_id", correlationID).
				Interface("panic", r).
				Msg("scheduler tick panicked, recovering")
			s.emit("Internal", "", map[string]any{
				"correlation_id": correlationID,
				"reason":         fmt.Sprintf("%v", r),
				"source":         "tick",
			})
		}
	}()
	s.admitReady()
	s.dispatchQueued(ctx)
}

func (s *Scheduler) agingLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.AgingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			promoted := s.q.PromoteAged(s.cfg.AgingThreshold, time.Now())
			for _, id := range promoted {
				s.log.Info().Str("task_id", id).Msg("task priority promoted by aging")
				s.emit("Custom", id, map[string]any{"subtype": "priority_promoted"})
			}
		}
	}
}

// admitReady pushes dependency-ready tasks onto the priority queue,
// subject to circuit-breaker backpressure.
func (s *Scheduler) admitReady() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.g.Ready() {
		if s.queued[id] {
			continue
		}
		task := s.g.Get(id)
		if task == nil {
			continue
		}
		saturation := s.pool.Saturation()
		if !s.circuit.ShouldAdmit(s.q.Len(), saturation) {
			s.emit("Custom", id, map[string]any{"subtype": "admission_rejected", "reason": "circuit_open"})
			continue
		}
		if err := s.g.MarkStatus(id, graph.StatusQueued); err != nil {
			continue
		}
		s.q.Push(id, task.Priority)
		s.queued[id] = true
		s.emit("TaskReady", id, nil)
	}
}

// dispatchQueued pops queued tasks and assigns them to workers until the
// queue is exhausted or the head of the queue cannot be placed, in
// which case it is pushed back and dispatch stops for this tick
// (strict priority order must not be violated by skipping ahead).
func (s *Scheduler) dispatchQueued(ctx context.Context) {
	if s.paused.Load() {
		return
	}
	for {
		item := s.q.Pop()
		if item == nil {
			return
		}

		task := s.g.Get(item.TaskID)
		if task == nil || task.Status != graph.StatusQueued {
			s.mu.Lock()
			delete(s.queued, item.TaskID)
			s.mu.Unlock()
			continue // cancelled or superseded between admission and dispatch
		}

		candidates := s.pool.Candidates(task.Requirements.Capabilities, task.Requirements.Resources)
		if len(candidates) == 0 {
			s.q.PushFront(item.TaskID, item.Priority)
			return
		}

		metrics := Metrics{Utilization: s.pool.Saturation(), QueueDepth: s.q.Len(), Backlog: s.q.Len()}
		workerID, ok := s.strategy.Pick(task, candidates, metrics)
		if !ok {
			s.q.PushFront(item.TaskID, item.Priority)
			return
		}

		if !s.workerLimiter.Allow(workerID) {
			s.q.PushFront(item.TaskID, item.Priority)
			return
		}

		s.assign(ctx, task, workerID)
	}
}

func (s *Scheduler) assign(ctx context.Context, task *graph.Task, workerID string) {
	s.mu.Lock()
	delete(s.queued, task.ID)
	s.mu.Unlock()

	if err := s.g.MarkStatus(task.ID, graph.StatusAssigned); err != nil {
		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)

	resultCh, err := s.pool.Dispatch(taskCtx, workerID, task)
	if err != nil {
		cancel()
		s.finish(task.ID, &graph.TaskResult{WorkerID: workerID, Status: graph.StatusFailed, Err: err.Error()}, fmt.Errorf("dispatch: %w", err))
		return
	}

	s.emit("TaskAssigned", task.ID, map[string]any{"worker_id": workerID})

	if err := s.g.MarkStatus(task.ID, graph.StatusRunning); err != nil {
		cancel()
		return
	}

	s.mu.Lock()
	s.running[task.ID] = &trackedTask{taskID: task.ID, workerID: workerID, startedAt: time.Now(), cancel: cancel}
	s.mu.Unlock()

	s.emit("TaskStarted", task.ID, map[string]any{"worker_id": workerID})

	s.wg.Add(1)
	go s.await(taskCtx, task.ID, workerID, resultCh)
}

func (s *Scheduler) await(ctx context.Context, taskID, workerID string, resultCh <-chan Outcome) {
	defer s.wg.Done()
	select {
	case outcome := <-resultCh:
		s.finishOutcome(taskID, workerID, outcome)
	case <-ctx.Done():
		s.finish(taskID, &graph.TaskResult{WorkerID: workerID, Status: graph.StatusTimedOut, StartedAt: time.Now()}, ctx.Err())
	}
}

func (s *Scheduler) finishOutcome(taskID, workerID string, outcome Outcome) {
	if outcome.Err != nil {
		s.finish(taskID, outcome.Result, outcome.Err)
		return
	}
	s.finish(taskID, outcome.Result, nil)
}

// finish records a completed attempt and either closes the task out or
// schedules a retry, per the scheduler's DefaultRetry policy (with the
// task's MaxRetries, when set, as the retry bound).
func (s *Scheduler) finish(taskID string, result *graph.TaskResult, execErr error) {
	s.mu.Lock()
	tracked, ok := s.running[taskID]
	if ok {
		delete(s.running, taskID)
	}
	s.mu.Unlock()
	if ok && tracked.cancel != nil {
		tracked.cancel()
	}

	task := s.g.Get(taskID)
	if task == nil {
		return
	}
	if result == nil {
		result = &graph.TaskResult{}
	}
	result.EndedAt = time.Now()
	if result.WorkerID == "" && ok {
		result.WorkerID = tracked.workerID
	}

	if execErr == nil && result.Status != graph.StatusTimedOut {
		result.Status = graph.StatusCompleted
		_ = s.g.RecordAttempt(taskID, *result, graph.StatusCompleted, time.Time{})
		s.circuit.RecordSuccess()
		s.emit("TaskCompleted", taskID, map[string]any{"worker_id": result.WorkerID})
		return
	}

	if result.Err == "" && execErr != nil {
		result.Err = execErr.Error()
	}
	if result.Status == "" {
		result.Status = graph.StatusFailed
	}
	s.circuit.RecordFailure()

	policy := s.cfg.DefaultRetry
	if task.MaxRetries > 0 {
		policy.MaxRetries = task.MaxRetries
	}
	if task.Attempts+1 > policy.MaxRetries {
		_ = s.g.RecordAttempt(taskID, *result, result.Status, time.Time{})
		s.emit(terminalEventKind(result.Status), taskID, map[string]any{"error": result.Err, "attempts": task.Attempts + 1})
		return
	}

	delay := policy.Delay(task.Attempts + 1)
	nextRetryAt := time.Now().Add(delay)
	_ = s.g.RecordAttempt(taskID, *result, graph.StatusWaiting, nextRetryAt)
	s.emit("Custom", taskID, map[string]any{"subtype": "retry_scheduled", "delay_ms": delay.Milliseconds(), "attempt": task.Attempts + 1})
}

// terminalEventKind maps a task's terminal graph.Status to the
// matching eventbus event kind name (spec §4.6).
func terminalEventKind(status graph.Status) string {
	switch status {
	case graph.StatusTimedOut:
		return "TaskTimedOut"
	case graph.StatusCancelled:
		return "TaskCancelled"
	case graph.StatusCascadeFailed:
		return "TaskCascadeFailed"
	default:
		return "TaskFailed"
	}
}

// Pause stops new task assignments cooperatively: admitted tasks keep
// queueing and aging, but dispatchQueued declines to hand any of them
// to a worker until Resume is called. In-flight tasks run to
// completion, per spec §4.1 ("Pause is cooperative").
func (s *Scheduler) Pause() {
	s.paused.Store(true)
}

// Resume re-enables assignment after Pause.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
}

// Paused reports whether the scheduler is currently withholding new
// assignments.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// Cancel cancels a running task's context immediately (best-effort; the
// worker is responsible for observing ctx.Done()) and removes it from
// the ready queue if it has not yet been dispatched.
func (s *Scheduler) Cancel(taskID string) {
	s.q.Remove(taskID)
	s.mu.Lock()
	tracked, ok := s.running[taskID]
	s.mu.Unlock()
	if ok && tracked.cancel != nil {
		tracked.cancel()
	}
}

// QueueDepth reports the current ready-queue length, for metrics and
// dashboards.
func (s *Scheduler) QueueDepth() int {
	return s.q.Len()
}
