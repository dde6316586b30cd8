// Package orchestrator wires the graph, queue, scheduler, worker pool,
// auto strategy, knowledge store, event bus, and checkpoint store into
// the single public facade spec §4.1 describes. Grounded on the
// teacher's control_plane/main.go wiring order and
// coordination.LeaderElector's state-machine-guarded public methods:
// the lifecycle methods (Initialize/Start/Pause/Resume/Stop) and Submit
// check the current state first and reject outside their allowed
// states rather than trusting the caller. The query, cancel, scaling,
// checkpoint and knowledge methods do not check the lifecycle state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianlabs/swarmctl/checkpoint"
	"github.com/meridianlabs/swarmctl/eventbus"
	"github.com/meridianlabs/swarmctl/graph"
	"github.com/meridianlabs/swarmctl/knowledge"
	"github.com/meridianlabs/swarmctl/kvstore"
	"github.com/meridianlabs/swarmctl/observability"
	"github.com/meridianlabs/swarmctl/queue"
	"github.com/meridianlabs/swarmctl/scheduler"
	"github.com/meridianlabs/swarmctl/strategy"
	"github.com/meridianlabs/swarmctl/worker"
)

// teeEmitter fans one lifecycle event to both the subscriber-facing
// event bus and the observability adapters, letting scheduler.Emitter
// and worker's pool emitter stay satisfied by a single value even
// though the two sinks serve different consumers.
type teeEmitter struct {
	bus *eventbus.Bus
	fan *observability.Fanout
}

func (t *teeEmitter) Emit(eventType, taskID string, fields map[string]any) {
	t.bus.Emit(eventType, taskID, fields)
	t.fan.Emit(eventType, taskID, fields)
}

// Orchestrator is the top-level facade described by spec §4.1.
type Orchestrator struct {
	id  string
	log zerolog.Logger

	mu    sync.RWMutex
	state State
	seq   uint64

	cfg Config

	g     *graph.Graph
	q     *queue.Queue
	pool  *worker.Pool
	auto  *strategy.AutoStrategy
	trend *strategy.TrendTracker
	sched *scheduler.Scheduler
	know  *knowledge.Store
	bus   *eventbus.Bus
	fan   *observability.Fanout
	kv    kvstore.Store
	tee   *teeEmitter

	successCount atomic.Int64
	failureCount atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs an Orchestrator in state Initializing. Call Initialize
// before Start.
func New(id string, log zerolog.Logger) *Orchestrator {
	if id == "" {
		id = graph.NewTaskID()
	}
	return &Orchestrator{
		id:    id,
		log:   log.With().Str("component", "orchestrator").Str("orchestrator_id", id).Logger(),
		state: StateInitializing,
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Initialize wires every subcomponent from cfg. kv may be nil if the
// caller never intends to Checkpoint/Restore; adapters are additional
// observability sinks fanned to alongside the built-in log and metrics
// emitters.
func (o *Orchestrator) Initialize(cfg Config, kv kvstore.Store, adapters ...observability.Emitter) error {
	o.mu.Lock()
	if o.state != StateInitializing {
		o.mu.Unlock()
		return fmt.Errorf("%w: Initialize called from state %s", ErrInvalidState, o.state)
	}
	o.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = o.id
	}

	o.cfg = cfg
	o.g = graph.New(cfg.ResultRetention, o.log)
	o.q = queue.New()
	o.bus = eventbus.New(cfg.EventBufferLen)

	builtins := []observability.Emitter{observability.NewLogEmitter(o.log), observability.NewMetricsEmitter()}
	o.fan = observability.NewFanout(o.log, append(builtins, adapters...)...)
	o.bus.SetDropEmitter(o.fan)
	o.tee = &teeEmitter{bus: o.bus, fan: o.fan}

	o.pool = worker.NewPool(o.log, o.tee)
	o.pool.Configure(cfg.RestartPolicy.RestartDelay, cfg.RestartPolicy.MaxRestartDelay, cfg.RestartPolicy.BackoffMultiplier, cfg.RestartPolicy.MaxRestarts)

	o.auto = strategy.NewAutoStrategy()
	if cfg.ScaleUpThreshold > 0 {
		o.auto.ScaleUpThreshold = cfg.ScaleUpThreshold
	}
	if cfg.ScaleDownThreshold > 0 {
		o.auto.ScaleDownThreshold = cfg.ScaleDownThreshold
	}
	if cfg.UpStep > 0 {
		o.auto.UpStep = cfg.UpStep
	}
	if cfg.DownStep > 0 {
		o.auto.DownStep = cfg.DownStep
	}
	o.trend = strategy.NewTrendTracker(cfg.TrendWindow)

	schedCfg := scheduler.Config{
		TickInterval:               cfg.TickInterval,
		AgingInterval:              cfg.AgingInterval,
		AgingThreshold:             cfg.AgingThreshold,
		DefaultRetry:               cfg.DefaultRetryPolicy,
		DefaultTimeout:             cfg.DefaultTimeout,
		MaxQueueSize:               cfg.MaxQueueSize,
		CircuitSaturationThreshold: cfg.CircuitSaturationThreshold,
		CircuitCooldown:            cfg.CircuitCooldown,
		CircuitTestLimit:           cfg.CircuitTestLimit,
	}
	o.sched = scheduler.New(schedCfg, o.g, o.q, o.pool, o.auto, o.tee, o.log)

	o.know = knowledge.New(cfg.MaxKnowledge, o.log)
	o.kv = kv

	for _, w := range cfg.InitialWorkers {
		o.pool.Add(w)
		o.know.RegisterWorker(w.ID)
	}

	o.setState(StateReady)
	return nil
}

// Start launches every background loop: the scheduler's tick/aging
// loops, the worker pool's health loop, the event bus's dispatch
// goroutine, and the orchestrator's own autoscale/checkpoint/sweep
// loops. ctx bounds the orchestrator's entire run; cancelling it stops
// those loops but leaves the lifecycle state unchanged, emits no
// OrchestratorStopped event and takes no checkpoint.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateReady {
		o.mu.Unlock()
		return fmt.Errorf("%w: Start called from state %s", ErrInvalidState, o.state)
	}
	o.runCtx, o.runCancel = context.WithCancel(ctx)
	o.state = StateRunning
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.bus.Run(o.runCtx)
	}()

	o.pool.StartHealthLoop(o.runCtx, o.cfg.HealthCheckInterval)
	o.sched.Start(o.runCtx)

	o.wg.Add(1)
	go o.autoscaleLoop(o.runCtx)

	o.wg.Add(1)
	go o.sweepLoop(o.runCtx)

	o.wg.Add(1)
	go o.metricsLoop(o.runCtx)

	if o.cfg.CheckpointInterval > 0 {
		o.wg.Add(1)
		go o.checkpointLoop(o.runCtx)
	}

	o.tee.Emit(string(eventbus.KindOrchestratorStarted), "", nil)
	return nil
}

// Pause cooperatively withholds new task assignments; tasks already
// running are left to complete, per spec §4.1.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return fmt.Errorf("%w: Pause called from state %s", ErrInvalidState, o.state)
	}
	o.state = StatePaused
	o.mu.Unlock()

	o.sched.Pause()
	o.tee.Emit(string(eventbus.KindOrchestratorPaused), "", nil)
	return nil
}

// Resume re-enables assignment after Pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state != StatePaused {
		o.mu.Unlock()
		return fmt.Errorf("%w: Resume called from state %s", ErrInvalidState, o.state)
	}
	o.state = StateRunning
	o.mu.Unlock()

	o.sched.Resume()
	o.tee.Emit(string(eventbus.KindOrchestratorResumed), "", nil)
	return nil
}

// Stop drains the scheduler and worker pool, persists a final
// checkpoint if a kvstore is configured, and transitions to
// Terminated. Safe to call more than once.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state == StateTerminated {
		o.mu.Unlock()
		return nil
	}
	if o.state != StateRunning && o.state != StatePaused {
		o.mu.Unlock()
		return fmt.Errorf("%w: Stop called from state %s", ErrInvalidState, o.state)
	}
	o.state = StateCompleting
	o.mu.Unlock()

	o.sched.Stop()
	o.pool.Stop()

	if o.kv != nil {
		if _, err := o.Checkpoint(); err != nil {
			o.log.Error().Err(err).Msg("final checkpoint on stop failed")
		}
	}

	o.tee.Emit(string(eventbus.KindOrchestratorStopped), "", nil)
	o.runCancel()
	o.wg.Wait()

	o.setState(StateTerminated)
	return nil
}

// Submit admits a new task. Rejected with ErrInvalidState outside
// Running, idempotently returns the same id if it is already live,
// and rejects with ErrInvalidArgument if id names an already-terminal
// task. Backpressure is enforced synchronously: a full queue is
// rejected with ErrQueueFull rather than silently buffered.
func (o *Orchestrator) Submit(t *graph.Task) (string, error) {
	if o.State() != StateRunning {
		return "", fmt.Errorf("%w: Submit called outside Running", ErrInvalidState)
	}
	if t == nil {
		return "", fmt.Errorf("%w: nil task", ErrInvalidArgument)
	}
	if t.ID == "" {
		t.ID = graph.NewTaskID()
	}

	if existing := o.g.Get(t.ID); existing != nil {
		if existing.Status.IsTerminal() {
			return "", fmt.Errorf("%w: task %s already terminal (%s)", ErrInvalidArgument, t.ID, existing.Status)
		}
		return existing.ID, nil // idempotent resubmission of a live id
	}

	if o.g.ActiveCount() >= o.cfg.MaxQueueSize {
		return "", fmt.Errorf("%w: max queue size %d reached", ErrQueueFull, o.cfg.MaxQueueSize)
	}

	if err := o.g.Submit(t); err != nil {
		var cyclic *graph.ErrCyclic
		var unknownDep *graph.ErrUnknownDependency
		if errors.As(err, &cyclic) || errors.As(err, &unknownDep) {
			return "", fmt.Errorf("%w: %v", ErrInvalidGraph, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}

	o.tee.Emit(string(eventbus.KindTaskSubmitted), t.ID, map[string]any{"priority": t.Priority.String()})
	return t.ID, nil
}

// Status returns a task's current graph status.
func (o *Orchestrator) Status(id string) (graph.Status, error) {
	task := o.g.Get(id)
	if task == nil {
		return "", fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return task.Status, nil
}

// Result returns the most recent execution attempt's result. It is an
// error to call Result before the task has recorded any attempt.
// Calling Result acknowledges the task, making it eligible for sweep
// once its retention window elapses.
func (o *Orchestrator) Result(id string) (*graph.TaskResult, error) {
	task := o.g.Get(id)
	if task == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if len(task.History) == 0 {
		return nil, fmt.Errorf("%w: task %s has not completed an attempt yet", ErrInvalidState, id)
	}
	o.g.Acknowledge(id)
	last := task.History[len(task.History)-1]
	return &last, nil
}

// Cancel cancels a non-terminal task: it is removed from the ready
// queue if still pending, or its running context is cancelled
// best-effort if already dispatched.
func (o *Orchestrator) Cancel(id string) error {
	task := o.g.Get(id)
	if task == nil {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s already terminal (%s)", ErrInvalidState, id, task.Status)
	}
	o.sched.Cancel(id)
	if err := o.g.Cancel(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	o.tee.Emit(string(eventbus.KindTaskCancelled), id, nil)
	return nil
}

// ScaleUp mints n new workers via Config.WorkerFactory and registers
// them with the pool and the knowledge store.
func (o *Orchestrator) ScaleUp(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: n must be positive", ErrInvalidArgument)
	}
	if o.cfg.WorkerFactory == nil {
		return fmt.Errorf("%w: no WorkerFactory configured", ErrInvalidArgument)
	}
	if o.cfg.MaxAgents > 0 && o.pool.Size()+n > o.cfg.MaxAgents {
		return fmt.Errorf("%w: scaling up by %d would exceed maxAgents %d", ErrResourceExhausted, n, o.cfg.MaxAgents)
	}

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-auto-%s", o.id, graph.NewTaskID())
		w := o.cfg.WorkerFactory(id)
		o.pool.Add(w)
		o.know.RegisterWorker(id)
	}
	o.tee.Emit(string(eventbus.KindScaleUp), "", map[string]any{"count": n})
	return nil
}

// ScaleDown removes n workers, preferring the longest-idle first per
// spec §4.4. If fewer than n workers are idle, force must be set to
// additionally remove busy workers; otherwise ScaleDown removes only
// the idle workers it found and reports ErrInvalidState.
func (o *Orchestrator) ScaleDown(n int, force bool) error {
	if n <= 0 {
		return fmt.Errorf("%w: n must be positive", ErrInvalidArgument)
	}
	if o.cfg.MinAgents > 0 && o.pool.Size()-n < o.cfg.MinAgents {
		return fmt.Errorf("%w: scaling down by %d would breach minAgents %d", ErrResourceExhausted, n, o.cfg.MinAgents)
	}

	remove := o.pool.IdleWorkersOldestFirst()
	if len(remove) > n {
		remove = remove[:n]
	}

	if len(remove) < n && force {
		have := make(map[string]bool, len(remove))
		for _, id := range remove {
			have[id] = true
		}
		for _, id := range o.pool.AllWorkerIDs() {
			if len(remove) >= n {
				break
			}
			if !have[id] {
				remove = append(remove, id)
				have[id] = true
			}
		}
	}

	if len(remove) < n && !force {
		for _, id := range remove {
			o.pool.Remove(id)
			o.know.UnregisterWorker(id)
		}
		return fmt.Errorf("%w: only %d idle worker(s) available, force not set", ErrInvalidState, len(remove))
	}

	for _, id := range remove {
		o.pool.Remove(id)
		o.know.UnregisterWorker(id)
	}
	o.tee.Emit(string(eventbus.KindScaleDown), "", map[string]any{"count": len(remove)})
	return nil
}

// Checkpoint snapshots the task graph and worker pool, persists it
// through the configured kvstore (if any), and returns it.
func (o *Orchestrator) Checkpoint() (checkpoint.Checkpoint, error) {
	cp := o.buildCheckpoint()
	if o.kv != nil {
		if err := checkpoint.Save(context.Background(), o.kv, cp, 0); err != nil {
			return cp, fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}
	o.tee.Emit(string(eventbus.KindCheckpointSaved), "", map[string]any{"sequence": cp.Sequence})
	return cp, nil
}

func (o *Orchestrator) buildCheckpoint() checkpoint.Checkpoint {
	o.mu.Lock()
	o.seq++
	seq := o.seq
	state := o.state
	o.mu.Unlock()

	tasks := o.g.Snapshot()
	taskRecords := make([]checkpoint.TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		taskRecords = append(taskRecords, checkpoint.TaskRecordFrom(t))
	}

	workerIDs := o.pool.AllWorkerIDs()
	workerRecords := make([]checkpoint.WorkerRecord, 0, len(workerIDs))
	for _, id := range workerIDs {
		w := o.pool.Get(id)
		if w == nil {
			continue
		}
		workerRecords = append(workerRecords, checkpoint.WorkerRecordFrom(w.Snapshot()))
	}

	return checkpoint.Checkpoint{
		OrchestratorID: o.id,
		State:          string(state),
		CreatedAt:      time.Now(),
		Sequence:       seq,
		Tasks:          taskRecords,
		Workers:        workerRecords,
	}
}

// Restore loads the checkpoint stored under id and replaces the task
// graph with its contents, enforcing the monotonic-sequence rule (spec
// §9). Worker pool membership is not restored from a checkpoint: an
// Executor cannot be serialized, so workers are re-seeded the normal
// way (Config.InitialWorkers/ScaleUp) after Restore, per DESIGN.md.
func (o *Orchestrator) Restore(id string) error {
	if o.kv == nil {
		return fmt.Errorf("%w: no kvstore configured", ErrInvalidState)
	}
	cp, err := checkpoint.Load(context.Background(), o.kv, id)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return fmt.Errorf("%w: checkpoint %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	o.mu.Lock()
	if err := checkpoint.ValidateForRestore(cp, o.seq); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	o.seq = cp.Sequence
	o.mu.Unlock()

	tasks := make([]*graph.Task, 0, len(cp.Tasks))
	for _, r := range cp.Tasks {
		tasks = append(tasks, taskFromRecord(r))
	}
	o.g.Restore(tasks)

	o.tee.Emit(string(eventbus.KindCustom), "", map[string]any{"subtype": "restored", "sequence": cp.Sequence})
	return nil
}

func taskFromRecord(r checkpoint.TaskRecord) *graph.Task {
	return &graph.Task{
		ID:           r.ID,
		Name:         r.Name,
		Type:         r.Type,
		Priority:     r.Priority,
		Status:       r.Status,
		Complexity:   r.Complexity,
		Requirements: graph.Requirements{Dependencies: append([]string(nil), r.Dependencies...)},
		Attempts:     r.Attempts,
		MaxRetries:   r.MaxRetries,
		SubmittedAt:  r.SubmittedAt,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		History:      append([]graph.TaskResult(nil), r.History...),
	}
}

// Subscribe registers a new lifecycle-event subscriber, filtered to
// kinds (empty means all kinds).
func (o *Orchestrator) Subscribe(kinds []eventbus.Kind, bufLen int) *eventbus.Subscription {
	return o.bus.Subscribe(graph.NewTaskID(), kinds, bufLen)
}

// Share publishes a shared-knowledge entry, per spec §4.7.
func (o *Orchestrator) Share(workerID, key string, value any, confidence float64, ttl time.Duration) {
	o.know.Share(workerID, key, value, confidence, ttl)
}

// Knowledge returns the value published under key, if live.
func (o *Orchestrator) Knowledge(key string) (any, bool) {
	return o.know.Get(key)
}

// RequestConsensus opens a new vote, defaulting threshold to
// Config.ConsensusThreshold if unset.
func (o *Orchestrator) RequestConsensus(requesterWorkerID, topic string, proposal any, deadline time.Time, threshold float64) string {
	if threshold <= 0 {
		threshold = o.cfg.ConsensusThreshold
	}
	return o.know.RequestConsensus(requesterWorkerID, topic, proposal, deadline, threshold)
}

// Vote casts a worker's vote in an open consensus session.
func (o *Orchestrator) Vote(workerID, sessionID string, value bool, confidence float64, reason string) error {
	err := o.know.Vote(workerID, sessionID, value, confidence, reason)
	var terminal *knowledge.ErrSessionTerminal
	var dup *knowledge.ErrDuplicateVote
	switch {
	case err == nil:
		return nil
	case errors.As(err, &terminal):
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	case errors.As(err, &dup):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	default:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
}

// ConsensusResult returns a session's current outcome snapshot.
func (o *Orchestrator) ConsensusResult(sessionID string) (knowledge.Result, bool) {
	return o.know.ConsensusResult(sessionID)
}

func (o *Orchestrator) autoscaleLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.AutoscaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.autoscaleTick()
		}
	}
}

func (o *Orchestrator) autoscaleTick() {
	succ := o.successCount.Swap(0)
	fail := o.failureCount.Swap(0)
	if total := succ + fail; total > 0 {
		o.trend.Record(float64(succ) / float64(total))
	}

	if o.State() != StateRunning {
		return // paused orchestrators don't autoscale either
	}

	metrics := scheduler.Metrics{Utilization: o.pool.Saturation(), QueueDepth: o.q.Len(), Backlog: o.q.Len()}
	decision := o.auto.ShouldScale(metrics, o.trend.Trend())
	switch decision.Direction {
	case strategy.ScaleUp:
		if err := o.ScaleUp(decision.Count); err != nil {
			o.log.Warn().Err(err).Msg("autoscale up skipped")
		}
	case strategy.ScaleDown:
		if err := o.ScaleDown(decision.Count, false); err != nil {
			o.log.Warn().Err(err).Msg("autoscale down skipped")
		}
	}
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			o.g.Sweep(now)
			o.know.Sweep(now)
			o.know.SweepSessions(now)
		}
	}
}

func (o *Orchestrator) checkpointLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Checkpoint(); err != nil {
				o.log.Error().Err(err).Msg("periodic checkpoint failed")
			}
		}
	}
}

// metricsLoop subscribes to the task terminal-event stream and tallies
// success/failure counts consumed by autoscaleTick to feed the trend
// tracker, so ShouldScale's "trend not degrading" rule reflects real
// recent outcomes instead of a hardcoded constant.
func (o *Orchestrator) metricsLoop(ctx context.Context) {
	defer o.wg.Done()
	sub := o.bus.Subscribe("internal-trend-tracker", nil, 256)
	defer o.bus.Unsubscribe(sub.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			switch ev.Kind {
			case eventbus.KindTaskCompleted:
				o.successCount.Add(1)
			case eventbus.KindTaskFailed, eventbus.KindTaskTimedOut, eventbus.KindTaskCancelled, eventbus.KindTaskCascadeFailed:
				o.failureCount.Add(1)
			}
		}
	}
}
