package worker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianlabs/swarmctl/graph"
	"github.com/meridianlabs/swarmctl/scheduler"
)

// Pool owns worker registration, dispatch, health monitoring, and
// restart backoff. It implements scheduler.Pool, letting the scheduler
// remain ignorant of how workers actually run.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	log     zerolog.Logger
	emitter scheduler.Emitter

	restartBackoffBase       time.Duration
	restartBackoffMultiplier float64
	maxRestartBackoff        time.Duration
	maxRestarts              int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool constructs an empty pool. emitter may be nil, in which case
// worker lifecycle events are dropped.
func NewPool(log zerolog.Logger, emitter scheduler.Emitter) *Pool {
	return &Pool{
		workers:                  make(map[string]*Worker),
		log:                      log.With().Str("component", "worker_pool").Logger(),
		emitter:                  emitter,
		restartBackoffBase:       time.Second,
		restartBackoffMultiplier: 2.0,
		maxRestartBackoff:        time.Minute,
		maxRestarts:              5,
		stopCh:                   make(chan struct{}),
	}
}

// Configure overrides the restart policy, normally left at NewPool's
// defaults, with the orchestrator's configured restartPolicy (spec
// §6's restartPolicy option). Zero/negative arguments are ignored, so
// callers may pass only the fields they want to change.
func (p *Pool) Configure(restartDelay, maxRestartBackoff time.Duration, backoffMultiplier float64, maxRestarts int) {
	if restartDelay > 0 {
		p.restartBackoffBase = restartDelay
	}
	if maxRestartBackoff > 0 {
		p.maxRestartBackoff = maxRestartBackoff
	}
	if backoffMultiplier > 0 {
		p.restartBackoffMultiplier = backoffMultiplier
	}
	if maxRestarts > 0 {
		p.maxRestarts = maxRestarts
	}
}

func (p *Pool) emit(eventType, workerID string, fields map[string]any) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(eventType, "", mergeWorkerID(workerID, fields))
}

func mergeWorkerID(workerID string, fields map[string]any) map[string]any {
	out := map[string]any{"worker_id": workerID}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Add registers a worker with the pool.
func (p *Pool) Add(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[w.ID] = w
	p.emit("WorkerSpawned", w.ID, nil)
}

// Remove terminates and drops a worker from the pool.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[id]; ok {
		w.mu.Lock()
		w.state = StateTerminated
		w.mu.Unlock()
	}
	delete(p.workers, id)
	p.emit("WorkerTerminated", id, nil)
}

// Get returns the worker by id, or nil.
func (p *Pool) Get(id string) *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers[id]
}

// Size returns the number of registered workers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Candidates implements scheduler.Pool.
func (p *Pool) Candidates(capabilities []string, need graph.ResourceEnvelope) []scheduler.WorkerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []scheduler.WorkerInfo
	for _, w := range p.workers {
		if !w.State().Live() {
			continue
		}
		if !w.hasCapability(capabilities) {
			continue
		}
		if !need.Fits(w.Capacity) {
			continue
		}
		if w.load() >= 1.0 {
			continue
		}
		out = append(out, scheduler.WorkerInfo{
			ID:           w.ID,
			Capabilities: w.Capabilities,
			Available:    w.Capacity,
			Load:         w.load(),
			SuccessRate:  w.successRates(),
		})
	}
	return out
}

// Saturation implements scheduler.Pool: mean load across live workers.
// A pool with no live workers reports full saturation so the scheduler
// backs off admission rather than spinning on an empty candidate set.
func (p *Pool) Saturation() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var sum float64
	live := 0
	for _, w := range p.workers {
		if !w.State().Live() {
			continue
		}
		sum += w.load()
		live++
	}
	if live == 0 {
		return 1.0
	}
	return sum / float64(live)
}

// Dispatch implements scheduler.Pool: runs the task on workerID in a
// new goroutine and reports the outcome on a buffered channel.
func (p *Pool) Dispatch(ctx context.Context, workerID string, task *graph.Task) (<-chan scheduler.Outcome, error) {
	p.mu.RLock()
	w, ok := p.workers[workerID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("worker %s not found", workerID)
	}
	if !w.tryAcquire() {
		return nil, fmt.Errorf("worker %s at concurrency capacity", workerID)
	}

	ch := make(chan scheduler.Outcome, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer w.release()

		w.mu.Lock()
		w.inFlight++
		w.state = StateBusy
		w.mu.Unlock()

		start := time.Now()
		output, err := p.runExecute(w, ctx, task)

		w.mu.Lock()
		w.inFlight--
		if w.inFlight == 0 && w.state == StateBusy {
			w.state = StateIdle
			w.idleSince = time.Now()
		}
		w.mu.Unlock()
		w.markHeartbeat()
		w.recordOutcome(task.Type, err == nil)

		result := &graph.TaskResult{WorkerID: workerID, StartedAt: start, EndedAt: time.Now(), Output: output}
		if err != nil {
			result.Status = graph.StatusFailed
			result.Err = err.Error()
			ch <- scheduler.Outcome{Result: result, Err: err}
			return
		}
		result.Status = graph.StatusCompleted
		ch <- scheduler.Outcome{Result: result}
	}()
	return ch, nil
}

// runExecute calls w.exec.Execute, converting a panic into an error
// result instead of crashing the pool's dispatch goroutine. A panicking
// Executor is reported as a KindInternal event carrying a correlation
// id, per spec §7's "subcomponent panics are caught and reported as
// Internal events; they never tear down the orchestrator".
func (p *Pool) runExecute(w *Worker, ctx context.Context, task *graph.Task) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := graph.NewTaskID()
			p.log.Error().
				Str("task_id", task.ID).
				Str("worker_id", w.ID).
				Str("correlation_id", correlationID).
				Interface("panic", r).
				Msg("executor panicked, recovered")
			p.emit("Internal", w.ID, map[string]any{
				"task_id":        task.ID,
				"correlation_id": correlationID,
				"reason":         fmt.Sprintf("%v", r),
			})
			output, err = nil, fmt.Errorf("worker %s: executor panicked: %v", w.ID, r)
		}
	}()
	return w.exec.Execute(ctx, task)
}

// StartHealthLoop launches a background goroutine that polls every
// worker's Health on a fixed interval, restarting any that fail.
func (p *Pool) StartHealthLoop(ctx context.Context, interval time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.checkHealth(ctx)
			}
		}
	}()
}

func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	for _, w := range workers {
		state := w.State()
		if state == StateTerminating || state == StateTerminated || state == StateErrored {
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := w.exec.Health(hctx)
		cancel()
		if err != nil {
			p.log.Warn().Str("worker_id", w.ID).Err(err).Msg("worker health check failed")
			p.emit("WorkerFailed", w.ID, map[string]any{"error": err.Error()})
			p.restart(w)
			continue
		}
		w.markHeartbeat()
	}
}

// restart puts a worker through a Terminating -> (backoff) -> Ready
// cycle, grounded on the teacher's LeaderElector exponential backoff
// retry loop. A worker that exceeds maxRestarts is parked in Errored
// permanently; an operator must Remove and re-Add it.
func (p *Pool) restart(w *Worker) {
	w.mu.Lock()
	w.state = StateTerminating
	w.restarts++
	attempt := w.restarts
	w.mu.Unlock()

	if attempt > p.maxRestarts {
		w.mu.Lock()
		w.state = StateErrored
		w.mu.Unlock()
		p.log.Error().Str("worker_id", w.ID).Int("restarts", attempt).Msg("worker exceeded max restarts, parking as errored")
		p.emit("WorkerFailed", w.ID, map[string]any{"reason": "max_restarts_exceeded"})
		return
	}

	delay := p.backoff(attempt)
	p.log.Warn().Str("worker_id", w.ID).Int("attempt", attempt).Dur("delay", delay).Msg("restarting unhealthy worker")

	time.AfterFunc(delay, func() {
		w.mu.Lock()
		if w.state != StateTerminating {
			w.mu.Unlock()
			return // externally removed or re-restarted since
		}
		w.state = StateReady
		w.lastHeartbeat = time.Now()
		w.idleSince = time.Now()
		w.mu.Unlock()
		p.emit("WorkerRestarted", w.ID, map[string]any{"attempt": attempt})
	})
}

func (p *Pool) backoff(attempt int) time.Duration {
	mult := p.restartBackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := time.Duration(float64(p.restartBackoffBase) * math.Pow(mult, float64(attempt-1)))
	if d > p.maxRestartBackoff {
		d = p.maxRestartBackoff
	}
	return d
}

// IdleWorkersOldestFirst returns the ids of workers currently idle
// (ready/idle with no in-flight task), ordered from longest-idle to
// most-recently-idle, so ScaleDown can prefer the oldest-idle worker
// per spec §4.4.
func (p *Pool) IdleWorkersOldestFirst() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	type entry struct {
		id    string
		since time.Time
	}
	var idle []entry
	for _, w := range p.workers {
		since := w.IdleSince()
		if since.IsZero() {
			continue
		}
		idle = append(idle, entry{id: w.ID, since: since})
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].since.Before(idle[j].since) })

	out := make([]string, len(idle))
	for i, e := range idle {
		out[i] = e.id
	}
	return out
}

// AllWorkerIDs returns every registered worker id in no particular
// order.
func (p *Pool) AllWorkerIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.workers))
	for id := range p.workers {
		out = append(out, id)
	}
	return out
}

// Stop halts the health loop and waits for in-flight dispatches to
// report their outcome.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}
