package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/swarmctl/graph"
	"github.com/meridianlabs/swarmctl/queue"
)

type fakePool struct {
	mu       sync.Mutex
	capacity int
	busy     int
	channels map[string]chan Outcome
	order    []string
}

func newFakePool(capacity int) *fakePool {
	return &fakePool{capacity: capacity, channels: make(map[string]chan Outcome)}
}

func (p *fakePool) Candidates(caps []string, need graph.ResourceEnvelope) []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy >= p.capacity {
		return nil
	}
	return []WorkerInfo{{ID: "w1"}}
}

func (p *fakePool) Saturation() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.busy) / float64(p.capacity)
}

func (p *fakePool) Dispatch(ctx context.Context, workerID string, task *graph.Task) (<-chan Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy++
	ch := make(chan Outcome, 1)
	p.channels[task.ID] = ch
	p.order = append(p.order, task.ID)
	return ch, nil
}

func (p *fakePool) complete(taskID string, result graph.TaskResult) {
	p.mu.Lock()
	ch := p.channels[taskID]
	p.busy--
	p.mu.Unlock()
	ch <- Outcome{Result: &result}
}

func (p *fakePool) fail(taskID string, err error) {
	p.mu.Lock()
	ch := p.channels[taskID]
	p.busy--
	p.mu.Unlock()
	ch <- Outcome{Result: &graph.TaskResult{Status: graph.StatusFailed, Err: err.Error()}, Err: err}
}

type firstCandidateStrategy struct{}

func (firstCandidateStrategy) Pick(task *graph.Task, candidates []WorkerInfo, metrics Metrics) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0].ID, true
}

func newTestScheduler(pool Pool, cfg Config) (*Scheduler, *graph.Graph, *queue.Queue) {
	g := graph.New(time.Minute, zerolog.Nop())
	q := queue.New()
	s := New(cfg, g, q, pool, firstCandidateStrategy{}, nil, zerolog.Nop())
	return s, g, q
}

func TestSchedulerDispatchesReadyTaskAndRecordsSuccess(t *testing.T) {
	pool := newFakePool(1)
	cfg := DefaultConfig()
	s, g, _ := newTestScheduler(pool, cfg)
	ctx := context.Background()

	require.NoError(t, g.Submit(&graph.Task{ID: "t1"}))

	s.tick(ctx)
	require.Contains(t, pool.order, "t1")

	pool.complete("t1", graph.TaskResult{Status: graph.StatusCompleted})
	require.Eventually(t, func() bool {
		task := g.Get("t1")
		return task != nil && task.Status == graph.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerRetriesThenSucceeds(t *testing.T) {
	pool := newFakePool(1)
	cfg := DefaultConfig()
	cfg.DefaultRetry = RetryPolicy{MaxRetries: 2, Strategy: BackoffConstant, InitialDelay: 5 * time.Millisecond}
	s, g, _ := newTestScheduler(pool, cfg)
	ctx := context.Background()

	require.NoError(t, g.Submit(&graph.Task{ID: "t1"}))

	s.tick(ctx)
	require.Contains(t, pool.order, "t1")
	pool.fail("t1", errors.New("transient"))

	require.Eventually(t, func() bool {
		task := g.Get("t1")
		return task != nil && task.Status == graph.StatusWaiting
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s.tick(ctx)
		task := g.Get("t1")
		return task != nil && task.Status == graph.StatusRunning
	}, time.Second, 5*time.Millisecond)

	pool.complete("t1", graph.TaskResult{Status: graph.StatusCompleted})
	require.Eventually(t, func() bool {
		task := g.Get("t1")
		return task != nil && task.Status == graph.StatusCompleted && task.Attempts == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerExhaustsRetriesAndCascades(t *testing.T) {
	pool := newFakePool(1)
	cfg := DefaultConfig()
	cfg.DefaultRetry = RetryPolicy{MaxRetries: 0, Strategy: BackoffConstant, InitialDelay: time.Millisecond}
	s, g, _ := newTestScheduler(pool, cfg)
	ctx := context.Background()

	require.NoError(t, g.Submit(&graph.Task{ID: "a"}))
	require.NoError(t, g.Submit(&graph.Task{ID: "b", Requirements: graph.Requirements{Dependencies: []string{"a"}}}))

	s.tick(ctx)
	require.Contains(t, pool.order, "a")
	pool.fail("a", errors.New("permanent"))

	require.Eventually(t, func() bool {
		a := g.Get("a")
		b := g.Get("b")
		return a != nil && a.Status == graph.StatusFailed && b != nil && b.Status == graph.StatusCascadeFailed
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerRespectsStrictPriorityUnderCapacity(t *testing.T) {
	pool := newFakePool(1)
	cfg := DefaultConfig()
	s, g, _ := newTestScheduler(pool, cfg)
	ctx := context.Background()

	require.NoError(t, g.Submit(&graph.Task{ID: "low1", Priority: graph.PriorityLow}))
	require.NoError(t, g.Submit(&graph.Task{ID: "low2", Priority: graph.PriorityLow}))
	require.NoError(t, g.Submit(&graph.Task{ID: "urgent", Priority: graph.PriorityCritical}))

	s.tick(ctx) // admits all three, dispatches only the critical one (capacity 1)
	require.Equal(t, []string{"urgent"}, pool.order)

	pool.complete("urgent", graph.TaskResult{Status: graph.StatusCompleted})
	require.Eventually(t, func() bool {
		task := g.Get("urgent")
		return task != nil && task.Status == graph.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	s.tick(ctx)
	require.Equal(t, []string{"urgent", "low1"}, pool.order)
}

func TestSchedulerPauseWithholdsAssignmentButKeepsAdmitting(t *testing.T) {
	pool := newFakePool(1)
	cfg := DefaultConfig()
	s, g, q := newTestScheduler(pool, cfg)
	ctx := context.Background()

	s.Pause()
	require.True(t, s.Paused())
	require.NoError(t, g.Submit(&graph.Task{ID: "t1"}))

	s.tick(ctx)
	require.Empty(t, pool.order)
	require.Equal(t, 1, q.Len())

	s.Resume()
	require.False(t, s.Paused())
	s.tick(ctx)
	require.Contains(t, pool.order, "t1")
}
