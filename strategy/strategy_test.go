package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/swarmctl/graph"
	"github.com/meridianlabs/swarmctl/scheduler"
)

func worker(id string, kind WorkerKind, roles []string, load float64) scheduler.WorkerInfo {
	caps := []string{"kind:" + string(kind)}
	for _, r := range roles {
		caps = append(caps, "role:"+r)
	}
	return scheduler.WorkerInfo{ID: id, Capabilities: caps, Load: load}
}

func TestPickFiltersByCompatibilityMatrix(t *testing.T) {
	s := NewAutoStrategy()
	task := &graph.Task{ID: "t1", Type: graph.TypeValidate}
	candidates := []scheduler.WorkerInfo{
		worker("exec1", KindExecution, nil, 0.1),
		worker("val1", KindValidation, nil, 0.1),
	}
	id, ok := s.Pick(task, candidates, scheduler.Metrics{})
	require.True(t, ok)
	require.Equal(t, "val1", id)
}

func TestPickCustomTaskAcceptsAnyKind(t *testing.T) {
	s := NewAutoStrategy()
	task := &graph.Task{ID: "t1", Type: graph.TypeCustom}
	candidates := []scheduler.WorkerInfo{worker("mon1", KindMonitoring, nil, 0.2)}
	id, ok := s.Pick(task, candidates, scheduler.Metrics{})
	require.True(t, ok)
	require.Equal(t, "mon1", id)
}

func TestPickConsensusPolicyPrefersValidatorRole(t *testing.T) {
	s := NewAutoStrategy()
	task := &graph.Task{ID: "t1", Type: graph.TypeCustom, Complexity: 0.9}
	candidates := []scheduler.WorkerInfo{
		worker("a", KindExecution, nil, 0.0),
		worker("b", KindExecution, []string{"validator"}, 0.5),
	}
	id, ok := s.Pick(task, candidates, scheduler.Metrics{})
	require.True(t, ok)
	require.Equal(t, "b", id)
}

func TestPickParallelPolicyPrefersLeastLoaded(t *testing.T) {
	s := NewAutoStrategy()
	task := &graph.Task{ID: "t1", Type: graph.TypeCustom}
	candidates := []scheduler.WorkerInfo{
		worker("busy", KindExecution, nil, 0.8),
		worker("idle", KindExecution, nil, 0.1),
	}
	id, ok := s.Pick(task, candidates, scheduler.Metrics{Utilization: 0.2, QueueDepth: 20})
	require.True(t, ok)
	require.Equal(t, "idle", id)
}

func TestPickHierarchicalPolicyPrefersCoordinator(t *testing.T) {
	s := NewAutoStrategy()
	task := &graph.Task{ID: "t1", Type: graph.TypeCustom, Priority: graph.PriorityCritical}
	candidates := []scheduler.WorkerInfo{
		worker("a", KindExecution, nil, 0.0),
		worker("b", KindCoordination, []string{"coordinator"}, 0.9),
	}
	id, ok := s.Pick(task, candidates, scheduler.Metrics{})
	require.True(t, ok)
	require.Equal(t, "b", id)
}

func TestPickAdaptivePolicyPrefersHigherSuccessRate(t *testing.T) {
	s := NewAutoStrategy()
	task := &graph.Task{ID: "t1", Type: graph.TypeAnalyze, Priority: graph.PriorityLow}
	a := worker("a", KindResearch, nil, 0.0)
	a.SuccessRate = map[graph.Type]float64{graph.TypeAnalyze: 0.4}
	b := worker("b", KindAnalysis, nil, 0.0)
	b.SuccessRate = map[graph.Type]float64{graph.TypeAnalyze: 0.9}

	id, ok := s.Pick(task, []scheduler.WorkerInfo{a, b}, scheduler.Metrics{})
	require.True(t, ok)
	require.Equal(t, "b", id)
}

func TestShouldScaleUpWhenSaturatedOrBacklogged(t *testing.T) {
	s := NewAutoStrategy()
	d := s.ShouldScale(scheduler.Metrics{Utilization: 0.9}, TrendStable)
	require.Equal(t, ScaleUp, d.Direction)
	require.Equal(t, 5, d.Count)

	d = s.ShouldScale(scheduler.Metrics{Backlog: 60}, TrendStable)
	require.Equal(t, ScaleUp, d.Direction)
}

func TestShouldScaleDownRequiresNonDegradingTrend(t *testing.T) {
	s := NewAutoStrategy()
	d := s.ShouldScale(scheduler.Metrics{Utilization: 0.1, Backlog: 1}, TrendDegrading)
	require.Equal(t, ScaleNone, d.Direction)

	d = s.ShouldScale(scheduler.Metrics{Utilization: 0.1, Backlog: 1}, TrendStable)
	require.Equal(t, ScaleDown, d.Direction)
	require.Equal(t, 2, d.Count)
}

func TestTrendTrackerClassifiesDirection(t *testing.T) {
	improving := NewTrendTracker(5)
	for _, v := range []float64{0.5, 0.6, 0.7, 0.8, 0.9} {
		improving.Record(v)
	}
	require.Equal(t, TrendImproving, improving.Trend())

	degrading := NewTrendTracker(5)
	for _, v := range []float64{0.9, 0.8, 0.7, 0.6, 0.5} {
		degrading.Record(v)
	}
	require.Equal(t, TrendDegrading, degrading.Trend())

	stable := NewTrendTracker(5)
	for _, v := range []float64{0.5, 0.5, 0.5, 0.5, 0.5} {
		stable.Record(v)
	}
	require.Equal(t, TrendStable, stable.Trend())
}

func TestRebalanceSpreadsTasksAcrossWorkers(t *testing.T) {
	s := NewAutoStrategy()
	workers := []scheduler.WorkerInfo{
		worker("a", KindExecution, nil, 0.0),
		worker("b", KindExecution, nil, 0.0),
	}
	tasks := []*graph.Task{
		{ID: "t1", Type: graph.TypeCustom},
		{ID: "t2", Type: graph.TypeCustom},
	}
	mapping := s.Rebalance(workers, tasks)
	require.Len(t, mapping, 2)
	require.NotEqual(t, mapping["t1"], mapping["t2"])
}
