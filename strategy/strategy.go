// Package strategy implements the Auto Strategy: per-call assignment
// policy selection driven by live metrics, plus scale-up/scale-down
// recommendations. Grounded on the teacher's SchedulerMode/
// NodeHealth.CalculateCompositeScore "derive an action from a metrics
// snapshot" shape, generalized from a single weighted score to a
// policy-table dispatch.
package strategy

import (
	"sort"

	"github.com/meridianlabs/swarmctl/graph"
	"github.com/meridianlabs/swarmctl/scheduler"
)

// Policy is the assignment policy chosen for one Pick call.
type Policy string

const (
	PolicyPipeline     Policy = "pipeline"
	PolicyConsensus    Policy = "consensus"
	PolicyParallel     Policy = "parallel"
	PolicyHierarchical Policy = "hierarchical"
	PolicyAdaptive     Policy = "adaptive"
)

// AutoStrategy implements scheduler.Strategy. It holds only immutable
// configuration; every method is a pure function of its arguments.
type AutoStrategy struct {
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	BacklogUpThreshold int
	BacklogDownCeiling int
	UpStep             int
	DownStep           int
}

// NewAutoStrategy returns an AutoStrategy configured with the spec §4.5
// defaults.
func NewAutoStrategy() *AutoStrategy {
	return &AutoStrategy{
		ScaleUpThreshold:   0.85,
		ScaleDownThreshold: 0.3,
		BacklogUpThreshold: 50,
		BacklogDownCeiling: 5,
		UpStep:             5,
		DownStep:           2,
	}
}

// choosePolicy implements the spec §4.5 policy table.
func choosePolicy(task *graph.Task, metrics scheduler.Metrics) Policy {
	switch {
	case len(task.Requirements.Dependencies) > 3:
		return PolicyPipeline
	case task.Complexity > 0.7:
		return PolicyConsensus
	case metrics.Utilization < 0.5 && metrics.QueueDepth > 10:
		return PolicyParallel
	case task.Priority.Score() >= 0.8:
		return PolicyHierarchical
	default:
		return PolicyAdaptive
	}
}

// Pick implements scheduler.Strategy: filter by the compatibility
// matrix, choose a policy from the task and live metrics, then apply
// that policy's selection rule among survivors.
func (s *AutoStrategy) Pick(task *graph.Task, candidates []scheduler.WorkerInfo, metrics scheduler.Metrics) (string, bool) {
	eligible := filterCompatible(task.Type, candidates)
	if len(eligible) == 0 {
		return "", false
	}

	switch choosePolicy(task, metrics) {
	case PolicyPipeline:
		return pickByStage(task, eligible)
	case PolicyConsensus:
		return pickByRole(eligible, "validator")
	case PolicyParallel:
		return pickLeastLoaded(eligible)
	case PolicyHierarchical:
		return pickHierarchical(eligible)
	default:
		return pickAdaptive(task.Type, eligible)
	}
}

// filterCompatible keeps the candidates whose kind may run taskType. A
// worker that advertises no kind tag is not restricted by the matrix.
func filterCompatible(taskType graph.Type, candidates []scheduler.WorkerInfo) []scheduler.WorkerInfo {
	out := make([]scheduler.WorkerInfo, 0, len(candidates))
	for _, c := range candidates {
		kind, ok := KindOf(c.Capabilities)
		if !ok {
			out = append(out, c)
			continue
		}
		if Compatible(taskType, kind) {
			out = append(out, c)
		}
	}
	return out
}

// pickByStage prefers a worker tagged for the task's own type as a
// pipeline stage ("role:stage:<type>"), falling back to least-loaded.
func pickByStage(task *graph.Task, candidates []scheduler.WorkerInfo) (string, bool) {
	stageRole := "stage:" + string(task.Type)
	if id, ok := pickByRole(candidates, stageRole); ok {
		return id, true
	}
	return pickLeastLoaded(candidates)
}

func pickByRole(candidates []scheduler.WorkerInfo, role string) (string, bool) {
	var best *scheduler.WorkerInfo
	for i := range candidates {
		c := &candidates[i]
		if !HasRole(c.Capabilities, role) {
			continue
		}
		if best == nil || c.Load < best.Load || (c.Load == best.Load && c.ID < best.ID) {
			best = c
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

func pickHierarchical(candidates []scheduler.WorkerInfo) (string, bool) {
	if id, ok := pickByRole(candidates, "coordinator"); ok {
		return id, true
	}
	if id, ok := pickByRole(candidates, "senior"); ok {
		return id, true
	}
	return pickLeastLoaded(candidates)
}

func pickLeastLoaded(candidates []scheduler.WorkerInfo) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Load < best.Load || (c.Load == best.Load && c.ID < best.ID) {
			best = c
		}
	}
	return best.ID, true
}

// pickAdaptive selects the worker with the highest historical success
// rate for this task type; workers with no recorded attempts are
// treated as neutral (0.5) rather than excluded.
func pickAdaptive(taskType graph.Type, candidates []scheduler.WorkerInfo) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	rateOf := func(c scheduler.WorkerInfo) float64 {
		if c.SuccessRate == nil {
			return 0.5
		}
		if r, ok := c.SuccessRate[taskType]; ok {
			return r
		}
		return 0.5
	}
	best := candidates[0]
	bestRate := rateOf(best)
	for _, c := range candidates[1:] {
		r := rateOf(c)
		if r > bestRate || (r == bestRate && c.ID < best.ID) {
			best, bestRate = c, r
		}
	}
	return best.ID, true
}

// ScaleDirection is the outcome of ShouldScale.
type ScaleDirection string

const (
	ScaleNone ScaleDirection = "none"
	ScaleUp   ScaleDirection = "up"
	ScaleDown ScaleDirection = "down"
)

// ScaleDecision is the Auto Strategy's scale-up/scale-down
// recommendation, per spec §4.5.
type ScaleDecision struct {
	Direction ScaleDirection
	Count     int
	Reason    string
}

// ShouldScale returns the scale recommendation: Up when
// utilization exceeds ScaleUpThreshold or backlog exceeds
// BacklogUpThreshold; Down when utilization is below ScaleDownThreshold
// AND backlog is below BacklogDownCeiling AND trend is not Degrading.
// trend is supplied by the caller (e.g. a TrendTracker maintained by
// the orchestrator) so this method stays a pure function of its
// arguments.
func (s *AutoStrategy) ShouldScale(metrics scheduler.Metrics, trend Trend) ScaleDecision {
	if metrics.Utilization > s.ScaleUpThreshold || metrics.Backlog > s.BacklogUpThreshold {
		return ScaleDecision{Direction: ScaleUp, Count: s.UpStep, Reason: "utilization or backlog above threshold"}
	}
	if metrics.Utilization < s.ScaleDownThreshold && metrics.Backlog < s.BacklogDownCeiling && trend != TrendDegrading {
		return ScaleDecision{Direction: ScaleDown, Count: s.DownStep, Reason: "utilization and backlog below threshold, trend not degrading"}
	}
	return ScaleDecision{Direction: ScaleNone}
}

// Rebalance produces a recommended task -> worker mapping for pending
// tasks, without mutating pool or queue state; the caller decides
// whether and how to act on it. Tasks are considered in priority/id
// order; each assignment provisionally increases that worker's
// simulated load so the recommendation spreads work evenly.
func (s *AutoStrategy) Rebalance(allWorkers []scheduler.WorkerInfo, pendingTasks []*graph.Task) map[string]string {
	sorted := append([]*graph.Task(nil), pendingTasks...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	simulated := make([]scheduler.WorkerInfo, len(allWorkers))
	copy(simulated, allWorkers)

	mapping := make(map[string]string, len(sorted))
	for _, task := range sorted {
		eligible := filterCompatible(task.Type, simulated)
		workerID, ok := pickLeastLoaded(eligible)
		if !ok {
			continue
		}
		mapping[task.ID] = workerID
		for i := range simulated {
			if simulated[i].ID == workerID {
				simulated[i].Load += 0.1
			}
		}
	}
	return mapping
}
