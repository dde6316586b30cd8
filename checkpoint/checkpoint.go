// Package checkpoint implements the orchestrator's durable snapshot
// format: a self-describing record of every task and worker plus a
// monotonically increasing sequence number, persisted through a
// kvstore.Store under the reserved "checkpoint:<id>" namespace.
// Grounded on the teacher's store.DesiredState/Job Version-guarded
// UpdateStateStatus (optimistic concurrency via a version column),
// generalized here from a single row's version to a whole-orchestrator
// sequence number per spec §9's "Checkpoint sequencing" tightening.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianlabs/swarmctl/graph"
	"github.com/meridianlabs/swarmctl/kvstore"
	"github.com/meridianlabs/swarmctl/worker"
)

// TaskRecord is a flattened, JSON-friendly view of a graph.Task: the
// dependency and dependent sets are plain string slices rather than
// the graph's internal index structures (spec §9: "serialized task
// list (with dependency and dependent sets flattened to arrays)").
type TaskRecord struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Type         graph.Type           `json:"type"`
	Priority     graph.Priority       `json:"priority"`
	Status       graph.Status         `json:"status"`
	Complexity   float64              `json:"complexity"`
	Dependencies []string             `json:"dependencies"`
	Dependents   []string             `json:"dependents"`
	Attempts     int                  `json:"attempts"`
	MaxRetries   int                  `json:"max_retries"`
	SubmittedAt  time.Time            `json:"submitted_at"`
	StartedAt    time.Time            `json:"started_at,omitempty"`
	EndedAt      time.Time            `json:"ended_at,omitempty"`
	History      []graph.TaskResult   `json:"history,omitempty"`
}

// WorkerRecord is a flattened view of a worker.Snapshot.
type WorkerRecord struct {
	ID           string                 `json:"id"`
	Capabilities []string               `json:"capabilities"`
	Capacity     graph.ResourceEnvelope `json:"capacity"`
	State        worker.State           `json:"state"`
	Restarts     int                    `json:"restarts"`
	SuccessRate  map[graph.Type]float64 `json:"success_rate,omitempty"`
}

// Checkpoint is the full self-describing snapshot persisted by
// Orchestrator.Checkpoint.
type Checkpoint struct {
	OrchestratorID string         `json:"orchestrator_id"`
	State          string         `json:"state"` // orchestrator lifecycle state enum, as a string
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence"`
	Tasks          []TaskRecord   `json:"tasks"`
	Workers        []WorkerRecord `json:"workers"`
}

// ErrStaleSequence is returned by Restore when the stored checkpoint's
// sequence number is not greater than the caller's current sequence —
// the explicit tightening spec §9 mandates over the source's
// undocumented behavior.
type ErrStaleSequence struct {
	CurrentSequence, CheckpointSequence uint64
}

func (e *ErrStaleSequence) Error() string {
	return fmt.Sprintf("checkpoint sequence %d is not newer than current sequence %d",
		e.CheckpointSequence, e.CurrentSequence)
}

func keyFor(id string) string { return "checkpoint:" + id }

// Save serializes cp to JSON and writes it to store under its reserved
// namespace. ttl of 0 means the checkpoint never expires.
func Save(ctx context.Context, store kvstore.Store, cp Checkpoint, ttl time.Duration) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return store.Set(ctx, keyFor(cp.OrchestratorID), data, ttl)
}

// Load reads and deserializes the checkpoint for orchestratorID, if
// any. Returns kvstore.ErrNotFound verbatim if none exists.
func Load(ctx context.Context, store kvstore.Store, orchestratorID string) (Checkpoint, error) {
	data, err := store.Get(ctx, keyFor(orchestratorID))
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// ValidateForRestore enforces the monotonic-sequence rule: a restore is
// rejected if the checkpoint's sequence number is not strictly greater
// than currentSequence (covers both stale and duplicate restores).
func ValidateForRestore(cp Checkpoint, currentSequence uint64) error {
	if cp.Sequence <= currentSequence {
		return &ErrStaleSequence{CurrentSequence: currentSequence, CheckpointSequence: cp.Sequence}
	}
	return nil
}

// TaskRecordFrom flattens a graph.Task into its checkpoint record.
func TaskRecordFrom(t *graph.Task) TaskRecord {
	return TaskRecord{
		ID:           t.ID,
		Name:         t.Name,
		Type:         t.Type,
		Priority:     t.Priority,
		Status:       t.Status,
		Complexity:   t.Complexity,
		Dependencies: append([]string(nil), t.Requirements.Dependencies...),
		Dependents:   t.Dependents(),
		Attempts:     t.Attempts,
		MaxRetries:   t.MaxRetries,
		SubmittedAt:  t.SubmittedAt,
		StartedAt:    t.StartedAt,
		EndedAt:      t.EndedAt,
		History:      append([]graph.TaskResult(nil), t.History...),
	}
}

// WorkerRecordFrom flattens a worker.Snapshot into its checkpoint
// record.
func WorkerRecordFrom(s worker.Snapshot) WorkerRecord {
	return WorkerRecord{
		ID:           s.ID,
		Capabilities: append([]string(nil), s.Capabilities...),
		Capacity:     s.Capacity,
		State:        s.State,
		Restarts:     s.Restarts,
		SuccessRate:  s.SuccessRate,
	}
}
