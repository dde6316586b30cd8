package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/swarmctl/graph"
	"github.com/meridianlabs/swarmctl/kvstore"
	"github.com/meridianlabs/swarmctl/worker"
)

func sampleCheckpoint(seq uint64) Checkpoint {
	return Checkpoint{
		OrchestratorID: "orc-1",
		State:          "Running",
		CreatedAt:      time.Unix(1000, 0).UTC(),
		Sequence:       seq,
		Tasks: []TaskRecord{
			{ID: "t1", Name: "build", Type: graph.TypeProcess, Status: graph.StatusCompleted, Dependencies: []string{}, Dependents: []string{"t2"}},
		},
		Workers: []WorkerRecord{
			{ID: "w1", Capabilities: []string{"kind:execution"}, State: worker.StateIdle, Restarts: 1},
		},
	}
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	store := kvstore.NewMemory()
	ctx := context.Background()
	cp := sampleCheckpoint(3)

	require.NoError(t, Save(ctx, store, cp, 0))

	loaded, err := Load(ctx, store, "orc-1")
	require.NoError(t, err)
	require.Equal(t, cp.OrchestratorID, loaded.OrchestratorID)
	require.Equal(t, cp.Sequence, loaded.Sequence)
	require.Len(t, loaded.Tasks, 1)
	require.Equal(t, "t1", loaded.Tasks[0].ID)
	require.Equal(t, []string{"t2"}, loaded.Tasks[0].Dependents)
	require.Len(t, loaded.Workers, 1)
	require.Equal(t, worker.StateIdle, loaded.Workers[0].State)
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	store := kvstore.NewMemory()
	_, err := Load(context.Background(), store, "missing")
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestValidateForRestoreRejectsStaleOrDuplicateSequence(t *testing.T) {
	cp := sampleCheckpoint(5)

	require.NoError(t, ValidateForRestore(cp, 4))

	err := ValidateForRestore(cp, 5)
	require.Error(t, err)
	var staleErr *ErrStaleSequence
	require.ErrorAs(t, err, &staleErr)

	err = ValidateForRestore(cp, 6)
	require.Error(t, err)
}

func TestTaskRecordFromFlattensDependenciesAndDependents(t *testing.T) {
	task := &graph.Task{
		ID:   "t1",
		Name: "analyze",
		Type: graph.TypeAnalyze,
		Requirements: graph.Requirements{
			Dependencies: []string{"a", "b"},
		},
		Status: graph.StatusReady,
	}
	rec := TaskRecordFrom(task)
	require.Equal(t, []string{"a", "b"}, rec.Dependencies)
	require.Empty(t, rec.Dependents)
}

func TestWorkerRecordFromCopiesSnapshot(t *testing.T) {
	snap := worker.Snapshot{
		ID:           "w1",
		Capabilities: []string{"kind:research"},
		State:        worker.StateReady,
		Restarts:     2,
		SuccessRate:  map[graph.Type]float64{graph.TypeAnalyze: 0.8},
	}
	rec := WorkerRecordFrom(snap)
	require.Equal(t, "w1", rec.ID)
	require.Equal(t, 2, rec.Restarts)
	require.InDelta(t, 0.8, rec.SuccessRate[graph.TypeAnalyze], 0.001)
}
