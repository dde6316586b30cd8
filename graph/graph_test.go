package graph

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestGraph() *Graph {
	return New(time.Minute, zerolog.Nop())
}

func TestSubmitRejectsCycle(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(&Task{ID: "a"}))
	require.NoError(t, g.Submit(&Task{ID: "b", Requirements: Requirements{Dependencies: []string{"a"}}}))
	require.NoError(t, g.Submit(&Task{ID: "c", Requirements: Requirements{Dependencies: []string{"b"}}}))

	// c transitively depends on a (c -> b -> a). A live task may be
	// resubmitted idempotently, but resubmitting "a" to depend on c would
	// close that chain into a 3-hop cycle; the incremental DFS has to
	// walk through b to catch it, not just check a's immediate deps.
	var cyc *ErrCyclic
	err := g.Submit(&Task{ID: "a", Requirements: Requirements{Dependencies: []string{"c"}}})
	require.ErrorAs(t, err, &cyc)
	require.Equal(t, "a", cyc.TaskID)
}

func TestSubmitRejectsSelfAndDirectCycle(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(&Task{ID: "x"}))
	require.NoError(t, g.Submit(&Task{ID: "y", Requirements: Requirements{Dependencies: []string{"x"}}}))

	// x cannot depend on y, since y depends on x.
	var cyc *ErrCyclic
	err := g.Submit(&Task{ID: "x", Requirements: Requirements{Dependencies: []string{"y"}}})
	require.ErrorAs(t, err, &cyc)
	require.Equal(t, "x", cyc.TaskID)

	// Nor can x depend on itself.
	err = g.Submit(&Task{ID: "x", Requirements: Requirements{Dependencies: []string{"x"}}})
	require.ErrorAs(t, err, &cyc)
	require.Equal(t, "x", cyc.TaskID)
}

func TestSubmitOfLiveTaskIsIdempotent(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(&Task{ID: "a"}))

	// Resubmitting a live task with the same (satisfiable) dependencies
	// is a no-op, not a rejection.
	require.NoError(t, g.Submit(&Task{ID: "a"}))
}

func TestSubmitRejectsResubmitOfTerminalTask(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(&Task{ID: "a"}))
	require.NoError(t, g.MarkStatus("a", StatusCompleted))

	require.Error(t, g.Submit(&Task{ID: "a"}))
}

func TestReadyRequiresAllDependenciesCompleted(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(&Task{ID: "a"}))
	require.NoError(t, g.Submit(&Task{ID: "b", Requirements: Requirements{Dependencies: []string{"a"}}}))

	ready := g.Ready()
	require.Contains(t, ready, "a")
	require.NotContains(t, ready, "b")

	require.NoError(t, g.MarkStatus("a", StatusCompleted))
	ready = g.Ready()
	require.Contains(t, ready, "b")
}

func TestCascadeAbortPropagates(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(&Task{ID: "a"}))
	require.NoError(t, g.Submit(&Task{ID: "b", Requirements: Requirements{Dependencies: []string{"a"}}}))
	require.NoError(t, g.Submit(&Task{ID: "c", Requirements: Requirements{Dependencies: []string{"a"}}}))

	require.NoError(t, g.MarkStatus("a", StatusFailed))

	b := g.Get("b")
	c := g.Get("c")
	require.Equal(t, StatusCascadeFailed, b.Status)
	require.Equal(t, StatusCascadeFailed, c.Status)
}

func TestCascadeSkipLetsGrandchildrenProceed(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(&Task{ID: "a"}))
	require.NoError(t, g.Submit(&Task{ID: "b", OnDependencyFailure: CascadeSkip, Requirements: Requirements{Dependencies: []string{"a"}}}))
	require.NoError(t, g.Submit(&Task{ID: "c", Requirements: Requirements{Dependencies: []string{"b"}}}))

	require.NoError(t, g.MarkStatus("a", StatusFailed))

	b := g.Get("b")
	require.Equal(t, StatusSkipped, b.Status)
	c := g.Get("c")
	require.Equal(t, StatusPending, c.Status) // a skipped dependency counts as succeeded with empty output, so c is not cascaded
	require.Contains(t, g.Ready(), "c")
}

func TestSweepRetainsUntilAcknowledgedAndRetentionElapsed(t *testing.T) {
	g := New(10*time.Millisecond, zerolog.Nop())
	require.NoError(t, g.Submit(&Task{ID: "a"}))
	require.NoError(t, g.MarkStatus("a", StatusCompleted))

	require.Equal(t, 0, g.Sweep(time.Now()))
	require.NotNil(t, g.Get("a"))

	g.Acknowledge("a")
	require.Equal(t, 0, g.Sweep(time.Now())) // retention not yet elapsed
	require.NotNil(t, g.Get("a"))

	require.Equal(t, 1, g.Sweep(time.Now().Add(time.Second)))
	require.Nil(t, g.Get("a"))
}
