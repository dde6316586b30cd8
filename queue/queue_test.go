package queue

import (
	"testing"
	"time"

	"github.com/meridianlabs/swarmctl/graph"
	"github.com/stretchr/testify/require"
)

func TestTierOrderingStrict(t *testing.T) {
	q := New()
	q.Push("low1", graph.PriorityLow)
	q.Push("crit1", graph.PriorityCritical)
	q.Push("high1", graph.PriorityHigh)

	require.Equal(t, "crit1", q.Pop().TaskID)
	require.Equal(t, "high1", q.Pop().TaskID)
	require.Equal(t, "low1", q.Pop().TaskID)
}

func TestFIFOWithinTier(t *testing.T) {
	q := New()
	q.Push("first", graph.PriorityHigh)
	q.Push("second", graph.PriorityHigh)
	q.Push("third", graph.PriorityHigh)

	require.Equal(t, "first", q.Pop().TaskID)
	require.Equal(t, "second", q.Pop().TaskID)
	require.Equal(t, "third", q.Pop().TaskID)
}

func TestPriorityPreemptionFree(t *testing.T) {
	// 5 Low tasks submitted first, then 1 Critical: Critical wins despite being newer.
	q := New()
	for i := 0; i < 5; i++ {
		q.Push("low", graph.PriorityLow)
	}
	q.Push("urgent", graph.PriorityCritical)
	require.Equal(t, "urgent", q.Pop().TaskID)
}

func TestAgingPromotesNeverDemotes(t *testing.T) {
	q := New()
	q.Push("stale", graph.PriorityLow)
	item := q.Peek()
	item.EnqueuedAt = time.Now().Add(-time.Hour)

	promoted := q.PromoteAged(time.Minute, time.Now())
	require.Contains(t, promoted, "stale")
	require.Equal(t, graph.PriorityMedium, q.Peek().Priority)

	// Promote repeatedly; should cap at Critical, never wrap past it.
	for i := 0; i < 5; i++ {
		item := q.Peek()
		item.EnqueuedAt = time.Now().Add(-time.Hour)
		q.PromoteAged(time.Minute, time.Now())
	}
	require.Equal(t, graph.PriorityCritical, q.Peek().Priority)
}

func TestPushFrontReturnsToHeadOfTier(t *testing.T) {
	q := New()
	q.Push("a", graph.PriorityHigh)
	q.Push("b", graph.PriorityHigh)
	popped := q.Pop() // "a"
	require.Equal(t, "a", popped.TaskID)
	q.PushFront("a", graph.PriorityHigh)
	require.Equal(t, "a", q.Pop().TaskID)
}
