package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startBus(t *testing.T, buf int) (*Bus, context.CancelFunc) {
	t.Helper()
	b := New(buf)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	return b, cancel
}

func TestSubscribeReceivesMatchingKindsOnly(t *testing.T) {
	b, cancel := startBus(t, 4)
	defer cancel()

	sub := b.Subscribe("s1", []Kind{KindTaskCompleted}, 4)
	b.Emit(string(KindTaskStarted), "t1", nil)
	b.Emit(string(KindTaskCompleted), "t1", map[string]any{"ok": true})

	select {
	case ev := <-sub.Events:
		require.Equal(t, KindTaskCompleted, ev.Kind)
		require.Equal(t, "t1", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeWithNoFilterReceivesEverything(t *testing.T) {
	b, cancel := startBus(t, 4)
	defer cancel()

	sub := b.Subscribe("s1", nil, 4)
	b.Publish(KindWorkerSpawned, "pool", "", nil)

	select {
	case ev := <-sub.Events:
		require.Equal(t, KindWorkerSpawned, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestOverflowDropsOldestAndEmitsSingleMarker(t *testing.T) {
	b, cancel := startBus(t, 2)
	defer cancel()

	sub := b.Subscribe("s1", nil, 2)

	for i := 0; i < 5; i++ {
		b.Publish(KindCustom, "src", "t1", map[string]any{"i": i})
	}

	require.Eventually(t, func() bool {
		return len(sub.Events) == 2
	}, time.Second, time.Millisecond)

	first := <-sub.Events
	second := <-sub.Events
	kinds := []Kind{first.Kind, second.Kind}
	require.Contains(t, kinds, KindEventsDropped)
	require.Contains(t, kinds, KindCustom)
}

func TestEmitAssignsMonotonicSequence(t *testing.T) {
	b, cancel := startBus(t, 8)
	defer cancel()

	sub := b.Subscribe("s1", nil, 8)
	b.Emit(string(KindTaskSubmitted), "t1", nil)
	b.Emit(string(KindTaskReady), "t1", nil)

	first := <-sub.Events
	second := <-sub.Events
	require.Less(t, first.Seq, second.Seq)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b, cancel := startBus(t, 4)
	defer cancel()

	sub := b.Subscribe("s1", nil, 4)
	b.Unsubscribe("s1")

	require.Eventually(t, func() bool {
		_, open := <-sub.Events
		return !open
	}, time.Second, time.Millisecond)
}

func TestRunShutdownClosesAllSubscriberChannels(t *testing.T) {
	b := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	sub := b.Subscribe("s1", nil, 4)
	cancel()

	require.Eventually(t, func() bool {
		_, open := <-sub.Events
		return !open
	}, time.Second, time.Millisecond)
}
