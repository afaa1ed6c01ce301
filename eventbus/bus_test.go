package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe("batch1")
	defer sub.Close()

	b.Publish(Event{Kind: KindTaskStarted, BatchID: "batch1", TaskID: "t1"})

	select {
	case ev := <-sub.Events:
		require.Equal(t, KindTaskStarted, ev.Kind)
		require.Equal(t, "t1", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("did not receive published event")
	}
}

func TestPublishOnlyReachesMatchingBatchTopic(t *testing.T) {
	b := New()
	subA := b.Subscribe("batchA")
	subB := b.Subscribe("batchB")
	defer subA.Close()
	defer subB.Close()

	b.Publish(Event{Kind: KindTaskStarted, BatchID: "batchA"})

	select {
	case <-subA.Events:
	case <-time.After(time.Second):
		t.Fatal("subA should have received the event")
	}

	select {
	case ev := <-subB.Events:
		t.Fatalf("subB should not have received an event, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseUnsubscribesWithoutPanic(t *testing.T) {
	b := New()
	sub := b.Subscribe("batch1")
	sub.Close()

	require.NotPanics(t, func() {
		b.Publish(Event{Kind: KindTaskComplete, BatchID: "batch1"})
	})
}

func TestSlowSubscriberGetsLagEventInsteadOfBlockingPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("batch1")
	defer sub.Close()

	// Saturate the subscriber's ring buffer without draining it, then
	// publish one more: Publish must never block regardless of how far
	// behind a subscriber has fallen.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+5; i++ {
			b.Publish(Event{Kind: KindTaskProgress, BatchID: "batch1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a saturated subscriber buffer")
	}

	// Draining should eventually surface a lag marker since the
	// subscriber fell behind.
	sawLag := false
	for i := 0; i < subscriberBuffer+5; i++ {
		select {
		case ev := <-sub.Events:
			if ev.Kind == KindLag {
				sawLag = true
			}
		case <-time.After(100 * time.Millisecond):
			i = subscriberBuffer + 5
		}
	}
	require.True(t, sawLag)
}

func TestRemoveBatchDropsTopicBookkeeping(t *testing.T) {
	b := New()
	sub := b.Subscribe("batch1")
	sub.Close()

	require.NotPanics(t, func() { b.RemoveBatch("batch1") })
}
