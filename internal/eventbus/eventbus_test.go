package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToAllSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(0)
	b.Publish("build.started", map[string]string{"project": "foo"})

	select {
	case ev := <-sub.Events:
		require.Equal(t, "build.started", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscribeBufferIsRaisedToMinimum(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	require.GreaterOrEqual(t, cap(sub.Events), MinBufferSize)
}

func TestBus_NameFilterOnlyDeliversMatchingEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe(0, "build.finished")
	b.Publish("build.started", nil)
	b.Publish("build.finished", nil)

	select {
	case ev := <-sub.Events:
		require.Equal(t, "build.finished", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected second event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_FullBufferDropsAndCountsLag(t *testing.T) {
	b := New()
	sub := b.Subscribe(MinBufferSize)
	for i := 0; i < MinBufferSize+5; i++ {
		b.Publish("tick", nil)
	}
	require.NotZero(t, sub.Lag(), "expected dropped events to be counted as lag")
}

func TestBus_CancelClosesChannelAndRemovesSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(0)
	require.Equal(t, 1, b.SubscriberCount())
	sub.Cancel()
	require.Equal(t, 0, b.SubscriberCount(), "expected subscriber removed after cancel")

	_, open := <-sub.Events
	require.False(t, open, "expected channel closed after cancel")
}

func TestBus_EmitWithNoSubscribersDoesNotPanic(t *testing.T) {
	b := New()
	b.Publish("no.one.listening", map[string]int{"x": 1})
}

func TestBus_ConcurrentPublishersDoNotRace(t *testing.T) {
	b := New()
	sub := b.Subscribe(MinBufferSize)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < MinBufferSize; j++ {
				b.Publish("tick", nil)
			}
		}()
	}
	wg.Wait()

	delivered := len(sub.Events)
	for i := 0; i < delivered; i++ {
		<-sub.Events
	}
	require.Equal(t, uint64(8*MinBufferSize), uint64(delivered)+sub.Lag(),
		"every published event must be either delivered or counted as lag")
}

func TestBus_LagHookFiresOncePerDrop(t *testing.T) {
	b := New()
	var hookCalls atomic.Uint64
	b.SetLagHook(func(subscriberID uint64) { hookCalls.Add(1) })
	sub := b.Subscribe(MinBufferSize)
	for i := 0; i < MinBufferSize+7; i++ {
		b.Publish("tick", nil)
	}
	require.Equal(t, sub.Lag(), hookCalls.Load(), "hook calls must track the drop count")
}

func TestBus_LagCountUnknownSubscriberReturnsFalse(t *testing.T) {
	b := New()
	_, ok := b.LagCount(999)
	require.False(t, ok, "expected unknown subscriber id to report ok=false")
}
