package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Stop(time.Second)

	var mu sync.Mutex
	var got []string
	bus.Register(TopicOrderUpdate, func(_ Topic, p any) {
		mu.Lock()
		got = append(got, "first:"+p.(string))
		mu.Unlock()
	})
	bus.Register(TopicOrderUpdate, func(_ Topic, p any) {
		mu.Lock()
		got = append(got, "second:"+p.(string))
		mu.Unlock()
	})
	bus.Start()

	bus.Publish(TopicOrderUpdate, "a")
	bus.Publish(TopicOrderUpdate, "b")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first:a", "second:a", "first:b", "second:b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, expected %v", got, want)
		}
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Stop(time.Second)

	var called atomic.Int32
	bus.Register(TopicTradeCreated, func(Topic, any) { panic("boom") })
	bus.Register(TopicTradeCreated, func(Topic, any) { called.Add(1) })
	bus.Start()

	bus.Publish(TopicTradeCreated, 1)
	bus.Publish(TopicTradeCreated, 2)

	waitFor(t, func() bool { return called.Load() == 2 })
}

func TestTopicsProgressIndependently(t *testing.T) {
	bus := NewBus()
	defer bus.Stop(time.Second)

	block := make(chan struct{})
	var ticks atomic.Int32
	bus.Register(TopicOrderUpdate, func(Topic, any) { <-block })
	bus.Register(TopicTickUpdate, func(Topic, any) { ticks.Add(1) })
	bus.Start()

	bus.Publish(TopicOrderUpdate, 1) // parks the order topic
	bus.Publish(TopicTickUpdate, 1)

	waitFor(t, func() bool { return ticks.Load() == 1 })
	close(block)
}

func TestPublishAfterStopIsNoop(t *testing.T) {
	bus := NewBus()
	var called atomic.Int32
	bus.Register(TopicAccountUpdate, func(Topic, any) { called.Add(1) })
	bus.Start()
	bus.Stop(time.Second)

	bus.Publish(TopicAccountUpdate, 1)
	time.Sleep(20 * time.Millisecond)
	if called.Load() != 0 {
		t.Fatalf("handler invoked %d times after stop", called.Load())
	}
}

func TestTickOverflowKeepsNewest(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var seen []int
	bus.Register(TopicTickUpdate, func(_ Topic, p any) {
		mu.Lock()
		seen = append(seen, p.(int))
		mu.Unlock()
	})

	// Fill the queue beyond capacity before dispatch begins.
	bus.mu.Lock()
	bus.running = true
	bus.mu.Unlock()
	for i := 0; i < DefaultQueueSize+5; i++ {
		bus.Publish(TopicTickUpdate, i)
	}
	bus.mu.Lock()
	bus.running = false
	bus.mu.Unlock()
	bus.Start()
	defer bus.Stop(time.Second)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == DefaultQueueSize
	})

	mu.Lock()
	defer mu.Unlock()
	last := seen[len(seen)-1]
	if last != DefaultQueueSize+4 {
		t.Fatalf("newest tick %d was dropped, tail is %d", DefaultQueueSize+4, last)
	}
}
