package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := New(0)
	bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var got []Kind
	bus.Subscribe(KindStarted, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Kind())
	})

	bus.Publish(Started{Base: Base{TaskID: "t1"}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
}

func TestBusPublishBeforeStartBuffers(t *testing.T) {
	bus := New(4)

	var mu sync.Mutex
	received := false
	bus.Subscribe(KindCompleted, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = true
	})

	bus.Publish(Completed{Base: Base{TaskID: "t1"}})
	bus.Start()
	defer bus.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received
	})
}

func TestBusHandlerPanicDoesNotAffectOtherHandlersOrEvents(t *testing.T) {
	bus := New(0)
	bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var secondHandlerCalls int
	var secondEventDelivered bool

	bus.Subscribe(KindFailed, func(e Event) {
		panic("boom")
	})
	bus.Subscribe(KindFailed, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		secondHandlerCalls++
	})

	bus.Publish(Failed{Base: Base{TaskID: "t1"}})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondHandlerCalls == 1
	})

	bus.Subscribe(KindTimeout, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		secondEventDelivered = true
	})
	bus.Publish(Timeout{Base: Base{TaskID: "t1"}})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondEventDelivered
	})
}

func TestBusFIFOStartedBeforeOthersForSameTask(t *testing.T) {
	bus := New(0)
	bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var order []Kind
	record := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, e.Kind())
	}
	bus.Subscribe(KindStarted, record)
	bus.Subscribe(KindProgress, record)
	bus.Subscribe(KindCompleted, record)

	bus.Publish(Started{Base: Base{TaskID: "t1"}})
	bus.Publish(Progress{Base: Base{TaskID: "t1"}, Stage: "exploring"})
	bus.Publish(Completed{Base: Base{TaskID: "t1"}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, KindStarted, order[0])
	assert.Equal(t, KindProgress, order[1])
	assert.Equal(t, KindCompleted, order[2])
}

func TestBusStopDrainsRemaining(t *testing.T) {
	bus := New(8)
	var mu sync.Mutex
	delivered := 0
	bus.Subscribe(KindProgress, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		delivered++
	})
	bus.Start()

	for i := 0; i < 5; i++ {
		bus.Publish(Progress{Base: Base{TaskID: "t1"}})
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, delivered)
}
