package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/taskcore/internal/events"
	"github.com/relaydesk/taskcore/internal/task"
	"github.com/relaydesk/taskcore/internal/task/memstore"
)

func waitForCondition(t *testing.T, cond func() bool) {
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

func newStore(t *testing.T, id, workingDir string, lastActivityAgo time.Duration) *memstore.Store {
	t.Helper()
	s := memstore.New()
	now := time.Now().UTC()
	rec := &task.Record{
		ID:             id,
		WorkingDir:     workingDir,
		Status:         task.StatusRunning,
		CreatedAt:      now.Add(-time.Hour),
		LastActivityAt: now.Add(-lastActivityAgo),
	}
	require.NoError(t, s.Create(context.Background(), rec))
	return s
}

func TestHeartbeatPublishesProgressOnTick(t *testing.T) {
	store := newStore(t, "h1", "/repo/a", time.Second)
	bus := events.New(0)
	bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var progressSeen bool
	bus.Subscribe(events.KindProgress, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		progressSeen = true
	})

	svc := NewService(store, bus, Settings{Interval: 10 * time.Millisecond, Timeout: time.Hour}, nil)
	svc.Start(context.Background(), "h1")
	defer svc.StopAll()

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return progressSeen
	})
}

func TestHeartbeatPublishesTimeoutWhenIdleExceedsThreshold(t *testing.T) {
	store := newStore(t, "h2", "/repo/a", time.Hour)
	bus := events.New(0)
	bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var timedOut bool
	bus.Subscribe(events.KindTimeout, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		timedOut = true
	})

	svc := NewService(store, bus, Settings{Interval: 10 * time.Millisecond, Timeout: time.Second}, nil)
	svc.Start(context.Background(), "h2")
	defer svc.StopAll()

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return timedOut
	})
}

func TestHeartbeatStopDeregistersAtMostOneSupervisorPerTask(t *testing.T) {
	store := newStore(t, "h3", "/repo/a", time.Second)
	bus := events.New(0)
	bus.Start()
	defer bus.Stop()

	svc := NewService(store, bus, Settings{Interval: time.Hour, Timeout: time.Hour}, nil)
	ctx := context.Background()

	svc.Start(ctx, "h3")
	svc.Start(ctx, "h3") // second Start for the same id must be a no-op

	svc.mu.mu.Lock()
	count := len(svc.mu.cancels)
	svc.mu.mu.Unlock()
	assert.Equal(t, 1, count)

	svc.Stop("h3")
	waitForCondition(t, func() bool {
		svc.mu.mu.Lock()
		defer svc.mu.mu.Unlock()
		_, exists := svc.mu.cancels["h3"]
		return !exists
	})
}

func TestHeartbeatStopsWhenTaskNoLongerRunning(t *testing.T) {
	store := newStore(t, "h4", "/repo/a", time.Second)
	require.NoError(t, store.UpdateStatus(context.Background(), "h4", task.StatusCompleted))

	bus := events.New(0)
	bus.Start()
	defer bus.Stop()

	svc := NewService(store, bus, Settings{Interval: 10 * time.Millisecond, Timeout: time.Hour}, nil)
	svc.Start(context.Background(), "h4")

	waitForCondition(t, func() bool {
		svc.mu.mu.Lock()
		defer svc.mu.mu.Unlock()
		_, exists := svc.mu.cancels["h4"]
		return !exists
	})
}
