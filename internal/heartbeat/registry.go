package heartbeat

import (
	"context"
	"sync"
)

// mutexMap tracks the cancel func for each task id's supervisor loop,
// grounded on the teacher's cancelFuncs map + sync.RWMutex pattern
// (task_execution_service.go). Private to the Service; serialises
// Start/Stop/StopAll.
type mutexMap struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newMutexMap() mutexMap {
	return mutexMap{cancels: make(map[string]context.CancelFunc)}
}

// registerOrSkip derives a cancellable context from parent and records its
// cancel func under taskID, unless one is already registered (at most one
// supervisor per task). Returns (nil, nil) when a supervisor is already
// attached.
func (m *mutexMap) registerOrSkip(taskID string, parent context.Context) (context.Context, context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cancels[taskID]; exists {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	m.cancels[taskID] = cancel
	return ctx, cancel
}

// deregister removes taskID's entry without invoking its cancel func
// (used from the loop's own cleanup path, where cancel is already
// deferred separately).
func (m *mutexMap) deregister(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, taskID)
}

// cancel invokes and removes taskID's cancel func, if present.
func (m *mutexMap) cancel(taskID string) {
	m.mu.Lock()
	cancel, exists := m.cancels[taskID]
	if exists {
		delete(m.cancels, taskID)
	}
	m.mu.Unlock()
	if exists {
		cancel()
	}
}

// cancelAll invokes every registered cancel func and clears the map.
func (m *mutexMap) cancelAll() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = make(map[string]context.CancelFunc)
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
