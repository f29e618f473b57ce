package events

import (
	"sync"

	"github.com/relaydesk/taskcore/internal/async"
	"github.com/relaydesk/taskcore/internal/logging"
	"github.com/relaydesk/taskcore/internal/metrics"
)

// Handler is the uniform "handle(event)" capability the bus invokes for
// every subscriber. Handlers must not block indefinitely; they run on the
// bus's single dispatcher goroutine and a slow handler delays delivery to
// every other handler of every other event.
type Handler func(Event)

// Bus is an in-process, at-least-once, asynchronous publish/subscribe bus
// indexed by event Kind. Publish never blocks on handler execution.
type Bus struct {
	logger  logging.Logger
	metrics *metrics.Registry

	mu       sync.RWMutex
	handlers map[Kind][]Handler

	queue   chan Event
	started bool
	stopped chan struct{}
	done    chan struct{}
}

// WithMetrics attaches a metrics.Registry the Bus increments per dispatched
// event kind. Optional.
func (b *Bus) WithMetrics(reg *metrics.Registry) *Bus {
	b.metrics = reg
	return b
}

// New returns a Bus with the given internal queue depth. Publish before
// Start is permitted; events are buffered on the queue channel until
// Start's dispatcher goroutine begins draining it.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Bus{
		logger:   logging.NewComponentLogger("EventBus"),
		handlers: make(map[Kind][]Handler),
		queue:    make(chan Event, queueDepth),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe registers handler for kind. Multiple handlers per kind are
// allowed; delivery order among handlers of the same kind is unspecified.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// Publish enqueues event for asynchronous delivery. It returns promptly
// without waiting on any handler. Safe to call from any concurrency
// context, including from inside another handler.
func (b *Bus) Publish(event Event) {
	select {
	case b.queue <- event:
	case <-b.stopped:
	}
}

// Start launches the dispatcher goroutine. Calling Start more than once is
// a no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	async.Go(b.logger, "events.dispatch", func() {
		defer close(b.done)
		for {
			select {
			case event, ok := <-b.queue:
				if !ok {
					return
				}
				b.dispatch(event)
			case <-b.stopped:
				b.drainRemaining()
				return
			}
		}
	})
}

func (b *Bus) drainRemaining() {
	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(event Event) {
	if b.metrics != nil {
		b.metrics.BusEvents.WithLabelValues(event.Kind().String()).Inc()
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Kind()]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(handler, event)
	}
}

func (b *Bus) invoke(handler Handler, event Event) {
	defer async.Recover(b.logger, "events.handler")
	handler(event)
}

// Stop signals the dispatcher to drain whatever remains in the queue and
// exit, then blocks until it has done so.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	select {
	case <-b.stopped:
	default:
		close(b.stopped)
	}
	<-b.done
}
