// Package stub is a scriptable in-memory llmprovider.Provider used by the
// task execution core's own tests to reproduce the end-to-end scenarios
// (S1-S5) without shelling out to a real agent binary.
package stub

import (
	"context"
	"sync"

	"github.com/relaydesk/taskcore/internal/llmprovider"
)

// Call is one scripted Execute outcome. If StreamEvents is non-empty they
// are delivered to the request's OnStream callback, in order, before the
// final Response/Err is returned.
type Call struct {
	StreamEvents []llmprovider.StreamEvent
	Response     *llmprovider.Response
	Err          error
	Delay        func() // optional: blocks before returning, used to simulate slow providers
}

// Provider replays a scripted sequence of Calls, one per invocation of
// Execute; the last Call repeats once the script is exhausted.
type Provider struct {
	mu        sync.Mutex
	script    []Call
	callCount int
	healthy   bool
}

// New returns a stub provider that replays calls in order.
func New(calls ...Call) *Provider {
	return &Provider{script: calls, healthy: true}
}

// CallCount returns how many times Execute has been invoked so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

func (p *Provider) Execute(ctx context.Context, req llmprovider.Request) (*llmprovider.Response, error) {
	p.mu.Lock()
	idx := p.callCount
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	call := p.script[idx]
	p.callCount++
	p.mu.Unlock()

	if call.Delay != nil {
		call.Delay()
	}

	for _, event := range call.StreamEvents {
		if req.OnStream == nil {
			continue
		}
		if err := req.OnStream(ctx, event); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if call.Err != nil {
		return nil, call.Err
	}
	if call.Response == nil {
		return &llmprovider.Response{}, nil
	}
	resp := *call.Response
	return &resp, nil
}

func (p *Provider) Healthcheck(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// SetHealthy lets tests flip the healthcheck result.
func (p *Provider) SetHealthy(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = v
}
