// Package llmprovider defines the narrow contract the Task Manager uses to
// drive an external LLM agent, grounded on the original Python
// src/llm/interface.py's LLMResponse dataclass and LLMProvider protocol.
package llmprovider

import "context"

// StreamEvent is one intermediate event a Provider may emit during
// Execute, carrying an incremental cost and optional output/tool detail.
type StreamEvent struct {
	CostDelta float64
	Output    string
	ToolName  string
}

// StreamCallback is invoked zero or more times during Execute. It is
// called synchronously, from the same goroutine that called Execute; a
// panic or returned error aborts the call. One instance per Execute call,
// not shared across concurrent executions — see the "callback-driven
// streaming with scoped state" design note.
type StreamCallback func(ctx context.Context, event StreamEvent) error

// Response is the structured result of one Execute call.
type Response struct {
	Content            string
	ContinuationHandle *string
	Cost               float64
	DurationMS         int64
	Turns              int
	IsError            bool
	ErrorMessage        string
}

// Provider is the uniform execute-prompt contract. Errors from the
// underlying transport surface as Response.IsError; Execute itself only
// returns an error for programmer misuse (bad arguments), when the
// supplied StreamCallback returns one, or when ctx is cancelled during the
// call.
type Provider interface {
	Execute(ctx context.Context, req Request) (*Response, error)
	Healthcheck(ctx context.Context) bool
}

// Request bundles one Execute call's inputs.
type Request struct {
	Prompt             string
	WorkingDir         string
	UserID             int64
	ContinuationHandle *string
	ForceNew           bool
	Model              string
	OnStream           StreamCallback
}
