// Package events implements the task execution core's topic-indexed
// in-process event bus and its five concrete event types, grounded on the
// "tagged sum for events plus a map from tag to handler list" design note.
package events

// Base carries the fields every event variant shares.
type Base struct {
	TaskID        string
	ElapsedSeconds float64
	Cost          float64
	ChatID        int64
	ThreadID      *string
}

// Event is implemented by every concrete event variant. Kind is the
// dispatch tag the Bus indexes handlers by.
type Event interface {
	Kind() Kind
	base() Base
}

// Kind is the event-type tag subscribers register handlers against.
type Kind int

const (
	KindStarted Kind = iota
	KindProgress
	KindCompleted
	KindFailed
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "Started"
	case KindProgress:
		return "Progress"
	case KindCompleted:
		return "Completed"
	case KindFailed:
		return "Failed"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Started is published once, synchronously before the execution unit is
// spawned, so it always precedes any other event for the same task id.
type Started struct {
	Base
	WorkingDir string
	Prompt     string
	UserID     int64
}

func (e Started) Kind() Kind  { return KindStarted }
func (e Started) base() Base  { return e.Base }

// Progress is published by the Heartbeat Service on each tick where the
// task is still running and not yet idle-timed-out.
type Progress struct {
	Base
	Stage string
}

func (e Progress) Kind() Kind { return KindProgress }
func (e Progress) base() Base { return e.Base }

// Completed is published by the execution unit when the provider call
// succeeds.
type Completed struct {
	Base
	DurationSeconds float64
	Commits         []CommitRef
	ResultSummary   string
}

func (e Completed) Kind() Kind { return KindCompleted }
func (e Completed) base() Base { return e.Base }

// CommitRef mirrors task.CommitRef without importing the task package,
// keeping events free of a dependency on the Repository's domain types.
type CommitRef struct {
	SHA     string
	Message string
}

// Failed is published by the execution unit when the provider call fails
// after the retry budget (or the cost ceiling is breached).
type Failed struct {
	Base
	DurationSeconds float64
	ErrorMessage    string
	LastOutput      string
}

func (e Failed) Kind() Kind { return KindFailed }
func (e Failed) base() Base { return e.Base }

// Timeout is published by the Heartbeat Service when a task has gone idle
// past the configured threshold. It does not imply the task was stopped.
type Timeout struct {
	Base
	DurationSeconds float64
	IdleSeconds     float64
}

func (e Timeout) Kind() Kind { return KindTimeout }
func (e Timeout) base() Base { return e.Base }
