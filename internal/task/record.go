// Package task defines the Task record, its lifecycle invariants, and the
// Repository contract that durable stores implement.
package task

import "time"

// Status is the task lifecycle state. Transitions are monotonic and
// one-way: Running -> {Completed, Failed, Stopped}. No other transitions
// are valid.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// CommitRef is one side-effect evidence entry: a version-control commit
// observed in the task's working directory during its run, whose message
// matched the marker the Manager searches for.
type CommitRef struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// Record is the central persisted entity: one background agent task.
type Record struct {
	ID                 string
	UserID              int64
	WorkingDir          string
	Prompt              string
	Status              Status
	ContinuationHandle  *string
	CreatedAt           time.Time
	FinishedAt          *time.Time
	AccumulatedCost     float64
	Turns               int
	LastOutput          *string
	LastActivityAt      time.Time
	ResultSummary       *string
	ErrorMessage        *string
	Commits             []CommitRef
	ChatID              int64
	ThreadID            *string
}

// normalizeTimes coerces legacy naive timestamps to UTC. Called from Clone,
// which the in-memory store applies to every record it hands back; the
// Postgres store's scan path does not call it. Keeps expiry/elapsed
// arithmetic from mixing naive and aware values.
func (r *Record) normalizeTimes() {
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastActivityAt = r.LastActivityAt.UTC()
	if r.FinishedAt != nil {
		t := r.FinishedAt.UTC()
		r.FinishedAt = &t
	}
}

// Clone returns a deep-enough copy safe to hand to a caller without
// aliasing mutable fields (Commits slice, pointer fields).
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.ContinuationHandle != nil {
		v := *r.ContinuationHandle
		out.ContinuationHandle = &v
	}
	if r.FinishedAt != nil {
		v := *r.FinishedAt
		out.FinishedAt = &v
	}
	if r.LastOutput != nil {
		v := *r.LastOutput
		out.LastOutput = &v
	}
	if r.ResultSummary != nil {
		v := *r.ResultSummary
		out.ResultSummary = &v
	}
	if r.ErrorMessage != nil {
		v := *r.ErrorMessage
		out.ErrorMessage = &v
	}
	if r.ThreadID != nil {
		v := *r.ThreadID
		out.ThreadID = &v
	}
	if r.Commits != nil {
		out.Commits = append([]CommitRef(nil), r.Commits...)
	}
	out.normalizeTimes()
	return &out
}
