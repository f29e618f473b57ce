package task

import "context"

// UpdateStatusParams carries the optional fields update-status may set,
// applied via functional options so callers only specify what changed.
type UpdateStatusParams struct {
	ResultSummary      *string
	ErrorMessage       *string
	ContinuationHandle *string
	Commits            []CommitRef
}

// UpdateStatusOption mutates an UpdateStatusParams. Mirrors the teacher's
// TransitionOption functional-options pattern.
type UpdateStatusOption func(*UpdateStatusParams)

func WithResultSummary(s string) UpdateStatusOption {
	return func(p *UpdateStatusParams) { p.ResultSummary = &s }
}

func WithErrorMessage(s string) UpdateStatusOption {
	return func(p *UpdateStatusParams) { p.ErrorMessage = &s }
}

func WithContinuationHandle(s string) UpdateStatusOption {
	return func(p *UpdateStatusParams) { p.ContinuationHandle = &s }
}

func WithCommits(commits []CommitRef) UpdateStatusOption {
	return func(p *UpdateStatusParams) { p.Commits = commits }
}

// ApplyUpdateStatusOptions folds a slice of options into one params value.
func ApplyUpdateStatusOptions(opts []UpdateStatusOption) UpdateStatusParams {
	var p UpdateStatusParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Store is the durable Task Repository contract. Implementations must make
// UpdateProgress safe against concurrent callers for the same id (no lost
// cost updates) and must serialize the other mutating operations per
// record.
type Store interface {
	// Create persists a new record. Returns *taskerr.DuplicateID if id
	// collides with an existing record.
	Create(ctx context.Context, record *Record) error

	// Get returns the record for id, or nil if it does not exist.
	Get(ctx context.Context, id string) (*Record, error)

	// UpdateStatus atomically transitions a record's status and optional
	// terminal fields. Sets FinishedAt when newStatus is Completed or
	// Failed. Always refreshes LastActivityAt.
	UpdateStatus(ctx context.Context, id string, newStatus Status, opts ...UpdateStatusOption) error

	// UpdateProgress atomically adds costDelta (>= 0) to the accumulated
	// cost, increments the turn counter by one, optionally writes
	// lastOutput, and refreshes LastActivityAt.
	UpdateProgress(ctx context.Context, id string, costDelta float64, lastOutput *string) error

	// GetRunningForProject returns the single running record for
	// workingDir, or nil if none is running there.
	GetRunningForProject(ctx context.Context, workingDir string) (*Record, error)

	// GetAllRunning returns every record with status Running.
	GetAllRunning(ctx context.Context) ([]*Record, error)

	// CountRunning returns the cardinality of GetAllRunning.
	CountRunning(ctx context.Context) (int, error)

	// GetLastFinishedForProject returns the most recently finished
	// (Completed or Failed) record for workingDir, or nil if none.
	GetLastFinishedForProject(ctx context.Context, workingDir string) (*Record, error)
}
