// Package memstore is an in-memory Task Repository, grounded on the
// teacher's file-backed local task store: a mutex-protected map plus the
// same functional-options update shape, minus the file persistence (the
// demonstration binary's default, test-friendly store).
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/relaydesk/taskcore/internal/task"
	"github.com/relaydesk/taskcore/internal/taskerr"
)

// Store is an in-memory task.Store. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]*task.Record
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*task.Record)}
}

func (s *Store) Create(_ context.Context, record *task.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return &taskerr.DuplicateID{ID: record.ID}
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, newStatus task.Status, opts ...task.UpdateStatusOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return &taskerr.NotFound{TaskID: id}
	}
	params := task.ApplyUpdateStatusOptions(opts)
	rec.Status = newStatus
	now := time.Now().UTC()
	rec.LastActivityAt = now
	if newStatus == task.StatusCompleted || newStatus == task.StatusFailed {
		finished := now
		rec.FinishedAt = &finished
	}
	if params.ResultSummary != nil {
		rec.ResultSummary = params.ResultSummary
	}
	if params.ErrorMessage != nil {
		rec.ErrorMessage = params.ErrorMessage
	}
	if params.ContinuationHandle != nil {
		rec.ContinuationHandle = params.ContinuationHandle
	}
	if params.Commits != nil {
		rec.Commits = params.Commits
	}
	return nil
}

func (s *Store) UpdateProgress(_ context.Context, id string, costDelta float64, lastOutput *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return &taskerr.NotFound{TaskID: id}
	}
	rec.AccumulatedCost += costDelta
	rec.Turns++
	if lastOutput != nil {
		rec.LastOutput = lastOutput
	}
	rec.LastActivityAt = time.Now().UTC()
	return nil
}

func (s *Store) GetRunningForProject(_ context.Context, workingDir string) (*task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.WorkingDir == workingDir && rec.Status == task.StatusRunning {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

func (s *Store) GetAllRunning(_ context.Context) ([]*task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Record, 0)
	for _, rec := range s.records {
		if rec.Status == task.StatusRunning {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *Store) CountRunning(ctx context.Context) (int, error) {
	all, err := s.GetAllRunning(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *Store) GetLastFinishedForProject(_ context.Context, workingDir string) (*task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *task.Record
	for _, rec := range s.records {
		if rec.WorkingDir != workingDir {
			continue
		}
		if rec.Status != task.StatusCompleted && rec.Status != task.StatusFailed {
			continue
		}
		if rec.FinishedAt == nil {
			continue
		}
		if best == nil || best.FinishedAt == nil || rec.FinishedAt.After(*best.FinishedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}
