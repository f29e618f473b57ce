package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/taskcore/internal/task"
	"github.com/relaydesk/taskcore/internal/taskerr"
)

func newRunningRecord(id, workingDir string) *task.Record {
	now := time.Now().UTC()
	return &task.Record{
		ID:             id,
		UserID:         1,
		WorkingDir:     workingDir,
		Prompt:         "do the thing",
		Status:         task.StatusRunning,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := newRunningRecord("abc123", "/repo/a")

	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/repo/a", got.WorkingDir)

	// Mutating the returned clone must not affect stored state.
	got.WorkingDir = "/mutated"
	again, err := s.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "/repo/a", again.WorkingDir)
}

func TestCreateDuplicateIDRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRunningRecord("dup1", "/repo/a")))

	err := s.Create(ctx, newRunningRecord("dup1", "/repo/b"))
	require.Error(t, err)
	var dup *taskerr.DuplicateID
	assert.ErrorAs(t, err, &dup)
}

func TestUpdateProgressNoLostUpdateUnderConcurrency(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRunningRecord("conc1", "/repo/a")))

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = s.UpdateProgress(ctx, "conc1", 0.01, nil)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "conc1")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got.AccumulatedCost, 0.0001)
	assert.Equal(t, n, got.Turns)
}

func TestGetRunningForProjectExclusivity(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRunningRecord("r1", "/repo/a")))

	rec, err := s.GetRunningForProject(ctx, "/repo/a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "r1", rec.ID)

	none, err := s.GetRunningForProject(ctx, "/repo/b")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUpdateStatusToTerminalSetsFinishedAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRunningRecord("t1", "/repo/a")))

	summary := "done"
	require.NoError(t, s.UpdateStatus(ctx, "t1", task.StatusCompleted, task.WithResultSummary(summary)))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.ResultSummary)
	assert.Equal(t, summary, *got.ResultSummary)
}

func TestGetLastFinishedForProjectPicksMostRecent(t *testing.T) {
	s := New()
	ctx := context.Background()

	older := newRunningRecord("o1", "/repo/a")
	require.NoError(t, s.Create(ctx, older))
	require.NoError(t, s.UpdateStatus(ctx, "o1", task.StatusCompleted))

	time.Sleep(5 * time.Millisecond)

	newer := newRunningRecord("n1", "/repo/a")
	require.NoError(t, s.Create(ctx, newer))
	require.NoError(t, s.UpdateStatus(ctx, "n1", task.StatusCompleted))

	last, err := s.GetLastFinishedForProject(ctx, "/repo/a")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "n1", last.ID)
}

func TestCountRunning(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRunningRecord("c1", "/repo/a")))
	require.NoError(t, s.Create(ctx, newRunningRecord("c2", "/repo/b")))
	require.NoError(t, s.UpdateStatus(ctx, "c2", task.StatusStopped))

	count, err := s.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
