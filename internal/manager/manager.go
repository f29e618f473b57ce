// Package manager implements the Task Manager: the core orchestrator that
// enforces admission, launches supervised executions, accumulates cost
// against a hard ceiling, retries once on transient failures, finalises
// task state, publishes lifecycle events, and recovers orphans on
// startup. Grounded primarily on the original Python src/tasks/manager.py
// for the exact algorithm, and on the teacher's
// internal/delivery/server/app/task_execution_service.go for the Go
// concurrency idiom (cancel-func map, async.Go spawning).
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/relaydesk/taskcore/internal/async"
	"github.com/relaydesk/taskcore/internal/events"
	"github.com/relaydesk/taskcore/internal/heartbeat"
	"github.com/relaydesk/taskcore/internal/llmprovider"
	"github.com/relaydesk/taskcore/internal/logging"
	"github.com/relaydesk/taskcore/internal/metrics"
	"github.com/relaydesk/taskcore/internal/task"
	"github.com/relaydesk/taskcore/internal/taskerr"
)

// Settings is the narrow configuration view the Manager needs, per
// spec §4.5: a global concurrency cap, a per-task cost ceiling, and an
// optional background model override. Retry timing lives here too since
// the Manager owns the retry policy.
type Settings struct {
	MaxConcurrentTasks int
	TaskMaxCost        float64
	BackgroundModel    string
	RetryDelay         time.Duration
}

// handle is the Manager's in-process record of one running execution
// unit: its cancel func and the record's creation time. The side-effect
// commit query is bounded by runExecution's own start time, not by
// startedAt.
type handle struct {
	cancel    context.CancelCauseFunc
	startedAt time.Time
}

// Manager is the core orchestrator. One Manager owns one running-tasks
// map; create exactly one per process.
type Manager struct {
	provider  llmprovider.Provider
	store     task.Store
	bus       *events.Bus
	heartbeat *heartbeat.Service
	settings  Settings
	logger    logging.Logger
	metrics   *metrics.Registry

	admissionMu sync.Mutex // serializes start_task's check-and-persist critical section

	tasksMu sync.Mutex // protects running below
	running map[string]*handle
}

// New constructs a Manager. Call Recover once before accepting new tasks.
func New(provider llmprovider.Provider, store task.Store, bus *events.Bus, hb *heartbeat.Service, settings Settings) *Manager {
	return &Manager{
		provider:  provider,
		store:     store,
		bus:       bus,
		heartbeat: hb,
		settings:  settings,
		logger:    logging.NewComponentLogger("TaskManager"),
		running:   make(map[string]*handle),
	}
}

// WithMetrics attaches a metrics.Registry the Manager updates on every
// admission, completion, failure, and stop. Optional.
func (m *Manager) WithMetrics(reg *metrics.Registry) *Manager {
	m.metrics = reg
	return m
}

// StartTaskRequest bundles start_task's inputs.
type StartTaskRequest struct {
	Prompt             string
	WorkingDir         string
	UserID             int64
	ChatID             int64
	ThreadID           *string
	ContinuationHandle *string
}

// StartTask implements §4.5.1 Admission. It returns the new task id, or a
// *taskerr.ProjectBusy / *taskerr.CapacityExceeded on admission failure.
func (m *Manager) StartTask(ctx context.Context, req StartTaskRequest) (string, error) {
	taskID, rec, err := m.admit(ctx, req)
	if err != nil {
		return "", err
	}

	if m.metrics != nil {
		m.metrics.TasksStarted.Inc()
		m.metrics.TasksRunning.Inc()
	}

	m.bus.Publish(events.Started{
		Base: events.Base{
			TaskID: taskID,
			ChatID: rec.ChatID,
			ThreadID: rec.ThreadID,
		},
		WorkingDir: rec.WorkingDir,
		Prompt:     rec.Prompt,
		UserID:     rec.UserID,
	})

	launchCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h := &handle{cancel: cancel, startedAt: rec.CreatedAt}

	m.tasksMu.Lock()
	m.running[taskID] = h
	m.tasksMu.Unlock()

	m.heartbeat.Start(launchCtx, taskID)

	async.Go(m.logger, "manager.execute", func() {
		m.runExecution(launchCtx, taskID, rec.Clone())
	})

	return taskID, nil
}

// admit performs the atomic admission check-and-persist (§4.5.1 steps
// 1-4): serialized end-to-end against other admissions by admissionMu, so
// two callers can never race for the same project or the last concurrency
// slot.
func (m *Manager) admit(ctx context.Context, req StartTaskRequest) (string, *task.Record, error) {
	m.admissionMu.Lock()
	defer m.admissionMu.Unlock()

	existing, err := m.store.GetRunningForProject(ctx, req.WorkingDir)
	if err != nil {
		return "", nil, err
	}
	if existing != nil {
		return "", nil, &taskerr.ProjectBusy{WorkingDir: req.WorkingDir, ExistingTask: existing.ID}
	}

	count, err := m.store.CountRunning(ctx)
	if err != nil {
		return "", nil, err
	}
	if count >= m.settings.MaxConcurrentTasks {
		return "", nil, &taskerr.CapacityExceeded{Running: count, Max: m.settings.MaxConcurrentTasks}
	}

	const maxIDAttempts = 5
	var taskID string
	var rec *task.Record
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := newTaskID()
		if err != nil {
			return "", nil, err
		}
		now := time.Now().UTC()
		candidate := &task.Record{
			ID:                 id,
			UserID:             req.UserID,
			WorkingDir:         req.WorkingDir,
			Prompt:             req.Prompt,
			Status:             task.StatusRunning,
			ContinuationHandle: req.ContinuationHandle,
			CreatedAt:          now,
			AccumulatedCost:    0,
			Turns:              0,
			LastActivityAt:     now,
			ChatID:             req.ChatID,
			ThreadID:           req.ThreadID,
		}
		if err := m.store.Create(ctx, candidate); err != nil {
			var dup *taskerr.DuplicateID
			if isDuplicateID(err, &dup) {
				continue // statistical collision, retry id generation
			}
			return "", nil, err
		}
		taskID = id
		rec = candidate
		break
	}
	if rec == nil {
		return "", nil, &taskerr.IDGenerationExhausted{Attempts: maxIDAttempts}
	}
	return taskID, rec, nil
}

func isDuplicateID(err error, target **taskerr.DuplicateID) bool {
	if d, ok := err.(*taskerr.DuplicateID); ok {
		*target = d
		return true
	}
	return false
}

// StopTask implements §4.5.2: idempotent cancellation of a running task.
func (m *Manager) StopTask(ctx context.Context, taskID string) error {
	m.tasksMu.Lock()
	h, exists := m.running[taskID]
	if exists {
		delete(m.running, taskID)
	}
	m.tasksMu.Unlock()

	if exists {
		h.cancel(&taskerr.Cancelled{TaskID: taskID})
		if m.metrics != nil {
			m.metrics.TasksStopped.Inc()
			m.metrics.TasksRunning.Dec()
		}
	}
	m.heartbeat.Stop(taskID)

	return m.store.UpdateStatus(ctx, taskID, task.StatusStopped)
}

// Recover implements §4.5.4: marks every orphaned running record as failed
// at process startup, when every "running" record is by definition an
// orphan (no process is yet executing anything). No events are published
// for recovered orphans. Must not be called periodically against a live
// process — use SweepOrphans for that.
func (m *Manager) Recover(ctx context.Context) error {
	running, err := m.store.GetAllRunning(ctx)
	if err != nil {
		return err
	}
	for _, rec := range running {
		reason := "process restarted; task aborted"
		if err := m.store.UpdateStatus(ctx, rec.ID, task.StatusFailed, task.WithErrorMessage(reason)); err != nil {
			m.logger.Error("recover: failed to mark task %s failed: %v", rec.ID, err)
			continue
		}
		m.logger.Warn("recover: marked orphaned task %s failed (was running in %s)", rec.ID, rec.WorkingDir)
	}
	return nil
}

// SweepOrphans is the periodic, in-process-safe counterpart to Recover: it
// fails only store-running records that have no live in-process handle
// (handle vanished — e.g. the goroutine died without finalizing the
// record), never a task this Manager is still actively executing. Safe to
// run repeatedly against a live process, unlike Recover.
func (m *Manager) SweepOrphans(ctx context.Context) error {
	running, err := m.store.GetAllRunning(ctx)
	if err != nil {
		return err
	}
	for _, rec := range running {
		m.tasksMu.Lock()
		_, live := m.running[rec.ID]
		m.tasksMu.Unlock()
		if live {
			continue
		}
		reason := "orphaned: no live execution handle found for running task"
		if err := m.store.UpdateStatus(ctx, rec.ID, task.StatusFailed, task.WithErrorMessage(reason)); err != nil {
			m.logger.Error("sweep: failed to mark task %s failed: %v", rec.ID, err)
			continue
		}
		m.logger.Warn("sweep: marked orphaned task %s failed (was running in %s)", rec.ID, rec.WorkingDir)
	}
	return nil
}

// HasRunning reports whether a task is currently running for path.
func (m *Manager) HasRunning(ctx context.Context, path string) (bool, error) {
	rec, err := m.store.GetRunningForProject(ctx, path)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// GetRunning returns the running record for path, if any.
func (m *Manager) GetRunning(ctx context.Context, path string) (*task.Record, error) {
	return m.store.GetRunningForProject(ctx, path)
}

// GetAllRunning returns every currently running record.
func (m *Manager) GetAllRunning(ctx context.Context) ([]*task.Record, error) {
	return m.store.GetAllRunning(ctx)
}

// Get returns the record for id, or nil if it does not exist.
func (m *Manager) Get(ctx context.Context, id string) (*task.Record, error) {
	return m.store.Get(ctx, id)
}

// GetForContinue returns the latest finished record for path, enabling a
// "continue previous" flow that reuses its continuation handle.
func (m *Manager) GetForContinue(ctx context.Context, path string) (*task.Record, error) {
	return m.store.GetLastFinishedForProject(ctx, path)
}
