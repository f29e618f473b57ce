// Package heartbeat implements the per-task periodic supervisor: it reads
// the task record on a fixed interval, classifies a stage from recent
// output, emits Progress events, and detects idle tasks to emit Timeout.
// Grounded on the original Python src/tasks/heartbeat.py's loop and the
// teacher's stopCh/doneCh ticker-goroutine shutdown idiom
// (background_progress_listener.go).
package heartbeat

import (
	"context"
	"time"

	"github.com/relaydesk/taskcore/internal/async"
	"github.com/relaydesk/taskcore/internal/events"
	"github.com/relaydesk/taskcore/internal/logging"
	"github.com/relaydesk/taskcore/internal/metrics"
	"github.com/relaydesk/taskcore/internal/task"
)

// Settings configures the supervisor loop's timing.
type Settings struct {
	Interval time.Duration // default 60s
	Timeout  time.Duration // default 300s, idle threshold for Timeout
}

func (s Settings) withDefaults() Settings {
	if s.Interval <= 0 {
		s.Interval = 60 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 300 * time.Second
	}
	return s
}

// Service manages one supervisor loop per running task. At most one
// supervisor exists per task id at a time.
type Service struct {
	store    task.Store
	bus      *events.Bus
	settings Settings
	patterns []StagePattern
	logger   logging.Logger
	metrics  *metrics.Registry

	mu mutexMap
}

// NewService constructs a Heartbeat Service. A nil patterns slice falls
// back to DefaultStagePatterns.
func NewService(store task.Store, bus *events.Bus, settings Settings, patterns []StagePattern) *Service {
	if patterns == nil {
		patterns = DefaultStagePatterns
	}
	return &Service{
		store:    store,
		bus:      bus,
		settings: settings.withDefaults(),
		patterns: patterns,
		logger:   logging.NewComponentLogger("HeartbeatService"),
		mu:       newMutexMap(),
	}
}

// WithMetrics attaches a metrics.Registry the Service increments on every
// tick. Optional.
func (s *Service) WithMetrics(reg *metrics.Registry) *Service {
	s.metrics = reg
	return s
}

// Start attaches a supervisor loop for taskID. If one is already attached
// it is a no-op (at most one supervisor per task).
func (s *Service) Start(ctx context.Context, taskID string) {
	cancelCtx, cancel := s.mu.registerOrSkip(taskID, ctx)
	if cancelCtx == nil {
		return
	}
	async.Go(s.logger, "heartbeat.loop", func() {
		s.loop(cancelCtx, taskID, cancel)
	})
}

// Stop detaches the supervisor for taskID, if any.
func (s *Service) Stop(taskID string) {
	s.mu.cancel(taskID)
}

// StopAll detaches every running supervisor. Used at shutdown.
func (s *Service) StopAll() {
	s.mu.cancelAll()
}

func (s *Service) loop(ctx context.Context, taskID string, cancel context.CancelFunc) {
	defer cancel()
	defer s.mu.deregister(taskID)

	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(ctx, taskID) {
				return
			}
		}
	}
}

// tick runs one supervisor cycle. It returns false when the loop should
// terminate (task gone, not running, or timed out).
func (s *Service) tick(ctx context.Context, taskID string) bool {
	if s.metrics != nil {
		s.metrics.HeartbeatTicks.Inc()
	}
	rec, err := s.store.Get(ctx, taskID)
	if err != nil {
		s.logger.Warn("heartbeat: get task %s failed: %v", taskID, err)
		return true
	}
	if rec == nil || rec.Status != task.StatusRunning {
		return false
	}

	now := time.Now().UTC()
	elapsed := now.Sub(rec.CreatedAt).Seconds()
	idle := now.Sub(rec.LastActivityAt).Seconds()

	base := events.Base{
		TaskID:         taskID,
		ElapsedSeconds: elapsed,
		Cost:           rec.AccumulatedCost,
		ChatID:         rec.ChatID,
		ThreadID:       rec.ThreadID,
	}

	if idle > s.settings.Timeout.Seconds() {
		s.bus.Publish(events.Timeout{
			Base:            base,
			DurationSeconds: elapsed,
			IdleSeconds:     idle,
		})
		return false
	}

	lastOutput := ""
	if rec.LastOutput != nil {
		lastOutput = *rec.LastOutput
	}
	stage := classifyStage(s.patterns, lastOutput)
	s.bus.Publish(events.Progress{Base: base, Stage: stage})
	return true
}
