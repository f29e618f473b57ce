package manager

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaydesk/taskcore/internal/events"
	"github.com/relaydesk/taskcore/internal/llmprovider"
	"github.com/relaydesk/taskcore/internal/task"
	"github.com/relaydesk/taskcore/internal/taskerr"
)

var tracer = otel.Tracer("taskcore/manager")

const resultSummaryLimit = 500

// runExecution is the supervised execution unit of §4.5.3. It owns a local
// accumulated-cost counter, calls the provider with a stream callback that
// enforces the cost ceiling, applies the retry-once policy, and finalises
// the task record and lifecycle event regardless of outcome.
func (m *Manager) runExecution(ctx context.Context, taskID string, rec *task.Record) {
	defer m.finishHandle(taskID)

	var span trace.Span
	ctx, span = tracer.Start(ctx, "manager.runExecution", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("working_dir", rec.WorkingDir),
	))
	defer span.End()

	start := time.Now().UTC()
	var accumulated float64
	var lastOutput string

	runOnce := func() (*llmprovider.Response, error) {
		return m.provider.Execute(ctx, llmprovider.Request{
			Prompt:             rec.Prompt,
			WorkingDir:         rec.WorkingDir,
			UserID:             rec.UserID,
			ContinuationHandle: rec.ContinuationHandle,
			Model:              m.settings.BackgroundModel,
			OnStream: func(sctx context.Context, event llmprovider.StreamEvent) error {
				accumulated += event.CostDelta
				output := event.Output
				if output == "" {
					output = event.ToolName
				}
				var outPtr *string
				if output != "" {
					lastOutput = output
					outPtr = &output
				}
				if err := m.store.UpdateProgress(sctx, taskID, event.CostDelta, outPtr); err != nil {
					m.logger.Error("execution %s: update progress failed: %v", taskID, err)
				}
				if accumulated > m.settings.TaskMaxCost {
					return &taskerr.CostLimitExceeded{TaskID: taskID, Cost: accumulated, Limit: m.settings.TaskMaxCost}
				}
				return nil
			},
		})
	}

	const maxAttempts = 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := runOnce()

		if err != nil {
			if isCancellation(ctx, err) {
				return // stop_task already set status=stopped; publish nothing
			}
			var costErr *taskerr.CostLimitExceeded
			if errors.As(err, &costErr) {
				span.SetStatus(codes.Error, costErr.Error())
				m.finalizeFailed(ctx, taskID, rec, start, accumulated, costErr.Error(), lastOutput)
				return
			}
			if attempt+1 < maxAttempts {
				if !m.sleepRetryDelay(ctx) {
					return // cancelled while waiting to retry
				}
				continue
			}
			fatal := &taskerr.ProviderFatal{Err: err, Message: err.Error()}
			span.SetStatus(codes.Error, fatal.Error())
			m.finalizeFailed(ctx, taskID, rec, start, accumulated, fatal.Error(), lastOutput)
			return
		}

		if resp.IsError {
			if attempt+1 < maxAttempts {
				if !m.sleepRetryDelay(ctx) {
					return
				}
				continue
			}
			fatal := &taskerr.ProviderFatal{Message: resp.ErrorMessage}
			span.SetStatus(codes.Error, fatal.Error())
			m.finalizeFailed(ctx, taskID, rec, start, accumulated, fatal.Error(), lastOutput)
			return
		}

		m.finalizeCompleted(ctx, taskID, rec, start, accumulated, resp)
		return
	}
}

// isCancellation reports whether err reflects cooperative cancellation of
// ctx (via stop_task), as opposed to any other provider failure.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	var cancelled *taskerr.Cancelled
	if errors.As(context.Cause(ctx), &cancelled) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// sleepRetryDelay waits the configured retry delay, returning false if ctx
// was cancelled while waiting (the loop must not retry in that case).
func (m *Manager) sleepRetryDelay(ctx context.Context) bool {
	if m.settings.RetryDelay <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(m.settings.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) finalizeCompleted(ctx context.Context, taskID string, rec *task.Record, start time.Time, accumulated float64, resp *llmprovider.Response) {
	commits := collectCommits(ctx, rec.WorkingDir, start)
	summary := truncateString(resp.Content, resultSummaryLimit)

	opts := []task.UpdateStatusOption{task.WithResultSummary(summary), task.WithCommits(toTaskCommits(commits))}
	if resp.ContinuationHandle != nil {
		opts = append(opts, task.WithContinuationHandle(*resp.ContinuationHandle))
	}
	if err := m.store.UpdateStatus(ctx, taskID, task.StatusCompleted, opts...); err != nil {
		m.logger.Error("execution %s: finalize completed failed: %v", taskID, err)
	}

	finalCost := accumulated + resp.Cost
	if m.metrics != nil {
		m.metrics.TasksCompleted.Inc()
		m.metrics.TasksRunning.Dec()
		m.metrics.TaskCost.Observe(finalCost)
	}
	m.bus.Publish(events.Completed{
		Base: events.Base{
			TaskID:         taskID,
			ElapsedSeconds: time.Since(start).Seconds(),
			Cost:           finalCost,
			ChatID:         rec.ChatID,
			ThreadID:       rec.ThreadID,
		},
		DurationSeconds: time.Since(start).Seconds(),
		Commits:         toEventCommits(commits),
		ResultSummary:   summary,
	})
}

func (m *Manager) finalizeFailed(ctx context.Context, taskID string, rec *task.Record, start time.Time, accumulated float64, errMessage string, lastOutput string) {
	if err := m.store.UpdateStatus(ctx, taskID, task.StatusFailed, task.WithErrorMessage(errMessage)); err != nil {
		m.logger.Error("execution %s: finalize failed failed: %v", taskID, err)
	}

	if m.metrics != nil {
		m.metrics.TasksFailed.Inc()
		m.metrics.TasksRunning.Dec()
		m.metrics.TaskCost.Observe(accumulated)
	}

	m.bus.Publish(events.Failed{
		Base: events.Base{
			TaskID:         taskID,
			ElapsedSeconds: time.Since(start).Seconds(),
			Cost:           accumulated,
			ChatID:         rec.ChatID,
			ThreadID:       rec.ThreadID,
		},
		DurationSeconds: time.Since(start).Seconds(),
		ErrorMessage:    errMessage,
		LastOutput:      lastOutput,
	})
}

// finishHandle guarantees the running-task map entry and heartbeat
// supervisor are released regardless of how runExecution ends, per the
// "supervised execution lifecycle" design note.
func (m *Manager) finishHandle(taskID string) {
	m.heartbeat.Stop(taskID)
	m.tasksMu.Lock()
	delete(m.running, taskID)
	m.tasksMu.Unlock()
}

// truncateString caps s at limit runes (not bytes), so a multi-byte
// codepoint straddling the cutoff is never split into an invalid tail.
func truncateString(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func toTaskCommits(commits []task.CommitRef) []task.CommitRef {
	if commits == nil {
		return []task.CommitRef{}
	}
	return commits
}

func toEventCommits(commits []task.CommitRef) []events.CommitRef {
	out := make([]events.CommitRef, 0, len(commits))
	for _, c := range commits {
		out = append(out, events.CommitRef{SHA: c.SHA, Message: c.Message})
	}
	return out
}
