// Package executor runs scheduled tasks: it guarantees a single in-flight run
// per task, dispatches to the handler registered for the task kind, retries
// failed logins and records the outcome on the task and its execution log.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/model"
	"github.com/t77yq/autologin/internal/scheduler"
	"github.com/t77yq/autologin/internal/storage"
)

// maxResultLength bounds last_result, in runes
const maxResultLength = 500

// TaskHandler defines the interface for task handlers
type TaskHandler interface {
	Execute(ctx context.Context, task *model.ScheduledTask) (*TaskResult, error)
}

// TaskResult is what a handler reports for one run
type TaskResult struct {
	Success     bool
	Message     string
	ErrorDetail string
	Data        *model.ExecutionData
}

// RunObserver is notified after every finalized run
type RunObserver interface {
	ObserveRun(ctx context.Context, result *model.ExecutionResult) error
}

// Store is the persistence the coordinator needs
type Store interface {
	storage.TaskStore
	storage.ExecutionLogStore
}

// Coordinator manages task execution
type Coordinator struct {
	logger    *zap.Logger
	store     Store
	running   *RunningSet
	handlers  map[model.TaskKind]TaskHandler
	observers []RunObserver
	tolerance time.Duration
	now       func() time.Time
}

// NewCoordinator creates a coordinator tracking runs in running
func NewCoordinator(store Store, running *RunningSet, logger *zap.Logger) *Coordinator {
	if running == nil {
		running = NewRunningSet()
	}
	return &Coordinator{
		logger:    logger.Named("executor"),
		store:     store,
		running:   running,
		handlers:  make(map[model.TaskKind]TaskHandler),
		tolerance: scheduler.DefaultTolerance,
		now:       time.Now,
	}
}

// SetTolerance sets the due window used to tell scheduled runs from manual ones.
// It must match the scheduler loop's tolerance.
func (c *Coordinator) SetTolerance(tolerance time.Duration) {
	if tolerance > 0 {
		c.tolerance = tolerance
	}
}

// RegisterHandler registers a task handler
func (c *Coordinator) RegisterHandler(kind model.TaskKind, handler TaskHandler) {
	c.handlers[kind] = handler
}

// AddObserver registers an observer of finished runs
func (c *Coordinator) AddObserver(observer RunObserver) {
	c.observers = append(c.observers, observer)
}

// Running reports whether task id has a run in flight
func (c *Coordinator) Running(id int64) bool {
	return c.running.Contains(id)
}

// RunningTasks returns the ids of tasks with a run in flight
func (c *Coordinator) RunningTasks() []int64 {
	return c.running.IDs()
}

// RunByID loads a task and runs it
func (c *Coordinator) RunByID(ctx context.Context, id int64) (bool, string, error) {
	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		return false, "", fmt.Errorf("failed to load task: %w", err)
	}
	ok, message := c.Run(ctx, task)
	return ok, message, nil
}

// Run executes task once and records the outcome. It never panics and always
// reports. A task that already has a run in flight is rejected before dispatch.
func (c *Coordinator) Run(ctx context.Context, task *model.ScheduledTask) (success bool, message string) {
	if !c.running.TryAdd(task.ID) {
		c.logger.Warn("Task already running, skipping", zap.Int64("task_id", task.ID))
		return false, ErrAlreadyRunning.Error()
	}
	defer c.running.Remove(task.ID)

	logger := c.logger.With(
		zap.Int64("task_id", task.ID),
		zap.String("task_name", task.Name))

	// records must land even when the run itself was cancelled
	bookCtx := context.WithoutCancel(ctx)
	var entry *model.ExecutionLog

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task bookkeeping panicked", zap.Any("panic", r), zap.Stack("stack"))
			success, message = false, fmt.Sprintf("task bookkeeping exception: %v", r)
			c.abandon(bookCtx, logger, entry, message)
		}
	}()

	start := c.now().UTC()
	entry = &model.ExecutionLog{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Status:    model.ExecutionStatusRunning,
		StartedAt: start,
	}
	if err := c.store.CreateExecutionLog(bookCtx, entry); err != nil {
		logger.Error("Failed to store execution log", zap.Error(err))
		entry = nil
	}

	logger.Info("Task run started", zap.String("kind", string(task.Kind)))

	result := c.execute(ctx, logger, task)
	c.complete(bookCtx, logger, task, entry, start, result)
	return result.Success, result.Message
}

// execute dispatches to the handler and converts every failure into a result
func (c *Coordinator) execute(ctx context.Context, logger *zap.Logger, task *model.ScheduledTask) (result *TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = &TaskResult{
				Message:     fmt.Sprintf("task execution exception: %v", r),
				ErrorDetail: fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	handler, ok := c.handlers[task.Kind]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownTaskKind, task.Kind)
		return &TaskResult{Message: err.Error(), ErrorDetail: err.Error()}
	}

	res, err := handler.Execute(ctx, task)
	if err != nil {
		return &TaskResult{
			Message:     fmt.Sprintf("task execution failed: %v", err),
			ErrorDetail: err.Error(),
		}
	}
	if res == nil {
		return &TaskResult{Message: "task handler returned no result"}
	}
	return res
}

func (c *Coordinator) complete(ctx context.Context, logger *zap.Logger, task *model.ScheduledTask, entry *model.ExecutionLog, start time.Time, result *TaskResult) {
	end := c.now().UTC()
	duration := end.Sub(start)

	status := model.ExecutionStatusFailed
	if result.Success {
		status = model.ExecutionStatusSuccess
	}

	// a scheduled run picked up early must not land on the occurrence it just
	// served; a manual run keeps the upcoming occurrence
	from := end
	if task.NextRunTime != nil && task.NextRunTime.After(from) &&
		scheduler.IsDueAt(*task.NextRunTime, start, c.tolerance) {
		from = *task.NextRunTime
	}
	var next *time.Time
	if t, err := scheduler.NextRun(task.CronExpression, task.Timezone, from); err != nil {
		logger.Error("Failed to compute next run time",
			zap.String("cron", task.CronExpression),
			zap.Error(err))
	} else {
		next = &t
	}

	if err := c.store.RecordRun(ctx, task.ID, storage.RunUpdate{
		RanAt:       start,
		Success:     result.Success,
		LastResult:  truncateRunes(result.Message, maxResultLength),
		NextRunTime: next,
	}); err != nil {
		logger.Error("Failed to update task", zap.Error(err))
	}

	var logID string
	if entry != nil {
		entry.Status = status
		entry.CompletedAt = &end
		entry.Duration = duration
		entry.Message = result.Message
		entry.ErrorDetail = result.ErrorDetail
		if result.Data != nil {
			data, err := json.Marshal(result.Data)
			if err != nil {
				logger.Error("Failed to marshal execution data", zap.Error(err))
			} else {
				entry.Data = data
			}
		}

		if err := c.store.FinalizeExecutionLog(ctx, entry); err != nil {
			logger.Error("Failed to finalize execution log",
				zap.String("log_id", entry.ID),
				zap.Error(err))
		}
		logID = entry.ID
	}

	logger.Info("Task run finished",
		zap.Bool("success", result.Success),
		zap.Duration("duration", duration),
		zap.Timep("next_run_time", next))

	report := &model.ExecutionResult{
		TaskID:      task.ID,
		TaskName:    task.Name,
		LogID:       logID,
		Status:      status,
		Message:     result.Message,
		Duration:    duration,
		NextRunTime: next,
		CompletedAt: end,
	}
	if result.Data != nil {
		report.Accounts = result.Data.Accounts
	}

	for _, observer := range c.observers {
		if err := observer.ObserveRun(ctx, report); err != nil {
			logger.Error("Failed to publish run result", zap.Error(err))
		}
	}
}

// abandon marks a log that bookkeeping left in running state as failed
func (c *Coordinator) abandon(ctx context.Context, logger *zap.Logger, entry *model.ExecutionLog, message string) {
	if entry == nil {
		return
	}

	end := c.now().UTC()
	failed := *entry
	failed.Status = model.ExecutionStatusFailed
	failed.CompletedAt = &end
	failed.Duration = end.Sub(entry.StartedAt)
	failed.Message = message
	failed.ErrorDetail = message

	err := c.store.FinalizeExecutionLog(ctx, &failed)
	if err != nil && !errors.Is(err, storage.ErrLogAlreadyFinalized) {
		logger.Error("Failed to finalize execution log",
			zap.String("log_id", entry.ID),
			zap.Error(err))
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
