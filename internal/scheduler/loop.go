package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/model"
	"github.com/t77yq/autologin/internal/storage"
)

// Runner executes a task and reports its outcome. It must never panic.
type Runner interface {
	Run(ctx context.Context, task *model.ScheduledTask) (bool, string)
	Running(id int64) bool
}

// Store is the persistence the loop polls and prunes
type Store interface {
	storage.TaskStore
	DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Config configures the scheduler loop
type Config struct {
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	Tolerance       time.Duration
	ShutdownTimeout time.Duration
	RetentionPeriod time.Duration
	JanitorInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = defaultRetentionPeriod
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = defaultJanitorInterval
	}
}

// Loop polls the store for due tasks and hands them to the runner
type Loop struct {
	logger *zap.Logger
	config Config
	store  Store
	runner Runner
	now    func() time.Time

	mu         sync.Mutex
	started    bool
	cancelLoop context.CancelFunc
	cancelRuns context.CancelFunc
	runCtx     context.Context
	loops      sync.WaitGroup
	runs       sync.WaitGroup
}

// NewLoop creates a scheduler loop
func NewLoop(config Config, store Store, runner Runner, logger *zap.Logger) *Loop {
	config.setDefaults()
	return &Loop{
		logger: logger.Named("scheduler"),
		config: config,
		store:  store,
		runner: runner,
		now:    time.Now,
	}
}

// Start starts polling and the log retention janitor
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return ErrAlreadyStarted
	}
	l.started = true

	loopCtx, cancelLoop := context.WithCancel(ctx)
	// runs survive the loop being stopped until the shutdown timeout expires
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	l.cancelLoop = cancelLoop
	l.cancelRuns = cancelRuns
	l.runCtx = runCtx

	l.loops.Add(2)
	go l.pollLoop(loopCtx)
	go l.janitorLoop(loopCtx)

	l.logger.Info("Scheduler started",
		zap.Duration("poll_interval", l.config.PollInterval),
		zap.Duration("tolerance", l.config.Tolerance))
	return nil
}

// Stop stops polling and waits for in-flight runs up to the shutdown timeout.
// Runs still going after that have their context cancelled.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancelLoop, cancelRuns := l.cancelLoop, l.cancelRuns
	l.mu.Unlock()

	cancelLoop()
	l.loops.Wait()

	done := make(chan struct{})
	go func() {
		l.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(l.config.ShutdownTimeout):
		l.logger.Warn("Shutdown timeout reached, cancelling running tasks",
			zap.Duration("timeout", l.config.ShutdownTimeout))
		cancelRuns()
		<-done
	}
	cancelRuns()

	l.logger.Info("Scheduler stopped")
}

func (l *Loop) pollLoop(ctx context.Context) {
	defer l.loops.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := l.config.PollInterval
		if _, err := l.Tick(ctx); err != nil {
			l.logger.Error("Scheduler tick failed", zap.Error(err),
				zap.Duration("backoff", l.config.ErrorBackoff))
			wait = l.config.ErrorBackoff
		}
		timer.Reset(wait)
	}
}

// Tick initializes unscheduled tasks and launches every due task that is not
// already running. It returns the number of runs launched without waiting for them.
func (l *Loop) Tick(ctx context.Context) (int, error) {
	now := l.now().UTC()

	if err := l.initializeTasks(ctx, now); err != nil {
		return 0, err
	}

	tasks, err := l.store.ListDueTasks(ctx, now.Add(l.config.Tolerance))
	if err != nil {
		return 0, err
	}

	launched := 0
	for _, task := range tasks {
		if task.NextRunTime == nil || l.runner.Running(task.ID) {
			continue
		}

		if !IsDueAt(*task.NextRunTime, now, l.config.Tolerance) {
			if now.Sub(*task.NextRunTime) > 2*l.config.Tolerance {
				l.skipMissed(ctx, task, now)
			}
			continue
		}

		l.launch(task)
		launched++
	}

	if launched > 0 {
		l.logger.Debug("Launched due tasks", zap.Int("count", launched))
	}
	return launched, nil
}

// initializeTasks computes next_run_time for enabled tasks that have none
func (l *Loop) initializeTasks(ctx context.Context, now time.Time) error {
	tasks, err := l.store.ListUnscheduledTasks(ctx)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		next, err := NextRun(task.CronExpression, task.Timezone, now)
		if err != nil {
			l.logger.Error("Failed to schedule task",
				zap.Int64("task_id", task.ID),
				zap.String("cron", task.CronExpression),
				zap.Error(err))
			continue
		}
		if err := l.store.SetNextRunTime(ctx, task.ID, next); err != nil {
			return err
		}
		l.logger.Info("Task scheduled",
			zap.Int64("task_id", task.ID),
			zap.String("task_name", task.Name),
			zap.Time("next_run", next))
	}
	return nil
}

// skipMissed moves a task whose due window passed while the loop was down to its next occurrence
func (l *Loop) skipMissed(ctx context.Context, task *model.ScheduledTask, now time.Time) {
	next, err := NextRun(task.CronExpression, task.Timezone, now)
	if err != nil {
		l.logger.Error("Failed to reschedule missed task",
			zap.Int64("task_id", task.ID),
			zap.Error(err))
		return
	}
	if err := l.store.SetNextRunTime(ctx, task.ID, next); err != nil {
		l.logger.Error("Failed to reschedule missed task",
			zap.Int64("task_id", task.ID),
			zap.Error(err))
		return
	}
	l.logger.Warn("Missed run skipped",
		zap.Int64("task_id", task.ID),
		zap.String("task_name", task.Name),
		zap.Timep("missed", task.NextRunTime),
		zap.Time("next_run", next))
}

func (l *Loop) launch(task *model.ScheduledTask) {
	l.mu.Lock()
	ctx := l.runCtx
	l.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	l.runs.Add(1)
	go func() {
		defer l.runs.Done()

		l.logger.Info("Running task",
			zap.Int64("task_id", task.ID),
			zap.String("task_name", task.Name),
			zap.Timep("scheduled", task.NextRunTime))

		success, message := l.runner.Run(ctx, task)
		l.logger.Info("Task run finished",
			zap.Int64("task_id", task.ID),
			zap.Bool("success", success),
			zap.String("message", message))
	}()
}

// Wait blocks until every launched run has returned
func (l *Loop) Wait() {
	l.runs.Wait()
}

func (l *Loop) janitorLoop(ctx context.Context) {
	defer l.loops.Done()

	ticker := time.NewTicker(l.config.JanitorInterval)
	defer ticker.Stop()

	l.pruneLogs(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pruneLogs(ctx)
		}
	}
}

func (l *Loop) pruneLogs(ctx context.Context) {
	cutoff := l.now().UTC().Add(-l.config.RetentionPeriod)
	deleted, err := l.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		l.logger.Error("Failed to prune execution logs", zap.Error(err))
		return
	}
	if deleted > 0 {
		l.logger.Info("Pruned execution logs",
			zap.Int64("deleted", deleted),
			zap.Time("before", cutoff))
	}
}
