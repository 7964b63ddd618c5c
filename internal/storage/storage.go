package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/autologin/internal/model"
)

var (
	// ErrTaskNotFound is returned when a scheduled task does not exist
	ErrTaskNotFound = errors.New("task not found")

	// ErrAccountNotFound is returned when an account does not exist or belongs to another user
	ErrAccountNotFound = errors.New("account not found")

	// ErrLogNotFound is returned when an execution log does not exist
	ErrLogNotFound = errors.New("execution log not found")

	// ErrLogAlreadyFinalized is returned when finalizing a log that is no longer running
	ErrLogAlreadyFinalized = errors.New("execution log already finalized")
)

// RunUpdate carries the task state changes applied after a run
type RunUpdate struct {
	RanAt      time.Time
	Success    bool
	LastResult string
	// NextRunTime is left untouched when nil
	NextRunTime *time.Time
}

// TaskStore persists scheduled tasks
type TaskStore interface {
	// CreateTask inserts a task and assigns its ID
	CreateTask(ctx context.Context, task *model.ScheduledTask) error

	// GetTask retrieves a task by ID
	GetTask(ctx context.Context, id int64) (*model.ScheduledTask, error)

	// ListDueTasks returns enabled tasks whose next_run_time is at or before the given instant
	ListDueTasks(ctx context.Context, before time.Time) ([]*model.ScheduledTask, error)

	// ListUnscheduledTasks returns enabled tasks that have no next_run_time yet
	ListUnscheduledTasks(ctx context.Context) ([]*model.ScheduledTask, error)

	// SetNextRunTime overwrites next_run_time
	SetNextRunTime(ctx context.Context, id int64, next time.Time) error

	// RecordRun atomically bumps the run counters and stores the run outcome
	RecordRun(ctx context.Context, id int64, update RunUpdate) error
}

// ExecutionLogStore persists execution logs
type ExecutionLogStore interface {
	// CreateExecutionLog inserts a log in running state
	CreateExecutionLog(ctx context.Context, log *model.ExecutionLog) error

	// FinalizeExecutionLog moves a running log into a terminal state exactly once
	FinalizeExecutionLog(ctx context.Context, log *model.ExecutionLog) error

	// GetExecutionLog retrieves a log by ID
	GetExecutionLog(ctx context.Context, id string) (*model.ExecutionLog, error)

	// ListExecutionLogs returns the logs of a task, newest first
	ListExecutionLogs(ctx context.Context, taskID int64, offset, limit int) ([]*model.ExecutionLog, error)

	// CountExecutionLogs returns the number of logs of a task
	CountExecutionLogs(ctx context.Context, taskID int64) (int, error)

	// DeleteLogsBefore deletes finalized logs started before the given time
	DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error)
}

// AccountStore reads stored credential sets
type AccountStore interface {
	// CreateAccount inserts an account and assigns its ID
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account owned by userID
	GetAccount(ctx context.Context, userID, id int64) (*model.Account, error)
}

// Store groups every persistence concern of the service
type Store interface {
	TaskStore
	ExecutionLogStore
	AccountStore
	Close() error
}
