package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/model"
)

// EventType identifies an execution telemetry event
type EventType string

const (
	EventTaskStart     EventType = "task_start"
	EventAccountStart  EventType = "account_start"
	EventAccountResult EventType = "account_result"
	EventRetryAttempt  EventType = "retry_attempt"
	EventBrowser       EventType = "browser_event"
	EventTaskComplete  EventType = "task_complete"
)

// Event is one line of a task's event log
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Type      EventType              `json:"event"`
	TaskID    int64                  `json:"task_id"`
	AccountID int64                  `json:"account_id,omitempty"`
	Username  string                 `json:"username,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventLogConfig defines configuration for the event log
type EventLogConfig struct {
	Dir            string        // Directory to store event files
	MaxFileSize    int64         // Size at which a file is rotated
	MaxAge         time.Duration // Files older than this are removed
	FlushInterval  time.Duration // Interval to flush buffered events to disk
	RotateInterval time.Duration
}

// TaskSummary aggregates the events of the most recent run of a task
type TaskSummary struct {
	TaskID     int64                   `json:"task_id"`
	TaskName   string                  `json:"task_name"`
	StartedAt  time.Time               `json:"started_at"`
	Finished   bool                    `json:"finished"`
	Accounts   int                     `json:"total_accounts"`
	Succeeded  int                     `json:"success_count"`
	Failed     int                     `json:"failed_count"`
	Skipped    int                     `json:"skipped_count"`
	Retries    int                     `json:"retry_attempts"`
	Duration   time.Duration           `json:"duration"`
	ErrorKinds map[model.ErrorKind]int `json:"error_kinds,omitempty"`
}

// EventLog writes execution events as JSON lines, one file per task.
// A nil *EventLog discards everything.
type EventLog struct {
	logger  *zap.Logger
	config  EventLogConfig
	now     func() time.Time
	mu      sync.Mutex
	files   map[int64]*os.File
	buffers map[int64][]Event
}

// NewEventLog creates an event log writing under config.Dir
func NewEventLog(config EventLogConfig, logger *zap.Logger) (*EventLog, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("event log directory is not configured")
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.RotateInterval <= 0 {
		config.RotateInterval = time.Hour
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 10 << 20
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 7 * 24 * time.Hour
	}

	return &EventLog{
		logger:  logger.Named("event-log"),
		config:  config,
		now:     time.Now,
		files:   make(map[int64]*os.File),
		buffers: make(map[int64][]Event),
	}, nil
}

// Start starts the flush and rotation loops
func (l *EventLog) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.logger.Info("Starting event log", zap.String("dir", l.config.Dir))

	go l.flushLoop(ctx)
	go l.rotateLoop(ctx)
}

// Stop flushes pending events and closes all files
func (l *EventLog) Stop() {
	if l == nil {
		return
	}
	l.logger.Info("Stopping event log")

	l.mu.Lock()
	defer l.mu.Unlock()

	l.flushLocked()
	for id, file := range l.files {
		file.Close()
		delete(l.files, id)
	}
}

// Add buffers an event
func (l *EventLog) Add(event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.Level == "" {
		event.Level = "info"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffers[event.TaskID] = append(l.buffers[event.TaskID], event)
}

// TaskStart records the beginning of a run
func (l *EventLog) TaskStart(taskID int64, name string, accounts int) {
	l.Add(Event{
		Type:    EventTaskStart,
		TaskID:  taskID,
		Message: fmt.Sprintf("task %q started with %d accounts", name, accounts),
		Data: map[string]interface{}{
			"task_name":     name,
			"account_count": accounts,
		},
	})
}

// AccountStart records the beginning of one account
func (l *EventLog) AccountStart(taskID, accountID int64, username string) {
	l.Add(Event{
		Type:      EventAccountStart,
		TaskID:    taskID,
		AccountID: accountID,
		Username:  username,
		Message:   fmt.Sprintf("processing account %s", username),
	})
}

// AccountResult records the outcome of one account
func (l *EventLog) AccountResult(taskID int64, result model.AccountResult) {
	level := "info"
	if result.Status != model.AccountStatusSuccess {
		level = "error"
	}
	data := map[string]interface{}{
		"status":        string(result.Status),
		"duration":      result.Duration.Seconds(),
		"retry_count":   result.Attempts,
		"cookies_count": result.CookieCount,
	}
	if result.ErrorKind != model.ErrorKindNone {
		data["error_type"] = string(result.ErrorKind)
	}
	if result.FinalURL != "" {
		data["final_url"] = result.FinalURL
	}
	if result.Balance != nil {
		data["balance"] = result.Balance.Value
		data["balance_currency"] = result.Balance.Currency
	}

	l.Add(Event{
		Level:     level,
		Type:      EventAccountResult,
		TaskID:    taskID,
		AccountID: result.AccountID,
		Username:  result.Username,
		Message:   result.Message,
		Data:      data,
	})
}

// RetryAttempt records a retry of one account
func (l *EventLog) RetryAttempt(taskID, accountID int64, username string, attempt, maxAttempts int, lastError string) {
	l.Add(Event{
		Level:     "warn",
		Type:      EventRetryAttempt,
		TaskID:    taskID,
		AccountID: accountID,
		Username:  username,
		Message:   fmt.Sprintf("retry %d/%d: %s", attempt, maxAttempts, lastError),
		Data: map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"last_error":   lastError,
		},
	})
}

// Browser records a browser lifecycle event
func (l *EventLog) Browser(taskID, accountID int64, message string) {
	l.Add(Event{
		Type:      EventBrowser,
		TaskID:    taskID,
		AccountID: accountID,
		Message:   message,
	})
}

// TaskComplete records the end of a run
func (l *EventLog) TaskComplete(taskID int64, succeeded, total int, duration time.Duration) {
	l.Add(Event{
		Type:    EventTaskComplete,
		TaskID:  taskID,
		Message: fmt.Sprintf("task finished: %d/%d succeeded", succeeded, total),
		Data: map[string]interface{}{
			"success_count": succeeded,
			"total_count":   total,
			"duration":      duration.Seconds(),
		},
	})
}

// Events returns the events of a task recorded between start and end inclusive
func (l *EventLog) Events(taskID int64, start, end time.Time) ([]Event, error) {
	if l == nil {
		return nil, nil
	}

	l.mu.Lock()
	l.flushLocked()
	l.mu.Unlock()

	file, err := os.Open(l.path(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer file.Close()

	var events []Event
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		if !event.Timestamp.Before(start) && !event.Timestamp.After(end) {
			events = append(events, event)
		}
	}
	return events, nil
}

// Summary aggregates the most recent run of a task
func (l *EventLog) Summary(taskID int64) (*TaskSummary, error) {
	if l == nil {
		return nil, fmt.Errorf("event log is disabled")
	}
	events, err := l.Events(taskID, time.Time{}, l.now().Add(time.Minute))
	if err != nil {
		return nil, err
	}

	last := -1
	for i, event := range events {
		if event.Type == EventTaskStart {
			last = i
		}
	}
	if last < 0 {
		return nil, fmt.Errorf("no run recorded for task %d", taskID)
	}

	start := events[last]
	summary := &TaskSummary{
		TaskID:     taskID,
		StartedAt:  start.Timestamp,
		ErrorKinds: make(map[model.ErrorKind]int),
	}
	if name, ok := start.Data["task_name"].(string); ok {
		summary.TaskName = name
	}
	if n, ok := start.Data["account_count"].(float64); ok {
		summary.Accounts = int(n)
	}

	for _, event := range events[last+1:] {
		switch event.Type {
		case EventAccountResult:
			switch status, _ := event.Data["status"].(string); model.AccountStatus(status) {
			case model.AccountStatusSuccess:
				summary.Succeeded++
			case model.AccountStatusSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
			if kind, ok := event.Data["error_type"].(string); ok {
				summary.ErrorKinds[model.ErrorKind(kind)]++
			}
		case EventRetryAttempt:
			summary.Retries++
		case EventTaskComplete:
			summary.Finished = true
			summary.Duration = event.Timestamp.Sub(start.Timestamp)
		}
	}
	return summary, nil
}

func (l *EventLog) path(taskID int64) string {
	return filepath.Join(l.config.Dir, fmt.Sprintf("task-%d.jsonl", taskID))
}

func (l *EventLog) openFile(taskID int64) (*os.File, error) {
	file, err := os.OpenFile(l.path(taskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event file: %w", err)
	}
	return file, nil
}

// flushLoop periodically flushes events to disk
func (l *EventLog) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.flushLocked()
			l.mu.Unlock()
		}
	}
}

func (l *EventLog) flushLocked() {
	for taskID, events := range l.buffers {
		if len(events) == 0 {
			continue
		}

		file, ok := l.files[taskID]
		if !ok {
			var err error
			file, err = l.openFile(taskID)
			if err != nil {
				l.logger.Error("Failed to create event file",
					zap.Int64("task_id", taskID),
					zap.Error(err))
				continue
			}
			l.files[taskID] = file
		}

		encoder := json.NewEncoder(file)
		for _, event := range events {
			if err := encoder.Encode(event); err != nil {
				l.logger.Error("Failed to write event",
					zap.Int64("task_id", taskID),
					zap.Error(err))
			}
		}

		l.buffers[taskID] = l.buffers[taskID][:0]
	}
}

// rotateLoop periodically rotates event files
func (l *EventLog) rotateLoop(ctx context.Context) {
	ticker := time.NewTicker(l.config.RotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.rotate()
		}
	}
}

// rotate removes expired files and moves oversized ones aside
func (l *EventLog) rotate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.flushLocked()
	now := l.now()

	err := filepath.Walk(l.config.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		if now.Sub(info.ModTime()) > l.config.MaxAge {
			l.closePath(path)
			if err := os.Remove(path); err != nil {
				l.logger.Error("Failed to remove old event file",
					zap.String("path", path),
					zap.Error(err))
			}
			return nil
		}

		if filepath.Ext(path) == ".jsonl" && info.Size() > l.config.MaxFileSize {
			l.closePath(path)
			if err := os.Rename(path, path+".1"); err != nil {
				l.logger.Error("Failed to rotate event file",
					zap.String("path", path),
					zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		l.logger.Error("Failed to rotate event files", zap.Error(err))
	}
}

// closePath drops the open handle of path so the next flush reopens it
func (l *EventLog) closePath(path string) {
	for id, file := range l.files {
		if file.Name() == path {
			file.Close()
			delete(l.files, id)
		}
	}
}
