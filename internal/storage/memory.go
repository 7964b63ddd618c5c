package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/autologin/internal/model"
)

// MemoryStore is an in-process Store used by tests and dry runs
type MemoryStore struct {
	mu         sync.Mutex
	nextTaskID int64
	nextAccID  int64
	tasks      map[int64]*model.ScheduledTask
	accounts   map[int64]*model.Account
	logs       map[string]*model.ExecutionLog
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[int64]*model.ScheduledTask),
		accounts: make(map[int64]*model.Account),
		logs:     make(map[string]*model.ExecutionLog),
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task *model.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTaskID++
	task.ID = m.nextTaskID
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id int64) (*model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return copyTask(task), nil
}

func (m *MemoryStore) ListDueTasks(_ context.Context, before time.Time) ([]*model.ScheduledTask, error) {
	return m.filterTasks(func(t *model.ScheduledTask) bool {
		return t.Enabled && t.NextRunTime != nil && !t.NextRunTime.After(before)
	}), nil
}

func (m *MemoryStore) ListUnscheduledTasks(_ context.Context) ([]*model.ScheduledTask, error) {
	return m.filterTasks(func(t *model.ScheduledTask) bool {
		return t.Enabled && t.NextRunTime == nil
	}), nil
}

func (m *MemoryStore) SetNextRunTime(_ context.Context, id int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	next = next.UTC()
	task.NextRunTime = &next
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RecordRun(_ context.Context, id int64, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}

	task.RunCount++
	if update.Success {
		task.SuccessCount++
	} else {
		task.ErrorCount++
	}
	ranAt := update.RanAt.UTC()
	task.LastRunTime = &ranAt
	task.LastResult = update.LastResult
	if update.NextRunTime != nil {
		next := update.NextRunTime.UTC()
		task.NextRunTime = &next
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateExecutionLog(_ context.Context, log *model.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.logs[log.ID]; exists {
		return fmt.Errorf("failed to create execution log: duplicate id %s", log.ID)
	}
	log.Status = model.ExecutionStatusRunning
	stored := *log
	m.logs[log.ID] = &stored
	return nil
}

func (m *MemoryStore) FinalizeExecutionLog(_ context.Context, log *model.ExecutionLog) error {
	if !log.Status.IsTerminal() {
		return fmt.Errorf("cannot finalize execution log with status %q", log.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.logs[log.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLogNotFound, log.ID)
	}
	if stored.Status != model.ExecutionStatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrLogAlreadyFinalized, log.ID, stored.Status)
	}

	if log.CompletedAt == nil {
		now := time.Now().UTC()
		log.CompletedAt = &now
	}
	finalized := *log
	m.logs[log.ID] = &finalized
	return nil
}

func (m *MemoryStore) GetExecutionLog(_ context.Context, id string) (*model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLogNotFound, id)
	}
	cp := *log
	return &cp, nil
}

func (m *MemoryStore) ListExecutionLogs(_ context.Context, taskID int64, offset, limit int) ([]*model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var logs []*model.ExecutionLog
	for _, log := range m.logs {
		if log.TaskID == taskID {
			cp := *log
			logs = append(logs, &cp)
		}
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].StartedAt.After(logs[j].StartedAt)
	})

	if offset >= len(logs) {
		return nil, nil
	}
	logs = logs[offset:]
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs, nil
}

func (m *MemoryStore) CountExecutionLogs(_ context.Context, taskID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, log := range m.logs {
		if log.TaskID == taskID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteLogsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, log := range m.logs {
		if log.Status != model.ExecutionStatusRunning && log.StartedAt.Before(before) {
			delete(m.logs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, account *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAccID++
	account.ID = m.nextAccID
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, userID, id int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok || account.UserID != userID {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) filterTasks(keep func(*model.ScheduledTask) bool) []*model.ScheduledTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []*model.ScheduledTask
	for _, task := range m.tasks {
		if keep(task) {
			tasks = append(tasks, copyTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

func copyTask(task *model.ScheduledTask) *model.ScheduledTask {
	cp := *task
	cp.Params.AccountIDs = append([]int64(nil), task.Params.AccountIDs...)
	if task.LastRunTime != nil {
		t := *task.LastRunTime
		cp.LastRunTime = &t
	}
	if task.NextRunTime != nil {
		t := *task.NextRunTime
		cp.NextRunTime = &t
	}
	return &cp
}
