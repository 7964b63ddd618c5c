package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/autologin/internal/model"
)

func TestMemoryStore_DueTasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &model.ScheduledTask{Name: "due", Enabled: true, NextRunTime: &past}
	later := &model.ScheduledTask{Name: "later", Enabled: true, NextRunTime: &future}
	disabled := &model.ScheduledTask{Name: "disabled", Enabled: false, NextRunTime: &past}
	unscheduled := &model.ScheduledTask{Name: "unscheduled", Enabled: true}

	for _, task := range []*model.ScheduledTask{due, later, disabled, unscheduled} {
		require.NoError(t, store.CreateTask(ctx, task))
	}

	tasks, err := store.ListDueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "due", tasks[0].Name)

	tasks, err = store.ListUnscheduledTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, unscheduled.ID, tasks[0].ID)
}

func TestMemoryStore_RecordRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	task := &model.ScheduledTask{Name: "t", Enabled: true}
	require.NoError(t, store.CreateTask(ctx, task))

	ranAt := time.Now()
	next := ranAt.Add(time.Minute)
	require.NoError(t, store.RecordRun(ctx, task.ID, RunUpdate{RanAt: ranAt, Success: true, LastResult: "ok", NextRunTime: &next}))
	require.NoError(t, store.RecordRun(ctx, task.ID, RunUpdate{RanAt: ranAt, Success: false, LastResult: "bad"}))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, "bad", got.LastResult)
	require.NotNil(t, got.NextRunTime)
	assert.True(t, next.Equal(*got.NextRunTime))

	assert.ErrorIs(t, store.RecordRun(ctx, 404, RunUpdate{}), ErrTaskNotFound)
}

func TestMemoryStore_FinalizeOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	log := &model.ExecutionLog{ID: "a", TaskID: 1, StartedAt: time.Now()}
	require.NoError(t, store.CreateExecutionLog(ctx, log))
	assert.Equal(t, model.ExecutionStatusRunning, log.Status)

	log.Status = model.ExecutionStatusFailed
	log.Message = "first"
	require.NoError(t, store.FinalizeExecutionLog(ctx, log))

	log.Status = model.ExecutionStatusSuccess
	log.Message = "second"
	assert.ErrorIs(t, store.FinalizeExecutionLog(ctx, log), ErrLogAlreadyFinalized)

	stored, err := store.GetExecutionLog(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, "first", stored.Message)

	assert.ErrorIs(t, store.FinalizeExecutionLog(ctx, &model.ExecutionLog{ID: "missing", Status: model.ExecutionStatusSuccess}), ErrLogNotFound)
}

func TestMemoryStore_Accounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	account := &model.Account{UserID: 3, Username: "octocat"}
	require.NoError(t, store.CreateAccount(ctx, account))

	got, err := store.GetAccount(ctx, 3, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "octocat", got.Username)

	_, err = store.GetAccount(ctx, 4, account.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
