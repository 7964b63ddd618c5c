package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/autologin/internal/model"
	"github.com/t77yq/autologin/internal/testutil"
)

func TestAlertManager_Rules(t *testing.T) {
	manager := NewAlertManager(zaptest.NewLogger(t), nil)

	rule := &model.AlertRule{
		Name:     "Slow run",
		Type:     model.AlertTypeSlowExecution,
		Duration: "10m",
		Severity: model.AlertSeverityWarning,
	}
	require.NoError(t, manager.AddRule(rule))
	require.NotEmpty(t, rule.ID)
	require.False(t, rule.CreatedAt.IsZero())
	require.Equal(t, rule.CreatedAt, rule.UpdatedAt)

	rule.Duration = "20m"
	require.NoError(t, manager.UpdateRule(rule))
	got, err := manager.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "20m", got.Duration)

	require.NoError(t, manager.Silence(rule.ID, true))
	got, err = manager.GetRule(rule.ID)
	require.NoError(t, err)
	assert.True(t, got.Silenced)

	require.NoError(t, manager.DeleteRule(rule.ID))
	_, err = manager.GetRule(rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, manager.DeleteRule(rule.ID), ErrRuleNotFound)
	assert.ErrorIs(t, manager.UpdateRule(&model.AlertRule{ID: "missing"}), ErrRuleNotFound)

	err = manager.AddRule(&model.AlertRule{Name: "bad", Type: model.AlertTypeSlowExecution, Duration: "soon"})
	assert.Error(t, err)
}

func TestAlertManager_TaskFailurePublished(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	manager := NewAlertManager(zaptest.NewLogger(t), js)
	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name:     "Task failure",
		Type:     model.AlertTypeTaskFailure,
		Severity: model.AlertSeverityError,
	}))

	err := manager.ObserveRun(context.Background(), &model.ExecutionResult{
		TaskID:   3,
		TaskName: "nightly",
		Status:   model.ExecutionStatusFailed,
		Message:  "OAuth login finished: 0 ok / 1 failed / 0 skipped (1.0s)",
	})
	require.NoError(t, err)

	msg := testutil.NextMessage(t, js, "alert.task_failure", 5*time.Second)
	var alert model.Alert
	require.NoError(t, json.Unmarshal(msg.Data, &alert))
	assert.Equal(t, model.AlertTypeTaskFailure, alert.Type)
	assert.Equal(t, model.AlertSeverityError, alert.Severity)
	assert.Contains(t, alert.Message, "nightly")
	assert.Equal(t, float64(3), alert.Data["task_id"])

	// a successful run raises nothing
	require.NoError(t, manager.ObserveRun(context.Background(), &model.ExecutionResult{
		TaskID: 3,
		Status: model.ExecutionStatusSuccess,
	}))
	assert.Len(t, manager.Alerts(), 1)
}

func TestAlertManager_SlowExecution(t *testing.T) {
	manager := NewAlertManager(zaptest.NewLogger(t), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name:     "Slow run",
		Type:     model.AlertTypeSlowExecution,
		Duration: "5m",
		Severity: model.AlertSeverityWarning,
	}))

	ctx := context.Background()
	require.NoError(t, manager.ObserveRun(ctx, &model.ExecutionResult{TaskID: 1, Status: model.ExecutionStatusSuccess, Duration: 4 * time.Minute}))
	assert.Empty(t, manager.Alerts())

	require.NoError(t, manager.ObserveRun(ctx, &model.ExecutionResult{TaskID: 1, Status: model.ExecutionStatusSuccess, Duration: 6 * time.Minute}))
	alerts := manager.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTypeSlowExecution, alerts[0].Type)
	assert.Equal(t, "5m0s", alerts[0].Data["limit"])
}

func TestAlertManager_AccountFailureStreak(t *testing.T) {
	manager := NewAlertManager(zaptest.NewLogger(t), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name:      "Account keeps failing",
		Type:      model.AlertTypeAccountFailure,
		Threshold: 2,
		Severity:  model.AlertSeverityCritical,
	}))

	run := func(status model.AccountStatus) {
		require.NoError(t, manager.ObserveRun(context.Background(), &model.ExecutionResult{
			TaskID: 1,
			Status: model.ExecutionStatusFailed,
			Accounts: []model.AccountResult{
				{AccountID: 10, Username: "octocat", Status: status, Message: "login failed"},
			},
		}))
	}

	run(model.AccountStatusFailed)
	assert.Empty(t, manager.Alerts())

	run(model.AccountStatusFailed)
	require.Len(t, manager.Alerts(), 1)

	// the streak keeps growing past the threshold without repeating the alert
	run(model.AccountStatusFailed)
	assert.Len(t, manager.Alerts(), 1)

	// skipped accounts leave the streak alone, a success resets it
	run(model.AccountStatusSkipped)
	run(model.AccountStatusSuccess)
	run(model.AccountStatusFailed)
	assert.Len(t, manager.Alerts(), 1)
	run(model.AccountStatusFailed)
	assert.Len(t, manager.Alerts(), 2)
	assert.Equal(t, "octocat", manager.Alerts()[1].Data["username"])
}

func TestAlertManager_SilencedRule(t *testing.T) {
	manager := NewAlertManager(zaptest.NewLogger(t), nil)
	rule := &model.AlertRule{
		Name:     "Task failure",
		Type:     model.AlertTypeTaskFailure,
		Severity: model.AlertSeverityError,
		Silenced: true,
	}
	require.NoError(t, manager.AddRule(rule))

	require.NoError(t, manager.ObserveRun(context.Background(), &model.ExecutionResult{Status: model.ExecutionStatusFailed}))
	assert.Empty(t, manager.Alerts())

	require.NoError(t, manager.Silence(rule.ID, false))
	require.NoError(t, manager.ObserveRun(context.Background(), &model.ExecutionResult{Status: model.ExecutionStatusFailed}))
	assert.Len(t, manager.Alerts(), 1)
}

type fakeRunning struct {
	mu    sync.Mutex
	since map[int64]time.Time
}

func (f *fakeRunning) IDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id := range f.since {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeRunning) Since(id int64) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	since, ok := f.since[id]
	return since, ok
}

func TestAlertManager_EvaluateSlowRuns(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	running := &fakeRunning{since: map[int64]time.Time{
		1: now.Add(-20 * time.Minute),
		2: now.Add(-time.Minute),
	}}

	manager := NewAlertManager(zaptest.NewLogger(t), nil)
	manager.now = func() time.Time { return now }
	manager.WatchRunning(running)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name:     "Stuck run",
		Type:     model.AlertTypeSlowExecution,
		Duration: "10m",
		Severity: model.AlertSeverityWarning,
	}))

	manager.evaluateSlowRuns()
	alerts := manager.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, int64(1), alerts[0].Data["task_id"])

	// one alert per run
	manager.evaluateSlowRuns()
	assert.Len(t, manager.Alerts(), 1)

	// a new run of the same task is judged again
	running.mu.Lock()
	running.since[1] = now.Add(-15 * time.Minute)
	running.mu.Unlock()
	manager.evaluateSlowRuns()
	assert.Len(t, manager.Alerts(), 2)
}
