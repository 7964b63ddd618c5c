package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/autologin/internal/model"
	"github.com/t77yq/autologin/internal/storage"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []int64
	running map[int64]bool
	ran     chan int64
	run     func(ctx context.Context, task *model.ScheduledTask) (bool, string)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		running: make(map[int64]bool),
		ran:     make(chan int64, 16),
	}
}

func (r *fakeRunner) Run(ctx context.Context, task *model.ScheduledTask) (bool, string) {
	r.mu.Lock()
	r.calls = append(r.calls, task.ID)
	r.running[task.ID] = true
	run := r.run
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.running, task.ID)
		r.mu.Unlock()
		r.ran <- task.ID
	}()
	if run != nil {
		return run(ctx, task)
	}
	return true, "ok"
}

func (r *fakeRunner) Running(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[id]
}

func (r *fakeRunner) Calls() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.calls...)
}

type pruneRecorder struct {
	*storage.MemoryStore
	mu      sync.Mutex
	cutoffs []time.Time
	listErr error
}

func (s *pruneRecorder) DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	s.cutoffs = append(s.cutoffs, before)
	s.mu.Unlock()
	return s.MemoryStore.DeleteLogsBefore(ctx, before)
}

func (s *pruneRecorder) ListDueTasks(ctx context.Context, before time.Time) ([]*model.ScheduledTask, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListDueTasks(ctx, before)
}

func (s *pruneRecorder) Cutoffs() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.cutoffs...)
}

func createTask(t *testing.T, store storage.TaskStore, expr string, next *time.Time, enabled bool) *model.ScheduledTask {
	t.Helper()
	task := &model.ScheduledTask{
		Name:           "task " + expr,
		Kind:           model.TaskKindOAuthLogin,
		CronExpression: expr,
		Timezone:       "UTC",
		Enabled:        enabled,
		NextRunTime:    next,
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestLoop_TickLaunchesDueTasks(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	runner := newFakeRunner()

	due := createTask(t, store, "*/1 * * * *", timePtr(now.Add(-40*time.Second)), true)
	early := createTask(t, store, "*/1 * * * *", timePtr(now.Add(20*time.Second)), true)
	createTask(t, store, "0 9 * * *", timePtr(now.Add(10*time.Minute)), true)
	createTask(t, store, "*/1 * * * *", timePtr(now.Add(-10*time.Second)), false)

	loop := NewLoop(Config{Tolerance: 30 * time.Second}, store, runner, zaptest.NewLogger(t))
	loop.now = func() time.Time { return now }

	launched, err := loop.Tick(context.Background())
	require.NoError(t, err)
	loop.Wait()

	assert.Equal(t, 2, launched)
	assert.ElementsMatch(t, []int64{due.ID, early.ID}, runner.Calls())
}

func TestLoop_TickSkipsRunningTasks(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	runner := newFakeRunner()

	task := createTask(t, store, "*/1 * * * *", timePtr(now), true)
	runner.running[task.ID] = true

	loop := NewLoop(Config{}, store, runner, zaptest.NewLogger(t))
	loop.now = func() time.Time { return now }

	launched, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, launched)
	assert.Empty(t, runner.Calls())
}

func TestLoop_TickInitializesUnscheduledTasks(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	runner := newFakeRunner()

	task := createTask(t, store, "0 9 * * *", nil, true)
	broken := createTask(t, store, "not cron", nil, true)

	loop := NewLoop(Config{}, store, runner, zaptest.NewLogger(t))
	loop.now = func() time.Time { return now }

	launched, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, launched)

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunTime)
	assert.True(t, got.NextRunTime.Equal(time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)))

	got, err = store.GetTask(context.Background(), broken.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunTime)
}

func TestLoop_TickReschedulesMissedRuns(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	runner := newFakeRunner()

	task := createTask(t, store, "0 * * * *", timePtr(now.Add(-2*time.Hour)), true)

	loop := NewLoop(Config{Tolerance: 30 * time.Second}, store, runner, zaptest.NewLogger(t))
	loop.now = func() time.Time { return now.Add(5 * time.Minute) }

	launched, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, launched)

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunTime.Equal(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)))
}

func TestLoop_TickReportsStoreErrors(t *testing.T) {
	store := &pruneRecorder{MemoryStore: storage.NewMemoryStore(), listErr: errors.New("database is locked")}
	loop := NewLoop(Config{}, store, newFakeRunner(), zaptest.NewLogger(t))

	_, err := loop.Tick(context.Background())
	assert.EqualError(t, err, "database is locked")
}

func TestLoop_StartStop(t *testing.T) {
	store := &pruneRecorder{MemoryStore: storage.NewMemoryStore()}
	runner := newFakeRunner()
	task := createTask(t, store, "*/1 * * * *", timePtr(time.Now().Add(-40*time.Second)), true)

	// the runner moves the task forward the way the coordinator does
	runner.run = func(ctx context.Context, task *model.ScheduledTask) (bool, string) {
		next := time.Now().Add(time.Hour)
		if err := store.RecordRun(ctx, task.ID, storage.RunUpdate{RanAt: time.Now(), Success: true, NextRunTime: &next}); err != nil {
			return false, err.Error()
		}
		return true, "ok"
	}

	loop := NewLoop(Config{
		PollInterval:    20 * time.Millisecond,
		Tolerance:       30 * time.Second,
		RetentionPeriod: 24 * time.Hour,
	}, store, runner, zaptest.NewLogger(t))

	require.NoError(t, loop.Start(context.Background()))
	assert.ErrorIs(t, loop.Start(context.Background()), ErrAlreadyStarted)

	select {
	case id := <-runner.ran:
		assert.Equal(t, task.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not run")
	}

	loop.Stop()
	loop.Stop()

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)

	cutoffs := store.Cutoffs()
	require.NotEmpty(t, cutoffs)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), cutoffs[0], time.Minute)
}

func TestLoop_StopCancelsRunsAfterTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := newFakeRunner()
	createTask(t, store, "*/1 * * * *", timePtr(time.Now()), true)

	started := make(chan struct{})
	cancelled := make(chan error, 1)
	runner.run = func(ctx context.Context, _ *model.ScheduledTask) (bool, string) {
		close(started)
		<-ctx.Done()
		cancelled <- ctx.Err()
		return false, "cancelled"
	}

	loop := NewLoop(Config{
		PollInterval:    time.Hour,
		ShutdownTimeout: 50 * time.Millisecond,
	}, store, runner, zaptest.NewLogger(t))
	require.NoError(t, loop.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not run")
	}

	loop.Stop()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
}
