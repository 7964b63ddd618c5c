// Package monitor samples per-run resource usage, publishes run results on
// NATS and raises alerts when runs fail, stall or keep failing for an account.
package monitor

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/model"
)

const systemMetricsSubject = "metrics.system"

// ProcessSample is one reading of this process's resource usage
type ProcessSample struct {
	MemoryMB   float64
	CPUPercent float64
}

// SystemMetrics is published periodically on metrics.system
type SystemMetrics struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	ProcessRSS  float64   `json:"process_rss_mb"`
	ActiveRuns  int       `json:"active_runs"`
}

// TaskMonitor tracks resource usage of in-flight runs
type TaskMonitor struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	interval time.Duration
	sample   func() (ProcessSample, error)
	now      func() time.Time
	mu       sync.Mutex
	active   map[int64]*model.RunMetrics
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTaskMonitor creates a monitor sampling every interval. js may be nil.
func NewTaskMonitor(js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *TaskMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &TaskMonitor{
		logger:   logger.Named("task-monitor"),
		js:       js,
		interval: interval,
		now:      time.Now,
		active:   make(map[int64]*model.RunMetrics),
		stop:     make(chan struct{}),
	}
	m.sample = m.sampleProcess()
	return m
}

func (m *TaskMonitor) sampleProcess() func() (ProcessSample, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn("Process metrics unavailable", zap.Error(err))
		return func() (ProcessSample, error) { return ProcessSample{}, err }
	}

	return func() (ProcessSample, error) {
		var s ProcessSample
		memInfo, err := proc.MemoryInfo()
		if err != nil {
			return s, err
		}
		s.MemoryMB = float64(memInfo.RSS) / (1 << 20)

		s.CPUPercent, err = proc.Percent(0)
		if err != nil {
			return s, err
		}
		return s, nil
	}
}

// Start starts the sampling loop
func (m *TaskMonitor) Start(ctx context.Context) {
	m.logger.Info("Starting task monitor", zap.Duration("interval", m.interval))
	go m.collectLoop(ctx)
}

// Stop stops the sampling loop
func (m *TaskMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping task monitor")
		close(m.stop)
	})
}

// Begin starts tracking a run
func (m *TaskMonitor) Begin(taskID int64, name string) {
	metrics := &model.RunMetrics{StartedAt: m.now().UTC()}

	m.mu.Lock()
	m.active[taskID] = metrics
	m.mu.Unlock()

	m.record(taskID)
	m.logger.Debug("Run tracking started",
		zap.Int64("task_id", taskID),
		zap.String("task_name", name))
}

// BrowserSession counts a browser launched for a run
func (m *TaskMonitor) BrowserSession(taskID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if metrics, ok := m.active[taskID]; ok {
		metrics.BrowserSessions++
	}
}

// AccountFinished counts the outcome of one account
func (m *TaskMonitor) AccountFinished(taskID int64, result model.AccountResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, ok := m.active[taskID]
	if !ok {
		return
	}
	metrics.AccountsProcessed++
	switch result.Status {
	case model.AccountStatusSuccess:
		metrics.AccountsSucceeded++
	case model.AccountStatusFailed:
		metrics.AccountsFailed++
	}
}

// End stops tracking a run and returns its metrics
func (m *TaskMonitor) End(taskID int64) *model.RunMetrics {
	m.record(taskID)

	m.mu.Lock()
	metrics, ok := m.active[taskID]
	delete(m.active, taskID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	m.logger.Info("Run metrics",
		zap.Int64("task_id", taskID),
		zap.Duration("duration", m.now().Sub(metrics.StartedAt)),
		zap.Int("accounts_processed", metrics.AccountsProcessed),
		zap.Int("accounts_succeeded", metrics.AccountsSucceeded),
		zap.Int("accounts_failed", metrics.AccountsFailed),
		zap.Int("browser_sessions", metrics.BrowserSessions),
		zap.Float64("peak_memory_mb", metrics.PeakMemoryMB),
		zap.Float64("cpu_percent", metrics.CPUPercent))
	return metrics
}

// Active returns a snapshot of the runs being tracked
func (m *TaskMonitor) Active() map[int64]model.RunMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[int64]model.RunMetrics, len(m.active))
	for id, metrics := range m.active {
		active[id] = *metrics
	}
	return active
}

// record samples the process and folds the reading into the given runs, or all active runs
func (m *TaskMonitor) record(taskIDs ...int64) (ProcessSample, bool) {
	s, err := m.sample()
	if err != nil {
		m.logger.Debug("Failed to sample process", zap.Error(err))
		return s, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	apply := func(metrics *model.RunMetrics) {
		metrics.PeakMemoryMB = max(metrics.PeakMemoryMB, s.MemoryMB)
		metrics.CPUPercent = max(metrics.CPUPercent, s.CPUPercent)
	}
	if len(taskIDs) == 0 {
		for _, metrics := range m.active {
			apply(metrics)
		}
		return s, true
	}
	for _, id := range taskIDs {
		if metrics, ok := m.active[id]; ok {
			apply(metrics)
		}
	}
	return s, true
}

// collectLoop runs the sampling loop
func (m *TaskMonitor) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *TaskMonitor) collect() {
	s, ok := m.record()
	if !ok || m.js == nil {
		return
	}

	metrics := SystemMetrics{
		Timestamp:  m.now().UTC(),
		ProcessRSS: s.MemoryMB,
	}

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		m.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		metrics.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		metrics.MemoryUsage = memInfo.UsedPercent
	}

	m.mu.Lock()
	metrics.ActiveRuns = len(m.active)
	m.mu.Unlock()

	data, err := json.Marshal(metrics)
	if err != nil {
		m.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if _, err := m.js.Publish(systemMetricsSubject, data); err != nil {
		m.logger.Error("Failed to publish metrics", zap.Error(err))
		return
	}

	m.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", metrics.CPUUsage),
		zap.Float64("memory_usage", metrics.MemoryUsage),
		zap.Int("active_runs", metrics.ActiveRuns))
}
