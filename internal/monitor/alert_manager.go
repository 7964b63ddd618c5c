package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/model"
)

// ErrRuleNotFound is returned for an unknown rule id
var ErrRuleNotFound = errors.New("rule not found")

// RunningTasks exposes the tasks currently executing
type RunningTasks interface {
	IDs() []int64
	Since(id int64) (time.Time, bool)
}

// AlertManager evaluates alert rules against finished and in-flight runs
type AlertManager struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	rules    sync.Map
	alerts   sync.Map
	running  RunningTasks
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
	failures map[int64]int
	// slow holds the start time of in-flight runs already alerted on
	slow     map[int64]time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewAlertManager creates a new alert manager. js may be nil, alerts are then only logged.
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext) *AlertManager {
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		js:       js,
		interval: 30 * time.Second,
		now:      time.Now,
		failures: make(map[int64]int),
		slow:     make(map[int64]time.Time),
		stop:     make(chan struct{}),
	}
}

// WatchRunning makes the evaluation loop check in-flight runs against slow_execution rules
func (m *AlertManager) WatchRunning(running RunningTasks) {
	m.running = running
}

// Start ensures the alert stream and starts the evaluation loop
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js != nil {
		if err := ensureStream(m.js, streamSpec{name: alertStreamName, subjects: []string{"alert.*"}}, m.logger); err != nil {
			return err
		}
	}

	if m.running != nil {
		go m.evaluationLoop(ctx)
	}

	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops the alert manager
func (m *AlertManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if rule.Type == model.AlertTypeSlowExecution {
		if _, err := time.ParseDuration(rule.Duration); err != nil {
			return fmt.Errorf("invalid duration in rule %s: %w", rule.Name, err)
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = m.now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.UpdatedAt = m.now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	m.rules.Delete(id)
	return nil
}

// Silence mutes or unmutes a rule
func (m *AlertManager) Silence(id string, silenced bool) error {
	rule, err := m.GetRule(id)
	if err != nil {
		return err
	}
	updated := *rule
	updated.Silenced = silenced
	return m.UpdateRule(&updated)
}

// Alerts returns the alerts raised so far, oldest first
func (m *AlertManager) Alerts() []*model.Alert {
	var alerts []*model.Alert
	m.alerts.Range(func(_, value interface{}) bool {
		alerts = append(alerts, value.(*model.Alert))
		return true
	})
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts
}

func (m *AlertManager) activeRules(typ model.AlertType) []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type == typ && !rule.Silenced {
			rules = append(rules, rule)
		}
		return true
	})
	return rules
}

// ObserveRun evaluates a finished run against every rule
func (m *AlertManager) ObserveRun(_ context.Context, result *model.ExecutionResult) error {
	var errs []error

	if result.Status == model.ExecutionStatusFailed {
		for _, rule := range m.activeRules(model.AlertTypeTaskFailure) {
			errs = append(errs, m.createAlert(rule,
				fmt.Sprintf("task %q failed: %s", result.TaskName, result.Message),
				map[string]interface{}{
					"task_id": result.TaskID,
					"log_id":  result.LogID,
					"message": result.Message,
				}))
		}
	}

	for _, rule := range m.activeRules(model.AlertTypeSlowExecution) {
		limit, err := time.ParseDuration(rule.Duration)
		if err != nil {
			m.logger.Error("Invalid duration in slow execution rule",
				zap.String("rule_id", rule.ID),
				zap.Error(err))
			continue
		}
		if result.Duration > limit {
			errs = append(errs, m.createAlert(rule,
				fmt.Sprintf("task %q took %s", result.TaskName, result.Duration.Round(time.Second)),
				map[string]interface{}{
					"task_id":  result.TaskID,
					"log_id":   result.LogID,
					"duration": result.Duration.String(),
					"limit":    limit.String(),
				}))
		}
	}

	streaks := m.updateFailureStreaks(result.Accounts)
	for _, rule := range m.activeRules(model.AlertTypeAccountFailure) {
		threshold := max(1, int(rule.Threshold))
		for _, account := range result.Accounts {
			if streaks[account.AccountID] != threshold {
				continue
			}
			errs = append(errs, m.createAlert(rule,
				fmt.Sprintf("account %s failed %d runs in a row: %s", account.Username, threshold, account.Message),
				map[string]interface{}{
					"task_id":    result.TaskID,
					"account_id": account.AccountID,
					"username":   account.Username,
					"error_kind": string(account.ErrorKind),
					"failures":   threshold,
				}))
		}
	}

	return errors.Join(errs...)
}

// updateFailureStreaks returns the consecutive failure count per account after this run
func (m *AlertManager) updateFailureStreaks(accounts []model.AccountResult) map[int64]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	streaks := make(map[int64]int, len(accounts))
	for _, account := range accounts {
		switch account.Status {
		case model.AccountStatusSuccess:
			delete(m.failures, account.AccountID)
		case model.AccountStatusFailed:
			m.failures[account.AccountID]++
		}
		streaks[account.AccountID] = m.failures[account.AccountID]
	}
	return streaks
}

// createAlert stores, logs and publishes a new alert
func (m *AlertManager) createAlert(rule *model.AlertRule, message string, data map[string]interface{}) error {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: m.now(),
	}
	m.alerts.Store(alert.ID, alert)

	m.logger.Warn("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule", rule.Name),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))

	if m.js == nil {
		return nil
	}

	alertData, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := m.js.Publish("alert."+string(alert.Type), alertData); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// evaluationLoop periodically checks in-flight runs
func (m *AlertManager) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.evaluateSlowRuns()
		}
	}
}

// evaluateSlowRuns alerts once per run that exceeds a slow_execution rule while still running
func (m *AlertManager) evaluateSlowRuns() {
	rules := m.activeRules(model.AlertTypeSlowExecution)
	now := m.now()

	running := make(map[int64]time.Time)
	for _, id := range m.running.IDs() {
		if since, ok := m.running.Since(id); ok {
			running[id] = since
		}
	}

	m.mu.Lock()
	for id, since := range m.slow {
		if current, ok := running[id]; !ok || !current.Equal(since) {
			delete(m.slow, id)
		}
	}
	m.mu.Unlock()

	for id, since := range running {
		elapsed := now.Sub(since)
		for _, rule := range rules {
			limit, err := time.ParseDuration(rule.Duration)
			if err != nil || elapsed <= limit {
				continue
			}

			m.mu.Lock()
			_, alerted := m.slow[id]
			m.slow[id] = since
			m.mu.Unlock()
			if alerted {
				break
			}

			if err := m.createAlert(rule,
				fmt.Sprintf("task %d still running after %s", id, elapsed.Round(time.Second)),
				map[string]interface{}{
					"task_id":      id,
					"elapsed_time": elapsed.String(),
					"limit":        limit.String(),
				}); err != nil {
				m.logger.Error("Failed to raise slow execution alert", zap.Error(err))
			}
			break
		}
	}
}
