package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeSlowExecution  AlertType = "slow_execution"
	AlertTypeTaskFailure    AlertType = "task_failure"
	AlertTypeAccountFailure AlertType = "account_failure"
)

// AlertRule defines a rule evaluated against finished runs
type AlertRule struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Type AlertType `json:"type"`
	// Duration is the slow_execution threshold, e.g. "10m"
	Duration string `json:"duration,omitempty"`
	// Threshold is the consecutive failure count for account_failure
	Threshold float64       `json:"threshold,omitempty"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert represents an alert event
type Alert struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"rule_id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
