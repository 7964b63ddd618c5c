package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the state of an execution log
type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// IsTerminal reports whether a log in this status can no longer change
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed
}

// ExecutionLog is one attempted run of a scheduled task
type ExecutionLog struct {
	ID          string          `json:"id"`
	TaskID      int64           `json:"task_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Message     string          `json:"result_message,omitempty"`
	ErrorDetail string          `json:"error_details,omitempty"`
	Data        json.RawMessage `json:"execution_data,omitempty"`
}

// AccountStatus is the outcome of one account within a run
type AccountStatus string

const (
	AccountStatusSuccess AccountStatus = "success"
	AccountStatusFailed  AccountStatus = "failed"
	AccountStatusSkipped AccountStatus = "skipped"
)

// Balance is a monetary value recovered from a post-login page
type Balance struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
	RawText  string  `json:"raw_text,omitempty"`
	// Implicit is set when no currency marker was present and USD was assumed
	Implicit bool   `json:"implicit_currency,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// AccountResult is the per-credential outcome of a run
type AccountResult struct {
	AccountID    int64         `json:"account_id"`
	Username     string        `json:"username"`
	Status       AccountStatus `json:"status"`
	Duration     time.Duration `json:"duration"`
	Message      string        `json:"message"`
	ErrorKind    ErrorKind     `json:"error_type,omitempty"`
	Attempts     int           `json:"retry_count"`
	FinalURL     string        `json:"final_url,omitempty"`
	CookieCount  int           `json:"cookies_count"`
	Balance      *Balance      `json:"balance,omitempty"`
	BalanceError string        `json:"balance_error,omitempty"`
}

// RunMetrics are process level figures sampled during a run
type RunMetrics struct {
	AccountsProcessed int       `json:"accounts_processed"`
	AccountsSucceeded int       `json:"accounts_succeeded"`
	AccountsFailed    int       `json:"accounts_failed"`
	BrowserSessions   int       `json:"browser_sessions"`
	PeakMemoryMB      float64   `json:"peak_memory_mb"`
	CPUPercent        float64   `json:"cpu_percent"`
	StartedAt         time.Time `json:"started_at"`
}

// ExecutionData is the payload stored on a finalized oauth_login log
type ExecutionData struct {
	TargetURL string          `json:"target_website"`
	Total     int             `json:"total_accounts"`
	Succeeded int             `json:"success_count"`
	Failed    int             `json:"failed_count"`
	Skipped   int             `json:"skipped_count"`
	Accounts  []AccountResult `json:"results"`
	Metrics   *RunMetrics     `json:"metrics,omitempty"`
}

// ExecutionResult is published on the event bus when a run finishes
type ExecutionResult struct {
	TaskID      int64           `json:"task_id"`
	TaskName    string          `json:"task_name"`
	LogID       string          `json:"log_id"`
	Status      ExecutionStatus `json:"status"`
	Message     string          `json:"message"`
	Duration    time.Duration   `json:"duration"`
	Accounts    []AccountResult `json:"accounts,omitempty"`
	NextRunTime *time.Time      `json:"next_run_time,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}
