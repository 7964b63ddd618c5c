package model

import (
	"time"
)

// TaskKind identifies the handler a scheduled task is dispatched to
type TaskKind string

const (
	TaskKindOAuthLogin TaskKind = "oauth_login"
)

// DefaultRetryCount is used when a task does not configure retry_count
const DefaultRetryCount = 3

// ScheduledTask represents a cron-driven unit of recurring work
type ScheduledTask struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Name           string     `json:"name"`
	Kind           TaskKind   `json:"task_type"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone"`
	Params         TaskParams `json:"task_params"`
	Enabled        bool       `json:"is_active"`

	// Timing fields, always UTC
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`

	// Statistics
	RunCount     int    `json:"total_runs"`
	SuccessCount int    `json:"success_runs"`
	ErrorCount   int    `json:"failed_runs"`
	LastResult   string `json:"last_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskParams is the parameter bag of an oauth_login task
type TaskParams struct {
	AccountIDs []int64 `json:"github_account_ids"`
	TargetURL  string  `json:"target_website"`
	RetryCount int     `json:"retry_count,omitempty"`
	// RetryDelay overrides the base backoff in seconds
	RetryDelay int `json:"retry_delay,omitempty"`
}

// MaxAttempts returns the task's retry count, falling back to fallback and
// then to DefaultRetryCount
func (p TaskParams) MaxAttempts(fallback int) int {
	switch {
	case p.RetryCount > 0:
		return p.RetryCount
	case fallback > 0:
		return fallback
	default:
		return DefaultRetryCount
	}
}

// Account is a stored identity provider credential set
type Account struct {
	ID                  int64     `json:"id"`
	UserID              int64     `json:"user_id"`
	Username            string    `json:"username"`
	EncryptedPassword   string    `json:"-"`
	EncryptedTOTPSecret string    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
}

// Credentials holds decrypted account secrets for a single run
type Credentials struct {
	Username   string
	Password   string
	TOTPSecret string
}
