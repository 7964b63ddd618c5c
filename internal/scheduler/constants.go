package scheduler

import "time"

const (
	// DefaultTimezone is applied to tasks that do not carry a timezone
	DefaultTimezone = "Asia/Shanghai"
	// DefaultTolerance is the half-width of the window in which a run counts as on time
	DefaultTolerance = 30 * time.Second

	defaultPollInterval    = 30 * time.Second
	defaultErrorBackoff    = 60 * time.Second
	defaultShutdownTimeout = 5 * time.Minute
	defaultRetentionPeriod = 30 * 24 * time.Hour
	defaultJanitorInterval = time.Hour
)
