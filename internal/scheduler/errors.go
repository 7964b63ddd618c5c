package scheduler

import "errors"

var (
	// ErrInvalidCronExpression is returned when a cron expression cannot be parsed
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// ErrInvalidTimezone is returned when a task timezone is unknown
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("scheduler already started")
)
