package executor

import "errors"

var (
	// ErrAlreadyRunning is returned when a task already has a run in flight
	ErrAlreadyRunning = errors.New("task already running")

	// ErrUnknownTaskKind is returned when no handler is registered for a task kind
	ErrUnknownTaskKind = errors.New("unknown task kind")

	// ErrNoAccounts is returned when an oauth_login task has no accounts configured
	ErrNoAccounts = errors.New("no accounts configured")

	// ErrNoTarget is returned when an oauth_login task has no target url
	ErrNoTarget = errors.New("no target website configured")
)
