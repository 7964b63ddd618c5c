package authflow

import (
	"context"
	"errors"
	"fmt"
)

// Failure messages. The retry classifier keys on these phrases.
const (
	MsgUnknownOAuthOption = "unknown OAuth option: no GitHub login entry on page"
	MsgWindowNotOpened    = "OAuth window not opened"
	MsgMissingInputField  = "missing input field"
	MsgStillOnLoginPage   = "login failed, still on login page"
	MsgTwoFactorRejected  = "2FA verification failed, still on two-factor page"
	MsgTwoFactorNoSecret  = "2FA required but no TOTP secret configured"
	MsgCheckupStuck       = "OAuth flow stuck on security checkup page"
	MsgRedirectFailed     = "OAuth redirect monitoring failed"
	MsgFlowDidNotConverge = "OAuth flow did not converge"
	msgTimeoutPrefix      = "timeout"
	msgBrowserErrorPrefix = "browser exception"
)

// flowError is a classified failure raised by a transition
type flowError struct {
	msg string
}

func (e *flowError) Error() string {
	return e.msg
}

func failf(format string, args ...interface{}) error {
	return &flowError{msg: fmt.Sprintf(format, args...)}
}

func missingField(name string) error {
	return failf("%s: %s", MsgMissingInputField, name)
}

// failureMessage renders err the way it is reported in results
func failureMessage(err error) string {
	var fe *flowError
	switch {
	case errors.As(err, &fe):
		return fe.msg
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%s: %v", msgTimeoutPrefix, err)
	default:
		return fmt.Sprintf("%s: %v", msgBrowserErrorPrefix, err)
	}
}
