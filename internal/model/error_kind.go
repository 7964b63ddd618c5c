package model

// ErrorKind classifies a per-account failure
type ErrorKind string

const (
	ErrorKindNone                 ErrorKind = ""
	ErrorKindLoginFailed          ErrorKind = "login_failed"
	ErrorKindTwoFactorFailed      ErrorKind = "2fa_failed"
	ErrorKindOAuthFailed          ErrorKind = "oauth_failed"
	ErrorKindNetwork              ErrorKind = "network_error"
	ErrorKindUIElementMissing     ErrorKind = "ui_element_missing"
	ErrorKindAccountNotFound      ErrorKind = "account_not_found"
	ErrorKindSystemException      ErrorKind = "system_exception"
	ErrorKindUnknown              ErrorKind = "unknown_error"
	ErrorKindCredentialDecryption ErrorKind = "credential_decryption_failed"
)
