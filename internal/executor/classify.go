package executor

import (
	"strings"

	"github.com/t77yq/autologin/internal/model"
)

// classification rules, evaluated in order; first match wins
var classificationRules = []struct {
	kind model.ErrorKind
	// any keyword matches, unless all is set
	keywords []string
	all      bool
}{
	{kind: model.ErrorKindAccountNotFound, keywords: []string{"account not found", "未找到github账号", "github账号"}},
	{kind: model.ErrorKindLoginFailed, keywords: []string{"login failed", "still on login page", "登录失败", "仍在登录页面"}},
	{kind: model.ErrorKindUIElementMissing, keywords: []string{"missing input field"}},
	{kind: model.ErrorKindUIElementMissing, keywords: []string{"未找到", "输入框"}, all: true},
	{kind: model.ErrorKindTwoFactorFailed, keywords: []string{"2fa", "two-factor", "验证码"}},
	{kind: model.ErrorKindOAuthFailed, keywords: []string{"oauth"}},
	{kind: model.ErrorKindNetwork, keywords: []string{"network", "timeout", "connection", "网络", "超时"}},
	{kind: model.ErrorKindSystemException, keywords: []string{"exception", "panic", "异常"}},
}

// terminal failures, checked before retryableErrors
var nonRetryableErrors = []string{
	"account not found",
	"login failed, still on login page",
	"missing input field",
	"unknown oauth option",
	"未找到github账户",
	"github登录失败，仍在登录页面",
	"未找到github oauth登录选项",
	"未找到github用户名输入框",
	"未找到github密码输入框",
	"未找到2fa验证码输入框",
}

var retryableErrors = []string{
	"network",
	"timeout",
	"connection",
	"webdriver",
	"exception",
	"oauth window not opened",
	"oauth redirect monitoring failed",
	"oauth flow stuck",
	"网络",
	"超时",
	"异常",
}

// Classify maps a failure message onto an ErrorKind
func Classify(message string) model.ErrorKind {
	lower := strings.ToLower(message)
	for _, rule := range classificationRules {
		if rule.all && containsAll(lower, rule.keywords) {
			return rule.kind
		}
		if !rule.all && containsAny(lower, rule.keywords) {
			return rule.kind
		}
	}
	return model.ErrorKindUnknown
}

// Retryable reports whether a failed attempt with this message is worth repeating.
// Unknown failures are not retried.
func Retryable(message string) bool {
	lower := strings.ToLower(message)
	if containsAny(lower, nonRetryableErrors) {
		return false
	}
	return containsAny(lower, retryableErrors)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func containsAll(s string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(s, kw) {
			return false
		}
	}
	return true
}
