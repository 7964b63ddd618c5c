package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/t77yq/autologin/internal/authflow"
	"github.com/t77yq/autologin/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		message   string
		kind      model.ErrorKind
		retryable bool
	}{
		{authflow.MsgStillOnLoginPage, model.ErrorKindLoginFailed, false},
		{"GitHub登录失败，仍在登录页面", model.ErrorKindLoginFailed, false},
		{authflow.MsgMissingInputField + ": username", model.ErrorKindUIElementMissing, false},
		{authflow.MsgMissingInputField + ": 2FA code", model.ErrorKindUIElementMissing, false},
		{"未找到GitHub用户名输入框", model.ErrorKindUIElementMissing, false},
		{authflow.MsgUnknownOAuthOption, model.ErrorKindOAuthFailed, false},
		{"account not found: 42", model.ErrorKindAccountNotFound, false},
		{authflow.MsgWindowNotOpened + ", current url: https://example.com/login", model.ErrorKindOAuthFailed, true},
		{authflow.MsgRedirectFailed + ", stopped at https://github.com/login/oauth", model.ErrorKindOAuthFailed, true},
		{authflow.MsgCheckupStuck, model.ErrorKindOAuthFailed, true},
		{authflow.MsgTwoFactorRejected, model.ErrorKindTwoFactorFailed, false},
		{authflow.MsgTwoFactorNoSecret, model.ErrorKindTwoFactorFailed, false},
		{"timeout: context deadline exceeded", model.ErrorKindNetwork, true},
		{"网络连接超时", model.ErrorKindNetwork, true},
		{"browser exception: target closed", model.ErrorKindSystemException, true},
		{"webdriver session crashed", model.ErrorKindUnknown, true},
		{"something unexpected happened", model.ErrorKindUnknown, false},
		{"", model.ErrorKindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.kind, Classify(tt.message))
			assert.Equal(t, tt.retryable, Retryable(tt.message))
		})
	}
}
