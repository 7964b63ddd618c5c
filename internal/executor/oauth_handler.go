package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/autologin/internal/authflow"
	"github.com/t77yq/autologin/internal/browser"
	"github.com/t77yq/autologin/internal/model"
	"github.com/t77yq/autologin/internal/storage"
)

// Decrypter reveals stored account secrets
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// LoginDriver performs one login attempt on an open page
type LoginDriver interface {
	Login(ctx context.Context, page browser.Page, target string, creds model.Credentials) *authflow.Result
}

// RunMonitor samples per-run metrics
type RunMonitor interface {
	Begin(taskID int64, name string)
	BrowserSession(taskID int64)
	AccountFinished(taskID int64, result model.AccountResult)
	End(taskID int64) *model.RunMetrics
}

// OAuthHandlerConfig configures the oauth_login handler
type OAuthHandlerConfig struct {
	// AccountPace is the minimum gap between two account logins of one run
	AccountPace time.Duration
	RetryBase   time.Duration
	RetryStep   time.Duration
	// DefaultAttempts applies to tasks without a retry_count
	DefaultAttempts int
}

// OAuthHandler runs oauth_login tasks: every configured account is logged in
// sequentially, each in its own browser, with bounded retries.
type OAuthHandler struct {
	logger   *zap.Logger
	config   OAuthHandlerConfig
	accounts storage.AccountStore
	vault    Decrypter
	launcher browser.Launcher
	driver   LoginDriver
	retrier  *Retrier
	events   *EventLog
	monitor  RunMonitor
	now      func() time.Time
}

// NewOAuthHandler creates the oauth_login handler. events and monitor may be nil.
func NewOAuthHandler(
	config OAuthHandlerConfig,
	accounts storage.AccountStore,
	vault Decrypter,
	launcher browser.Launcher,
	driver LoginDriver,
	events *EventLog,
	monitor RunMonitor,
	logger *zap.Logger,
) *OAuthHandler {
	if config.RetryBase <= 0 {
		config.RetryBase = defaultRetryBase
	}
	if config.RetryStep <= 0 {
		config.RetryStep = defaultRetryStep
	}
	return &OAuthHandler{
		logger:   logger.Named("oauth-handler"),
		config:   config,
		accounts: accounts,
		vault:    vault,
		launcher: launcher,
		driver:   driver,
		retrier:  NewRetrier(LinearBackoff{Base: config.RetryBase, Step: config.RetryStep}, logger),
		events:   events,
		monitor:  monitor,
		now:      time.Now,
	}
}

// Execute implements TaskHandler
func (h *OAuthHandler) Execute(ctx context.Context, task *model.ScheduledTask) (*TaskResult, error) {
	params := task.Params
	if len(params.AccountIDs) == 0 {
		return nil, ErrNoAccounts
	}
	if strings.TrimSpace(params.TargetURL) == "" {
		return nil, ErrNoTarget
	}

	retrier := h.retrier
	if params.RetryDelay > 0 {
		retrier = retrier.WithStrategy(LinearBackoff{
			Base: time.Duration(params.RetryDelay) * time.Second,
			Step: h.config.RetryStep,
		})
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if h.config.AccountPace > 0 {
		limiter = rate.NewLimiter(rate.Every(h.config.AccountPace), 1)
	}

	start := h.now()
	h.events.TaskStart(task.ID, task.Name, len(params.AccountIDs))
	if h.monitor != nil {
		h.monitor.Begin(task.ID, task.Name)
	}

	data := &model.ExecutionData{
		TargetURL: params.TargetURL,
		Total:     len(params.AccountIDs),
	}

	for _, id := range params.AccountIDs {
		var result model.AccountResult
		if err := limiter.Wait(ctx); err != nil {
			result = model.AccountResult{
				AccountID: id,
				Status:    model.AccountStatusSkipped,
				Message:   fmt.Sprintf("run cancelled before account was processed: %v", err),
			}
		} else {
			result = h.processAccount(ctx, task, id, retrier)
		}

		switch result.Status {
		case model.AccountStatusSuccess:
			data.Succeeded++
		case model.AccountStatusSkipped:
			data.Skipped++
		default:
			data.Failed++
		}
		data.Accounts = append(data.Accounts, result)

		h.events.AccountResult(task.ID, result)
		if h.monitor != nil {
			h.monitor.AccountFinished(task.ID, result)
		}
	}

	if h.monitor != nil {
		data.Metrics = h.monitor.End(task.ID)
	}
	h.events.TaskComplete(task.ID, data.Succeeded, data.Total, h.now().Sub(start))

	result := &TaskResult{
		Success: data.Succeeded > 0,
		Message: formatSummary(data),
		Data:    data,
	}
	if !result.Success {
		result.ErrorDetail = firstFailure(data)
	}
	return result, nil
}

func (h *OAuthHandler) processAccount(ctx context.Context, task *model.ScheduledTask, accountID int64, retrier *Retrier) (result model.AccountResult) {
	start := h.now()
	result.AccountID = accountID
	defer func() {
		result.Duration = h.now().Sub(start)
	}()

	logger := h.logger.With(zap.Int64("task_id", task.ID), zap.Int64("account_id", accountID))

	account, err := h.accounts.GetAccount(ctx, task.UserID, accountID)
	if err != nil {
		result.Status = model.AccountStatusFailed
		if errors.Is(err, storage.ErrAccountNotFound) {
			result.ErrorKind = model.ErrorKindAccountNotFound
			result.Message = fmt.Sprintf("account not found: %d", accountID)
		} else {
			result.ErrorKind = model.ErrorKindSystemException
			result.Message = fmt.Sprintf("failed to load account: %v", err)
		}
		logger.Warn("Account unavailable", zap.Error(err))
		return result
	}
	result.Username = account.Username
	logger = logger.With(zap.String("username", account.Username))

	creds, err := h.credentials(account)
	if err != nil {
		result.Status = model.AccountStatusSkipped
		result.ErrorKind = model.ErrorKindCredentialDecryption
		result.Message = fmt.Sprintf("credential decryption failed: %v", err)
		logger.Error("Failed to decrypt account credentials", zap.Error(err))
		return result
	}

	h.events.AccountStart(task.ID, account.ID, account.Username)
	logger.Info("Processing account")

	var last *authflow.Result
	outcome := retrier.Do(ctx, task.Params.MaxAttempts(h.config.DefaultAttempts),
		func(ctx context.Context, attempt int) (bool, string) {
			last = h.attempt(ctx, task.ID, account.ID, task.Params.TargetURL, creds)
			return last.Success, last.Message
		},
		func(attempt, maxAttempts int, _ time.Duration, lastError string) {
			h.events.RetryAttempt(task.ID, account.ID, account.Username, attempt, maxAttempts, lastError)
		})

	result.Attempts = outcome.Attempts
	result.Message = outcome.Message
	if last != nil {
		result.FinalURL = last.FinalURL
		result.CookieCount = len(last.Cookies)
		result.Balance = last.Balance
		result.BalanceError = last.BalanceError
	}

	if outcome.Success {
		result.Status = model.AccountStatusSuccess
		logger.Info("Account login succeeded", zap.Int("attempts", outcome.Attempts))
	} else {
		result.Status = model.AccountStatusFailed
		result.ErrorKind = outcome.Kind
		logger.Warn("Account login failed",
			zap.Int("attempts", outcome.Attempts),
			zap.String("error_type", string(outcome.Kind)),
			zap.String("error", outcome.Message))
	}
	return result
}

// attempt runs the login flow once in a fresh browser that is always closed afterwards
func (h *OAuthHandler) attempt(ctx context.Context, taskID, accountID int64, target string, creds model.Credentials) (result *authflow.Result) {
	page, err := h.launcher.Launch(ctx)
	if err != nil {
		return &authflow.Result{Message: fmt.Sprintf("browser exception: failed to launch browser: %v", err)}
	}
	if h.monitor != nil {
		h.monitor.BrowserSession(taskID)
	}
	h.events.Browser(taskID, accountID, "browser session opened")

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Login attempt panicked", zap.Any("panic", r))
			result = &authflow.Result{Message: fmt.Sprintf("browser exception: login panicked: %v", r)}
		}
		if err := page.Close(); err != nil {
			h.logger.Warn("Failed to close browser", zap.Error(err))
		}
		h.events.Browser(taskID, accountID, "browser session closed")
	}()

	return h.driver.Login(ctx, page, target, creds)
}

func (h *OAuthHandler) credentials(account *model.Account) (model.Credentials, error) {
	password, err := h.vault.Decrypt(account.EncryptedPassword)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("password: %w", err)
	}

	var secret string
	if account.EncryptedTOTPSecret != "" {
		secret, err = h.vault.Decrypt(account.EncryptedTOTPSecret)
		if err != nil {
			return model.Credentials{}, fmt.Errorf("totp secret: %w", err)
		}
	}

	return model.Credentials{
		Username:   account.Username,
		Password:   password,
		TOTPSecret: secret,
	}, nil
}

func formatSummary(data *model.ExecutionData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OAuth login finished: %d ok / %d failed / %d skipped (%s)",
		data.Succeeded, data.Failed, data.Skipped, data.TargetURL)

	for _, r := range data.Accounts {
		name := r.Username
		if name == "" {
			name = fmt.Sprintf("account #%d", r.AccountID)
		}

		if r.Status == model.AccountStatusSuccess {
			fmt.Fprintf(&b, "\n  [ok] %s: logged in (%.1fs)", name, r.Duration.Seconds())
			if r.Balance != nil {
				fmt.Fprintf(&b, " | balance: %s %s",
					strconv.FormatFloat(r.Balance.Value, 'f', -1, 64), r.Balance.Currency)
			}
			continue
		}

		fmt.Fprintf(&b, "\n  [%s] %s: %s", r.Status, name, r.Message)
		if r.ErrorKind != model.ErrorKindNone {
			fmt.Fprintf(&b, " (%s)", r.ErrorKind)
		}
	}
	return b.String()
}

func firstFailure(data *model.ExecutionData) string {
	for _, r := range data.Accounts {
		if r.Status != model.AccountStatusSuccess && r.Message != "" {
			return r.Message
		}
	}
	return ""
}
