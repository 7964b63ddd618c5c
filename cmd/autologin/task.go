package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/autologin/internal/credentials"
	"github.com/t77yq/autologin/internal/executor"
	"github.com/t77yq/autologin/internal/model"
	"github.com/t77yq/autologin/internal/scheduler"
	"github.com/t77yq/autologin/internal/storage"
)

var taskOpts struct {
	userID     int64
	name       string
	cron       string
	timezone   string
	accounts   []int64
	target     string
	retries    int
	retryDelay int
	disabled   bool
	from       string
	logs       int
}

var accountOpts struct {
	userID     int64
	username   string
	password   string
	totpSecret string
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an oauth_login task",
	RunE: func(cmd *cobra.Command, args []string) error {
		tz := timezoneOrDefault(taskOpts.timezone)
		next, err := firstRun(taskOpts.cron, tz, taskOpts.from, time.Now())
		if err != nil {
			return err
		}

		store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		task := &model.ScheduledTask{
			UserID:         taskOpts.userID,
			Name:           taskOpts.name,
			Kind:           model.TaskKindOAuthLogin,
			CronExpression: taskOpts.cron,
			Timezone:       tz,
			Enabled:        !taskOpts.disabled,
			NextRunTime:    &next,
			Params: model.TaskParams{
				AccountIDs: taskOpts.accounts,
				TargetURL:  taskOpts.target,
				RetryCount: taskOpts.retries,
				RetryDelay: taskOpts.retryDelay,
			},
		}
		if err := store.CreateTask(cmd.Context(), task); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "task %d created, next run %s (%s)\n",
			task.ID, next.Format(time.RFC3339), scheduler.Describe(task.CronExpression, tz, time.Now()))
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its recent runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q: %w", args[0], err)
		}

		store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		task, err := store.GetTask(cmd.Context(), id)
		if err != nil {
			return err
		}
		total, err := store.CountExecutionLogs(cmd.Context(), id)
		if err != nil {
			return err
		}
		logs, err := store.ListExecutionLogs(cmd.Context(), id, 0, taskOpts.logs)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "#%d %s (%s)\n", task.ID, task.Name, task.Kind)
		fmt.Fprintf(out, "  schedule: %s [%s] %s\n", task.CronExpression, task.Timezone,
			scheduler.Describe(task.CronExpression, task.Timezone, time.Now()))
		fmt.Fprintf(out, "  enabled:  %t\n", task.Enabled)
		if task.NextRunTime != nil {
			fmt.Fprintf(out, "  next run: %s\n", task.NextRunTime.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "  runs:     %d total, %d ok, %d failed\n", task.RunCount, task.SuccessCount, task.ErrorCount)
		if task.LastResult != "" {
			fmt.Fprintf(out, "  last:     %s\n", strings.ReplaceAll(task.LastResult, "\n", "\n            "))
		}

		fmt.Fprintf(out, "  history (%d of %d):\n", len(logs), total)
		for _, entry := range logs {
			fmt.Fprintf(out, "    %s  %-7s %8s  %s\n",
				entry.StartedAt.Format(time.RFC3339), entry.Status,
				entry.Duration.Round(time.Millisecond), firstLine(entry.Message))
		}

		events, err := executor.NewEventLog(cfg.Executor.EventLog(), logger)
		if err != nil {
			return err
		}
		defer events.Stop()
		if summary, err := events.Summary(id); err == nil {
			fmt.Fprintf(out, "  last run events: %d accounts, %d ok, %d failed, %d skipped, %d retries\n",
				summary.Accounts, summary.Succeeded, summary.Failed, summary.Skipped, summary.Retries)
		}
		return nil
	},
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage stored provider accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store an account with encrypted credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := credentials.NewFernetVault(cfg.Vault.Keys...)
		if err != nil {
			return err
		}

		password, err := vault.Encrypt(accountOpts.password)
		if err != nil {
			return err
		}
		account := &model.Account{
			UserID:            accountOpts.userID,
			Username:          accountOpts.username,
			EncryptedPassword: password,
		}
		if accountOpts.totpSecret != "" {
			if account.EncryptedTOTPSecret, err = vault.Encrypt(accountOpts.totpSecret); err != nil {
				return err
			}
		}

		store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.CreateAccount(cmd.Context(), account); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "account %d created for %s\n", account.ID, account.Username)
		return nil
	},
}

const wallTimeLayout = "2006-01-02 15:04"

// firstRun returns the first occurrence not before from, a wall clock time in
// tz, or the first occurrence after now when from is empty
func firstRun(expr, tz, from string, now time.Time) (time.Time, error) {
	if from != "" {
		wall, err := time.Parse(wallTimeLayout, from)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --from %q, want %q: %w", from, wallTimeLayout, err)
		}
		local, err := scheduler.LocalizeWallTime(wall, tz)
		if err != nil {
			return time.Time{}, err
		}
		now = local.Add(-time.Second)
	}
	return scheduler.NextRun(expr, tz, now)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func init() {
	f := taskAddCmd.Flags()
	f.Int64Var(&taskOpts.userID, "user", 1, "owner user id")
	f.StringVar(&taskOpts.name, "name", "", "task name")
	f.StringVar(&taskOpts.cron, "cron", "", "5-field cron expression")
	f.StringVar(&taskOpts.timezone, "tz", "", "timezone (default scheduler.default_timezone)")
	f.Int64SliceVar(&taskOpts.accounts, "accounts", nil, "account ids to log in")
	f.StringVar(&taskOpts.target, "target", "", "target site url")
	f.IntVar(&taskOpts.retries, "retries", 0, "attempts per account (default executor.default_retry_count)")
	f.IntVar(&taskOpts.retryDelay, "retry-delay", 0, "base retry delay in seconds")
	f.BoolVar(&taskOpts.disabled, "disabled", false, "create the task disabled")
	f.StringVar(&taskOpts.from, "from", "", `first run not before this local time, "2006-01-02 15:04" in the task timezone`)
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("cron")
	_ = taskAddCmd.MarkFlagRequired("accounts")
	_ = taskAddCmd.MarkFlagRequired("target")

	taskShowCmd.Flags().IntVar(&taskOpts.logs, "logs", 10, "number of recent runs to show")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskShowCmd)

	f = accountAddCmd.Flags()
	f.Int64Var(&accountOpts.userID, "user", 1, "owner user id")
	f.StringVar(&accountOpts.username, "username", "", "provider username")
	f.StringVar(&accountOpts.password, "password", "", "provider password")
	f.StringVar(&accountOpts.totpSecret, "totp-secret", "", "base32 TOTP secret")
	_ = accountAddCmd.MarkFlagRequired("username")
	_ = accountAddCmd.MarkFlagRequired("password")

	accountCmd.AddCommand(accountAddCmd)
}
