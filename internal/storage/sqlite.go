package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/model"
)

const schema = `
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		task_type TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'Asia/Shanghai',
		task_params TEXT,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		last_run_time DATETIME,
		next_run_time DATETIME,
		total_runs INTEGER NOT NULL DEFAULT 0,
		success_runs INTEGER NOT NULL DEFAULT 0,
		failed_runs INTEGER NOT NULL DEFAULT 0,
		last_result TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks(is_active, next_run_time);

	CREATE TABLE IF NOT EXISTS github_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		username TEXT NOT NULL,
		encrypted_password TEXT NOT NULL,
		encrypted_totp_secret TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id TEXT PRIMARY KEY,
		task_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration INTEGER,
		result_message TEXT,
		error_details TEXT,
		execution_data TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_task_id ON execution_logs(task_id);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_started_at ON execution_logs(started_at);
`

const taskColumns = `id, user_id, name, task_type, cron_expression, timezone, task_params, is_active,
	last_run_time, next_run_time, total_runs, success_runs, failed_runs, last_result, created_at, updated_at`

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens the database at dbPath and creates missing tables
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	store := NewSQLiteStoreWithDB(logger, db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// NewSQLiteStoreWithDB wraps an existing connection without touching the schema
func NewSQLiteStoreWithDB(logger *zap.Logger, db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}
}

// Migrate creates the necessary tables if they don't exist
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// CreateTask implements TaskStore.CreateTask
func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.ScheduledTask) error {
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal task params: %w", err)
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (
			user_id, name, task_type, cron_expression, timezone, task_params,
			is_active, next_run_time, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.UserID,
		task.Name,
		task.Kind,
		task.CronExpression,
		task.Timezone,
		string(params),
		task.Enabled,
		nullTime(task.NextRunTime),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task id: %w", err)
	}
	task.ID = id
	return nil
}

// GetTask implements TaskStore.GetTask
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListDueTasks implements TaskStore.ListDueTasks
func (s *SQLiteStore) ListDueTasks(ctx context.Context, before time.Time) ([]*model.ScheduledTask, error) {
	return s.queryTasks(ctx, "SELECT "+taskColumns+` FROM scheduled_tasks
		WHERE is_active = 1 AND next_run_time IS NOT NULL AND next_run_time <= ?
		ORDER BY next_run_time ASC`, before.UTC())
}

// ListUnscheduledTasks implements TaskStore.ListUnscheduledTasks
func (s *SQLiteStore) ListUnscheduledTasks(ctx context.Context) ([]*model.ScheduledTask, error) {
	return s.queryTasks(ctx, "SELECT "+taskColumns+` FROM scheduled_tasks
		WHERE is_active = 1 AND next_run_time IS NULL`)
}

// SetNextRunTime implements TaskStore.SetNextRunTime
func (s *SQLiteStore) SetNextRunTime(ctx context.Context, id int64, next time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_tasks SET next_run_time = ?, updated_at = ? WHERE id = ?",
		next.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set next run time: %w", err)
	}
	return expectAffected(result, fmt.Errorf("%w: %d", ErrTaskNotFound, id))
}

// RecordRun implements TaskStore.RecordRun
func (s *SQLiteStore) RecordRun(ctx context.Context, id int64, update RunUpdate) error {
	success, failed := 0, 1
	if update.Success {
		success, failed = 1, 0
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			total_runs = total_runs + 1,
			success_runs = success_runs + ?,
			failed_runs = failed_runs + ?,
			last_run_time = ?,
			last_result = ?,
			next_run_time = COALESCE(?, next_run_time),
			updated_at = ?
		WHERE id = ?`,
		success,
		failed,
		update.RanAt.UTC(),
		update.LastResult,
		nullTime(update.NextRunTime),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return expectAffected(result, fmt.Errorf("%w: %d", ErrTaskNotFound, id))
}

// CreateAccount implements AccountStore.CreateAccount
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *model.Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO github_accounts (
			user_id, username, encrypted_password, encrypted_totp_secret, created_at
		) VALUES (?, ?, ?, ?, ?)`,
		account.UserID,
		account.Username,
		account.EncryptedPassword,
		account.EncryptedTOTPSecret,
		account.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get account id: %w", err)
	}
	account.ID = id
	return nil
}

// GetAccount implements AccountStore.GetAccount
func (s *SQLiteStore) GetAccount(ctx context.Context, userID, id int64) (*model.Account, error) {
	var account model.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, username, encrypted_password, encrypted_totp_secret, created_at
		FROM github_accounts
		WHERE id = ? AND user_id = ?`, id, userID).Scan(
		&account.ID,
		&account.UserID,
		&account.Username,
		&account.EncryptedPassword,
		&account.EncryptedTOTPSecret,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	var params, lastResult sql.NullString
	var lastRun, nextRun sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Name,
		&task.Kind,
		&task.CronExpression,
		&task.Timezone,
		&params,
		&task.Enabled,
		&lastRun,
		&nextRun,
		&task.RunCount,
		&task.SuccessCount,
		&task.ErrorCount,
		&lastResult,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &task.Params); err != nil {
			return nil, fmt.Errorf("failed to decode task params: %w", err)
		}
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		task.LastRunTime = &t
	}
	if nextRun.Valid {
		t := nextRun.Time.UTC()
		task.NextRunTime = &t
	}
	if lastResult.Valid {
		task.LastResult = lastResult.String
	}

	return &task, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func expectAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
