package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/model"
)

const logColumns = `id, task_id, status, started_at, completed_at, duration,
	result_message, error_details, execution_data`

// CreateExecutionLog implements ExecutionLogStore.CreateExecutionLog
func (s *SQLiteStore) CreateExecutionLog(ctx context.Context, log *model.ExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (
			id, task_id, status, started_at
		) VALUES (?, ?, ?, ?)`,
		log.ID,
		log.TaskID,
		model.ExecutionStatusRunning,
		log.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution log: %w", err)
	}
	log.Status = model.ExecutionStatusRunning
	return nil
}

// FinalizeExecutionLog implements ExecutionLogStore.FinalizeExecutionLog
func (s *SQLiteStore) FinalizeExecutionLog(ctx context.Context, log *model.ExecutionLog) error {
	if !log.Status.IsTerminal() {
		return fmt.Errorf("cannot finalize execution log with status %q", log.Status)
	}
	if log.CompletedAt == nil {
		now := time.Now().UTC()
		log.CompletedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_logs SET
			status = ?,
			completed_at = ?,
			duration = ?,
			result_message = ?,
			error_details = ?,
			execution_data = ?
		WHERE id = ? AND status = ?`,
		log.Status,
		log.CompletedAt.UTC(),
		int64(log.Duration),
		sql.NullString{String: log.Message, Valid: log.Message != ""},
		sql.NullString{String: log.ErrorDetail, Valid: log.ErrorDetail != ""},
		sql.NullString{String: string(log.Data), Valid: len(log.Data) > 0},
		log.ID,
		model.ExecutionStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize execution log: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM execution_logs WHERE id = ?", log.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrLogNotFound, log.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read execution log status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrLogAlreadyFinalized, log.ID, status)
}

// GetExecutionLog implements ExecutionLogStore.GetExecutionLog
func (s *SQLiteStore) GetExecutionLog(ctx context.Context, id string) (*model.ExecutionLog, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+logColumns+" FROM execution_logs WHERE id = ?", id)
	log, err := scanExecutionLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrLogNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan execution log: %w", err)
	}
	return log, nil
}

// ListExecutionLogs implements ExecutionLogStore.ListExecutionLogs
func (s *SQLiteStore) ListExecutionLogs(ctx context.Context, taskID int64, offset, limit int) ([]*model.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+logColumns+` FROM execution_logs
		WHERE task_id = ?
		ORDER BY started_at DESC LIMIT ? OFFSET ?`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.ExecutionLog
	for rows.Next() {
		log, err := scanExecutionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return logs, nil
}

// CountExecutionLogs implements ExecutionLogStore.CountExecutionLogs
func (s *SQLiteStore) CountExecutionLogs(ctx context.Context, taskID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_logs WHERE task_id = ?", taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count execution logs: %w", err)
	}
	return count, nil
}

// DeleteLogsBefore implements ExecutionLogStore.DeleteLogsBefore
func (s *SQLiteStore) DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM execution_logs WHERE started_at < ? AND status != ?",
		before.UTC(), model.ExecutionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution logs",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

func scanExecutionLog(row scanner) (*model.ExecutionLog, error) {
	var log model.ExecutionLog
	var message, errorDetail, data sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&log.ID,
		&log.TaskID,
		&log.Status,
		&log.StartedAt,
		&completedAt,
		&durationNanos,
		&message,
		&errorDetail,
		&data,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time.UTC()
		log.CompletedAt = &t
	}
	if durationNanos.Valid {
		log.Duration = time.Duration(durationNanos.Int64)
	}
	if message.Valid {
		log.Message = message.String
	}
	if errorDetail.Valid {
		log.ErrorDetail = errorDetail.String
	}
	if data.Valid && data.String != "" {
		log.Data = json.RawMessage(data.String)
	}

	return &log, nil
}
