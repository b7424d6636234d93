package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule submits a fixed message to a thread on a cron expression.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	ThreadID  string     `json:"thread_id"`
	AgentID   string     `json:"agent_id"`
	Message   string     `json:"message"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateSchedule inserts a schedule with its first run time precomputed.
func (s *Store) CreateSchedule(ctx context.Context, name, cronExpr, threadID, agentID, message string, nextRun time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, thread_id, agent_id, message, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, name, cronExpr, threadID, agentID, message, nextRun.UTC())
	if err != nil {
		return "", fmt.Errorf("insert schedule: %w", err)
	}
	return id, nil
}

// DueSchedules returns enabled schedules whose next run time has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, thread_id, agent_id, message, enabled, next_run_at, last_run_at, created_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListSchedules returns all schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, thread_id, agent_id, message, enabled, next_run_at, last_run_at, created_at
		FROM schedules
		ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var sched Schedule
		var enabled int
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(
			&sched.ID, &sched.Name, &sched.CronExpr, &sched.ThreadID, &sched.AgentID,
			&sched.Message, &enabled, &nextRun, &lastRun, &sched.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.Enabled = enabled != 0
		if nextRun.Valid {
			t := nextRun.Time
			sched.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// UpdateScheduleRun records a firing and the next computed run time.
func (s *Store) UpdateScheduleRun(ctx context.Context, scheduleID string, ranAt, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, ranAt.UTC(), nextRun.UTC(), scheduleID)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, flag, scheduleID)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	return nil
}
