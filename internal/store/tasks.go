package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateTask creates a PENDING task for the thread. It fails with ErrConflict
// when the thread already has a non-terminal task. The partial unique index
// on tasks(thread_id) makes the check-and-create atomic under concurrent
// submissions.
func (s *Store) CreateTask(ctx context.Context, threadID, agentID string) (*Task, error) {
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, thread_id, agent_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, threadID, agentID, StatusPending)
		return err
	})
	if err != nil {
		if isActiveTaskConflict(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.publishState(taskID, threadID, "", StatusPending)
	return s.GetTask(ctx, taskID)
}

// isActiveTaskConflict detects a violation of the one-active-task-per-thread
// unique index.
func isActiveTaskConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") &&
		strings.Contains(msg, "tasks.thread_id")
}

// GetTask returns the task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	var cancelRequested int
	var result, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, agent_id, status, cancel_requested, result, error, created_at, updated_at
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(
		&task.ID, &task.ThreadID, &task.AgentID, &task.Status,
		&cancelRequested, &result, &errMsg, &task.CreatedAt, &task.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	task.CancelRequested = cancelRequested != 0
	task.Result = result.String
	task.Error = errMsg.String
	return &task, nil
}

// ActiveTask returns the thread's non-terminal task, or nil when there is none.
func (s *Store) ActiveTask(ctx context.Context, threadID string) (*Task, error) {
	var taskID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE thread_id = ? AND status IN (?, ?);
	`, threadID, StatusPending, StatusRunning).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select active task: %w", err)
	}
	return s.GetTask(ctx, taskID)
}

// ListTasksByThread returns the thread's tasks in creation order.
func (s *Store) ListTasksByThread(ctx context.Context, threadID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, agent_id, status, cancel_requested, result, error, created_at, updated_at
		FROM tasks
		WHERE thread_id = ?
		ORDER BY rowid ASC;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		var cancelRequested int
		var result, errMsg sql.NullString
		if err := rows.Scan(
			&task.ID, &task.ThreadID, &task.AgentID, &task.Status,
			&cancelRequested, &result, &errMsg, &task.CreatedAt, &task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.CancelRequested = cancelRequested != 0
		task.Result = result.String
		task.Error = errMsg.String
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// StartTask transitions PENDING -> RUNNING. It is an idempotent no-op when
// the task is already RUNNING, guarding against duplicate dispatch.
func (s *Store) StartTask(ctx context.Context, taskID string) error {
	var from, to Status
	var threadID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin start tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Status
		if err := tx.QueryRowContext(ctx, `
			SELECT status, thread_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&current, &threadID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("select task for start: %w", err)
		}
		if current == StatusRunning {
			from, to = "", ""
			return tx.Commit()
		}
		if !canTransition(current, StatusRunning) {
			return &InvalidTransitionError{TaskID: taskID, From: current, To: StatusRunning}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, StatusRunning, taskID, current); err != nil {
			return fmt.Errorf("update task start: %w", err)
		}
		from, to = current, StatusRunning
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if to != "" {
		s.publishState(taskID, threadID, from, to)
	}
	return nil
}

// nextSeqTx assigns the next sequence number for the task's progress log.
// Runs inside the caller's transaction so seqs stay contiguous from 1.
func nextSeqTx(ctx context.Context, tx *sql.Tx, taskID string) (int64, error) {
	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM task_progress WHERE task_id = ?;
	`, taskID).Scan(&next); err != nil {
		return 0, fmt.Errorf("next progress seq: %w", err)
	}
	return next, nil
}

func appendProgressTx(ctx context.Context, tx *sql.Tx, taskID, kind, payload string) (int64, error) {
	if payload == "" {
		payload = "{}"
	}
	seq, err := nextSeqTx(ctx, tx, taskID)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_progress (task_id, seq, kind, payload, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, taskID, seq, kind, payload); err != nil {
		return 0, fmt.Errorf("insert progress entry: %w", err)
	}
	return seq, nil
}

// AppendProgress appends a progress entry to a RUNNING task and publishes it
// on the bus once committed. Returns the assigned sequence number.
func (s *Store) AppendProgress(ctx context.Context, taskID, kind, payload string) (int64, error) {
	var seq int64
	var threadID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin progress tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Status
		if err := tx.QueryRowContext(ctx, `
			SELECT status, thread_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&current, &threadID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("select task for progress: %w", err)
		}
		if current != StatusRunning {
			return fmt.Errorf("append progress to %s task %s: %w", current, taskID, ErrNotRunning)
		}
		seq, err = appendProgressTx(ctx, tx, taskID, kind, payload)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	s.publishProgress(taskID, threadID, seq, kind, payload)
	return seq, nil
}

// terminalTransition flips a task to a terminal state, appending the
// optional terminal progress entry in the same transaction. When the task is
// already terminal it returns the existing status without side effects, so
// duplicate completion/cancellation signals are harmless.
func (s *Store) terminalTransition(ctx context.Context, taskID string, to Status, entryKind, entryPayload string, result, errMsg *string) (Status, error) {
	var final Status
	var from Status
	var threadID string
	var seq int64
	var appended bool
	err := retryOnBusy(ctx, 5, func() error {
		appended = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin terminal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Status
		if err := tx.QueryRowContext(ctx, `
			SELECT status, thread_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&current, &threadID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if current.Terminal() {
			final = current
			from = ""
			return tx.Commit()
		}
		if !canTransition(current, to) {
			return &InvalidTransitionError{TaskID: taskID, From: current, To: to}
		}

		if entryKind != "" {
			seq, err = appendProgressTx(ctx, tx, taskID, entryKind, entryPayload)
			if err != nil {
				return err
			}
			appended = true
		}

		resValue := sql.NullString{}
		if result != nil {
			resValue = sql.NullString{String: *result, Valid: true}
		}
		errValue := sql.NullString{}
		if errMsg != nil {
			errValue = sql.NullString{String: *errMsg, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				result = CASE WHEN ? THEN ? ELSE result END,
				error = CASE WHEN ? THEN ? ELSE error END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, taskID, current)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("task %s changed state during transition", taskID)
		}
		final = to
		from = current
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if from != "" {
		if appended {
			s.publishProgress(taskID, threadID, seq, entryKind, entryPayload)
		}
		s.publishState(taskID, threadID, from, final)
	}
	return final, nil
}

// CompleteTask transitions RUNNING -> SUCCEEDED, recording the result and
// appending the final progress entry. Idempotent on terminal tasks.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) (Status, error) {
	payload, err := json.Marshal(map[string]string{"result": result})
	if err != nil {
		return "", fmt.Errorf("encode result payload: %w", err)
	}
	return s.terminalTransition(ctx, taskID, StatusSucceeded, ProgressKindResult, string(payload), &result, nil)
}

// FailTask transitions RUNNING -> FAILED, recording the error as the terminal
// progress entry. Idempotent on terminal tasks.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) (Status, error) {
	payload, err := json.Marshal(map[string]string{"error": errMsg})
	if err != nil {
		return "", fmt.Errorf("encode error payload: %w", err)
	}
	return s.terminalTransition(ctx, taskID, StatusFailed, ProgressKindError, string(payload), nil, &errMsg)
}

// CancelTask transitions PENDING or RUNNING -> CANCELLED. It appends no
// progress entry: nothing runs after the cancellation checkpoint. Idempotent
// on terminal tasks.
func (s *Store) CancelTask(ctx context.Context, taskID string) (Status, error) {
	return s.terminalTransition(ctx, taskID, StatusCancelled, "", "", nil, nil)
}

// RequestCancel sets the cooperative cancel flag. The runner observes it at
// its next checkpoint. Returns true if the task was still non-terminal.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?);
	`, taskID, StatusPending, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel rows affected: %w", err)
	}
	return affected > 0, nil
}

// IsCancelRequested reports the cooperative cancel flag for a task.
func (s *Store) IsCancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM tasks WHERE id = ?;
	`, taskID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("select cancel flag: %w", err)
	}
	return flag != 0, nil
}

// RecoverInterruptedTasks fails tasks left non-terminal by a crashed process.
// Runs are single-pass; retry is a fresh submit.
func (s *Store) RecoverInterruptedTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error = 'interrupted by restart', updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?);
	`, StatusFailed, StatusPending, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recovery rows affected: %w", err)
	}
	return n, nil
}

// ProgressBounds returns the min and max sequence numbers persisted for a
// task. Both are 0 when the log is empty.
func (s *Store) ProgressBounds(ctx context.Context, taskID string) (minSeq, maxSeq int64, err error) {
	var lo, hi sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(seq), MAX(seq) FROM task_progress WHERE task_id = ?;
	`, taskID).Scan(&lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("progress bounds: %w", err)
	}
	if lo.Valid {
		minSeq = lo.Int64
	}
	if hi.Valid {
		maxSeq = hi.Int64
	}
	return minSeq, maxSeq, nil
}

// ListProgressFrom returns progress entries with seq > fromSeq in ascending
// order, up to limit.
func (s *Store) ListProgressFrom(ctx context.Context, taskID string, fromSeq int64, limit int) ([]ProgressEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, kind, payload, created_at
		FROM task_progress
		WHERE task_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, taskID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []ProgressEntry
	for rows.Next() {
		var entry ProgressEntry
		if err := rows.Scan(&entry.TaskID, &entry.Seq, &entry.Kind, &entry.Payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress rows: %w", err)
	}
	return out, nil
}
