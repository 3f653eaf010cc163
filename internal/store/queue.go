package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/constructpro/fieldsync/internal/model"
)

const actionColumns = `
	id, action_type, payload, status, priority, retry_count, last_error,
	last_attempt_at, next_attempt_at,
	conflict_local_version, conflict_server_version, conflict_server_data,
	created_at, updated_at`

// Enqueue inserts a new pending action for a mutation. Duplicate
// submissions of the same mutation (same type and payload) return the
// already-queued action instead of a second row.
func (s *Store) Enqueue(ctx context.Context, actionType model.ActionType, payload json.RawMessage) (*model.PendingAction, error) {
	fingerprint := FingerprintAction(string(actionType), payload)

	row := s.Pool.QueryRow(ctx, `
		INSERT INTO pending_actions (
			id, action_type, payload, status, priority, source_hash
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (source_hash) DO NOTHING
		RETURNING`+actionColumns,
		uuid.New().String(), actionType, payload, model.StatusPending,
		actionType.Priority(), fingerprint,
	)

	action, err := scanAction(row)
	if err == nil {
		return action, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to enqueue action: %w", err)
	}

	// Fingerprint collision: the mutation is already queued
	row = s.Pool.QueryRow(ctx,
		"SELECT"+actionColumns+" FROM pending_actions WHERE source_hash = $1",
		fingerprint,
	)
	action, err = scanAction(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load queued duplicate: %w", err)
	}
	return action, nil
}

// GetAction retrieves a pending action by id, or nil if it doesn't exist
func (s *Store) GetAction(ctx context.Context, id string) (*model.PendingAction, error) {
	row := s.Pool.QueryRow(ctx,
		"SELECT"+actionColumns+" FROM pending_actions WHERE id = $1", id)

	action, err := scanAction(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return action, nil
}

// ListPending returns all pending actions in drain order: priority first,
// then creation time, so draining is deterministic.
func (s *Store) ListPending(ctx context.Context) ([]model.PendingAction, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT"+actionColumns+` FROM pending_actions
		WHERE status = $1
		ORDER BY priority ASC, created_at ASC`,
		model.StatusPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectActions(rows)
}

// ListByStatus returns all actions with the given status, oldest first
func (s *Store) ListByStatus(ctx context.Context, status model.ActionStatus) ([]model.PendingAction, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT"+actionColumns+` FROM pending_actions
		WHERE status = $1
		ORDER BY created_at ASC`,
		status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectActions(rows)
}

// CountByStatus returns the number of actions per status
func (s *Store) CountByStatus(ctx context.Context) (map[model.ActionStatus]int, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT status, COUNT(*) FROM pending_actions GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.ActionStatus]int)
	for rows.Next() {
		var status model.ActionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// MarkSyncing transitions an action to syncing: stamps the attempt time
// and clears the previous error.
func (s *Store) MarkSyncing(ctx context.Context, id string, attemptAt time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE pending_actions
		SET status = $2, last_error = '', last_attempt_at = $3, updated_at = NOW()
		WHERE id = $1`,
		id, model.StatusSyncing, attemptAt,
	)
	return err
}

// Reschedule puts an action back to pending after a retryable failure,
// recording the new retry count, the backoff gate, and the error message.
func (s *Store) Reschedule(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE pending_actions
		SET status = $2, retry_count = $3, next_attempt_at = $4,
			last_error = $5, updated_at = NOW()
		WHERE id = $1`,
		id, model.StatusPending, retryCount, nextAttemptAt, lastError,
	)
	return err
}

// MarkFailed parks an action as terminally failed
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, lastError string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE pending_actions
		SET status = $2, retry_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1`,
		id, model.StatusFailed, retryCount, lastError,
	)
	return err
}

// MarkConflict parks an action as conflicted and persists the conflict data
func (s *Store) MarkConflict(ctx context.Context, id string, conflict model.ConflictData) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE pending_actions
		SET status = $2, conflict_local_version = $3, conflict_server_version = $4,
			conflict_server_data = $5, updated_at = NOW()
		WHERE id = $1`,
		id, model.StatusConflict, conflict.LocalVersion, conflict.ServerVersion,
		conflict.ServerData,
	)
	return err
}

// ResetForRetry returns an action to a fresh pending state: retry count
// zero, no error, no attempt timestamps, no conflict data.
func (s *Store) ResetForRetry(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE pending_actions
		SET status = $2, retry_count = 0, last_error = '',
			last_attempt_at = NULL, next_attempt_at = NULL,
			conflict_local_version = NULL, conflict_server_version = NULL,
			conflict_server_data = NULL, updated_at = NOW()
		WHERE id = $1`,
		id, model.StatusPending,
	)
	return err
}

// DeleteAction removes an action from the queue
func (s *Store) DeleteAction(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM pending_actions WHERE id = $1", id)
	return err
}

// DeleteByStatus removes all actions with the given status and returns how
// many were deleted
func (s *Store) DeleteByStatus(ctx context.Context, status model.ActionStatus) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		"DELETE FROM pending_actions WHERE status = $1", status)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetStatus moves all actions from one status to another. Used to reset
// failed actions for retry and to recover actions stranded in syncing by a
// crash mid-drain.
func (s *Store) ResetStatus(ctx context.Context, from, to model.ActionStatus) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE pending_actions
		SET status = $2, retry_count = 0, last_error = '',
			last_attempt_at = NULL, next_attempt_at = NULL, updated_at = NOW()
		WHERE status = $1`,
		from, to,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// scanAction scans a single pending action row
func scanAction(row pgx.Row) (*model.PendingAction, error) {
	action := &model.PendingAction{}
	var localVersion, serverVersion *int64
	var serverData []byte

	err := row.Scan(
		&action.ID, &action.Type, &action.Payload, &action.Status,
		&action.Priority, &action.RetryCount, &action.LastError,
		&action.LastAttemptAt, &action.NextAttemptAt,
		&localVersion, &serverVersion, &serverData,
		&action.CreatedAt, &action.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if localVersion != nil && serverVersion != nil {
		action.Conflict = &model.ConflictData{
			LocalVersion:  *localVersion,
			ServerVersion: *serverVersion,
			ServerData:    serverData,
		}
	}

	return action, nil
}

// collectActions scans all rows into a slice
func collectActions(rows pgx.Rows) ([]model.PendingAction, error) {
	var actions []model.PendingAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}
