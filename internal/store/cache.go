package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/constructpro/fieldsync/internal/model"
)

// The read cache mirrors server records for offline display. It is a read
// optimization, not a source of truth: last write wins, and every row can
// be rebuilt from the backend.

// UpsertDailyLog inserts or updates a cached daily log. localOnly marks
// records created offline that the server has not confirmed yet.
func (s *Store) UpsertDailyLog(ctx context.Context, log *model.DailyLog, localOnly bool) error {
	payload, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to marshal daily log: %w", err)
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO cached_daily_logs (
			id, project_id, log_date, updated_at, local_only, payload
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			log_date = EXCLUDED.log_date,
			updated_at = EXCLUDED.updated_at,
			local_only = EXCLUDED.local_only,
			payload = EXCLUDED.payload,
			synced_at = NOW()
	`,
		log.ID, log.ProjectID, log.LogDate, log.UpdatedAt, localOnly, payload,
	)

	return err
}

// GetDailyLog retrieves a cached daily log by id, or nil if not cached
func (s *Store) GetDailyLog(ctx context.Context, id string) (*model.DailyLog, error) {
	var payload []byte

	err := s.Pool.QueryRow(ctx,
		"SELECT payload FROM cached_daily_logs WHERE id = $1", id,
	).Scan(&payload)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	log := &model.DailyLog{}
	if err := json.Unmarshal(payload, log); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached daily log: %w", err)
	}
	return log, nil
}

// DeleteDailyLog removes a cached daily log
func (s *Store) DeleteDailyLog(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM cached_daily_logs WHERE id = $1", id)
	return err
}

// UpsertAttachment inserts or updates a cached attachment record
func (s *Store) UpsertAttachment(ctx context.Context, att *model.Attachment) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO cached_attachments (
			id, daily_log_id, file_name, mime_type
		) VALUES (
			$1, $2, $3, $4
		)
		ON CONFLICT (id) DO UPDATE SET
			daily_log_id = EXCLUDED.daily_log_id,
			file_name = EXCLUDED.file_name,
			mime_type = EXCLUDED.mime_type,
			synced_at = NOW()
	`,
		att.ID, att.DailyLogID, att.FileName, att.MimeType,
	)

	return err
}

// ListStaleDailyLogIDs returns ids of server-confirmed cached logs whose
// snapshot is older than the cutoff, most stale first. Local-only rows are
// excluded; they have nothing to refresh from until their create syncs.
func (s *Store) ListStaleDailyLogIDs(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM cached_daily_logs
		WHERE local_only = FALSE AND synced_at < $1
		ORDER BY synced_at ASC
		LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// RekeyAttachments repoints cached attachments from a client-local daily
// log id to the server-assigned id after a create syncs. Returns how many
// rows were rekeyed.
func (s *Store) RekeyAttachments(ctx context.Context, localID, serverID string) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE cached_attachments
		SET daily_log_id = $2, synced_at = NOW()
		WHERE daily_log_id = $1`,
		localID, serverID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListAttachments returns cached attachments for a daily log
func (s *Store) ListAttachments(ctx context.Context, dailyLogID string) ([]model.Attachment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, daily_log_id, file_name, COALESCE(mime_type, '')
		FROM cached_attachments
		WHERE daily_log_id = $1
		ORDER BY file_name`,
		dailyLogID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []model.Attachment
	for rows.Next() {
		var att model.Attachment
		if err := rows.Scan(&att.ID, &att.DailyLogID, &att.FileName, &att.MimeType); err != nil {
			return nil, err
		}
		attachments = append(attachments, att)
	}

	return attachments, rows.Err()
}
