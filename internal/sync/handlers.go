package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/constructpro/fieldsync/internal/api"
	"github.com/constructpro/fieldsync/internal/model"
)

// syncDailyLogCreate pushes an offline-created daily log to the backend,
// then swaps the local placeholder for the server-confirmed record.
func (s *Syncer) syncDailyLogCreate(ctx context.Context, action *model.PendingAction) Result {
	var payload model.DailyLogCreatePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("malformed payload: %w", err)}
	}

	created, err := s.api.CreateDailyLog(ctx, &payload.Log)
	if err != nil {
		return s.classify(action, err)
	}

	// The server assigned the real id; retire the local placeholder and
	// repoint anything that referenced it. Cache errors never fail the
	// sync, the mutation already landed.
	if payload.LocalID != "" && payload.LocalID != created.ID {
		if err := s.cache.DeleteDailyLog(ctx, payload.LocalID); err != nil {
			slog.Warn("failed to drop local placeholder from cache",
				"local_id", payload.LocalID, "error", err)
		}
		if n, err := s.cache.RekeyAttachments(ctx, payload.LocalID, created.ID); err != nil {
			slog.Warn("failed to rekey cached attachments",
				"local_id", payload.LocalID, "server_id", created.ID, "error", err)
		} else if n > 0 {
			slog.Debug("rekeyed cached attachments",
				"local_id", payload.LocalID, "server_id", created.ID, "count", n)
		}
	}
	if err := s.cache.UpsertDailyLog(ctx, created, false); err != nil {
		slog.Warn("failed to cache created daily log", "id", created.ID, "error", err)
	}

	return Result{Outcome: OutcomeSuccess}
}

// syncDailyLogUpdate pushes an offline edit to the backend after checking
// the server copy has not moved past the version the edit was based on.
func (s *Syncer) syncDailyLogUpdate(ctx context.Context, action *model.PendingAction) Result {
	var payload model.DailyLogUpdatePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("malformed payload: %w", err)}
	}

	current, err := s.api.GetDailyLog(ctx, payload.DailyLogID)
	if err != nil {
		if api.IsNotFound(err) {
			// Deleted on the server; retrying would never succeed
			return Result{
				Outcome: OutcomeFailed,
				Err:     fmt.Errorf("daily log %s no longer exists on server", payload.DailyLogID),
			}
		}
		return s.classify(action, err)
	}

	serverVersion := DeriveVersion(current.UpdatedAt)
	if payload.BaseVersion != 0 && serverVersion > payload.BaseVersion {
		serverData, err := json.Marshal(current)
		if err != nil {
			return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("failed to snapshot server record: %w", err)}
		}
		return Result{
			Outcome: OutcomeConflict,
			Conflict: &model.ConflictData{
				LocalVersion:  payload.BaseVersion,
				ServerVersion: serverVersion,
				ServerData:    serverData,
			},
		}
	}

	updated, err := s.api.UpdateDailyLog(ctx, payload.DailyLogID, &payload.Patch)
	if err != nil {
		return s.classify(action, err)
	}

	if err := s.cache.UpsertDailyLog(ctx, updated, false); err != nil {
		slog.Warn("failed to cache updated daily log", "id", updated.ID, "error", err)
	}

	return Result{Outcome: OutcomeSuccess}
}

// syncAnnotationCreate pushes a drawing annotation to the backend.
// Annotations are fetched fresh when a drawing opens, so there is no cache
// to reconcile.
func (s *Syncer) syncAnnotationCreate(ctx context.Context, action *model.PendingAction) Result {
	var payload model.AnnotationCreatePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("malformed payload: %w", err)}
	}

	if _, err := s.api.CreateAnnotation(ctx, &payload.Annotation); err != nil {
		return s.classify(action, err)
	}

	return Result{Outcome: OutcomeSuccess}
}
