package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/constructpro/fieldsync/internal/model"
)

var (
	// ErrActionNotFound means the action id does not exist in the queue
	ErrActionNotFound = errors.New("pending action not found")

	// ErrNotInConflict means the action exists but is not parked in
	// conflict state
	ErrNotInConflict = errors.New("action is not in conflict state")

	// ErrUnknownResolution means the resolution strategy is not recognized
	ErrUnknownResolution = errors.New("unknown conflict resolution")
)

// ManualResolutionMessage is recorded on actions parked by a keep-both
// resolution
const ManualResolutionMessage = "kept both versions: reconcile local and server copies manually"

// ResolveConflict applies a user-chosen resolution to a conflicted action.
// Only actions in conflict state are eligible; anything else returns
// ErrNotInConflict without mutating the queue.
func (s *Syncer) ResolveConflict(ctx context.Context, id string, resolution model.Resolution) error {
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load action: %w", err)
	}
	if action == nil {
		return ErrActionNotFound
	}
	if action.Status != model.StatusConflict {
		return ErrNotInConflict
	}

	switch resolution {
	case model.ResolutionServerWins:
		err = s.resolveServerWins(ctx, action)

	case model.ResolutionMerge:
		// Field-level merge needs per-type merge rules that don't exist
		// yet, so merge currently degrades to accepting the server copy
		slog.Warn("merge resolution not implemented, falling back to server-wins",
			"action_id", action.ID)
		err = s.resolveServerWins(ctx, action)

	case model.ResolutionClientWins:
		// Re-queue the local mutation as-is. The push is not forced: if
		// the server moves again before the drain reaches it, the action
		// conflicts again.
		err = s.store.ResetForRetry(ctx, action.ID)

	case model.ResolutionKeepBoth:
		err = s.store.MarkFailed(ctx, action.ID, action.RetryCount, ManualResolutionMessage)

	default:
		return ErrUnknownResolution
	}

	if err != nil {
		return fmt.Errorf("failed to apply %s resolution: %w", resolution, err)
	}

	slog.Info("conflict resolved",
		"action_id", action.ID, "type", action.Type, "resolution", resolution)
	s.refreshState(ctx, false)
	return nil
}

// resolveServerWins discards the local mutation and, for update actions,
// overwrites the cached record with the server snapshot captured at
// conflict time.
func (s *Syncer) resolveServerWins(ctx context.Context, action *model.PendingAction) error {
	if action.Type == model.ActionDailyLogUpdate &&
		action.Conflict != nil && len(action.Conflict.ServerData) > 0 {
		serverLog := &model.DailyLog{}
		if err := json.Unmarshal(action.Conflict.ServerData, serverLog); err != nil {
			slog.Warn("failed to decode server snapshot, cache left stale",
				"action_id", action.ID, "error", err)
		} else if err := s.cache.UpsertDailyLog(ctx, serverLog, false); err != nil {
			slog.Warn("failed to overwrite cache with server copy",
				"action_id", action.ID, "error", err)
		}
	}

	return s.store.DeleteAction(ctx, action.ID)
}
