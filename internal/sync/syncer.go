// Package sync drives the pending-action queue: it drains queued mutations
// to the backend one at a time, applies retry/backoff policy, detects
// version conflicts, and applies user conflict resolutions.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/constructpro/fieldsync/internal/api"
	"github.com/constructpro/fieldsync/internal/model"
)

// DefaultMaxRetries is the retry budget for transient failures.
const DefaultMaxRetries = 5

// ActionStore is the durable pending-action queue consumed by the syncer.
type ActionStore interface {
	ListPending(ctx context.Context) ([]model.PendingAction, error)
	GetAction(ctx context.Context, id string) (*model.PendingAction, error)
	MarkSyncing(ctx context.Context, id string, attemptAt time.Time) error
	Reschedule(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastError string) error
	MarkConflict(ctx context.Context, id string, conflict model.ConflictData) error
	ResetForRetry(ctx context.Context, id string) error
	DeleteAction(ctx context.Context, id string) error
	DeleteByStatus(ctx context.Context, status model.ActionStatus) (int64, error)
	ResetStatus(ctx context.Context, from, to model.ActionStatus) (int64, error)
	CountByStatus(ctx context.Context) (map[model.ActionStatus]int, error)
}

// ReadCache mirrors server records for offline display.
type ReadCache interface {
	UpsertDailyLog(ctx context.Context, log *model.DailyLog, localOnly bool) error
	DeleteDailyLog(ctx context.Context, id string) error
	RekeyAttachments(ctx context.Context, localID, serverID string) (int64, error)
}

// Client is the backend surface the syncer depends on. Errors must be
// either *api.StatusError (HTTP status) or transport failures.
type Client interface {
	CreateDailyLog(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error)
	UpdateDailyLog(ctx context.Context, id string, patch *model.DailyLogPatch) (*model.DailyLog, error)
	GetDailyLog(ctx context.Context, id string) (*model.DailyLog, error)
	CreateAnnotation(ctx context.Context, ann *model.Annotation) (*model.Annotation, error)
}

// Outcome classifies the result of dispatching one action.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeFailed
	OutcomeConflict
)

// Result is what a handler returns for one dispatched action.
type Result struct {
	Outcome  Outcome
	Err      error
	Backoff  time.Duration       // set for OutcomeRetry
	Conflict *model.ConflictData // set for OutcomeConflict
}

// Handler processes one action of a specific type.
type Handler func(ctx context.Context, action *model.PendingAction) Result

// Report summarizes one drain pass. Ran is false when another drain held
// the lock; Clean is true iff every dispatched action succeeded (actions
// skipped by backoff do not count against it).
type Report struct {
	Ran        bool
	Clean      bool
	Processed  int
	Succeeded  int
	Retried    int
	Failed     int
	Conflicted int
	Skipped    int
}

// Options tunes retry behavior.
type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Syncer orchestrates queue draining and conflict resolution. Construct it
// once at startup and inject it wherever sync is triggered; it holds no
// global state.
type Syncer struct {
	store ActionStore
	cache ReadCache
	api   Client

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	handlers map[model.ActionType]Handler

	// drainMu serializes drain passes; TryLock makes concurrent triggers
	// no-ops instead of queueing behind each other
	drainMu sync.Mutex

	now func() time.Time

	stateMu sync.RWMutex
	state   State
	subs    []chan State
}

// New creates a Syncer with the built-in action handlers registered.
func New(actions ActionStore, cache ReadCache, client Client, opts Options) *Syncer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Minute
	}

	s := &Syncer{
		store:       actions,
		cache:       cache,
		api:         client,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		handlers:    make(map[model.ActionType]Handler),
		now:         time.Now,
	}

	s.Register(model.ActionDailyLogCreate, s.syncDailyLogCreate)
	s.Register(model.ActionDailyLogUpdate, s.syncDailyLogUpdate)
	s.Register(model.ActionAnnotationCreate, s.syncAnnotationCreate)

	return s
}

// Register binds a handler to an action type. Adding a new action type is
// a registration here plus a handler, nothing else.
func (s *Syncer) Register(t model.ActionType, h Handler) {
	s.handlers[t] = h
}

// SyncAll drains the pending queue once, strictly sequentially in
// priority-then-FIFO order. If a drain is already in progress it returns
// immediately with Ran=false and mutates nothing. No handler or network
// error escapes; everything is recorded on the actions themselves.
func (s *Syncer) SyncAll(ctx context.Context) Report {
	if !s.drainMu.TryLock() {
		slog.Debug("sync already in progress, skipping trigger")
		return Report{}
	}
	defer s.drainMu.Unlock()

	s.setSyncing(true)
	defer s.setSyncing(false)

	report := Report{Ran: true, Clean: true}

	actions, err := s.store.ListPending(ctx)
	if err != nil {
		slog.Error("failed to load pending actions", "error", err)
		s.recordError(err)
		report.Clean = false
		return report
	}

	for i := range actions {
		action := &actions[i]

		// Backoff gate: not a failure, just not due yet
		if action.NextAttemptAt != nil && action.NextAttemptAt.After(s.now()) {
			report.Skipped++
			continue
		}

		if err := s.store.MarkSyncing(ctx, action.ID, s.now()); err != nil {
			slog.Error("failed to mark action syncing", "action_id", action.ID, "error", err)
			report.Clean = false
			continue
		}

		report.Processed++
		result := s.dispatch(ctx, action)

		switch result.Outcome {
		case OutcomeSuccess:
			if err := s.store.DeleteAction(ctx, action.ID); err != nil {
				slog.Error("failed to delete synced action", "action_id", action.ID, "error", err)
				report.Clean = false
				continue
			}
			report.Succeeded++
			slog.Info("action synced", "action_id", action.ID, "type", action.Type)

		case OutcomeRetry:
			nextAttempt := s.now().Add(result.Backoff)
			if err := s.store.Reschedule(ctx, action.ID, action.RetryCount+1, nextAttempt, result.Err.Error()); err != nil {
				slog.Error("failed to reschedule action", "action_id", action.ID, "error", err)
			}
			report.Retried++
			report.Clean = false
			slog.Warn("action failed, will retry",
				"action_id", action.ID,
				"type", action.Type,
				"retry_count", action.RetryCount+1,
				"backoff", result.Backoff,
				"error", result.Err)

		case OutcomeFailed:
			if err := s.store.MarkFailed(ctx, action.ID, action.RetryCount+1, result.Err.Error()); err != nil {
				slog.Error("failed to mark action failed", "action_id", action.ID, "error", err)
			}
			report.Failed++
			report.Clean = false
			slog.Error("action failed permanently",
				"action_id", action.ID,
				"type", action.Type,
				"error", result.Err)

		case OutcomeConflict:
			if err := s.store.MarkConflict(ctx, action.ID, *result.Conflict); err != nil {
				slog.Error("failed to mark action conflicted", "action_id", action.ID, "error", err)
			}
			report.Conflicted++
			report.Clean = false
			slog.Warn("version conflict detected",
				"action_id", action.ID,
				"type", action.Type,
				"local_version", result.Conflict.LocalVersion,
				"server_version", result.Conflict.ServerVersion)
		}
	}

	s.refreshState(ctx, true)
	return report
}

// dispatch routes an action to its registered handler. An unregistered
// type is a programmer error: terminal, never retried.
func (s *Syncer) dispatch(ctx context.Context, action *model.PendingAction) Result {
	handler, ok := s.handlers[action.Type]
	if !ok {
		return Result{
			Outcome: OutcomeFailed,
			Err:     fmt.Errorf("no handler registered for action type %q", action.Type),
		}
	}
	return handler(ctx, action)
}

// classify maps a handler error onto retry or terminal failure. Transport
// failures and 5xx responses are retryable while the retry budget lasts;
// everything else is terminal.
func (s *Syncer) classify(action *model.PendingAction, err error) Result {
	retryable := true
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		retryable = statusErr.StatusCode >= 500
	}

	if !retryable || action.RetryCount >= s.maxRetries {
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	return Result{
		Outcome: OutcomeRetry,
		Err:     err,
		Backoff: s.backoffFor(action.RetryCount),
	}
}

// backoffFor computes the exponential backoff delay for the given retry
// count: base * 2^retryCount, capped.
func (s *Syncer) backoffFor(retryCount int) time.Duration {
	delay := s.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= s.backoffCap {
			return s.backoffCap
		}
	}
	if delay > s.backoffCap {
		return s.backoffCap
	}
	return delay
}

// Recover resets actions stranded in syncing state by a crash mid-drain so
// the next drain picks them up again. Call once at startup.
func (s *Syncer) Recover(ctx context.Context) error {
	count, err := s.store.ResetStatus(ctx, model.StatusSyncing, model.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to recover stranded actions: %w", err)
	}
	if count > 0 {
		slog.Info("recovered actions stranded mid-sync", "count", count)
	}
	s.refreshState(ctx, false)
	return nil
}

// RetryFailed resets all failed actions to pending with a fresh retry
// budget. Returns how many were reset.
func (s *Syncer) RetryFailed(ctx context.Context) (int64, error) {
	count, err := s.store.ResetStatus(ctx, model.StatusFailed, model.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed actions: %w", err)
	}
	if count > 0 {
		slog.Info("reset failed actions for retry", "count", count)
	}
	s.refreshState(ctx, false)
	return count, nil
}

// ClearFailed deletes all failed actions. Returns how many were deleted.
func (s *Syncer) ClearFailed(ctx context.Context) (int64, error) {
	count, err := s.store.DeleteByStatus(ctx, model.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to clear failed actions: %w", err)
	}
	if count > 0 {
		slog.Info("cleared failed actions", "count", count)
	}
	s.refreshState(ctx, false)
	return count, nil
}
