package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/constructpro/fieldsync/internal/model"
)

// State is a point-in-time snapshot of sync status, suitable for a status
// command or a UI badge.
type State struct {
	IsSyncing     bool
	PendingCount  int
	FailedCount   int
	ConflictCount int
	LastSyncAt    *time.Time
	LastError     string
}

// State returns the current snapshot
func (s *Syncer) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Subscribe returns a channel that receives state snapshots as they
// change. The channel has capacity one and stale snapshots are dropped in
// favor of the latest, so a slow consumer never blocks the syncer.
func (s *Syncer) Subscribe() <-chan State {
	ch := make(chan State, 1)
	s.stateMu.Lock()
	s.subs = append(s.subs, ch)
	ch <- s.state
	s.stateMu.Unlock()
	return ch
}

// setSyncing flips the in-progress flag and notifies subscribers
func (s *Syncer) setSyncing(syncing bool) {
	s.stateMu.Lock()
	s.state.IsSyncing = syncing
	s.publishLocked()
	s.stateMu.Unlock()
}

// recordError notes a drain-level failure on the snapshot
func (s *Syncer) recordError(err error) {
	s.stateMu.Lock()
	s.state.LastError = err.Error()
	s.publishLocked()
	s.stateMu.Unlock()
}

// refreshState reloads queue counts from the store. completedDrain stamps
// LastSyncAt, marking the end of a drain pass.
func (s *Syncer) refreshState(ctx context.Context, completedDrain bool) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		slog.Error("failed to count queued actions", "error", err)
		s.recordError(err)
		return
	}

	s.stateMu.Lock()
	s.state.PendingCount = counts[model.StatusPending] + counts[model.StatusSyncing]
	s.state.FailedCount = counts[model.StatusFailed]
	s.state.ConflictCount = counts[model.StatusConflict]
	if completedDrain {
		now := s.now()
		s.state.LastSyncAt = &now
		s.state.LastError = ""
	}
	s.publishLocked()
	s.stateMu.Unlock()
}

// publishLocked pushes the current snapshot to every subscriber, dropping
// the stale snapshot when one is still buffered. Callers hold stateMu.
func (s *Syncer) publishLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- s.state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s.state:
			default:
			}
		}
	}
}
