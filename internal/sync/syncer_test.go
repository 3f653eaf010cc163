package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/constructpro/fieldsync/internal/api"
	"github.com/constructpro/fieldsync/internal/model"
)

// fakeStore is an in-memory ActionStore for exercising drain logic without
// Postgres
type fakeStore struct {
	mu      gosync.Mutex
	actions map[string]*model.PendingAction
}

func newFakeStore() *fakeStore {
	return &fakeStore{actions: make(map[string]*model.PendingAction)}
}

func (f *fakeStore) add(a model.PendingAction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.Status == "" {
		a.Status = model.StatusPending
	}
	if a.Priority == 0 {
		a.Priority = a.Type.Priority()
	}
	f.actions[a.ID] = &a
}

func (f *fakeStore) get(id string) model.PendingAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.actions[id]
}

func (f *fakeStore) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.actions[id]
	return ok
}

func (f *fakeStore) ListPending(ctx context.Context) ([]model.PendingAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PendingAction
	for _, a := range f.actions {
		if a.Status == model.StatusPending {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeStore) GetAction(ctx context.Context, id string) (*model.PendingAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actions[id]
	if !ok {
		return nil, nil
	}
	clone := *a
	return &clone, nil
}

func (f *fakeStore) MarkSyncing(ctx context.Context, id string, attemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	a.Status = model.StatusSyncing
	a.LastError = ""
	a.LastAttemptAt = &attemptAt
	return nil
}

func (f *fakeStore) Reschedule(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	a.Status = model.StatusPending
	a.RetryCount = retryCount
	a.NextAttemptAt = &nextAttemptAt
	a.LastError = lastError
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id string, retryCount int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	a.Status = model.StatusFailed
	a.RetryCount = retryCount
	a.LastError = lastError
	return nil
}

func (f *fakeStore) MarkConflict(ctx context.Context, id string, conflict model.ConflictData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	a.Status = model.StatusConflict
	a.Conflict = &conflict
	return nil
}

func (f *fakeStore) ResetForRetry(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	a.Status = model.StatusPending
	a.RetryCount = 0
	a.LastError = ""
	a.LastAttemptAt = nil
	a.NextAttemptAt = nil
	a.Conflict = nil
	return nil
}

func (f *fakeStore) DeleteAction(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.actions, id)
	return nil
}

func (f *fakeStore) DeleteByStatus(ctx context.Context, status model.ActionStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, a := range f.actions {
		if a.Status == status {
			delete(f.actions, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ResetStatus(ctx context.Context, from, to model.ActionStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.actions {
		if a.Status == from {
			a.Status = to
			a.RetryCount = 0
			a.LastError = ""
			a.LastAttemptAt = nil
			a.NextAttemptAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountByStatus(ctx context.Context) (map[model.ActionStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[model.ActionStatus]int)
	for _, a := range f.actions {
		counts[a.Status]++
	}
	return counts, nil
}

type upsertCall struct {
	log       model.DailyLog
	localOnly bool
}

type fakeCache struct {
	mu      gosync.Mutex
	upserts []upsertCall
	deleted []string
	rekeyed [][2]string
}

func (f *fakeCache) UpsertDailyLog(ctx context.Context, log *model.DailyLog, localOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsertCall{log: *log, localOnly: localOnly})
	return nil
}

func (f *fakeCache) DeleteDailyLog(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCache) RekeyAttachments(ctx context.Context, localID, serverID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rekeyed = append(f.rekeyed, [2]string{localID, serverID})
	return 1, nil
}

type fakeClient struct {
	createDailyLog   func(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error)
	updateDailyLog   func(ctx context.Context, id string, patch *model.DailyLogPatch) (*model.DailyLog, error)
	getDailyLog      func(ctx context.Context, id string) (*model.DailyLog, error)
	createAnnotation func(ctx context.Context, ann *model.Annotation) (*model.Annotation, error)
}

func (f *fakeClient) CreateDailyLog(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error) {
	return f.createDailyLog(ctx, log)
}

func (f *fakeClient) UpdateDailyLog(ctx context.Context, id string, patch *model.DailyLogPatch) (*model.DailyLog, error) {
	return f.updateDailyLog(ctx, id, patch)
}

func (f *fakeClient) GetDailyLog(ctx context.Context, id string) (*model.DailyLog, error) {
	return f.getDailyLog(ctx, id)
}

func (f *fakeClient) CreateAnnotation(ctx context.Context, ann *model.Annotation) (*model.Annotation, error) {
	return f.createAnnotation(ctx, ann)
}

func newTestSyncer(store *fakeStore, cache *fakeCache, client *fakeClient) *Syncer {
	return New(store, cache, client, Options{})
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestSyncAllEmptyQueue(t *testing.T) {
	s := newTestSyncer(newFakeStore(), &fakeCache{}, &fakeClient{})

	report := s.SyncAll(context.Background())

	if !report.Ran || !report.Clean {
		t.Errorf("expected clean run, got %+v", report)
	}
	if report.Processed != 0 {
		t.Errorf("expected nothing processed, got %d", report.Processed)
	}

	// Draining an empty queue twice changes nothing
	report = s.SyncAll(context.Background())
	if !report.Ran || report.Processed != 0 {
		t.Errorf("second drain not idempotent: %+v", report)
	}
}

func TestSyncAllCreateFlow(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	client := &fakeClient{
		createDailyLog: func(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error) {
			created := *log
			created.ID = "srv-42"
			created.UpdatedAt = "2026-08-28T10:00:00Z"
			return &created, nil
		},
	}
	s := newTestSyncer(store, cache, client)

	payload := mustJSON(t, model.DailyLogCreatePayload{
		LocalID: "local-1",
		Log:     model.DailyLog{ID: "local-1", ProjectID: "proj-7", LogDate: "2026-08-27"},
	})
	store.add(model.PendingAction{ID: "a1", Type: model.ActionDailyLogCreate, Payload: payload})

	report := s.SyncAll(context.Background())

	if report.Succeeded != 1 || !report.Clean {
		t.Fatalf("expected one success, got %+v", report)
	}
	if store.has("a1") {
		t.Error("synced action should be deleted from the queue")
	}
	if len(cache.deleted) != 1 || cache.deleted[0] != "local-1" {
		t.Errorf("expected local placeholder local-1 deleted, got %v", cache.deleted)
	}
	if len(cache.rekeyed) != 1 || cache.rekeyed[0] != [2]string{"local-1", "srv-42"} {
		t.Errorf("expected attachments rekeyed local-1 -> srv-42, got %v", cache.rekeyed)
	}
	if len(cache.upserts) != 1 || cache.upserts[0].log.ID != "srv-42" || cache.upserts[0].localOnly {
		t.Errorf("expected server record cached as synced, got %+v", cache.upserts)
	}
}

func TestSyncAllDrainOrder(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}

	var order []string
	client := &fakeClient{
		createDailyLog: func(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error) {
			order = append(order, "create:"+log.ID)
			created := *log
			created.ID = "srv-" + log.ID
			return &created, nil
		},
		createAnnotation: func(ctx context.Context, ann *model.Annotation) (*model.Annotation, error) {
			order = append(order, "annotation:"+ann.ID)
			return ann, nil
		},
	}
	s := newTestSyncer(store, cache, client)

	base := time.Now()
	// Enqueued annotation first, then two creates; creates drain first by
	// priority, then FIFO among themselves
	store.add(model.PendingAction{
		ID:   "ann",
		Type: model.ActionAnnotationCreate,
		Payload: mustJSON(t, model.AnnotationCreatePayload{
			Annotation: model.Annotation{ID: "n1", DrawingID: "d1"},
		}),
		CreatedAt: base,
	})
	store.add(model.PendingAction{
		ID:   "c1",
		Type: model.ActionDailyLogCreate,
		Payload: mustJSON(t, model.DailyLogCreatePayload{
			LocalID: "l1", Log: model.DailyLog{ID: "l1"},
		}),
		CreatedAt: base.Add(time.Second),
	})
	store.add(model.PendingAction{
		ID:   "c2",
		Type: model.ActionDailyLogCreate,
		Payload: mustJSON(t, model.DailyLogCreatePayload{
			LocalID: "l2", Log: model.DailyLog{ID: "l2"},
		}),
		CreatedAt: base.Add(2 * time.Second),
	})

	report := s.SyncAll(context.Background())
	if report.Succeeded != 3 {
		t.Fatalf("expected 3 successes, got %+v", report)
	}

	want := []string{"create:l1", "create:l2", "annotation:n1"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestSyncAllSkipsActionsInBackoff(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store, &fakeCache{}, &fakeClient{})

	future := time.Now().Add(10 * time.Minute)
	store.add(model.PendingAction{
		ID:            "a1",
		Type:          model.ActionDailyLogCreate,
		Payload:       mustJSON(t, model.DailyLogCreatePayload{LocalID: "l1"}),
		RetryCount:    2,
		NextAttemptAt: &future,
	})

	report := s.SyncAll(context.Background())

	if report.Skipped != 1 || report.Processed != 0 {
		t.Errorf("expected action skipped by backoff gate, got %+v", report)
	}
	if !report.Clean {
		t.Error("skipped actions should not dirty the report")
	}
	if got := store.get("a1"); got.Status != model.StatusPending || got.RetryCount != 2 {
		t.Errorf("skipped action mutated: %+v", got)
	}
}

func TestSyncAllReschedulesOnTransportError(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{
		createDailyLog: func(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	s := newTestSyncer(store, &fakeCache{}, client)

	now := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	store.add(model.PendingAction{
		ID:      "a1",
		Type:    model.ActionDailyLogCreate,
		Payload: mustJSON(t, model.DailyLogCreatePayload{LocalID: "l1"}),
	})

	report := s.SyncAll(context.Background())
	if report.Retried != 1 || report.Clean {
		t.Fatalf("expected one retry, got %+v", report)
	}

	got := store.get("a1")
	if got.Status != model.StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", got.RetryCount)
	}
	if got.LastError == "" {
		t.Error("expected lastError recorded")
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(now.Add(30*time.Second)) {
		t.Errorf("expected next attempt at +30s, got %v", got.NextAttemptAt)
	}
}

func TestSyncAllBackoffDoubles(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{
		createDailyLog: func(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error) {
			return nil, &api.StatusError{StatusCode: 503, Body: "unavailable"}
		},
	}
	s := newTestSyncer(store, &fakeCache{}, client)

	now := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	store.add(model.PendingAction{
		ID:      "a1",
		Type:    model.ActionDailyLogCreate,
		Payload: mustJSON(t, model.DailyLogCreatePayload{LocalID: "l1"}),
	})

	wantDelays := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
	}
	for attempt, want := range wantDelays {
		report := s.SyncAll(context.Background())
		if report.Retried != 1 {
			t.Fatalf("attempt %d: expected retry, got %+v", attempt, report)
		}
		got := store.get("a1")
		if got.RetryCount != attempt+1 {
			t.Fatalf("attempt %d: expected retryCount %d, got %d", attempt, attempt+1, got.RetryCount)
		}
		if !got.NextAttemptAt.Equal(now.Add(want)) {
			t.Fatalf("attempt %d: expected backoff %v, got next attempt %v", attempt, want, got.NextAttemptAt)
		}
		// Advance past the gate for the next pass
		now = got.NextAttemptAt.Add(time.Second)
	}

	// Budget exhausted: the sixth attempt fails terminally
	report := s.SyncAll(context.Background())
	if report.Failed != 1 {
		t.Fatalf("expected terminal failure after budget exhausted, got %+v", report)
	}
	got := store.get("a1")
	if got.Status != model.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.RetryCount != 6 {
		t.Errorf("expected retryCount 6, got %d", got.RetryCount)
	}
}

func TestBackoffCap(t *testing.T) {
	s := newTestSyncer(newFakeStore(), &fakeCache{}, &fakeClient{})

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{5, 960 * time.Second},
		{6, 30 * time.Minute},
		{20, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := s.backoffFor(tt.retryCount); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestSyncAllClientErrorIsTerminal(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{
		createDailyLog: func(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error) {
			return nil, &api.StatusError{StatusCode: 422, Body: "validation failed"}
		},
	}
	s := newTestSyncer(store, &fakeCache{}, client)

	store.add(model.PendingAction{
		ID:      "a1",
		Type:    model.ActionDailyLogCreate,
		Payload: mustJSON(t, model.DailyLogCreatePayload{LocalID: "l1"}),
	})

	report := s.SyncAll(context.Background())
	if report.Failed != 1 || report.Retried != 0 {
		t.Fatalf("expected terminal failure, got %+v", report)
	}

	got := store.get("a1")
	if got.Status != model.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", got.RetryCount)
	}
}

func TestSyncAllUnknownTypeFailsTerminally(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store, &fakeCache{}, &fakeClient{})

	store.add(model.PendingAction{
		ID:      "a1",
		Type:    model.ActionType("TIMESHEET_SUBMIT"),
		Payload: json.RawMessage(`{}`),
	})

	report := s.SyncAll(context.Background())
	if report.Failed != 1 {
		t.Fatalf("expected terminal failure, got %+v", report)
	}
	if got := store.get("a1"); got.Status != model.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestSyncAllDetectsConflict(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}

	baseVersion := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC).UnixMilli()
	serverUpdatedAt := "2026-08-28T08:30:00Z"

	updateCalled := false
	client := &fakeClient{
		getDailyLog: func(ctx context.Context, id string) (*model.DailyLog, error) {
			return &model.DailyLog{ID: id, Notes: "edited on another device", UpdatedAt: serverUpdatedAt}, nil
		},
		updateDailyLog: func(ctx context.Context, id string, patch *model.DailyLogPatch) (*model.DailyLog, error) {
			updateCalled = true
			return nil, nil
		},
	}
	s := newTestSyncer(store, cache, client)

	store.add(model.PendingAction{
		ID:   "a1",
		Type: model.ActionDailyLogUpdate,
		Payload: mustJSON(t, model.DailyLogUpdatePayload{
			DailyLogID:  "srv-9",
			BaseVersion: baseVersion,
		}),
	})

	report := s.SyncAll(context.Background())
	if report.Conflicted != 1 {
		t.Fatalf("expected conflict, got %+v", report)
	}
	if updateCalled {
		t.Error("conflicted update must not be pushed to the server")
	}

	got := store.get("a1")
	if got.Status != model.StatusConflict {
		t.Fatalf("expected conflict status, got %s", got.Status)
	}
	if got.Conflict == nil {
		t.Fatal("expected conflict data persisted")
	}
	if got.Conflict.LocalVersion != baseVersion {
		t.Errorf("localVersion = %d, want %d", got.Conflict.LocalVersion, baseVersion)
	}
	if got.Conflict.ServerVersion != DeriveVersion(serverUpdatedAt) {
		t.Errorf("serverVersion = %d, want %d", got.Conflict.ServerVersion, DeriveVersion(serverUpdatedAt))
	}
	if len(got.Conflict.ServerData) == 0 {
		t.Error("expected server snapshot persisted with the conflict")
	}
}

func TestSyncAllNoConflictWithZeroBaseVersion(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	client := &fakeClient{
		getDailyLog: func(ctx context.Context, id string) (*model.DailyLog, error) {
			return &model.DailyLog{ID: id, UpdatedAt: "2026-08-28T08:30:00Z"}, nil
		},
		updateDailyLog: func(ctx context.Context, id string, patch *model.DailyLogPatch) (*model.DailyLog, error) {
			return &model.DailyLog{ID: id, UpdatedAt: "2026-08-28T09:00:00Z"}, nil
		},
	}
	s := newTestSyncer(store, cache, client)

	// BaseVersion 0 means the client never derived a version; the update
	// goes through last-write-wins
	store.add(model.PendingAction{
		ID:   "a1",
		Type: model.ActionDailyLogUpdate,
		Payload: mustJSON(t, model.DailyLogUpdatePayload{
			DailyLogID:  "srv-9",
			BaseVersion: 0,
		}),
	})

	report := s.SyncAll(context.Background())
	if report.Succeeded != 1 || report.Conflicted != 0 {
		t.Fatalf("expected success without conflict, got %+v", report)
	}
}

func TestSyncAllUpdateGoneOnServer(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{
		getDailyLog: func(ctx context.Context, id string) (*model.DailyLog, error) {
			return nil, &api.StatusError{StatusCode: 404, Body: "not found"}
		},
	}
	s := newTestSyncer(store, &fakeCache{}, client)

	store.add(model.PendingAction{
		ID:   "a1",
		Type: model.ActionDailyLogUpdate,
		Payload: mustJSON(t, model.DailyLogUpdatePayload{
			DailyLogID:  "srv-9",
			BaseVersion: 100,
		}),
	})

	report := s.SyncAll(context.Background())
	if report.Failed != 1 || report.Retried != 0 {
		t.Fatalf("expected terminal failure for deleted record, got %+v", report)
	}
	if got := store.get("a1"); got.Status != model.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestSyncAllMutualExclusion(t *testing.T) {
	store := newFakeStore()

	entered := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{
		createDailyLog: func(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error) {
			close(entered)
			<-release
			created := *log
			created.ID = "srv-1"
			return &created, nil
		},
	}
	s := newTestSyncer(store, &fakeCache{}, client)

	store.add(model.PendingAction{
		ID:      "a1",
		Type:    model.ActionDailyLogCreate,
		Payload: mustJSON(t, model.DailyLogCreatePayload{LocalID: "l1"}),
	})

	done := make(chan Report)
	go func() { done <- s.SyncAll(context.Background()) }()

	<-entered
	// A trigger while a drain is in flight is a no-op
	second := s.SyncAll(context.Background())
	if second.Ran {
		t.Error("concurrent drain should not run")
	}
	close(release)

	first := <-done
	if first.Succeeded != 1 {
		t.Errorf("expected original drain to finish cleanly, got %+v", first)
	}
}

func TestRecoverResetsStrandedActions(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store, &fakeCache{}, &fakeClient{})

	store.add(model.PendingAction{
		ID:      "a1",
		Type:    model.ActionDailyLogCreate,
		Payload: json.RawMessage(`{}`),
		Status:  model.StatusSyncing,
	})
	store.add(model.PendingAction{
		ID:      "a2",
		Type:    model.ActionDailyLogCreate,
		Payload: json.RawMessage(`{}`),
		Status:  model.StatusFailed,
	})

	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := store.get("a1"); got.Status != model.StatusPending {
		t.Errorf("stranded action not recovered: %s", got.Status)
	}
	if got := store.get("a2"); got.Status != model.StatusFailed {
		t.Errorf("failed action should not be touched by recovery: %s", got.Status)
	}
}

func TestRetryFailedAndClearFailed(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store, &fakeCache{}, &fakeClient{})

	store.add(model.PendingAction{
		ID: "f1", Type: model.ActionDailyLogCreate,
		Payload: json.RawMessage(`{}`), Status: model.StatusFailed, RetryCount: 6,
	})
	store.add(model.PendingAction{
		ID: "f2", Type: model.ActionDailyLogCreate,
		Payload: json.RawMessage(`{}`), Status: model.StatusFailed,
	})

	n, err := s.RetryFailed(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RetryFailed = (%d, %v), want (2, nil)", n, err)
	}
	if got := store.get("f1"); got.Status != model.StatusPending || got.RetryCount != 0 {
		t.Errorf("expected fresh pending, got %+v", got)
	}

	if err := store.MarkFailed(context.Background(), "f1", 1, "boom"); err != nil {
		t.Fatal(err)
	}
	n, err = s.ClearFailed(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("ClearFailed = (%d, %v), want (1, nil)", n, err)
	}
	if store.has("f1") {
		t.Error("cleared action still present")
	}
}

func TestStateReflectsQueue(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{
		createDailyLog: func(ctx context.Context, log *model.DailyLog) (*model.DailyLog, error) {
			return nil, fmt.Errorf("network down")
		},
	}
	s := newTestSyncer(store, &fakeCache{}, client)

	store.add(model.PendingAction{
		ID:      "a1",
		Type:    model.ActionDailyLogCreate,
		Payload: mustJSON(t, model.DailyLogCreatePayload{LocalID: "l1"}),
	})

	sub := s.Subscribe()
	<-sub // initial snapshot

	s.SyncAll(context.Background())

	state := s.State()
	if state.IsSyncing {
		t.Error("drain finished, IsSyncing should be false")
	}
	if state.PendingCount != 1 {
		t.Errorf("expected 1 pending, got %d", state.PendingCount)
	}
	if state.LastSyncAt == nil {
		t.Error("expected LastSyncAt stamped after a drain")
	}

	// Subscriber sees the latest snapshot without blocking the syncer
	select {
	case got := <-sub:
		if got.PendingCount != 1 {
			t.Errorf("subscriber snapshot pending = %d, want 1", got.PendingCount)
		}
	default:
		t.Error("expected a buffered snapshot for the subscriber")
	}
}
