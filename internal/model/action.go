package model

import (
	"encoding/json"
	"time"
)

// ActionType identifies the kind of queued mutation. Each type requires a
// handler registered with the syncer; enqueueing an unregistered type is a
// programmer error and fails terminally at drain time.
type ActionType string

const (
	ActionDailyLogCreate   ActionType = "DAILY_LOG_CREATE"
	ActionDailyLogUpdate   ActionType = "DAILY_LOG_UPDATE"
	ActionAnnotationCreate ActionType = "ANNOTATION_CREATE"
)

// Priority returns the drain priority for an action type. Lower drains
// first. Creates must land before updates so that records created offline
// receive their server ids before anything references them.
func (t ActionType) Priority() int {
	switch t {
	case ActionDailyLogCreate:
		return 10
	case ActionDailyLogUpdate:
		return 20
	case ActionAnnotationCreate:
		return 30
	default:
		return 100
	}
}

// ActionStatus is the lifecycle state of a pending action.
type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusSyncing  ActionStatus = "syncing"
	StatusFailed   ActionStatus = "failed"
	StatusConflict ActionStatus = "conflict"
)

// PendingAction is a durable queued mutation awaiting delivery to the
// backend. Rows terminate by deletion (success) or park in failed/conflict
// until an operator intervenes.
type PendingAction struct {
	ID            string          `db:"id"`
	Type          ActionType      `db:"action_type"`
	Payload       json.RawMessage `db:"payload"`
	Status        ActionStatus    `db:"status"`
	Priority      int             `db:"priority"`
	RetryCount    int             `db:"retry_count"`
	LastError     string          `db:"last_error"`
	LastAttemptAt *time.Time      `db:"last_attempt_at"`
	NextAttemptAt *time.Time      `db:"next_attempt_at"`
	Conflict      *ConflictData   `db:"-"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// ConflictData captures a detected version mismatch: the version the client
// believed it was editing, the server's version at detection time, and the
// server's full record for display or merge.
type ConflictData struct {
	LocalVersion  int64           `json:"localVersion"`
	ServerVersion int64           `json:"serverVersion"`
	ServerData    json.RawMessage `json:"serverData,omitempty"`
}

// Resolution is a user decision applied to a conflicted action.
type Resolution string

const (
	ResolutionServerWins Resolution = "SERVER_WINS"
	ResolutionClientWins Resolution = "CLIENT_WINS"
	ResolutionMerge      Resolution = "MERGE"
	ResolutionKeepBoth   Resolution = "KEEP_BOTH"
)

// ParseResolution maps user input onto a known resolution.
func ParseResolution(s string) (Resolution, bool) {
	switch Resolution(s) {
	case ResolutionServerWins, ResolutionClientWins, ResolutionMerge, ResolutionKeepBoth:
		return Resolution(s), true
	default:
		return "", false
	}
}

// DailyLogCreatePayload carries a daily log captured offline. LocalID is
// the placeholder id the device assigned; cache rows and queued attachments
// keyed by it are rekeyed once the server returns the real id.
type DailyLogCreatePayload struct {
	LocalID     string       `json:"localId"`
	Log         DailyLog     `json:"log"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// DailyLogUpdatePayload carries an edit to an existing daily log.
// BaseVersion is the version (epoch millis derived from updatedAt) the
// client had when it made the edit; zero means unknown.
type DailyLogUpdatePayload struct {
	DailyLogID  string        `json:"dailyLogId"`
	BaseVersion int64         `json:"baseVersion"`
	Patch       DailyLogPatch `json:"patch"`
}

// AnnotationCreatePayload carries a drawing annotation captured offline.
type AnnotationCreatePayload struct {
	Annotation Annotation `json:"annotation"`
}
