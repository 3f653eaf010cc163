package model

import "encoding/json"

// DailyLog mirrors the backend's daily log record. Timestamps stay as the
// raw strings the backend emits; version comparison derives from them.
type DailyLog struct {
	ID            string `json:"id,omitempty"`
	ProjectID     string `json:"projectId"`
	LogDate       string `json:"logDate"`
	Weather       string `json:"weather,omitempty"`
	Temperature   string `json:"temperature,omitempty"`
	CrewCount     int    `json:"crewCount,omitempty"`
	WorkCompleted string `json:"workCompleted,omitempty"`
	Notes         string `json:"notes,omitempty"`
	CreatedAt     string `json:"createdAt,omitempty"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
}

// DailyLogPatch is a partial update; nil fields are left untouched.
type DailyLogPatch struct {
	Weather       *string `json:"weather,omitempty"`
	Temperature   *string `json:"temperature,omitempty"`
	CrewCount     *int    `json:"crewCount,omitempty"`
	WorkCompleted *string `json:"workCompleted,omitempty"`
	Notes         *string `json:"notes,omitempty"`
}

// Annotation mirrors the backend's drawing annotation record. Geometry is
// kept opaque; the sync layer never interprets it.
type Annotation struct {
	ID         string          `json:"id,omitempty"`
	DrawingID  string          `json:"drawingId"`
	UserID     string          `json:"userId"`
	Kind       string          `json:"kind"`
	PageNumber int             `json:"pageNumber,omitempty"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Color      string          `json:"color,omitempty"`
	CreatedAt  string          `json:"createdAt,omitempty"`
}

// Attachment is a cached photo attachment record. Attachments queued while
// their daily log only had a local id are rekeyed after the create syncs.
type Attachment struct {
	ID         string `json:"id"`
	DailyLogID string `json:"dailyLogId"`
	FileName   string `json:"fileName"`
	MimeType   string `json:"mimeType,omitempty"`
}
