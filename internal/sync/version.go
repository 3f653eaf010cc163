package sync

import (
	"log/slog"
	"strings"
	"time"
)

// Server timestamps arrive in a few shapes depending on which backend
// endpoint produced them
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DeriveVersion converts a server updatedAt timestamp into a comparable
// version number (epoch milliseconds). An empty or unparsable timestamp
// degrades to 0, which never triggers a conflict; the record syncs with
// last-write-wins semantics and the degradation is logged.
func DeriveVersion(updatedAt string) int64 {
	trimmed := strings.TrimSpace(updatedAt)
	if trimmed == "" {
		return 0
	}

	for _, format := range timestampFormats {
		if t, err := time.Parse(format, trimmed); err == nil {
			return t.UnixMilli()
		}
	}

	slog.Warn("unparsable updatedAt, conflict detection disabled for this record",
		"updated_at", updatedAt)
	return 0
}
