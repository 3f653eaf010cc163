// Package spool ingests mutation envelopes dropped as JSON files by the
// mobile app bridge. Each file holds one envelope; a valid envelope becomes
// a pending action and the file is consumed, an invalid one is moved to the
// rejected subdirectory for inspection.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/constructpro/fieldsync/internal/model"
)

// RejectedDirName is the spool subdirectory holding envelopes that failed
// validation
const RejectedDirName = "rejected"

var validate = validator.New()

// Envelope is the on-disk shape of a spooled mutation
type Envelope struct {
	Type    model.ActionType `json:"type" validate:"required"`
	Payload json.RawMessage  `json:"payload" validate:"required"`
}

// ErrUnknownActionType means the envelope names an action type no handler
// exists for
var ErrUnknownActionType = errors.New("unknown action type")

// ParseEnvelope decodes and validates one envelope
func ParseEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("invalid envelope JSON: %w", err)
	}
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	// Priority doubles as the known-type check: unregistered types would
	// only fail later at drain time, so reject them at the door instead
	if env.Type.Priority() >= 100 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, env.Type)
	}

	return env, nil
}

// Queue is the enqueue surface the ingestor needs
type Queue interface {
	Enqueue(ctx context.Context, actionType model.ActionType, payload json.RawMessage) (*model.PendingAction, error)
}

// Mirror receives offline-created records so they show up in the read
// cache before the server confirms them
type Mirror interface {
	UpsertDailyLog(ctx context.Context, log *model.DailyLog, localOnly bool) error
	UpsertAttachment(ctx context.Context, att *model.Attachment) error
}

// Stats summarizes one ingestion sweep
type Stats struct {
	Ingested int
	Rejected int
}

// Ingestor consumes envelope files into the pending-action queue
type Ingestor struct {
	dir    string
	queue  Queue
	mirror Mirror
}

// NewIngestor creates an ingestor over the spool directory. mirror may be
// nil when local-only caching is not wanted.
func NewIngestor(dir string, queue Queue, mirror Mirror) *Ingestor {
	return &Ingestor{dir: dir, queue: queue, mirror: mirror}
}

// IngestFile consumes a single envelope file. A valid envelope is enqueued
// and the file removed; an invalid one is moved to the rejected
// subdirectory and the validation error returned. Transient errors (read,
// enqueue) leave the file in place for the next sweep.
func (in *Ingestor) IngestFile(ctx context.Context, path string) (*model.PendingAction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Consumed by an earlier sweep
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read spool file: %w", err)
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		in.reject(path, err)
		return nil, err
	}

	action, err := in.queue.Enqueue(ctx, env.Type, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue spooled action: %w", err)
	}

	in.mirrorLocal(ctx, env)

	if err := os.Remove(path); err != nil {
		// The fingerprint dedup absorbs the re-ingest on the next sweep
		slog.Warn("failed to remove consumed spool file", "path", path, "error", err)
	}

	slog.Info("spool file ingested",
		"path", filepath.Base(path), "action_id", action.ID, "type", action.Type)
	return action, nil
}

// IngestAll sweeps the spool directory once, oldest files first
func (in *Ingestor) IngestAll(ctx context.Context) (Stats, error) {
	var stats Stats

	files, err := in.ListFiles()
	if err != nil {
		return stats, err
	}

	for _, path := range files {
		if _, err := in.IngestFile(ctx, path); err != nil {
			stats.Rejected++
			continue
		}
		stats.Ingested++
	}

	return stats, nil
}

// ListFiles returns the envelope files currently in the spool, oldest
// first, skipping the rejected subdirectory
func (in *Ingestor) ListFiles() ([]string, error) {
	var files []string

	err := filepath.Walk(in.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == RejectedDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if isEnvelopeFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list spool files: %w", err)
	}

	return files, nil
}

// mirrorLocal puts an offline-created daily log and its attachments into
// the read cache under the local id, so the record is visible before the
// server confirms it. The sync handler replaces it with the server copy
// once the create lands. Cache errors are logged, never fatal.
func (in *Ingestor) mirrorLocal(ctx context.Context, env *Envelope) {
	if in.mirror == nil || env.Type != model.ActionDailyLogCreate {
		return
	}

	var payload model.DailyLogCreatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		slog.Warn("failed to decode create payload for local mirror", "error", err)
		return
	}

	log := payload.Log
	if log.ID == "" {
		log.ID = payload.LocalID
	}
	if err := in.mirror.UpsertDailyLog(ctx, &log, true); err != nil {
		slog.Warn("failed to mirror local daily log", "local_id", payload.LocalID, "error", err)
	}
	for i := range payload.Attachments {
		att := payload.Attachments[i]
		if att.DailyLogID == "" {
			att.DailyLogID = payload.LocalID
		}
		if err := in.mirror.UpsertAttachment(ctx, &att); err != nil {
			slog.Warn("failed to mirror local attachment", "attachment_id", att.ID, "error", err)
		}
	}
}

// reject moves an invalid envelope file into the rejected subdirectory so
// it stops matching sweeps but stays available for inspection
func (in *Ingestor) reject(path string, cause error) {
	rejectedDir := filepath.Join(in.dir, RejectedDirName)
	if err := os.MkdirAll(rejectedDir, 0o755); err != nil {
		slog.Error("failed to create rejected directory", "path", rejectedDir, "error", err)
		return
	}

	dest := filepath.Join(rejectedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("failed to move rejected spool file", "path", path, "error", err)
		return
	}

	slog.Warn("spool file rejected",
		"path", filepath.Base(path), "reason", cause)
}
