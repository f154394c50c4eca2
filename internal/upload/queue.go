// Package upload implements the durable evidence queue and its drainer.
// Items enter the queue before their originating operation is considered
// complete, survive restarts, and only leave on confirmed remote acceptance.
package upload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/agenterr"
	"github.com/staffwatch/agent/internal/metrics"
	"github.com/staffwatch/agent/internal/store"
)

// QueueStore is the persistence surface the queue and drainer require.
type QueueStore interface {
	InsertUploadItem(item store.UploadItem) error
	PendingUploadItems(limit int) ([]store.UploadItem, error)
	MarkUploaded(id string, at time.Time) error
	RecordUploadFailure(id, message string) error
	CountPendingUploads() (int, error)
}

// TimeRecordPayload is the JSON body of a time_record queue item.
type TimeRecordPayload struct {
	SessionUUID          string `json:"session_uuid"`
	ProjectID            string `json:"project_id"`
	StartUnix            int64  `json:"start_unix"`
	EndUnix              int64  `json:"end_unix"`
	ActiveSeconds        int64  `json:"active_seconds"`
	IdleKeptSeconds      int64  `json:"idle_kept_seconds"`
	IdleDiscardedSeconds int64  `json:"idle_discarded_seconds"`
}

// Queue is the write side of the evidence queue.
type Queue struct {
	store   QueueStore
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewQueue creates the queue.
func NewQueue(qs QueueStore, m *metrics.Metrics, logger zerolog.Logger) *Queue {
	return &Queue{
		store:   qs,
		metrics: m,
		logger:  logger.With().Str("component", "upload_queue").Logger(),
	}
}

// EnqueueTimeRecord persists a finalized session as pending evidence. A
// persistence failure is surfaced to the caller; the session stop that
// produced the record is not complete until this succeeds.
func (q *Queue) EnqueueTimeRecord(rec store.SessionRecord) error {
	payload, err := json.Marshal(TimeRecordPayload{
		SessionUUID:          rec.UUID,
		ProjectID:            rec.ProjectID,
		StartUnix:            rec.Start.Unix(),
		EndUnix:              rec.End.Unix(),
		ActiveSeconds:        rec.ActiveSeconds,
		IdleKeptSeconds:      rec.IdleKeptSeconds,
		IdleDiscardedSeconds: rec.IdleDiscardedSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to encode time record: %w", err)
	}
	return q.enqueue(store.UploadItem{
		Kind:        store.KindTimeRecord,
		ProjectID:   rec.ProjectID,
		SessionUUID: rec.UUID,
		Payload:     string(payload),
	})
}

// EnqueueScreenshot persists captured screen evidence for upload.
func (q *Queue) EnqueueScreenshot(projectID, sessionUUID string, image []byte, capturedAt time.Time) error {
	payload, err := json.Marshal(map[string]interface{}{
		"session_uuid": sessionUUID,
		"project_id":   projectID,
		"captured_at":  capturedAt.Unix(),
		"image_b64":    base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return fmt.Errorf("failed to encode screenshot: %w", err)
	}
	return q.enqueue(store.UploadItem{
		Kind:        store.KindScreenshot,
		ProjectID:   projectID,
		SessionUUID: sessionUUID,
		Payload:     string(payload),
	})
}

// Pending returns the number of items awaiting transmission.
func (q *Queue) Pending() (int, error) {
	return q.store.CountPendingUploads()
}

func (q *Queue) enqueue(item store.UploadItem) error {
	item.ID = uuid.NewString()
	item.CreatedAt = time.Now()

	if err := q.store.InsertUploadItem(item); err != nil {
		q.metrics.RecordError("upload_queue", "persistence")
		return fmt.Errorf("%w: %v", agenterr.ErrQueuePersistence, err)
	}

	if n, err := q.store.CountPendingUploads(); err == nil {
		q.metrics.SetQueuePending(n)
	}
	q.logger.Debug().Str("kind", item.Kind).Str("item", item.ID).Msg("evidence enqueued")
	return nil
}
