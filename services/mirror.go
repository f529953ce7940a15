package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"peermatch-system/models"
	"peermatch-system/utils"
)

// QueueMirror is the durable record of "who is currently queued", used for
// recovery and audit. It is written on join/leave but never read on the
// hot path.
type QueueMirror interface {
	Upsert(ctx context.Context, entry *models.QueueEntry) error
	Delete(ctx context.Context, userID string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

const mirrorCollection = "queue_entries"

// RecordMirror persists queue membership into the queue_entries collection.
// Calls run behind a circuit breaker so a down relational store degrades to
// logged misses instead of stalling admissions.
type RecordMirror struct {
	app     core.App
	breaker *utils.CircuitBreaker
}

func NewRecordMirror(app core.App) *RecordMirror {
	return &RecordMirror{
		app:     app,
		breaker: utils.NewCircuitBreaker("queue-mirror"),
	}
}

func (m *RecordMirror) Upsert(ctx context.Context, entry *models.QueueEntry) error {
	_, err := m.breaker.Execute(ctx, func() (any, error) {
		record, err := m.app.FindFirstRecordByFilter(
			mirrorCollection,
			"user_id = {:user}",
			dbx.Params{"user": entry.UserID},
		)
		if err != nil {
			collection, err := m.app.FindCollectionByNameOrId(mirrorCollection)
			if err != nil {
				return nil, err
			}
			record = core.NewRecord(collection)
		}

		skills, _ := json.Marshal(entry.PreferredSkills)

		record.Set("entry_id", entry.ID)
		record.Set("user_id", entry.UserID)
		record.Set("session_type", string(entry.SessionType))
		record.Set("urgency", string(entry.Urgency))
		record.Set("preferred_skills", string(skills))
		record.Set("max_duration", entry.MaxDuration)
		record.Set("priority", entry.Priority)
		record.Set("joined_at", entry.JoinedAt.Unix())
		record.Set("expires_at", entry.ExpiresAt.Unix())

		return nil, m.app.Save(record)
	})
	return err
}

func (m *RecordMirror) Delete(ctx context.Context, userID string) error {
	_, err := m.breaker.Execute(ctx, func() (any, error) {
		record, err := m.app.FindFirstRecordByFilter(
			mirrorCollection,
			"user_id = {:user}",
			dbx.Params{"user": userID},
		)
		if err != nil {
			// Already absent; deletion is idempotent.
			return nil, nil
		}
		return nil, m.app.Delete(record)
	})
	return err
}

func (m *RecordMirror) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := m.breaker.Execute(ctx, func() (any, error) {
		records, err := m.app.FindRecordsByFilter(
			mirrorCollection,
			"expires_at < {:now}",
			"",
			0,
			0,
			dbx.Params{"now": now.Unix()},
		)
		if err != nil {
			return 0, err
		}

		purged := 0
		for _, record := range records {
			if err := m.app.Delete(record); err != nil {
				slog.Warn("mirror purge failed for record", "record", record.Id, "error", err)
				continue
			}
			purged++
		}
		return purged, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}
