package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mabletask/telemetry/database"
	"mabletask/telemetry/logging"
	"mabletask/telemetry/models"
)

// ReportMirror copies flushed batches into ClickHouse, where the
// downstream report jobs read them.
type ReportMirror struct {
	DB *database.ClickHouseClient
}

func NewReportMirror(chClient *database.ClickHouseClient) *ReportMirror {
	return &ReportMirror{DB: chClient}
}

func (m *ReportMirror) InsertEvents(ctx context.Context, events []*models.BehaviorEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := m.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO behavior_events (
			event_id, device_id, user_id, event_type, screen_name, event_data,
			session_id, ip_address, user_agent, timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}

	appended := 0
	for _, e := range events {
		id, err := uuid.Parse(e.EventID)
		if err != nil {
			logging.Warn().Str("event_id", e.EventID).Msg("skipping mirror row with invalid event id")
			continue
		}
		var userID *string
		if e.UserID != "" {
			u := e.UserID
			userID = &u
		}
		err = batch.Append(
			id,
			e.DeviceID,
			userID,
			string(e.EventType),
			e.ScreenName,
			string(e.EventData),
			e.SessionID,
			e.IPAddress,
			e.UserAgent,
			e.Timestamp.UTC(),
		)
		if err != nil {
			logging.Warn().Err(err).Str("event_id", e.EventID).Msg("error appending event to mirror batch")
			continue
		}
		appended++
	}

	if appended == 0 {
		return batch.Abort()
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	logging.Debug().Int("rows", appended).Msg("mirrored behavior events to ClickHouse")
	return nil
}

// CountEventsSince answers the health monitor's ingestion-rate check.
func (m *ReportMirror) CountEventsSince(ctx context.Context, since time.Time) (int64, error) {
	var n uint64
	err := m.DB.Conn.QueryRow(ctx,
		`SELECT count() FROM behavior_events WHERE timestamp >= ?`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mirrored events: %w", err)
	}
	return int64(n), nil
}
