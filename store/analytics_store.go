package store

import (
	"context"
	"fmt"
	"time"

	"mabletask/telemetry/logging"
	"mabletask/telemetry/models"
	"mabletask/telemetry/utils"
)

// EventCountsOverTime buckets mirrored events by interval (Minute, Hour,
// Day, ...). With eventType set, buckets are split per type.
func (m *ReportMirror) EventCountsOverTime(ctx context.Context, interval string, start, end time.Time, eventType string) ([]models.EventCountBucket, error) {
	bucket, ok := utils.NormalizeInterval(interval)
	if !ok {
		return nil, &models.ValidationError{Field: "interval", Reason: "must be one of minute, hour, day, week, month, quarter, year"}
	}

	args := []interface{}{start.UTC(), end.UTC()}
	selectCols := fmt.Sprintf("toStartOf%s(timestamp) AS time_bucket, count() AS total_events", bucket)
	where := "WHERE timestamp >= ? AND timestamp <= ?"
	groupBy := "time_bucket"
	orderBy := "time_bucket ASC"
	byType := eventType != ""
	if byType {
		selectCols += ", event_type"
		where += " AND event_type = ?"
		groupBy += ", event_type"
		orderBy += ", event_type ASC"
		args = append(args, eventType)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM behavior_events FINAL
		%s
		GROUP BY %s
		ORDER BY %s
	`, selectCols, where, groupBy, orderBy)

	rows, err := m.DB.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts over time: %w", err)
	}
	defer rows.Close()

	var results []models.EventCountBucket
	for rows.Next() {
		var (
			b  models.EventCountBucket
			et string
		)
		if byType {
			err = rows.Scan(&b.Time, &b.Count, &et)
			b.EventType = &et
		} else {
			err = rows.Scan(&b.Time, &b.Count)
		}
		if err != nil {
			logging.Warn().Err(err).Msg("error scanning event count bucket")
			continue
		}
		results = append(results, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during event counts over time query: %w", err)
	}
	return results, nil
}

// TopScreens ranks screens by screen_view count.
func (m *ReportMirror) TopScreens(ctx context.Context, start, end time.Time, limit uint64) ([]models.ScreenCount, error) {
	if limit == 0 {
		limit = 10
	}

	rows, err := m.DB.Conn.Query(ctx, `
		SELECT screen_name, count() AS view_count
		FROM behavior_events FINAL
		WHERE event_type = 'screen_view' AND timestamp >= ? AND timestamp <= ?
		GROUP BY screen_name
		ORDER BY view_count DESC
		LIMIT ?
	`, start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top screens: %w", err)
	}
	defer rows.Close()

	var results []models.ScreenCount
	for rows.Next() {
		var sc models.ScreenCount
		if err := rows.Scan(&sc.ScreenName, &sc.Count); err != nil {
			logging.Warn().Err(err).Msg("error scanning top screen row")
			continue
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows for top screens: %w", err)
	}
	return results, nil
}
