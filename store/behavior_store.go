package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mabletask/telemetry/models"
)

const eventColumns = 10

type BehaviorStore struct {
	db *sql.DB
}

func NewBehaviorStore(db *sql.DB) *BehaviorStore {
	return &BehaviorStore{db: db}
}

func (s *BehaviorStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertEvents writes the batch in a single multi-row INSERT. Rows whose
// event_id already exists are skipped, so a redelivered event is harmless.
func (s *BehaviorStore) InsertEvents(ctx context.Context, events []*models.BehaviorEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO behavior_events (
		event_id, device_id, user_id, event_type, screen_name, event_data,
		session_id, ip_address, user_agent, ts
	) VALUES `)

	args := make([]interface{}, 0, len(events)*eventColumns)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * eventColumns
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d::jsonb, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args,
			e.EventID,
			e.DeviceID,
			nullString(e.UserID),
			string(e.EventType),
			nullString(e.ScreenName),
			jsonOrEmpty(e.EventData, "{}"),
			nullString(e.SessionID),
			nullString(e.IPAddress),
			nullString(e.UserAgent),
			e.Timestamp.UTC(),
		)
	}
	sb.WriteString(" ON CONFLICT (event_id) DO NOTHING")

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert %d behavior events: %w", len(events), err)
	}
	return nil
}

// UpsertDevice inserts the device on first sight. Afterwards only the hint
// fields the client actually sent overwrite stored ones, and last_seen
// never moves backwards.
func (s *BehaviorStore) UpsertDevice(ctx context.Context, deviceID string, hints models.DeviceHints, seen time.Time) error {
	extra := []byte("{}")
	if len(hints.Extra) > 0 {
		b, err := json.Marshal(hints.Extra)
		if err != nil {
			return fmt.Errorf("marshal device metadata: %w", err)
		}
		extra = b
	}

	query := `
		INSERT INTO devices (device_id, platform, os_version, screen_size, browser, metadata, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $7)
		ON CONFLICT (device_id) DO UPDATE SET
			platform    = COALESCE(EXCLUDED.platform, devices.platform),
			os_version  = COALESCE(EXCLUDED.os_version, devices.os_version),
			screen_size = COALESCE(EXCLUDED.screen_size, devices.screen_size),
			browser     = COALESCE(EXCLUDED.browser, devices.browser),
			metadata    = devices.metadata || EXCLUDED.metadata,
			last_seen   = GREATEST(devices.last_seen, EXCLUDED.last_seen)
	`
	_, err := s.db.ExecContext(ctx, query,
		deviceID,
		nullString(hints.Platform),
		nullString(hints.OSVersion),
		nullString(hints.ScreenSize),
		nullString(hints.Browser),
		string(extra),
		seen.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", deviceID, err)
	}
	return nil
}

// TouchDevice moves last_seen forward. It reports false when the device row
// does not exist.
func (s *BehaviorStore) TouchDevice(ctx context.Context, deviceID string, seen time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = GREATEST(last_seen, $2) WHERE device_id = $1`,
		deviceID, seen.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to touch device %s: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// StartSession is idempotent: a repeated start refreshes start_time only,
// and total_sessions counts first inserts.
func (s *BehaviorStore) StartSession(ctx context.Context, req models.StartSessionRequest, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin session tx: %w", err)
	}
	defer tx.Rollback()

	var inserted bool
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sessions (session_id, device_id, user_id, start_time, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (session_id) DO UPDATE SET start_time = EXCLUDED.start_time
		RETURNING (xmax = 0)
	`, req.SessionID, req.DeviceID, nullString(req.UserID), at.UTC(), jsonOrEmpty(req.Metadata, "{}")).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to start session %s: %w", req.SessionID, err)
	}

	if inserted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE devices SET total_sessions = total_sessions + 1 WHERE device_id = $1`,
			req.DeviceID); err != nil {
			return false, fmt.Errorf("failed to count session for device %s: %w", req.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit session tx: %w", err)
	}
	return inserted, nil
}

// EndSession closes a session and merges metadata into what is stored.
// It returns the owning device id, or ErrSessionNotFound.
func (s *BehaviorStore) EndSession(ctx context.Context, req models.EndSessionRequest, at time.Time) (string, error) {
	var deviceID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET
			end_time     = $2,
			duration     = $3,
			page_count   = $4,
			scroll_depth = $5,
			metadata     = COALESCE(metadata, '{}'::jsonb) || $6::jsonb
		WHERE session_id = $1
		RETURNING device_id
	`, req.SessionID, at.UTC(), req.Duration, req.PageCount, req.ScrollDepth, jsonOrEmpty(req.Metadata, "{}")).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", req.SessionID, models.ErrSessionNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to end session %s: %w", req.SessionID, err)
	}
	return deviceID, nil
}

// LinkDeviceToUser attributes the device's anonymous history to userID in
// one transaction. Rows that already carry a user are left alone, so a
// second call changes nothing.
func (s *BehaviorStore) LinkDeviceToUser(ctx context.Context, deviceID, userID string) (models.LinkResult, error) {
	var result models.LinkResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin link tx: %w", err)
	}
	defer tx.Rollback()

	targets := []struct {
		table string
		count *int64
	}{
		{"behavior_events", &result.Events},
		{"sessions", &result.Sessions},
		{"daily_aggregates", &result.Aggregates},
	}
	for _, t := range targets {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET user_id = $1 WHERE device_id = $2 AND user_id IS NULL`, t.table),
			userID, deviceID)
		if err != nil {
			return models.LinkResult{}, fmt.Errorf("failed to link %s for device %s: %w", t.table, deviceID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return models.LinkResult{}, fmt.Errorf("rows affected: %w", err)
		}
		*t.count = n
	}

	if err := tx.Commit(); err != nil {
		return models.LinkResult{}, fmt.Errorf("commit link tx: %w", err)
	}
	return result, nil
}

// match builds the identity predicate shared by all read queries.
// Placeholders start at $1.
func match(f models.AnalyticsFilter) (string, []interface{}) {
	if f.UserID != "" {
		return "(user_id = $1 OR device_id = $2)", []interface{}{f.UserID, f.DeviceID}
	}
	return "device_id = $1", []interface{}{f.DeviceID}
}

// window appends a [from, to) predicate on col.
func window(col string, f models.AnalyticsFilter, args []interface{}) (string, []interface{}) {
	n := len(args)
	clause := fmt.Sprintf(" AND %s >= $%d AND %s < $%d", col, n+1, col, n+2)
	return clause, append(args, f.From.UTC(), f.To.UTC())
}

// FetchAnalytics computes the per-identity rollup straight from
// behavior_events and sessions.
func (s *BehaviorStore) FetchAnalytics(ctx context.Context, f models.AnalyticsFilter) (*models.UserAnalytics, error) {
	out := &models.UserAnalytics{
		ScreenViews:         []models.ScreenViewStat{},
		ScrollDepth:         []models.ScrollDepthStat{},
		NavigationPaths:     []models.NavigationPathStat{},
		ProductInteractions: []models.ProductInteractionStat{},
	}

	where, args := match(f)
	ts, args := window("ts", f, args)
	where += ts

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(screen_name, ''), COUNT(*),
			COALESCE(AVG(`+jsonNumber("duration")+`), 0)
		FROM behavior_events
		WHERE event_type = 'screen_view' AND `+where+`
		GROUP BY 1
		ORDER BY 2 DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query screen views: %w", err)
	}
	for rows.Next() {
		var st models.ScreenViewStat
		if err := rows.Scan(&st.ScreenName, &st.TotalViews, &st.AvgDuration); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan screen view: %w", err)
		}
		out.ScreenViews = append(out.ScreenViews, st)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("screen view rows: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT COALESCE(screen_name, ''),
			COALESCE(AVG(`+jsonNumber("maxScrollDepth")+`), 0),
			COUNT(DISTINCT session_id)
		FROM behavior_events
		WHERE event_type = 'scroll_depth' AND `+where+`
		GROUP BY 1
		ORDER BY 2 DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scroll depth: %w", err)
	}
	for rows.Next() {
		var st models.ScrollDepthStat
		if err := rows.Scan(&st.ScreenName, &st.AvgMaxDepth, &st.TotalSessions); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan scroll depth: %w", err)
		}
		out.ScrollDepth = append(out.ScrollDepth, st)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("scroll depth rows: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT event_data->>'path', COUNT(*)
		FROM behavior_events
		WHERE event_type = 'navigation_path' AND event_data->>'path' IS NOT NULL AND `+where+`
		GROUP BY 1
		ORDER BY 2 DESC
		LIMIT 20
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query navigation paths: %w", err)
	}
	for rows.Next() {
		var st models.NavigationPathStat
		if err := rows.Scan(&st.Path, &st.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan navigation path: %w", err)
		}
		out.NavigationPaths = append(out.NavigationPaths, st)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("navigation path rows: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT event_data->>'productId', COUNT(*),
			COALESCE(AVG(`+jsonNumber("duration")+`), 0),
			COALESCE(SUM(`+jsonNumber("zoomCount")+`), 0)::bigint,
			COALESCE(SUM(`+jsonNumber("carouselSwipes")+`), 0)::bigint
		FROM behavior_events
		WHERE event_type = 'product_interaction' AND event_data->>'productId' IS NOT NULL AND `+where+`
		GROUP BY 1
		ORDER BY 2 DESC
		LIMIT 20
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query product interactions: %w", err)
	}
	for rows.Next() {
		var st models.ProductInteractionStat
		if err := rows.Scan(&st.ProductID, &st.TotalViews, &st.AvgDuration, &st.TotalZoomCount, &st.TotalCarouselSwipes); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan product interaction: %w", err)
		}
		out.ProductInteractions = append(out.ProductInteractions, st)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("product interaction rows: %w", err)
	}

	sessWhere, sessArgs := match(f)
	st, sessArgs := window("start_time", f, sessArgs)
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(AVG(duration), 0),
			COALESCE(AVG(page_count), 0),
			COALESCE(AVG(scroll_depth), 0)
		FROM sessions
		WHERE `+sessWhere+st, sessArgs...).Scan(
		&out.Sessions.TotalSessions,
		&out.Sessions.AvgSessionDuration,
		&out.Sessions.AvgPageCount,
		&out.Sessions.AvgScrollDepth,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session stats: %w", err)
	}

	return out, nil
}

// SaveDailyAggregate upserts one (device, day) rollup row.
func (s *BehaviorStore) SaveDailyAggregate(ctx context.Context, agg models.DailyAggregate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_aggregates (
			device_id, user_id, day, screen_views, scroll_depth,
			navigation_paths, product_interactions, sessions, last_updated
		) VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb, $8::jsonb, $9)
		ON CONFLICT (device_id, day) DO UPDATE SET
			user_id              = COALESCE(EXCLUDED.user_id, daily_aggregates.user_id),
			screen_views         = EXCLUDED.screen_views,
			scroll_depth         = EXCLUDED.scroll_depth,
			navigation_paths     = EXCLUDED.navigation_paths,
			product_interactions = EXCLUDED.product_interactions,
			sessions             = EXCLUDED.sessions,
			last_updated         = EXCLUDED.last_updated
	`,
		agg.DeviceID,
		nullString(agg.UserID),
		agg.Day.UTC(),
		jsonOrEmpty(agg.ScreenViews, "[]"),
		jsonOrEmpty(agg.ScrollDepth, "[]"),
		jsonOrEmpty(agg.NavigationPaths, "[]"),
		jsonOrEmpty(agg.ProductInteractions, "[]"),
		jsonOrEmpty(agg.Sessions, "{}"),
		agg.LastUpdated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save daily aggregate for %s: %w", agg.DeviceID, err)
	}
	return nil
}

func (s *BehaviorStore) ListAggregates(ctx context.Context, f models.AnalyticsFilter) ([]models.DailyAggregate, error) {
	where, args := match(f)
	day, args := window("day", f, args)

	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, COALESCE(user_id, ''), day, screen_views, scroll_depth,
			navigation_paths, product_interactions, sessions, last_updated
		FROM daily_aggregates
		WHERE `+where+day+`
		ORDER BY day DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily aggregates: %w", err)
	}
	defer rows.Close()

	aggs := []models.DailyAggregate{}
	for rows.Next() {
		var a models.DailyAggregate
		var sv, sd, np, pi, ss []byte
		if err := rows.Scan(&a.DeviceID, &a.UserID, &a.Day, &sv, &sd, &np, &pi, &ss, &a.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan daily aggregate: %w", err)
		}
		a.ScreenViews = sv
		a.ScrollDepth = sd
		a.NavigationPaths = np
		a.ProductInteractions = pi
		a.Sessions = ss
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily aggregates: %w", err)
	}
	return aggs, nil
}

// ListDevices pages through known devices, most recently seen first.
func (s *BehaviorStore) ListDevices(ctx context.Context, limit, offset int) ([]models.DeviceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.device_id, COALESCE(d.platform, ''), COALESCE(d.os_version, ''),
			COALESCE(d.screen_size, ''), COALESCE(d.browser, ''),
			d.first_seen, d.last_seen, d.total_sessions,
			COALESCE(e.user_id, ''), COALESCE(e.total, 0)
		FROM devices d
		LEFT JOIN (
			SELECT device_id, MAX(user_id) AS user_id, COUNT(*) AS total
			FROM behavior_events
			GROUP BY device_id
		) e ON e.device_id = d.device_id
		ORDER BY d.last_seen DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []models.DeviceSummary{}
	for rows.Next() {
		var d models.DeviceSummary
		if err := rows.Scan(
			&d.DeviceID, &d.Platform, &d.OSVersion, &d.ScreenSize, &d.Browser,
			&d.FirstSeen, &d.LastSeen, &d.TotalSessions,
			&d.UserID, &d.TotalEvents,
		); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// CountEventsSince is the ingestion rate source when no report mirror is
// configured.
func (s *BehaviorStore) CountEventsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM behavior_events WHERE ts >= $1`, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count recent events: %w", err)
	}
	return n, nil
}

// jsonNumber reads event_data->key as float8, or NULL when the stored
// value is not a JSON number, so one malformed row cannot fail a rollup.
func jsonNumber(key string) string {
	return fmt.Sprintf("CASE WHEN jsonb_typeof(event_data->'%[1]s') = 'number' THEN (event_data->>'%[1]s')::float8 END", key)
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func jsonOrEmpty(raw json.RawMessage, empty string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return empty
	}
	return string(raw)
}
