package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"mabletask/telemetry/cache"
	"mabletask/telemetry/models"
	"mabletask/telemetry/utils"
)

const devicesPrefix = "devices:"

func analyticsPrefix(deviceID string) string {
	return "analytics:" + deviceID + ":"
}

func analyticsKey(deviceID, userID string, days int) string {
	return fmt.Sprintf("%s%s:%d", analyticsPrefix(deviceID), userID, days)
}

// GetUserAnalytics returns the rollup for the last days days. When userID
// is set, events of the linked user on other devices are included.
func (w *Worker) GetUserAnalytics(ctx context.Context, deviceID, userID string, days int) (*models.UserAnalytics, error) {
	if deviceID == "" {
		return nil, &models.ValidationError{Field: "deviceId"}
	}
	if days <= 0 {
		days = 30
	}

	return cache.GetOrSet(ctx, w.shared, analyticsKey(deviceID, userID, days), w.analyticsTTL,
		func(ctx context.Context) (*models.UserAnalytics, error) {
			to := w.now()
			f := models.AnalyticsFilter{
				DeviceID: deviceID,
				UserID:   userID,
				From:     to.Add(-time.Duration(days) * 24 * time.Hour),
				To:       to,
			}
			out, err := w.store.FetchAnalytics(ctx, f)
			if err != nil {
				return nil, err
			}
			aggs, err := w.store.ListAggregates(ctx, models.AnalyticsFilter{
				DeviceID: deviceID,
				UserID:   userID,
				From:     utils.DayStart(f.From),
				To:       utils.DayStart(to).AddDate(0, 0, 1),
			})
			if err != nil {
				return nil, err
			}
			out.Aggregates = aggs
			return out, nil
		})
}

// AggregateUserData recomputes and stores the rollup of one device for the
// UTC day containing day.
func (w *Worker) AggregateUserData(ctx context.Context, deviceID, userID string, day time.Time) (*models.DailyAggregate, error) {
	if deviceID == "" {
		return nil, &models.ValidationError{Field: "deviceId"}
	}
	from := utils.DayStart(day)
	ua, err := w.store.FetchAnalytics(ctx, models.AnalyticsFilter{
		DeviceID: deviceID,
		UserID:   userID,
		From:     from,
		To:       from.AddDate(0, 0, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", deviceID, err)
	}

	agg := models.DailyAggregate{
		DeviceID:    deviceID,
		UserID:      userID,
		Day:         from,
		LastUpdated: w.now().UTC(),
	}
	parts := []struct {
		v   any
		set func(raw []byte)
	}{
		{ua.ScreenViews, func(raw []byte) { agg.ScreenViews = raw }},
		{ua.ScrollDepth, func(raw []byte) { agg.ScrollDepth = raw }},
		{ua.NavigationPaths, func(raw []byte) { agg.NavigationPaths = raw }},
		{ua.ProductInteractions, func(raw []byte) { agg.ProductInteractions = raw }},
		{ua.Sessions, func(raw []byte) { agg.Sessions = raw }},
	}
	for _, p := range parts {
		raw, err := json.Marshal(p.v)
		if err != nil {
			return nil, fmt.Errorf("encode aggregate: %w", err)
		}
		p.set(raw)
	}

	if err := w.store.SaveDailyAggregate(ctx, agg); err != nil {
		return nil, err
	}
	w.shared.InvalidatePrefixAsync(analyticsPrefix(deviceID))
	return &agg, nil
}

// ListDevices pages through known devices through the shared cache.
func (w *Worker) ListDevices(ctx context.Context, limit, offset int) ([]models.DeviceSummary, error) {
	key := fmt.Sprintf("%s%d:%d", devicesPrefix, limit, offset)
	return cache.GetOrSet(ctx, w.shared, key, w.devicesTTL, func(ctx context.Context) ([]models.DeviceSummary, error) {
		return w.store.ListDevices(ctx, limit, offset)
	})
}
