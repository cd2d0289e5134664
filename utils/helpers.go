package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxAnalyticsDays = 365

// ParseDays reads the analytics window from a query parameter.
func ParseDays(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 || days > maxAnalyticsDays {
		return 0, fmt.Errorf("days must be between 1 and %d", maxAnalyticsDays)
	}
	return days, nil
}

// ParseLimit reads a positive limit, capped at ceiling.
func ParseLimit(raw string, def, ceiling int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > ceiling {
		limit = ceiling
	}
	return limit, nil
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var intervals = map[string]string{
	"minute":  "Minute",
	"hour":    "Hour",
	"day":     "Day",
	"week":    "Week",
	"month":   "Month",
	"quarter": "Quarter",
	"year":    "Year",
}

// NormalizeInterval maps a bucket name such as "hour" or "Hour" onto the
// suffix of ClickHouse's toStartOf* functions.
func NormalizeInterval(interval string) (string, bool) {
	v, ok := intervals[strings.ToLower(interval)]
	return v, ok
}
