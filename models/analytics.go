package models

import (
	"encoding/json"
	"time"
)

// AnalyticsFilter selects the events of one device, or of one device and
// its linked user when UserID is set.
type AnalyticsFilter struct {
	DeviceID string
	UserID   string
	From     time.Time
	To       time.Time
}

// Matches applies the same rule the SQL queries use:
// (userId OR deviceId) when a user is known, otherwise deviceId only.
func (f AnalyticsFilter) Matches(e *BehaviorEvent) bool {
	if f.UserID != "" {
		return e.UserID == f.UserID || e.DeviceID == f.DeviceID
	}
	return e.DeviceID == f.DeviceID
}

type ScreenViewStat struct {
	ScreenName  string  `json:"screenName"`
	TotalViews  int64   `json:"totalViews"`
	AvgDuration float64 `json:"avgDuration"`
}

type ScrollDepthStat struct {
	ScreenName    string  `json:"screenName"`
	AvgMaxDepth   float64 `json:"avgMaxDepth"`
	TotalSessions int64   `json:"totalSessions"`
}

type NavigationPathStat struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

type ProductInteractionStat struct {
	ProductID           string  `json:"productId"`
	TotalViews          int64   `json:"totalViews"`
	AvgDuration         float64 `json:"avgDuration"`
	TotalZoomCount      int64   `json:"totalZoomCount"`
	TotalCarouselSwipes int64   `json:"totalCarouselSwipes"`
}

type SessionStats struct {
	TotalSessions      int64   `json:"totalSessions"`
	AvgSessionDuration float64 `json:"avgSessionDuration"`
	AvgPageCount       float64 `json:"avgPageCount"`
	AvgScrollDepth     float64 `json:"avgScrollDepth"`
}

// UserAnalytics is the rollup returned by the analytics endpoint and stored
// per day in daily_aggregates.
type UserAnalytics struct {
	ScreenViews         []ScreenViewStat         `json:"screenViews"`
	ScrollDepth         []ScrollDepthStat        `json:"scrollDepth"`
	NavigationPaths     []NavigationPathStat     `json:"navigationPaths"`
	ProductInteractions []ProductInteractionStat `json:"productInteractions"`
	Sessions            SessionStats             `json:"sessions"`
	Aggregates          []DailyAggregate         `json:"aggregates,omitempty"`
}

type DailyAggregate struct {
	DeviceID            string          `json:"deviceId"`
	UserID              string          `json:"userId,omitempty"`
	Day                 time.Time       `json:"date"`
	ScreenViews         json.RawMessage `json:"screenViews"`
	ScrollDepth         json.RawMessage `json:"scrollDepth"`
	NavigationPaths     json.RawMessage `json:"navigationPaths"`
	ProductInteractions json.RawMessage `json:"productInteractions"`
	Sessions            json.RawMessage `json:"sessions"`
	LastUpdated         time.Time       `json:"lastUpdated"`
}
